// Package reaper implements the best-effort cleanup pass: stop the bridge if
// the controller is reachable, remove its record and derived files, archive
// or discard its log, optionally sweep orphans by signature, and report what
// could not be cleaned.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loykin/dapvisor/internal/config"
	"github.com/loykin/dapvisor/internal/detector"
	"github.com/loykin/dapvisor/internal/history"
	"github.com/loykin/dapvisor/internal/logger"
	"github.com/loykin/dapvisor/internal/logstream"
	"github.com/loykin/dapvisor/internal/metrics"
	"github.com/loykin/dapvisor/internal/pidfile"
	"github.com/loykin/dapvisor/internal/poll"
	"github.com/loykin/dapvisor/internal/proctable"
	"github.com/loykin/dapvisor/internal/supervisor"
)

// Step names, in execution order.
const (
	StepStop            = "stop"
	StepRemoveRecord    = "remove-pid-record"
	StepArchiveLog      = "archive-log"
	StepRemoveGenerated = "remove-generated"
	StepSweepOrphans    = "sweep-orphans"
)

// Stopper is the controller's stop entry point.
type Stopper interface {
	Stop(ctx context.Context) (supervisor.StopResult, error)
}

type Step struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report summarizes a cleanup. Residual is 0 when everything is clean.
type Report struct {
	Steps      []Step   `json:"steps"`
	Archived   string   `json:"archived,omitempty"`
	Terminated []int    `json:"terminated,omitempty"`
	Residual   int      `json:"residual"`
	Issues     []string `json:"issues,omitempty"`
}

func (r Report) Clean() bool { return r.Residual == 0 }

func (r *Report) add(name string, err error, detail string) {
	st := Step{Name: name, OK: err == nil, Detail: detail}
	if err != nil {
		st.Detail = err.Error()
		r.Issues = append(r.Issues, name+": "+err.Error())
	}
	r.Steps = append(r.Steps, st)
}

type Reaper struct {
	s       config.Settings
	stopper Stopper
	lister  proctable.Lister
	poller  *poll.Poller
	log     *slog.Logger
	journal *history.Journal
	skip    map[int]struct{}
}

type Option func(*Reaper)

func WithLister(l proctable.Lister) Option {
	return func(r *Reaper) {
		if l != nil {
			r.lister = l
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) {
		if l != nil {
			r.log = l
		}
	}
}

func WithJournal(j *history.Journal) Option {
	return func(r *Reaper) { r.journal = j }
}

func WithPoller(p *poll.Poller) Option {
	return func(r *Reaper) {
		if p != nil {
			r.poller = p
		}
	}
}

// New returns a reaper for s. A nil stopper marks the controller as
// unreachable; cleanup then proceeds without it and reports the gap.
func New(s config.Settings, stopper Stopper, opts ...Option) *Reaper {
	r := &Reaper{
		s:       s,
		stopper: stopper,
		lister:  proctable.System{},
		poller:  poll.New(),
		log:     logger.Discard(),
		// never signal ourselves or whoever invoked us
		skip: map[int]struct{}{os.Getpid(): {}, os.Getppid(): {}},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Cleanup runs every step regardless of earlier failures.
func (r *Reaper) Cleanup(ctx context.Context, force bool) Report {
	var rep Report
	recorded := 0
	if rec, err := pidfile.Read(r.s.PIDPath()); err == nil {
		recorded = rec.PID
	}

	r.stop(ctx, &rep)

	rep.add(StepRemoveRecord, pidfile.Remove(r.s.PIDPath()), "")

	archived, err := logstream.Stream{Path: r.s.LogPath(), Keep: r.s.Cleanup.ArchiveKeep}.Archive()
	detail := "discarded"
	if archived != "" {
		detail, rep.Archived = archived, archived
	}
	rep.add(StepArchiveLog, err, detail)

	n, err := r.removeGenerated()
	rep.add(StepRemoveGenerated, err, fmt.Sprintf("%d removed", n))

	if force {
		rep.Terminated, err = r.sweep(ctx)
		rep.add(StepSweepOrphans, err, fmt.Sprintf("%d signalled", len(rep.Terminated)))
		if recorded > 0 && detector.PIDAlive(recorded) {
			// give a signalled bridge the kill window to exit before verifying
			_ = r.poller.Until(ctx, r.s.Stop.KillConfig(), func() (bool, error) {
				return !detector.PIDAlive(recorded), nil
			})
		}
	}

	r.verify(&rep, recorded)
	metrics.SetCleanupResidual(rep.Residual)
	r.journal.Record(ctx, history.EventCleanup, recorded, "", fmt.Sprintf("force=%t residual=%d", force, rep.Residual))
	if rep.Clean() {
		r.log.Info("cleanup complete", "force", force, "archived", rep.Archived, "terminated", len(rep.Terminated))
	} else {
		r.log.Warn("cleanup left residual issues", "count", rep.Residual, "issues", strings.Join(rep.Issues, "; "))
	}
	return rep
}

func (r *Reaper) stop(ctx context.Context, rep *Report) {
	if r.stopper == nil {
		r.log.Warn("controller unreachable, continuing cleanup without stop")
		rep.add(StepStop, errors.New("controller unreachable"), "")
		return
	}
	res, err := r.stopper.Stop(ctx)
	rep.add(StepStop, err, string(res.Outcome))
}

// removeGenerated deletes files under the state dir matching the cleanup
// patterns. Patterns never reach outside the state dir.
func (r *Reaper) removeGenerated() (int, error) {
	fsys := os.DirFS(r.s.StateDir)
	var (
		removed int
		errs    []error
	)
	for _, pattern := range r.s.Cleanup.Generated {
		matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", pattern, err))
			continue
		}
		for _, m := range matches {
			p := filepath.Join(r.s.StateDir, filepath.FromSlash(m))
			if p == r.s.PIDPath() || p == r.s.LogPath() {
				continue
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
				continue
			}
			removed++
			r.log.Debug("removed generated artifact", "path", p)
		}
	}
	return removed, errors.Join(errs...)
}

// sweep signals every process whose command line matches a signature.
func (r *Reaper) sweep(ctx context.Context) ([]int, error) {
	m, err := r.s.Signatures.Compile()
	if err != nil {
		return nil, err
	}
	procs, err := r.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var (
		signalled []int
		errs      []error
	)
	for _, p := range procs {
		if _, skip := r.skip[p.PID]; skip || p.PID <= 1 {
			continue
		}
		e, ok := m.Match(p.Cmdline)
		if !ok {
			continue
		}
		r.log.Info("terminating orphan", "pid", p.PID, "signature", e.Name, "owner", e.Owner, "table_version", m.Version())
		if err := terminate(p.PID); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", p.PID, err))
			continue
		}
		signalled = append(signalled, p.PID)
		metrics.IncOrphan(e.Name)
		r.journal.Record(ctx, history.EventOrphanTerminated, p.PID, "", e.Name)
	}
	return signalled, errors.Join(errs...)
}

// verify counts each leftover once: a failed step already covers the record
// or process it was meant to clean up.
func (r *Reaper) verify(rep *Report, recorded int) {
	failed := make(map[string]bool, len(rep.Steps))
	for _, st := range rep.Steps {
		if !st.OK {
			rep.Residual++
			failed[st.Name] = true
		}
	}
	if !failed[StepRemoveRecord] && pidfile.Exists(r.s.PIDPath()) {
		rep.Residual++
		rep.Issues = append(rep.Issues, "pid record still present")
	}
	if !failed[StepStop] && recorded > 0 && detector.PIDAlive(recorded) {
		rep.Residual++
		rep.Issues = append(rep.Issues, fmt.Sprintf("recorded pid %d still alive", recorded))
	}
}
