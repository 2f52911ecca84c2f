// Package poll implements bounded, tick-based waits.
//
// A wait is described by a Config (overall ceiling and tick interval) and driven
// by backoff's constant policy, so the number of checks is fixed up front and a
// fake Timer can replace real sleeping in tests.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned when the condition never held within the ceiling.
var ErrTimeout = errors.New("wait ceiling reached")

var errPending = errors.New("condition pending")

// Config bounds a wait: the condition is checked once immediately and then
// once per Interval until Timeout worth of ticks have elapsed.
type Config struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Interval time.Duration `mapstructure:"interval"`
}

// Ticks is the number of intervals that fit in the ceiling; at least one.
func (c Config) Ticks() uint64 {
	if c.Interval <= 0 || c.Timeout <= 0 {
		return 1
	}
	n := uint64(c.Timeout / c.Interval)
	if n == 0 {
		n = 1
	}
	return n
}

// Condition reports whether the wait is over. A non-nil error aborts the wait
// and is returned as is.
type Condition func() (done bool, err error)

// Timer is backoff's timer abstraction, re-exported so callers need not import backoff.
type Timer = backoff.Timer

// Poller runs waits with an optional injected timer.
type Poller struct {
	timer func() Timer
}

// New returns a Poller using real time.
func New() *Poller { return &Poller{} }

// WithTimer returns a Poller whose every wait uses a timer built by mk.
func WithTimer(mk func() Timer) *Poller { return &Poller{timer: mk} }

func (p *Poller) newTimer() Timer {
	if p == nil || p.timer == nil {
		return nil // backoff falls back to its default timer
	}
	return p.timer()
}

// Until blocks until cond is done, cond fails, ctx ends, or the ceiling is reached.
func (p *Poller) Until(ctx context.Context, cfg Config, cond Condition) error {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(interval)
	b = backoff.WithMaxRetries(b, cfg.Ticks())
	b = backoff.WithContext(b, ctx)

	op := func() error {
		done, err := cond()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errPending
		}
		return nil
	}
	err := backoff.RetryNotifyWithTimer(op, b, nil, p.newTimer())
	if errors.Is(err, errPending) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimeout
	}
	return err
}

// Sleep waits for d using the poller's timer, returning early when ctx ends.
func (p *Poller) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := p.newTimer()
	if t == nil {
		t = &realTimer{}
	}
	t.Start(d)
	defer t.Stop()
	select {
	case <-t.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type realTimer struct{ t *time.Timer }

func (r *realTimer) Start(d time.Duration) {
	if r.t == nil {
		r.t = time.NewTimer(d)
		return
	}
	r.t.Reset(d)
}

func (r *realTimer) Stop() {
	if r.t != nil {
		r.t.Stop()
	}
}

func (r *realTimer) C() <-chan time.Time { return r.t.C }
