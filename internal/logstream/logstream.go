// Package logstream manages the combined stdout/stderr file of the supervised child.
package logstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// DefaultKeep is how many archived logs survive a cleanup when Keep is unset.
const DefaultKeep = 5

// Stream is the child's log file plus the policy for archiving it.
type Stream struct {
	Path string
	Keep int // archived copies to retain; <= 0 means DefaultKeep
}

// Open truncates (or creates) the log and returns it for the child's stdout and stderr.
// The file is opened append-only so both streams interleave without clobbering.
func (s Stream) Open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304
	return os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o640)
}

// Size returns the current log size; a missing log has size 0.
func (s Stream) Size() (int64, error) {
	st, err := os.Stat(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return st.Size(), nil
}

// Tail returns up to the last n lines of the log.
func (s Stream) Tail(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	// #nosec G304
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

// Archive preserves a non-empty log under a timestamped name and deletes an empty one.
// It returns the archive path, or "" when nothing was kept. Older archives beyond
// Keep are pruned.
func (s Stream) Archive() (string, error) {
	size, err := s.Size()
	if err != nil {
		return "", err
	}
	if size == 0 {
		if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		return "", nil
	}
	// Rotate renames the current file to <name>-<timestamp><ext> and opens a fresh one.
	l := &lj.Logger{Filename: s.Path}
	if err := l.Rotate(); err != nil {
		return "", fmt.Errorf("archive %s: %w", s.Path, err)
	}
	_ = l.Close()
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	archives, err := s.Archives()
	if err != nil || len(archives) == 0 {
		return "", err
	}
	newest := archives[len(archives)-1]
	return newest, s.prune(archives)
}

// Archives lists archived copies of the log, oldest first.
func (s Stream) Archives() ([]string, error) {
	dir := filepath.Dir(s.Path)
	base := filepath.Base(s.Path)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == base || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	// timestamps are fixed-width, so lexical order is chronological
	sort.Strings(out)
	return out, nil
}

func (s Stream) prune(archives []string) error {
	keep := s.Keep
	if keep <= 0 {
		keep = DefaultKeep
	}
	var errs []error
	for len(archives) > keep {
		if err := os.Remove(archives[0]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
		archives = archives[1:]
	}
	return errors.Join(errs...)
}

// MarkerScanner incrementally searches the log for readiness markers,
// resuming where the previous Scan stopped.
type MarkerScanner struct {
	path    string
	markers []*regexp.Regexp
	offset  int64
	partial string
}

// NewMarkerScanner compiles markers case-insensitively.
func NewMarkerScanner(path string, markers []string) (*MarkerScanner, error) {
	ms := &MarkerScanner{path: path}
	for _, m := range markers {
		re, err := regexp.Compile("(?i)" + m)
		if err != nil {
			return nil, fmt.Errorf("invalid readiness marker %q: %w", m, err)
		}
		ms.markers = append(ms.markers, re)
	}
	return ms, nil
}

// Scan reads newly appended bytes and returns the first line matching a marker.
func (ms *MarkerScanner) Scan() (string, bool, error) {
	if len(ms.markers) == 0 {
		return "", false, nil
	}
	// #nosec G304
	f, err := os.Open(ms.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(ms.offset, io.SeekStart); err != nil {
		return "", false, err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return "", false, err
	}
	ms.offset += int64(len(b))
	chunk := ms.partial + string(b)
	lines := strings.Split(chunk, "\n")
	// the last element is an unterminated line; keep it for the next scan
	ms.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		if ms.match(line) {
			return line, true, nil
		}
	}
	// a child may print its marker without a newline and then go quiet
	if ms.partial != "" && ms.match(ms.partial) {
		return ms.partial, true, nil
	}
	return "", false, nil
}

func (ms *MarkerScanner) match(line string) bool {
	for _, re := range ms.markers {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
