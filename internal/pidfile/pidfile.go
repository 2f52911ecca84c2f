package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrClaimed is returned by Claim when another invocation already holds the record.
var ErrClaimed = errors.New("pid record already claimed")

// Meta is stored on the second line of the record as JSON.
// StartUnix lets readers tell a reused PID apart from the process that was spawned.
type Meta struct {
	StartUnix int64  `json:"start_unix,omitempty"`
	Command   string `json:"command,omitempty"`
	Config    string `json:"config,omitempty"`
	Owner     int    `json:"owner,omitempty"` // pid of the supervisor invocation that spawned the child
}

// Record is the parsed content of a PID file.
// PID is 0 while the record is claimed but not yet committed.
type Record struct {
	PID     int
	Meta    Meta
	ModTime time.Time
}

// Pending reports whether the record was claimed but never committed a PID.
func (r Record) Pending() bool { return r.PID == 0 }

// Claim is an exclusively created, not yet committed PID record.
type Claim struct {
	path string
	f    *os.File
}

// NewClaim atomically creates the record at path. It fails with ErrClaimed when the
// file already exists, which closes the read-then-write race between two starts.
func NewClaim(path string) (*Claim, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, ErrClaimed
		}
		return nil, err
	}
	return &Claim{path: path, f: f}, nil
}

// Path returns the record location.
func (c *Claim) Path() string { return c.path }

// Commit writes the pid and meta lines and closes the claim.
func (c *Claim) Commit(pid int, meta Meta) error {
	if c.f == nil {
		return fmt.Errorf("pid record %s: claim already closed", c.path)
	}
	defer func() {
		_ = c.f.Close()
		c.f = nil
	}()
	mb, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	content := strconv.Itoa(pid) + "\n" + string(mb) + "\n"
	if _, err := c.f.WriteString(content); err != nil {
		return err
	}
	return c.f.Sync()
}

// Abandon releases the claim and removes the record.
func (c *Claim) Abandon() error {
	if c.f != nil {
		_ = c.f.Close()
		c.f = nil
	}
	return Remove(c.path)
}

// Read parses the record at path. A missing file yields an error satisfying
// errors.Is(err, fs.ErrNotExist). An empty file is a pending claim.
// Legacy single-line files carrying only the PID are accepted.
func Read(path string) (Record, error) {
	// #nosec G304
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if st, err := os.Stat(path); err == nil {
		rec.ModTime = st.ModTime()
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pidStr := strings.TrimSpace(pidLine)
	if pidStr == "" {
		return rec, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return rec, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid < 0 {
		return rec, fmt.Errorf("invalid pid in %s: %d", path, pid)
	}
	rec.PID = pid
	metaLine, _, _ := strings.Cut(rest, "\n")
	if metaLine = strings.TrimSpace(metaLine); metaLine != "" {
		// Keep the PID even when meta cannot be parsed
		_ = json.Unmarshal([]byte(metaLine), &rec.Meta)
	}
	return rec, nil
}

// Exists reports whether a record file is present.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes the record; a missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
