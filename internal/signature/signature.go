// Package signature holds the versioned table of command-line patterns that
// identify processes a supervisor may have left behind.
package signature

import (
	"fmt"
	"regexp"
	"strings"
)

// CurrentVersion is the newest table layout this build understands.
const CurrentVersion = 1

// Entry maps a command-line pattern to the supervisor that owns matching processes.
type Entry struct {
	Name    string `mapstructure:"name" json:"name"`
	Pattern string `mapstructure:"pattern" json:"pattern"`
	Owner   string `mapstructure:"owner" json:"owner"`
}

// Table is the auditable set of signatures used by the forced orphan sweep.
type Table struct {
	Version int     `mapstructure:"version" json:"version"`
	Entries []Entry `mapstructure:"entries" json:"entries"`
}

// Default returns the built-in table.
func Default() Table {
	return Table{
		Version: CurrentVersion,
		Entries: []Entry{
			{Name: "dap-bridge", Pattern: `(^|[\s/])dap-bridge(\s|$)`, Owner: "dapvisor"},
			{Name: "debugpy-adapter", Pattern: `debugpy[./]adapter`, Owner: "dapvisor"},
		},
	}
}

type compiled struct {
	Entry
	re *regexp.Regexp
}

// Matcher is a validated, compiled Table.
type Matcher struct {
	version int
	entries []compiled
}

// Compile validates the table and compiles its patterns.
func (t Table) Compile() (*Matcher, error) {
	if t.Version <= 0 || t.Version > CurrentVersion {
		return nil, fmt.Errorf("unsupported signature table version %d (supported: 1..%d)", t.Version, CurrentVersion)
	}
	seen := make(map[string]struct{}, len(t.Entries))
	m := &Matcher{version: t.Version}
	for i, e := range t.Entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, fmt.Errorf("signature %d: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate signature name %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(e.Pattern) == "" {
			return nil, fmt.Errorf("signature %q: pattern is required", name)
		}
		if strings.TrimSpace(e.Owner) == "" {
			return nil, fmt.Errorf("signature %q: owner is required", name)
		}
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", name, err)
		}
		m.entries = append(m.entries, compiled{Entry: e, re: re})
	}
	return m, nil
}

// Version reports the table version the matcher was built from.
func (m *Matcher) Version() int { return m.version }

// Len is the number of signatures.
func (m *Matcher) Len() int { return len(m.entries) }

// Match returns the first entry whose pattern matches cmdline.
func (m *Matcher) Match(cmdline string) (Entry, bool) {
	if m == nil || strings.TrimSpace(cmdline) == "" {
		return Entry{}, false
	}
	for _, c := range m.entries {
		if c.re.MatchString(cmdline) {
			return c.Entry, true
		}
	}
	return Entry{}, false
}
