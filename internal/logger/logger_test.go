package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewTextToConsole(t *testing.T) {
	var buf bytes.Buffer
	l, closer, err := New(Config{Level: "debug"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = closer.Close() }()
	l.Debug("probing", "pid", 42)
	if !strings.Contains(buf.String(), "msg=probing") || !strings.Contains(buf.String(), "pid=42") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := New(Config{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("hidden")
	l.Warn("shown", "step", "archive")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("json: %v", err)
	}
	if m["msg"] != "shown" || m["step"] != "archive" {
		t.Fatalf("unexpected record: %v", m)
	}
}

func TestNewTeesIntoRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "dapvisor.log")
	var buf bytes.Buffer
	l, closer, err := New(Config{File: path}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("started", "pid", 7)
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(b), "msg=started") || !strings.Contains(buf.String(), "msg=started") {
		t.Fatalf("expected record in both sinks; file=%q console=%q", b, buf.String())
	}
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := New(Config{Format: "color"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.With("run", "abc").Error("stop failed")
	out := buf.String()
	if !strings.Contains(out, "\033[31mERROR") || !strings.Contains(out, "run=abc") {
		t.Fatalf("unexpected colored output: %q", out)
	}
}

func TestValidateRejectsUnknownFormat(t *testing.T) {
	if err := (Config{Format: "xml"}).Validate(); err == nil {
		t.Fatalf("expected error")
	}
	if _, _, err := New(Config{Level: "nope"}, nil); err == nil {
		t.Fatalf("expected error for bad level")
	}
}

func TestDiscard(t *testing.T) {
	Discard().Error("nothing") // must not panic or print
}
