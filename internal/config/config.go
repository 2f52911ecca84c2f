// Package config loads supervisor settings from an optional TOML file,
// DAPVISOR_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/dapvisor/internal/logger"
	"github.com/loykin/dapvisor/internal/poll"
	"github.com/loykin/dapvisor/internal/signature"
)

// DefaultFile is picked up from the working directory when no path is given.
const DefaultFile = "dapvisor.toml"

// EnvPrefix prefixes every environment override, e.g. DAPVISOR_STATE_DIR.
const EnvPrefix = "DAPVISOR"

// ConfigPlaceholder in Command is replaced by the generated config snapshot path.
const ConfigPlaceholder = "{config}"

// GeneratedPrefix names every artifact the supervisor derives under the state dir.
const GeneratedPrefix = "generated-"

// ReadyFile is written under the state dir once the readiness marker was seen.
const ReadyFile = "bridge.ready"

// ErrInvalidSettings wraps every validation failure.
var ErrInvalidSettings = errors.New("invalid settings")

type Readiness struct {
	poll.Config   `mapstructure:",squash"`
	Markers       []string `mapstructure:"markers"`
	RequireMarker bool     `mapstructure:"require_marker"`
	TailLines     int      `mapstructure:"tail_lines"`
}

type Stop struct {
	poll.Config `mapstructure:",squash"`
	KillWait    time.Duration `mapstructure:"kill_wait"`
}

// KillConfig is the wait applied after forced termination.
func (s Stop) KillConfig() poll.Config {
	iv := s.Interval
	if iv <= 0 || iv > s.KillWait {
		iv = s.KillWait
	}
	return poll.Config{Timeout: s.KillWait, Interval: iv}
}

type Restart struct {
	Settle time.Duration `mapstructure:"settle"`
}

type Cleanup struct {
	Generated   []string `mapstructure:"generated"`
	ArchiveKeep int      `mapstructure:"archive_keep"`
}

type History struct {
	DSN string `mapstructure:"dsn"`
}

type Metrics struct {
	Textfile string `mapstructure:"textfile"`
}

// Settings is the full supervisor configuration.
type Settings struct {
	StateDir        string   `mapstructure:"state_dir"`
	PIDFile         string   `mapstructure:"pid_file"`
	LogFile         string   `mapstructure:"log_file"`
	Command         string   `mapstructure:"command"`
	DependencyCheck string   `mapstructure:"dependency_check"`
	WorkDir         string   `mapstructure:"work_dir"`
	Env             []string `mapstructure:"env"`
	EnvFiles        []string `mapstructure:"env_files"`
	UseOSEnv        bool     `mapstructure:"use_os_env"`

	Readiness  Readiness       `mapstructure:"readiness"`
	Stop       Stop            `mapstructure:"stop"`
	Restart    Restart         `mapstructure:"restart"`
	Cleanup    Cleanup         `mapstructure:"cleanup"`
	Signatures signature.Table `mapstructure:"signatures"`
	History    History         `mapstructure:"history"`
	Metrics    Metrics         `mapstructure:"metrics"`
	Log        logger.Config   `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", ".dapvisor")
	v.SetDefault("pid_file", "bridge.pid")
	v.SetDefault("log_file", "bridge.log")
	v.SetDefault("command", "dap-bridge --config "+ConfigPlaceholder)
	v.SetDefault("dependency_check", "")
	v.SetDefault("work_dir", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)
	v.SetDefault("readiness.timeout", 10*time.Second)
	v.SetDefault("readiness.interval", time.Second)
	v.SetDefault("readiness.markers", []string{`\bready\b`, `\blistening\b`})
	v.SetDefault("readiness.require_marker", false)
	v.SetDefault("readiness.tail_lines", 20)
	v.SetDefault("stop.timeout", 5*time.Second)
	v.SetDefault("stop.interval", time.Second)
	v.SetDefault("stop.kill_wait", time.Second)
	v.SetDefault("restart.settle", time.Second)
	v.SetDefault("cleanup.generated", []string{GeneratedPrefix + "*", "*.ready"})
	v.SetDefault("cleanup.archive_keep", 5)
	v.SetDefault("signatures.version", signature.CurrentVersion)
	v.SetDefault("history.dsn", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Default returns the built-in settings, as Load would with no file and a clean environment.
func Default() Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	_ = v.Unmarshal(&s)
	s.Signatures.Entries = signature.Default().Entries
	return s
}

// Load reads settings from path (TOML). An empty path falls back to DefaultFile
// when it exists in the working directory, and to defaults otherwise.
// Relative state_dir and work_dir are resolved against the working directory.
func Load(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Settings{}, fmt.Errorf("%w: settings file %s not found", ErrInvalidSettings, path)
			}
			return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if len(s.Signatures.Entries) == 0 {
		s.Signatures.Entries = signature.Default().Entries
	}
	if err := s.Resolve(""); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Resolve makes StateDir and WorkDir absolute relative to base
// (the working directory when base is empty).
func (s *Settings) Resolve(base string) error {
	if base == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		base = wd
	}
	if s.StateDir != "" && !filepath.IsAbs(s.StateDir) {
		s.StateDir = filepath.Join(base, s.StateDir)
	}
	if s.WorkDir != "" && !filepath.IsAbs(s.WorkDir) {
		s.WorkDir = filepath.Join(base, s.WorkDir)
	}
	return nil
}

// Validate reports the first problem found, wrapped in ErrInvalidSettings.
func (s Settings) Validate() error {
	if err := s.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return nil
}

func (s Settings) validate() error {
	if strings.TrimSpace(s.StateDir) == "" {
		return errors.New("state_dir is required")
	}
	for key, name := range map[string]string{"pid_file": s.PIDFile, "log_file": s.LogFile} {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s is required", key)
		}
		if filepath.IsAbs(name) || strings.HasPrefix(filepath.Clean(name), "..") {
			return fmt.Errorf("%s must stay inside state_dir: %q", key, name)
		}
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("command is required")
	}
	if err := checkWait("readiness", s.Readiness.Config); err != nil {
		return err
	}
	if err := checkWait("stop", s.Stop.Config); err != nil {
		return err
	}
	if s.Stop.KillWait <= 0 {
		return errors.New("stop.kill_wait must be positive")
	}
	if s.Restart.Settle < 0 {
		return errors.New("restart.settle must not be negative")
	}
	if s.Readiness.TailLines < 0 {
		return errors.New("readiness.tail_lines must not be negative")
	}
	if s.Readiness.RequireMarker && len(s.Readiness.Markers) == 0 {
		return errors.New("readiness.require_marker needs at least one marker")
	}
	for _, m := range s.Readiness.Markers {
		if _, err := regexp.Compile(m); err != nil {
			return fmt.Errorf("readiness marker %q: %v", m, err)
		}
	}
	if s.Cleanup.ArchiveKeep < 0 {
		return errors.New("cleanup.archive_keep must not be negative")
	}
	for _, g := range s.Cleanup.Generated {
		if filepath.IsAbs(g) || strings.Contains(g, "..") {
			return fmt.Errorf("cleanup pattern %q must be relative to state_dir", g)
		}
	}
	for _, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env entry %q is not KEY=VALUE", kv)
		}
	}
	if _, err := s.Signatures.Compile(); err != nil {
		return err
	}
	return s.Log.Validate()
}

func checkWait(name string, c poll.Config) error {
	if c.Timeout <= 0 || c.Interval <= 0 {
		return fmt.Errorf("%s.timeout and %s.interval must be positive", name, name)
	}
	if c.Interval > c.Timeout {
		return fmt.Errorf("%s.interval (%s) exceeds %s.timeout (%s)", name, c.Interval, name, c.Timeout)
	}
	return nil
}

// PIDPath is the absolute PID record location.
func (s Settings) PIDPath() string { return filepath.Join(s.StateDir, s.PIDFile) }

// LogPath is the child log location.
func (s Settings) LogPath() string { return filepath.Join(s.StateDir, s.LogFile) }

// ReadyPath is the readiness marker file location.
func (s Settings) ReadyPath() string { return filepath.Join(s.StateDir, ReadyFile) }

// GeneratedPath is where a snapshot of the config artifact named src is written.
func (s Settings) GeneratedPath(src string) string {
	return filepath.Join(s.StateDir, GeneratedPrefix+filepath.Base(src))
}
