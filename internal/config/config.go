// Package config loads initrt.toml settings for the initializer manager, the
// tracer and the workload driver.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"initrt/internal/arena"
	"initrt/internal/cctor"
	"initrt/internal/trace"
)

// FileName is the settings file looked up by Find.
const FileName = "initrt.toml"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "5ms" or "1s" in TOML.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats d as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Manager is the [manager] section.
type Manager struct {
	PendingChunk    int `toml:"pending_chunk"`
	MaxPendingTypes int `toml:"max_pending_types"`
	LockChunk       int `toml:"lock_chunk"`
	MaxLockEntries  int `toml:"max_lock_entries"`
}

// Trace is the [trace] section. Flags on the command line override it.
type Trace struct {
	Output    string   `toml:"output"`
	Level     string   `toml:"level"`
	Mode      string   `toml:"mode"`
	Format    string   `toml:"format"`
	RingSize  int      `toml:"ring_size"` // 0 sizes the ring by thread count
	Heartbeat Duration `toml:"heartbeat"`
}

// Run is the [run] section.
type Run struct {
	Jobs      int      `toml:"jobs"`
	Repeat    int      `toml:"repeat"`
	OSThreads bool     `toml:"os_threads"`
	Timeout   Duration `toml:"timeout"`
}

// Config is a whole settings file.
type Config struct {
	Manager Manager `toml:"manager"`
	Trace   Trace   `toml:"trace"`
	Run     Run     `toml:"run"`
}

// Default returns the settings used when no file is present.
func Default() Config {
	return Config{
		Manager: Manager{
			PendingChunk: arena.DefaultChunk,
			LockChunk:    arena.DefaultChunk,
		},
		Trace: Trace{
			Output:   "-",
			Level:    "off",
			Mode:     "ring",
			Format:   "auto",
		},
		Run: Run{
			Jobs:   0,
			Repeat: 1,
		},
	}
}

// Load reads path over the defaults. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: %w: unknown keys %s", path, ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses settings from TOML text over the defaults.
func Decode(data string) (Config, toml.MetaData, error) {
	cfg := Default()
	meta, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, meta, err
	}
	return cfg, meta, cfg.Validate()
}

// Find walks up from startDir looking for initrt.toml.
func Find(startDir string) (path string, ok bool, err error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	check(c.Manager.PendingChunk >= 0, "manager.pending_chunk must not be negative")
	check(c.Manager.MaxPendingTypes >= 0, "manager.max_pending_types must not be negative")
	check(c.Manager.LockChunk >= 0, "manager.lock_chunk must not be negative")
	check(c.Manager.MaxLockEntries >= 0, "manager.max_lock_entries must not be negative")
	check(c.Run.Jobs >= 0, "run.jobs must not be negative")
	check(c.Run.Repeat >= 1, "run.repeat must be at least 1")
	check(c.Run.Timeout >= 0, "run.timeout must not be negative")
	check(c.Trace.RingSize >= 0, "trace.ring_size must not be negative")
	check(c.Trace.Heartbeat >= 0, "trace.heartbeat must not be negative")

	if _, err := trace.ParseLevel(c.Trace.Level); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	if _, err := trace.ParseMode(c.Trace.Mode); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	if _, err := trace.ParseFormat(c.Trace.Format); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	return errors.Join(errs...)
}

// ManagerOptions converts the [manager] section. Invoker and Meta are left
// for the engine to fill in.
func (c *Config) ManagerOptions() cctor.Options {
	return cctor.Options{
		PendingChunk:    c.Manager.PendingChunk,
		MaxPendingTypes: c.Manager.MaxPendingTypes,
		LockChunk:       c.Manager.LockChunk,
		MaxLockEntries:  c.Manager.MaxLockEntries,
	}
}

// TracerConfig converts the [trace] section.
func (c *Config) TracerConfig() (trace.Config, error) {
	level, err := trace.ParseLevel(c.Trace.Level)
	if err != nil {
		return trace.Config{}, err
	}
	mode, err := trace.ParseMode(c.Trace.Mode)
	if err != nil {
		return trace.Config{}, err
	}
	format, err := trace.ParseFormat(c.Trace.Format)
	if err != nil {
		return trace.Config{}, err
	}
	return trace.Config{
		Level:      level,
		Mode:       mode,
		Format:     format,
		OutputPath: c.Trace.Output,
		RingSize:   c.Trace.RingSize,
		Heartbeat:  time.Duration(c.Trace.Heartbeat),
	}, nil
}
