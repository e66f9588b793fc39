package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"initrt/internal/trace"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	tc, err := cfg.TracerConfig()
	require.NoError(t, err)
	assert.Equal(t, trace.LevelOff, tc.Level)
	assert.Equal(t, trace.ModeRing, tc.Mode)
	assert.Zero(t, tc.RingSize, "ring sized from the thread count")
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), FileName, `
[manager]
max_lock_entries = 64

[trace]
level = "detail"
heartbeat = "250ms"

[run]
jobs = 4
os_threads = true
timeout = "2s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Manager.MaxLockEntries)
	assert.Equal(t, Default().Manager.PendingChunk, cfg.Manager.PendingChunk)
	assert.Equal(t, "ring", cfg.Trace.Mode)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.Trace.Heartbeat)
	assert.Equal(t, 4, cfg.Run.Jobs)
	assert.Equal(t, 1, cfg.Run.Repeat)
	assert.True(t, cfg.Run.OSThreads)
	assert.Equal(t, Duration(2*time.Second), cfg.Run.Timeout)

	opts := cfg.ManagerOptions()
	assert.Equal(t, 64, opts.MaxLockEntries)
	assert.Nil(t, opts.Invoker)

	tc, err := cfg.TracerConfig()
	require.NoError(t, err)
	assert.Equal(t, trace.LevelDetail, tc.Level)
	assert.Equal(t, 250*time.Millisecond, tc.Heartbeat)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "[manager\n", "failed to parse TOML"},
		{"unknown key", "[manager]\nmax_locks = 3\n", "unknown keys manager.max_locks"},
		{"negative", "[manager]\nmax_lock_entries = -1\n", "manager.max_lock_entries must not be negative"},
		{"repeat", "[run]\nrepeat = 0\n", "run.repeat must be at least 1"},
		{"level", "[trace]\nlevel = \"loud\"\n", "invalid trace level"},
		{"mode", "[trace]\nmode = \"disk\"\n", "invalid storage mode"},
		{"duration", "[run]\ntimeout = \"soon\"\n", "failed to parse TOML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), FileName, tt.body)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Run.Jobs = -1
	cfg.Trace.Format = "xml"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "run.jobs")
	assert.Contains(t, err.Error(), "invalid trace format")
}

func TestFindWalksUp(t *testing.T) {
	root := t.TempDir()
	want := writeFile(t, root, FileName, "")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	got, ok, err := Find(nested)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
}
