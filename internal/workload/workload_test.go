package workload

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"initrt/internal/config"
)

func TestRunExampleWorkload(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "app.toml"))
	require.NoError(t, err)
	assert.Equal(t, 5, f.ThreadCount())
	assert.Equal(t, 16, f.Manager.MaxLockEntries)

	report, err := Run(context.Background(), f)
	require.NoError(t, err)

	for _, name := range []string{"App.Config", "App.Log", "App.Cache"} {
		tr, ok := report.Type(name)
		require.True(t, ok, name)
		assert.Equal(t, "completed", tr.State, name)
		assert.EqualValues(t, 1, tr.Attempts, name)
	}
	assert.Zero(t, report.Failures())
	assert.EqualValues(t, 3, report.Stats.Invoked)
	assert.Zero(t, report.Stats.LiveLocks)

	require.Len(t, report.Threads, 5)
	for _, th := range report.Threads {
		if strings.HasPrefix(th.Name, "worker") {
			assert.Equal(t, 4, th.Calls, th.Name)
		}
	}
	require.NotEmpty(t, report.Timing.Phases)
	assert.Equal(t, "build", report.Timing.Phases[0].Name)
}

func TestParseRejects(t *testing.T) {
	const thread = "\n[[thread]]\ncalls = [\"A::Get\"]\n"
	const typeA = `
[[type]]
name = "A"
[[type.field]]
name = "F"
static = true
[[type.field]]
name = "own"
[[type.method]]
name = "Get"
kind = "static"
`
	tests := []struct {
		name string
		body string
		want string
	}{
		{"no threads", typeA, ErrNoThreads.Error()},
		{"unknown key", typeA + "[[type.method]]\nname = \"X\"\nbodyy = []\n" + thread, "unknown keys"},
		{"bad kind", typeA + "[[type.method]]\nname = \"X\"\nkind = \"virtual\"\n" + thread, "invalid method kind"},
		{"unknown op", typeA + "[[type.method]]\nname = \"X\"\nbody = [\"jump A::Get\"]\n" + thread, "op 1: unknown op \"jump\""},
		{"unknown method", typeA + "[[type.method]]\nname = \"X\"\nbody = [\"call A::Nope\"]\n" + thread, "unknown method \"Nope\""},
		{"instance field", typeA + "[[type.method]]\nname = \"X\"\nbody = [\"store A::own\"]\n" + thread, "field A::own is not static"},
		{"no ctor", typeA + "[[type.method]]\nname = \"X\"\nbody = [\"new A\"]\n" + thread, "has no constructor"},
		{"bad sleep", typeA + "[[type.method]]\nname = \"X\"\nbody = [\"sleep soon\"]\n" + thread, "invalid duration"},
		{"missing operand", typeA + "[[type.method]]\nname = \"X\"\nbody = [\"call\"]\n" + thread, "missing operand"},
		{"two initializers", typeA + "[[type.method]]\nname = \"I1\"\nkind = \"initializer\"\n[[type.method]]\nname = \"I2\"\nkind = \"initializer\"\n" + thread, "second initializer \"I2\""},
		{"unknown call", typeA + "\n[[thread]]\ncalls = [\"B::Get\"]\n", "unknown type \"B\""},
		{"unknown reflect", typeA + "\n[[thread]]\nreflect = [\"B\"]\n", "unknown type \"B\""},
		{"bad run", typeA + thread + "[run]\nrepeat = 0\n", "run.repeat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse(tt.name, tt.body)
			if err == nil {
				_, err = f.Build()
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

const brokenWorkload = `
[run]
repeat = 3

[[type]]
name = "Broken"
[[type.method]]
name = ".cctor"
kind = "initializer"
body = ["fail \"bad config\""]
[[type.method]]
name = "Get"
kind = "static"
`

func TestFailedInitializerIsRecorded(t *testing.T) {
	f, err := Parse("broken", brokenWorkload+"[[thread]]\ncalls = [\"Broken::Get\"]\n")
	require.NoError(t, err)

	report, err := Run(context.Background(), f)
	require.NoError(t, err)

	// The first call publishes Get along with the failure; later calls take
	// the published entry.
	assert.Equal(t, 1, report.Failures())
	assert.Contains(t, report.Threads[0].Failures[0], "bad config")
	tr, ok := report.Type("Broken")
	require.True(t, ok)
	assert.Equal(t, "not-started", tr.State)
	assert.EqualValues(t, 1, tr.Attempts)
}

func TestReflectionRetriesFailedInitializer(t *testing.T) {
	f, err := Parse("broken", brokenWorkload+"[[thread]]\nreflect = [\"Broken\"]\n")
	require.NoError(t, err)

	report, err := Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Failures())
	tr, _ := report.Type("Broken")
	assert.EqualValues(t, 3, tr.Attempts)
	assert.EqualValues(t, 3, report.Stats.Failed)
}

func TestRunTimeout(t *testing.T) {
	f, err := Parse("slow", `
[run]
timeout = "50ms"

[[type]]
name = "Slow"
[[type.method]]
name = "Wait"
kind = "static"
body = ["sleep 10s"]

[[thread]]
calls = ["Slow::Wait"]
`)
	require.NoError(t, err)

	start := time.Now()
	_, err = Run(context.Background(), f)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSaveAndLoadReport(t *testing.T) {
	f, err := Load(filepath.Join("testdata", "app.toml"))
	require.NoError(t, err)
	report, err := Run(context.Background(), f)
	require.NoError(t, err)

	for _, name := range []string{"report.msgpack", "report.json"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, SaveReport(path, report))
		got, err := LoadReport(path)
		require.NoError(t, err, name)
		assert.Equal(t, report.Stats, got.Stats, name)
		assert.Equal(t, report.Types, got.Types, name)
		assert.Len(t, got.Threads, len(report.Threads), name)
	}
}

func TestRenderAlignsWideNames(t *testing.T) {
	report := &Report{
		Workload: "wide.toml",
		Types: []TypeResult{
			{Name: "Ascii", State: "completed", Attempts: 1, HasInitializer: true},
			{Name: "数据类型", State: "not-started", Attempts: 2, BeforeFieldInit: true, HasInitializer: true},
		},
		Threads: []ThreadResult{{Name: "main", Calls: 3, Failures: []string{"type 数据类型 initializer failed"}}},
	}
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, report, false))
	out := buf.String()

	lines := strings.Split(out, "\n")
	var col []int
	for _, line := range lines {
		for _, marker := range []string{"MODE", "strict", "relaxed"} {
			if i := strings.Index(line, marker); i >= 0 {
				col = append(col, runewidth.StringWidth(line[:i]))
				break
			}
		}
	}
	require.Len(t, col, 3)
	assert.Equal(t, col[0], col[1])
	assert.Equal(t, col[0], col[2])
	assert.Contains(t, out, "main: type 数据类型 initializer failed")
	assert.True(t, strings.HasPrefix(out, "workload wide.toml\n"))
}

func TestFileEmbedsSettings(t *testing.T) {
	f, err := Parse("settings", `
[manager]
max_pending_types = 8
[trace]
level = "debug"
[[thread]]
`)
	require.NoError(t, err)
	assert.Equal(t, 8, f.ManagerOptions().MaxPendingTypes)
	assert.Equal(t, "debug", f.Trace.Level)
	assert.Equal(t, config.Default().Run.Repeat, f.Run.Repeat)
	assert.Equal(t, "thread0", f.Threads[0].Name)
	assert.Equal(t, 1, f.Threads[0].Count)
}
