package thread

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextBinding(t *testing.T) {
	ctx := context.Background()
	_, ok := FromContext(ctx)
	assert.False(t, ok)
	assert.Equal(t, None, CurrentID(ctx))

	th := New("worker")
	ctx = With(ctx, th)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, th, got)
	assert.Equal(t, th.ID(), CurrentID(ctx))
	assert.NotEqual(t, None, th.ID())
}

func TestIDsAreUnique(t *testing.T) {
	a, b := New(""), New("")
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Contains(t, a.Name(), "thread-")
}

func TestLocals(t *testing.T) {
	th := New("locals")
	calls := 0
	mk := func() any { calls++; return &calls }
	first := th.Local("k", mk)
	second := th.Local("k", mk)
	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)

	th.DropLocal("k")
	th.Local("k", mk)
	assert.Equal(t, 2, calls)
}

func TestLockOS(t *testing.T) {
	th := New("pinned")
	unlock := th.LockOS()
	if runtime.GOOS == "linux" {
		assert.Positive(t, th.OSThread())
	}
	unlock()
	assert.Zero(t, th.OSThread())
}
