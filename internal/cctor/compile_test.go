package cctor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"initrt/internal/arena"
	"initrt/internal/thread"
	"initrt/internal/typesys"
)

type fixture struct {
	u     *typesys.Universe
	calls atomic.Int32
	hook  func(ctx context.Context, init *typesys.Method) error
	mgr   *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{u: typesys.NewUniverse()}
	opts.Invoker = InvokerFunc(func(ctx context.Context, init *typesys.Method) error {
		f.calls.Add(1)
		if f.hook != nil {
			return f.hook(ctx, init)
		}
		return nil
	})
	opts.Meta = f.u.Meta
	f.mgr = New(opts)
	return f
}

// typ defines a type with an initializer, a static method, an instance
// method, a constructor and a static field.
func (f *fixture) typ(t *testing.T, name string, beforeFieldInit bool) *typesys.Type {
	t.Helper()
	ty, err := f.u.DefineType(name, beforeFieldInit)
	require.NoError(t, err)
	for _, spec := range []struct {
		name string
		kind typesys.MethodKind
	}{
		{".cctor", typesys.KindInitializer},
		{"Get", typesys.KindStatic},
		{"Size", typesys.KindInstance},
		{".ctor", typesys.KindConstructor},
	} {
		_, err := f.u.DefineMethod(ty, spec.name, spec.kind)
		require.NoError(t, err)
	}
	_, err = f.u.DefineField(ty, "Instance", true)
	require.NoError(t, err)
	_, err = f.u.DefineField(ty, "size", false)
	require.NoError(t, err)
	return ty
}

func onThread(name string) context.Context {
	return thread.With(context.Background(), thread.New(name))
}

func names(types []*typesys.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.Name
	}
	return out
}

func TestBeginQueuesOwnerOfStaticAndConstructor(t *testing.T) {
	f := newFixture(t, Options{})
	strict := f.typ(t, "Strict", false)
	relaxed := f.typ(t, "Relaxed", true)
	ctx := onThread("compiler")

	tests := []struct {
		method *typesys.Method
		want   []string
	}{
		{strict.Method("Get"), []string{"Strict"}},
		{strict.Method(".ctor"), []string{"Strict"}},
		{strict.Method("Size"), []string{}},
		{relaxed.Method("Get"), []string{}},
		{relaxed.Method(".ctor"), []string{}},
	}
	for _, tt := range tests {
		c, err := f.mgr.BeginCompiling(ctx, tt.method)
		require.NoError(t, err)
		assert.Equal(t, tt.want, names(c.Pending()), tt.method.String())
		c.Abort()
	}
}

func TestStaticCallAndFieldEligibility(t *testing.T) {
	f := newFixture(t, Options{})
	caller := f.typ(t, "Caller", true)
	a := f.typ(t, "A", false)
	b := f.typ(t, "B", false)
	relaxed := f.typ(t, "Relaxed", true)
	ctx := onThread("compiler")

	c, err := f.mgr.BeginCompiling(ctx, caller.Method("Size"))
	require.NoError(t, err)
	defer c.Abort()

	require.NoError(t, c.OnStaticCall(ctx, b.Method("Get")))
	require.NoError(t, c.OnStaticCall(ctx, a.Method("Size")), "instance call never queues")
	require.NoError(t, c.OnStaticCall(ctx, a.Method(".ctor")))
	require.NoError(t, c.OnStaticCall(ctx, b.Method(".ctor")), "duplicate is suppressed")
	require.NoError(t, c.OnStaticCall(ctx, relaxed.Method("Get")), "relaxed static call does not queue")
	require.NoError(t, c.OnStaticFieldAccess(ctx, relaxed.Field("size")), "instance field never queues")
	require.NoError(t, c.OnStaticFieldAccess(ctx, relaxed.Field("Instance")))

	assert.Equal(t, []string{"B", "A", "Relaxed"}, names(c.Pending()))
}

func TestTypeWithoutInitializerIsCompletedNotQueued(t *testing.T) {
	f := newFixture(t, Options{})
	bare, err := f.u.DefineType("Bare", false)
	require.NoError(t, err)
	get, err := f.u.DefineMethod(bare, "Get", typesys.KindStatic)
	require.NoError(t, err)
	ctx := onThread("compiler")

	c, err := f.mgr.BeginCompiling(ctx, get)
	require.NoError(t, err)
	assert.Empty(t, c.Pending())
	assert.Equal(t, typesys.Completed, bare.State())
	require.NoError(t, c.Finish(ctx, "code"))
	assert.Zero(t, f.calls.Load())
}

func TestInitializerDoesNotQueueItsOwnType(t *testing.T) {
	f := newFixture(t, Options{})
	self := f.typ(t, "Self", false)
	other := f.typ(t, "Other", false)
	ctx := onThread("cctor")

	require.True(t, self.TryBegin(thread.CurrentID(ctx)))
	defer self.Complete()

	c, err := f.mgr.BeginCompiling(ctx, self.Initializer())
	require.NoError(t, err)
	defer c.Abort()
	assert.Empty(t, c.Pending(), "owner running on this thread is skipped")
	require.NoError(t, c.OnStaticCall(ctx, self.Method("Get")))
	require.NoError(t, c.OnStaticFieldAccess(ctx, self.Field("Instance")))
	require.NoError(t, c.OnStaticCall(ctx, other.Method("Get")))
	assert.Equal(t, []string{"Other"}, names(c.Pending()))
}

func TestCompletedTypeIsNeverRequeued(t *testing.T) {
	f := newFixture(t, Options{})
	ty := f.typ(t, "Done", false)
	ctx := onThread("compiler")

	require.NoError(t, f.mgr.RunNow(ctx, ty))
	require.Equal(t, typesys.Completed, ty.State())

	for i := 0; i < 3; i++ {
		c, err := f.mgr.BeginCompiling(ctx, ty.Method("Get"))
		require.NoError(t, err)
		assert.Empty(t, c.Pending())
		require.NoError(t, c.OnStaticCall(ctx, ty.Method(".ctor")))
		assert.Empty(t, c.Pending())
		require.NoError(t, c.OnStaticFieldAccess(ctx, ty.Field("Instance")))
		assert.Empty(t, c.Pending())
		require.NoError(t, c.Finish(ctx, "code"))
	}
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Zero(t, f.mgr.Stats().Locks)
}

func TestFinishWithEmptyQueuePublishesWithoutLock(t *testing.T) {
	f := newFixture(t, Options{})
	ty := f.typ(t, "Plain", false)
	ctx := onThread("compiler")

	c, err := f.mgr.BeginCompiling(ctx, ty.Method("Size"))
	require.NoError(t, err)
	f.u.Meta.Lock()
	require.NoError(t, c.Finish(ctx, "size-code"))
	f.u.Meta.Unlock()

	p, ok := ty.Method("Size").Entry()
	require.True(t, ok)
	assert.Equal(t, "size-code", p)
	assert.Zero(t, f.mgr.Stats().Locks)
	assert.Equal(t, typesys.NotStarted, ty.State())
}

func TestFinishRunsQueueInOrder(t *testing.T) {
	f := newFixture(t, Options{})
	main := f.typ(t, "Main", true)
	a, b, cc := f.typ(t, "A", false), f.typ(t, "B", false), f.typ(t, "C", false)
	var order []string
	f.hook = func(_ context.Context, init *typesys.Method) error {
		order = append(order, init.Owner.Name)
		return nil
	}
	ctx := onThread("compiler")

	c, err := f.mgr.BeginCompiling(ctx, main.Method("Size"))
	require.NoError(t, err)
	require.NoError(t, c.OnStaticFieldAccess(ctx, cc.Field("Instance")))
	require.NoError(t, c.OnStaticCall(ctx, a.Method("Get")))
	require.NoError(t, c.OnStaticCall(ctx, b.Method(".ctor")))

	f.u.Meta.Lock()
	require.NoError(t, c.Finish(ctx, "main-code"))
	f.u.Meta.Unlock()

	assert.Equal(t, []string{"C", "A", "B"}, order)
	assert.False(t, f.mgr.IsLocked(main.Method("Size")))
	st := f.mgr.Stats()
	assert.EqualValues(t, 1, st.Locks)
	assert.EqualValues(t, 0, st.LiveLocks)
	f.mgr.Close()
}

func TestPendingQueueExhaustion(t *testing.T) {
	f := newFixture(t, Options{PendingChunk: 1, MaxPendingTypes: 1})
	main := f.typ(t, "Main", true)
	a, b := f.typ(t, "A", false), f.typ(t, "B", false)
	ctx := onThread("compiler")

	c, err := f.mgr.BeginCompiling(ctx, main.Method("Size"))
	require.NoError(t, err)
	require.NoError(t, c.OnStaticCall(ctx, a.Method("Get")))
	err = c.OnStaticCall(ctx, b.Method("Get"))
	require.ErrorIs(t, err, arena.ErrExhausted)
	c.Abort()

	c, err = f.mgr.BeginCompiling(ctx, main.Method("Size"))
	require.NoError(t, err, "abort resets the arena")
	require.NoError(t, c.OnStaticCall(ctx, b.Method("Get")))
	c.Abort()
}

func TestLockEntryExhaustion(t *testing.T) {
	f := newFixture(t, Options{MaxLockEntries: 1})
	a, b := f.typ(t, "A", false), f.typ(t, "B", false)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.hook = func(_ context.Context, init *typesys.Method) error {
		if init.Owner == a {
			close(entered)
			<-release
		}
		return nil
	}

	owner := onThread("owner")
	done := make(chan error, 1)
	go func() {
		c, err := f.mgr.BeginCompiling(owner, a.Method("Get"))
		if err != nil {
			done <- err
			return
		}
		f.u.Meta.Lock()
		err = c.Finish(owner, "a")
		f.u.Meta.Unlock()
		done <- err
	}()
	<-entered

	other := onThread("other")
	c, err := f.mgr.BeginCompiling(other, b.Method("Get"))
	require.NoError(t, err)
	f.u.Meta.Lock()
	err = c.Finish(other, "b")
	f.u.Meta.Unlock()
	require.ErrorIs(t, err, arena.ErrExhausted)
	_, published := b.Method("Get").Entry()
	assert.False(t, published)

	close(release)
	require.NoError(t, <-done)
}

func TestCompilationMisuseIsFatal(t *testing.T) {
	f := newFixture(t, Options{})
	ty := f.typ(t, "T", false)
	ctx := onThread("compiler")

	c, err := f.mgr.BeginCompiling(ctx, ty.Method("Size"))
	require.NoError(t, err)

	assertInvariant(t, InvNestedCompile, func() { _, _ = f.mgr.BeginCompiling(ctx, ty.Method("Get")) })
	assertInvariant(t, InvWrongThread, func() { _ = c.OnStaticCall(onThread("intruder"), ty.Method("Get")) })
	assertInvariant(t, InvNestedCompile, func() { th, _ := thread.FromContext(ctx); f.mgr.Detach(th) })

	c.Abort()
	assertInvariant(t, InvClosedCompile, func() { _ = c.Finish(ctx, nil) })

	_, err = f.mgr.BeginCompiling(context.Background(), ty.Method("Get"))
	assert.ErrorIs(t, err, ErrNoThread)
	assert.ErrorIs(t, f.mgr.RunNow(context.Background(), ty), ErrNoThread)
	_, _, err = f.mgr.HandleIfLocked(context.Background(), ty.Method("Get"))
	assert.ErrorIs(t, err, ErrNoThread)
}

func TestUnlockOfUnlockedMethodIsFatal(t *testing.T) {
	f := newFixture(t, Options{})
	ty := f.typ(t, "T", false)
	assertInvariant(t, InvNotLocked, func() { f.mgr.reg.unlock(ty.Method("Get"), nil) })

	require.NoError(t, f.mgr.reg.lock(ty.Method("Get"), 1, nil, nil))
	assertInvariant(t, InvDoubleLock, func() { _ = f.mgr.reg.lock(ty.Method("Get"), 2, nil, nil) })
	assertInvariant(t, InvLiveLocks, f.mgr.Close)
	f.mgr.reg.unlock(ty.Method("Get"), nil)
	f.mgr.Close()
}

func TestRunNowContention(t *testing.T) {
	f := newFixture(t, Options{})
	ty := f.typ(t, "Hot", false)
	f.hook = func(context.Context, *typesys.Method) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	const n = 50
	start := make(chan struct{})
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			ctx := onThread("runner")
			<-start
			errs <- f.mgr.RunNow(ctx, ty)
		}()
	}
	close(start)
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
	assert.EqualValues(t, 1, f.calls.Load())
	assert.Equal(t, typesys.Completed, ty.State())
	assert.Equal(t, thread.None, f.mgr.Executing())
}

func TestRunNowFailureThenRetry(t *testing.T) {
	f := newFixture(t, Options{})
	ty := f.typ(t, "Flaky", false)
	boom := errors.New("boom")
	f.hook = func(context.Context, *typesys.Method) error {
		if f.calls.Load() == 1 {
			return boom
		}
		return nil
	}
	ctx := onThread("caller")

	err := f.mgr.RunNow(ctx, ty)
	var tie *TypeInitError
	require.ErrorAs(t, err, &tie)
	assert.Equal(t, "Flaky", tie.Type)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, typesys.NotStarted, ty.State())

	require.NoError(t, f.mgr.RunNow(ctx, ty))
	assert.Equal(t, typesys.Completed, ty.State())
	assert.EqualValues(t, 2, ty.Attempts())
	st := f.mgr.Stats()
	assert.EqualValues(t, 2, st.Invoked)
	assert.EqualValues(t, 1, st.Failed)
}

func TestRunNowIsReentrantOnExecutingThread(t *testing.T) {
	f := newFixture(t, Options{})
	outer := f.typ(t, "Outer", false)
	inner := f.typ(t, "Inner", false)
	f.hook = func(ctx context.Context, init *typesys.Method) error {
		if init.Owner == outer {
			// Would self-deadlock on the initializer lock without the
			// executing-thread check.
			if err := f.mgr.RunNow(ctx, inner); err != nil {
				return err
			}
			return f.mgr.RunNow(ctx, outer)
		}
		return nil
	}
	ctx := onThread("caller")
	require.NoError(t, f.mgr.RunNow(ctx, outer))
	assert.Equal(t, typesys.Completed, inner.State())
	assert.Equal(t, typesys.Completed, outer.State())
	assert.EqualValues(t, 2, f.calls.Load())
}

func TestInvokerPanicLeavesTypeRetryable(t *testing.T) {
	f := newFixture(t, Options{})
	ty := f.typ(t, "Panicky", false)
	f.hook = func(context.Context, *typesys.Method) error { panic("host bug") }
	ctx := onThread("caller")

	assert.PanicsWithValue(t, "host bug", func() { _ = f.mgr.RunNow(ctx, ty) })
	assert.Equal(t, typesys.NotStarted, ty.State())
	assert.Equal(t, thread.None, f.mgr.Executing())

	f.hook = nil
	require.NoError(t, f.mgr.RunNow(ctx, ty))
}

func TestInvokerPanicDuringFinishUnlocksMethod(t *testing.T) {
	f := newFixture(t, Options{})
	ty := f.typ(t, "Panicky", false)
	get := ty.Method("Get")
	entered := make(chan struct{})
	release := make(chan struct{})
	f.hook = func(context.Context, *typesys.Method) error {
		close(entered)
		<-release
		panic("host bug")
	}

	// finishOn unlocks the metadata lock on the way out, which is fatal
	// unless Finish took it back before the panic left.
	owner := make(chan any, 1)
	go func() {
		defer func() { owner <- recover() }()
		_ = finishOn(f, onThread("owner"), get, "get-code")
	}()
	<-entered

	const n = 3
	results := startWaiters(f, get, n)
	require.Eventually(t, func() bool { return f.mgr.Stats().Waits == n }, 5*time.Second, time.Millisecond)
	close(release)

	assert.Equal(t, "host bug", <-owner)
	for i := 0; i < n; i++ {
		r := <-results
		assert.True(t, r.locked)
		require.ErrorIs(t, r.err, ErrInitializerPanicked)
		assert.Contains(t, r.err.Error(), "Panicky::Get")
	}

	assert.False(t, f.mgr.IsLocked(get))
	assert.Zero(t, f.mgr.Stats().LiveLocks)
	assert.Equal(t, thread.None, f.mgr.Executing())
	assert.Equal(t, typesys.NotStarted, ty.State())
	_, published := get.Entry()
	assert.False(t, published)

	f.hook = nil
	require.NoError(t, finishOn(f, onThread("retry"), get, "get-code"))
	p, published := get.Entry()
	require.True(t, published)
	assert.Equal(t, "get-code", p)
	assert.Equal(t, typesys.Completed, ty.State())
	f.mgr.Close()
}

func assertInvariant(t *testing.T, code InvariantCode, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected invariant %s", code)
		ie, ok := r.(*InvariantError)
		require.True(t, ok, "panic value %v is not an InvariantError", r)
		assert.Equal(t, code, ie.Code)
	}()
	fn()
}
