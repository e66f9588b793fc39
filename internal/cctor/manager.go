package cctor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"fortio.org/safecast"

	"initrt/internal/arena"
	"initrt/internal/thread"
	"initrt/internal/trace"
	"initrt/internal/typesys"
)

// Invoker executes initializer bodies. A non-nil error is the failure the
// initializer raised.
type Invoker interface {
	InvokeInitializer(ctx context.Context, init *typesys.Method) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, init *typesys.Method) error

// InvokeInitializer calls f.
func (f InvokerFunc) InvokeInitializer(ctx context.Context, init *typesys.Method) error {
	return f(ctx, init)
}

// MetadataLock is the compiler's metadata write lock. The manager releases
// it before any blocking wait and before running initializer bodies, and
// takes it back afterwards.
type MetadataLock interface {
	Release()
	Reacquire()
}

type nopMetadataLock struct{}

func (nopMetadataLock) Release()   {}
func (nopMetadataLock) Reacquire() {}

// Options configures a Manager.
type Options struct {
	Invoker Invoker
	Meta    MetadataLock

	PendingChunk    int // queue records per arena chunk
	MaxPendingTypes int // per compilation; 0 is unbounded
	LockChunk       int // lock entries per arena chunk
	MaxLockEntries  int // live lock entries; 0 is unbounded
}

// Manager is the initializer manager. One Manager serves one engine for the
// engine's lifetime; independent Managers share nothing.
type Manager struct {
	opts Options

	initMu    sync.Mutex    // held by the thread running a batch
	executing atomic.Uint64 // thread.ID of that thread

	reg lockRegistry

	stats counters
}

type counters struct {
	queued    atomic.Uint64
	invoked   atomic.Uint64
	failed    atomic.Uint64
	batches   atomic.Uint64
	inline    atomic.Uint64
	reentered atomic.Uint64
	waits     atomic.Uint64
	locks     atomic.Uint64
}

// Stats is a snapshot of the manager's counters.
type Stats struct {
	Queued    uint64 `json:"queued" msgpack:"queued"`
	Invoked   uint64 `json:"invoked" msgpack:"invoked"`
	Failed    uint64 `json:"failed" msgpack:"failed"`
	Batches   uint64 `json:"batches" msgpack:"batches"`
	Inline    uint64 `json:"inline" msgpack:"inline"`
	Reentered uint64 `json:"reentered" msgpack:"reentered"`
	Waits     uint64 `json:"waits" msgpack:"waits"`
	Locks     uint64 `json:"locks" msgpack:"locks"`
	LiveLocks uint64 `json:"live_locks" msgpack:"live_locks"`
	PeakLocks uint64 `json:"peak_locks" msgpack:"peak_locks"`
}

// New creates a Manager. Options.Invoker is required.
func New(opts Options) *Manager {
	if opts.Invoker == nil {
		panic("cctor: New without an Invoker")
	}
	if opts.Meta == nil {
		opts.Meta = nopMetadataLock{}
	}
	m := &Manager{opts: opts}
	m.reg.init(opts.LockChunk, opts.MaxLockEntries)
	return m
}

// Executing returns the thread currently running an initializer batch.
func (m *Manager) Executing() thread.ID {
	return thread.ID(m.executing.Load())
}

// RunNow runs t's initializer on the calling thread unless it has already
// completed. It must be called without the metadata lock held.
func (m *Manager) RunNow(ctx context.Context, t *typesys.Type) error {
	if t.State() == typesys.Completed {
		return nil
	}
	self := thread.CurrentID(ctx)
	if self == thread.None {
		return ErrNoThread
	}
	return m.runLocked(ctx, self, []*typesys.Type{t})
}

// released runs fn with the metadata lock given up, and takes the lock back
// even when fn panics.
func (m *Manager) released(fn func() error) error {
	m.opts.Meta.Release()
	defer m.opts.Meta.Reacquire()
	return fn()
}

// runLocked runs types under the initializer lock, or directly when the
// caller already is the executing thread.
func (m *Manager) runLocked(ctx context.Context, self thread.ID, types []*typesys.Type) error {
	if m.Executing() == self {
		return m.runBatch(ctx, self, types)
	}

	m.initMu.Lock()
	m.executing.Store(uint64(self))
	defer func() {
		m.executing.Store(uint64(thread.None))
		m.initMu.Unlock()
	}()

	return m.runBatch(ctx, self, types)
}

// runBatch runs types in order and stops at the first failure. The caller
// must be the executing thread.
func (m *Manager) runBatch(ctx context.Context, self thread.ID, types []*typesys.Type) error {
	m.stats.batches.Add(1)
	span, ctx := trace.Start(ctx, trace.ScopeBatch, "batch")
	span.WithExtra("types", strconv.Itoa(len(types)))
	for _, t := range types {
		if err := m.runType(ctx, self, t); err != nil {
			span.End("failed")
			return err
		}
	}
	span.End("")
	return nil
}

// runType runs one initializer. A type that is Running here is being
// initialized further up this thread's stack and counts as done.
func (m *Manager) runType(ctx context.Context, self thread.ID, t *typesys.Type) error {
	if t.State() != typesys.NotStarted {
		return nil
	}
	init := t.Initializer()
	if init == nil {
		t.MarkCompleted()
		return nil
	}
	if !t.TryBegin(self) {
		return nil
	}

	span, ctx := trace.Start(ctx, trace.ScopeType, "init:"+t.Name)
	span.WithExtra("attempt", strconv.FormatUint(uint64(t.Attempts()), 10))
	m.stats.invoked.Add(1)

	if err := m.invoke(ctx, t, init); err != nil {
		t.Fail()
		m.stats.failed.Add(1)
		span.End("failed: " + err.Error())
		return &TypeInitError{Type: t.Name, Cause: err}
	}
	t.Complete()
	span.End("")
	return nil
}

func (m *Manager) invoke(ctx context.Context, t *typesys.Type, init *typesys.Method) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.Fail()
			panic(r)
		}
	}()
	return m.opts.Invoker.InvokeInitializer(ctx, init)
}

// IsLocked reports whether method currently has a lock entry.
func (m *Manager) IsLocked(method *typesys.Method) bool {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	_, ok := m.reg.entries[method.ID]
	return ok
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	m.reg.mu.Lock()
	live, peak := m.reg.pool.Live(), m.reg.pool.Peak()
	m.reg.mu.Unlock()

	s := Stats{
		Queued:    m.stats.queued.Load(),
		Invoked:   m.stats.invoked.Load(),
		Failed:    m.stats.failed.Load(),
		Batches:   m.stats.batches.Load(),
		Inline:    m.stats.inline.Load(),
		Reentered: m.stats.reentered.Load(),
		Waits:     m.stats.waits.Load(),
		Locks:     m.stats.locks.Load(),
	}
	if v, err := safecast.Conv[uint64](live); err == nil {
		s.LiveLocks = v
	}
	if v, err := safecast.Conv[uint64](peak); err == nil {
		s.PeakLocks = v
	}
	return s
}

// Detach drops the per-thread state the manager keeps for th. Call it when
// an execution thread exits.
func (m *Manager) Detach(th *thread.Thread) {
	v, ok := th.Lookup(m)
	if !ok {
		return
	}
	if st := v.(*threadState); st.active != nil {
		panic(invariant(InvNestedCompile, "thread %s detached with open compilation of %s", th, st.active.method))
	}
	th.DropLocal(m)
}

// Close tears the manager down. Live lock entries mean some thread is still
// inside Finish or HandleIfLocked, which is a caller bug.
func (m *Manager) Close() {
	m.reg.mu.Lock()
	defer m.reg.mu.Unlock()
	if n := len(m.reg.entries); n > 0 {
		panic(invariant(InvLiveLocks, "manager closed with %d live lock entries", n))
	}
	if live := m.reg.pool.Live(); live > 0 {
		panic(invariant(InvLiveLocks, "manager closed with %d lock entries still referenced by waiters", live))
	}
}

// threadState is what a Manager keeps per execution thread.
type threadState struct {
	pending *arena.Pool[pendingEntry]
	active  *Compilation
}

func (m *Manager) threadState(th *thread.Thread) *threadState {
	return th.Local(m, func() any {
		return &threadState{
			pending: arena.NewPool[pendingEntry](m.opts.PendingChunk, m.opts.MaxPendingTypes),
		}
	}).(*threadState)
}

func (m *Manager) String() string {
	return fmt.Sprintf("cctor.Manager{executing=%d}", m.Executing())
}
