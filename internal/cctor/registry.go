package cctor

import (
	"context"
	"sync"

	"initrt/internal/arena"
	"initrt/internal/thread"
	"initrt/internal/trace"
	"initrt/internal/typesys"
)

// lockEntry marks a method whose compiled entry is held back until its
// queued initializers have run.
type lockEntry struct {
	method  *typesys.Method
	owner   thread.ID
	done    chan struct{} // closed by unlock when waiters > 0
	waiters uint32
	payload any
	queued  []*typesys.Type
	err     error
}

// lockRegistry holds the live lock entries. It has its own mutex rather than
// sharing the initializer lock: the executing thread must be able to look
// entries up while it holds the initializer lock.
type lockRegistry struct {
	mu      sync.Mutex
	entries map[typesys.MethodID]*lockEntry
	pool    *arena.FreeList[lockEntry]
}

func (r *lockRegistry) init(chunk, limit int) {
	r.entries = make(map[typesys.MethodID]*lockEntry, 8)
	r.pool = arena.NewFreeList[lockEntry](chunk, limit)
}

func (r *lockRegistry) lock(method *typesys.Method, owner thread.ID, payload any, queued []*typesys.Type) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, dup := r.entries[method.ID]; dup {
		panic(invariant(InvDoubleLock, "%s locked by thread %d while already locked by thread %d", method, owner, prev.owner))
	}
	e, err := r.pool.Alloc()
	if err != nil {
		return err
	}
	e.method = method
	e.owner = owner
	e.done = make(chan struct{})
	e.payload = payload
	e.queued = queued
	r.entries[method.ID] = e
	return nil
}

// unlock removes the entry for method and releases its waiters with err.
// Without waiters the entry is freed here; otherwise the last waiter to
// leave frees it.
func (r *lockRegistry) unlock(method *typesys.Method, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[method.ID]
	if !ok {
		panic(invariant(InvNotLocked, "unlock of %s which is not locked", method))
	}
	delete(r.entries, method.ID)
	e.err = err
	if e.waiters == 0 {
		r.pool.Free(e)
		return
	}
	close(e.done)
}

// HandleIfLocked resolves a call to a method that may be locked by some
// thread's Finish. locked is false when no entry exists and the caller should
// compile the method itself. Otherwise payload is the compiled entry the
// lock holds back:
//
//   - the thread that locked the method gets it immediately;
//   - a thread that is running initializers runs the method's queued
//     initializers inline, since waiting could deadlock against the owner;
//   - any other thread waits until the owner unlocks and receives the
//     owner's initializer failure, if there was one.
//
// HandleIfLocked must be called with the metadata lock held and returns with
// it held.
func (m *Manager) HandleIfLocked(ctx context.Context, method *typesys.Method) (payload any, locked bool, err error) {
	self := thread.CurrentID(ctx)
	if self == thread.None {
		return nil, false, ErrNoThread
	}

	r := &m.reg
	r.mu.Lock()
	e, ok := r.entries[method.ID]
	if !ok {
		r.mu.Unlock()
		return nil, false, nil
	}

	switch {
	case e.owner == self:
		payload = e.payload
		r.mu.Unlock()
		m.stats.reentered.Add(1)
		trace.Point(ctx, trace.ScopeQueue, "reenter", method.String())
		return payload, true, nil

	case m.Executing() == self:
		payload, queued := e.payload, e.queued
		r.mu.Unlock()
		m.stats.inline.Add(1)
		trace.Point(ctx, trace.ScopeQueue, "inline", method.String())

		err = m.released(func() error { return m.runBatch(ctx, self, queued) })
		return payload, true, err

	default:
		e.waiters++
		done := e.done
		r.mu.Unlock()
		m.stats.waits.Add(1)
		span, _ := trace.Start(ctx, trace.ScopeQueue, "wait")
		span.WithExtra("method", method.String())

		m.opts.Meta.Release()
		<-done
		m.opts.Meta.Reacquire()

		r.mu.Lock()
		e.waiters--
		payload, err = e.payload, e.err
		if e.waiters == 0 {
			r.pool.Free(e)
		}
		r.mu.Unlock()
		span.End("")
		return payload, true, err
	}
}
