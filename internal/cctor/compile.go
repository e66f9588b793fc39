package cctor

import (
	"context"
	"fmt"

	"initrt/internal/thread"
	"initrt/internal/trace"
	"initrt/internal/typesys"
)

// pendingEntry is one queued type. The queue is newest-first.
type pendingEntry struct {
	typ  *typesys.Type
	prev *pendingEntry
}

// Compilation tracks one method being prepared on one thread. It is owned by
// that thread and ends with Finish or Abort.
type Compilation struct {
	m      *Manager
	th     *thread.Thread
	st     *threadState
	method *typesys.Method

	isInitializer bool
	isConstructor bool

	last  *pendingEntry
	count int
	done  bool
}

// BeginCompiling opens a compilation of method on the thread bound to ctx.
// Static methods and constructors of a strictly ordered type queue their
// owner at once.
func (m *Manager) BeginCompiling(ctx context.Context, method *typesys.Method) (*Compilation, error) {
	th, ok := thread.FromContext(ctx)
	if !ok {
		return nil, ErrNoThread
	}
	st := m.threadState(th)
	if st.active != nil {
		panic(invariant(InvNestedCompile, "%s: begin %s while %s is still compiling", th, method, st.active.method))
	}

	c := &Compilation{
		m:             m,
		th:            th,
		st:            st,
		method:        method,
		isInitializer: method.IsInitializer(),
		isConstructor: method.IsConstructor(),
	}
	st.active = c

	owner := method.Owner
	if !owner.BeforeFieldInit && (method.IsStatic() || c.isConstructor) {
		if err := c.queue(ctx, owner); err != nil {
			c.Abort()
			return nil, err
		}
	}
	return c, nil
}

// Method returns the method being compiled.
func (c *Compilation) Method() *typesys.Method { return c.method }

// OnStaticCall is called for every call site to a static method or a
// constructor found while compiling.
func (c *Compilation) OnStaticCall(ctx context.Context, callee *typesys.Method) error {
	c.check(ctx)
	owner := callee.Owner
	if owner.BeforeFieldInit {
		return nil
	}
	if !callee.IsStatic() && !callee.IsConstructor() {
		return nil
	}
	if c.isSelf(owner) {
		return nil
	}
	return c.queue(ctx, owner)
}

// OnStaticFieldAccess is called for every static field reference found while
// compiling. Relaxed types are queued here too: their initializer still has to
// run before the first static field touch.
func (c *Compilation) OnStaticFieldAccess(ctx context.Context, field *typesys.Field) error {
	c.check(ctx)
	if !field.Static {
		return nil
	}
	if c.isSelf(field.Owner) {
		return nil
	}
	return c.queue(ctx, field.Owner)
}

// isSelf reports whether the method being compiled is owner's initializer.
func (c *Compilation) isSelf(owner *typesys.Type) bool {
	return c.isInitializer && c.method.Owner == owner
}

// queue adds t unless it is done, already running on this thread, or
// already queued.
func (c *Compilation) queue(ctx context.Context, t *typesys.Type) error {
	switch t.State() {
	case typesys.Completed:
		return nil
	case typesys.Running:
		if t.Runner() == c.th.ID() {
			return nil
		}
	}
	for e := c.last; e != nil; e = e.prev {
		if e.typ == t {
			return nil
		}
	}
	if t.Initializer() == nil {
		t.MarkCompleted()
		return nil
	}

	e, err := c.st.pending.Alloc()
	if err != nil {
		return fmt.Errorf("queue initializer of %s for %s: %w", t.Name, c.method, err)
	}
	e.typ = t
	e.prev = c.last
	c.last = e
	c.count++
	c.m.stats.queued.Add(1)
	trace.Point(ctx, trace.ScopeQueue, "enqueue", t.Name+" for "+c.method.String())
	return nil
}

// Pending returns the queued types in the order they will run.
func (c *Compilation) Pending() []*typesys.Type {
	out := make([]*typesys.Type, c.count)
	i := c.count - 1
	for e := c.last; e != nil; e = e.prev {
		out[i] = e.typ
		i--
	}
	return out
}

// Finish publishes payload as the compiled entry of the method. With types
// queued it first locks the method, releases the metadata lock, runs the
// queued initializers and wakes everyone who waited on the method. The entry
// is published even when an initializer fails; the failure is returned as a
// *TypeInitError. If an initializer panics, the method is unlocked without
// being published, waiters get ErrInitializerPanicked and the panic goes on.
//
// Finish must be called with the metadata lock held and returns with it held.
func (c *Compilation) Finish(ctx context.Context, payload any) error {
	c.check(ctx)
	m, method := c.m, c.method

	if c.last == nil {
		method.Publish(payload)
		c.close()
		return nil
	}

	queued := c.Pending()
	c.close()

	self := c.th.ID()
	if err := m.reg.lock(method, self, payload, queued); err != nil {
		return fmt.Errorf("lock %s: %w", method, err)
	}
	m.stats.locks.Add(1)
	trace.Point(ctx, trace.ScopeQueue, "lock", method.String())

	// On panic the method is unlocked unpublished.
	finished := false
	defer func() {
		if !finished {
			m.reg.unlock(method, fmt.Errorf("%w while compiling %s", ErrInitializerPanicked, method))
			trace.Point(ctx, trace.ScopeQueue, "unlock", method.String()+" after panic")
		}
	}()
	runErr := m.released(func() error { return m.runLocked(ctx, self, queued) })
	finished = true

	method.Publish(payload)
	m.reg.unlock(method, runErr)
	trace.Point(ctx, trace.ScopeQueue, "unlock", method.String())
	return runErr
}

// Abort ends the compilation without publishing anything.
func (c *Compilation) Abort() {
	if c.done {
		return
	}
	c.close()
}

func (c *Compilation) close() {
	c.st.pending.Reset()
	c.last = nil
	c.count = 0
	c.done = true
	if c.st.active == c {
		c.st.active = nil
	}
}

func (c *Compilation) check(ctx context.Context) {
	if c.done {
		panic(invariant(InvClosedCompile, "compilation of %s used after Finish or Abort", c.method))
	}
	if id := thread.CurrentID(ctx); id != c.th.ID() {
		panic(invariant(InvWrongThread, "compilation of %s owned by %s used from thread %d", c.method, c.th, id))
	}
}
