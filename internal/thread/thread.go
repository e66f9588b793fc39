// Package thread models execution-thread identity for the engine.
//
// Goroutines carry no identity of their own, so every goroutine that runs
// managed code is bound to a *Thread through its context. Reentrancy checks in
// the initializer manager compare thread IDs, never goroutines.
package thread

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
)

// ID identifies an execution thread. The zero ID means "no thread".
type ID uint64

// None is the absent thread.
const None ID = 0

var nextID atomic.Uint64

// Thread is one execution thread. Locals is owned by the goroutine the
// thread is bound to and must not be touched from anywhere else.
type Thread struct {
	id     ID
	name   string
	osTID  int
	locals map[any]any
}

// New allocates a thread with a fresh ID.
func New(name string) *Thread {
	id := ID(nextID.Add(1))
	if name == "" {
		name = fmt.Sprintf("thread-%d", id)
	}
	return &Thread{id: id, name: name}
}

// ID returns the thread identity.
func (t *Thread) ID() ID {
	if t == nil {
		return None
	}
	return t.id
}

// Name returns the display name.
func (t *Thread) Name() string {
	if t == nil {
		return "<none>"
	}
	return t.name
}

// OSThread returns the kernel thread id recorded by LockOS, or 0.
func (t *Thread) OSThread() int {
	if t == nil {
		return 0
	}
	return t.osTID
}

// LockOS wires the calling goroutine to its OS thread for the lifetime of
// the execution thread and records the kernel thread id where available.
func (t *Thread) LockOS() (unlock func()) {
	runtime.LockOSThread()
	t.osTID = osThreadID()
	return func() {
		t.osTID = 0
		runtime.UnlockOSThread()
	}
}

// Local returns the thread-local value stored under key, creating it with
// init on first use.
func (t *Thread) Local(key any, init func() any) any {
	if t.locals == nil {
		t.locals = make(map[any]any, 2)
	}
	if v, ok := t.locals[key]; ok {
		return v
	}
	v := init()
	t.locals[key] = v
	return v
}

// Lookup returns the thread-local value stored under key without creating it.
func (t *Thread) Lookup(key any) (any, bool) {
	v, ok := t.locals[key]
	return v, ok
}

// DropLocal removes the value stored under key.
func (t *Thread) DropLocal(key any) {
	delete(t.locals, key)
}

func (t *Thread) String() string {
	return fmt.Sprintf("%s#%d", t.Name(), t.ID())
}

type ctxKey struct{}

// With binds t to ctx.
func With(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the thread bound to ctx.
func FromContext(ctx context.Context) (*Thread, bool) {
	if ctx == nil {
		return nil, false
	}
	t, ok := ctx.Value(ctxKey{}).(*Thread)
	return t, ok && t != nil
}

// CurrentID returns the ID of the thread bound to ctx, or None.
func CurrentID(ctx context.Context) ID {
	t, _ := FromContext(ctx)
	return t.ID()
}
