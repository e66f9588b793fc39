// Package engine is a minimal method compiler and interpreter built on the
// initializer manager. Compiling a method walks its body once, reporting
// every static call, constructor call and static field reference to the
// manager; the compiled form is a *Code that the interpreter runs.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"initrt/internal/cctor"
	"initrt/internal/thread"
	"initrt/internal/trace"
	"initrt/internal/typesys"
)

// Engine compiles and runs methods of one Universe.
type Engine struct {
	u   *typesys.Universe
	mgr *cctor.Manager

	compiled atomic.Uint64
}

// New creates an engine over u. The Invoker and Meta fields of opts are
// filled in by the engine.
func New(u *typesys.Universe, opts cctor.Options) *Engine {
	e := &Engine{u: u}
	opts.Invoker = e
	opts.Meta = u.Meta
	e.mgr = cctor.New(opts)
	return e
}

// Manager returns the engine's initializer manager.
func (e *Engine) Manager() *cctor.Manager { return e.mgr }

// Universe returns the types the engine runs.
func (e *Engine) Universe() *typesys.Universe { return e.u }

// Compiled returns how many methods this engine has compiled.
func (e *Engine) Compiled() uint64 { return e.compiled.Load() }

// Code is a compiled method.
type Code struct {
	method *typesys.Method
	body   []typesys.Instr
	calls  atomic.Uint64
}

// Method returns the method c was compiled from.
func (c *Code) Method() *typesys.Method { return c.method }

// Calls returns how many times c has been run.
func (c *Code) Calls() uint64 { return c.calls.Load() }

// ManagedError is a failure raised by managed code.
type ManagedError struct {
	Method  string
	Message string
}

func (e *ManagedError) Error() string {
	return fmt.Sprintf("exception in %s: %s", e.Method, e.Message)
}

// InvokeInitializer runs a static constructor.
func (e *Engine) InvokeInitializer(ctx context.Context, init *typesys.Method) error {
	return e.Call(ctx, init)
}

// Initialize forces t's initializer to run now, as reflection would.
func (e *Engine) Initialize(ctx context.Context, t *typesys.Type) error {
	return e.mgr.RunNow(ctx, t)
}

// Call compiles method on first use and runs it on the thread bound to ctx.
func (e *Engine) Call(ctx context.Context, method *typesys.Method) error {
	code, err := e.Prepare(ctx, method)
	if err != nil {
		return err
	}
	return e.exec(ctx, code)
}

// CallCount returns how often method has run, or 0 when it was never compiled.
func CallCount(method *typesys.Method) uint64 {
	p, ok := method.Entry()
	if !ok {
		return 0
	}
	code, _ := p.(*Code)
	if code == nil {
		return 0
	}
	return code.Calls()
}

// Prepare returns the compiled entry of method, compiling it if nobody has.
// A non-nil error with a non-nil Code means the method compiled but one of
// the initializers it depends on failed.
func (e *Engine) Prepare(ctx context.Context, method *typesys.Method) (*Code, error) {
	if code := published(method); code != nil {
		return code, nil
	}

	e.u.Meta.Lock()
	defer e.u.Meta.Unlock()

	if code := published(method); code != nil {
		return code, nil
	}
	payload, locked, err := e.mgr.HandleIfLocked(ctx, method)
	if locked {
		code, _ := payload.(*Code)
		return code, err
	}
	if err != nil {
		return nil, err
	}
	return e.compile(ctx, method)
}

func published(method *typesys.Method) *Code {
	if p, ok := method.Entry(); ok {
		code, _ := p.(*Code)
		return code
	}
	return nil
}

// compile walks the body and hands the result to the manager. Called with
// the metadata lock held.
func (e *Engine) compile(ctx context.Context, method *typesys.Method) (*Code, error) {
	c, err := e.mgr.BeginCompiling(ctx, method)
	if err != nil {
		return nil, err
	}
	for _, in := range method.Body {
		switch in.Op {
		case typesys.OpCall, typesys.OpNew:
			err = c.OnStaticCall(ctx, in.Method)
		case typesys.OpLoadStatic, typesys.OpStoreStatic:
			err = c.OnStaticFieldAccess(ctx, in.Field)
		}
		if err != nil {
			c.Abort()
			return nil, fmt.Errorf("compile %s: %w", method, err)
		}
	}

	code := &Code{method: method, body: method.Body}
	e.compiled.Add(1)
	trace.Point(ctx, trace.ScopeQueue, "compiled", method.String())
	if err := c.Finish(ctx, code); err != nil {
		return code, err
	}
	return code, nil
}

func (e *Engine) exec(ctx context.Context, code *Code) error {
	code.calls.Add(1)
	for _, in := range code.body {
		switch in.Op {
		case typesys.OpCall, typesys.OpNew:
			if err := e.Call(ctx, in.Method); err != nil {
				return err
			}
		case typesys.OpLoadStatic:
			_ = in.Field.Load()
		case typesys.OpStoreStatic:
			in.Field.Store(thread.CurrentID(ctx))
		case typesys.OpSleep:
			if err := sleep(ctx, in.Dur); err != nil {
				return err
			}
		case typesys.OpFail:
			return &ManagedError{Method: code.method.String(), Message: in.Msg}
		case typesys.OpNative:
			if err := in.Native(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: unknown opcode %s", code.method, in.Op)
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
