package typesys

import (
	"fmt"
	"sync"
	"sync/atomic"

	"initrt/internal/thread"
)

// TypeID uniquely identifies a type inside a Universe.
type TypeID uint32

// InitState is the initializer state of a type.
type InitState uint32

const (
	// NotStarted means the initializer has not run, or its last run failed.
	NotStarted InitState = iota
	// Running means a thread is executing the initializer right now.
	Running
	// Completed is terminal.
	Completed
)

func (s InitState) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("InitState(%d)", s)
	}
}

// Type is a managed type as seen by the initializer manager.
type Type struct {
	ID   TypeID
	Name string
	// BeforeFieldInit relaxes ordering: the initializer only has to run
	// before the first static field touch.
	BeforeFieldInit bool

	Methods []*Method
	Fields  []*Field

	state    atomic.Uint32
	runner   atomic.Uint64
	attempts atomic.Uint32

	scanOnce sync.Once
	cctor    *Method
}

// State returns the current initializer state.
func (t *Type) State() InitState {
	return InitState(t.state.Load())
}

// Runner returns the thread running the initializer, or thread.None.
func (t *Type) Runner() thread.ID {
	return thread.ID(t.runner.Load())
}

// Attempts returns how many times the initializer has been started.
func (t *Type) Attempts() uint32 {
	return t.attempts.Load()
}

// TryBegin moves NotStarted to Running on behalf of runner.
func (t *Type) TryBegin(runner thread.ID) bool {
	if !t.state.CompareAndSwap(uint32(NotStarted), uint32(Running)) {
		return false
	}
	t.runner.Store(uint64(runner))
	t.attempts.Add(1)
	return true
}

// Complete moves Running to Completed.
func (t *Type) Complete() bool {
	t.runner.Store(uint64(thread.None))
	return t.state.CompareAndSwap(uint32(Running), uint32(Completed))
}

// Fail moves Running back to NotStarted so a later attempt runs the
// initializer again.
func (t *Type) Fail() bool {
	t.runner.Store(uint64(thread.None))
	return t.state.CompareAndSwap(uint32(Running), uint32(NotStarted))
}

// MarkCompleted records a type that has nothing to run.
func (t *Type) MarkCompleted() bool {
	return t.state.CompareAndSwap(uint32(NotStarted), uint32(Completed))
}

// Initializer scans the members for the static constructor. The scan happens
// once; nil means the type has none.
func (t *Type) Initializer() *Method {
	t.scanOnce.Do(func() {
		for _, m := range t.Methods {
			if m.Kind == KindInitializer {
				t.cctor = m
				return
			}
		}
	})
	return t.cctor
}

// Method returns the member method called name.
func (t *Type) Method(name string) *Method {
	name = normalize(name)
	for _, m := range t.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Field returns the member field called name.
func (t *Type) Field(name string) *Field {
	name = normalize(name)
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (t *Type) String() string {
	return t.Name
}
