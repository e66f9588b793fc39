package typesys

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MethodID uniquely identifies a method inside a Universe.
type MethodID uint32

// MethodKind classifies a method for initializer ordering.
type MethodKind uint8

const (
	KindInstance MethodKind = iota
	KindStatic
	KindConstructor // instance constructor
	KindInitializer // static constructor
)

func (k MethodKind) String() string {
	switch k {
	case KindInstance:
		return "instance"
	case KindStatic:
		return "static"
	case KindConstructor:
		return "ctor"
	case KindInitializer:
		return "initializer"
	default:
		return fmt.Sprintf("MethodKind(%d)", k)
	}
}

// ParseMethodKind converts a workload spelling to a MethodKind.
func ParseMethodKind(s string) (MethodKind, error) {
	switch s {
	case "instance", "":
		return KindInstance, nil
	case "static":
		return KindStatic, nil
	case "ctor", "constructor":
		return KindConstructor, nil
	case "initializer", "cctor":
		return KindInitializer, nil
	default:
		return KindInstance, fmt.Errorf("invalid method kind: %q (expected: instance|static|ctor|initializer)", s)
	}
}

// Method is a member method together with its body and published entry.
type Method struct {
	ID    MethodID
	Name  string
	Kind  MethodKind
	Owner *Type
	Body  []Instr

	entry atomic.Pointer[published]
}

type published struct {
	payload any
}

// IsStatic reports whether the method runs without an instance. Static
// constructors count as static.
func (m *Method) IsStatic() bool {
	return m.Kind == KindStatic || m.Kind == KindInitializer
}

// IsConstructor reports whether m is an instance constructor.
func (m *Method) IsConstructor() bool { return m.Kind == KindConstructor }

// IsInitializer reports whether m is the owner's static constructor.
func (m *Method) IsInitializer() bool { return m.Kind == KindInitializer }

// Publish stores the compiled entry so later callers skip compilation.
func (m *Method) Publish(payload any) {
	m.entry.Store(&published{payload: payload})
}

// Entry returns the published entry, if any.
func (m *Method) Entry() (any, bool) {
	p := m.entry.Load()
	if p == nil {
		return nil, false
	}
	return p.payload, true
}

func (m *Method) String() string {
	if m.Owner == nil {
		return m.Name
	}
	return m.Owner.Name + "::" + m.Name
}

// Field is a member field. Static fields carry their storage.
type Field struct {
	Name   string
	Static bool
	Owner  *Type

	mu    sync.Mutex
	value any
}

// Load reads the static value.
func (f *Field) Load() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Store writes the static value.
func (f *Field) Store(v any) {
	f.mu.Lock()
	f.value = v
	f.mu.Unlock()
}

func (f *Field) String() string {
	if f.Owner == nil {
		return f.Name
	}
	return f.Owner.Name + "::" + f.Name
}

// OpCode enumerates body instructions.
type OpCode uint8

const (
	OpCall OpCode = iota + 1
	OpNew
	OpLoadStatic
	OpStoreStatic
	OpSleep
	OpFail
	OpNative
)

func (o OpCode) String() string {
	switch o {
	case OpCall:
		return "call"
	case OpNew:
		return "new"
	case OpLoadStatic:
		return "load"
	case OpStoreStatic:
		return "store"
	case OpSleep:
		return "sleep"
	case OpFail:
		return "fail"
	case OpNative:
		return "native"
	default:
		return fmt.Sprintf("OpCode(%d)", o)
	}
}

// Instr is one body instruction. Only the fields relevant to Op are set.
type Instr struct {
	Op     OpCode
	Method *Method
	Field  *Field
	Dur    time.Duration
	Msg    string
	Native NativeFunc
}

// NativeFunc is a host hook executed by OpNative with the context of the
// executing thread.
type NativeFunc func(ctx context.Context) error
