package typesys

import "time"

// Call builds a call to m.
func Call(m *Method) Instr { return Instr{Op: OpCall, Method: m} }

// New builds a constructor call.
func New(ctor *Method) Instr { return Instr{Op: OpNew, Method: ctor} }

// Load builds a static field read.
func Load(f *Field) Instr { return Instr{Op: OpLoadStatic, Field: f} }

// Store builds a static field write.
func Store(f *Field) Instr { return Instr{Op: OpStoreStatic, Field: f} }

// Sleep builds a pause.
func Sleep(d time.Duration) Instr { return Instr{Op: OpSleep, Dur: d} }

// Fail builds an instruction that raises msg.
func Fail(msg string) Instr { return Instr{Op: OpFail, Msg: msg} }

// Native builds a host hook.
func Native(fn NativeFunc) Instr { return Instr{Op: OpNative, Native: fn} }

// SetBody replaces the body of m.
func (m *Method) SetBody(body ...Instr) *Method {
	m.Body = body
	return m
}
