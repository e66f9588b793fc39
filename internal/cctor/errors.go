package cctor

import (
	"errors"
	"fmt"
)

// ErrNoThread is returned when the context carries no execution thread.
var ErrNoThread = errors.New("cctor: no execution thread bound to context")

// ErrInitializerPanicked is what waiters on a locked method receive when the
// owner's initializer batch panicked instead of returning.
var ErrInitializerPanicked = errors.New("cctor: initializer panicked")

// TypeInitError reports that a type initializer failed. Cause is the
// failure the initializer raised.
type TypeInitError struct {
	Type  string
	Cause error
}

func (e *TypeInitError) Error() string {
	return fmt.Sprintf("type initializer for %q failed: %v", e.Type, e.Cause)
}

func (e *TypeInitError) Unwrap() error { return e.Cause }

// InvariantCode identifies a broken manager invariant.
type InvariantCode int

// Stable invariant codes - do not change values.
const (
	InvNotLocked     InvariantCode = 2001 // CC2001: unlock of a method that is not locked
	InvDoubleLock    InvariantCode = 2002 // CC2002: method locked twice
	InvNestedCompile InvariantCode = 2003 // CC2003: BeginCompiling while a compilation is open
	InvClosedCompile InvariantCode = 2004 // CC2004: use of a finished compilation
	InvLiveLocks     InvariantCode = 2005 // CC2005: manager closed with live lock entries
	InvWrongThread   InvariantCode = 2006 // CC2006: compilation used from another thread
)

// String returns the code as "CC2001" format.
func (c InvariantCode) String() string {
	return fmt.Sprintf("CC%d", c)
}

// InvariantError is the panic value raised when the registry or a
// compilation is found in an impossible state. These are never recovered
// by the manager.
type InvariantError struct {
	Code    InvariantCode
	Message string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("cctor invariant %s: %s", e.Code, e.Message)
}

func invariant(code InvariantCode, format string, args ...any) *InvariantError {
	return &InvariantError{Code: code, Message: fmt.Sprintf(format, args...)}
}
