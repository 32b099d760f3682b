// Package kerr defines the errors shared by the kernel core and the fatal
// error kind used for invariant violations.
package kerr

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrOutOfMemory      = errors.New("out of physical memory")
	ErrNoBuffers        = errors.New("no unreferenced buffers")
	ErrRefCountZero     = errors.New("reference count is already zero")
	ErrRefCountOverflow = errors.New("reference count overflow")
	ErrFreeListCorrupt  = errors.New("free list holds a page that still has owners")
	ErrBadAddress       = errors.New("address is unaligned or outside the page pool")
	ErrNotHolding       = errors.New("caller does not hold the buffer lock")
	ErrBadCore          = errors.New("core id out of range")
	ErrStorage          = errors.New("storage i/o error")
	ErrBadConfig        = errors.New("invalid configuration")
)

// FatalError reports a broken kernel invariant. It is only ever raised with
// panic; no caller is expected to continue the faulting operation.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal panics with a *FatalError for op.
func Fatal(op string, err error) {
	panic(&FatalError{Op: op, Err: err})
}

// Fatalf is Fatal with a formatted detail wrapped around err.
func Fatalf(op string, err error, format string, args ...interface{}) {
	panic(&FatalError{Op: op, Err: fmt.Errorf("%w: %s", err, fmt.Sprintf(format, args...))})
}

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Recover runs fn and converts a *FatalError panic into a returned error.
// Any other panic is re-raised.
func Recover(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fe, ok := r.(*FatalError)
		if !ok {
			panic(r)
		}
		err = fe
	}()
	return fn()
}
