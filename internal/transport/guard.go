package transport

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrPanic wraps panics recovered by Guard.
var ErrPanic = errors.New("goroutine panicked")

// FatalFunc receives unrecoverable errors. The gateway's Fatal method has
// this signature.
type FatalFunc func(error)

// Guard runs fn and reports a panic to onFatal instead of crashing the
// process. A nil onFatal re-panics.
func Guard(onFatal FatalFunc, name string, fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if onFatal == nil {
			panic(r)
		}
		onFatal(fmt.Errorf("%w in %s: %v\n%s", ErrPanic, name, r, debug.Stack()))
	}()
	fn()
}

// Go runs fn on a new goroutine under Guard.
func Go(onFatal FatalFunc, name string, fn func()) {
	go Guard(onFatal, name, fn)
}
