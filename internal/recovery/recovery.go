// Package recovery turns panics in long-lived goroutines into logged errors.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/postalsys/handlemesh/internal/logging"
)

// PanicError is a recovered panic.
type PanicError struct {
	Goroutine string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Goroutine, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func logPanic(logger *slog.Logger, pe *PanicError) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger.Error("panic recovered",
		"goroutine", pe.Goroutine,
		"panic", fmt.Sprintf("%v", pe.Value),
		"stack", string(pe.Stack))
}

// RecoverWithLog recovers a panic and logs it. Defer it first thing in a
// goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "link.readLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, &PanicError{Goroutine: name, Value: r, Stack: debug.Stack()})
	}
}

// RecoverWithCallback recovers a panic, logs it, and hands it to callback,
// which may record it as the goroutine's result.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(*PanicError)) {
	if r := recover(); r != nil {
		pe := &PanicError{Goroutine: name, Value: r, Stack: debug.Stack()}
		logPanic(logger, pe)
		if callback != nil {
			callback(pe)
		}
	}
}
