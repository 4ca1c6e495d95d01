// Package recovery keeps background goroutines from taking the node down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// RecoverWithLog recovers from a panic and logs it with its stack.
// Defer it first thing in a goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "acceptLoop")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback is RecoverWithLog plus an optional callback, used
// for cleanup or metrics after a panic.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Go runs fn in a new goroutine tracked by wg. Panics are logged and
// swallowed; wg is released either way.
func Go(wg *sync.WaitGroup, logger *slog.Logger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		return
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
