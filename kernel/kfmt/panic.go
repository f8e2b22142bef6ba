package kfmt

import "vmcore/kernel"

var (
	// haltFn is invoked after the panic message has been logged. It is
	// mocked by tests.
	haltFn = func(err *kernel.Error) { panic(err) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic logs the supplied error and halts the current execution context. It
// is reserved for kernel invariant violations that are never safe to continue
// past; recoverable conditions must be returned as *kernel.Error values
// instead.
//
// Calls to Panic never return normally: the default halt function panics with
// the *kernel.Error so a deferred recover observes the original value.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	default:
		err = errRuntimePanic
	}

	Module(err.Module).Error("unrecoverable error: " + err.Message + "; kernel panic: system halted")

	haltFn(err)
}
