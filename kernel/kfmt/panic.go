package kfmt

import (
	"gophervm/kernel"
	"gophervm/kernel/cpu"
)

const panicRule = "\n-----------------------------------\n"

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// asKernelError converts the value passed to Panic into a *kernel.Error.
// Values other than strings and errors yield nil.
func asKernelError(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case *kernel.Error:
		return t
	case string:
		return &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		return &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}
	return nil
}

// Panic prints e to the console and halts the CPU. It never returns; in the
// hosted build the halt unwinds the calling goroutine with cpu.ErrHalted.
func Panic(e interface{}) {
	w := consoleWriter{}

	Fprintf(w, panicRule)
	if err := asKernelError(e); err != nil {
		Fprintf(w, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Fprintf(w, "*** kernel panic: system halted ***"+panicRule)

	cpuHaltFn()
}
