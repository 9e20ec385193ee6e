package kernel

import (
	"runtime"

	"github.com/kernelcore/corekernel/kernel/cpu"
	"github.com/kernelcore/corekernel/kernel/kfmt/early"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic)
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	early.Printf("\n-----------------------------------\n")
	if err != nil {
		early.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	early.Printf("*** kernel panic: system halted ***")
	early.Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// PanicIf panics with the supplied message if cond is true. The caller's
// file:line is printed ahead of the panic banner to ease diagnosis.
func PanicIf(cond bool, module, message string) {
	if !cond {
		return
	}

	_, file, line := callerLocation()
	early.Printf("%s:%d: ", file, line)
	Panic(&Error{Module: module, Message: message})
}

// callerLocation returns the file/line of PanicIf's/PanicUnless's caller.
func callerLocation() (pc uintptr, file string, line int) {
	pc, file, line, _ = runtime.Caller(2)
	return
}

// PanicUnless panics with the supplied message unless cond is true. The
// message is prefixed with the file:line of the caller.
func PanicUnless(cond bool, module, message string) {
	if cond {
		return
	}

	_, file, line := callerLocation()
	early.Printf("%s:%d: ", file, line)
	Panic(&Error{Module: module, Message: message})
}
