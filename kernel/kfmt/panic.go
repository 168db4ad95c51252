package kfmt

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"

	"github.com/cockroachdb/errors"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return on real hardware.
func Panic(e interface{}) {
	var (
		module = errRuntimePanic.Module
		msg    string
	)

	switch t := e.(type) {
	case string:
		msg = t
	case error:
		module = kernel.ModuleOf(t, module)
		msg = t.Error()
		if details := errors.FlattenDetails(t); details != "" {
			msg += " (" + details + ")"
		}
	case nil:
	default:
		msg = errRuntimePanic.Message
	}

	Printf("\n-----------------------------------\n")
	if msg != "" {
		Printf("[%s] unrecoverable error: %s\n", module, msg)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
