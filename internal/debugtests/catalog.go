// Package debugtests is the catalog of debug scenarios run against a target.
package debugtests

import (
	"github.com/riscv-debug/dbgharness/internal/suite"
)

// debugProgram is the program most scenarios load. entry.S provides _start
// and the loop_forever label used to park idle harts.
var debugProgram = []string{"programs/entry.S", "programs/debug.c"}

// Examine reads $misa on every hart. The runner schedules it first when a
// hart's misa is unknown.
var Examine = suite.Definition{
	Name:         "ExamineTarget",
	New:          func() suite.Case { return &examineTarget{} },
	Capabilities: suite.AllHarts,
}

// Catalog returns a registry holding every scenario.
func Catalog() *suite.Registry {
	reg := suite.NewRegistry()
	Register(reg)
	return reg
}

// Register adds every scenario except Examine to reg.
func Register(reg *suite.Registry) {
	reg.MustRegister(
		suite.Definition{
			Name: "RegisterReadWrite",
			New:  func() suite.Case { return &registerReadWrite{} },
		},
		suite.Definition{
			Name: "MemoryReadWrite",
			New:  func() suite.Case { return &memoryReadWrite{} },
		},
		suite.Definition{
			Name: "MemoryReadInvalid",
			New:  func() suite.Case { return &memoryReadInvalid{} },
		},
		suite.Definition{
			Name:        "Breakpoint",
			New:         func() suite.Case { return &breakpoint{} },
			CompileArgs: debugProgram,
		},
		suite.Definition{
			Name:        "HardwareBreakpoint",
			New:         func() suite.Case { return &breakpoint{hardware: true} },
			CompileArgs: debugProgram,
		},
		suite.Definition{
			Name:        "StepInstruction",
			New:         func() suite.Case { return &stepInstruction{} },
			CompileArgs: debugProgram,
		},
		suite.Definition{
			Name:         "MulticoreResume",
			New:          func() suite.Case { return &multicoreResume{} },
			CompileArgs:  debugProgram,
			Capabilities: suite.MultiHart,
		},
		suite.Definition{
			Name:         "ServerOnly",
			New:          func() suite.Case { return &serverOnly{} },
			Capabilities: suite.NoDebugger,
		},
	)
}
