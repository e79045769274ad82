package debugtests

import (
	"context"
	"errors"
	"fmt"

	"github.com/riscv-debug/dbgharness/internal/check"
	"github.com/riscv-debug/dbgharness/internal/session"
	"github.com/riscv-debug/dbgharness/internal/suite"
)

const invalidAddress = 0xdeadbeef

type registerReadWrite struct {
	suite.Base
}

func (registerReadWrite) Run(_ context.Context, env *suite.Env) error {
	patterns := []uint64{0x0, 0xffffffffffffffff, 0xa5a5a5a55a5a5a5a, 0x0123456789abcdef}
	mask := ^uint64(0)
	if env.Hart.XLEN == 32 {
		mask = 0xffffffff
	}
	for _, reg := range []string{"s0", "s1", "t0", "a5"} {
		for _, pattern := range patterns {
			want := pattern & mask
			if _, err := env.Gdb.Command(fmt.Sprintf("p $%s=0x%x", reg, want)); err != nil {
				return err
			}
			got, err := env.Gdb.PUint("$" + reg)
			if err != nil {
				return err
			}
			if err := check.Equal(want, got); err != nil {
				return fmt.Errorf("%s: %w", reg, err)
			}
		}
	}
	return nil
}

type memoryReadWrite struct {
	suite.Base
}

func (memoryReadWrite) EarlyApplicable(t suite.Target) bool {
	for _, hart := range t.Harts() {
		if hart.RAMSize == 0 {
			return false
		}
	}
	return true
}

func (memoryReadWrite) Run(_ context.Context, env *suite.Env) error {
	base := env.Hart.RAM + env.Hart.RAMSize/2
	values := []uint64{0x12345678, 0x9abcdef0, 0xdeadbeef, 0x0}
	for i, value := range values {
		address := base + uint64(4*i)
		if _, err := env.Gdb.Command(fmt.Sprintf("p *((unsigned int*)0x%x)=0x%x", address, value)); err != nil {
			return err
		}
	}
	for i, want := range values {
		got, err := env.Gdb.X(base+uint64(4*i), "w")
		if err != nil {
			return err
		}
		if err := check.Equal(want, got); err != nil {
			return fmt.Errorf("0x%x: %w", base+uint64(4*i), err)
		}
	}
	return nil
}

type memoryReadInvalid struct {
	suite.Base
}

func (memoryReadInvalid) Run(_ context.Context, env *suite.Env) error {
	_, err := env.Gdb.PRaw(fmt.Sprintf("*((int*)0x%x)", invalidAddress))
	if err == nil {
		return check.Failf("read of 0x%x succeeded", invalidAddress)
	}
	var memErr *session.MemoryAccessError
	if !errors.As(err, &memErr) {
		return err
	}
	return check.Equal(uint64(invalidAddress), memErr.Address)
}

type breakpoint struct {
	suite.Base
	hardware bool
}

func (b *breakpoint) EarlyApplicable(t suite.Target) bool {
	if !b.hardware {
		return true
	}
	for _, hart := range t.Harts() {
		if hart.InstructionHardwareBreakpoints == 0 {
			return false
		}
	}
	return true
}

func (b *breakpoint) Setup(_ context.Context, env *suite.Env) error {
	return env.Gdb.Load()
}

func (b *breakpoint) Run(_ context.Context, env *suite.Env) error {
	set := env.Gdb.B
	if b.hardware {
		set = env.Gdb.Hbreak
	}
	if _, err := set("main"); err != nil {
		return err
	}
	output, err := env.Gdb.C(env.Target.Timeout())
	if err != nil {
		return err
	}
	if err := check.Matches(`Breakpoint \d+, main`, output); err != nil {
		return err
	}
	where, err := env.Gdb.Where()
	if err != nil {
		return err
	}
	return check.Matches(`#0\s+main`, where)
}

func (b *breakpoint) Teardown(_ context.Context, env *suite.Env) error {
	_, err := env.Gdb.Command("delete")
	return err
}

type stepInstruction struct {
	suite.Base
}

func (stepInstruction) Setup(_ context.Context, env *suite.Env) error {
	if err := env.Gdb.Load(); err != nil {
		return err
	}
	if _, err := env.Gdb.B("main"); err != nil {
		return err
	}
	_, err := env.Gdb.C(env.Target.Timeout())
	return err
}

func (stepInstruction) Run(_ context.Context, env *suite.Env) error {
	for range 4 {
		before, err := env.Gdb.PUint("$pc")
		if err != nil {
			return err
		}
		if _, err := env.Gdb.Stepi(); err != nil {
			return err
		}
		after, err := env.Gdb.PUint("$pc")
		if err != nil {
			return err
		}
		if err := check.NotEqual(before, after); err != nil {
			return err
		}
	}
	return nil
}

func (stepInstruction) Teardown(_ context.Context, env *suite.Env) error {
	_, err := env.Gdb.Command("delete")
	return err
}

type multicoreResume struct {
	suite.Base
}

func (multicoreResume) Setup(_ context.Context, env *suite.Env) error {
	if err := env.Gdb.Load(); err != nil {
		return err
	}
	for _, hart := range env.Target.Harts() {
		if err := env.Gdb.SelectHart(hart.ID); err != nil {
			return err
		}
		if _, err := env.Gdb.P("$pc=_start"); err != nil {
			return err
		}
	}
	return env.Gdb.SelectHart(env.Hart.ID)
}

func (multicoreResume) Run(_ context.Context, env *suite.Env) error {
	// Each session needs its own breakpoint when harts are split across
	// debug ports.
	if err := env.Gdb.Broadcast("b main"); err != nil {
		return err
	}
	if err := env.Gdb.ResumeAll(env.Target.Timeout()); err != nil {
		return err
	}
	for _, hart := range env.Target.Harts() {
		if err := env.Gdb.SelectHart(hart.ID); err != nil {
			return err
		}
		where, err := env.Gdb.Where()
		if err != nil {
			return err
		}
		if err := check.Matches(`#0\s+main`, where); err != nil {
			return fmt.Errorf("%s: %w", hart, err)
		}
	}
	return nil
}

func (multicoreResume) Teardown(_ context.Context, env *suite.Env) error {
	return env.Gdb.Broadcast("delete")
}

type serverOnly struct {
	suite.Base
}

func (serverOnly) Run(_ context.Context, env *suite.Env) error {
	if env.Server == nil {
		return check.Failf("debug server is not running")
	}
	return check.True(len(env.Server.Endpoints) > 0, "debug server announced no gdb ports")
}
