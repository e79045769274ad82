package debugtests

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riscv-debug/dbgharness/internal/check"
	"github.com/riscv-debug/dbgharness/internal/discovery"
	"github.com/riscv-debug/dbgharness/internal/gdb"
	"github.com/riscv-debug/dbgharness/internal/session"
	"github.com/riscv-debug/dbgharness/internal/suite"
	"github.com/riscv-debug/dbgharness/internal/target"
)

func TestExamineTargetRecordsMisa(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(2)
	fake.misa = map[string]string{"1": "0x8000000000141105", "2": "0x8000000000141101"}
	env := newEnv(t, fake, 64, 2)

	require.NoError(t, runCase(env, &examineTarget{}))
	harts := env.Target.Harts()
	assert.Equal(t, uint64(0x8000000000141105), harts[0].Misa)
	assert.Equal(t, uint64(0x8000000000141101), harts[1].Misa)
	assert.Contains(t, logOf(env), "RV64ACIMSU")
	assert.Contains(t, logOf(env), "RV64AIMSU")
}

func TestExamineTargetRejectsXLENMismatch(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(1)
	fake.misa = map[string]string{"1": "0x40001105"}
	env := newEnv(t, fake, 64, 1)

	err := runCase(env, &examineTarget{})
	require.Error(t, err)
	assert.True(t, check.IsFailure(err))
	assert.Contains(t, err.Error(), "XLEN of 32")
}

func TestExamineTargetRejectsUnknownWidth(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(1)
	fake.misa = map[string]string{"1": "0x1105"}
	env := newEnv(t, fake, 64, 1)

	err := runCase(env, &examineTarget{})
	assert.True(t, check.IsFailure(err))
}

func TestMisaXLEN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		misa string
		want int
	}{
		{misa: "0x40001105", want: 32},
		{misa: "0x8000000000141105", want: 64},
		{misa: "0xc0000000000000000000000000001105", want: 128},
		{misa: "0x0", want: 0},
		{misa: "0xc0000000", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.misa, func(t *testing.T) {
			t.Parallel()
			misa, ok := new(big.Int).SetString(tt.misa, 0)
			require.True(t, ok)
			if got := MisaXLEN(misa); got != tt.want {
				t.Fatalf("MisaXLEN(%s) = %d, want %d", tt.misa, got, tt.want)
			}
		})
	}
}

func TestDescribeMisa(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "RV32ACIMSU", DescribeMisa(big.NewInt(0x40141105), 32))
	assert.Equal(t, "RV64", DescribeMisa(big.NewInt(0), 64))
}

func TestRegisterReadWrite(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(1)
	env := newEnv(t, fake, 32, 1)

	require.NoError(t, runCase(env, &registerReadWrite{}))
	assert.Contains(t, fake.sent, "p $s0=0xffffffff")
	assert.NotContains(t, fake.sent, "p $s0=0xffffffffffffffff")
}

func TestRegisterReadWriteDetectsStuckBits(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(1)
	fake.stuck = map[string]uint64{"t0": 0x1}
	env := newEnv(t, fake, 64, 1)

	err := runCase(env, &registerReadWrite{})
	require.Error(t, err)
	assert.True(t, check.IsFailure(err))
	assert.Contains(t, err.Error(), "t0")
}

func TestMemoryReadWrite(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(1)
	env := newEnv(t, fake, 64, 1)

	require.NoError(t, runCase(env, &memoryReadWrite{}))
	assert.Equal(t, uint64(0xdeadbeef), fake.mem[0x80000000+0x4000+8])
}

func TestMemoryReadWriteNeedsRAM(t *testing.T) {
	t.Parallel()

	tgt := &fakeTarget{harts: []*target.Hart{{XLEN: 64}}}
	assert.False(t, memoryReadWrite{}.EarlyApplicable(tgt))
}

func TestMemoryReadInvalid(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(1)
	env := newEnv(t, fake, 64, 1)
	require.NoError(t, runCase(env, &memoryReadInvalid{}))

	fake.mapped = true
	err := runCase(env, &memoryReadInvalid{})
	assert.True(t, check.IsFailure(err))
}

func TestBreakpoint(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(1)
	env := newEnv(t, fake, 64, 1)

	require.NoError(t, runCase(env, &breakpoint{}))
	assert.Equal(t, []string{"load", "b main", "c", "where 1", "delete"}, fake.sent[len(fake.sent)-5:])
}

func TestHardwareBreakpointNeedsTriggers(t *testing.T) {
	t.Parallel()

	tgt := &fakeTarget{harts: []*target.Hart{{XLEN: 64}}}
	assert.False(t, (&breakpoint{hardware: true}).EarlyApplicable(tgt))
	assert.True(t, (&breakpoint{}).EarlyApplicable(tgt))

	tgt.harts[0].InstructionHardwareBreakpoints = 2
	assert.True(t, (&breakpoint{hardware: true}).EarlyApplicable(tgt))

	fake := newFakeGdb(1)
	env := newEnv(t, fake, 64, 1)
	require.NoError(t, runCase(env, &breakpoint{hardware: true}))
	assert.Contains(t, fake.sent, "hbreak main")
}

func TestStepInstruction(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(1)
	env := newEnv(t, fake, 64, 1)
	require.NoError(t, runCase(env, &stepInstruction{}))
	assert.Equal(t, uint64(0x80000010+4*4), fake.pc)

	fake.frozen = true
	err := runCase(env, &stepInstruction{})
	assert.True(t, check.IsFailure(err))
}

func TestMulticoreResume(t *testing.T) {
	t.Parallel()

	fake := newFakeGdb(2)
	env := newEnv(t, fake, 64, 2)

	require.NoError(t, runCase(env, &multicoreResume{}))
	assert.Contains(t, fake.sent, "p/x $pc=_start")
	assert.Contains(t, fake.sent, "c")
	assert.Contains(t, fake.sent, "halt-wait")
}

func TestMulticoreResumeBreaksOnEverySession(t *testing.T) {
	t.Parallel()

	first, second := newFakeGdb(1), newFakeGdb(1)
	second.firstHart = 1
	byPort := map[int]*fakeGdb{3333: first, 3334: second}
	pool, err := gdb.Connect(context.Background(), []discovery.Endpoint{
		{Host: "localhost", Port: 3333},
		{Host: "localhost", Port: 3334},
	}, gdb.Options{
		Binary: "/build/debug-rv64",
		Dial: func(_ context.Context, endpoint discovery.Endpoint) (gdb.Conn, error) {
			return byPort[endpoint.Port], nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	tgt := &fakeTarget{harts: []*target.Hart{{ID: 0, XLEN: 64}, {ID: 1, XLEN: 64}}}
	env := &suite.Env{Target: tgt, Hart: tgt.harts[0], Gdb: pool, Out: &bytes.Buffer{}}

	require.NoError(t, runCase(env, &multicoreResume{}))
	for i, fake := range []*fakeGdb{first, second} {
		assert.Contains(t, fake.sent, "b main", "session %d", i)
		assert.Contains(t, fake.sent, "halt-wait", "session %d", i)
		assert.Contains(t, fake.sent, "delete", "session %d", i)
	}
}

func TestServerOnly(t *testing.T) {
	t.Parallel()

	env := &suite.Env{Server: &target.Server{Endpoints: []discovery.Endpoint{{Host: "localhost", Port: 3333}}}}
	assert.NoError(t, serverOnly{}.Run(context.Background(), env))
	assert.Error(t, serverOnly{}.Run(context.Background(), &suite.Env{Server: &target.Server{}}))
}

func TestCatalog(t *testing.T) {
	t.Parallel()

	reg := Catalog()
	names := make([]string, 0)
	for _, def := range reg.All() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{
		"Breakpoint",
		"HardwareBreakpoint",
		"MemoryReadInvalid",
		"MemoryReadWrite",
		"MulticoreResume",
		"RegisterReadWrite",
		"ServerOnly",
		"StepInstruction",
	}, names)
	_, ok := reg.Lookup(Examine.Name)
	assert.False(t, ok)

	multi, _ := reg.Lookup("MulticoreResume")
	assert.True(t, multi.Capabilities.Has(suite.MultiHart))
	assert.True(t, Examine.Capabilities.Has(suite.AllHarts))
}

func runCase(env *suite.Env, c suite.Case) error {
	ctx := context.Background()
	if err := c.Setup(ctx, env); err != nil {
		return err
	}
	runErr := c.Run(ctx, env)
	if err := c.Teardown(ctx, env); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func newEnv(t *testing.T, fake *fakeGdb, xlen, harts int) *suite.Env {
	t.Helper()
	tgt := &fakeTarget{}
	for i := range harts {
		tgt.harts = append(tgt.harts, &target.Hart{ID: i, XLEN: xlen, RAM: 0x80000000, RAMSize: 0x8000})
	}
	pool, err := gdb.Connect(context.Background(), []discovery.Endpoint{{Host: "localhost", Port: 3333}}, gdb.Options{
		Binary: "/build/debug-rv64",
		Dial: func(context.Context, discovery.Endpoint) (gdb.Conn, error) {
			return fake, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, pool.SelectHart(0))
	fake.sent = nil
	return &suite.Env{
		Target: tgt,
		Hart:   tgt.harts[0],
		Gdb:    pool,
		Out:    &bytes.Buffer{},
	}
}

func logOf(env *suite.Env) string {
	return env.Out.(*bytes.Buffer).String()
}

type fakeTarget struct {
	harts []*target.Hart
}

func (f *fakeTarget) Name() string            { return "fake" }
func (f *fakeTarget) Harts() []*target.Hart   { return f.harts }
func (f *fakeTarget) Timeout() time.Duration  { return time.Second }
func (f *fakeTarget) GdbSetup() []string      { return nil }
func (f *fakeTarget) SupportsMultiHart() bool { return len(f.harts) > 1 }

func (f *fakeTarget) Compile(context.Context, *target.Hart, ...string) (string, error) {
	return "/build/debug-rv64", nil
}

func (f *fakeTarget) Create(context.Context) (*target.Simulator, error) { return nil, nil }

func (f *fakeTarget) Server(context.Context, *target.Simulator) (*target.Server, error) {
	return &target.Server{}, nil
}

var (
	setRegister = regexp.MustCompile(`^p \$(\w+)=0x([0-9a-f]+)$`)
	getRegister = regexp.MustCompile(`^p/x \$(\w+)$`)
	storeWord   = regexp.MustCompile(`^p \*\(\(unsigned int\*\)0x([0-9a-f]+)\)=0x([0-9a-f]+)$`)
	examineWord = regexp.MustCompile(`^x/w 0x([0-9a-f]+)$`)
)

// fakeGdb is one gdb session controlling every hart as a thread.
type fakeGdb struct {
	harts     int
	firstHart int
	thread    string
	misa      map[string]string
	regs      map[string]uint64
	stuck     map[string]uint64
	mem       map[uint64]uint64
	pc        uint64
	mapped    bool
	frozen    bool
	sent      []string
}

func newFakeGdb(harts int) *fakeGdb {
	return &fakeGdb{
		harts:  harts,
		thread: "1",
		regs:   map[string]uint64{},
		mem:    map[uint64]uint64{},
		pc:     0x80000000,
	}
}

func (f *fakeGdb) Name() string    { return "gdb@3333" }
func (f *fakeGdb) LogPath() string { return "" }
func (f *fakeGdb) Close()          {}

func (f *fakeGdb) Wait(time.Duration) (string, error) {
	if len(f.sent) > 0 && f.sent[len(f.sent)-1] == "c" {
		f.sent = append(f.sent, "halt-wait")
		f.pc = 0x80000010
	}
	return "", nil
}

func (f *fakeGdb) Send(command string) (string, error) {
	return f.SendTimeout(command, time.Second)
}

func (f *fakeGdb) SendLine(command string) error {
	f.sent = append(f.sent, command)
	return nil
}

func (f *fakeGdb) ExpectString(string, time.Duration) (string, error) {
	return "Continuing.", nil
}

func (f *fakeGdb) Interrupt(time.Duration) (string, error) {
	return "Program received signal SIGINT", nil
}

func (f *fakeGdb) SendTimeout(command string, _ time.Duration) (string, error) {
	f.sent = append(f.sent, command)
	switch {
	case command == "info threads":
		var b strings.Builder
		for i := range f.harts {
			fmt.Fprintf(&b, "  %d    Thread %d (Name: Hart %d) main ()\n", i+1, i+1, f.firstHart+i)
		}
		return b.String(), nil
	case strings.HasPrefix(command, "thread "):
		f.thread = strings.TrimPrefix(command, "thread ")
		return "[Switching to thread " + f.thread + "]", nil
	case command == "p/x $misa":
		return "$1 = " + f.misa[f.thread], nil
	case command == "p/x $pc":
		return fmt.Sprintf("$2 = 0x%x", f.pc), nil
	case strings.HasPrefix(command, "p/x $pc="):
		f.pc = 0x80000000
		return fmt.Sprintf("$7 = 0x%x", f.pc), nil
	case command == "stepi":
		if !f.frozen {
			f.pc += 4
		}
		return "0x0000000080000014 in main ()", nil
	case command == "load":
		return "Loading section .text, size 0x1a4 lma 0x80000000\nTransfer rate: 3 KB/sec, 420 bytes/write.", nil
	case command == "b main":
		return "Breakpoint 1 at 0x80000010: file programs/debug.c, line 13.", nil
	case command == "hbreak main":
		return "Hardware assisted breakpoint 1 at 0x80000010: file programs/debug.c, line 13.", nil
	case command == "c":
		f.pc = 0x80000010
		return "Continuing.\n\nBreakpoint 1, main () at programs/debug.c:13", nil
	case command == "where 1":
		return "#0  main () at programs/debug.c:13", nil
	case command == "p *((int*)0xdeadbeef)":
		if f.mapped {
			return "$3 = 0", nil
		}
		return "", &session.MemoryAccessError{Address: 0xdeadbeef}
	}

	if m := setRegister.FindStringSubmatch(command); m != nil {
		value, _ := strconv.ParseUint(m[2], 16, 64)
		f.regs[m[1]] = value
		return fmt.Sprintf("$4 = 0x%x", value), nil
	}
	if m := getRegister.FindStringSubmatch(command); m != nil {
		return fmt.Sprintf("$5 = 0x%x", f.regs[m[1]]|f.stuck[m[1]]), nil
	}
	if m := storeWord.FindStringSubmatch(command); m != nil {
		address, _ := strconv.ParseUint(m[1], 16, 64)
		value, _ := strconv.ParseUint(m[2], 16, 64)
		f.mem[address] = value
		return fmt.Sprintf("$6 = %d", value), nil
	}
	if m := examineWord.FindStringSubmatch(command); m != nil {
		address, _ := strconv.ParseUint(m[1], 16, 64)
		return fmt.Sprintf("0x%x <counter>:\t0x%08x", address, f.mem[address]), nil
	}
	return "", nil
}
