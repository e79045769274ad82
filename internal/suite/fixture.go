package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/riscv-debug/dbgharness/internal/discovery"
	"github.com/riscv-debug/dbgharness/internal/events"
	"github.com/riscv-debug/dbgharness/internal/gdb"
	"github.com/riscv-debug/dbgharness/internal/process"
	"github.com/riscv-debug/dbgharness/internal/target"
)

const (
	// HartSelectionLast drives the highest-numbered hart.
	HartSelectionLast = "last"
	// HartSelectionFirst drives hart 0.
	HartSelectionFirst = "first"

	postMortemTimeout = 10 * time.Second
	headerWidth       = 78
)

// Provisioner builds the per-test environment and always tears it down.
type Provisioner interface {
	// Provision returns a non-nil Env even on error so Release can clean up
	// whatever was started.
	Provision(ctx context.Context, def Definition, out io.Writer) (*Env, error)
	PostMortem(ctx context.Context, env *Env)
	Release(env *Env)
}

// FixtureOptions configures a Fixture.
type FixtureOptions struct {
	GdbCommand    []string
	HartSelection string
	Launcher      *process.Launcher
	Logger        *log.Logger
	Bus           events.Bus
	// Dial replaces the process-backed gdb sessions.
	Dial gdb.DialFunc
}

// Fixture provisions a simulator, debug server and gdb pool per test and
// caches compiled programs across tests.
type Fixture struct {
	target   Target
	opts     FixtureOptions
	logger   *log.Logger
	compiled map[string]string
}

// NewFixture validates opts and returns a Fixture for tgt.
func NewFixture(tgt Target, opts FixtureOptions) (*Fixture, error) {
	if tgt == nil {
		return nil, errors.New("target is required")
	}
	if len(tgt.Harts()) == 0 {
		return nil, fmt.Errorf("target %s has no harts", tgt.Name())
	}
	switch opts.HartSelection {
	case "":
		opts.HartSelection = HartSelectionLast
	case HartSelectionLast, HartSelectionFirst:
	default:
		return nil, fmt.Errorf("unknown hart selection %q (want %s or %s)", opts.HartSelection, HartSelectionLast, HartSelectionFirst)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Fixture{
		target:   tgt,
		opts:     opts,
		logger:   logger,
		compiled: make(map[string]string),
	}, nil
}

// PrimaryHart returns the hart a single-hart test drives.
func (f *Fixture) PrimaryHart() *target.Hart {
	harts := f.target.Harts()
	if f.opts.HartSelection == HartSelectionFirst {
		return harts[0]
	}
	return harts[len(harts)-1]
}

// Provision compiles the test program, starts the simulator and debug
// server, and connects gdb to every endpoint the server announced.
func (f *Fixture) Provision(ctx context.Context, def Definition, out io.Writer) (*Env, error) {
	env := &Env{
		Target: f.target,
		Hart:   f.PrimaryHart(),
		Out:    out,
		Logger: f.logger.With("test", def.Name),
	}

	if len(def.CompileArgs) > 0 {
		binary, err := f.compile(ctx, env.Hart, def.CompileArgs, out)
		if err != nil {
			return env, err
		}
		env.Binary = binary
	}

	sim, err := f.target.Create(ctx)
	if err != nil {
		writeDiscoveryLog(out, err)
		return env, err
	}
	env.sim = sim
	env.addLog(sim.LogPath())

	server, err := f.target.Server(ctx, sim)
	if err != nil {
		writeDiscoveryLog(out, err)
		return env, err
	}
	env.Server = server
	env.addLog(server.LogPath())

	if def.Capabilities.Has(NoDebugger) {
		return env, nil
	}

	pool, err := gdb.Connect(ctx, server.Endpoints, gdb.Options{
		Command:  f.opts.GdbCommand,
		Binary:   env.Binary,
		Timeout:  f.target.Timeout(),
		Launcher: f.opts.Launcher,
		Logger:   env.Logger,
		Bus:      f.opts.Bus,
		Dial:     f.opts.Dial,
	})
	if err != nil {
		return env, err
	}
	env.Gdb = pool
	env.addLog(pool.LogPaths()...)

	if err := f.configure(env, def); err != nil {
		return env, err
	}
	return env, nil
}

func (f *Fixture) configure(env *Env, def Definition) error {
	pool := env.Gdb
	if err := pool.Broadcast(fmt.Sprintf("set arch riscv:rv%d", env.Hart.XLEN)); err != nil {
		return err
	}
	if err := pool.Broadcast(fmt.Sprintf("set remotetimeout %d", int(f.target.Timeout()/time.Second))); err != nil {
		return err
	}
	for _, command := range f.target.GdbSetup() {
		if _, err := pool.Command(command); err != nil {
			return fmt.Errorf("target setup %q: %w", command, err)
		}
	}
	if err := pool.SelectHart(env.Hart.ID); err != nil {
		return err
	}
	if def.Capabilities.Has(MultiHart) || def.Capabilities.Has(AllHarts) {
		return nil
	}

	if env.Binary == "" {
		// loop_forever only exists in test programs; the other harts stay in
		// the simulator program, which never touches the hart under test.
		if len(f.target.Harts()) > 1 {
			env.Logger.Info("no test program loaded, other harts left running", "hart", env.Hart.String())
		}
		return nil
	}

	// Park every other hart so it cannot disturb the one under test.
	for _, hart := range f.target.Harts() {
		if hart == env.Hart {
			continue
		}
		if err := pool.SelectHart(hart.ID); err != nil {
			return err
		}
		if _, err := pool.P("$pc=loop_forever"); err != nil {
			return fmt.Errorf("park %s: %w", hart, err)
		}
	}
	return pool.SelectHart(env.Hart.ID)
}

func (f *Fixture) compile(ctx context.Context, hart *target.Hart, args []string, out io.Writer) (string, error) {
	key := fmt.Sprintf("%d\x00%s", hart.XLEN, strings.Join(args, "\x00"))
	if binary, ok := f.compiled[key]; ok {
		return binary, nil
	}
	Header(out, "Compile")
	fmt.Fprintf(out, "+ compile %s for rv%d\n", strings.Join(args, " "), hart.XLEN)
	binary, err := f.target.Compile(ctx, hart, args...)
	if err != nil {
		fmt.Fprintln(out, err)
		Header(out, "")
		return "", err
	}
	f.compiled[key] = binary
	return binary, nil
}

// PostMortem interrupts the target and dumps every register to the test log.
func (f *Fixture) PostMortem(ctx context.Context, env *Env) {
	if env == nil || env.Gdb == nil {
		return
	}
	if _, err := env.Gdb.Interrupt(); err != nil {
		Header(env.Out, "postMortem Exception")
		fmt.Fprintln(env.Out, err)
		return
	}
	output, err := env.Gdb.CommandTimeout("info registers all", postMortemTimeout)
	Header(env.Out, "Registers")
	fmt.Fprintln(env.Out, output)
	if err != nil {
		Header(env.Out, "postMortem Exception")
		fmt.Fprintln(env.Out, err)
	}
}

// Release stops gdb, the server and the simulator, in that order, then
// appends their logs to the test log.
func (f *Fixture) Release(env *Env) {
	if env == nil {
		return
	}
	if env.Gdb != nil {
		env.Gdb.Close()
	}
	env.Server.Close()
	env.sim.Close()

	for _, path := range env.logs {
		AppendLog(env.Out, path)
	}
	Header(env.Out, "End of logs")
}

// Header writes a "----[ title ]----" separator line, or a plain rule when
// title is empty.
func Header(w io.Writer, title string) {
	if w == nil {
		return
	}
	if title == "" {
		fmt.Fprintln(w, strings.Repeat("-", headerWidth))
		return
	}
	dashes := max(headerWidth-4-len(title), 0)
	before := strings.Repeat("-", dashes/2)
	after := strings.Repeat("-", dashes-dashes/2)
	fmt.Fprintf(w, "%s[ %s ]%s\n", before, title, after)
}

// AppendLog copies the file at path into w under a header.
func AppendLog(w io.Writer, path string) {
	Header(w, path)
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(w, "(unreadable: %v)\n", err)
		return
	}
	_, _ = w.Write(data)
	fmt.Fprintln(w)
}

func writeDiscoveryLog(w io.Writer, err error) {
	var timeout *discovery.TimeoutError
	if errors.As(err, &timeout) {
		Header(w, timeout.LogPath)
		fmt.Fprintln(w, timeout.Log)
		return
	}
	var exited *discovery.ExitedError
	if errors.As(err, &exited) {
		Header(w, exited.LogPath)
		fmt.Fprintln(w, exited.Log)
	}
}
