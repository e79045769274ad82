package gdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/riscv-debug/dbgharness/internal/discovery"
	"github.com/riscv-debug/dbgharness/internal/events"
	"github.com/riscv-debug/dbgharness/internal/process"
	"github.com/riscv-debug/dbgharness/internal/session"
)

const (
	// DefaultCommand starts the RISC-V cross debugger.
	DefaultCommand = "riscv64-unknown-elf-gdb"
	// DefaultTimeout bounds ordinary commands and is passed to set remotetimeout.
	DefaultTimeout = 60 * time.Second
	// LongTimeout bounds commands that may run the target for a while.
	LongTimeout = 6000 * time.Second
)

// Conn is one driven front-end session. *session.Session implements it.
type Conn interface {
	Name() string
	LogPath() string
	Wait(timeout time.Duration) (string, error)
	Send(command string) (string, error)
	SendTimeout(command string, timeout time.Duration) (string, error)
	SendLine(command string) error
	ExpectString(text string, timeout time.Duration) (string, error)
	Interrupt(timeout time.Duration) (string, error)
	Close()
}

// DialFunc opens a front-end session that will talk to endpoint.
type DialFunc func(ctx context.Context, endpoint discovery.Endpoint) (Conn, error)

// Options configures Connect.
type Options struct {
	// Command is the debugger command line. Defaults to DefaultCommand.
	Command []string
	// Binary is loaded with "file" after connecting when set.
	Binary   string
	Timeout  time.Duration
	Launcher *process.Launcher
	Logger   *log.Logger
	Bus      events.Bus
	// Dial replaces the default process-backed session factory.
	Dial DialFunc
}

type binding struct {
	conn   int
	thread Thread
}

// Pool owns one session per endpoint and maps hart ids to the session and
// thread responsible for them. Exactly one session is active at a time.
type Pool struct {
	conns     []Conn
	endpoints []discovery.Endpoint
	harts     map[int]binding
	active    int
	stack     []int
	timeout   time.Duration
	logger    *log.Logger
	bus       events.Bus
}

// Connect opens one session per endpoint, configures each, attaches it to its
// endpoint and discovers the harts it controls. On error every session that
// was opened is closed.
func Connect(ctx context.Context, endpoints []discovery.Endpoint, opts Options) (*Pool, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("at least one endpoint is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	dial := opts.Dial
	if dial == nil {
		dial = processDialer(opts, timeout, logger)
	}

	p := &Pool{
		endpoints: endpoints,
		harts:     make(map[int]binding),
		timeout:   timeout,
		logger:    logger,
		bus:       opts.Bus,
	}
	for _, endpoint := range endpoints {
		conn, err := dial(ctx, endpoint)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open debugger for %s: %w", endpoint, err)
		}
		p.conns = append(p.conns, conn)
	}

	var discovered []discoveredThread
	for i, endpoint := range endpoints {
		threads, err := p.setup(i, endpoint, opts.Binary)
		if err != nil {
			p.Close()
			return nil, err
		}
		for _, thread := range threads {
			discovered = append(discovered, discoveredThread{conn: i, thread: thread})
		}
	}

	ids, err := AssignHartIDs(threadsOf(discovered))
	if err != nil {
		p.Close()
		return nil, err
	}
	for i, d := range discovered {
		p.harts[ids[i]] = binding{conn: d.conn, thread: d.thread}
	}
	p.active = 0
	p.logger.Info("debugger pool connected", "sessions", len(p.conns), "harts", p.HartIDs())
	return p, nil
}

func processDialer(opts Options, timeout time.Duration, logger *log.Logger) DialFunc {
	command := opts.Command
	if len(command) == 0 {
		command = []string{DefaultCommand}
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = process.NewLauncher(process.Options{Logger: logger, Bus: opts.Bus})
	}
	return func(ctx context.Context, endpoint discovery.Endpoint) (Conn, error) {
		// -nx keeps user gdbinit files out of the transcript.
		argv := append(append([]string(nil), command...), "-nx", "-q")
		return session.Open(ctx, launcher, process.Spec{
			Name:    "gdb@" + strconv.Itoa(endpoint.Port),
			Command: argv,
		}, session.Options{Timeout: timeout, Logger: logger, Bus: opts.Bus})
	}
}

func (p *Pool) setup(index int, endpoint discovery.Endpoint, binary string) ([]Thread, error) {
	p.selectConn(index)
	conn := p.conns[index]
	if _, err := conn.Wait(p.timeout); err != nil {
		return nil, fmt.Errorf("%s: wait for first prompt: %w", conn.Name(), err)
	}
	commands := []string{
		"set confirm off",
		"set width 0",
		"set height 0",
		"set print entry-values no",
		fmt.Sprintf("set remotetimeout %d", int(p.timeout/time.Second)),
		"target extended-remote " + endpoint.String(),
	}
	if binary != "" {
		commands = append(commands, "file "+binary)
	}
	for _, command := range commands {
		if _, err := conn.Send(command); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", conn.Name(), command, err)
		}
	}
	return p.Threads()
}

// Close closes every session. It is idempotent.
func (p *Pool) Close() {
	for _, conn := range p.conns {
		conn.Close()
	}
}

// LogPaths returns the transcript path of each session.
func (p *Pool) LogPaths() []string {
	paths := make([]string, 0, len(p.conns))
	for _, conn := range p.conns {
		if path := conn.LogPath(); path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

// Sessions returns the number of owned sessions.
func (p *Pool) Sessions() int {
	return len(p.conns)
}

// Active returns the index of the active session.
func (p *Pool) Active() int {
	return p.active
}

// HartIDs returns the discovered hart ids in ascending order.
func (p *Pool) HartIDs() []int {
	ids := make([]int, 0, len(p.harts))
	for id := range p.harts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (p *Pool) selectConn(index int) {
	p.active = index
}

// SelectHart makes the session owning hart active and switches it to the
// hart's thread.
func (p *Pool) SelectHart(hart int) error {
	b, ok := p.harts[hart]
	if !ok {
		return fmt.Errorf("hart %d is not controlled by any debugger session", hart)
	}
	p.selectConn(b.conn)
	output, err := p.Command("thread " + b.thread.ID)
	if err != nil {
		return err
	}
	if strings.Contains(output, "Unknown") {
		return fmt.Errorf("select hart %d (thread %s): %s", hart, b.thread.ID, output)
	}
	return nil
}

// Guard restores the active session saved by PushState.
type Guard struct {
	pool  *Pool
	depth int
	done  bool
}

// PushState saves the active session. The returned guard's Restore puts it
// back; deferring Restore is the intended use. Guards nest.
func (p *Pool) PushState() *Guard {
	p.stack = append(p.stack, p.active)
	return &Guard{pool: p, depth: len(p.stack)}
}

// Restore pops the saved selection. Calling it again is a no-op.
func (g *Guard) Restore() {
	if g.done {
		return
	}
	g.done = true
	p := g.pool
	if len(p.stack) < g.depth {
		return
	}
	p.active = p.stack[g.depth-1]
	p.stack = p.stack[:g.depth-1]
}

// Command runs command on the active session.
func (p *Pool) Command(command string) (string, error) {
	return p.conns[p.active].Send(command)
}

// CommandTimeout runs command on the active session with its own deadline.
func (p *Pool) CommandTimeout(command string, timeout time.Duration) (string, error) {
	return p.conns[p.active].SendTimeout(command, timeout)
}

// Broadcast runs command on every session. The active session is restored on
// return whether or not a command failed.
func (p *Pool) Broadcast(command string) error {
	guard := p.PushState()
	defer guard.Restore()

	for i := range p.conns {
		p.selectConn(i)
		if _, err := p.Command(command); err != nil {
			return fmt.Errorf("%s: %s: %w", p.conns[i].Name(), command, err)
		}
	}
	return nil
}

// ResumeAll resumes every session and then waits for all of them to halt.
// Every resume is issued before any wait starts: gdb removes a software
// breakpoint as soon as the first hart stops on it, so a hart resumed later
// would never see it.
func (p *Pool) ResumeAll(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = LongTimeout
	}
	guard := p.PushState()
	defer guard.Restore()

	for i, conn := range p.conns {
		p.selectConn(i)
		if err := p.CNoWait(); err != nil {
			return fmt.Errorf("%s: resume: %w", conn.Name(), err)
		}
		events.Emit(p.bus, events.Event{
			Type:       events.EventTypeResumeSent,
			EntityType: "session",
			EntityID:   conn.Name(),
			Severity:   events.SeverityInfo,
		})
	}

	var g errgroup.Group
	for _, conn := range p.conns {
		events.Emit(p.bus, events.Event{
			Type:       events.EventTypeHaltWait,
			EntityType: "session",
			EntityID:   conn.Name(),
			Severity:   events.SeverityInfo,
		})
		g.Go(func() error {
			if _, err := conn.Wait(timeout); err != nil {
				return fmt.Errorf("%s: wait for halt: %w", conn.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
