// Package suite defines the test contract the runner executes and the
// fixture that brings a target up for each test.
package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/riscv-debug/dbgharness/internal/gdb"
	"github.com/riscv-debug/dbgharness/internal/target"
)

// Capability flags select how the fixture prepares a test.
type Capability uint

const (
	// MultiHart tests drive every hart; other harts are not parked.
	MultiHart Capability = 1 << iota
	// NoDebugger tests need the debug server but no gdb sessions.
	NoDebugger
	// AllHarts tests visit every hart themselves but run on any target.
	// Other harts are not parked.
	AllHarts
)

// Has reports whether c includes flag.
func (c Capability) Has(flag Capability) bool {
	return c&flag != 0
}

// Case is one instantiated test.
type Case interface {
	Setup(ctx context.Context, env *Env) error
	Run(ctx context.Context, env *Env) error
	Teardown(ctx context.Context, env *Env) error
}

// EarlyApplicable is implemented by cases that can rule themselves out
// before any process is started.
type EarlyApplicable interface {
	EarlyApplicable(t Target) bool
}

// PostMortem is implemented by cases that dump extra state after a bad
// outcome, in addition to the fixture's register dump.
type PostMortem interface {
	PostMortem(ctx context.Context, env *Env) error
}

// Base gives a Case no-op Setup and Teardown.
type Base struct{}

func (Base) Setup(context.Context, *Env) error    { return nil }
func (Base) Teardown(context.Context, *Env) error { return nil }

// Definition registers one test.
type Definition struct {
	Name string
	New  func() Case
	// CompileArgs are sources and flags for the test program. Empty means no
	// program is built.
	CompileArgs  []string
	Capabilities Capability
}

// Target is what the fixture needs from a target. *target.Target
// implements it.
type Target interface {
	Name() string
	Harts() []*target.Hart
	Timeout() time.Duration
	GdbSetup() []string
	SupportsMultiHart() bool
	Compile(ctx context.Context, hart *target.Hart, args ...string) (string, error)
	Create(ctx context.Context) (*target.Simulator, error)
	Server(ctx context.Context, sim *target.Simulator) (*target.Server, error)
}

// Env is the per-test environment handed to a Case.
type Env struct {
	Target Target
	// Hart is the hart the test drives.
	Hart   *target.Hart
	Binary string
	// Gdb is nil for NoDebugger tests.
	Gdb *gdb.Pool
	// Server is nil only when provisioning failed before it started.
	Server *target.Server
	// Out is the per-test log.
	Out    io.Writer
	Logger *log.Logger

	sim  *target.Simulator
	logs []string
}

// Logf writes one line to the per-test log.
func (e *Env) Logf(format string, args ...any) {
	if e == nil || e.Out == nil {
		return
	}
	fmt.Fprintf(e.Out, format+"\n", args...)
}

// LogPaths returns the process logs collected so far.
func (e *Env) LogPaths() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.logs...)
}

func (e *Env) addLog(paths ...string) {
	for _, path := range paths {
		if path != "" {
			e.logs = append(e.logs, path)
		}
	}
}

// Registry maps test names to definitions.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds def. Names are unique.
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("test name is required")
	}
	if def.New == nil {
		return fmt.Errorf("test %s: constructor is required", name)
	}
	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("test %s registered twice", name)
	}
	def.Name = name
	r.defs[name] = def
	return nil
}

// MustRegister is Register for static catalogs.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the named definition.
func (r *Registry) Lookup(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// All returns every definition sorted by name.
func (r *Registry) All() []Definition {
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	slices.SortFunc(defs, func(a, b Definition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}
