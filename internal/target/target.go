// Package target describes the boards and simulators the harness can debug
// and knows how to bring them up: compile a program for a hart, start the
// simulator, and start the debug server in front of it.
package target

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/riscv-debug/dbgharness/internal/discovery"
	"github.com/riscv-debug/dbgharness/internal/events"
	"github.com/riscv-debug/dbgharness/internal/process"
)

const (
	// SimulatorSpike selects the Spike instruction-set simulator.
	SimulatorSpike = "spike"
	// SimulatorVCS selects a compiled RTL simulation reached over jtag_vpi.
	SimulatorVCS = "vcs"

	defaultTimeoutSec = 60
)

// Hart is one execution unit of a target.
type Hart struct {
	// ID is the hart's position in the target, assigned on load.
	ID         int    `yaml:"-"`
	Name       string `yaml:"name"`
	XLEN       int    `yaml:"xlen"`
	Misa       uint64 `yaml:"misa"`
	RAM        uint64 `yaml:"ram"`
	RAMSize    uint64 `yaml:"ram_size"`
	LinkScript string `yaml:"link_script"`
	// InstructionHardwareBreakpoints is the number of hardware triggers.
	InstructionHardwareBreakpoints int `yaml:"instruction_hardware_breakpoint_count"`
}

// MisaKnown reports whether misa came from the definition or the command line.
func (h *Hart) MisaKnown() bool {
	return h.Misa != 0
}

// String names the hart in logs.
func (h *Hart) String() string {
	if h.Name != "" {
		return h.Name
	}
	return fmt.Sprintf("hart%d", h.ID)
}

// Definition is one target file.
type Definition struct {
	Name string `yaml:"name"`
	// Simulator is "spike" or "vcs" for simulated targets and empty for
	// hardware.
	Simulator string `yaml:"simulator"`
	// SimCommand overrides the simulator executable.
	SimCommand []string `yaml:"sim_command"`
	// SimProgram are the sources Spike runs before gdb attaches. Required
	// for spike.
	SimProgram []string `yaml:"sim_program"`
	// SimHalted starts the simulator with harts halted.
	SimHalted bool `yaml:"sim_halted"`
	// SimTimeoutSec wraps the simulator in timeout(1) when positive.
	SimTimeoutSec int `yaml:"sim_timeout_sec"`

	OpenOCDConfig string `yaml:"openocd_config"`
	// ServerCommand overrides the OpenOCD command line.
	ServerCommand []string `yaml:"server_command"`

	TimeoutSec int `yaml:"timeout_sec"`
	// GdbSetup runs on the primary hart's session after connecting.
	GdbSetup []string `yaml:"gdb_setup"`
	// SupportsMultiHart marks targets whose harts are all reachable from one
	// debug server.
	SupportsMultiHart bool `yaml:"supports_multi_hart"`

	Harts []*Hart `yaml:"harts"`
}

// Validate checks the fields a simulator launch depends on.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("target name is required")
	}
	if len(d.Harts) == 0 {
		return fmt.Errorf("target %s: at least one hart is required", d.Name)
	}
	for i, hart := range d.Harts {
		if hart == nil {
			return fmt.Errorf("target %s: hart %d is empty", d.Name, i)
		}
		switch hart.XLEN {
		case 32, 64, 128:
		default:
			return fmt.Errorf("target %s: hart %d: unsupported xlen %d", d.Name, i, hart.XLEN)
		}
	}
	switch d.Simulator {
	case "", SimulatorVCS:
	case SimulatorSpike:
		if len(d.SimProgram) == 0 {
			return fmt.Errorf("target %s: sim_program is required for spike", d.Name)
		}
	default:
		return fmt.Errorf("target %s: unknown simulator %q", d.Name, d.Simulator)
	}
	return nil
}

// Tools are the external commands a Target launches.
type Tools struct {
	Spike   []string
	OpenOCD []string
	// RiscvPrefix is prepended to "gcc" to form the cross compiler.
	RiscvPrefix string

	DiscoveryTimeout   time.Duration
	PollInterval       time.Duration
	ServerStartTimeout time.Duration
}

// Options configures New and Load.
type Options struct {
	Tools    Tools
	Launcher *process.Launcher
	Logger   *log.Logger
	Bus      events.Bus
	// BuildDir receives compiled binaries. A temporary directory by default.
	BuildDir string
	// DefaultTimeout applies when the definition sets no timeout_sec.
	DefaultTimeout time.Duration
}

// Target is a loaded definition plus the means to bring it up.
type Target struct {
	def      Definition
	dir      string
	tools    Tools
	launcher *process.Launcher
	logger   *log.Logger
	bus      events.Bus
	buildDir string
}

// New builds a Target. Relative paths in def resolve against dir first.
func New(def Definition, dir string, opts Options) (*Target, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	for i, hart := range def.Harts {
		hart.ID = i
	}
	if def.TimeoutSec <= 0 {
		def.TimeoutSec = defaultTimeoutSec
		if opts.DefaultTimeout >= time.Second {
			def.TimeoutSec = int(opts.DefaultTimeout / time.Second)
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = process.NewLauncher(process.Options{Logger: logger, Bus: opts.Bus})
	}
	tools := opts.Tools
	if len(tools.Spike) == 0 {
		tools.Spike = []string{"spike"}
	}
	if len(tools.OpenOCD) == 0 {
		tools.OpenOCD = []string{"openocd"}
	}
	if tools.RiscvPrefix == "" {
		tools.RiscvPrefix = "riscv64-unknown-elf-"
	}
	if tools.DiscoveryTimeout <= 0 {
		tools.DiscoveryTimeout = discovery.DefaultTimeout
	}
	if tools.PollInterval <= 0 {
		tools.PollInterval = discovery.DefaultPollInterval
	}
	if tools.ServerStartTimeout <= 0 {
		tools.ServerStartTimeout = time.Duration(def.TimeoutSec) * time.Second
	}

	return &Target{
		def:      def,
		dir:      dir,
		tools:    tools,
		launcher: launcher,
		logger:   logger.With("target", def.Name),
		bus:      opts.Bus,
		buildDir: opts.BuildDir,
	}, nil
}

// Load reads one YAML target file.
func Load(path string, opts Options) (*Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read target %s: %w", path, err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse target %s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return New(def, filepath.Dir(path), opts)
}

// Find resolves name to a target file inside dir ("<name>.yaml" or
// "<name>.yml"), or treats name as a path when it names an existing file.
func Find(dir, name string) (string, error) {
	if info, err := os.Stat(name); err == nil && !info.IsDir() {
		return name, nil
	}
	for _, ext := range []string{".yaml", ".yml"} {
		candidate := filepath.Join(dir, name+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("target %q not found in %s", name, dir)
}

// List returns the target names available in dir, sorted.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list targets in %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ext))
	}
	slices.Sort(names)
	return names, nil
}

// Name returns the target name used in log file names.
func (t *Target) Name() string {
	return t.def.Name
}

// Harts returns the target's harts. Callers may update Misa in place.
func (t *Target) Harts() []*Hart {
	return t.def.Harts
}

// Timeout is the per-command debugger timeout for this target.
func (t *Target) Timeout() time.Duration {
	return time.Duration(t.def.TimeoutSec) * time.Second
}

// GdbSetup returns target-specific commands run after connecting.
func (t *Target) GdbSetup() []string {
	return append([]string(nil), t.def.GdbSetup...)
}

// Simulated reports whether the target runs on a simulator rather than
// hardware.
func (t *Target) Simulated() bool {
	return t.def.Simulator != ""
}

// SupportsMultiHart reports whether multi-hart tests can run.
func (t *Target) SupportsMultiHart() bool {
	return t.def.SupportsMultiHart && len(t.def.Harts) > 1
}

// resolve finds path relative to the target file, then the working
// directory, and otherwise returns it unchanged.
func (t *Target) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	for _, base := range []string{t.dir, "."} {
		if base == "" {
			continue
		}
		candidate := filepath.Join(base, path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return path
}
