package target

import (
	"context"
	"fmt"
	"strconv"

	"github.com/riscv-debug/dbgharness/internal/discovery"
	"github.com/riscv-debug/dbgharness/internal/process"
)

// Simulator is a running simulator and the JTAG endpoint the debug server
// connects to.
type Simulator struct {
	handle   *process.Handle
	Endpoint discovery.Endpoint
	// VPI is set when Endpoint speaks jtag_vpi rather than remote bitbang.
	VPI bool
}

// LogPath returns the simulator log.
func (s *Simulator) LogPath() string {
	if s == nil || s.handle == nil {
		return ""
	}
	return s.handle.LogPath()
}

// Close terminates the simulator. It is idempotent and nil-safe.
func (s *Simulator) Close() {
	if s == nil || s.handle == nil {
		return
	}
	s.handle.Terminate()
}

// SpikeCommand builds the Spike command line running program on the
// target's harts. All harts must share XLEN and RAM layout.
func (t *Target) SpikeCommand(program string) ([]string, error) {
	if program == "" {
		return nil, fmt.Errorf("target %s: spike needs a program to run", t.def.Name)
	}
	harts := t.def.Harts
	first := harts[0]
	for _, hart := range harts[1:] {
		if hart.XLEN != first.XLEN {
			return nil, fmt.Errorf("target %s: all spike harts must have the same XLEN", t.def.Name)
		}
		if hart.RAM != first.RAM || hart.RAMSize != first.RAMSize {
			return nil, fmt.Errorf("target %s: all spike harts must have the same RAM layout", t.def.Name)
		}
	}

	var cmd []string
	if t.def.SimTimeoutSec > 0 {
		cmd = append(cmd, "timeout", strconv.Itoa(t.def.SimTimeoutSec))
	}
	if len(t.def.SimCommand) > 0 {
		cmd = append(cmd, t.def.SimCommand...)
	} else {
		cmd = append(cmd, t.tools.Spike...)
	}

	isa := "RV64G"
	if first.XLEN == 32 {
		isa = "RV32G"
	}
	cmd = append(cmd,
		fmt.Sprintf("-p%d", len(harts)),
		"--isa", isa,
		fmt.Sprintf("-m0x%x:0x%x", first.RAM, first.RAMSize),
	)
	if t.def.SimHalted {
		cmd = append(cmd, "-H")
	}
	return append(cmd, "--rbb-port", "0", program), nil
}

// Create starts the target's simulator and waits for its JTAG port. It
// returns nil, nil for hardware targets.
func (t *Target) Create(ctx context.Context) (*Simulator, error) {
	switch t.def.Simulator {
	case SimulatorSpike:
		return t.createSpike(ctx)
	case SimulatorVCS:
		return t.createVCS(ctx)
	}
	return nil, nil
}

func (t *Target) createSpike(ctx context.Context) (*Simulator, error) {
	program, err := t.Compile(ctx, t.def.Harts[0], t.def.SimProgram...)
	if err != nil {
		return nil, err
	}
	cmd, err := t.SpikeCommand(program)
	if err != nil {
		return nil, err
	}

	handle, err := t.launcher.Launch(ctx, process.Spec{Name: "spike", Command: cmd})
	if err != nil {
		return nil, err
	}
	port, err := discovery.AwaitPort(ctx, discovery.Options{
		LogPath:      handle.LogPath(),
		Offset:       handle.OutputOffset(),
		Pattern:      discovery.BitbangPattern,
		Timeout:      t.tools.DiscoveryTimeout,
		PollInterval: t.tools.PollInterval,
		Exited:       handle.Exited,
		Bus:          t.bus,
	})
	if err != nil {
		return nil, startFailure(handle, "spike did not announce a bitbang port", err)
	}
	t.logger.Info("simulator listening", "port", port, "log", handle.LogPath())
	return &Simulator{
		handle:   handle,
		Endpoint: discovery.Endpoint{Host: "localhost", Port: port},
	}, nil
}

// startFailure terminates handle and wraps err, adding the exit status when
// the process already died.
func startFailure(handle *process.Handle, what string, err error) error {
	exitErr := handle.ExitErr()
	handle.Terminate()
	if exitErr != nil {
		return fmt.Errorf("%s: %w (%v)", what, err, exitErr)
	}
	return fmt.Errorf("%s: %w", what, err)
}
