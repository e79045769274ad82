package target

import (
	"context"

	"github.com/riscv-debug/dbgharness/internal/discovery"
	"github.com/riscv-debug/dbgharness/internal/process"
)

const defaultVCSCommand = "simv"

// VCSCommand builds the RTL simulator command line with the jtag_vpi server
// enabled.
func (t *Target) VCSCommand() []string {
	var cmd []string
	if len(t.def.SimCommand) > 0 {
		cmd = append(cmd, t.def.SimCommand...)
	} else {
		cmd = append(cmd, defaultVCSCommand)
	}
	return append(cmd, "+jtag_vpi_enable")
}

func (t *Target) createVCS(ctx context.Context) (*Simulator, error) {
	handle, err := t.launcher.Launch(ctx, process.Spec{Name: "simv", Command: t.VCSCommand()})
	if err != nil {
		return nil, err
	}
	port, err := discovery.AwaitPort(ctx, discovery.Options{
		LogPath:      handle.LogPath(),
		Offset:       handle.OutputOffset(),
		Pattern:      discovery.VPIPortPattern,
		Timeout:      t.tools.DiscoveryTimeout,
		PollInterval: t.tools.PollInterval,
		Exited:       handle.Exited,
		Bus:          t.bus,
	})
	if err != nil {
		return nil, startFailure(handle, "RTL simulator did not announce a jtag_vpi port", err)
	}
	t.logger.Info("simulator listening", "port", port, "vpi", true, "log", handle.LogPath())
	return &Simulator{
		handle:   handle,
		Endpoint: discovery.Endpoint{Host: "localhost", Port: port},
		VPI:      true,
	}, nil
}
