package target

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/riscv-debug/dbgharness/internal/discovery"
	"github.com/riscv-debug/dbgharness/internal/process"
)

var serverReadyPattern = regexp.MustCompile(`telnet server disabled`)

// Server is a running debug server and the gdb endpoints it opened, one per
// debuggable hart group.
type Server struct {
	handle    *process.Handle
	Endpoints []discovery.Endpoint
}

// LogPath returns the server log.
func (s *Server) LogPath() string {
	if s == nil || s.handle == nil {
		return ""
	}
	return s.handle.LogPath()
}

// Close terminates the server. It is idempotent and nil-safe.
func (s *Server) Close() {
	if s == nil || s.handle == nil {
		return
	}
	s.handle.Terminate()
}

// ServerCommand builds the OpenOCD command line. The port options precede
// the config script because OpenOCD executes them in order.
func (t *Target) ServerCommand() []string {
	var cmd []string
	if len(t.def.ServerCommand) > 0 {
		cmd = append(cmd, t.def.ServerCommand...)
	} else {
		cmd = append(cmd, t.tools.OpenOCD...)
	}
	cmd = append(cmd,
		"--command", "gdb_port 0",
		"--command", "tcl_port disabled",
		"--command", "telnet_port disabled",
	)
	if t.def.OpenOCDConfig != "" {
		cmd = append(cmd, "-f", t.resolve(t.def.OpenOCDConfig))
	}
	return cmd
}

// Server starts OpenOCD in front of sim (nil for hardware) and waits until it
// has finished examining the target. Every gdb port announced before then is
// returned as an endpoint.
func (t *Target) Server(ctx context.Context, sim *Simulator) (*Server, error) {
	var env []string
	switch {
	case sim == nil:
	case sim.VPI:
		env = append(env, "JTAG_VPI_PORT="+strconv.Itoa(sim.Endpoint.Port))
	default:
		env = append(env,
			"REMOTE_BITBANG_HOST="+sim.Endpoint.Host,
			"REMOTE_BITBANG_PORT="+strconv.Itoa(sim.Endpoint.Port),
		)
	}

	handle, err := t.launcher.Launch(ctx, process.Spec{
		Name:    "openocd",
		Command: t.ServerCommand(),
		Env:     env,
	})
	if err != nil {
		return nil, err
	}
	ports, err := discovery.AwaitPorts(ctx, discovery.ScanOptions{
		LogPath:      handle.LogPath(),
		Offset:       handle.OutputOffset(),
		Port:         discovery.GdbPortPattern,
		Ready:        serverReadyPattern,
		Timeout:      t.tools.ServerStartTimeout,
		PollInterval: t.tools.PollInterval,
		Exited:       handle.Exited,
		Bus:          t.bus,
	})
	if err == nil && len(ports) == 0 {
		err = fmt.Errorf("no gdb port announced in %s", handle.LogPath())
	}
	if err != nil {
		return nil, startFailure(handle, "openocd did not start", err)
	}

	endpoints := make([]discovery.Endpoint, len(ports))
	for i, port := range ports {
		endpoints[i] = discovery.Endpoint{Host: "localhost", Port: port}
	}
	t.logger.Info("debug server listening", "ports", ports, "log", handle.LogPath())
	return &Server{handle: handle, Endpoints: endpoints}, nil
}
