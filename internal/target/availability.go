package target

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ToolStatus is the lookup result for one external tool.
type ToolStatus struct {
	Role     string
	Command  string
	Path     string
	Required bool
}

// Found reports whether the tool resolved on PATH.
func (s ToolStatus) Found() bool {
	return s.Path != ""
}

// Availability lists the external tools a run depends on.
type Availability struct {
	Tools []ToolStatus
}

// Missing returns the required tools that were not found.
func (a Availability) Missing() []ToolStatus {
	var missing []ToolStatus
	for _, tool := range a.Tools {
		if tool.Required && !tool.Found() {
			missing = append(missing, tool)
		}
	}
	return missing
}

// Err summarises missing required tools, or returns nil.
func (a Availability) Err() error {
	missing := a.Missing()
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, len(missing))
	for i, tool := range missing {
		names[i] = fmt.Sprintf("%s (%s)", tool.Command, tool.Role)
	}
	return errors.New("required tools not found on PATH: " + strings.Join(names, ", "))
}

// CheckTools looks up the simulator, debug server, debugger and cross
// compiler. The simulator is only required when simulated is true.
func CheckTools(tools Tools, gdbCommand []string, simulated bool) Availability {
	return checkTools(tools, gdbCommand, simulated, exec.LookPath)
}

func checkTools(
	tools Tools,
	gdbCommand []string,
	simulated bool,
	lookPath func(file string) (string, error),
) Availability {
	entries := []ToolStatus{
		{Role: "simulator", Command: first(tools.Spike, "spike"), Required: simulated},
		{Role: "debug server", Command: first(tools.OpenOCD, "openocd"), Required: true},
		{Role: "debugger", Command: first(gdbCommand, "riscv64-unknown-elf-gdb"), Required: true},
		{Role: "compiler", Command: prefixOr(tools.RiscvPrefix) + "gcc", Required: true},
	}
	for i := range entries {
		if path, err := lookPath(entries[i].Command); err == nil {
			entries[i].Path = path
		}
	}
	return Availability{Tools: entries}
}

func first(command []string, fallback string) string {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return fallback
	}
	return command[0]
}

func prefixOr(prefix string) string {
	if prefix == "" {
		return "riscv64-unknown-elf-"
	}
	return prefix
}
