package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/riscv-debug/dbgharness/internal/config"
	"github.com/riscv-debug/dbgharness/internal/target"
)

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var hardware bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the simulator, debug server, debugger and compiler are installed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			availability := target.CheckTools(toolsFromConfig(*cfg), cfg.GdbCommand, !hardware)
			writeAvailability(cmd.OutOrStdout(), availability)
			if err := availability.Err(); err != nil {
				if logger != nil {
					logger.With("command", "doctor").Warn("tools missing", "error", err)
				}
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&hardware, "hardware", false, "do not require the simulator")
	return cmd
}

func writeAvailability(out io.Writer, availability target.Availability) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"Role", "Command", "Status", "Path"})
	for _, tool := range availability.Tools {
		status := "ok"
		switch {
		case tool.Found():
		case tool.Required:
			status = "MISSING"
		default:
			status = "missing (optional)"
		}
		t.AppendRow(table.Row{tool.Role, tool.Command, status, tool.Path})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
	fmt.Fprintln(out)
}
