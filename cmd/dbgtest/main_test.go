package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riscv-debug/dbgharness/internal/config"
	"github.com/riscv-debug/dbgharness/internal/events"
	"github.com/riscv-debug/dbgharness/internal/metrics"
	"github.com/riscv-debug/dbgharness/internal/target"
	"github.com/riscv-debug/dbgharness/test"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	cfg := config.Defaults()
	cmd := newRootCommand(context.Background(), &cfg, testLogger())

	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "v0.1.0-test", strings.TrimSpace(stdout.String()))
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	cfg := config.Defaults()
	cmd := newRootCommand(context.Background(), &cfg, testLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())
	for _, name := range []string{"run", "list", "doctor", "bugreport"} {
		assert.Contains(t, stdout.String(), name)
	}
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	base := config.Defaults()
	base.Target = "from-config"

	flags := runFlags{
		logDir:        "/tmp/dbg-logs",
		failFast:      true,
		printLogNames: true,
		gdb:           "/opt/bin/gdb -nx",
		misa:          "0x8000000000141105",
		target:        "spike64",
		targetsDir:    "boards",
		hartSelection: "First",
		metricsFile:   "out.prom",
	}
	plan, err := flags.apply(base, []string{"Memory", "Breakpoint"})
	require.NoError(t, err)

	assert.Equal(t, "/tmp/dbg-logs", plan.LogDir)
	assert.True(t, plan.FailFast)
	assert.False(t, plan.PrintFailures)
	assert.True(t, plan.PrintLogNames)
	assert.Equal(t, []string{"/opt/bin/gdb", "-nx"}, plan.GdbCommand)
	assert.Equal(t, uint64(0x8000000000141105), plan.Misa)
	assert.Equal(t, "spike64", plan.Target)
	assert.Equal(t, "boards", plan.TargetsDir)
	assert.Equal(t, "first", plan.HartSelection)
	assert.Equal(t, "out.prom", plan.MetricsFile)
	assert.Equal(t, []string{"Memory", "Breakpoint"}, plan.Filters)
	assert.Equal(t, base.CommandTimeout, plan.CommandTimeout)
}

func TestRunFlagsKeepConfigGdbWhenUnset(t *testing.T) {
	base := config.Defaults()
	plan, err := runFlags{target: "spike32", hartSelection: "last"}.apply(base, nil)
	require.NoError(t, err)
	assert.Equal(t, base.GdbCommand, plan.GdbCommand)
	assert.Zero(t, plan.Misa)
}

func TestRunFlagsRejectInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		flags   runFlags
		wantErr string
	}{
		{name: "no target", flags: runFlags{hartSelection: "last"}, wantErr: "no target selected"},
		{name: "hart selection", flags: runFlags{target: "x", hartSelection: "middle"}, wantErr: "unknown hart selection"},
		{name: "misa not hex", flags: runFlags{target: "x", hartSelection: "last", misa: "rv64"}, wantErr: "--misaval"},
		{name: "misa zero", flags: runFlags{target: "x", hartSelection: "last", misa: "0"}, wantErr: "non-zero"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.flags.apply(config.Defaults(), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseMisa(t *testing.T) {
	for input, want := range map[string]uint64{
		"0x40101105":         0x40101105,
		"40101105":           0x40101105,
		"0X8000000000141105": 0x8000000000141105,
	} {
		got, err := parseMisa(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
}

func TestListCatalog(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "spike32.yaml"), "name: spike32\n")
	writeTestFile(t, filepath.Join(dir, "notes.txt"), "ignored\n")

	var out bytes.Buffer
	require.NoError(t, listCatalog(&out, dir))

	text := out.String()
	assert.Contains(t, text, "  spike32\n")
	assert.NotContains(t, text, "notes")
	assert.Contains(t, text, "MulticoreResume [multi-hart]")
	assert.Contains(t, text, "ServerOnly [no-debugger]")
	assert.NotContains(t, text, "ExamineTarget")
}

func TestWriteAvailability(t *testing.T) {
	var out bytes.Buffer
	writeAvailability(&out, target.Availability{Tools: []target.ToolStatus{
		{Role: "simulator", Command: "spike", Required: false},
		{Role: "debugger", Command: "gdb", Path: "/usr/bin/gdb", Required: true},
		{Role: "debug server", Command: "openocd", Required: true},
	}})

	text := out.String()
	assert.Contains(t, text, "missing (optional)")
	assert.Contains(t, text, "/usr/bin/gdb")
	assert.Contains(t, text, "MISSING")
}

func TestMeteredBusCountsSessionTimeouts(t *testing.T) {
	recorder := metrics.New()
	inner := &recordingBus{}
	bus := meteredBus{Bus: inner, metrics: recorder}

	bus.Publish(events.Event{Type: events.EventTypeSessionTimeout})
	bus.Publish(events.Event{Type: events.EventTypeSessionCommand})
	bus.Publish(events.Event{Type: events.EventTypeSessionTimeout})

	assert.Len(t, inner.published, 3)
	path := filepath.Join(t.TempDir(), "dbgtest.prom")
	require.NoError(t, recorder.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dbgtest_session_timeouts_total 2")
}

func TestRunTestsAgainstScriptedServer(t *testing.T) {
	test.SkipIfShort(t)
	test.RequireCommand(t, "sh")

	dir := t.TempDir()
	test.WriteFile(t, dir, "targets/board.yaml", `
name: board
server_command:
  - sh
  - -c
  - "echo 'Info : Listening on port 33301 for gdb connections'; echo 'Info : telnet server disabled'; sleep 30"
harts:
  - xlen: 64
`)

	plan := runPlan{
		Config:  config.Defaults(),
		Filters: []string{"ServerOnly"},
		Misa:    0x8000000000141105,
	}
	plan.Target = "board"
	plan.TargetsDir = filepath.Join(dir, "targets")
	plan.LogDir = filepath.Join(dir, "logs")
	plan.MetricsFile = filepath.Join(dir, "dbgtest.prom")
	plan.PrintLogNames = true
	plan.TerminationGrace = 200 * time.Millisecond
	plan.ServerStartTimeout = 5 * time.Second
	plan.DiscoveryPollInterval = 20 * time.Millisecond

	var out bytes.Buffer
	code, err := runTests(test.Context(t, 30*time.Second), &out, plan, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, code, out.String())

	text := out.String()
	assert.Contains(t, text, "[ServerOnly] Starting > ")
	assert.Contains(t, text, "Temporary openocd log: ")
	assert.Contains(t, text, "ran 1 tests in")
	assert.NotContains(t, text, "ExamineTarget")

	test.AssertFileContains(t, plan.MetricsFile, `dbgtest_tests_total{outcome="pass",target="board"} 1`)

	logs, err := filepath.Glob(filepath.Join(plan.LogDir, "*-board-ServerOnly.log"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	test.AssertFileContains(t, logs[0], "Result: pass", "Listening on port 33301 for gdb connections")
}

func TestRunTestsUnknownTarget(t *testing.T) {
	plan := runPlan{Config: config.Defaults()}
	plan.Target = "missing"
	plan.TargetsDir = t.TempDir()

	code, err := runTests(context.Background(), &bytes.Buffer{}, plan, testLogger())
	require.Error(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, err.Error(), `target "missing" not found`)
}

type recordingBus struct {
	published []events.Event
}

func (b *recordingBus) Subscribe(string, events.Handler) {}
func (b *recordingBus) SubscribeAll(events.Handler)      {}
func (b *recordingBus) Publish(event events.Event) {
	b.published = append(b.published, event)
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
