package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/riscv-debug/dbgharness/internal/config"
	"github.com/riscv-debug/dbgharness/internal/debugtests"
	"github.com/riscv-debug/dbgharness/internal/events"
	"github.com/riscv-debug/dbgharness/internal/logging"
	"github.com/riscv-debug/dbgharness/internal/metrics"
	"github.com/riscv-debug/dbgharness/internal/process"
	"github.com/riscv-debug/dbgharness/internal/runner"
	"github.com/riscv-debug/dbgharness/internal/suite"
	"github.com/riscv-debug/dbgharness/internal/target"
	"github.com/riscv-debug/dbgharness/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

// exitError carries a non-zero exit status for a run that completed but had
// bad outcomes. main exits with code without printing anything.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(ctx, logging.WithDir(cfg.RuntimeLogDir), logging.WithLevel(level))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	tracer, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint: cfg.OTel.Endpoint,
		Version:  Version,
		Logger:   logger.Logger,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if shutdownErr := tracer.Shutdown(context.Background()); shutdownErr != nil {
			logger.Warn("telemetry shutdown failed", "error", shutdownErr)
		}
	}()

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "dbgtest",
		Short:         "RISC-V external debug test harness",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(cfg, logger),
		newListCommand(cfg),
		newDoctorCommand(cfg, logger),
		newBugreportCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}

// runFlags are the run command's flags, seeded from config.
type runFlags struct {
	logDir        string
	failFast      bool
	printFailures bool
	printLogNames bool
	gdb           string
	misa          string
	target        string
	targetsDir    string
	hartSelection string
	metricsFile   string
}

// runPlan is the config after flags are applied.
type runPlan struct {
	config.Config
	Filters []string
	Misa    uint64
}

func newRunCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	base := config.Defaults()
	if cfg != nil {
		base = *cfg
	}
	flags := runFlags{
		logDir:        base.LogDir,
		failFast:      base.FailFast,
		printFailures: base.PrintFailures,
		printLogNames: base.PrintLogNames,
		target:        base.Target,
		targetsDir:    base.TargetsDir,
		hartSelection: base.HartSelection,
		metricsFile:   base.MetricsFile,
	}

	cmd := &cobra.Command{
		Use:   "run [flags] [test-filter...]",
		Short: "Run debug tests against a target",
		Long: "Run every debug test whose name contains one of the filters (all tests\n" +
			"when none are given) and exit non-zero if any test failed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := flags.apply(base, args)
			if err != nil {
				return err
			}
			code, err := runTests(cmd.Context(), cmd.OutOrStdout(), plan, logger)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.logDir, "logs", flags.logDir, "directory receiving one log file per test")
	f.BoolVarP(&flags.failFast, "fail-fast", "f", flags.failFast, "stop after the first failing test")
	f.BoolVar(&flags.printFailures, "print-failures", flags.printFailures, "print the log of each failing test")
	f.BoolVar(&flags.printLogNames, "print-log-names", flags.printLogNames, "print temporary log file names as they are created")
	f.BoolVar(&flags.printLogNames, "pln", flags.printLogNames, "alias for --print-log-names")
	f.StringVar(&flags.gdb, "gdb", "", "debugger command line (overrides gdb_command)")
	f.StringVar(&flags.misa, "misaval", "", "hex misa value for every hart; skips target examination")
	f.StringVarP(&flags.target, "target", "t", flags.target, "target name or path to a target YAML file")
	f.StringVar(&flags.targetsDir, "targets-dir", flags.targetsDir, "directory holding target YAML files")
	f.StringVar(&flags.hartSelection, "hart-selection", flags.hartSelection, "hart driven by single-hart tests (last or first)")
	f.StringVar(&flags.metricsFile, "metrics-file", flags.metricsFile, "write Prometheus metrics to this textfile")
	return cmd
}

func (f runFlags) apply(base config.Config, filters []string) (runPlan, error) {
	plan := runPlan{Config: base, Filters: filters}
	plan.LogDir = f.logDir
	plan.FailFast = f.failFast
	plan.PrintFailures = f.printFailures
	plan.PrintLogNames = f.printLogNames
	plan.Target = strings.TrimSpace(f.target)
	plan.TargetsDir = f.targetsDir
	plan.MetricsFile = f.metricsFile

	selection := strings.ToLower(strings.TrimSpace(f.hartSelection))
	if err := config.ValidateHartSelection(selection); err != nil {
		return runPlan{}, err
	}
	plan.HartSelection = selection

	if gdb := strings.Fields(f.gdb); len(gdb) > 0 {
		plan.GdbCommand = gdb
	}
	if f.misa != "" {
		misa, err := parseMisa(f.misa)
		if err != nil {
			return runPlan{}, err
		}
		plan.Misa = misa
	}
	if plan.Target == "" {
		return runPlan{}, errors.New("no target selected: pass --target or set target in .dbgtest/config.toml")
	}
	return plan, nil
}

func parseMisa(value string) (uint64, error) {
	text := strings.ToLower(strings.TrimSpace(value))
	text = strings.TrimPrefix(text, "0x")
	misa, err := strconv.ParseUint(text, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse --misaval %q: %w", value, err)
	}
	if misa == 0 {
		return 0, fmt.Errorf("parse --misaval %q: must be non-zero", value)
	}
	return misa, nil
}

// meteredBus counts session timeouts as they are published.
type meteredBus struct {
	events.Bus
	metrics *metrics.Recorder
}

func (b meteredBus) Publish(event events.Event) {
	if event.Type == events.EventTypeSessionTimeout {
		b.metrics.RecordSessionTimeout()
	}
	b.Bus.Publish(event)
}

func runTests(ctx context.Context, out io.Writer, plan runPlan, logger *log.Logger) (int, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	recorder := metrics.New()
	inner := events.New(events.WithLogger(logger))
	inner.SubscribeAll(func(event events.Event) {
		logger.Debug("event", "type", event.Type, "entity_type", event.EntityType, "entity_id", event.EntityID)
	})
	defer inner.Close()
	bus := meteredBus{Bus: inner, metrics: recorder}

	launcher := process.NewLauncher(process.Options{
		Logger:       logger,
		Bus:          bus,
		GracePeriod:  plan.TerminationGrace,
		OnLogCreated: logNameEcho(out, plan.PrintLogNames),
	})

	path, err := target.Find(plan.TargetsDir, plan.Target)
	if err != nil {
		return 1, err
	}
	tgt, err := target.Load(path, target.Options{
		Tools:          toolsFromConfig(plan.Config),
		Launcher:       launcher,
		Logger:         logger,
		Bus:            bus,
		DefaultTimeout: plan.CommandTimeout,
	})
	if err != nil {
		return 1, err
	}

	fixture, err := suite.NewFixture(tgt, suite.FixtureOptions{
		GdbCommand:    plan.GdbCommand,
		HartSelection: plan.HartSelection,
		Launcher:      launcher,
		Logger:        logger,
		Bus:           bus,
	})
	if err != nil {
		return 1, err
	}

	examine := debugtests.Examine
	code, err := runner.RunSuite(ctx, debugtests.Catalog().All(), tgt, fixture, runner.Options{
		LogDir:        plan.LogDir,
		Filters:       plan.Filters,
		FailFast:      plan.FailFast,
		PrintFailures: plan.PrintFailures,
		MisaOverride:  plan.Misa,
		Examine:       &examine,
		Console:       out,
		Logger:        logger,
		Bus:           bus,
		Metrics:       recorder,
	})
	if err != nil {
		return code, err
	}
	inner.Close()
	if dropped := inner.Dropped(); dropped > 0 {
		logger.Warn("events dropped during run", "count", dropped)
	}
	if err := recorder.WriteTextfile(plan.MetricsFile); err != nil {
		return code, fmt.Errorf("write metrics: %w", err)
	}
	return code, nil
}

func logNameEcho(out io.Writer, enabled bool) func(name, path string) {
	if !enabled {
		return nil
	}
	return func(name, path string) {
		fmt.Fprintf(out, "Temporary %s log: %s\n", name, path)
	}
}

func toolsFromConfig(cfg config.Config) target.Tools {
	return target.Tools{
		Spike:              cfg.SpikeCommand,
		OpenOCD:            cfg.OpenOCDCommand,
		RiscvPrefix:        cfg.RiscvPrefix,
		DiscoveryTimeout:   cfg.DiscoveryTimeout,
		PollInterval:       cfg.DiscoveryPollInterval,
		ServerStartTimeout: cfg.ServerStartTimeout,
	}
}

func newListCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available targets and tests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listCatalog(cmd.OutOrStdout(), cfg.TargetsDir)
		},
	}
}

func listCatalog(out io.Writer, targetsDir string) error {
	fmt.Fprintf(out, "Targets (%s):\n", targetsDir)
	names, err := target.List(targetsDir)
	if err != nil {
		fmt.Fprintf(out, "  none (%v)\n", err)
	}
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", name)
	}

	fmt.Fprintln(out, "Tests:")
	for _, def := range debugtests.Catalog().All() {
		var tags []string
		if def.Capabilities.Has(suite.MultiHart) {
			tags = append(tags, "multi-hart")
		}
		if def.Capabilities.Has(suite.NoDebugger) {
			tags = append(tags, "no-debugger")
		}
		if len(tags) > 0 {
			fmt.Fprintf(out, "  %s [%s]\n", def.Name, strings.Join(tags, ", "))
			continue
		}
		fmt.Fprintf(out, "  %s\n", def.Name)
	}
	return nil
}
