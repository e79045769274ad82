// Package runner executes a list of test definitions against one target,
// one test at a time, and aggregates their outcomes.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/riscv-debug/dbgharness/internal/check"
	"github.com/riscv-debug/dbgharness/internal/events"
	"github.com/riscv-debug/dbgharness/internal/logging"
	"github.com/riscv-debug/dbgharness/internal/metrics"
	"github.com/riscv-debug/dbgharness/internal/suite"
)

// Outcome classifies one finished test.
type Outcome string

const (
	OutcomePass          Outcome = "pass"
	OutcomeNotApplicable Outcome = "not_applicable"
	OutcomeFail          Outcome = "fail"
	OutcomeException     Outcome = "exception"
)

// Bad reports whether o makes the run fail.
func (o Outcome) Bad() bool {
	return o != OutcomePass && o != OutcomeNotApplicable
}

// Result is the record of one executed test.
type Result struct {
	Name    string
	Outcome Outcome
	Message string
	LogPath string
	Elapsed time.Duration
}

// Options configures a Runner.
type Options struct {
	// LogDir receives one log file per test. Defaults to "logs".
	LogDir string
	// Filters keep tests whose name contains any entry.
	Filters []string
	// FailFast stops the run after the first bad outcome.
	FailFast bool
	// PrintFailures echoes the log of a bad test to the console.
	PrintFailures bool
	// MisaOverride, when non-zero, replaces every hart's misa and skips
	// target examination.
	MisaOverride uint64
	// Examine runs first when a hart's misa is unknown.
	Examine *suite.Definition

	Console io.Writer
	Logger  *log.Logger
	Bus     events.Bus
	Metrics *metrics.Recorder
	Now     func() time.Time
}

// Runner executes tests sequentially.
type Runner struct {
	opts    Options
	logger  *log.Logger
	console *console
	now     func() time.Time
}

// New returns a Runner with defaults applied.
func New(opts Options) *Runner {
	if strings.TrimSpace(opts.LogDir) == "" {
		opts.LogDir = "logs"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	out := opts.Console
	if out == nil {
		out = io.Discard
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		opts:    opts,
		logger:  logger,
		console: newConsole(out),
		now:     now,
	}
}

// RunSuite runs defs against tgt and returns the process exit code.
func RunSuite(ctx context.Context, defs []suite.Definition, tgt suite.Target, prov suite.Provisioner, opts Options) (int, error) {
	summary, err := New(opts).Run(ctx, tgt, prov, defs)
	if err != nil {
		return 1, err
	}
	summary.Write(opts.Console)
	return summary.ExitCode(), nil
}

// Run executes the selected tests in order. The error is non-nil only when
// the run could not start at all.
func (r *Runner) Run(ctx context.Context, tgt suite.Target, prov suite.Provisioner, defs []suite.Definition) (*Summary, error) {
	if tgt == nil || prov == nil {
		return nil, errors.New("target and provisioner are required")
	}
	if err := os.MkdirAll(r.opts.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	runID := uuid.New().String()
	ctx, span := otel.Tracer("dbgharness/runner").Start(ctx, "suite.run",
		trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("target", tgt.Name()),
		),
	)
	defer span.End()
	logger := logging.Correlate(ctx, r.logger.With("run_id", runID, "target", tgt.Name()))

	queue := r.plan(tgt, defs)
	logger.Info("run starting", "tests", len(queue))

	start := r.now()
	summary := &Summary{RunID: runID, Target: tgt.Name()}
	for _, def := range queue {
		if err := ctx.Err(); err != nil {
			logger.Warn("run cancelled", "error", err)
			break
		}
		result := r.runOne(ctx, tgt, prov, def, logger)
		summary.Results = append(summary.Results, result)
		if result.Outcome.Bad() && r.opts.FailFast {
			logger.Info("stopping after first bad outcome", "test", result.Name)
			break
		}
	}
	summary.Elapsed = r.now().Sub(start)
	r.opts.Metrics.RecordRun(summary.Elapsed)

	counts := summary.Counts()
	for outcome, n := range counts {
		span.SetAttributes(attribute.Int("outcome."+string(outcome), n))
	}
	if summary.ExitCode() != 0 {
		span.SetStatus(codes.Error, "bad outcomes")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	logger.Info("run finished", "tests", len(summary.Results), "elapsed", summary.Elapsed)
	return summary, nil
}

// plan applies the misa override and filters, and prepends target
// examination when a hart's misa is still unknown.
func (r *Runner) plan(tgt suite.Target, defs []suite.Definition) []suite.Definition {
	if r.opts.MisaOverride != 0 {
		for _, hart := range tgt.Harts() {
			hart.Misa = r.opts.MisaOverride
		}
	}

	queue := Filter(defs, r.opts.Filters)
	if r.opts.Examine == nil || r.opts.MisaOverride != 0 {
		return queue
	}
	for _, hart := range tgt.Harts() {
		if !hart.MisaKnown() {
			return append([]suite.Definition{*r.opts.Examine}, queue...)
		}
	}
	return queue
}

// Filter keeps defs whose name contains any filter. No filters keeps all.
func Filter(defs []suite.Definition, filters []string) []suite.Definition {
	if len(filters) == 0 {
		return defs
	}
	kept := make([]suite.Definition, 0, len(defs))
	for _, def := range defs {
		for _, filter := range filters {
			if strings.Contains(def.Name, filter) {
				kept = append(kept, def)
				break
			}
		}
	}
	return kept
}

func (r *Runner) runOne(ctx context.Context, tgt suite.Target, prov suite.Provisioner, def suite.Definition, logger *log.Logger) Result {
	start := r.now()
	result := Result{Name: def.Name}
	result.LogPath = filepath.Join(r.opts.LogDir,
		fmt.Sprintf("%s-%s-%s.log", start.Format("20060102-150405"), tgt.Name(), def.Name))

	ctx, span := otel.Tracer("dbgharness/runner").Start(ctx, "test.run",
		trace.WithAttributes(
			attribute.String("test", def.Name),
			attribute.String("log_path", result.LogPath),
		),
	)
	defer span.End()

	r.console.starting(def.Name, result.LogPath)
	file, err := os.Create(result.LogPath)
	if err != nil {
		result.Outcome = OutcomeException
		result.Message = fmt.Sprintf("create test log: %v", err)
	} else {
		fmt.Fprintf(file, "Test: %s\n", def.Name)
		fmt.Fprintf(file, "Target: %s\n", tgt.Name())
		result.Outcome, result.Message = r.execute(ctx, tgt, prov, def, file)
		result.Elapsed = r.now().Sub(start)
		fmt.Fprintf(file, "Result: %s\n", result.Outcome)
		fmt.Fprintf(file, "Time elapsed: %.2fs\n", result.Elapsed.Seconds())
		if closeErr := file.Close(); closeErr != nil {
			logger.Warn("close test log", "path", result.LogPath, "error", closeErr)
		}
	}
	if result.Elapsed == 0 {
		result.Elapsed = r.now().Sub(start)
	}

	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if result.Outcome.Bad() {
		span.SetStatus(codes.Error, result.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	r.console.finished(result)
	if result.Outcome.Bad() && r.opts.PrintFailures {
		r.console.echoLog(result.LogPath)
	}

	logger.Info("test finished",
		"test", result.Name,
		"outcome", result.Outcome,
		"elapsed", result.Elapsed,
		"log", result.LogPath,
	)
	r.opts.Metrics.RecordTest(tgt.Name(), string(result.Outcome), result.Elapsed)
	severity := events.SeverityInfo
	if result.Outcome.Bad() {
		severity = events.SeverityError
	}
	events.Emit(r.opts.Bus, events.Event{
		Type:       events.EventTypeTestOutcome,
		EntityType: "test",
		EntityID:   result.Name,
		Payload:    result,
		Severity:   severity,
	})
	return result
}

// execute drives one test lifecycle. Teardown runs whenever setup was
// reached, and the fixture is always released.
func (r *Runner) execute(ctx context.Context, tgt suite.Target, prov suite.Provisioner, def suite.Definition, out io.Writer) (Outcome, string) {
	tc := def.New()
	if tc == nil {
		return OutcomeException, "test constructor returned nil"
	}
	if def.Capabilities.Has(suite.MultiHart) && !tgt.SupportsMultiHart() {
		suite.Header(out, "Message")
		fmt.Fprintln(out, "target does not support multiple harts")
		return OutcomeNotApplicable, "target does not support multiple harts"
	}
	if early, ok := tc.(suite.EarlyApplicable); ok && !early.EarlyApplicable(tgt) {
		suite.Header(out, "Message")
		fmt.Fprintln(out, "not applicable to this target")
		return OutcomeNotApplicable, "not applicable to this target"
	}

	var (
		env         *suite.Env
		provisioned bool
	)
	err := protect(func() error {
		var err error
		env, err = prov.Provision(ctx, def, out)
		if err != nil {
			return fmt.Errorf("provision: %w", err)
		}
		provisioned = true
		if err := tc.Setup(ctx, env); err != nil {
			return err
		}
		return tc.Run(ctx, env)
	})
	outcome, message := classify(err)

	if outcome.Bad() {
		writeDiagnostics(out, err)
		if pm, ok := tc.(suite.PostMortem); ok && provisioned {
			if pmErr := protect(func() error { return pm.PostMortem(ctx, env) }); pmErr != nil {
				suite.Header(out, "postMortem Exception")
				fmt.Fprintln(out, pmErr)
			}
		}
		if env != nil {
			if pmErr := protect(func() error { prov.PostMortem(ctx, env); return nil }); pmErr != nil {
				suite.Header(out, "postMortem Exception")
				fmt.Fprintln(out, pmErr)
			}
		}
	}

	if provisioned {
		if tdErr := protect(func() error { return tc.Teardown(ctx, env) }); tdErr != nil {
			suite.Header(out, "Teardown Exception")
			writeError(out, tdErr)
			if !outcome.Bad() {
				outcome, message = OutcomeException, "teardown: "+tdErr.Error()
			}
		}
	}
	if env != nil {
		if relErr := protect(func() error { prov.Release(env); return nil }); relErr != nil {
			suite.Header(out, "Release Exception")
			writeError(out, relErr)
			if !outcome.Bad() {
				outcome, message = OutcomeException, "release: "+relErr.Error()
			}
		}
	}
	return outcome, message
}

func classify(err error) (Outcome, string) {
	switch {
	case err == nil:
		return OutcomePass, ""
	case check.IsNotApplicable(err):
		return OutcomeNotApplicable, err.Error()
	case check.IsFailure(err):
		return OutcomeFail, err.Error()
	default:
		return OutcomeException, err.Error()
	}
}

// PanicError is a panic recovered at the single-test boundary.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func protect(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Value: recovered, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func writeDiagnostics(out io.Writer, err error) {
	if err == nil {
		return
	}
	suite.Header(out, "Message")
	fmt.Fprintln(out, err)
	suite.Header(out, "Traceback")
	writeError(out, err)
}

func writeError(out io.Writer, err error) {
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		fmt.Fprintln(out, panicErr.Error())
		_, _ = out.Write(panicErr.Stack)
		return
	}
	var tracer stackTracer
	hasStack := errors.As(err, &tracer)
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(out, "%s%T: %v\n", strings.Repeat("  ", depth), err, err)
		err = errors.Unwrap(err)
	}
	if hasStack {
		fmt.Fprintf(out, "%+v\n", tracer.StackTrace())
	}
}

// stackTracer is implemented by errors built with github.com/pkg/errors.
type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}
