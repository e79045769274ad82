package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// Tool is one short-lived external command such as a cross compiler.
type Tool struct {
	Name string
	Args []string
	Dir  string
	// Kind labels the span, e.g. "compile".
	Kind string
}

// Result carries the outcome of a finished tool run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ToolError reports a tool that could not run or exited non-zero.
type ToolError struct {
	Command string
	Result  Result
	Err     error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %v", e.Command, e.Err)
	if e.Result.Stdout != "" {
		b.WriteString("\n")
		b.WriteString(e.Result.Stdout)
	}
	if e.Result.Stderr != "" {
		b.WriteString("\n")
		b.WriteString(e.Result.Stderr)
	}
	return b.String()
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// RunTool runs tool to completion inside a "tool.exec" span. Output is kept
// in full on the Result and attached to the span in bounded events.
func RunTool(ctx context.Context, tool Tool) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return Result{}, errors.New("tool name must not be empty")
	}
	kind := tool.Kind
	if kind == "" {
		kind = "exec"
	}

	_, span := otel.Tracer("dbgharness/tracing/tools").Start(
		ctx,
		"tool.exec",
		trace.WithAttributes(
			attribute.String("tool_name", name),
			attribute.String("tool_kind", kind),
			attribute.String("command", FormatCommand(name, tool.Args)),
			attribute.String("cwd", tool.Dir),
		),
	)
	defer span.End()

	started := time.Now()
	cmd := exec.CommandContext(ctx, name, tool.Args...)
	cmd.Dir = tool.Dir

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		ExitCode: resolveExitCode(ctx, cmd, err),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(started),
	}

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	if result.Stdout != "" {
		span.AddEvent("tool.stdout", trace.WithAttributes(
			attribute.String("output", truncateOutput(result.Stdout, maxOutputEventBytes)),
		))
	}
	if result.Stderr != "" {
		span.AddEvent("tool.stderr", trace.WithAttributes(
			attribute.String("output", truncateOutput(result.Stderr, maxOutputEventBytes)),
		))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, &ToolError{Command: FormatCommand(name, tool.Args), Result: result, Err: err}
	}
	span.SetStatus(codes.Ok, kind+" completed")
	return result, nil
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// FormatCommand returns a single-line command preview for traces and logs.
func FormatCommand(toolName string, args []string) string {
	parts := append([]string{strings.TrimSpace(toolName)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}
