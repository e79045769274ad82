package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/riscv-debug/dbgharness/internal/events"
)

const (
	// DefaultTerminationGracePeriod is the SIGTERM grace window before SIGKILL.
	DefaultTerminationGracePeriod = 2 * time.Second

	defaultForcedExitWait = 2 * time.Second
)

// Signaler sends unix signals to a process group or process.
type Signaler interface {
	Signal(pid int, signal syscall.Signal) error
}

type defaultSignaler struct{}

func (defaultSignaler) Signal(pid int, signal syscall.Signal) error {
	return syscall.Kill(pid, signal)
}

// LaunchError reports an external process that could not be started.
type LaunchError struct {
	Name    string
	Command []string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s (%s): %v", e.Name, FormatCommand(e.Command), e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Spec describes one external process to start.
type Spec struct {
	// Name is the human-readable log identifier ("spike", "openocd", "gdb@3333").
	Name    string
	Command []string
	// LogPath receives all stdout/stderr. When empty a temporary file is created.
	LogPath string
	Dir     string
	// Env is appended to the harness environment.
	Env []string
	// Stdin opens a pipe to the process standard input.
	Stdin bool
	// Output receives a copy of everything written to the log.
	Output io.Writer
}

// Options configures a Launcher.
type Options struct {
	Logger         *log.Logger
	Bus            events.Bus
	Signaler       Signaler
	GracePeriod    time.Duration
	ForcedExitWait time.Duration
	// OnLogCreated is invoked with each process log path as soon as it exists.
	OnLogCreated func(name, path string)
}

// Launcher starts external processes with a shared teardown policy.
type Launcher struct {
	logger         *log.Logger
	bus            events.Bus
	signaler       Signaler
	gracePeriod    time.Duration
	forcedExitWait time.Duration
	onLogCreated   func(name, path string)
}

// NewLauncher creates a Launcher with default dependencies where omitted.
func NewLauncher(opts Options) *Launcher {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	signaler := opts.Signaler
	if signaler == nil {
		signaler = defaultSignaler{}
	}

	grace := opts.GracePeriod
	if grace <= 0 {
		grace = DefaultTerminationGracePeriod
	}

	forced := opts.ForcedExitWait
	if forced <= 0 {
		forced = defaultForcedExitWait
	}

	return &Launcher{
		logger:         logger,
		bus:            opts.Bus,
		signaler:       signaler,
		gracePeriod:    grace,
		forcedExitWait: forced,
		onLogCreated:   opts.OnLogCreated,
	}
}

// Handle owns one running external process and its log file.
//
// Terminate must be called on every exit path; it is idempotent.
type Handle struct {
	name    string
	command []string
	logPath string
	// logStart is the length of the command header written ahead of output.
	logStart int64

	cmd     *exec.Cmd
	logFile *os.File
	stdin   io.WriteCloser

	launcher *Launcher
	done     chan struct{}
	waitErr  error

	stdinMu       sync.Mutex
	terminateOnce sync.Once
}

// Launch starts spec.Command with stdout/stderr captured to its log.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	if l == nil {
		return nil, errors.New("launcher is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("process name is required")
	}
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, &LaunchError{Name: name, Command: spec.Command, Err: errors.New("command is required")}
	}

	_, span := otel.Tracer("dbgharness/process").Start(
		ctx,
		"process.launch",
		trace.WithAttributes(
			attribute.String("process.name", name),
			attribute.String("process.command", FormatCommand(spec.Command)),
		),
	)
	defer span.End()

	logFile, err := openLog(name, spec.LogPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &LaunchError{Name: name, Command: spec.Command, Err: err}
	}
	if l.onLogCreated != nil {
		l.onLogCreated(name, logFile.Name())
	}
	header, err := fmt.Fprintf(logFile, "+ %s\n", FormatCommand(spec.Command))
	if err != nil {
		_ = logFile.Close()
		return nil, &LaunchError{Name: name, Command: spec.Command, Err: fmt.Errorf("write log header: %w", err)}
	}

	// #nosec G204 -- commands come from target definitions and harness configuration.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out io.Writer = logFile
	if spec.Output != nil {
		out = io.MultiWriter(logFile, spec.Output)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	var stdin io.WriteCloser
	if spec.Stdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			_ = logFile.Close()
			return nil, &LaunchError{Name: name, Command: spec.Command, Err: fmt.Errorf("open stdin: %w", err)}
		}
	}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &LaunchError{Name: name, Command: spec.Command, Err: err}
	}

	handle := &Handle{
		name:     name,
		command:  append([]string(nil), spec.Command...),
		logPath:  logFile.Name(),
		logStart: int64(header),
		cmd:      cmd,
		logFile:  logFile,
		stdin:    stdin,
		launcher: l,
		done:     make(chan struct{}),
	}
	go handle.wait()

	span.SetAttributes(attribute.Int("process.pid", cmd.Process.Pid))
	span.SetStatus(codes.Ok, "process started")
	l.logger.With("process", name, "pid", cmd.Process.Pid, "log", handle.logPath).Debug("process launched")
	events.Emit(l.bus, events.Event{
		Type:       events.EventTypeProcessLaunched,
		EntityType: "process",
		EntityID:   name,
		Severity:   events.SeverityInfo,
		Payload:    handle.logPath,
	})
	return handle, nil
}

func openLog(name, path string) (*os.File, error) {
	if strings.TrimSpace(path) == "" {
		file, err := os.CreateTemp("", sanitizeName(name)+"-*.log")
		if err != nil {
			return nil, fmt.Errorf("create temporary log: %w", err)
		}
		return file, nil
	}
	// #nosec G304 -- log path is chosen by the harness.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %q: %w", path, err)
	}
	return file, nil
}

func (h *Handle) wait() {
	h.waitErr = h.cmd.Wait()
	close(h.done)
}

// Name returns the log identifier of the process.
func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	return h.name
}

// LogPath returns the path of the file receiving process output.
func (h *Handle) LogPath() string {
	if h == nil {
		return ""
	}
	return h.logPath
}

// OutputOffset is the byte offset in the log where process output begins,
// past the launcher's command header.
func (h *Handle) OutputOffset() int64 {
	if h == nil {
		return 0
	}
	return h.logStart
}

// Pid returns the operating-system process id.
func (h *Handle) Pid() int {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is flushed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has already exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the process wait error once exited.
func (h *Handle) ExitErr() error {
	if !h.Exited() {
		return nil
	}
	return h.waitErr
}

// Write sends p to the process standard input.
func (h *Handle) Write(p []byte) (int, error) {
	if h == nil || h.stdin == nil {
		return 0, errors.New("process stdin is not open")
	}
	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	return h.stdin.Write(p)
}

// Interrupt delivers SIGINT to the process itself.
func (h *Handle) Interrupt() error {
	if h == nil || h.Exited() {
		return nil
	}
	if err := h.launcher.signaler.Signal(h.Pid(), syscall.SIGINT); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("interrupt %s: %w", h.name, err)
	}
	return nil
}

// Terminate stops the process group with SIGTERM, escalating to SIGKILL
// after the grace period, then closes the log. Safe to call repeatedly and
// after the process has already exited.
func (h *Handle) Terminate() {
	if h == nil {
		return
	}
	h.terminateOnce.Do(h.terminate)
}

func (h *Handle) terminate() {
	l := h.launcher
	logger := l.logger.With("process", h.name, "pid", h.Pid())

	if h.stdin != nil {
		_ = h.stdin.Close()
	}

	if !h.Exited() {
		pgid := -h.Pid()
		if err := l.signaler.Signal(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Debug("SIGTERM failed", "err", err)
		}
		if !h.waitForExit(l.gracePeriod) {
			if err := l.signaler.Signal(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
				logger.Debug("SIGKILL failed", "err", err)
			}
			if !h.waitForExit(l.forcedExitWait) {
				logger.Warn("process still running after SIGKILL")
			}
		}
	}

	if err := h.logFile.Close(); err != nil {
		logger.Debug("close process log", "err", err)
	}
	logger.Debug("process terminated")
	events.Emit(l.bus, events.Event{
		Type:       events.EventTypeProcessTerminated,
		EntityType: "process",
		EntityID:   h.name,
		Severity:   events.SeverityInfo,
	})
}

func (h *Handle) waitForExit(window time.Duration) bool {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// FormatCommand renders command for logs and errors.
func FormatCommand(command []string) string {
	sanitized := make([]string, 0, len(command))
	for _, part := range command {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}

func sanitizeName(name string) string {
	replacer := strings.NewReplacer("/", "_", string(os.PathSeparator), "_", "*", "_")
	return replacer.Replace(name)
}
