package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/riscv-debug/dbgharness/internal/events"
	"github.com/riscv-debug/dbgharness/internal/process"
)

const (
	// DefaultTimeout bounds every wait that does not name its own timeout.
	DefaultTimeout = 60 * time.Second

	compactThreshold = 1 << 16
)

var (
	// GdbPrompt is the terminator printed by gdb when it is ready for input.
	GdbPrompt = regexp.MustCompile(`\(gdb\) ?`)

	cannotAccessPattern = regexp.MustCompile(`Cannot access memory at address (0x[0-9a-fA-F]+)`)
)

// Frontend is the process side of a session: stdin plus lifecycle control.
type Frontend interface {
	io.Writer
	Interrupt() error
	Terminate()
	Done() <-chan struct{}
}

// Options configures a Session.
type Options struct {
	Name    string
	Prompt  *regexp.Regexp
	Timeout time.Duration
	Logger  *log.Logger
	Bus     events.Bus
}

// Session drives one interactive front-end process with prompt
// synchronization. It is not safe for concurrent use by multiple callers;
// output arrives concurrently through Output.
type Session struct {
	name    string
	prompt  *regexp.Regexp
	timeout time.Duration
	logger  *log.Logger
	bus     events.Bus
	logPath string

	mu       sync.Mutex
	buf      []byte
	cursor   int
	changed  chan struct{}
	state    State
	frontend Frontend

	closeOnce sync.Once
}

// New creates a detached session; Attach binds it to a front-end.
func New(opts Options) *Session {
	prompt := opts.Prompt
	if prompt == nil {
		prompt = GdbPrompt
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "session"
	}
	return &Session{
		name:    name,
		prompt:  prompt,
		timeout: timeout,
		logger:  logger.With("session", name),
		bus:     opts.Bus,
		changed: make(chan struct{}),
		state:   StateDisconnected,
	}
}

// Open launches spec as the session front-end. The session owns the process.
func Open(ctx context.Context, launcher *process.Launcher, spec process.Spec, opts Options) (*Session, error) {
	if launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		opts.Name = spec.Name
	}
	s := New(opts)
	spec.Stdin = true
	spec.Output = s.Output()
	handle, err := launcher.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.logPath = handle.LogPath()
	if err := s.Attach(handle); err != nil {
		handle.Terminate()
		return nil, err
	}
	return s, nil
}

// Attach binds a running front-end and moves the session to Connecting.
func (s *Session) Attach(fe Frontend) error {
	if fe == nil {
		return errors.New("frontend is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StateConnecting); err != nil {
		return err
	}
	s.frontend = fe
	return nil
}

// Output is the sink for everything the front-end prints.
func (s *Session) Output() io.Writer {
	return outputSink{s: s}
}

type outputSink struct {
	s *Session
}

func (o outputSink) Write(p []byte) (int, error) {
	s := o.s
	s.mu.Lock()
	s.buf = append(s.buf, p...)
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
	return len(p), nil
}

// Name returns the session log identifier.
func (s *Session) Name() string {
	return s.name
}

// LogPath returns the front-end transcript path when the session was opened
// through Open.
func (s *Session) LogPath() string {
	return s.logPath
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait blocks until the prompt appears, e.g. after startup.
func (s *Session) Wait(timeout time.Duration) (string, error) {
	return s.Expect(s.prompt, timeout)
}

// Send issues command with the default timeout. See SendTimeout.
func (s *Session) Send(command string) (string, error) {
	return s.SendTimeout(command, s.timeout)
}

// SendTimeout writes command as one line and returns the output produced
// before the next prompt. When the response reports an inaccessible address
// the output is returned together with a *MemoryAccessError.
func (s *Session) SendTimeout(command string, timeout time.Duration) (string, error) {
	_, span := otel.Tracer("dbgharness/session").Start(
		context.Background(),
		"session.command",
		trace.WithAttributes(
			attribute.String("session", s.name),
			attribute.String("command", command),
		),
	)
	defer span.End()

	if err := s.SendLine(command); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	output, err := s.Expect(s.prompt, timeout)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	output = clean(output)
	if err := CheckMemoryAccess(output); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return output, err
	}
	span.SetStatus(codes.Ok, "prompt seen")
	return output, nil
}

// SendLine writes command without waiting for any response.
func (s *Session) SendLine(command string) error {
	s.mu.Lock()
	if err := s.transitionLocked(StateBusy); err != nil {
		s.mu.Unlock()
		return err
	}
	fe := s.frontend
	s.mu.Unlock()

	s.logger.Debug("send", "command", command)
	events.Emit(s.bus, events.Event{
		Type:       events.EventTypeSessionCommand,
		EntityType: "session",
		EntityID:   s.name,
		Severity:   events.SeverityInfo,
		Payload:    command,
	})
	if _, err := io.WriteString(fe, command+"\n"); err != nil {
		return fmt.Errorf("write to %s: %w", s.name, err)
	}
	return nil
}

// Interrupt sends a break to the front-end instead of a line and waits for
// the prompt.
func (s *Session) Interrupt(timeout time.Duration) (string, error) {
	s.mu.Lock()
	fe := s.frontend
	s.mu.Unlock()
	if fe == nil {
		return "", errors.New("session is not attached")
	}
	if err := fe.Interrupt(); err != nil {
		return "", fmt.Errorf("interrupt %s: %w", s.name, err)
	}
	output, err := s.Expect(s.prompt, timeout)
	if err != nil {
		return "", err
	}
	return clean(output), nil
}

// ExpectString waits for the literal text.
func (s *Session) ExpectString(text string, timeout time.Duration) (string, error) {
	return s.Expect(regexp.MustCompile(regexp.QuoteMeta(text)), timeout)
}

// Expect waits until pattern matches unread output and returns the text
// before the match, consuming through the end of the match. On timeout the
// unread output is left in place and carried by *TimeoutError.
func (s *Session) Expect(pattern *regexp.Regexp, timeout time.Duration) (string, error) {
	if pattern == nil {
		return "", errors.New("pattern is required")
	}
	if timeout <= 0 {
		timeout = s.timeout
	}

	s.mu.Lock()
	if s.frontend == nil {
		s.mu.Unlock()
		return "", errors.New("session is not attached")
	}
	done := s.frontend.Done()
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	exited := false
	for {
		s.mu.Lock()
		pending := s.buf[s.cursor:]
		if loc := pattern.FindIndex(pending); loc != nil {
			before := string(pending[:loc[0]])
			s.cursor += loc[1]
			s.compactLocked()
			if pattern == s.prompt {
				_ = s.transitionLocked(StateReady)
			}
			s.mu.Unlock()
			return before, nil
		}
		if exited {
			partial := string(pending)
			_ = s.transitionLocked(StateDisconnected)
			s.mu.Unlock()
			return "", &ExitedError{Session: s.name, Pattern: pattern.String(), Partial: partial}
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-done:
			exited = true
			done = nil
		case <-timer.C:
			s.mu.Lock()
			partial := string(s.buf[s.cursor:])
			_ = s.transitionLocked(StateTimedOut)
			s.mu.Unlock()
			s.logger.Warn("timed out", "pattern", pattern.String(), "timeout", timeout)
			events.Emit(s.bus, events.Event{
				Type:       events.EventTypeSessionTimeout,
				EntityType: "session",
				EntityID:   s.name,
				Severity:   events.SeverityWarn,
				Payload:    pattern.String(),
			})
			return "", &TimeoutError{Session: s.name, Pattern: pattern.String(), Timeout: timeout, Partial: partial}
		}
	}
}

// Close terminates the front-end process. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		fe := s.frontend
		_ = s.transitionLocked(StateClosed)
		s.mu.Unlock()
		if fe != nil {
			fe.Terminate()
		}
	})
}

func (s *Session) compactLocked() {
	if s.cursor < compactThreshold {
		return
	}
	s.buf = append([]byte(nil), s.buf[s.cursor:]...)
	s.cursor = 0
}

// CheckMemoryAccess returns *MemoryAccessError when output reports an
// inaccessible address.
func CheckMemoryAccess(output string) error {
	match := cannotAccessPattern.FindStringSubmatch(output)
	if match == nil {
		return nil
	}
	address, err := strconv.ParseUint(match[1], 0, 64)
	if err != nil {
		return fmt.Errorf("parse faulting address %q: %w", match[1], err)
	}
	return &MemoryAccessError{Address: address}
}

func clean(output string) string {
	return strings.Trim(stripansi.Strip(output), " \t\r\n\x00")
}
