// Package discovery scrapes dynamically assigned ports out of process logs.
//
// Spawned tools pick an ephemeral port and announce it in their own output.
// The log file is re-read in full on every poll, so partially written lines
// simply fail to match until the writer finishes them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/riscv-debug/dbgharness/internal/events"
)

const (
	// DefaultTimeout bounds a discovery wait when none is configured.
	DefaultTimeout = 30 * time.Second
	// DefaultPollInterval is the delay between log re-reads.
	DefaultPollInterval = 110 * time.Millisecond
)

var (
	// BitbangPattern matches the simulator remote-bitbang announcement.
	BitbangPattern = regexp.MustCompile(`Listening for remote bitbang connection on port (\d+)\.`)
	// GdbPortPattern matches the transport adapter gdb-server announcement.
	GdbPortPattern = regexp.MustCompile(`Listening on port (\d+) for gdb connections`)
	// VPIPortPattern matches an RTL simulator jtag_vpi announcement.
	VPIPortPattern = regexp.MustCompile(`(?m)^Listening on port (\d+)$`)
)

// Endpoint is a host/port pair announced by a process.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// TimeoutError reports that the pattern never appeared in the log.
type TimeoutError struct {
	LogPath string
	Pattern string
	Timeout time.Duration
	// Log is the full log content at the moment the wait gave up.
	Log string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no match for %q in %s after %s", e.Pattern, e.LogPath, e.Timeout)
}

// ExitedError reports that the announcing process died before announcing.
type ExitedError struct {
	LogPath string
	Log     string
}

func (e *ExitedError) Error() string {
	return fmt.Sprintf("process writing %s exited before announcing its port", e.LogPath)
}

// Options configures AwaitPort.
type Options struct {
	LogPath string
	// Pattern must contain one capture group matching a decimal port.
	Pattern      *regexp.Regexp
	Timeout      time.Duration
	PollInterval time.Duration
	// Exited optionally reports early death of the writing process.
	Exited func() bool
	Bus    events.Bus
	// Offset skips leading log bytes that the process did not write, such as
	// the launcher's command header.
	Offset int64
}

// AwaitPort polls opts.LogPath until opts.Pattern matches and returns the
// captured port. It fails with *TimeoutError once opts.Timeout has elapsed.
func AwaitPort(ctx context.Context, opts Options) (int, error) {
	if opts.Pattern == nil {
		return 0, errors.New("discovery pattern is required")
	}
	if opts.Pattern.NumSubexp() < 1 {
		return 0, fmt.Errorf("discovery pattern %q has no capture group", opts.Pattern)
	}

	var port int
	err := poll(ctx, opts.LogPath, opts.Offset, opts.Pattern.String(), opts.Timeout, opts.PollInterval, opts.Exited,
		func(content string) (bool, error) {
			match := opts.Pattern.FindStringSubmatch(content)
			if match == nil {
				return false, nil
			}
			parsed, err := parsePort(match[1])
			if err != nil {
				return false, err
			}
			port = parsed
			return true, nil
		})
	if err != nil {
		return 0, err
	}
	emitPort(opts.Bus, opts.LogPath, port)
	return port, nil
}

// ScanOptions configures AwaitPorts.
type ScanOptions struct {
	LogPath string
	// Port is applied repeatedly; every match contributes one port.
	Port *regexp.Regexp
	// Ready marks the end of startup; ports are returned once it matches.
	Ready        *regexp.Regexp
	Timeout      time.Duration
	PollInterval time.Duration
	Exited       func() bool
	Bus          events.Bus
	Offset       int64
}

// AwaitPorts polls until opts.Ready matches and returns every port announced
// before it, in log order.
func AwaitPorts(ctx context.Context, opts ScanOptions) ([]int, error) {
	if opts.Port == nil || opts.Ready == nil {
		return nil, errors.New("port and ready patterns are required")
	}

	var ports []int
	err := poll(ctx, opts.LogPath, opts.Offset, opts.Ready.String(), opts.Timeout, opts.PollInterval, opts.Exited,
		func(content string) (bool, error) {
			loc := opts.Ready.FindStringIndex(content)
			if loc == nil {
				return false, nil
			}
			found := make([]int, 0, 1)
			for _, match := range opts.Port.FindAllStringSubmatch(content[:loc[0]], -1) {
				parsed, err := parsePort(match[1])
				if err != nil {
					return false, err
				}
				found = append(found, parsed)
			}
			ports = found
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	for _, port := range ports {
		emitPort(opts.Bus, opts.LogPath, port)
	}
	return ports, nil
}

func poll(
	ctx context.Context,
	logPath string,
	offset int64,
	pattern string,
	timeout time.Duration,
	interval time.Duration,
	exited func() bool,
	check func(content string) (bool, error),
) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logPath == "" {
		return errors.New("log path is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	deadline := time.Now().Add(timeout)
	for {
		content, err := readLog(logPath, offset)
		if err != nil {
			return err
		}
		done, err := check(content)
		if err != nil {
			return fmt.Errorf("scan %s: %w", logPath, err)
		}
		if done {
			return nil
		}
		if exited != nil && exited() {
			// One more read: the process may have flushed on exit.
			content, _ = readLog(logPath, offset)
			if done, _ := check(content); done {
				return nil
			}
			return &ExitedError{LogPath: logPath, Log: content}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &TimeoutError{LogPath: logPath, Pattern: pattern, Timeout: timeout, Log: content}
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func readLog(path string, offset int64) (string, error) {
	// #nosec G304 -- path is a harness-owned process log.
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read log %s: %w", path, err)
	}
	if offset >= int64(len(data)) {
		return "", nil
	}
	if offset > 0 {
		data = data[offset:]
	}
	return string(data), nil
}

func parsePort(text string) (int, error) {
	port, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("parse port %q: %w", text, err)
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

func emitPort(bus events.Bus, logPath string, port int) {
	events.Emit(bus, events.Event{
		Type:       events.EventTypePortDiscovered,
		EntityType: "log",
		EntityID:   logPath,
		Severity:   events.SeverityInfo,
		Payload:    port,
	})
}
