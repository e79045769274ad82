package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestAwaitPortFindsAnnouncement(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "spike.log")
	writeLog(t, logPath, "+ spike -p1 --rbb-port 0\nListening for remote bitbang connection on port 40123.\n")

	port, err := AwaitPort(context.Background(), Options{
		LogPath:      logPath,
		Pattern:      BitbangPattern,
		Timeout:      time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("await port: %v", err)
	}
	if port != 40123 {
		t.Fatalf("port = %d, want 40123", port)
	}
}

func TestAwaitPortToleratesLateAndPartialWrites(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "spike.log")
	go func() {
		time.Sleep(30 * time.Millisecond)
		f, err := os.Create(logPath)
		if err != nil {
			return
		}
		defer f.Close()
		_, _ = f.WriteString("Listening for remote bitbang conn")
		_ = f.Sync()
		time.Sleep(50 * time.Millisecond)
		_, _ = f.WriteString("ection on port 5555.\n")
	}()

	port, err := AwaitPort(context.Background(), Options{
		LogPath:      logPath,
		Pattern:      BitbangPattern,
		Timeout:      3 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("await port: %v", err)
	}
	if port != 5555 {
		t.Fatalf("port = %d, want 5555", port)
	}
}

func TestAwaitPortTimeoutIsBoundedAndCarriesLog(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "spike.log")
	writeLog(t, logPath, "spike: starting up\n")

	const timeout = 200 * time.Millisecond
	const interval = 50 * time.Millisecond

	started := time.Now()
	_, err := AwaitPort(context.Background(), Options{
		LogPath:      logPath,
		Pattern:      BitbangPattern,
		Timeout:      timeout,
		PollInterval: interval,
	})
	elapsed := time.Since(started)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if elapsed < timeout {
		t.Fatalf("gave up after %s, before the %s timeout", elapsed, timeout)
	}
	// Scheduling slack on top of one poll interval.
	if limit := timeout + interval + 150*time.Millisecond; elapsed > limit {
		t.Fatalf("gave up after %s, want at most %s", elapsed, limit)
	}
	if !strings.Contains(timeoutErr.Log, "spike: starting up") {
		t.Fatalf("timeout log = %q, want captured content", timeoutErr.Log)
	}
}

func TestAwaitPortFailsWhenProcessExits(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "spike.log")
	writeLog(t, logPath, "error: bad isa string\n")

	_, err := AwaitPort(context.Background(), Options{
		LogPath:      logPath,
		Pattern:      BitbangPattern,
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
		Exited:       func() bool { return true },
	})
	var exitedErr *ExitedError
	if !errors.As(err, &exitedErr) {
		t.Fatalf("error = %v, want *ExitedError", err)
	}
	if !strings.Contains(exitedErr.Log, "bad isa") {
		t.Fatalf("exited log = %q", exitedErr.Log)
	}
}

func TestAwaitPortRejectsPatternWithoutGroup(t *testing.T) {
	t.Parallel()

	_, err := AwaitPort(context.Background(), Options{
		LogPath: "unused.log",
		Pattern: regexp.MustCompile(`Listening`),
	})
	if err == nil {
		t.Fatal("expected error for pattern without capture group")
	}
}

func TestAwaitPortHonoursContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := AwaitPort(ctx, Options{
		LogPath:      filepath.Join(t.TempDir(), "missing.log"),
		Pattern:      BitbangPattern,
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestAwaitPortsCollectsUntilReadyMarker(t *testing.T) {
	t.Parallel()

	logPath := filepath.Join(t.TempDir(), "openocd.log")
	writeLog(t, logPath, strings.Join([]string{
		"Info : Listening on port 33001 for gdb connections",
		"Info : Listening on port 33002 for gdb connections",
		"Info : telnet server disabled",
		"Info : Listening on port 33003 for gdb connections",
		"",
	}, "\n"))

	ports, err := AwaitPorts(context.Background(), ScanOptions{
		LogPath:      logPath,
		Port:         GdbPortPattern,
		Ready:        regexp.MustCompile(`telnet server disabled`),
		Timeout:      time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("await ports: %v", err)
	}
	if len(ports) != 2 || ports[0] != 33001 || ports[1] != 33002 {
		t.Fatalf("ports = %v, want [33001 33002]", ports)
	}
}

func TestAwaitPortIgnoresTextBeforeOffset(t *testing.T) {
	t.Parallel()

	header := "+ sh -c echo 'Listening for remote bitbang connection on port 1111.'\n"
	logPath := filepath.Join(t.TempDir(), "spike.log")
	writeLog(t, logPath, header)

	_, err := AwaitPort(context.Background(), Options{
		LogPath:      logPath,
		Pattern:      BitbangPattern,
		Offset:       int64(len(header)),
		Timeout:      80 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError for a header-only log", err)
	}

	writeLog(t, logPath, header+"Listening for remote bitbang connection on port 2222.\n")
	port, err := AwaitPort(context.Background(), Options{
		LogPath:      logPath,
		Pattern:      BitbangPattern,
		Offset:       int64(len(header)),
		Timeout:      time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("await port: %v", err)
	}
	if port != 2222 {
		t.Fatalf("port = %d, want 2222 from process output", port)
	}
}

func TestAwaitPortsIgnoresTextBeforeOffset(t *testing.T) {
	t.Parallel()

	header := "+ sh -c echo 'Listening on port 1 for gdb connections'; echo 'telnet server disabled'\n"
	logPath := filepath.Join(t.TempDir(), "openocd.log")
	writeLog(t, logPath, header+"Info : Listening on port 33001 for gdb connections\n")

	_, err := AwaitPorts(context.Background(), ScanOptions{
		LogPath:      logPath,
		Port:         GdbPortPattern,
		Ready:        regexp.MustCompile(`telnet server disabled`),
		Offset:       int64(len(header)),
		Timeout:      80 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError before the ready marker is printed", err)
	}
	if strings.Contains(timeoutErr.Log, "+ sh -c") {
		t.Fatalf("timeout log includes the header: %q", timeoutErr.Log)
	}
}

func TestEndpointString(t *testing.T) {
	t.Parallel()

	if got := (Endpoint{Host: "localhost", Port: 3333}).String(); got != "localhost:3333" {
		t.Fatalf("endpoint = %q", got)
	}
}

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
}
