package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

func TestNewWritesJSONUnderDir(t *testing.T) {
	dir := t.TempDir()

	logger, err := New(context.Background(), WithDir(dir))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("suite started", "target", "spike64")
	logger.Debug("filtered out")
	if err := logger.Close(); err != nil {
		t.Fatalf("close logger: %v", err)
	}

	if filepath.Dir(logger.Path()) != dir {
		t.Fatalf("log path %q not under %q", logger.Path(), dir)
	}
	base := filepath.Base(logger.Path())
	if !strings.HasPrefix(base, "dbgtest-") || !strings.HasSuffix(base, fmt.Sprintf("-%d.log", os.Getpid())) {
		t.Fatalf("log file name = %q", base)
	}

	records := readRecords(t, logger.Path())
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2: %v", len(records), records)
	}
	if records[0]["msg"] != "runtime log opened" || records[0]["path"] != logger.Path() {
		t.Fatalf("first record = %v", records[0])
	}
	if records[1]["msg"] != "suite started" || records[1]["target"] != "spike64" {
		t.Fatalf("second record = %v", records[1])
	}
	if records[1]["pid"] != float64(os.Getpid()) {
		t.Fatalf("pid field = %v", records[1]["pid"])
	}
}

func TestWithLevelDebugKeepsDebugRecords(t *testing.T) {
	logger, err := New(context.Background(), WithDir(t.TempDir()), WithLevel(log.DebugLevel))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Debug("session command", "command", "info registers")
	if err := logger.Close(); err != nil {
		t.Fatalf("close logger: %v", err)
	}

	records := readRecords(t, logger.Path())
	if got := records[len(records)-1]["command"]; got != "info registers" {
		t.Fatalf("debug record missing, last = %v", records[len(records)-1])
	}
}

func TestNewPrunesOldestLogs(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, fmt.Sprintf("dbgtest-old-%d.log", i))
		if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		stamp := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	logger, err := New(context.Background(), WithDir(dir), WithKeep(3))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })

	for _, name := range []string{"dbgtest-old-0.log", "dbgtest-old-1.log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s should have been pruned (err=%v)", name, err)
		}
	}
	for _, path := range []string{
		filepath.Join(dir, "dbgtest-old-2.log"),
		filepath.Join(dir, "dbgtest-old-3.log"),
		unrelated,
		logger.Path(),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s should survive: %v", path, err)
		}
	}
}

func TestWithKeepZeroKeepsEverything(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("dbgtest-%d.log", i)), nil, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	logger, err := New(context.Background(), WithDir(dir), WithKeep(0))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}
}

func TestParseLevel(t *testing.T) {
	for text, want := range map[string]log.Level{
		"debug":  log.DebugLevel,
		" INFO ": log.InfoLevel,
		"warn":   log.WarnLevel,
		"error":  log.ErrorLevel,
	} {
		got, err := ParseLevel(text)
		if err != nil {
			t.Fatalf("parse %q: %v", text, err)
		}
		if got != want {
			t.Fatalf("parse %q = %v, want %v", text, got, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestCorrelateAddsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	logger := log.NewWithOptions(&buf, log.Options{Formatter: log.JSONFormatter})

	Correlate(context.Background(), logger).Info("no span")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))
	Correlate(ctx, logger).Info("with span")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2:\n%s", len(lines), buf.String())
	}
	if strings.Contains(lines[0], "trace_id") {
		t.Fatalf("uncorrelated record has trace_id: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`) ||
		!strings.Contains(lines[1], `"span_id":"00f067aa0ba902b7"`) {
		t.Fatalf("correlated record = %s", lines[1])
	}
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	var logger *RuntimeLogger
	if logger.Path() != "" {
		t.Fatalf("nil path = %q", logger.Path())
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if Correlate(context.Background(), nil) != nil {
		t.Fatal("nil logger should stay nil")
	}
}

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}
