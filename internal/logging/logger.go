// Package logging owns the harness's own JSON log. Per-test transcripts are
// written by the runner, not here.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	filePrefix  = "dbgtest-"
	fileSuffix  = ".log"
	defaultKeep = 20
)

var nowFn = time.Now

// Option configures New.
type Option func(*options)

type options struct {
	dir   string
	level log.Level
	keep  int
}

// WithDir writes the log under dir instead of ~/.dbgtest/logs.
func WithDir(dir string) Option {
	return func(opts *options) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// WithLevel sets the minimum level written to the file.
func WithLevel(level log.Level) Option {
	return func(opts *options) {
		opts.level = level
	}
}

// WithKeep caps how many runtime logs survive in the directory, the new one
// included. Values below 1 keep everything.
func WithKeep(n int) Option {
	return func(opts *options) {
		opts.keep = n
	}
}

// RuntimeLogger is an open runtime log file and the logger writing to it.
type RuntimeLogger struct {
	*log.Logger
	file *os.File
	path string
}

// New opens a fresh runtime log and prunes the oldest ones beyond the keep
// limit. Nothing is written to stdout.
func New(ctx context.Context, opts ...Option) (*RuntimeLogger, error) {
	resolved := options{level: log.InfoLevel, keep: defaultKeep}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}

	dir := resolved.dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".dbgtest", "logs")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := fmt.Sprintf("%s%s-%d%s", filePrefix, nowFn().UTC().Format("20060102-150405"), os.Getpid(), fileSuffix)
	path := filepath.Join(dir, name)
	// #nosec G304 -- path is built from the configured log directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.JSONFormatter,
	}).With("pid", os.Getpid())

	pruned, err := prune(dir, name, resolved.keep)
	if err != nil {
		logger.Warn("pruning old runtime logs failed", "error", err)
	}
	Correlate(ctx, logger).Info("runtime log opened", "path", path, "pruned", pruned)

	return &RuntimeLogger{Logger: logger, file: file, path: path}, nil
}

// ParseLevel accepts debug, info, warn or error.
func ParseLevel(text string) (log.Level, error) {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(text)))
	if err != nil {
		return log.InfoLevel, fmt.Errorf("unknown log level %q", text)
	}
	return level, nil
}

// Correlate returns logger tagged with the trace and span IDs recorded in
// ctx, or logger unchanged when ctx carries no sampled span.
func Correlate(ctx context.Context, logger *log.Logger) *log.Logger {
	if ctx == nil || logger == nil {
		return logger
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}

// Path returns the log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Close closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// prune deletes the oldest runtime logs in dir so that at most keep remain.
// current is never removed.
func prune(dir, current string, keep int) (int, error) {
	if keep < 1 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	type candidate struct {
		name string
		mod  time.Time
	}
	var old []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == current || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		old = append(old, candidate{name: name, mod: info.ModTime()})
	}
	if len(old) < keep {
		return 0, nil
	}
	sort.Slice(old, func(i, j int) bool {
		if old[i].mod.Equal(old[j].mod) {
			return old[i].name > old[j].name
		}
		return old[i].mod.After(old[j].mod)
	})

	removed := 0
	for _, c := range old[keep-1:] {
		if err := os.Remove(filepath.Join(dir, c.name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
