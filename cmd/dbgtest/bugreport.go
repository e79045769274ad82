package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/riscv-debug/dbgharness/internal/config"
	"github.com/riscv-debug/dbgharness/internal/target"
)

const (
	bugreportRuntimeLogLimit = 3
	bugreportTestLogLimit    = 5
	redactedValue            = `"***REDACTED***"`
)

var (
	bugreportNowFn     = func() time.Time { return time.Now().UTC() }
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
	bugreportToolsFn = target.CheckTools
)

var sensitiveTokens = []string{"token", "password", "secret", "api_key", "apikey", "auth", "credential"}

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Bundle recent logs, config, the selected target and tool availability into a tarball",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), *cfg)
		},
	}
}

// bundle streams named entries into a gzipped tarball and remembers what it
// wrote and what it had to skip.
type bundle struct {
	tw       *tar.Writer
	modTime  time.Time
	entries  []string
	warnings []string
}

func (b *bundle) add(name string, data []byte) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o600,
		Size:     int64(len(data)),
		ModTime:  b.modTime,
		Typeflag: tar.TypeReg,
	}
	if err := b.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := b.tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	b.entries = append(b.entries, name)
	return nil
}

func (b *bundle) warnf(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func runBugReport(ctx context.Context, out io.Writer, cfg config.Config) error {
	home, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if home = filepath.Clean(home); strings.TrimSpace(home) == "" || home == "." {
		return errors.New("home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	now := bugreportNowFn()
	dest := filepath.Join(cwd, fmt.Sprintf(".dbgtest-bugreport-%s.tar.gz", now.Format("20060102-150405")))
	if err := writeBundle(dest, now, func(b *bundle) error {
		return fillBundle(ctx, b, cfg, home, cwd)
	}); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", dest); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

// writeBundle builds the archive next to dest and renames it into place once
// complete, so a failed run never leaves a truncated tarball behind.
func writeBundle(dest string, now time.Time, fill func(*bundle) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".dbgtest-bugreport-*.partial")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	gz := gzip.NewWriter(tmp)
	b := &bundle{tw: tar.NewWriter(gz), modTime: now}
	fillErr := fill(b)
	for _, closer := range []io.Closer{b.tw, gz, tmp} {
		if closeErr := closer.Close(); closeErr != nil && fillErr == nil {
			fillErr = fmt.Errorf("finish archive: %w", closeErr)
		}
	}
	if fillErr != nil {
		return fillErr
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("move archive into place: %w", err)
	}
	return nil
}

func fillBundle(ctx context.Context, b *bundle, cfg config.Config, home, cwd string) error {
	runtimeDir := cfg.RuntimeLogDir
	if runtimeDir == "" {
		runtimeDir = filepath.Join(home, ".dbgtest", "logs")
	}
	runtimeLogs, err := addNewest(b, runtimeDir, "logs", bugreportRuntimeLogLimit, "runtime")
	if err != nil {
		return err
	}

	testDir := cfg.LogDir
	if testDir != "" && !filepath.IsAbs(testDir) {
		testDir = filepath.Join(cwd, testDir)
	}
	testLogs, err := addNewest(b, testDir, "test-logs", bugreportTestLogLimit, "test")
	if err != nil {
		return err
	}
	if len(testLogs) > 0 {
		if err := b.add("results.txt", []byte(summarizeTestLogs(testLogs))); err != nil {
			return err
		}
	}

	runID, traceID := lastCorrelation(runtimeLogs)
	if runID == "" && traceID == "" {
		b.warnf("no run_id/trace_id found in runtime logs")
	}

	steps := []struct {
		name string
		data func() []byte
	}{
		{"last-run.txt", func() []byte { return []byte(fmt.Sprintf("run_id: %s\ntrace_id: %s\n", runID, traceID)) }},
		{"version.txt", func() []byte { return []byte(fmt.Sprintf("dbgtest version: %s\n", strings.TrimSpace(Version))) }},
		{"config.toml", func() []byte { return overlayConfigs(b, home, cwd) }},
		{"tools.txt", func() []byte { return toolsReport(cfg) }},
		{"git-state.txt", func() []byte { return gitState(ctx, cwd) }},
	}
	for _, step := range steps {
		if err := b.add(step.name, step.data()); err != nil {
			return err
		}
	}
	if err := addTargetFile(b, cfg, cwd); err != nil {
		return err
	}
	return b.add("README.txt", []byte(bugreportReadme(b, runID, traceID)))
}

type datedFile struct {
	path    string
	modTime time.Time
}

// addNewest copies the newest limit files of dir under prefix/ and returns
// the source paths that made it in.
func addNewest(b *bundle, dir, prefix string, limit int, kind string) ([]string, error) {
	if dir == "" {
		b.warnf("no %s log directory configured", kind)
		return nil, nil
	}
	files, err := newestFiles(dir, limit)
	if err != nil {
		b.warnf("unable to read %s logs directory: %v", kind, err)
		return nil, nil
	}
	if len(files) == 0 {
		b.warnf("no %s logs found in %s", kind, dir)
		return nil, nil
	}

	var added []string
	for _, file := range files {
		// #nosec G304 -- file comes from listing a configured log directory.
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			b.warnf("unable to read log %s: %v", file.path, readErr)
			continue
		}
		if err := b.add(prefix+"/"+filepath.Base(file.path), data); err != nil {
			return added, err
		}
		added = append(added, file.path)
	}
	return added, nil
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

// summarizeTestLogs lists each bundled test log with the outcome recorded on
// its "Result:" line.
func summarizeTestLogs(paths []string) string {
	var builder strings.Builder
	for _, path := range paths {
		fmt.Fprintf(&builder, "%-16s %s\n", testLogResult(path), filepath.Base(path))
	}
	return builder.String()
}

func testLogResult(path string) string {
	// #nosec G304 -- path was selected from the test log directory.
	file, err := os.Open(path)
	if err != nil {
		return "unreadable"
	}
	defer file.Close()

	result := "unknown"
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if rest, ok := strings.CutPrefix(scanner.Text(), "Result: "); ok {
			result = strings.TrimSpace(rest)
		}
	}
	return result
}

// lastCorrelation returns the run and trace IDs of the most recent record
// carrying either, searching logs newest first.
func lastCorrelation(paths []string) (runID, traceID string) {
	for _, path := range paths {
		// #nosec G304 -- path was selected from the runtime log directory.
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			var record map[string]any
			if json.Unmarshal([]byte(lines[i]), &record) != nil {
				continue
			}
			runID, traceID = asString(record["run_id"]), asString(record["trace_id"])
			if runID != "" || traceID != "" {
				return runID, traceID
			}
		}
	}
	return "", ""
}

func asString(value any) string {
	text, _ := value.(string)
	return strings.TrimSpace(text)
}

// overlayConfigs concatenates the home and project config files in overlay
// order with secret-looking values redacted.
func overlayConfigs(b *bundle, home, cwd string) []byte {
	var builder strings.Builder
	for _, path := range []string{
		filepath.Join(home, ".dbgtest", "config.toml"),
		filepath.Join(cwd, ".dbgtest", "config.toml"),
	} {
		// #nosec G304 -- fixed overlay locations.
		data, err := os.ReadFile(path)
		if err != nil {
			b.warnf("unable to read config %s: %v", path, err)
			continue
		}
		fmt.Fprintf(&builder, "# %s\n%s\n", path, redactSensitiveConfig(string(data)))
	}
	if builder.Len() == 0 {
		return []byte("# config unavailable\n")
	}
	return []byte(builder.String())
}

func redactSensitiveConfig(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if found && isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
			lines[i] = key + "= " + redactedValue
		}
	}
	return strings.Join(lines, "\n")
}

func isSensitiveKey(key string) bool {
	for _, token := range sensitiveTokens {
		if strings.Contains(key, token) {
			return true
		}
	}
	return false
}

func toolsReport(cfg config.Config) []byte {
	var buf bytes.Buffer
	writeAvailability(&buf, bugreportToolsFn(toolsFromConfig(cfg), cfg.GdbCommand, true))
	return buf.Bytes()
}

// addTargetFile bundles the YAML of the configured target so the board
// definition a failure ran against travels with its logs.
func addTargetFile(b *bundle, cfg config.Config, cwd string) error {
	if strings.TrimSpace(cfg.Target) == "" {
		b.warnf("no target configured")
		return nil
	}
	dir := cfg.TargetsDir
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(cwd, dir)
	}
	path, err := target.Find(dir, cfg.Target)
	if err != nil {
		b.warnf("target %s not bundled: %v", cfg.Target, err)
		return nil
	}
	// #nosec G304 -- path was resolved by target.Find.
	data, err := os.ReadFile(path)
	if err != nil {
		b.warnf("unable to read target %s: %v", path, err)
		return nil
	}
	return b.add("target/"+filepath.Base(path), data)
}

func gitState(ctx context.Context, cwd string) []byte {
	sections := []struct {
		title string
		args  []string
	}{
		{"HEAD", []string{"rev-parse", "HEAD"}},
		{"BRANCH", []string{"rev-parse", "--abbrev-ref", "HEAD"}},
		{"STATUS", []string{"status", "--short"}},
	}
	var builder strings.Builder
	for _, section := range sections {
		output, err := bugreportRunCmdFn(ctx, "git", append([]string{"-C", cwd}, section.args...)...)
		text := strings.TrimSpace(string(output))
		if err != nil {
			text = strings.TrimSpace(text + "\nerror: " + err.Error())
		}
		fmt.Fprintf(&builder, "[%s]\n%s\n\n", section.title, text)
	}
	return []byte(builder.String())
}

func bugreportReadme(b *bundle, runID, traceID string) string {
	var builder strings.Builder
	builder.WriteString("dbgtest bug report\n==================\n\n")
	fmt.Fprintf(&builder, "Generated: %s\n", b.modTime.Format(time.RFC3339))
	fmt.Fprintf(&builder, "Version: %s\n", Version)
	fmt.Fprintf(&builder, "run_id: %s\ntrace_id: %s\n\n", runID, traceID)
	builder.WriteString("Contents:\n")
	for _, name := range b.entries {
		builder.WriteString("- " + name + "\n")
	}
	if len(b.warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range b.warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return builder.String()
}
