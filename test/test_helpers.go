// Package test provides helpers shared by the harness's package tests.
package test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Context returns a context cancelled when the test ends or after timeout.
func Context(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// WriteFile writes content to dir/name, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755), "create parent of %s", path)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "write %s", path)
	return path
}

// Chdir changes to dir for the rest of the test.
// The original working directory is restored when the test completes.
func Chdir(t *testing.T, dir string) {
	t.Helper()
	original, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")
	require.NoError(t, os.Chdir(dir), "failed to change directory")
	t.Cleanup(func() {
		assert.NoError(t, os.Chdir(original), "failed to restore working directory")
	})
}

// ReadFile returns the content of path.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file: %s", path)
	return string(content)
}

// AssertFileContains checks that the file at path contains every want.
func AssertFileContains(t *testing.T, path string, want ...string) {
	t.Helper()
	content := ReadFile(t, path)
	for _, w := range want {
		assert.Contains(t, content, w, "file %s", path)
	}
}

// RequireCommand skips the test when name is not on PATH.
func RequireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not on PATH", name)
	}
}

// SkipIfShort skips the test if -short flag is provided
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}
}
