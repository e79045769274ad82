package target

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/riscv-debug/dbgharness/internal/tracing"
)

// CompileCommand returns the cross-compiler invocation building args for
// hart into output. Arguments naming existing files are resolved against the
// target directory.
func (t *Target) CompileCommand(hart *Hart, output string, args ...string) []string {
	cmd := []string{t.tools.RiscvPrefix + "gcc", "-g"}
	switch hart.XLEN {
	case 32:
		cmd = append(cmd, "-march=rv32imac", "-mabi=ilp32")
	default:
		cmd = append(cmd, "-march=rv64imac", "-mabi=lp64")
	}
	cmd = append(cmd, "-mcmodel=medany", fmt.Sprintf("-DXLEN=%d", hart.XLEN))
	if hart.LinkScript != "" {
		cmd = append(cmd, "-nostartfiles", "-T", t.resolve(hart.LinkScript))
	}
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			cmd = append(cmd, arg)
			continue
		}
		cmd = append(cmd, t.resolve(arg))
	}
	return append(cmd, "-o", output)
}

// Compile builds args for hart and returns the binary path. The core treats
// the compiler as opaque; a non-zero exit is returned as *tracing.ToolError
// carrying the compiler output.
func (t *Target) Compile(ctx context.Context, hart *Hart, args ...string) (string, error) {
	if hart == nil {
		return "", fmt.Errorf("compile: hart is required")
	}
	dir, err := t.ensureBuildDir()
	if err != nil {
		return "", err
	}
	output := filepath.Join(dir, binaryName(hart, args))
	cmd := t.CompileCommand(hart, output, args...)

	t.logger.Info("compile", "hart", hart.String(), "command", strings.Join(cmd, " "))
	if _, err := tracing.RunTool(ctx, tracing.Tool{Name: cmd[0], Args: cmd[1:], Kind: "compile"}); err != nil {
		return "", fmt.Errorf("compile for %s: %w", hart, err)
	}
	return output, nil
}

func (t *Target) ensureBuildDir() (string, error) {
	if t.buildDir != "" {
		if err := os.MkdirAll(t.buildDir, 0o755); err != nil {
			return "", fmt.Errorf("create build dir: %w", err)
		}
		return t.buildDir, nil
	}
	dir, err := os.MkdirTemp("", "dbgtest-build-")
	if err != nil {
		return "", fmt.Errorf("create build dir: %w", err)
	}
	t.buildDir = dir
	return dir, nil
}

func binaryName(hart *Hart, args []string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d\x00%s\x00%s", hart.XLEN, hart.LinkScript, strings.Join(args, "\x00"))))
	base := "program"
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			base = strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg))
			break
		}
	}
	return fmt.Sprintf("%s-rv%d-%s", base, hart.XLEN, hex.EncodeToString(sum[:6]))
}
