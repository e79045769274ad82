package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogDir                = "logs"
	defaultTargetsDir            = "targets"
	defaultRiscvPrefix           = "riscv64-unknown-elf-"
	defaultHartSelection         = "last"
	defaultLogLevel              = "info"
	defaultCommandTimeout        = 60 * time.Second
	defaultDiscoveryTimeout      = 30 * time.Second
	defaultDiscoveryPollInterval = 110 * time.Millisecond
	defaultServerStartTimeout    = 60 * time.Second
	defaultTerminationGrace      = 2 * time.Second
)

var (
	defaultGdbCommand     = []string{"riscv64-unknown-elf-gdb"}
	defaultOpenOCDCommand = []string{"openocd"}
	defaultSpikeCommand   = []string{"spike"}
)

// Config stores runtime settings loaded from TOML files.
type Config struct {
	// LogDir receives one log per test.
	LogDir string
	// RuntimeLogDir receives the harness's own JSON log. Empty means
	// ~/.dbgtest/logs.
	RuntimeLogDir string
	// LogLevel is the runtime log threshold: debug, info, warn or error.
	LogLevel   string
	TargetsDir string
	Target     string

	GdbCommand     []string
	OpenOCDCommand []string
	SpikeCommand   []string
	RiscvPrefix    string

	CommandTimeout        time.Duration
	DiscoveryTimeout      time.Duration
	DiscoveryPollInterval time.Duration
	ServerStartTimeout    time.Duration
	TerminationGrace      time.Duration

	HartSelection string
	FailFast      bool
	PrintFailures bool
	PrintLogNames bool
	MetricsFile   string

	OTel OTelConfig
}

// OTelConfig selects the trace exporter.
type OTelConfig struct {
	// Endpoint is an OTLP/HTTP collector address. Empty disables export.
	Endpoint string
}

type fileConfig struct {
	LogDir                *string     `toml:"log_dir"`
	RuntimeLogDir         *string     `toml:"runtime_log_dir"`
	LogLevel              *string     `toml:"log_level"`
	TargetsDir            *string     `toml:"targets_dir"`
	Target                *string     `toml:"target"`
	GdbCommand            *command    `toml:"gdb_command"`
	OpenOCDCommand        *command    `toml:"openocd_command"`
	SpikeCommand          *command    `toml:"spike_command"`
	RiscvPrefix           *string     `toml:"riscv_prefix"`
	CommandTimeout        *string     `toml:"command_timeout"`
	DiscoveryTimeout      *string     `toml:"discovery_timeout"`
	DiscoveryPollInterval *string     `toml:"discovery_poll_interval"`
	ServerStartTimeout    *string     `toml:"server_start_timeout"`
	TerminationGrace      *string     `toml:"termination_grace"`
	HartSelection         *string     `toml:"hart_selection"`
	FailFast              *bool       `toml:"fail_fast"`
	PrintFailures         *bool       `toml:"print_failures"`
	PrintLogNames         *bool       `toml:"print_log_names"`
	MetricsFile           *string     `toml:"metrics_file"`
	OTel                  *otelConfig `toml:"otel"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

// command accepts either a shell-style string or an array of arguments.
type command []string

func (c *command) UnmarshalTOML(value any) error {
	switch v := value.(type) {
	case string:
		*c = strings.Fields(v)
	case []any:
		args := make([]string, 0, len(v))
		for i, item := range v {
			text, ok := item.(string)
			if !ok {
				return fmt.Errorf("argument %d must be a string", i)
			}
			args = append(args, text)
		}
		*c = args
	default:
		return fmt.Errorf("expected string or array, got %T", value)
	}
	if len(*c) == 0 {
		return errors.New("command must not be empty")
	}
	return nil
}

// Load reads config from ~/.dbgtest/config.toml and overlays a project-local .dbgtest/config.toml.
func Load(ctx context.Context) (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	paths := []string{
		filepath.Join(homeDir, ".dbgtest", "config.toml"),
		filepath.Join(workingDir, ".dbgtest", "config.toml"),
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	_ = ctx
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return defaults()
}

func defaults() Config {
	return Config{
		LogDir:                defaultLogDir,
		TargetsDir:            defaultTargetsDir,
		GdbCommand:            append([]string(nil), defaultGdbCommand...),
		OpenOCDCommand:        append([]string(nil), defaultOpenOCDCommand...),
		SpikeCommand:          append([]string(nil), defaultSpikeCommand...),
		RiscvPrefix:           defaultRiscvPrefix,
		CommandTimeout:        defaultCommandTimeout,
		DiscoveryTimeout:      defaultDiscoveryTimeout,
		DiscoveryPollInterval: defaultDiscoveryPollInterval,
		ServerStartTimeout:    defaultServerStartTimeout,
		TerminationGrace:      defaultTerminationGrace,
		HartSelection:         defaultHartSelection,
		LogLevel:              defaultLogLevel,
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %s", path, undecoded[0])
	}

	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s in %q: must be > 0", key, path)
	}
	return parsed, nil
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	setString(&cfg.LogDir, decoded.LogDir)
	setString(&cfg.RuntimeLogDir, decoded.RuntimeLogDir)
	setString(&cfg.TargetsDir, decoded.TargetsDir)
	setString(&cfg.Target, decoded.Target)
	setString(&cfg.RiscvPrefix, decoded.RiscvPrefix)
	setString(&cfg.MetricsFile, decoded.MetricsFile)

	if decoded.GdbCommand != nil {
		cfg.GdbCommand = *decoded.GdbCommand
	}
	if decoded.OpenOCDCommand != nil {
		cfg.OpenOCDCommand = *decoded.OpenOCDCommand
	}
	if decoded.SpikeCommand != nil {
		cfg.SpikeCommand = *decoded.SpikeCommand
	}

	if decoded.HartSelection != nil {
		selection := normalizeKey(*decoded.HartSelection)
		if err := ValidateHartSelection(selection); err != nil {
			return fmt.Errorf("parse hart_selection in %q: %w", path, err)
		}
		cfg.HartSelection = selection
	}
	if decoded.LogLevel != nil {
		level := normalizeKey(*decoded.LogLevel)
		switch level {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = level
		default:
			return fmt.Errorf("parse log_level in %q: unknown level %q", path, *decoded.LogLevel)
		}
	}
	if decoded.FailFast != nil {
		cfg.FailFast = *decoded.FailFast
	}
	if decoded.PrintFailures != nil {
		cfg.PrintFailures = *decoded.PrintFailures
	}
	if decoded.PrintLogNames != nil {
		cfg.PrintLogNames = *decoded.PrintLogNames
	}
	if decoded.OTel != nil {
		setString(&cfg.OTel.Endpoint, decoded.OTel.Endpoint)
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	for _, entry := range []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"command_timeout", decoded.CommandTimeout, &cfg.CommandTimeout},
		{"discovery_timeout", decoded.DiscoveryTimeout, &cfg.DiscoveryTimeout},
		{"discovery_poll_interval", decoded.DiscoveryPollInterval, &cfg.DiscoveryPollInterval},
		{"server_start_timeout", decoded.ServerStartTimeout, &cfg.ServerStartTimeout},
		{"termination_grace", decoded.TerminationGrace, &cfg.TerminationGrace},
	} {
		if entry.value == nil {
			continue
		}
		value, err := parseDuration(*entry.value, entry.key, path)
		if err != nil {
			return err
		}
		*entry.target = value
	}
	return nil
}

// ValidateHartSelection accepts "last" and "first".
func ValidateHartSelection(value string) error {
	switch value {
	case "last", "first":
		return nil
	default:
		return fmt.Errorf("unknown hart selection %q (want last or first)", value)
	}
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
