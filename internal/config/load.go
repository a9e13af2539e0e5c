package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// CLIOverrides holds values supplied through command-line flags. Pointer
// fields distinguish "not specified" from an explicit zero value.
type CLIOverrides struct {
	ConfigPath   string
	TrainDir     string
	DataDir      string
	ExportDir    string
	ExportPrefix string
	MaxEpochs    *int
	NoExport     *bool
	LogLevel     string
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. Directories and sizing are
// then typically filled in by env or flags, so a run can be configured
// entirely without a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// The result is validated before being returned.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	// 1. Resolve config path: CLI > env. Empty means no config file.
	cfgPath := env.ConfigPath
	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if none).
	var (
		cfg *Config
		err error
	)

	if cfgPath == "" {
		cfg = DefaultConfig()
	} else {
		cfg, err = LoadOrDefault(cfgPath)
		if err != nil {
			return nil, err
		}
	}

	// 3. Apply env overrides.
	if env.TrainDir != "" {
		cfg.TrainDir = env.TrainDir
	}

	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}

	if env.ExportDir != "" {
		cfg.ExportDir = env.ExportDir
	}

	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}

	// 4. Apply CLI overrides (highest priority).
	if cli.TrainDir != "" {
		cfg.TrainDir = cli.TrainDir
	}

	if cli.DataDir != "" {
		cfg.DataDir = cli.DataDir
	}

	if cli.ExportDir != "" {
		cfg.ExportDir = cli.ExportDir
	}

	if cli.ExportPrefix != "" {
		cfg.ExportPrefix = cli.ExportPrefix
	}

	if cli.MaxEpochs != nil {
		cfg.MaxEpochsThisInstance = *cli.MaxEpochs
	}

	if cli.NoExport != nil {
		cfg.NoExport = *cli.NoExport
	}

	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	// 5. Validate the final resolved config.
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}
