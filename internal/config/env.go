package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "KATAGO_TRAIN_CONFIG"
	EnvTrainDir  = "KATAGO_TRAIN_TRAIN_DIR"
	EnvDataDir   = "KATAGO_TRAIN_DATA_DIR"
	EnvExportDir = "KATAGO_TRAIN_EXPORT_DIR"
	EnvLogLevel  = "KATAGO_TRAIN_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by Resolve and applied between the config file
// layer and the CLI flag layer.
type EnvOverrides struct {
	ConfigPath string // KATAGO_TRAIN_CONFIG: override config file path
	TrainDir   string // KATAGO_TRAIN_TRAIN_DIR: training directory
	DataDir    string // KATAGO_TRAIN_DATA_DIR: shuffled data directory
	ExportDir  string // KATAGO_TRAIN_EXPORT_DIR: model export directory
	LogLevel   string // KATAGO_TRAIN_LOG_LEVEL: log level override
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		TrainDir:   os.Getenv(EnvTrainDir),
		DataDir:    os.Getenv(EnvDataDir),
		ExportDir:  os.Getenv(EnvExportDir),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}
