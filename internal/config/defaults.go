package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain and match the orchestrator's historical
// behavior when the corresponding argument was omitted.
const (
	defaultSamplesPerEpoch = 1_000_000
	defaultSubEpochs       = 1
	defaultEpochsPerExport = 1

	// Effectively unbounded: if data production stops, the bucket alone
	// never halts training unless the operator sets a real cap.
	defaultMaxTrainBucketSize = 1.0e30

	defaultSleepPerEpoch    = "1s"
	defaultNotReadyBackoff  = "30s"
	defaultStaleBackoff     = "5m"
	defaultLongtermInterval = "12h"

	defaultLogLevel = "info"

	// unlimitedEpochs disables the per-instance epoch cap.
	unlimitedEpochs = -1
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		SamplesPerEpoch:            defaultSamplesPerEpoch,
		SubEpochs:                  defaultSubEpochs,
		EpochsPerExport:            defaultEpochsPerExport,
		MaxEpochsThisInstance:      unlimitedEpochs,
		MaxTrainBucketSize:         defaultMaxTrainBucketSize,
		SleepPerEpoch:              defaultSleepPerEpoch,
		NotReadyBackoff:            defaultNotReadyBackoff,
		StaleBackoff:               defaultStaleBackoff,
		LongtermCheckpointInterval: defaultLongtermInterval,
		LogLevel:                   defaultLogLevel,
	}
}
