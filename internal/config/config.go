// Package config loads and validates training configuration. Settings are
// resolved through a four-layer override chain: built-in defaults, then a
// TOML config file, then environment variables, then CLI flags. CLI flags
// always win, matching user expectations for one-off overrides without
// editing the config file.
package config

import "time"

// Config holds every tunable of the training orchestrator. Flat TOML keys
// mirror the historical command-line argument names so existing run scripts
// translate one-to-one.
type Config struct {
	// Directories and naming.
	TrainDir          string `toml:"train_dir" json:"train_dir"`
	DataDir           string `toml:"data_dir" json:"data_dir"`
	ExportDir         string `toml:"export_dir" json:"export_dir"`
	ExportPrefix      string `toml:"export_prefix" json:"export_prefix"`
	InitialCheckpoint string `toml:"initial_checkpoint" json:"initial_checkpoint"`

	// Model and epoch sizing.
	ModelKind       string `toml:"model_kind" json:"model_kind"`
	PosLen          int    `toml:"pos_len" json:"pos_len"`
	BatchSize       int    `toml:"batch_size" json:"batch_size"`
	SamplesPerEpoch int    `toml:"samples_per_epoch" json:"samples_per_epoch"`
	SubEpochs       int    `toml:"sub_epochs" json:"sub_epochs"`

	// Learning-rate / gradient-clip schedule scaling.
	LRScale        float64 `toml:"lr_scale" json:"lr_scale"`
	GnormClipScale float64 `toml:"gnorm_clip_scale" json:"gnorm_clip_scale"`

	// Export cadence. ExportProb is a pointer because 0.0 is meaningful
	// (always skip randomly) and distinct from "not configured".
	EpochsPerExport int      `toml:"epochs_per_export" json:"epochs_per_export"`
	ExportProb      *float64 `toml:"export_prob" json:"export_prob"`
	NoExport        bool     `toml:"no_export" json:"no_export"`

	// Instance lifetime. MaxEpochsThisInstance < 0 means unlimited.
	MaxEpochsThisInstance int     `toml:"max_epochs_this_instance" json:"max_epochs_this_instance"`
	SleepPerEpoch         string  `toml:"sleep_per_epoch" json:"sleep_per_epoch"`
	SwaSubEpochScale      float64 `toml:"swa_sub_epoch_scale" json:"swa_sub_epoch_scale"`

	// Rate limiting against the upstream data producer. A zero
	// MaxTrainBucketPerNewData disables bucket limiting entirely; a zero
	// MaxTrainStepsSinceLastReload disables the staleness throttle.
	MaxTrainBucketPerNewData     float64 `toml:"max_train_bucket_per_new_data" json:"max_train_bucket_per_new_data"`
	MaxTrainBucketSize           float64 `toml:"max_train_bucket_size" json:"max_train_bucket_size"`
	MaxTrainStepsSinceLastReload float64 `toml:"max_train_steps_since_last_reload" json:"max_train_steps_since_last_reload"`

	// Wait and checkpoint cadence tuning.
	NotReadyBackoff            string `toml:"not_ready_backoff" json:"not_ready_backoff"`
	StaleBackoff               string `toml:"stale_backoff" json:"stale_backoff"`
	LongtermCheckpointInterval string `toml:"longterm_checkpoint_interval" json:"longterm_checkpoint_interval"`

	// Logging.
	LogLevel string `toml:"log_level" json:"log_level"`
}

// BucketEnabled reports whether train-bucket rate limiting is configured.
func (c *Config) BucketEnabled() bool {
	return c.MaxTrainBucketPerNewData > 0
}

// NumBatchesPerEpoch is the epoch batch budget implied by SamplesPerEpoch
// and BatchSize, rounded to the nearest whole batch.
func (c *Config) NumBatchesPerEpoch() int {
	return int(float64(c.SamplesPerEpoch)/float64(c.BatchSize) + 0.5)
}

// Duration accessors. Validate guarantees these strings parse, so failures
// here fall back to the default rather than returning an error.

// SleepPerEpochDuration returns the idle sleep between epochs.
func (c *Config) SleepPerEpochDuration() time.Duration {
	return durationOrDefault(c.SleepPerEpoch, defaultSleepPerEpoch)
}

// NotReadyBackoffDuration returns the wait used when the data directory
// or its manifest is not ready yet.
func (c *Config) NotReadyBackoffDuration() time.Duration {
	return durationOrDefault(c.NotReadyBackoff, defaultNotReadyBackoff)
}

// StaleBackoffDuration returns the wait used for backpressure conditions
// (empty train bucket, too far ahead of the last reload).
func (c *Config) StaleBackoffDuration() time.Duration {
	return durationOrDefault(c.StaleBackoff, defaultStaleBackoff)
}

// LongtermCheckpointIntervalDuration returns the minimum wall-clock spacing
// between long-term checkpoint snapshots.
func (c *Config) LongtermCheckpointIntervalDuration() time.Duration {
	return durationOrDefault(c.LongtermCheckpointInterval, defaultLongtermInterval)
}

func durationOrDefault(s, fallback string) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		d, _ = parseDuration(fallback)
	}

	return d
}
