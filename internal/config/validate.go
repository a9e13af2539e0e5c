package config

import (
	"errors"
	"fmt"
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.TrainDir == "" {
		errs = append(errs, errors.New("train_dir is required"))
	}

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if cfg.ExportDir == "" {
		errs = append(errs, errors.New("export_dir is required"))
	}

	if cfg.ExportPrefix == "" {
		errs = append(errs, errors.New("export_prefix is required"))
	}

	if cfg.ModelKind == "" {
		errs = append(errs, errors.New("model_kind is required"))
	}

	if cfg.PosLen <= 0 {
		errs = append(errs, fmt.Errorf("pos_len must be positive, got %d", cfg.PosLen))
	}

	if cfg.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", cfg.BatchSize))
	}

	if cfg.SamplesPerEpoch <= 0 {
		errs = append(errs, fmt.Errorf("samples_per_epoch must be positive, got %d", cfg.SamplesPerEpoch))
	}

	if cfg.SubEpochs < 1 {
		errs = append(errs, fmt.Errorf("sub_epochs must be at least 1, got %d", cfg.SubEpochs))
	}

	if cfg.LRScale < 0 {
		errs = append(errs, fmt.Errorf("lr_scale must be non-negative, got %g", cfg.LRScale))
	}

	if cfg.GnormClipScale < 0 {
		errs = append(errs, fmt.Errorf("gnorm_clip_scale must be non-negative, got %g", cfg.GnormClipScale))
	}

	if cfg.EpochsPerExport < 1 {
		errs = append(errs, fmt.Errorf("epochs_per_export must be at least 1, got %d", cfg.EpochsPerExport))
	}

	if cfg.ExportProb != nil && (*cfg.ExportProb < 0 || *cfg.ExportProb > 1) {
		errs = append(errs, fmt.Errorf("export_prob must be in [0, 1], got %g", *cfg.ExportProb))
	}

	if cfg.SwaSubEpochScale < 0 {
		errs = append(errs, fmt.Errorf("swa_sub_epoch_scale must be non-negative, got %g", cfg.SwaSubEpochScale))
	}

	if cfg.MaxTrainBucketPerNewData < 0 {
		errs = append(errs, fmt.Errorf("max_train_bucket_per_new_data must be non-negative, got %g", cfg.MaxTrainBucketPerNewData))
	}

	if cfg.MaxTrainBucketSize <= 0 {
		errs = append(errs, fmt.Errorf("max_train_bucket_size must be positive, got %g", cfg.MaxTrainBucketSize))
	}

	if cfg.MaxTrainStepsSinceLastReload < 0 {
		errs = append(errs, fmt.Errorf("max_train_steps_since_last_reload must be non-negative, got %g", cfg.MaxTrainStepsSinceLastReload))
	}

	errs = append(errs, validateDurations(cfg)...)
	errs = append(errs, validateLogLevel(cfg.LogLevel)...)

	return errors.Join(errs...)
}

func validateDurations(cfg *Config) []error {
	var errs []error

	durations := []struct {
		key   string
		value string
	}{
		{"sleep_per_epoch", cfg.SleepPerEpoch},
		{"not_ready_backoff", cfg.NotReadyBackoff},
		{"stale_backoff", cfg.StaleBackoff},
		{"longterm_checkpoint_interval", cfg.LongtermCheckpointInterval},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}

		if _, err := parseDuration(d.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.key, err))
		}
	}

	return errs
}

func validateLogLevel(level string) []error {
	switch level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return []error{fmt.Errorf("log_level must be debug, info, warn, or error, got %q", level)}
	}
}
