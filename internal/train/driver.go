package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/ABCchaos/KataGo/internal/atomicfile"
	"github.com/ABCchaos/KataGo/internal/config"
)

// trainDecay is the exponential decay applied to running training
// metrics on every accumulation. Validation passes use no decay.
const trainDecay = 0.999

// printTrainLossEveryBatches is the flush cadence of training metrics.
const printTrainLossEveryBatches = 100

// errBucketEmpty drives the bucket retry loop; never escapes Run.
var errBucketEmpty = errors.New("train bucket empty")

// DriverOptions are the inputs for assembling a Driver.
type DriverOptions struct {
	Config *config.Config

	// Stepper and Source are the external collaborators performing the
	// model computation and batch decoding.
	Stepper Stepper
	Source  BatchSource

	// ModelConfigs maps model kinds to their configuration blobs, used
	// only when the training directory is first created.
	ModelConfigs map[string]ModelConfig

	// Rank of this process. Only the leader (rank 0) performs filesystem
	// mutations; non-leader orchestration is not supported.
	Rank int

	// Seed for file shuffling and export-skip randomness. Zero seeds
	// from the clock.
	Seed int64

	Logger *slog.Logger
}

// Driver composes the orchestration components into the infinite
// epoch/sub-epoch training loop. A single logical thread of control:
// every component call is synchronous, and PersistentState mutations are
// strictly sequential.
type Driver struct {
	cfg *config.Config

	stepper Stepper
	source  BatchSource

	store    *CheckpointStore
	watcher  *DataReloadWatcher
	bucket   *TrainBucketLimiter
	selector *SubEpochFileSelector
	exporter *ExportCycleController
	history  *History
	agg      *MetricsAggregator
	valOut   *RecordWriter

	schedule    Schedule
	st          *PersistentState
	modelConfig ModelConfig

	swaEnabled bool
	logger     *slog.Logger

	// Injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewDriver builds the full component graph: it creates the training and
// export directories, loads or creates the model config, restores the
// latest checkpoint (or the configured initial checkpoint, or fresh
// state), and wires the watcher, bucket, selector, aggregator and export
// controller around the restored state.
func NewDriver(opts DriverOptions) (*Driver, error) {
	cfg := opts.Config
	logger := opts.Logger

	if opts.Rank != 0 {
		// The multi-device path upstream never finished gradient scaling
		// and cross-process bucket coordination; only the leader runs.
		return nil, fmt.Errorf("rank %d: non-leader orchestration is not supported", opts.Rank)
	}

	for _, dir := range []string{cfg.TrainDir, cfg.ExportDir, filepath.Join(cfg.TrainDir, "longterm_checkpoints")} {
		if err := os.MkdirAll(dir, atomicfile.DirPerms); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	modelConfig, err := LoadOrCreateModelConfig(cfg.TrainDir, cfg.ModelKind, opts.ModelConfigs, logger)
	if err != nil {
		return nil, err
	}

	store := NewCheckpointStore(cfg.TrainDir, cfg.LongtermCheckpointIntervalDuration(), logger)

	bundle, err := loadStartingBundle(store, cfg.InitialCheckpoint, logger)
	if err != nil {
		return nil, err
	}

	st := &PersistentState{}
	running := NewRunningMetrics()

	if bundle != nil {
		if bundle.TrainState != nil {
			st = bundle.TrainState
		}

		if bundle.RunningMetrics != nil {
			running = bundle.RunningMetrics
		}

		if err := opts.Stepper.ImportState(StepperState{
			Model:     bundle.Model,
			Optimizer: bundle.Optimizer,
			Metrics:   bundle.Metrics,
			SwaModel:  bundle.SwaModel,
		}); err != nil {
			return nil, fmt.Errorf("restoring model state: %w", err)
		}
	} else {
		logger.Info("initializing new model")
	}

	st.ApplyDefaults(cfg.BucketEnabled(), int64(cfg.SamplesPerEpoch))

	history, err := LoadHistory(filepath.Join(cfg.TrainDir, "trainhistory.json"), logger)
	if err != nil {
		return nil, err
	}

	history.AppendStarted(time.Now())

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	rng := rand.New(rand.NewSource(seed))

	var bucket *TrainBucketLimiter
	if cfg.BucketEnabled() {
		bucket = NewTrainBucketLimiter(
			cfg.MaxTrainBucketPerNewData, cfg.MaxTrainBucketSize, cfg.SamplesPerEpoch, logger)
	}

	watcher := NewDataReloadWatcher(WatcherConfig{
		DataDir:                      cfg.DataDir,
		SamplesPerEpoch:              cfg.SamplesPerEpoch,
		SubEpochs:                    cfg.SubEpochs,
		MaxTrainStepsSinceLastReload: cfg.MaxTrainStepsSinceLastReload,
		NotReadyBackoff:              cfg.NotReadyBackoffDuration(),
		StaleBackoff:                 cfg.StaleBackoffDuration(),
	}, bucket, history, rng, logger)

	trainOut, err := OpenRecordWriter(filepath.Join(cfg.TrainDir, "metrics_train.json"))
	if err != nil {
		return nil, err
	}

	valOut, err := OpenRecordWriter(filepath.Join(cfg.TrainDir, "metrics_val.json"))
	if err != nil {
		trainOut.Close()
		return nil, err
	}

	exporter := NewExportCycleController(
		cfg.EpochsPerExport, cfg.ExportProb, cfg.NoExport,
		cfg.ExportPrefix, cfg.ExportDir, ModelConfigPath(cfg.TrainDir),
		store, history, rng, logger)

	d := &Driver{
		cfg:      cfg,
		stepper:  opts.Stepper,
		source:   opts.Source,
		store:    store,
		watcher:  watcher,
		bucket:   bucket,
		selector: NewSubEpochFileSelector(rng, logger),
		exporter: exporter,
		history:  history,
		agg:      NewMetricsAggregator(running, trainOut, logger),
		valOut:   valOut,

		schedule: Schedule{
			UseFixup:       modelConfig.UseFixup(),
			LRScale:        cfg.LRScale,
			GnormClipScale: cfg.GnormClipScale,
		},
		st:          st,
		modelConfig: modelConfig,
		swaEnabled:  cfg.SwaSubEpochScale > 0,
		logger:      logger,

		sleep: sleepCtx,
		now:   time.Now,
	}

	d.logStartup()

	return d, nil
}

// loadStartingBundle loads the current checkpoint, falling back to the
// configured initial checkpoint when the training directory is fresh.
// Returns nil when training starts from a newly initialized model.
func loadStartingBundle(store *CheckpointStore, initialCheckpoint string, logger *slog.Logger) (*Bundle, error) {
	bundle, err := store.Load()

	switch {
	case err == nil:
		return bundle, nil
	case errors.Is(err, ErrNoCheckpoint):
		if initialCheckpoint == "" {
			return nil, nil
		}

		logger.Info("using initial checkpoint", slog.String("path", initialCheckpoint))

		bundle, err := store.LoadFrom(initialCheckpoint)
		if err != nil {
			return nil, fmt.Errorf("initial checkpoint is invalid: %w", err)
		}

		return bundle, nil
	default:
		return nil, err
	}
}

// logStartup records the effective configuration and, when the stepper
// can report them, the model's parameter counts.
func (d *Driver) logStartup() {
	d.logger.Info("training driver ready",
		slog.String("train_dir", d.cfg.TrainDir),
		slog.String("model_kind", d.cfg.ModelKind),
		slog.Int64("global_step_samples", d.st.GlobalStepSamples),
		slog.Bool("bucket_enabled", d.bucket != nil),
		slog.Bool("swa_enabled", d.swaEnabled),
	)

	if pc, ok := d.stepper.(interface{ ParamCounts() (total, trainable int64) }); ok {
		total, trainable := pc.ParamCounts()
		d.logger.Info("model parameters",
			slog.Int64("total", total), slog.Int64("trainable", trainable))
	}
}

// State exposes the persistent state, mainly for tests and the status
// command.
func (d *Driver) State() *PersistentState {
	return d.st
}

// Close releases the watcher and metric streams.
func (d *Driver) Close() error {
	err := d.watcher.Close()

	if d.agg != nil && d.agg.out != nil {
		if cerr := d.agg.out.Close(); err == nil {
			err = cerr
		}
	}

	if cerr := d.valOut.Close(); err == nil {
		err = cerr
	}

	return err
}

// sleepCtx blocks for d or until ctx is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the epoch loop until ctx is canceled or the configured
// per-instance epoch cap is reached.
func (d *Driver) Run(ctx context.Context) error {
	epochsThisInstance := 0

	for {
		epoch, err := d.beginEpoch(ctx)
		if err != nil {
			return err
		}

		lr := d.schedule.PerSampleLR(d.st.GlobalStepSamples)

		d.logger.Info("beginning next epoch",
			slog.Int("epoch_this_instance", epochsThisInstance),
			slog.Int64("global_step_samples", d.st.GlobalStepSamples),
			slog.Int64("data_row", epoch.LastRow()),
			slog.Float64("per_sample_lr", lr),
		)

		epoch, err = d.runSubEpochs(ctx, epoch, lr)
		if err != nil {
			return err
		}

		bundle, err := d.buildBundle()
		if err != nil {
			return err
		}

		if err := d.history.Save(d.st, d.agg.Running()); err != nil {
			return err
		}

		if err := d.store.Save(bundle); err != nil {
			return err
		}

		epochsThisInstance++

		if decision := d.exporter.OnEpochComplete(d.st, epoch.LastRow()); decision.Export {
			if err := d.exporter.Export(bundle, decision.Name); err != nil {
				return err
			}
		}

		if err := d.validate(ctx, epoch); err != nil {
			return err
		}

		if max := d.cfg.MaxEpochsThisInstance; max >= 0 && epochsThisInstance >= max {
			d.logger.Info("hit max epochs this instance, done",
				slog.Int("epochs", epochsThisInstance))
			return nil
		}

		if err := d.sleep(ctx, d.cfg.SleepPerEpochDuration()); err != nil {
			return err
		}

		if _, err := d.store.MaybeSaveLongterm(bundle, d.now()); err != nil {
			return err
		}
	}
}

// beginEpoch blocks until data is ready and, when bucket limiting is
// enabled, until a full epoch of samples can be consumed from the
// bucket. Each failed consume re-runs the reload check so newly arrived
// data can refill the bucket.
func (d *Driver) beginEpoch(ctx context.Context) (*DatasetEpoch, error) {
	var epoch *DatasetEpoch

	backoff := retry.NewConstant(d.cfg.StaleBackoffDuration())

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		e, err := d.watcher.MaybeReload(ctx, d.st)
		if err != nil {
			return err
		}

		if d.bucket != nil && !d.bucket.TryConsume(d.st) {
			d.logger.Info("not enough new data rows, waiting",
				slog.String("reason", WaitBucketEmpty.String()),
				slog.Float64("bucket_level", d.st.BucketLevel()),
				slog.Duration("backoff", d.cfg.StaleBackoffDuration()),
			)

			return retry.RetryableError(errBucketEmpty)
		}

		epoch = e

		return nil
	})
	if err != nil {
		return nil, err
	}

	return epoch, nil
}

// runSubEpochs trains the configured number of sub-epochs, re-checking
// for new data between them, and returns the epoch in effect after the
// final sub-epoch.
func (d *Driver) runSubEpochs(ctx context.Context, epoch *DatasetEpoch, lr float64) (*DatasetEpoch, error) {
	batchesPerSubEpoch := float64(d.cfg.NumBatchesPerEpoch()) / float64(d.cfg.SubEpochs)
	gnormCap := d.schedule.GnormCap()

	batchCountThisEpoch := 0
	lastStatsTime := d.now()

	for i := 0; i < d.cfg.SubEpochs; i++ {
		if i != 0 {
			var err error

			epoch, err = d.watcher.MaybeReload(ctx, d.st)
			if err != nil {
				return nil, err
			}
		}

		files, _, err := d.selector.Select(epoch.Stream(), batchesPerSubEpoch)
		if err != nil {
			return nil, err
		}

		d.logger.Info("beginning training sub-epoch",
			slog.Int("sub_epoch", i),
			slog.Int64("data_row", epoch.LastRow()),
			slog.Int("files", len(files)),
		)

		var stepsThisSubEpoch int64

		batches, wait := d.source.Batches(ctx, files)

		for batch := range batches {
			result, err := d.stepper.Step(ctx, batch, lr, gnormCap)
			if err != nil {
				return nil, fmt.Errorf("train step: %w", err)
			}

			metrics := make(map[string]float64, len(result.Metrics)+3)
			for name, value := range result.Metrics {
				metrics[name] = value
			}

			metrics["gnorm_batch"] = result.Gnorm
			metrics["exgnorm_sum"] = excess(result.Gnorm, gnormCap) * float64(batch.Size)
			metrics["pslr_batch"] = lr

			stepsThisSubEpoch += int64(batch.Size)
			batchCountThisEpoch++

			d.agg.Accumulate(metrics, batch.Size, trainDecay)

			if batchCountThisEpoch%printTrainLossEveryBatches == 0 {
				now := d.now()
				metrics["time_since_last_print"] = now.Sub(lastStatsTime).Seconds()
				lastStatsTime = now

				if _, err := d.agg.Flush(metrics); err != nil {
					return nil, err
				}
			}
		}

		if err := wait(); err != nil {
			return nil, fmt.Errorf("batch stream: %w", err)
		}

		d.logger.Info("finished training sub-epoch",
			slog.Int("sub_epoch", i),
			slog.Int64("samples", stepsThisSubEpoch),
		)

		d.st.TrainStepsSinceLastReload += stepsThisSubEpoch
		d.st.GlobalStepSamples += stepsThisSubEpoch

		if d.swaEnabled {
			if err := d.stepper.UpdateAveraged(); err != nil {
				return nil, fmt.Errorf("updating averaged model: %w", err)
			}
		}
	}

	return epoch, nil
}

// buildBundle assembles the checkpoint payload from the collaborator
// state and the orchestrator's own state.
func (d *Driver) buildBundle() (*Bundle, error) {
	state, err := d.stepper.ExportState()
	if err != nil {
		return nil, fmt.Errorf("exporting model state: %w", err)
	}

	return &Bundle{
		Model:          state.Model,
		Optimizer:      state.Optimizer,
		Metrics:        state.Metrics,
		RunningMetrics: d.agg.Running(),
		TrainState:     d.st,
		SwaModel:       state.SwaModel,
	}, nil
}

// validate runs one full exact-average pass over the validation files.
// Validation metrics use decay 1.0 and fresh sums, never mixing with
// previous validation runs. Skipped silently when no validation files
// exist yet.
func (d *Driver) validate(ctx context.Context, epoch *DatasetEpoch) error {
	valFiles, err := epoch.ValFiles()
	if err != nil {
		return fmt.Errorf("listing validation files: %w", err)
	}

	if len(valFiles) == 0 {
		d.logger.Info("no validation files, skipping validation")
		return nil
	}

	d.logger.Info("beginning validation", slog.Int("files", len(valFiles)))

	valAgg := NewMetricsAggregator(NewRunningMetrics(), d.valOut, d.logger)

	batches, wait := d.source.Batches(ctx, valFiles)

	for batch := range batches {
		metrics, err := d.stepper.Eval(ctx, batch)
		if err != nil {
			return fmt.Errorf("validation step: %w", err)
		}

		valAgg.Accumulate(metrics, batch.Size, 1.0)
	}

	if err := wait(); err != nil {
		return fmt.Errorf("validation batch stream: %w", err)
	}

	if _, err := valAgg.Flush(nil); err != nil {
		return err
	}

	return nil
}

// excess returns how far value exceeds cap, or zero.
func excess(value, cap float64) float64 {
	if value > cap {
		return value - cap
	}

	return 0
}
