package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ABCchaos/KataGo/internal/batchsource"
	"github.com/ABCchaos/KataGo/internal/refmodel"
	"github.com/ABCchaos/KataGo/internal/train"
)

var flagSeed int64

func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run the training loop",
		Long: `Run the resumable training loop: waits for shuffled data, trains in
epochs and sub-epochs, checkpoints after every epoch, and exports model
snapshots on the configured cadence. Resumes from the latest checkpoint
when restarted. Runs until interrupted unless max-epochs is set.`,
		RunE: runTrain,
	}

	cmd.Flags().Int64Var(&flagSeed, "seed", 0, "seed for shuffling and export randomness (0 seeds from the clock)")

	return cmd
}

func runTrain(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	// The recorded model config decides the reference model's shape; on a
	// fresh training directory it is created from the registry entry for
	// the configured kind.
	modelCfg, err := train.LoadOrCreateModelConfig(cfg.TrainDir, cfg.ModelKind, refmodel.Configs(), logger)
	if err != nil {
		return err
	}

	stepper, err := refmodel.New(modelCfg, cfg.SwaSubEpochScale)
	if err != nil {
		return fmt.Errorf("building model: %w", err)
	}

	driver, err := train.NewDriver(train.DriverOptions{
		Config:       cfg,
		Stepper:      stepper,
		Source:       batchsource.New(refmodel.DecodeFile, cfg.BatchSize, logger),
		ModelConfigs: refmodel.Configs(),
		Seed:         flagSeed,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer driver.Close()

	ctx := shutdownContext(cmd.Context(), logger)

	if err := driver.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("training stopped cleanly")
			return nil
		}

		return err
	}

	return nil
}
