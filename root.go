package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ABCchaos/KataGo/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath   string
	flagTrainDir     string
	flagDataDir      string
	flagExportDir    string
	flagExportPrefix string
	flagMaxEpochs    int
	flagNoExport     bool
	flagJSON         bool
	flagVerbose      bool
	flagQuiet        bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE. It is available to all subcommands after the root
// pre-run phase completes.
var resolvedCfg *config.Config

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "katago-train",
		Short:   "Neural-net training loop orchestrator",
		Long:    "Runs the resumable training loop over externally shuffled data, managing checkpoints, metrics, and model exports.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE resolves configuration before every command
		// through the four-layer override chain.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagTrainDir, "train-dir", "", "training state directory")
	cmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "shuffled data directory (or symlink)")
	cmd.PersistentFlags().StringVar(&flagExportDir, "export-dir", "", "model export directory")
	cmd.PersistentFlags().StringVar(&flagExportPrefix, "export-prefix", "", "name prefix for exported models")
	cmd.PersistentFlags().IntVar(&flagMaxEpochs, "max-epochs", 0, "stop after this many epochs (-1 for unlimited)")
	cmd.PersistentFlags().BoolVar(&flagNoExport, "no-export", false, "checkpoint but never export models")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newTrainCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result in resolvedCfg for use by
// subcommands.
func loadConfig(cmd *cobra.Command) error {
	cli := config.CLIOverrides{
		ConfigPath:   flagConfigPath,
		TrainDir:     flagTrainDir,
		DataDir:      flagDataDir,
		ExportDir:    flagExportDir,
		ExportPrefix: flagExportPrefix,
	}

	// Distinguish explicitly-set flags from their zero values.
	if cmd.Flags().Changed("max-epochs") {
		cli.MaxEpochs = &flagMaxEpochs
	}

	if cmd.Flags().Changed("no-export") {
		cli.NoExport = &flagNoExport
	}

	switch {
	case flagVerbose:
		cli.LogLevel = "debug"
	case flagQuiet:
		cli.LogLevel = "error"
	}

	env := config.ReadEnvOverrides()

	resolved, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
