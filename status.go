package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ABCchaos/KataGo/internal/train"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show training progress and checkpoint state",
		Long: `Display the state of the training directory: global progress counters,
recoverable checkpoints, and published model exports.

Reads the training history and directory listings only — never touches a
running training process.`,
		RunE: runStatus,
	}
}

// statusReport is the full status payload, also used for --json output.
type statusReport struct {
	TrainDir  string `json:"train_dir"`
	ModelKind string `json:"model_kind"`

	GlobalStepSamples         int64    `json:"global_step_samples"`
	TrainStepsSinceLastReload int64    `json:"train_steps_since_last_reload"`
	ExportCycleCounter        int      `json:"export_cycle_counter"`
	TrainBucketLevel          *float64 `json:"train_bucket_level,omitempty"`

	Checkpoints []checkpointStatus `json:"checkpoints"`
	Longterm    int                `json:"longterm_checkpoints"`
	Exports     []exportStatus     `json:"exports"`

	// RecentEvents holds the tail of the training history log.
	RecentEvents []string `json:"recent_events,omitempty"`
}

type checkpointStatus struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

type exportStatus struct {
	Name     string    `json:"name"`
	Modified time.Time `json:"modified"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	report, err := buildStatusReport(resolvedCfg.TrainDir, resolvedCfg.ExportDir, resolvedCfg.ModelKind)
	if err != nil {
		return err
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	}

	printStatusText(report)

	return nil
}

// buildStatusReport assembles the report from the training history and
// directory listings. A training directory that does not exist yet yields
// an all-zero report rather than an error.
func buildStatusReport(trainDir, exportDir, modelKind string) (*statusReport, error) {
	report := &statusReport{TrainDir: trainDir, ModelKind: modelKind}

	history, err := train.LoadHistory(filepath.Join(trainDir, "trainhistory.json"), discardLogger())
	if err != nil {
		return nil, err
	}

	if st := history.TrainState; st != nil {
		report.GlobalStepSamples = st.GlobalStepSamples
		report.TrainStepsSinceLastReload = st.TrainStepsSinceLastReload
		report.ExportCycleCounter = st.ExportCycleCounter
		report.TrainBucketLevel = st.TrainBucketLevel
	}

	report.RecentEvents = recentEvents(history, 5)

	report.Checkpoints, err = listCheckpoints(trainDir)
	if err != nil {
		return nil, err
	}

	report.Longterm, err = countDirEntries(filepath.Join(trainDir, "longterm_checkpoints"))
	if err != nil {
		return nil, err
	}

	report.Exports, err = listExports(exportDir)
	if err != nil {
		return nil, err
	}

	return report, nil
}

// recentEvents renders the last n history events as compact one-liners.
func recentEvents(history *train.History, n int) []string {
	events := history.Events
	if len(events) > n {
		events = events[len(events)-n:]
	}

	lines := make([]string, 0, len(events))

	for _, event := range events {
		parts := make([]string, 0, len(event.Args)+1)
		parts = append(parts, event.Name)

		for _, arg := range event.Args {
			parts = append(parts, string(arg))
		}

		lines = append(lines, strings.Join(parts, " "))
	}

	return lines
}

// listCheckpoints returns the rotation checkpoints present in trainDir,
// newest first.
func listCheckpoints(trainDir string) ([]checkpointStatus, error) {
	matches, err := filepath.Glob(filepath.Join(trainDir, "checkpoint*.ckpt"))
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	sort.Strings(matches)

	checkpoints := make([]checkpointStatus, 0, len(matches))

	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue // rotated away between glob and stat
		}

		checkpoints = append(checkpoints, checkpointStatus{
			Name:     filepath.Base(path),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	return checkpoints, nil
}

// countDirEntries returns the number of entries in dir, zero when the
// directory does not exist.
func countDirEntries(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("listing %s: %w", dir, err)
	}

	return len(entries), nil
}

// listExports returns the published model snapshots, newest last. Staging
// directories from an interrupted export are excluded.
func listExports(exportDir string) ([]exportStatus, error) {
	entries, err := os.ReadDir(exportDir)
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("listing exports: %w", err)
	}

	var exports []exportStatus

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		exports = append(exports, exportStatus{Name: entry.Name(), Modified: info.ModTime()})
	}

	sort.Slice(exports, func(i, j int) bool {
		return exports[i].Modified.Before(exports[j].Modified)
	})

	return exports, nil
}

func printStatusText(report *statusReport) {
	fmt.Printf("Training dir:  %s\n", report.TrainDir)
	fmt.Printf("Model kind:    %s\n", report.ModelKind)
	fmt.Printf("Samples:       %d\n", report.GlobalStepSamples)
	fmt.Printf("Since reload:  %d\n", report.TrainStepsSinceLastReload)
	fmt.Printf("Export cycle:  %d\n", report.ExportCycleCounter)

	if report.TrainBucketLevel != nil {
		fmt.Printf("Bucket level:  %.0f\n", *report.TrainBucketLevel)
	}

	fmt.Printf("Longterm:      %d checkpoint(s)\n", report.Longterm)

	if len(report.Checkpoints) > 0 {
		fmt.Println()

		rows := make([][]string, 0, len(report.Checkpoints))
		for _, c := range report.Checkpoints {
			rows = append(rows, []string{c.Name, formatSize(c.Size), formatTime(c.Modified)})
		}

		printTable(os.Stdout, []string{"CHECKPOINT", "SIZE", "MODIFIED"}, rows)
	}

	if len(report.Exports) > 0 {
		fmt.Println()

		rows := make([][]string, 0, len(report.Exports))
		for _, e := range report.Exports {
			rows = append(rows, []string{e.Name, formatTime(e.Modified)})
		}

		printTable(os.Stdout, []string{"EXPORT", "MODIFIED"}, rows)
	}

	if len(report.RecentEvents) > 0 {
		fmt.Println()
		fmt.Println("Recent history:")

		for _, line := range report.RecentEvents {
			fmt.Printf("  %s\n", line)
		}
	}
}
