package train

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/ABCchaos/KataGo/internal/atomicfile"
)

// Metric-name suffixes determining aggregation kind. Names ending in
// sumSuffix are divided by accumulated weight on flush (decayed mean);
// names ending in batchSuffix are averaged over the window since the last
// flush and then reset; all other names pass through verbatim.
const (
	sumSuffix   = "_sum"
	batchSuffix = "_batch"
)

// MetricKind tags how a metric aggregates, decided once from the name
// suffix and thereafter used to dispatch accumulation and flush behavior.
type MetricKind int

const (
	// KindInstantaneous metrics pass through without weighting.
	KindInstantaneous MetricKind = iota

	// KindDecayedMean metrics accumulate sample-weighted sums under
	// exponential decay and report sum/weight.
	KindDecayedMean

	// KindWindowedBatchMean metrics accumulate batch-weighted sums and
	// reset to zero after each flush.
	KindWindowedBatchMean
)

// KindOfMetric returns the aggregation kind implied by a metric name.
func KindOfMetric(name string) MetricKind {
	switch {
	case strings.HasSuffix(name, sumSuffix):
		return KindDecayedMean
	case strings.HasSuffix(name, batchSuffix):
		return KindWindowedBatchMean
	default:
		return KindInstantaneous
	}
}

// RunningMetrics holds the decayed accumulated sums and weights of every
// metric seen so far. It is embedded in checkpoints, so a resumed process
// continues the decayed averages exactly where they left off.
type RunningMetrics struct {
	Sums    map[string]float64 `json:"sums"`
	Weights map[string]float64 `json:"weights"`
}

// NewRunningMetrics returns empty running metrics.
func NewRunningMetrics() *RunningMetrics {
	return &RunningMetrics{
		Sums:    make(map[string]float64),
		Weights: make(map[string]float64),
	}
}

// MetricsAggregator maintains exponentially-decayed running sums and
// weights of per-batch metrics and periodically flushes aggregate records
// to a durable append-only stream.
type MetricsAggregator struct {
	running *RunningMetrics
	out     *RecordWriter
	logger  *slog.Logger
}

// NewMetricsAggregator creates an aggregator over the given running
// metrics (typically restored from a checkpoint). out may be nil, in
// which case flushes only log.
func NewMetricsAggregator(running *RunningMetrics, out *RecordWriter, logger *slog.Logger) *MetricsAggregator {
	return &MetricsAggregator{running: running, out: out, logger: logger}
}

// Running exposes the running metrics for embedding into checkpoints.
func (a *MetricsAggregator) Running() *RunningMetrics {
	return a.running
}

// Accumulate folds one batch's metrics into the running sums. Decay is
// applied to every decayed-mean sum/weight pair before the new batch's
// contribution is added; decay 1.0 (validation) leaves history untouched.
// Decayed-mean metrics weigh by batchSize, windowed-batch metrics by 1.
func (a *MetricsAggregator) Accumulate(metrics map[string]float64, batchSize int, decay float64) {
	if decay != 1.0 {
		for name := range a.running.Sums {
			if KindOfMetric(name) == KindDecayedMean {
				a.running.Sums[name] *= decay
				a.running.Weights[name] *= decay
			}
		}
	}

	for name, value := range metrics {
		weight := 1.0
		if KindOfMetric(name) != KindWindowedBatchMean {
			weight = float64(batchSize)
		}

		a.running.Sums[name] += value
		a.running.Weights[name] += weight
	}
}

// Flush produces one aggregate record, appends it to the output stream
// (fsynced immediately, so metrics survive a crash even if the next
// checkpoint never completes), and logs a compact human-readable line.
// Windowed-batch metrics reset to zero after being read. extra metrics
// not present in the running sums are passed through verbatim.
func (a *MetricsAggregator) Flush(extra map[string]float64) (map[string]float64, error) {
	record := make(map[string]float64, len(a.running.Sums)+len(extra))

	for name, sum := range a.running.Sums {
		switch KindOfMetric(name) {
		case KindDecayedMean:
			record[strings.TrimSuffix(name, sumSuffix)] = sum / a.running.Weights[name]
		case KindWindowedBatchMean:
			record[name] = sum / a.running.Weights[name]
			a.running.Sums[name] = 0
			a.running.Weights[name] = 0
		default:
			record[name] = sum
		}
	}

	for name, value := range extra {
		if _, tracked := a.running.Sums[name]; !tracked {
			record[name] = value
		}
	}

	a.logger.Info(formatMetricsLine(record))

	if a.out != nil {
		if err := a.out.Append(record); err != nil {
			return nil, fmt.Errorf("flushing metrics: %w", err)
		}
	}

	return record, nil
}

// formatMetricsLine renders "name = value" pairs in sorted order.
func formatMetricsLine(record map[string]float64) string {
	names := make([]string, 0, len(record))
	for name := range record {
		names = append(names, name)
	}

	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s = %f", name, record[name])
	}

	return strings.Join(parts, ", ")
}

// RecordWriter appends newline-delimited JSON records to a file, syncing
// after every record.
type RecordWriter struct {
	f *os.File
}

// OpenRecordWriter opens (or creates) the record stream at path in
// append mode.
func OpenRecordWriter(path string) (*RecordWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, atomicfile.FilePerms)
	if err != nil {
		return nil, fmt.Errorf("opening metrics stream %s: %w", path, err)
	}

	return &RecordWriter{f: f}, nil
}

// Append writes one JSON record followed by a newline and fsyncs.
func (w *RecordWriter) Append(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding metrics record: %w", err)
	}

	if _, err := w.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending metrics record: %w", err)
	}

	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("syncing metrics stream: %w", err)
	}

	return nil
}

// Close closes the underlying file.
func (w *RecordWriter) Close() error {
	return w.f.Close()
}
