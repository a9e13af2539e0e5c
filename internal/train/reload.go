package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ABCchaos/KataGo/internal/atomicfile"
)

// dataFileExt is the extension of training-example files.
const dataFileExt = ".npz"

// manifestName is the per-directory manifest giving the covered row range.
const manifestName = "train.json"

// manifest is the dataset manifest format. Absence of the file means the
// directory is not ready yet.
type manifest struct {
	Range [2]int64 `json:"range"`
}

// FileStream is an infinite, restartable lazy sequence over a fixed file
// list: each full pass reshuffles the order uniformly at random before
// repeating. Callers must never assume global shuffling across a full
// dataset, only per-pass shuffling of the file list.
type FileStream struct {
	files []string
	idx   int
	rng   *rand.Rand
}

func newFileStream(files []string, rng *rand.Rand) *FileStream {
	return &FileStream{files: append([]string(nil), files...), rng: rng}
}

// Next returns the next file, reshuffling at the start of every pass.
// Returns "" when the stream holds no files at all.
func (s *FileStream) Next() string {
	if len(s.files) == 0 {
		return ""
	}

	if s.idx == 0 || s.idx >= len(s.files) {
		s.rng.Shuffle(len(s.files), func(i, j int) {
			s.files[i], s.files[j] = s.files[j], s.files[i]
		})
		s.idx = 0
	}

	file := s.files[s.idx]
	s.idx++

	return file
}

// DatasetEpoch is the transient view of one realized shuffled-data
// directory, re-derived wholesale each time the directory changes. A
// handle to the previous epoch (and its stream) is dead immediately after
// a reload.
type DatasetEpoch struct {
	Dir        string
	RowRange   [2]int64
	TrainFiles []string
	ValDir     string

	stream *FileStream
}

// Stream returns the epoch's infinite shuffled file stream.
func (e *DatasetEpoch) Stream() *FileStream {
	return e.stream
}

// LastRow returns the exclusive upper bound of the covered row range.
func (e *DatasetEpoch) LastRow() int64 {
	return e.RowRange[1]
}

// ValFiles lists the validation files, returning an empty slice when the
// validation directory does not exist (its existence is checked lazily,
// never required).
func (e *DatasetEpoch) ValFiles() ([]string, error) {
	files, err := listDataFiles(e.ValDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	return files, err
}

// listDataFiles returns the sorted data files directly under dir.
func listDataFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), dataFileExt) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Strings(files)

	return files, nil
}

// WatcherConfig configures a DataReloadWatcher.
type WatcherConfig struct {
	DataDir         string
	SamplesPerEpoch int
	SubEpochs       int

	// MaxTrainStepsSinceLastReload throttles training when the upstream
	// producer has stalled; zero disables the check.
	MaxTrainStepsSinceLastReload float64

	NotReadyBackoff time.Duration
	StaleBackoff    time.Duration
}

// DataReloadWatcher detects when the externally-produced shuffled dataset
// directory has changed, re-derives the file list and row-range metadata
// from scratch, and resets per-reload counters. The upstream producer may
// replace the directory at any time; nothing is ever incrementally
// patched.
type DataReloadWatcher struct {
	cfg     WatcherConfig
	bucket  *TrainBucketLimiter // nil when bucket limiting is disabled
	history *History
	rng     *rand.Rand
	logger  *slog.Logger

	lastDir string
	current *DatasetEpoch

	fsw  *fsnotify.Watcher
	wake chan struct{}

	// sleep is injectable for tests; the default waits on a timer, an
	// fsnotify wakeup, or context cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDataReloadWatcher creates a watcher. bucket may be nil when bucket
// limiting is disabled. A filesystem watch on the data path's parent lets
// the not-ready backoff cut short as soon as the producer publishes;
// failure to establish the watch is harmless and falls back to plain
// polling.
func NewDataReloadWatcher(cfg WatcherConfig, bucket *TrainBucketLimiter, history *History, rng *rand.Rand, logger *slog.Logger) *DataReloadWatcher {
	w := &DataReloadWatcher{
		cfg:     cfg,
		bucket:  bucket,
		history: history,
		rng:     rng,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
	w.sleep = w.sleepOrWake

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fsw.Add(filepath.Dir(cfg.DataDir))
	}

	if err != nil {
		logger.Debug("filesystem watch unavailable, polling only",
			slog.String("data_dir", cfg.DataDir), slog.String("error", err.Error()))
		return w
	}

	w.fsw = fsw
	go w.drainEvents()

	return w
}

// drainEvents coalesces filesystem events into the wake channel.
func (w *DataReloadWatcher) drainEvents() {
	for {
		select {
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			select {
			case w.wake <- struct{}{}:
			default:
			}
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close releases the filesystem watch.
func (w *DataReloadWatcher) Close() error {
	if w.fsw == nil {
		return nil
	}

	return w.fsw.Close()
}

// sleepOrWake blocks for d, returning early on a filesystem event or on
// context cancellation.
func (w *DataReloadWatcher) sleepOrWake(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// Current returns the active dataset epoch, or nil before the first
// successful reload.
func (w *DataReloadWatcher) Current() *DatasetEpoch {
	return w.current
}

// MaybeReload blocks until training may proceed, returning the active
// dataset epoch. It resolves the configured data path to its real
// location and, when the realized directory has changed, rebuilds all
// dataset metadata and resets the per-reload counters in st. When the
// directory is unchanged but training is too far ahead of the last
// reload, it waits for the staleness backoff and re-checks. Not-ready and
// backpressure conditions are waits, never errors.
func (w *DataReloadWatcher) MaybeReload(ctx context.Context, st *PersistentState) (*DatasetEpoch, error) {
	for {
		curDir, err := filepath.EvalSymlinks(w.cfg.DataDir)
		if err != nil {
			w.logger.Info("shuffled data path does not exist yet, waiting",
				slog.String("reason", WaitNotReady.String()),
				slog.String("data_dir", w.cfg.DataDir),
				slog.Duration("backoff", w.cfg.NotReadyBackoff),
			)

			if err := w.sleep(ctx, w.cfg.NotReadyBackoff); err != nil {
				return nil, err
			}

			continue
		}

		if curDir != w.lastDir {
			epoch, ready, err := w.reload(ctx, st, curDir)
			if err != nil {
				return nil, err
			}

			if !ready {
				continue
			}

			return epoch, nil
		}

		if w.tooFarAhead(st) {
			w.logger.Info("too many train steps since last reload, waiting",
				slog.String("reason", WaitTooFarAhead.String()),
				slog.Int64("train_steps_since_last_reload", st.TrainStepsSinceLastReload),
				slog.Duration("backoff", w.cfg.StaleBackoff),
			)

			if err := w.sleep(ctx, w.cfg.StaleBackoff); err != nil {
				return nil, err
			}

			continue
		}

		return w.current, nil
	}
}

// tooFarAhead reports whether consuming one more sub-epoch would exceed
// the configured ceiling of training since the last data reload.
func (w *DataReloadWatcher) tooFarAhead(st *PersistentState) bool {
	if w.cfg.MaxTrainStepsSinceLastReload <= 0 {
		return false
	}

	nextSubEpoch := consumeThreshold * float64(w.cfg.SamplesPerEpoch) / float64(w.cfg.SubEpochs)

	return float64(st.TrainStepsSinceLastReload)+nextSubEpoch > w.cfg.MaxTrainStepsSinceLastReload
}

// reload derives a fresh DatasetEpoch from a newly realized directory.
// Returns ready=false (after waiting) when the directory's manifest is
// not published yet.
func (w *DataReloadWatcher) reload(ctx context.Context, st *PersistentState, curDir string) (*DatasetEpoch, bool, error) {
	manifestPath := filepath.Join(curDir, manifestName)

	var info manifest
	if err := atomicfile.ReadJSON(manifestPath, &info); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.logger.Info("shuffled data manifest does not exist yet, waiting",
				slog.String("reason", WaitNotReady.String()),
				slog.String("manifest", manifestPath),
				slog.Duration("backoff", w.cfg.NotReadyBackoff),
			)

			if err := w.sleep(ctx, w.cfg.NotReadyBackoff); err != nil {
				return nil, false, err
			}

			return nil, false, nil
		}

		return nil, false, fmt.Errorf("reading dataset manifest: %w", err)
	}

	w.logger.Info("updated training data",
		slog.String("dir", curDir),
		slog.Int64("row_start", info.Range[0]),
		slog.Int64("row_end", info.Range[1]),
	)

	trainFiles, err := listDataFiles(filepath.Join(curDir, "train"))
	if err != nil {
		return nil, false, fmt.Errorf("listing training files: %w", err)
	}

	if w.bucket != nil {
		w.bucket.AdvanceToRow(st, info.Range[1])
	}

	w.logger.Info("resetting train steps since last reload",
		slog.Int64("old", st.TrainStepsSinceLastReload))

	st.TrainStepsSinceLastReload = 0
	w.history.AppendNewData(st.GlobalStepSamples, info.Range)

	w.lastDir = curDir
	w.current = &DatasetEpoch{
		Dir:        curDir,
		RowRange:   info.Range,
		TrainFiles: trainFiles,
		ValDir:     filepath.Join(curDir, "val"),
		stream:     newFileStream(trainFiles, w.rng),
	}

	return w.current, true, nil
}
