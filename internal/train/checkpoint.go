package train

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ABCchaos/KataGo/internal/atomicfile"
)

// numShorttermCheckpoints is the total number of recoverable checkpoints
// kept under rotation: the current file plus numShorttermCheckpoints-1
// previous rotations.
const numShorttermCheckpoints = 4

// longtermTimestampLayout names long-term snapshots by UTC wall clock.
const longtermTimestampLayout = "20060102-150405"

// Bundle is the full checkpoint payload: collaborator-owned blobs plus
// the orchestrator's own state. CheckpointStore never mutates a Bundle.
type Bundle struct {
	Model          ParamBlobs       `json:"model"`
	Optimizer      json.RawMessage  `json:"optimizer,omitempty"`
	Metrics        json.RawMessage  `json:"metrics,omitempty"`
	RunningMetrics *RunningMetrics  `json:"running_metrics,omitempty"`
	TrainState     *PersistentState `json:"train_state,omitempty"`
	SwaModel       ParamBlobs       `json:"swa_model,omitempty"`
}

// CheckpointStore provides durable, crash-safe persistence of checkpoint
// bundles with short-term rotation and periodic long-term snapshots. All
// writes are serialize-to-temp-then-rename: no partially-written
// checkpoint is ever observable under a final name.
type CheckpointStore struct {
	dir         string
	longtermDir string
	longterm    *rate.Limiter
	logger      *slog.Logger

	// Injectable for fault-injection tests.
	renameFn func(oldpath, newpath string) error
	copyFn   func(src, dst string) error
}

// NewCheckpointStore creates a store rooted at trainDir. Long-term
// snapshots are written to trainDir/longterm_checkpoints at most once per
// longtermInterval; the first one becomes eligible a full interval after
// construction, matching a freshly started timer.
func NewCheckpointStore(trainDir string, longtermInterval time.Duration, logger *slog.Logger) *CheckpointStore {
	limiter := rate.NewLimiter(rate.Every(longtermInterval), 1)
	limiter.AllowN(time.Now(), 1) // drain the initial token

	return &CheckpointStore{
		dir:         trainDir,
		longtermDir: filepath.Join(trainDir, "longterm_checkpoints"),
		longterm:    limiter,
		logger:      logger,
		renameFn:    os.Rename,
		copyFn:      atomicfile.CopyFile,
	}
}

// CheckpointPath returns the path of the current checkpoint file.
func (s *CheckpointStore) CheckpointPath() string {
	return filepath.Join(s.dir, "checkpoint.ckpt")
}

// prevPath returns the path of rotation slot i.
func (s *CheckpointStore) prevPath(i int) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoint_prev%d.ckpt", i))
}

// Save persists bundle as the current checkpoint, rotating previous
// checkpoints first: each prev[i] moves to prev[i+1] (oldest dropped) and
// the about-to-be-replaced current file is copied into prev0. Combined
// with atomic writes this guarantees numShorttermCheckpoints recoverable
// historical points.
func (s *CheckpointStore) Save(bundle *Bundle) error {
	current := s.CheckpointPath()
	s.logger.Info("saving checkpoint", slog.String("path", current))

	for i := numShorttermCheckpoints - 3; i >= 0; i-- {
		if _, err := os.Stat(s.prevPath(i)); err == nil {
			if err := s.renameFn(s.prevPath(i), s.prevPath(i+1)); err != nil {
				return fmt.Errorf("rotating %s: %w", s.prevPath(i), err)
			}
		}
	}

	if _, err := os.Stat(current); err == nil {
		if err := s.copyFn(current, s.prevPath(0)); err != nil {
			return fmt.Errorf("preserving current checkpoint: %w", err)
		}
	}

	return s.writeBundle(bundle, current)
}

// SaveTo persists bundle at a caller-specified target path with no
// rotation. If the target already exists the save is a no-op: re-running
// export logic must not duplicate or corrupt an existing snapshot.
func (s *CheckpointStore) SaveTo(bundle *Bundle, path string) error {
	if _, err := os.Stat(path); err == nil {
		s.logger.Info("checkpoint target already exists, skipping save",
			slog.String("path", path))
		return nil
	}

	s.logger.Info("saving checkpoint", slog.String("path", path))

	return s.writeBundle(bundle, path)
}

// MaybeSaveLongterm writes a timestamped long-term snapshot if at least
// one long-term interval has elapsed since the previous one. Long-term
// snapshots are never rotated out or deleted. Returns whether a snapshot
// was written.
func (s *CheckpointStore) MaybeSaveLongterm(bundle *Bundle, now time.Time) (bool, error) {
	if !s.longterm.AllowN(now, 1) {
		return false, nil
	}

	name := now.UTC().Format(longtermTimestampLayout) + ".ckpt"
	if err := s.SaveTo(bundle, filepath.Join(s.longtermDir, name)); err != nil {
		return false, fmt.Errorf("longterm checkpoint: %w", err)
	}

	return true, nil
}

// writeBundle serializes bundle to path+".tmp", fsyncs, then renames over
// path. The rename is the commit point.
func (s *CheckpointStore) writeBundle(bundle *Bundle, path string) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), atomicfile.DirPerms); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		return err
	}

	if err := s.renameFn(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing checkpoint %s: %w", path, err)
	}

	return nil
}

// writeFileSync writes data to path and fsyncs before closing.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, atomicfile.FilePerms)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing %s: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}

	return nil
}

// Load reads the current checkpoint. Returns ErrNoCheckpoint when the
// training directory holds no checkpoint at all, and ErrCorruptTrainDir
// when a rotated previous checkpoint exists without a primary one — in
// that case the directory is inconsistent and the caller must abort
// rather than silently pick a fallback.
func (s *CheckpointStore) Load() (*Bundle, error) {
	current := s.CheckpointPath()

	if _, err := os.Stat(current); errors.Is(err, os.ErrNotExist) {
		s.logger.Info("no preexisting checkpoint found", slog.String("path", current))

		for i := 0; i < numShorttermCheckpoints; i++ {
			if _, err := os.Stat(s.prevPath(i)); err == nil {
				return nil, fmt.Errorf("%w: no checkpoint at %s but rotated %s exists",
					ErrCorruptTrainDir, current, s.prevPath(i))
			}
		}

		return nil, ErrNoCheckpoint
	}

	return s.LoadFrom(current)
}

// LoadFrom reads a checkpoint bundle from an arbitrary path (used for
// configured initial checkpoints). Optional sub-blobs absent from an
// older checkpoint default to fresh/empty values with a warning.
func (s *CheckpointStore) LoadFrom(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", path, err)
	}

	modelRaw, ok := raw["model"]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s has no model state", path)
	}

	var model ParamBlobs
	if err := json.Unmarshal(modelRaw, &model); err != nil {
		return nil, fmt.Errorf("decoding model state in %s: %w", path, err)
	}

	bundle := &Bundle{Model: stripWrapperPrefix(model)}

	if opt, ok := raw["optimizer"]; ok {
		bundle.Optimizer = opt
	} else {
		s.logger.Warn("optimizer not found in checkpoint, using fresh optimizer")
	}

	if m, ok := raw["metrics"]; ok {
		bundle.Metrics = m
	} else {
		s.logger.Warn("metrics not found in checkpoint, using fresh metrics")
	}

	if rm, ok := raw["running_metrics"]; ok {
		bundle.RunningMetrics = NewRunningMetrics()
		if err := json.Unmarshal(rm, bundle.RunningMetrics); err != nil {
			return nil, fmt.Errorf("decoding running metrics in %s: %w", path, err)
		}
	} else {
		s.logger.Warn("running metrics not found in checkpoint, using fresh running metrics")
	}

	if ts, ok := raw["train_state"]; ok {
		st, err := decodeState(ts)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", path, err)
		}

		bundle.TrainState = st
	} else {
		s.logger.Warn("train state not found in checkpoint, using fresh train state")
	}

	if swa, ok := raw["swa_model"]; ok {
		var swaModel ParamBlobs
		if err := json.Unmarshal(swa, &swaModel); err != nil {
			return nil, fmt.Errorf("decoding swa model in %s: %w", path, err)
		}

		bundle.SwaModel = stripWrapperPrefix(swaModel)
	}

	return bundle, nil
}

// stripWrapperPrefix removes any number of leading "module." segments
// from parameter names, so a checkpoint produced under multi-process
// training loads correctly under single-process training and vice versa.
func stripWrapperPrefix(params ParamBlobs) ParamBlobs {
	const wrapperPrefix = "module."

	stripped := make(ParamBlobs, len(params))

	for key, blob := range params {
		for strings.HasPrefix(key, wrapperPrefix) {
			key = strings.TrimPrefix(key, wrapperPrefix)
		}

		stripped[key] = blob
	}

	return stripped
}
