package train

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*CheckpointStore, string) {
	t.Helper()

	dir := t.TempDir()

	return NewCheckpointStore(dir, 12*time.Hour, testLogger()), dir
}

// samplesIn reads the state sample counter out of a checkpoint file, so
// rotation tests can identify which save produced it.
func samplesIn(t *testing.T, store *CheckpointStore, path string) int64 {
	t.Helper()

	bundle, err := store.LoadFrom(path)
	require.NoError(t, err)
	require.NotNil(t, bundle.TrainState)

	return bundle.TrainState.GlobalStepSamples
}

func TestSaveRotationKeepsFourCheckpoints(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.Save(testBundle(t, i)))
	}

	assert.Equal(t, int64(5), samplesIn(t, store, store.CheckpointPath()))
	assert.Equal(t, int64(4), samplesIn(t, store, store.prevPath(0)))
	assert.Equal(t, int64(3), samplesIn(t, store, store.prevPath(1)))
	assert.Equal(t, int64(2), samplesIn(t, store, store.prevPath(2)))

	_, err := os.Stat(store.prevPath(3))
	assert.True(t, errors.Is(err, os.ErrNotExist), "oldest checkpoint must be dropped")

	// No stray temp file may survive a completed save.
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFirstSaveHasNoPrevious(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	require.NoError(t, store.Save(testBundle(t, 1)))

	_, err := os.Stat(store.prevPath(0))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadNoCheckpoint(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestLoadCorruptTrainDir(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t)

	// A rotated checkpoint without a primary one means the directory
	// state is inconsistent.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkpoint_prev1.ckpt"), []byte("{}"), 0o600))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrCorruptTrainDir)
}

func TestLoadRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)

	saved := testBundle(t, 42)
	saved.TrainState.SetBucketLevel(123)
	require.NoError(t, store.Save(saved))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, saved.TrainState, loaded.TrainState)
	assert.Equal(t, saved.Model, loaded.Model)
}

func TestLoadFromStripsWrapperPrefix(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t)
	path := filepath.Join(dir, "wrapped.ckpt")

	raw := `{"model": {"module.module.conv.weight": [1], "bias": [2]}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	bundle, err := store.LoadFrom(path)
	require.NoError(t, err)
	assert.Contains(t, bundle.Model, "conv.weight")
	assert.Contains(t, bundle.Model, "bias")
	assert.NotContains(t, bundle.Model, "module.module.conv.weight")
}

func TestLoadFromDefaultsMissingSections(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t)
	path := filepath.Join(dir, "minimal.ckpt")
	require.NoError(t, os.WriteFile(path, []byte(`{"model": {"w": [1]}}`), 0o600))

	bundle, err := store.LoadFrom(path)
	require.NoError(t, err)
	assert.Nil(t, bundle.Optimizer)
	assert.Nil(t, bundle.TrainState)
	assert.Nil(t, bundle.RunningMetrics)
	assert.Nil(t, bundle.SwaModel)
}

func TestLoadFromRejectsMissingModel(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t)
	path := filepath.Join(dir, "empty.ckpt")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	_, err := store.LoadFrom(path)
	assert.ErrorContains(t, err, "no model state")
}

func TestSaveToIsIdempotent(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t)
	path := filepath.Join(dir, "export.ckpt")

	require.NoError(t, store.SaveTo(testBundle(t, 1), path))
	require.NoError(t, store.SaveTo(testBundle(t, 99), path))

	assert.Equal(t, int64(1), samplesIn(t, store, path))
}

func TestFailedCommitPreservesCurrentCheckpoint(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t)
	require.NoError(t, store.Save(testBundle(t, 1)))

	store.renameFn = func(oldpath, newpath string) error {
		return errors.New("injected rename failure")
	}

	err := store.Save(testBundle(t, 2))
	require.Error(t, err)

	store.renameFn = os.Rename
	assert.Equal(t, int64(1), samplesIn(t, store, store.CheckpointPath()))
}

func TestMaybeSaveLongterm(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewCheckpointStore(dir, 12*time.Hour, testLogger())
	base := time.Now()

	// The first snapshot only becomes eligible a full interval after
	// construction.
	wrote, err := store.MaybeSaveLongterm(testBundle(t, 1), base)
	require.NoError(t, err)
	assert.False(t, wrote)

	wrote, err = store.MaybeSaveLongterm(testBundle(t, 2), base.Add(13*time.Hour))
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = store.MaybeSaveLongterm(testBundle(t, 3), base.Add(13*time.Hour+time.Minute))
	require.NoError(t, err)
	assert.False(t, wrote)

	entries, err := os.ReadDir(filepath.Join(dir, "longterm_checkpoints"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^\d{8}-\d{6}\.ckpt$`, entries[0].Name())
}

func TestBundleOmitsAbsentSections(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(testBundle(t, 1))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Contains(t, raw, "model")
	assert.Contains(t, raw, "train_state")
	assert.NotContains(t, raw, "optimizer")
	assert.NotContains(t, raw, "swa_model")
}
