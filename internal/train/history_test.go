package train

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHistoryMissingFile(t *testing.T) {
	t.Parallel()

	h, err := LoadHistory(filepath.Join(t.TempDir(), "trainhistory.json"), testLogger())
	require.NoError(t, err)
	assert.Empty(t, h.Events)
	assert.Nil(t, h.TrainState)
}

func TestHistorySaveAndReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trainhistory.json")

	h, err := LoadHistory(path, testLogger())
	require.NoError(t, err)

	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	h.AppendStarted(started)
	h.AppendNewData(5000, [2]int64{0, 250000})

	st := &PersistentState{GlobalStepSamples: 5000}
	st.SetBucketLevel(100)

	running := NewRunningMetrics()
	running.Sums["loss_sum"] = 1.5
	running.Weights["loss_sum"] = 1.0

	require.NoError(t, h.Save(st, running))

	reloaded, err := LoadHistory(path, testLogger())
	require.NoError(t, err)
	require.Len(t, reloaded.Events, 2)

	assert.Equal(t, "started", reloaded.Events[0].Name)
	require.Len(t, reloaded.Events[0].Args, 1)
	assert.JSONEq(t, `"2026-08-01T12:00:00Z"`, string(reloaded.Events[0].Args[0]))

	assert.Equal(t, "newdata", reloaded.Events[1].Name)
	require.Len(t, reloaded.Events[1].Args, 2)
	assert.JSONEq(t, `5000`, string(reloaded.Events[1].Args[0]))
	assert.JSONEq(t, `[0,250000]`, string(reloaded.Events[1].Args[1]))

	assert.Equal(t, st, reloaded.TrainState)
	assert.Equal(t, running, reloaded.ExtraStats)
}

func TestHistorySaveSnapshotsStateByValue(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trainhistory.json")

	h, err := LoadHistory(path, testLogger())
	require.NoError(t, err)

	st := &PersistentState{GlobalStepSamples: 1}
	require.NoError(t, h.Save(st, NewRunningMetrics()))

	st.GlobalStepSamples = 999
	assert.Equal(t, int64(1), h.TrainState.GlobalStepSamples)
}

func TestHistoryPreservesForeignEvents(t *testing.T) {
	t.Parallel()

	// Events written by other tooling round-trip byte-for-byte even when
	// the orchestrator does not understand their arguments.
	path := filepath.Join(t.TempDir(), "trainhistory.json")
	raw := `{"history": [["custom", {"x": 1, "y": [2, 3]}, "note"]]}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	h, err := LoadHistory(path, testLogger())
	require.NoError(t, err)
	require.Len(t, h.Events, 1)
	assert.Equal(t, "custom", h.Events[0].Name)

	require.NoError(t, h.Save(&PersistentState{}, NewRunningMetrics()))

	reloaded, err := LoadHistory(path, testLogger())
	require.NoError(t, err)
	require.Len(t, reloaded.Events, 1)

	out, err := json.Marshal(reloaded.Events[0])
	require.NoError(t, err)
	assert.JSONEq(t, `["custom", {"x": 1, "y": [2, 3]}, "note"]`, string(out))
}

func TestHistoryEventRejectsEmptyArray(t *testing.T) {
	t.Parallel()

	var e HistoryEvent
	assert.Error(t, json.Unmarshal([]byte(`[]`), &e))
}

func TestHistoryWriteCopyLeavesOriginalPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "trainhistory.json")

	h, err := LoadHistory(path, testLogger())
	require.NoError(t, err)

	h.AppendStarted(time.Now())

	copyPath := filepath.Join(dir, "export", "trainhistory.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(copyPath), 0o755))
	require.NoError(t, h.WriteCopy(copyPath))

	_, err = os.Stat(copyPath)
	assert.NoError(t, err)

	// The canonical history file is only written by Save.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
