// Package train implements the training-loop orchestration engine: the
// stateful control logic deciding what data to train on next, when to
// persist state, when to export a model snapshot, and how to aggregate
// metrics across process restarts. The neural network itself, the
// optimizer update rule, and batch decoding are external collaborators
// reached through the Stepper and BatchSource interfaces.
package train

import (
	"encoding/json"
	"fmt"
)

// PersistentState is the versioned record of training progress. It is
// owned exclusively by the Driver, serialized into every checkpoint, and
// passed by reference to the components that read or mutate its fields.
type PersistentState struct {
	// GlobalStepSamples counts samples consumed since model creation.
	// Monotonically non-decreasing across restarts.
	GlobalStepSamples int64 `json:"global_step_samples"`

	// TrainBucketLevel is the token count of the train bucket. Present
	// only when bucket limiting is enabled; nil otherwise.
	TrainBucketLevel *float64 `json:"train_bucket_level,omitempty"`

	// TrainBucketLevelAtRow is the last data row accounted into the
	// bucket. Non-decreasing.
	TrainBucketLevelAtRow int64 `json:"train_bucket_level_at_row,omitempty"`

	// TrainStepsSinceLastReload accumulates consumed samples and resets
	// to zero exactly when a new data directory is detected.
	TrainStepsSinceLastReload int64 `json:"train_steps_since_last_reload"`

	// ExportCycleCounter advances by one per completed epoch and resets
	// on export. Clamped to the export period when exporting is disabled.
	ExportCycleCounter int `json:"export_cycle_counter"`
}

// ApplyDefaults fills in fields absent from an older checkpoint. The
// bucket level is seeded to a full epoch's worth of samples so a freshly
// enabled bucket permits one epoch before requiring new data.
func (st *PersistentState) ApplyDefaults(bucketEnabled bool, samplesPerEpoch int64) {
	if bucketEnabled && st.TrainBucketLevel == nil {
		level := float64(samplesPerEpoch)
		st.TrainBucketLevel = &level
	}
}

// BucketLevel returns the current bucket level, or zero when the bucket
// has never been initialized.
func (st *PersistentState) BucketLevel() float64 {
	if st.TrainBucketLevel == nil {
		return 0
	}

	return *st.TrainBucketLevel
}

// SetBucketLevel stores a new bucket level.
func (st *PersistentState) SetBucketLevel(level float64) {
	st.TrainBucketLevel = &level
}

// Clone returns a deep copy, used when snapshotting state into the
// training history without aliasing the live record.
func (st *PersistentState) Clone() *PersistentState {
	cp := *st
	if st.TrainBucketLevel != nil {
		level := *st.TrainBucketLevel
		cp.TrainBucketLevel = &level
	}

	return &cp
}

// decodeState unmarshals a persistent-state blob, rejecting malformed
// input but tolerating absent optional fields.
func decodeState(data []byte) (*PersistentState, error) {
	var st PersistentState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding train state: %w", err)
	}

	return &st, nil
}
