package train

import (
	"context"
	"encoding/json"
)

// Batch is one training batch handed to the model step. The orchestrator
// never inspects Data; it only accounts for Size samples.
type Batch struct {
	Size int
	Data any
}

// ParamBlobs maps parameter names to opaque serialized tensors. The
// orchestrator never interprets tensor payloads, only the name keys
// (needed to strip distributed-wrapper prefixes on checkpoint load).
type ParamBlobs map[string]json.RawMessage

// StepperState carries the collaborator-owned checkpoint blobs: model
// parameters, optimizer state, metric-computation state, and the
// optionally maintained averaged model.
type StepperState struct {
	Model     ParamBlobs
	Optimizer json.RawMessage
	Metrics   json.RawMessage
	SwaModel  ParamBlobs
}

// StepResult reports one completed training step.
type StepResult struct {
	// Metrics are the raw per-batch metric values, named under the
	// aggregation convention (see MetricsAggregator).
	Metrics map[string]float64

	// Gnorm is the observed gradient norm before clipping.
	Gnorm float64
}

// Stepper performs the forward/backward computation and optimizer update
// for one batch. Implementations block until the step completes; the
// orchestrator issues steps strictly sequentially.
type Stepper interface {
	// Step trains on one batch at the given per-sample learning rate,
	// clipping gradients to gnormCap.
	Step(ctx context.Context, batch Batch, perSampleLR, gnormCap float64) (StepResult, error)

	// Eval computes metrics for one batch without updating parameters.
	Eval(ctx context.Context, batch Batch) (map[string]float64, error)

	// UpdateAveraged folds the current parameters into the averaged
	// model. No-op when averaging is not configured.
	UpdateAveraged() error

	// ExportState snapshots the collaborator state for checkpointing.
	ExportState() (StepperState, error)

	// ImportState restores collaborator state from a loaded checkpoint.
	// Blobs absent from the checkpoint arrive empty and implementations
	// keep their fresh state for those parts.
	ImportState(StepperState) error
}

// BatchSource streams decoded batches from training-example files. The
// returned channel closes when all files are exhausted or ctx is
// canceled; the returned wait func reports the first decode failure after
// the channel has been drained.
type BatchSource interface {
	Batches(ctx context.Context, files []string) (<-chan Batch, func() error)
}
