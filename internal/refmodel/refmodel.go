// Package refmodel provides a small reference model implementing the
// train.Stepper interface: a logistic-regression classifier with SGD,
// momentum and gradient-norm clipping. It exists so the orchestrator can
// be run and tested end-to-end without an external accelerator-backed
// model; production deployments substitute their own Stepper.
package refmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ABCchaos/KataGo/internal/train"
)

const momentum = 0.9

// Configs returns the model-config registry entries for the reference
// kinds.
func Configs() map[string]train.ModelConfig {
	return map[string]train.ModelConfig{
		"ref-linear16": {"use_fixup": false, "input_dim": 16.0},
		"ref-linear64": {"use_fixup": true, "input_dim": 64.0},
	}
}

// Examples is the decoded payload of one batch: a dense feature matrix
// with binary labels.
type Examples struct {
	Inputs [][]float64 `json:"inputs"`
	Labels []float64   `json:"labels"`
}

// Model is a logistic-regression classifier trained by the orchestrator.
type Model struct {
	weights []float64
	bias    float64

	// SGD momentum buffers (the "optimizer state").
	velocity     []float64
	biasVelocity float64

	// Optional exponentially averaged copy of the parameters.
	avgWeights []float64
	avgBias    float64
	avgFactor  float64 // 0 disables averaging
}

// New creates a model for the given model config. When swaSubEpochScale
// is positive, an averaged model is maintained with EMA factor
// 1/swaSubEpochScale.
func New(cfg train.ModelConfig, swaSubEpochScale float64) (*Model, error) {
	dim, ok := cfg["input_dim"].(float64)
	if !ok || dim < 1 {
		return nil, fmt.Errorf("model config has no valid input_dim")
	}

	m := &Model{
		weights:  make([]float64, int(dim)),
		velocity: make([]float64, int(dim)),
	}

	if swaSubEpochScale > 0 {
		m.avgFactor = 1.0 / swaSubEpochScale
		m.avgWeights = make([]float64, int(dim))
	}

	return m, nil
}

// Step trains on one batch and returns the loss metrics along with the
// pre-clip gradient norm.
func (m *Model) Step(ctx context.Context, batch train.Batch, perSampleLR, gnormCap float64) (train.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return train.StepResult{}, err
	}

	examples, err := m.examples(batch)
	if err != nil {
		return train.StepResult{}, err
	}

	gradW := make([]float64, len(m.weights))

	var gradB, lossSum, correct float64

	for i, input := range examples.Inputs {
		p := m.predict(input)
		label := examples.Labels[i]

		lossSum += logisticLoss(p, label)

		if (p >= 0.5) == (label >= 0.5) {
			correct++
		}

		for j, x := range input {
			gradW[j] += (p - label) * x
		}

		gradB += p - label
	}

	gnorm := gradNorm(gradW, gradB)

	// Clip by global norm, then apply the momentum SGD update at
	// per-sample scale.
	scale := 1.0
	if gnorm > gnormCap && gnorm > 0 {
		scale = gnormCap / gnorm
	}

	for j := range m.weights {
		m.velocity[j] = momentum*m.velocity[j] + gradW[j]*scale
		m.weights[j] -= perSampleLR * m.velocity[j]
	}

	m.biasVelocity = momentum*m.biasVelocity + gradB*scale
	m.bias -= perSampleLR * m.biasVelocity

	return train.StepResult{
		Metrics: map[string]float64{
			"loss_sum": lossSum,
			"acc_sum":  correct,
		},
		Gnorm: gnorm,
	}, nil
}

// Eval computes metrics on one batch without updating parameters.
func (m *Model) Eval(ctx context.Context, batch train.Batch) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	examples, err := m.examples(batch)
	if err != nil {
		return nil, err
	}

	var lossSum, correct float64

	for i, input := range examples.Inputs {
		p := m.predict(input)
		lossSum += logisticLoss(p, examples.Labels[i])

		if (p >= 0.5) == (examples.Labels[i] >= 0.5) {
			correct++
		}
	}

	return map[string]float64{"loss_sum": lossSum, "acc_sum": correct}, nil
}

// UpdateAveraged folds the current parameters into the averaged model.
func (m *Model) UpdateAveraged() error {
	if m.avgFactor == 0 {
		return nil
	}

	for j, w := range m.weights {
		m.avgWeights[j] = (1.0-m.avgFactor)*m.avgWeights[j] + m.avgFactor*w
	}

	m.avgBias = (1.0-m.avgFactor)*m.avgBias + m.avgFactor*m.bias

	return nil
}

// ParamCounts reports the model's parameter counts for the startup log.
func (m *Model) ParamCounts() (total, trainable int64) {
	n := int64(len(m.weights)) + 1
	return n, n
}

func (m *Model) examples(batch train.Batch) (*Examples, error) {
	examples, ok := batch.Data.(*Examples)
	if !ok {
		return nil, fmt.Errorf("unexpected batch payload %T", batch.Data)
	}

	if len(examples.Inputs) != len(examples.Labels) {
		return nil, fmt.Errorf("batch has %d inputs but %d labels",
			len(examples.Inputs), len(examples.Labels))
	}

	return examples, nil
}

func (m *Model) predict(input []float64) float64 {
	z := m.bias

	for j, x := range input {
		if j >= len(m.weights) {
			break
		}

		z += m.weights[j] * x
	}

	return 1.0 / (1.0 + math.Exp(-z))
}

func logisticLoss(p, label float64) float64 {
	const eps = 1e-12

	return -(label*math.Log(p+eps) + (1.0-label)*math.Log(1.0-p+eps))
}

func gradNorm(gradW []float64, gradB float64) float64 {
	sum := gradB * gradB

	for _, g := range gradW {
		sum += g * g
	}

	return math.Sqrt(sum)
}

// ExportState snapshots the parameters, optimizer buffers, and averaged
// model as checkpoint blobs.
func (m *Model) ExportState() (train.StepperState, error) {
	model, err := paramBlobs(map[string]any{"weight": m.weights, "bias": m.bias})
	if err != nil {
		return train.StepperState{}, err
	}

	optimizer, err := json.Marshal(map[string]any{
		"velocity": m.velocity, "bias_velocity": m.biasVelocity,
	})
	if err != nil {
		return train.StepperState{}, fmt.Errorf("encoding optimizer state: %w", err)
	}

	state := train.StepperState{Model: model, Optimizer: optimizer}

	if m.avgFactor != 0 {
		state.SwaModel, err = paramBlobs(map[string]any{"weight": m.avgWeights, "bias": m.avgBias})
		if err != nil {
			return train.StepperState{}, err
		}
	}

	return state, nil
}

// ImportState restores parameters from checkpoint blobs. Absent blobs
// leave the corresponding fresh state in place.
func (m *Model) ImportState(state train.StepperState) error {
	if state.Model != nil {
		if err := m.loadParams(state.Model, &m.weights, &m.bias); err != nil {
			return err
		}
	}

	if state.Optimizer != nil {
		var opt struct {
			Velocity     []float64 `json:"velocity"`
			BiasVelocity float64   `json:"bias_velocity"`
		}

		if err := json.Unmarshal(state.Optimizer, &opt); err != nil {
			return fmt.Errorf("decoding optimizer state: %w", err)
		}

		m.velocity = opt.Velocity
		m.biasVelocity = opt.BiasVelocity
	}

	if state.SwaModel != nil && m.avgFactor != 0 {
		if err := m.loadParams(state.SwaModel, &m.avgWeights, &m.avgBias); err != nil {
			return err
		}
	}

	return nil
}

func paramBlobs(params map[string]any) (train.ParamBlobs, error) {
	blobs := make(train.ParamBlobs, len(params))

	for name, value := range params {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding parameter %s: %w", name, err)
		}

		blobs[name] = raw
	}

	return blobs, nil
}

func (m *Model) loadParams(blobs train.ParamBlobs, weights *[]float64, bias *float64) error {
	if raw, ok := blobs["weight"]; ok {
		if err := json.Unmarshal(raw, weights); err != nil {
			return fmt.Errorf("decoding weight: %w", err)
		}
	}

	if raw, ok := blobs["bias"]; ok {
		if err := json.Unmarshal(raw, bias); err != nil {
			return fmt.Errorf("decoding bias: %w", err)
		}
	}

	return nil
}
