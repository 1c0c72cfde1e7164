// Package model hosts trainable-model collaborators for the orchestrator.
// The production latent-variable model is an external collaborator reached
// through the trainer.Model contract; Diagnostic is an in-process stand-in
// with smooth, deterministic losses so the topology, scheduling, optimizer
// and checkpointing machinery can be exercised end to end.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/stochlab/latentrain/dataset"
	"github.com/stochlab/latentrain/schedule"
	"github.com/stochlab/latentrain/trainer"
)

var _ trainer.Model = (*Diagnostic)(nil)

const defaultDim = 16

// Diagnostic holds a flat parameter vector split evenly between an encoder
// half and a decoder half. Reconstruction loss decays with sequence length;
// the regularization term follows the free-bit floor when active.
type Diagnostic struct {
	params []float64
	grads  []float64

	// dimTargetKL is the per-dimension floor applied in free-bit mode.
	dimTargetKL float64
}

type DiagnosticOption func(*Diagnostic)

func WithDimTargetKL(target float64) DiagnosticOption {
	return func(m *Diagnostic) {
		m.dimTargetKL = target
	}
}

func NewDiagnostic(opts ...DiagnosticOption) *Diagnostic {
	m := &Diagnostic{
		params:      make([]float64, defaultDim),
		grads:       make([]float64, defaultDim),
		dimTargetKL: 3.0,
	}
	for i := range m.params {
		m.params[i] = 0.01 * float64(i+1)
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Parameters exposes the trainable vector for the optimizer.
func (m *Diagnostic) Parameters() []float64 {
	return m.params
}

// Gradients exposes the accumulated gradient vector for the optimizer.
func (m *Diagnostic) Gradients() []float64 {
	return m.grads
}

func (m *Diagnostic) Losses(_ context.Context, batch dataset.Batch, weight float64, mode schedule.Mode) (trainer.Losses, error) {
	n := batch.Size()
	losses := trainer.Losses{
		Reconstruction: make([]float64, n),
		Regularization: make([]float64, n),
		Combined:       make([]float64, n),
	}

	energy := m.parameterEnergy()
	for i := 0; i < n; i++ {
		length := float64(batch.Lengths[i])
		losses.Reconstruction[i] = energy + 1.0/(1.0+length)

		switch mode {
		case schedule.Disabled:
			losses.Regularization[i] = 0
		case schedule.FreeBit:
			losses.Regularization[i] = math.Max(energy, m.dimTargetKL)
		case schedule.Deterministic:
			// Deterministic inference collapses the bottleneck; no
			// divergence term remains.
			losses.Regularization[i] = 0
		}

		losses.Combined[i] = losses.Reconstruction[i] + weight*losses.Regularization[i]
	}

	return losses, nil
}

// Backward accumulates gradients of the parameter-energy term scaled by the
// incoming loss. Repeated calls add up until ZeroGradients.
func (m *Diagnostic) Backward(_ context.Context, loss float64) error {
	scale := 2.0 / float64(len(m.params))
	for i, p := range m.params {
		m.grads[i] += loss * scale * p
	}

	return nil
}

func (m *Diagnostic) ClipGradients(maxNorm float64) float64 {
	var sq float64
	for _, g := range m.grads {
		sq += g * g
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		factor := maxNorm / norm
		for i := range m.grads {
			m.grads[i] *= factor
		}
	}

	return norm
}

func (m *Diagnostic) ZeroGradients() {
	for i := range m.grads {
		m.grads[i] = 0
	}
}

func (m *Diagnostic) EncoderState() (json.RawMessage, error) {
	return marshalHalf("encoder", m.params[:len(m.params)/2])
}

func (m *Diagnostic) DecoderState() (json.RawMessage, error) {
	return marshalHalf("decoder", m.params[len(m.params)/2:])
}

func (m *Diagnostic) State() (json.RawMessage, error) {
	data, err := json.Marshal(map[string]any{
		"parameters":    m.params,
		"dim_target_kl": m.dimTargetKL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model state: %w", err)
	}

	return data, nil
}

func (m *Diagnostic) parameterEnergy() float64 {
	var sq float64
	for _, p := range m.params {
		sq += p * p
	}

	return sq / float64(len(m.params))
}

func marshalHalf(name string, params []float64) (json.RawMessage, error) {
	data, err := json.Marshal(map[string]any{
		"component":  name,
		"parameters": params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s state: %w", name, err)
	}

	return data, nil
}
