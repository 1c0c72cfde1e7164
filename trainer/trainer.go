// Package trainer drives the distributed pretraining loop: it pulls batches
// from the sharded corpus loader, gates the regularization weight and mode,
// delegates loss computation to the trainable-model collaborator and applies
// optimizer steps with gradient accumulation.
package trainer

import (
	"context"
	"encoding/json"

	"github.com/stochlab/latentrain/dataset"
	"github.com/stochlab/latentrain/schedule"
)

// Losses carries the three per-example loss vectors produced by one forward
// pass. The orchestrator averages each across the batch dimension.
type Losses struct {
	Reconstruction []float64
	Regularization []float64
	Combined       []float64
}

// Model is the trainable latent-variable model collaborator. The
// regularization weight and mode are passed explicitly on every call; the
// model must not cache them between steps. Gradient state is owned by the
// model and accumulated across Backward calls until ZeroGradients.
type Model interface {
	Losses(ctx context.Context, batch dataset.Batch, weight float64, mode schedule.Mode) (Losses, error)
	Backward(ctx context.Context, loss float64) error
	// ClipGradients rescales accumulated gradients to the given L2 norm if
	// they exceed it, returning the pre-clip norm.
	ClipGradients(maxNorm float64) float64
	ZeroGradients()
	EncoderState() (json.RawMessage, error)
	DecoderState() (json.RawMessage, error)
	State() (json.RawMessage, error)
}

// Optimizer applies accumulated gradients to the model parameters.
type Optimizer interface {
	Step(ctx context.Context) error
	SetLR(lr float64)
	State() (json.RawMessage, error)
}

// LRSchedule yields the learning rate for the next optimizer step and is
// advanced once per step.
type LRSchedule interface {
	Step()
	LR() float64
}

// State is the mutable training progress, owned exclusively by the
// orchestrator's control loop.
type State struct {
	Epoch       int
	FileIndex   int
	GlobalStep  int
	TrainLoss   float64
	loggingLoss float64
}
