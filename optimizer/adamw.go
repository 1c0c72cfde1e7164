// Package optimizer implements the parameter update rules the orchestrator
// drives: an AdamW optimizer over a flat parameter vector and a
// warmup-linear learning-rate schedule.
package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var ErrDimensionMismatch = errors.New("parameter and gradient dimensions differ")

// Target exposes the trainable parameter vector and its accumulated
// gradients. The model owns both; the optimizer mutates parameters in place.
type Target interface {
	Parameters() []float64
	Gradients() []float64
}

// AdamWConfig holds optimizer hyperparameters.
type AdamWConfig struct {
	LearningRate float64 `env:"TRAINER_LEARNING_RATE" envDefault:"5e-5"`
	Beta1        float64 `env:"TRAINER_ADAM_BETA1"    envDefault:"0.9"`
	Beta2        float64 `env:"TRAINER_ADAM_BETA2"    envDefault:"0.999"`
	Epsilon      float64 `env:"TRAINER_ADAM_EPSILON"  envDefault:"1e-8"`
	WeightDecay  float64 `env:"TRAINER_WEIGHT_DECAY"  envDefault:"0.0"`
}

// AdamW performs decoupled-weight-decay Adam updates with bias correction.
type AdamW struct {
	cfg    AdamWConfig
	lr     float64
	target Target

	momentum []float64
	variance []float64
	steps    uint64
}

type adamWState struct {
	Momentum []float64 `json:"momentum"`
	Variance []float64 `json:"variance"`
	Steps    uint64    `json:"steps"`
	LR       float64   `json:"lr"`
}

func NewAdamW(cfg AdamWConfig, target Target) *AdamW {
	n := len(target.Parameters())

	return &AdamW{
		cfg:      cfg,
		lr:       cfg.LearningRate,
		target:   target,
		momentum: make([]float64, n),
		variance: make([]float64, n),
	}
}

// SetLR overrides the effective learning rate, typically from a schedule.
func (o *AdamW) SetLR(lr float64) {
	o.lr = lr
}

func (o *AdamW) LR() float64 {
	return o.lr
}

// Step applies one update from the accumulated gradients. Gradients are left
// untouched; the orchestrator zeroes them after the step.
func (o *AdamW) Step(_ context.Context) error {
	params := o.target.Parameters()
	grads := o.target.Gradients()
	if len(params) != len(grads) || len(params) != len(o.momentum) {
		return fmt.Errorf("%w: %d parameters, %d gradients", ErrDimensionMismatch, len(params), len(grads))
	}

	o.steps++
	correction1 := 1 - math.Pow(o.cfg.Beta1, float64(o.steps))
	correction2 := 1 - math.Pow(o.cfg.Beta2, float64(o.steps))

	for i := range params {
		g := grads[i]
		o.momentum[i] = o.cfg.Beta1*o.momentum[i] + (1-o.cfg.Beta1)*g
		o.variance[i] = o.cfg.Beta2*o.variance[i] + (1-o.cfg.Beta2)*g*g

		mHat := o.momentum[i] / correction1
		vHat := o.variance[i] / correction2

		params[i] -= o.lr * (mHat/(math.Sqrt(vHat)+o.cfg.Epsilon) + o.cfg.WeightDecay*params[i])
	}

	return nil
}

// State serializes the optimizer moments for checkpointing.
func (o *AdamW) State() (json.RawMessage, error) {
	data, err := json.Marshal(adamWState{
		Momentum: o.momentum,
		Variance: o.variance,
		Steps:    o.steps,
		LR:       o.lr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal optimizer state: %w", err)
	}

	return data, nil
}
