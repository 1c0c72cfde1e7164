// Package schedule holds the regularization-weight annealing schedule and
// the mode gate derived from it.
package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrIterations = errors.New("total iterations must be positive")
	ErrCycles     = errors.New("cycle count must be positive")
	ErrFraction   = errors.New("fraction must be in [0, 1]")
	ErrRange      = errors.New("start must not exceed stop")
)

// Mode selects how the regularization term enters the loss. It is derived
// from the current weight at the point of use and never persisted.
type Mode int

const (
	// Disabled drops the regularization term entirely.
	Disabled Mode = iota
	// FreeBit keeps the term active but floors the per-dimension penalty
	// below a target threshold.
	FreeBit
	// Deterministic bypasses stochastic sampling regardless of weight.
	Deterministic
)

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case FreeBit:
		return "free-bit"
	case Deterministic:
		return "deterministic"
	default:
		return "unknown"
	}
}

// DeriveMode maps the current weight to a regularization mode. A forced
// deterministic configuration takes precedence over the weight.
func DeriveMode(weight float64, deterministic bool) Mode {
	if deterministic {
		return Deterministic
	}
	if weight == 0 {
		return Disabled
	}

	return FreeBit
}

// Config describes a cyclical ramp-then-hold annealing schedule. Each cycle
// starts with a zero phase, ramps linearly from Start to Stop, then holds at
// Stop for the remainder of the cycle.
type Config struct {
	TotalIterations int
	Start           float64
	Stop            float64
	Cycles          int
	RampUpFraction  float64
	ZeroFraction    float64
}

func (c Config) Validate() error {
	if c.TotalIterations <= 0 {
		return fmt.Errorf("%w: %d", ErrIterations, c.TotalIterations)
	}
	if c.Cycles <= 0 {
		return fmt.Errorf("%w: %d", ErrCycles, c.Cycles)
	}
	if c.Cycles > c.TotalIterations {
		return fmt.Errorf("%w: %d cycles over %d iterations", ErrCycles, c.Cycles, c.TotalIterations)
	}
	if c.RampUpFraction < 0 || c.RampUpFraction > 1 {
		return fmt.Errorf("%w: ramp-up fraction %f", ErrFraction, c.RampUpFraction)
	}
	if c.ZeroFraction < 0 || c.ZeroFraction > 1 {
		return fmt.Errorf("%w: zero fraction %f", ErrFraction, c.ZeroFraction)
	}
	if c.Start > c.Stop {
		return fmt.Errorf("%w: start %f, stop %f", ErrRange, c.Start, c.Stop)
	}

	return nil
}

// Schedule is a finite precomputed weight sequence indexed by global step.
type Schedule struct {
	weights []float64
	stop    float64
}

// New precomputes the weight sequence. The builder is deterministic: the same
// configuration always yields the same sequence.
func New(cfg Config) (*Schedule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule configuration: %w", err)
	}

	weights := make([]float64, cfg.TotalIterations)
	period := float64(cfg.TotalIterations) / float64(cfg.Cycles)

	rampSteps := period * cfg.RampUpFraction
	var stepSize float64
	if rampSteps > 0 {
		stepSize = (cfg.Stop - cfg.Start) / rampSteps
	}

	for c := 0; c < cfg.Cycles; c++ {
		v := cfg.Start
		for i := 0; i < int(period); i++ {
			idx := i + c*int(period)
			if idx >= cfg.TotalIterations {
				break
			}
			switch {
			case float64(i) < period*cfg.ZeroFraction:
				weights[idx] = cfg.Start
			case rampSteps > 0 && v < cfg.Stop:
				weights[idx] = v
				v += stepSize
			default:
				// Ramp finished, or no ramp configured: hold at stop for
				// the remainder of the cycle.
				weights[idx] = cfg.Stop
			}
		}
	}
	// Cycle periods truncate; any tail steps hold at stop.
	for i := cfg.Cycles * int(period); i < cfg.TotalIterations; i++ {
		weights[i] = cfg.Stop
	}

	return &Schedule{weights: weights, stop: cfg.Stop}, nil
}

// Weight returns the weight for the given step. Queries past the end of the
// sequence saturate at the configured stop value, they never error or
// extrapolate.
func (s *Schedule) Weight(step int) float64 {
	if step < 0 || step >= len(s.weights) {
		return s.stop
	}

	return s.weights[step]
}

// Len returns the length of the precomputed sequence.
func (s *Schedule) Len() int {
	return len(s.weights)
}

// Constant returns a degenerate schedule that always yields weight.
func Constant(weight float64) *Schedule {
	return &Schedule{stop: weight}
}
