package optimizer

// WarmupLinear ramps the learning rate linearly from zero over the warmup
// steps, then decays it linearly to zero at totalSteps. Advanced once per
// optimizer step.
type WarmupLinear struct {
	base        float64
	warmupSteps int
	totalSteps  int
	step        int
}

func NewWarmupLinear(base float64, warmupSteps, totalSteps int) *WarmupLinear {
	return &WarmupLinear{
		base:        base,
		warmupSteps: warmupSteps,
		totalSteps:  totalSteps,
	}
}

func (s *WarmupLinear) Step() {
	s.step++
}

func (s *WarmupLinear) LR() float64 {
	if s.warmupSteps > 0 && s.step < s.warmupSteps {
		return s.base * float64(s.step) / float64(s.warmupSteps)
	}
	if s.totalSteps <= s.warmupSteps {
		return s.base
	}

	remaining := float64(s.totalSteps-s.step) / float64(s.totalSteps-s.warmupSteps)
	if remaining < 0 {
		remaining = 0
	}

	return s.base * remaining
}
