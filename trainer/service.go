package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stochlab/latentrain/checkpoint"
	"github.com/stochlab/latentrain/dataset"
	"github.com/stochlab/latentrain/schedule"
	"github.com/stochlab/latentrain/topology"
)

// Service runs the training loop to completion.
type Service interface {
	Run(ctx context.Context) error
	State() State
}

type service struct {
	cfg      Config
	topo     topology.Topology
	loader   dataset.Loader
	model    Model
	opt      Optimizer
	lrSched  LRSchedule
	schedule *schedule.Schedule
	saver    checkpoint.Saver
	metrics  Metrics
	logger   *slog.Logger
	state    State
}

func New(
	cfg Config,
	topo topology.Topology,
	loader dataset.Loader,
	model Model,
	opt Optimizer,
	lrSched LRSchedule,
	sched *schedule.Schedule,
	saver checkpoint.Saver,
	metrics Metrics,
	logger *slog.Logger,
) Service {
	return &service{
		cfg:      cfg,
		topo:     topo,
		loader:   loader,
		model:    model,
		opt:      opt,
		lrSched:  lrSched,
		schedule: sched,
		saver:    saver,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *service) State() State {
	return s.state
}

func (s *service) Run(ctx context.Context) error {
	numFiles := s.loader.NumFiles()

	s.logger.Info("***** Running training *****",
		slog.Int("num_files", numFiles),
		slog.Int("num_epochs", s.cfg.Epochs),
		slog.Int("per_device_batch_size", s.cfg.PerDeviceBatchSize),
		slog.Int("gradient_accumulation_steps", s.cfg.GradientAccumulationSteps),
		slog.Int("rank", s.topo.GlobalRank),
		slog.Int("world_size", s.topo.WorldSize))

	s.model.ZeroGradients()

	done := false
	for epoch := 0; epoch < s.cfg.Epochs && !done; epoch++ {
		s.state.Epoch = epoch
		if err := s.loader.Reset(ctx); err != nil {
			return fmt.Errorf("failed to reset data loader: %w", err)
		}

		// The last file of every epoch is deliberately left out. This bound
		// is inherited from the data pipeline's corpus-rotation policy and
		// must not be "fixed" to numFiles.
		for fileIdx := 0; fileIdx < numFiles-1 && !done; fileIdx++ {
			s.state.FileIndex = fileIdx
			s.logger.Info("training on file",
				slog.Int("rank", s.topo.GlobalRank),
				slog.Int("epoch", epoch),
				slog.Int("file_idx", s.loader.FileIndex()))

			exhausted, err := s.runFile(ctx)
			if err != nil {
				return err
			}
			done = exhausted
			if done {
				break
			}

			if fileIdx < numFiles-2 {
				if err := s.loader.NextFile(ctx); err != nil {
					return fmt.Errorf("failed to advance to next file: %w", err)
				}
			}
		}
	}

	if err := s.saveCheckpoint(ctx); err != nil {
		return err
	}

	avg := 0.0
	if s.state.GlobalStep > 0 {
		avg = s.state.TrainLoss / float64(s.state.GlobalStep)
	}
	s.logger.Info("training complete",
		slog.Int("rank", s.topo.GlobalRank),
		slog.Int("global_step", s.state.GlobalStep),
		slog.Float64("average_loss", avg))

	return nil
}

// runFile consumes every batch of the current file. It reports whether the
// configured maximum step count was reached, which terminates the whole run.
func (s *service) runFile(ctx context.Context) (bool, error) {
	step := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		batch, err := s.loader.Next(ctx)
		if errors.Is(err, dataset.ErrFileExhausted) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read batch: %w", err)
		}

		weight := s.schedule.Weight(s.state.GlobalStep)
		mode := schedule.DeriveMode(weight, s.cfg.UseDeterministicMode)

		losses, err := s.model.Losses(ctx, batch, weight, mode)
		if err != nil {
			return false, fmt.Errorf("failed to compute losses: %w", err)
		}

		recLoss := mean(losses.Reconstruction)
		regLoss := mean(losses.Regularization)
		combined := mean(losses.Combined)
		if s.cfg.GradientAccumulationSteps > 1 {
			combined /= float64(s.cfg.GradientAccumulationSteps)
		}

		if err := s.model.Backward(ctx, combined); err != nil {
			return false, fmt.Errorf("failed to accumulate gradients: %w", err)
		}
		s.state.TrainLoss += combined

		if (step+1)%s.cfg.GradientAccumulationSteps == 0 {
			if err := s.optimizerStep(ctx, weight, recLoss, regLoss); err != nil {
				return false, err
			}
		}

		if s.cfg.MaxSteps > 0 && s.state.GlobalStep > s.cfg.MaxSteps {
			s.logger.Info("reached configured maximum step count",
				slog.Int("global_step", s.state.GlobalStep),
				slog.Int("max_steps", s.cfg.MaxSteps))

			return true, nil
		}

		step++
	}
}

// optimizerStep applies one parameter update and handles the global-step
// bookkeeping: LR schedule, logging and checkpoint triggering.
func (s *service) optimizerStep(ctx context.Context, weight, recLoss, regLoss float64) error {
	s.model.ClipGradients(s.cfg.MaxGradientNorm)

	s.opt.SetLR(s.lrSched.LR())
	if err := s.opt.Step(ctx); err != nil {
		return fmt.Errorf("failed to apply optimizer step: %w", err)
	}
	s.lrSched.Step()
	s.model.ZeroGradients()

	s.state.GlobalStep++
	s.metrics.Steps.Add(1)

	if s.topo.Coordinator() && s.cfg.LoggingIntervalSteps > 0 && s.state.GlobalStep%s.cfg.LoggingIntervalSteps == 0 {
		window := (s.state.TrainLoss - s.state.loggingLoss) / float64(s.cfg.LoggingIntervalSteps)
		s.state.loggingLoss = s.state.TrainLoss

		s.metrics.Loss.Set(window)
		s.metrics.Beta.Set(weight)
		s.metrics.LR.Set(s.lrSched.LR())

		s.logger.Info("training progress",
			slog.Int("global_step", s.state.GlobalStep),
			slog.Int("rank", s.topo.GlobalRank),
			slog.Int("file_idx", s.loader.FileIndex()),
			slog.Int("epoch", s.state.Epoch),
			slog.Float64("beta", weight),
			slog.Float64("loss", window),
			slog.Float64("loss_rec", recLoss),
			slog.Float64("loss_kl", regLoss),
			slog.Float64("lr", s.lrSched.LR()))
	}

	if s.cfg.CheckpointIntervalSteps > 0 && s.state.GlobalStep%s.cfg.CheckpointIntervalSteps == 0 {
		if err := s.saveCheckpoint(ctx); err != nil {
			return err
		}
	}

	return nil
}

// saveCheckpoint snapshots model and optimizer state. Coordinator gating
// lives in the checkpoint manager, so every rank calls this symmetrically.
func (s *service) saveCheckpoint(ctx context.Context) error {
	encoderState, err := s.model.EncoderState()
	if err != nil {
		return fmt.Errorf("failed to snapshot encoder state: %w", err)
	}
	decoderState, err := s.model.DecoderState()
	if err != nil {
		return fmt.Errorf("failed to snapshot decoder state: %w", err)
	}
	modelState, err := s.model.State()
	if err != nil {
		return fmt.Errorf("failed to snapshot model state: %w", err)
	}
	optState, err := s.opt.State()
	if err != nil {
		return fmt.Errorf("failed to snapshot optimizer state: %w", err)
	}
	runConfig, err := json.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal run configuration: %w", err)
	}

	snap := checkpoint.Snapshot{
		GlobalStep:     s.state.GlobalStep,
		EncoderState:   encoderState,
		DecoderState:   decoderState,
		ModelState:     modelState,
		OptimizerState: optState,
		Weight:         s.schedule.Weight(s.state.GlobalStep),
		RunConfig:      runConfig,
	}

	if err := s.saver.Save(ctx, snap); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}
