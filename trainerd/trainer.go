// Package trainerd wires the training components together and exposes them
// behind a daemon-style command tree.
package trainerd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stochlab/latentrain/checkpoint"
	"github.com/stochlab/latentrain/dataset"
	"github.com/stochlab/latentrain/model"
	"github.com/stochlab/latentrain/optimizer"
	"github.com/stochlab/latentrain/schedule"
	"github.com/stochlab/latentrain/topology"
	"github.com/stochlab/latentrain/trainer"
)

const (
	svcName         = "trainer"
	shutdownTimeout = 10 * time.Second
)

var trainerCmds = []cobra.Command{
	{
		Use:   "start",
		Short: "Start trainer",
		Long:  `Start a training run configured from the environment.`,
		Run: func(cmd *cobra.Command, _ []string) {
			cfg := trainer.Config{}
			if err := env.Parse(&cfg); err != nil {
				log.Fatalf("failed to load configuration : %s", err.Error())
			}
			optCfg := optimizer.AdamWConfig{}
			if err := env.Parse(&optCfg); err != nil {
				log.Fatalf("failed to load optimizer configuration : %s", err.Error())
			}

			var level slog.Level
			if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
				log.Fatalf("failed to parse log level: %s", err.Error())
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: level,
			}))

			ctx, cancel := context.WithCancel(cmd.Context())
			if err := Start(ctx, cancel, cfg, optCfg, logger); err != nil {
				cmd.PrintErrf("failed to start trainer: %s", err.Error())
			}
			cancel()
		},
	},
}

// NewTrainerCmd groups the trainer lifecycle commands.
func NewTrainerCmd() *cobra.Command {
	cmd := cobra.Command{
		Use:   "trainer [start]",
		Short: "Trainer management",
		Long:  `Run training for the latent-variable sequence model.`,
	}

	for i := range trainerCmds {
		cmd.AddCommand(&trainerCmds[i])
	}

	return &cmd
}

// Start resolves the topology, assembles the training pipeline and runs it to
// completion. It blocks until the run finishes, fails or a stop signal
// arrives.
func Start(ctx context.Context, cancel context.CancelFunc, cfg trainer.Config, optCfg optimizer.AdamWConfig, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	topo, err := topology.FromProcessEnv(topology.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to resolve topology: %w", err)
	}
	logger.Info("resolved training topology",
		slog.Int("rank", topo.GlobalRank),
		slog.Int("world_size", topo.WorldSize),
		slog.Int("local_rank", topo.LocalRank),
		slog.Any("devices", topo.Devices))

	loader, err := dataset.NewFileLoader(cfg.TrainDataPath, cfg.TrainFilePattern, cfg.PerDeviceBatchSize, cfg.Seed, logger)
	if err != nil {
		return fmt.Errorf("failed to open training corpus: %w", err)
	}
	// Prime the first file so the run length can be sized before training.
	if err := loader.Reset(ctx); err != nil {
		return fmt.Errorf("failed to load first training file: %w", err)
	}

	totalSteps := cfg.MaxSteps
	if totalSteps <= 0 {
		perFile := loader.NumBatches() / cfg.GradientAccumulationSteps
		totalSteps = cfg.Epochs * (loader.NumFiles() - 1) * perFile
	}
	if totalSteps < 1 {
		totalSteps = 1
	}

	sched := schedule.Constant(0)
	if cfg.UseBetaSchedule {
		sched, err = schedule.New(schedule.Config{
			TotalIterations: totalSteps,
			Start:           0,
			Stop:            cfg.Beta,
			Cycles:          cfg.CycleCount,
			RampUpFraction:  cfg.RampUpFraction,
			ZeroFraction:    cfg.ZeroFraction,
		})
		if err != nil {
			return fmt.Errorf("failed to build annealing schedule: %w", err)
		}
	}

	mdl := model.NewDiagnostic()
	opt := optimizer.NewAdamW(optCfg, mdl)
	lrSched := optimizer.NewWarmupLinear(optCfg.LearningRate, cfg.WarmupSteps, totalSteps)

	var policy checkpoint.Policy = checkpoint.FailFast{}
	if cfg.UseResilientCheckpointing {
		policy = checkpoint.RetryForever{Logger: logger}
	}
	var saver checkpoint.Saver = checkpoint.NewManager(cfg.OutputDir, topo.Coordinator(), policy, logger)
	saver = checkpoint.Logging(logger, saver)
	counter, latency := makeSaverMetrics()
	saver = checkpoint.Metrics(counter, latency, saver)

	metrics := trainer.NopMetrics()
	if topo.Coordinator() {
		metrics = makeTrainerMetrics()
	}

	svc := trainer.New(cfg, topo, loader, mdl, opt, lrSched, sched, saver, metrics, logger)

	g, ctx := errgroup.WithContext(ctx)

	var ms *http.Server
	if cfg.MetricsAddress != "" && topo.Coordinator() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ms = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}

		g.Go(func() error {
			logger.Info("metrics server started", slog.String("address", cfg.MetricsAddress))
			if err := ms.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}

			return nil
		})
	}

	g.Go(func() error {
		defer cancel()

		return svc.Run(ctx)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger, ms)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("%s service exited with error: %w", svcName, err)
	}

	return nil
}

// stopSignalHandler cancels the run on SIGINT or SIGTERM and drains the
// metrics server once the run context ends for any reason.
func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, ms *http.Server) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("stop signal received", slog.String("signal", sig.String()))
		cancel()
	case <-ctx.Done():
	}

	if ms != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := ms.Shutdown(sctx); err != nil {
			return fmt.Errorf("failed to shut down metrics server: %w", err)
		}
	}

	return nil
}

func makeSaverMetrics() (*kitprometheus.Counter, *kitprometheus.Summary) {
	counter := kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "latentrain",
		Subsystem: "checkpoint",
		Name:      "request_count",
		Help:      "Number of checkpoint save requests.",
	}, []string{"method"})
	latency := kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
		Namespace: "latentrain",
		Subsystem: "checkpoint",
		Name:      "request_latency_seconds",
		Help:      "Checkpoint save latency in seconds.",
	}, []string{"method"})

	return counter, latency
}

func makeTrainerMetrics() trainer.Metrics {
	return trainer.Metrics{
		Steps: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "latentrain",
			Subsystem: svcName,
			Name:      "optimizer_steps_total",
			Help:      "Number of optimizer steps applied.",
		}, []string{}),
		Loss: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: "latentrain",
			Subsystem: svcName,
			Name:      "window_loss",
			Help:      "Mean training loss over the last logging window.",
		}, []string{}),
		Beta: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: "latentrain",
			Subsystem: svcName,
			Name:      "beta",
			Help:      "Current regularization weight.",
		}, []string{}),
		LR: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: "latentrain",
			Subsystem: svcName,
			Name:      "learning_rate",
			Help:      "Current learning rate.",
		}, []string{}),
	}
}
