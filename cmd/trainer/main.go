package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/stochlab/latentrain/optimizer"
	"github.com/stochlab/latentrain/trainer"
	"github.com/stochlab/latentrain/trainerd"
)

const (
	svcName = "trainer"
	pathEnv = ".env"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := os.Stat(pathEnv); err == nil {
		_ = godotenv.Load(pathEnv)
	}

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
	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	logger.Info("starting training run",
		slog.String("service", svcName),
		slog.String("instance_id", instanceID))

	if err := trainerd.Start(ctx, cancel, cfg, optCfg, logger); err != nil {
		logger.Error("training run failed", slog.String("error", err.Error()))
		cancel()
		os.Exit(1)
	}
	cancel()
}
