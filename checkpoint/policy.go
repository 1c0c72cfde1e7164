package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
)

// Policy decides how a single artifact write is driven to completion.
type Policy interface {
	Run(ctx context.Context, artifact string, attempt func() error) error
}

// FailFast makes a single attempt and propagates any storage failure.
type FailFast struct{}

func (FailFast) Run(_ context.Context, artifact string, attempt func() error) error {
	if err := attempt(); err != nil {
		return fmt.Errorf("failed to persist %s artifact: %w", artifact, err)
	}

	return nil
}

// RetryForever retries the write until it succeeds, swallowing every error.
// The loop is deliberately unbounded with no backoff: the target deployment
// treats storage unavailability as always transient, so a permanently broken
// path hangs instead of failing. Retries surface only as log lines.
type RetryForever struct {
	Logger *slog.Logger
}

func (p RetryForever) Run(_ context.Context, artifact string, attempt func() error) error {
	attempts := 0
	for {
		attempts++
		p.Logger.Info("saving checkpoint artifact",
			slog.String("artifact", artifact),
			slog.Int("attempts", attempts))

		err := attempt()
		if err == nil {
			return nil
		}

		p.Logger.Warn("checkpoint save attempt failed, retrying",
			slog.String("artifact", artifact),
			slog.Int("attempts", attempts),
			slog.Any("error", err))
	}
}
