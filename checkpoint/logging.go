package checkpoint

import (
	"context"
	"log/slog"
	"time"
)

var _ Saver = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	saver  Saver
}

// Logging wraps a saver with structured completion logging.
func Logging(logger *slog.Logger, saver Saver) Saver {
	return &loggingMiddleware{
		logger: logger,
		saver:  saver,
	}
}

func (lm *loggingMiddleware) Save(ctx context.Context, snap Snapshot) (err error) {
	defer func(begin time.Time) {
		args := []any{
			slog.String("duration", time.Since(begin).String()),
			slog.Group("checkpoint",
				slog.Int("global_step", snap.GlobalStep),
				slog.Float64("beta", snap.Weight),
			),
		}
		if err != nil {
			args = append(args, slog.Any("error", err))
			lm.logger.Warn("Save checkpoint failed", args...)

			return
		}
		lm.logger.Info("Save checkpoint completed successfully", args...)
	}(time.Now())

	return lm.saver.Save(ctx, snap)
}
