// File: internal/syncer/scheduler.go
package syncer

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Every invokes fn immediately and then once per interval until ctx is done.
// Invocations never overlap. Failures are logged and the loop continues;
// cancellation ends the loop with a nil error.
func Every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	log := logger.Named("scheduler").With(zap.String("connector", name), zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			log.Info("Scheduler stopped")
			return nil
		}
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return nil
				}
			}
			log.Error("Scheduled run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			log.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Loop runs job on the driver at the given interval until ctx is done.
func (d *Driver) Loop(ctx context.Context, job Job, interval time.Duration) error {
	return Every(ctx, interval, job.Name(), func(ctx context.Context) error {
		return d.RunOnce(ctx, job)
	}, d.log)
}
