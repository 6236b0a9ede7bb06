package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

const DefaultSweepInterval = 5 * time.Minute

type sweepable interface {
	Sweep() int
}

// RunSweeper calls Sweep on every target each interval until ctx is done.
func RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger, targets ...sweepable) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := 0
			for _, t := range targets {
				removed += t.Sweep()
			}
			if removed > 0 {
				logger.Debug("rate limiter sweep", "removed", removed)
			}
		}
	}
}
