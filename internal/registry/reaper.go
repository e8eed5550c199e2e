package registry

import (
	"context"
	"log/slog"
	"time"
)

// RunReaper reclaims stale entries every interval until ctx is done.
// It returns nil when ctx is cancelled so it can run inside an errgroup.
func RunReaper(ctx context.Context, r Registry, interval time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Reclaim(ctx)
			if err != nil {
				logger.Warn("reclaim failed", "event", "registry.reclaim", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("reclaimed stale workers", "event", "registry.reclaim", "count", n)
			}
		}
	}
}
