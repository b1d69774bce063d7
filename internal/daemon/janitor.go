package daemon

import (
	"context"
	"log/slog"
	"time"

	"harvester/internal/logging"
)

// runJanitor purges expired status records every interval until ctx ends.
func runJanitor(ctx context.Context, purger Purger, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeOnce(ctx, purger, logger)
		}
	}
}

func purgeOnce(ctx context.Context, purger Purger, logger *slog.Logger) {
	removed, err := purger.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logging.WarnWithContext(logger, "status purge failed", "status_purge_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "expired records stay hidden but keep using storage"),
			)
		}
		return
	}
	if removed > 0 {
		logger.Info("expired status records purged",
			logging.Int64("removed", removed),
			logging.String(logging.FieldEventType, "status_purged"),
		)
	}
}
