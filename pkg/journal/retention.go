package journal

import (
	"context"
	"log/slog"
	"time"
)

const defaultPruneEvery = time.Hour

// Retain deletes entries older than maxAge once immediately and then every
// interval until ctx is done. A zero maxAge keeps everything.
func (j *Journal) Retain(ctx context.Context, maxAge, every time.Duration) {
	if maxAge <= 0 {
		return
	}
	if every <= 0 {
		every = defaultPruneEvery
	}

	j.logger.Info("journal retention started",
		slog.Duration("max_age", maxAge),
		slog.Duration("every", every),
	)
	j.pruneOlder(ctx, maxAge)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.pruneOlder(ctx, maxAge)
		}
	}
}

func (j *Journal) pruneOlder(ctx context.Context, maxAge time.Duration) {
	n, err := j.Prune(ctx, time.Now().Add(-maxAge))
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Error("journal: prune failed", slog.String("err", err.Error()))
		}
		return
	}
	if n > 0 {
		j.logger.Info("journal: pruned entries", slog.Int64("count", n))
	}
}
