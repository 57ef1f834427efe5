package store

import (
	"context"
	"log/slog"
	"time"
)

const retentionInterval = time.Hour

// EvictCallback is called with the number of conversations a sweep removed.
type EvictCallback func(deleted int64)

// StartRetentionWorker periodically removes conversations untouched for
// retention. It stops when ctx is done.
func StartRetentionWorker(ctx context.Context, repo Repository, retention time.Duration, onEvict EvictCallback) {
	if retention <= 0 {
		slog.Info("Transcript retention disabled")
		return
	}
	ticker := time.NewTicker(retentionInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", retentionInterval, "retention", retention)

		sweep(ctx, repo, retention, onEvict)
		for {
			select {
			case <-ticker.C:
				sweep(ctx, repo, retention, onEvict)
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, repo Repository, retention time.Duration, onEvict EvictCallback) {
	deleted, err := repo.DeleteStaleConversations(ctx, retention)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Retention worker failed to delete stale conversations", "error", err)
		}
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker removed stale conversations", "count", deleted)
	}
	if onEvict != nil {
		onEvict(deleted)
	}
}
