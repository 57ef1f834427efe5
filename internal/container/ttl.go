package container

import (
	"context"
	"log/slog"
	"time"
)

const idleWorkerInterval = 5 * time.Minute

// EvictCallback is called with the host of each client closed by the idle worker.
type EvictCallback func(host string)

// StartIdleWorker runs a background goroutine that periodically closes engine
// clients that have not been used within idle.
func StartIdleWorker(ctx context.Context, pool *Pool, idle time.Duration, onEvict EvictCallback) {
	ticker := time.NewTicker(idleWorkerInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Docker idle worker started", "interval", idleWorkerInterval, "idle", idle)

		for {
			select {
			case <-ticker.C:
				sweepIdleClients(ctx, pool, idle, onEvict)
			case <-ctx.Done():
				slog.Info("Docker idle worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepIdleClients(ctx context.Context, pool *Pool, idle time.Duration, onEvict EvictCallback) {
	evicted := pool.evictIdle(ctx, idle)
	if len(evicted) == 0 {
		return
	}
	for _, host := range evicted {
		slog.Info("Docker idle worker closed client", "docker_host", host)
		if onEvict != nil {
			onEvict(host)
		}
	}
}
