package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	SessionReaperTask = "session_reaper"
	LogPruneTask      = "log_prune"
)

// Reaper stops idle sessions. Implemented by *session.Manager.
type Reaper interface {
	ReapIdle(ctx context.Context, timeout time.Duration) int
}

// Pruner deletes stored log lines older than a cutoff. Implemented by *logsink.Sink.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SessionReaper returns a task that stops sessions idle for longer than timeout.
func SessionReaper(r Reaper, timeout time.Duration, logger *zap.Logger) TaskFn {
	return func(ctx context.Context) {
		if n := r.ReapIdle(ctx, timeout); n > 0 {
			logger.Info("idle sessions reaped", zap.Int("count", n))
		}
	}
}

// LogPrune returns a task that drops log lines older than retention.
func LogPrune(p Pruner, retention time.Duration, logger *zap.Logger) TaskFn {
	return func(ctx context.Context) {
		n, err := p.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("log prune failed", zap.Error(err))
			return
		}
		if n > 0 {
			logger.Info("old log entries pruned", zap.Int64("count", n))
		}
	}
}
