package logger

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateLimited drops warnings that arrive within interval of the previous one.
type RateLimited struct {
	log      *zap.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
}

func NewRateLimited(log *zap.Logger, interval time.Duration) *RateLimited {
	return &RateLimited{log: log, interval: interval}
}

func (l *RateLimited) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	l.mu.Unlock()
	l.log.Warn(msg, fields...)
}
