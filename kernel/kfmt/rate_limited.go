package kfmt

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimitedEntry wraps a log entry so that at most one message per interval
// is emitted. Messages over the limit are dropped.
type RateLimitedEntry struct {
	entry *logrus.Entry
	limit *rate.Limiter
}

// RateLimited returns a RateLimitedEntry that emits at most one message every
// interval through entry.
func RateLimited(entry *logrus.Entry, every time.Duration) *RateLimitedEntry {
	return &RateLimitedEntry{
		entry: entry,
		limit: rate.NewLimiter(rate.Every(every), 1),
	}
}

// Warnf logs a warning if the rate limit allows it.
func (rl *RateLimitedEntry) Warnf(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.entry.Warnf(format, args...)
	}
}

// Infof logs an informational message if the rate limit allows it.
func (rl *RateLimitedEntry) Infof(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.entry.Infof(format, args...)
	}
}
