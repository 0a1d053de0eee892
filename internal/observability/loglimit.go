package observability

import (
	"sync"
	"time"
)

// =============================================================================
// Log Limiter
// =============================================================================

// LogLimiter spaces out log lines of the same failure kind so a flapping
// source cannot storm the log.
type LogLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time

	// Suppressed counts lines withheld per kind since the last allowed
	// line, reported alongside the next one.
	suppressed map[string]int64

	now func() time.Time
}

// NewLogLimiter creates a limiter with the given minimum spacing.
func NewLogLimiter(interval time.Duration) *LogLimiter {
	return &LogLimiter{
		interval:   interval,
		last:       make(map[string]time.Time),
		suppressed: make(map[string]int64),
		now:        time.Now,
	}
}

// Allow reports whether a line of the given kind may be logged now, and
// how many lines of that kind were suppressed since the last allowed one.
func (l *LogLimiter) Allow(kind string) (ok bool, suppressed int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, seen := l.last[kind]; seen && now.Sub(last) < l.interval {
		l.suppressed[kind]++
		return false, 0
	}

	l.last[kind] = now
	n := l.suppressed[kind]
	l.suppressed[kind] = 0
	return true, n
}
