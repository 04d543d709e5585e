package differ

import (
	"time"

	"github.com/okian/pitwall/pkg/logger"
)

// Option applies a configuration option to the in-memory Differ.
type Option func(*inMemoryDiffer)

// WithMaxSessions bounds the number of sessions tracked; the oldest session
// is evicted first. Zero or negative means unbounded.
func WithMaxSessions(n int) Option {
	return func(d *inMemoryDiffer) {
		d.maxSessions = n
	}
}

// WithResetInterval sets how often Run clears all state.
func WithResetInterval(interval time.Duration) Option {
	return func(d *inMemoryDiffer) {
		d.resetInterval = interval
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(d *inMemoryDiffer) {
		if l != nil {
			d.logger = l
		}
	}
}
