package service

import (
	"time"

	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/domain/aggregator"
	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/pkg/logger"
)

// Option is a functional option for configuring the Service.
type Option func(*Service)

// WithSessionStore sets the session document store.
func WithSessionStore(store aggregator.SessionStore) Option {
	return func(s *Service) {
		if store != nil {
			s.sessions = store
		}
	}
}

// WithIdentityStore sets the driver identity store.
func WithIdentityStore(store identity.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.identities = store
		}
	}
}

// WithRegistry sets the registered-account lookup used by the resolver.
func WithRegistry(reg identity.Registry) Option {
	return func(s *Service) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// WithLeaderboardStores sets the stores behind the driver and kart boards.
func WithLeaderboardStores(drivers, karts repository.Store) Option {
	return func(s *Service) {
		if drivers != nil && karts != nil {
			s.drivers, s.karts = drivers, karts
		}
	}
}

// WithLeaderboardSize bounds the default in-memory boards.
func WithLeaderboardSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.leaderboardSize = n
		}
	}
}

// WithMaxRecordsLimit caps the limit accepted by TopDrivers and TopKarts.
func WithMaxRecordsLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxRecordsLimit = n
		}
	}
}

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the maximum number of queued batches.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithLocation sets the timezone used to derive session ids and dates.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithPersistRetry sets the optimistic-concurrency retry budget.
func WithPersistRetry(maxAttempts int, step time.Duration) Option {
	return func(s *Service) {
		if maxAttempts > 0 {
			s.persistAttempts = maxAttempts
			s.persistStep = step
		}
	}
}

// WithFuzzyMatching tunes the fuzzy identity tier.
func WithFuzzyMatching(minScore float64, candidateLimit int) Option {
	return func(s *Service) {
		s.fuzzyMinScore = minScore
		s.fuzzyCandidates = candidateLimit
	}
}

// WithDifferResetInterval sets how often the differencer forgets everything.
func WithDifferResetInterval(d time.Duration) Option {
	return func(s *Service) {
		s.resetInterval = d
	}
}

// WithDifferMaxSessions bounds the sessions tracked by the differencer.
func WithDifferMaxSessions(n int) Option {
	return func(s *Service) {
		s.maxSessions = n
	}
}

// WithResolveParallelism bounds concurrent identity lookups per batch.
func WithResolveParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.resolveParallel = n
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
