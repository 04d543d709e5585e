// Package repository holds the best-lap ranking stores.
package repository

import (
	"context"

	"github.com/okian/pitwall/internal/domain/model"
)

// Store keeps the single best (lowest) lap time per key, ranked ascending,
// bounded to a fixed number of keys.
type Store interface {
	// Consider stores rec for key when no record exists or rec.Time is
	// strictly lower than the stored one. Returns true if the store changed.
	// A full store keeps rec only when it ranks ahead of its slowest entry,
	// which is then evicted.
	Consider(ctx context.Context, key string, rec model.BestRecord) (bool, error)

	// Get returns the ranked record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (model.BestRecord, error)

	// TopN returns the n fastest records, ranked.
	TopN(ctx context.Context, n int) ([]model.BestRecord, error)

	// Count returns the number of keys held.
	Count(ctx context.Context) (int, error)

	Close() error
}

// assignRanksWithTies assigns competition ranks to entries ordered from
// the fastest: equal times share a rank and the next distinct time skips
// the tied positions (1, 2, 2, 4).
func assignRanksWithTies(entries []model.BestRecord) {
	for i := range entries {
		if i > 0 && entries[i].Time == entries[i-1].Time {
			entries[i].Rank = entries[i-1].Rank
			continue
		}
		entries[i].Rank = i + 1
	}
}
