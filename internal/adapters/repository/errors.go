package repository

import "errors"

// Sentinel kinds for leaderboard errors.
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidLimit = errors.New("invalid leaderboard limit")
	ErrInvalidTime  = errors.New("lap time must be positive")
)
