package ingest

import "errors"

// ErrInvalidPayload fails a whole batch: not JSON, or the batch envelope
// violates the schema.
var ErrInvalidPayload = errors.New("invalid snapshot payload")

// Per-entry rejection reasons.
const (
	ReasonBlankName  = "blank_name"
	ReasonBadNumber  = "bad_number"
	ReasonBadTime    = "bad_time"
	ReasonPosition   = "bad_position"
	ReasonBadKart    = "bad_kart"
	ReasonBadEntry   = "bad_entry"
	ReasonBadInstant = "bad_timestamp"
)
