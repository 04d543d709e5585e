package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/okian/pitwall/internal/domain/ingest"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/metrics"
)

const maxSnapshotBody = 1 << 20

// SnapshotDependencies defines the interface for snapshot ingestion.
type SnapshotDependencies interface {
	// Enqueue pushes a batch for async processing. Returns false on backpressure.
	Enqueue(ctx context.Context, b model.SnapshotBatch) bool
}

// SnapshotsHandler handles timing snapshot uploads.
type SnapshotsHandler struct {
	deps SnapshotDependencies
}

// NewSnapshotsHandler creates a new snapshots handler.
func NewSnapshotsHandler(deps SnapshotDependencies) *SnapshotsHandler {
	return &SnapshotsHandler{deps: deps}
}

type snapshotsResponse struct {
	Status      string             `json:"status"`
	SessionName string             `json:"sessionName"`
	Accepted    int                `json:"accepted"`
	Rejected    []ingest.Rejection `json:"rejected,omitempty"`
}

// HandlePostSnapshots handles POST /snapshots requests.
func (h *SnapshotsHandler) HandlePostSnapshots(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_snapshots"

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", WrapKind(op, ErrBadRequest, err))
			return
		}
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}

	batch, rejected, err := ingest.Decode(raw)
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	if len(batch.Snapshots) == 0 && len(rejected) > 0 {
		writeJSON(w, http.StatusBadRequest, struct {
			errorResponse
			Rejected []ingest.Rejection `json:"rejected"`
		}{errorResponse{Code: "bad_request", Message: NewKind(op, ErrNoSnapshots).Error()}, rejected})
		return
	}
	metrics.RecordSnapshotsReceived("http", len(batch.Snapshots))

	if ok := h.deps.Enqueue(r.Context(), batch); !ok {
		writeFailure(w, NewKind(op, fmt.Errorf("%w: ingestion queue is full", ErrBackpressure)))
		return
	}
	writeJSON(w, http.StatusAccepted, snapshotsResponse{
		Status:      "accepted",
		SessionName: batch.SessionName,
		Accepted:    len(batch.Snapshots),
		Rejected:    rejected,
	})
}
