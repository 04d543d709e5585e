package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/okian/pitwall/internal/domain/model"
)

const defaultRecordsLimit = 10

// RecordDependencies defines the interface for best-lap leaderboard reads.
type RecordDependencies interface {
	TopDrivers(ctx context.Context, limit int) ([]model.BestRecord, error)
	TopKarts(ctx context.Context, limit int) ([]model.BestRecord, error)
	DriverRecord(ctx context.Context, driver string) (model.BestRecord, error)
	KartRecord(ctx context.Context, kart string) (model.BestRecord, error)
}

// RecordsHandler handles leaderboard requests.
type RecordsHandler struct {
	deps RecordDependencies
}

// NewRecordsHandler creates a new records handler.
func NewRecordsHandler(deps RecordDependencies) *RecordsHandler {
	return &RecordsHandler{deps: deps}
}

func parseLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return defaultRecordsLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	return n, nil
}

func (h *RecordsHandler) top(w http.ResponseWriter, r *http.Request, op string, read func(context.Context, int) ([]model.BestRecord, error)) {
	n, err := parseLimit(r)
	if err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	records, err := read(r.Context(), n)
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	if records == nil {
		records = []model.BestRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// HandleTopDrivers handles GET /records/drivers?limit=N requests.
func (h *RecordsHandler) HandleTopDrivers(w http.ResponseWriter, r *http.Request) {
	h.top(w, r, "api.top_drivers", h.deps.TopDrivers)
}

// HandleTopKarts handles GET /records/karts?limit=N requests.
func (h *RecordsHandler) HandleTopKarts(w http.ResponseWriter, r *http.Request) {
	h.top(w, r, "api.top_karts", h.deps.TopKarts)
}

// HandleDriverRecord handles GET /records/drivers/{name} requests.
func (h *RecordsHandler) HandleDriverRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.DriverRecord(r.Context(), r.PathValue("name"))
	if err != nil {
		writeFailure(w, Wrap("api.driver_record", err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleKartRecord handles GET /records/karts/{kart} requests.
func (h *RecordsHandler) HandleKartRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.KartRecord(r.Context(), r.PathValue("kart"))
	if err != nil {
		writeFailure(w, Wrap("api.kart_record", err))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
