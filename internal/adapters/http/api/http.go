// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/domain/aggregator"
	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/internal/domain/ingest"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	SnapshotDependencies
	SessionDependencies
	IdentityDependencies
	RecordDependencies
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler    *HealthHandler
	statsHandler     *StatsHandler
	snapshotsHandler *SnapshotsHandler
	sessionsHandler  *SessionsHandler
	identityHandler  *IdentityHandler
	recordsHandler   *RecordsHandler
	dashboardHandler *dashboardHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies) *Server {
	return &Server{
		healthHandler:    NewHealthHandler(),
		statsHandler:     NewStatsHandler(deps),
		snapshotsHandler: NewSnapshotsHandler(deps),
		sessionsHandler:  NewSessionsHandler(deps),
		identityHandler:  NewIdentityHandler(deps),
		recordsHandler:   NewRecordsHandler(deps),
		dashboardHandler: newDashboardHandler(),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /dashboard", s.dashboardHandler.HandleDashboard)
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /snapshots", MetricsMiddleware(s.snapshotsHandler.HandlePostSnapshots, "snapshots"))

	mux.HandleFunc("GET /sessions", MetricsMiddleware(s.sessionsHandler.HandleListSessions, "sessions"))
	mux.HandleFunc("GET /sessions/{id}", MetricsMiddleware(s.sessionsHandler.HandleGetSession, "session"))
	mux.HandleFunc("PUT /sessions/{id}/drivers/{name}/laps/{lap}", MetricsMiddleware(s.sessionsHandler.HandleReplaceLap, "lap"))

	mux.HandleFunc("GET /identities/{id}", MetricsMiddleware(s.identityHandler.HandleGetIdentity, "identity"))
	mux.HandleFunc("POST /identities/bind", MetricsMiddleware(s.identityHandler.HandleBind, "identity_bind"))

	mux.HandleFunc("GET /records/drivers", MetricsMiddleware(s.recordsHandler.HandleTopDrivers, "records_drivers"))
	mux.HandleFunc("GET /records/drivers/{name}", MetricsMiddleware(s.recordsHandler.HandleDriverRecord, "record_driver"))
	mux.HandleFunc("GET /records/karts", MetricsMiddleware(s.recordsHandler.HandleTopKarts, "records_karts"))
	mux.HandleFunc("GET /records/karts/{kart}", MetricsMiddleware(s.recordsHandler.HandleKartRecord, "record_kart"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure maps domain errors onto status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBackpressure):
		writeError(w, http.StatusTooManyRequests, "backpressure", err)
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrNoSnapshots),
		errors.Is(err, ingest.ErrInvalidPayload),
		errors.Is(err, repository.ErrInvalidLimit),
		errors.Is(err, repository.ErrInvalidTime),
		errors.Is(err, aggregator.ErrInvalidLap),
		errors.Is(err, identity.ErrEmptyName):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	case isNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, aggregator.ErrRetriesExhausted):
		writeError(w, http.StatusServiceUnavailable, "retry_later", err)
	case errors.Is(err, errors.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, "not_implemented", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}

// isNotFound allows the API to translate upstream not-found errors to 404.
func isNotFound(err error) bool {
	return errors.Is(err, aggregator.ErrNotFound) ||
		errors.Is(err, aggregator.ErrDriverNotFound) ||
		errors.Is(err, identity.ErrNotFound) ||
		errors.Is(err, identity.ErrAccountNotFound) ||
		errors.Is(err, repository.ErrNotFound)
}
