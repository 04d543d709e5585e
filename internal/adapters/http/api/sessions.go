package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
)

const defaultSessionsLimit = 20

// SessionDependencies defines the interface for session reads and lap
// corrections.
type SessionDependencies interface {
	Session(ctx context.Context, sessionID string) (model.RaceSession, error)
	Sessions(ctx context.Context, limit int) ([]model.RaceSession, error)
	ReplaceLap(ctx context.Context, sessionID, driverName string, lap model.Lap) (model.RaceSession, error)
}

// SessionsHandler handles session requests.
type SessionsHandler struct {
	deps SessionDependencies
}

// NewSessionsHandler creates a new sessions handler.
func NewSessionsHandler(deps SessionDependencies) *SessionsHandler {
	return &SessionsHandler{deps: deps}
}

// HandleGetSession handles GET /sessions/{id} requests.
func (h *SessionsHandler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_session"
	doc, err := h.deps.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// HandleListSessions handles GET /sessions?limit=N requests.
func (h *SessionsHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_sessions"
	limit := defaultSessionsLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeFailure(w, WrapKind(op, ErrBadRequest, errors.New("limit must be a positive integer")))
			return
		}
		limit = n
	}
	docs, err := h.deps.Sessions(r.Context(), limit)
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	if docs == nil {
		docs = []model.RaceSession{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// lapRequest is the body of a lap correction.
type lapRequest struct {
	Time        int64  `json:"time"`
	Position    int    `json:"position"`
	Timestamp   string `json:"timestamp"`
	GapToLeader string `json:"gapToLeader"`
}

func (l lapRequest) validate() error {
	switch {
	case l.Time <= 0:
		return errors.New("time must be a positive number of milliseconds")
	case l.Position < 0:
		return errors.New("position must not be negative")
	}
	if l.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339, l.Timestamp); err != nil {
			return errors.New("invalid timestamp; must be RFC3339")
		}
	}
	return nil
}

// HandleReplaceLap handles PUT /sessions/{id}/drivers/{name}/laps/{lap}.
func (h *SessionsHandler) HandleReplaceLap(w http.ResponseWriter, r *http.Request) {
	const op = "api.replace_lap"
	lapNumber, err := strconv.Atoi(r.PathValue("lap"))
	if err != nil || lapNumber < 1 {
		writeFailure(w, WrapKind(op, ErrBadRequest, errors.New("lap must be a positive integer")))
		return
	}
	driver := strings.TrimSpace(r.PathValue("name"))
	if driver == "" {
		writeFailure(w, WrapKind(op, ErrBadRequest, errors.New("missing driver name")))
		return
	}

	var req lapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}

	lap := model.Lap{
		LapNumber:   lapNumber,
		Time:        req.Time,
		Position:    req.Position,
		GapToLeader: req.GapToLeader,
		Timestamp:   time.Now().UTC(),
	}
	if req.Timestamp != "" {
		lap.Timestamp, _ = time.Parse(time.RFC3339, req.Timestamp)
	}

	doc, err := h.deps.ReplaceLap(r.Context(), r.PathValue("id"), driver, lap)
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
