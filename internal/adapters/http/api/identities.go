package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/okian/pitwall/internal/domain/model"
)

// IdentityDependencies defines the interface for identity operations.
type IdentityDependencies interface {
	Identity(ctx context.Context, id string) (model.DriverIdentity, error)
	BindManually(ctx context.Context, displayName, accountID string) (model.DriverIdentity, error)
}

// IdentityHandler handles driver identity requests.
type IdentityHandler struct {
	deps IdentityDependencies
}

// NewIdentityHandler creates a new identity handler.
func NewIdentityHandler(deps IdentityDependencies) *IdentityHandler {
	return &IdentityHandler{deps: deps}
}

// HandleGetIdentity handles GET /identities/{id} requests.
func (h *IdentityHandler) HandleGetIdentity(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_identity"
	ident, err := h.deps.Identity(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

type bindRequest struct {
	DisplayName string `json:"displayName"`
	AccountID   string `json:"accountId"`
}

func (b bindRequest) validate() error {
	switch {
	case strings.TrimSpace(b.DisplayName) == "":
		return errors.New("missing displayName")
	case strings.TrimSpace(b.AccountID) == "":
		return errors.New("missing accountId")
	}
	return nil
}

// HandleBind handles POST /identities/bind requests.
func (h *IdentityHandler) HandleBind(w http.ResponseWriter, r *http.Request) {
	const op = "api.bind_identity"
	var req bindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeFailure(w, WrapKind(op, ErrBadRequest, err))
		return
	}
	ident, err := h.deps.BindManually(r.Context(), req.DisplayName, strings.TrimSpace(req.AccountID))
	if err != nil {
		writeFailure(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, ident)
}
