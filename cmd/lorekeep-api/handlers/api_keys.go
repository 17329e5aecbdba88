package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/apikey"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// APIKeyHandler serves the /api-keys family.
type APIKeyHandler struct {
	keys *apikey.Service
}

// NewAPIKeyHandler wires the API-key routes.
func NewAPIKeyHandler(keys *apikey.Service) *APIKeyHandler {
	return &APIKeyHandler{keys: keys}
}

type mintDTO struct {
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes"`
	RateLimit int        `json:"rate_limit,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	UserID    string     `json:"user_id,omitempty"` // admin only
}

type mintedDTO struct {
	Key   *storage.APIKey `json:"key"`
	Token string          `json:"token"` // shown exactly once
}

// Mint handles POST /api-keys. The full token appears only in this
// response; afterwards the store holds the salted hash.
func (h *APIKeyHandler) Mint(w http.ResponseWriter, r *http.Request) {
	var dto mintDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}

	caller := actor(r)
	owner := caller.ID
	if dto.UserID != "" {
		id, err := uuid.Parse(dto.UserID)
		if err != nil {
			WriteError(w, faults.New(faults.KindValidation, "invalid user_id"))
			return
		}
		if id != caller.ID && !caller.IsAdmin {
			WriteError(w, faults.New(faults.KindPermissionDenied, "cannot mint keys for another user"))
			return
		}
		owner = id
	}

	key, token, err := h.keys.Mint(r.Context(), apikey.MintRequest{
		UserID:    owner,
		Name:      dto.Name,
		Scopes:    dto.Scopes,
		RateLimit: dto.RateLimit,
		ExpiresAt: dto.ExpiresAt,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusCreated, mintedDTO{Key: key, Token: token})
}

// List handles GET /api-keys and returns the caller's keys.
func (h *APIKeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context(), actor(r).ID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, keys)
}

// Revoke handles DELETE /api-keys/{keyID}.
func (h *APIKeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	keyID, err := pathUUID(r, "keyID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.keys.Revoke(r.Context(), actor(r), keyID); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "API key revoked")
}
