package handlers

import (
	"net/http"
	"strconv"

	"github.com/lorekeep-ai/lorekeep/internal/webhook"
)

// WebhookHandler serves the /webhooks family.
type WebhookHandler struct {
	hooks *webhook.Service
}

// NewWebhookHandler wires the webhook routes.
func NewWebhookHandler(hooks *webhook.Service) *WebhookHandler {
	return &WebhookHandler{hooks: hooks}
}

type webhookCreateDTO struct {
	URL         string            `json:"url"`
	Secret      string            `json:"secret,omitempty"`
	Events      []string          `json:"events"`
	Headers     map[string]string `json:"headers,omitempty"`
	TimeoutS    int               `json:"timeout_s,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
}

// Create handles POST /webhooks. The secret is echoed on the returned
// row this one time.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var dto webhookCreateDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}
	wh, err := h.hooks.Create(r.Context(), webhook.CreateRequest{
		UserID:      actor(r).ID,
		URL:         dto.URL,
		Secret:      dto.Secret,
		Events:      dto.Events,
		Headers:     dto.Headers,
		TimeoutS:    dto.TimeoutS,
		MaxAttempts: dto.MaxAttempts,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusCreated, struct {
		ID     string `json:"id"`
		URL    string `json:"url"`
		Events string `json:"events"`
		Secret string `json:"secret"`
	}{wh.ID.String(), wh.URL, wh.Events, wh.Secret})
}

// List handles GET /webhooks.
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	hooks, err := h.hooks.List(r.Context(), actor(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, hooks)
}

type webhookUpdateDTO struct {
	URL      *string           `json:"url,omitempty"`
	Events   []string          `json:"events,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	IsActive *bool             `json:"is_active,omitempty"`
}

// Update handles PUT /webhooks/{webhookID}.
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "webhookID")
	if err != nil {
		WriteError(w, err)
		return
	}
	var dto webhookUpdateDTO
	if err := decode(r, &dto); err != nil {
		WriteError(w, err)
		return
	}
	wh, err := h.hooks.Update(r.Context(), actor(r), id, webhook.UpdateRequest{
		URL:      dto.URL,
		Events:   dto.Events,
		Headers:  dto.Headers,
		IsActive: dto.IsActive,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, wh)
}

// Delete handles DELETE /webhooks/{webhookID}.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "webhookID")
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.hooks.Delete(r.Context(), actor(r), id); err != nil {
		WriteError(w, err)
		return
	}
	WriteMessage(w, http.StatusOK, "webhook deleted")
}

// Deliveries handles GET /webhooks/{webhookID}/deliveries?limit=.
func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "webhookID")
	if err != nil {
		WriteError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	deliveries, err := h.hooks.Deliveries(r.Context(), actor(r), id, limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteData(w, http.StatusOK, deliveries)
}
