// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/service"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log.Named("conversations"),
	}
}

// Create handles POST /api/v1/conversations. An existing conversation for the
// pair is returned with 200, a new one with 201.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req model.CreateConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err, "failed to create conversation")
		return
	}

	conv, created, err := h.service.FindOrCreate(r.Context(), p, req)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to create conversation")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	page, limit, err := pageParams(r, service.DefaultConversationLimit)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to list conversations")
		return
	}

	resp, err := h.service.List(r.Context(), p, page, limit)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	conv, err := h.service.Get(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to get conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/conversations/{id}. Conversations are
// deactivated, never removed.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	if err := h.service.Deactivate(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.logger, err, "failed to delete conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
