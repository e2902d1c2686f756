package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/marketplace-messaging/internal/model"
	"github.com/capitalize-ai/marketplace-messaging/internal/service"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	messageService      *service.MessageService
	conversationService *service.ConversationService
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(
	msgSvc *service.MessageService,
	convSvc *service.ConversationService,
	log *logger.Logger,
) *MessageHandler {
	return &MessageHandler{
		messageService:      msgSvc,
		conversationService: convSvc,
		logger:              log.Named("messages"),
	}
}

// List handles GET /api/v1/conversations/{id}/messages. Reading history
// marks the caller's unread messages as read.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	page, limit, err := pageParams(r, service.DefaultMessageLimit)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to get messages")
		return
	}

	resp, err := h.messageService.List(r.Context(), p, chi.URLParam(r, "id"), page, limit)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to get messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeServiceError(w, h.logger, err, "failed to send message")
		return
	}

	ctx := service.WithTransport(r.Context(), service.TransportREST)
	msg, err := h.messageService.Send(ctx, p, chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to send message")
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead handles PATCH /api/v1/conversations/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	if err := h.messageService.MarkRead(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.logger, err, "failed to mark messages as read")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UnreadCount handles GET /api/v1/messages/unread-count
func (h *MessageHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	count, err := h.conversationService.UnreadCount(r.Context(), p)
	if err != nil {
		writeServiceError(w, h.logger, err, "failed to get unread count")
		return
	}

	writeJSON(w, http.StatusOK, model.UnreadCountResponse{UnreadCount: count})
}
