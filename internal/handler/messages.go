package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatrelay/internal/middleware"
	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/internal/service"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
)

// MessageHandler handles message and blob endpoints.
type MessageHandler struct {
	conversationService *service.ConversationService
	logger              *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(convSvc *service.ConversationService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		conversationService: convSvc,
		logger:              log,
	}
}

// List handles GET /api/conversations/{uuid}/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	msgs, err := h.conversationService.ListMessages(r.Context(), middleware.GetUserID(r.Context()), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// Append handles POST /api/conversations/{uuid}/messages
func (h *MessageHandler) Append(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	var req model.AppendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.conversationService.AppendMessage(ctx, middleware.GetUserID(ctx), id, &req)
	if err != nil {
		middleware.RequestLogger(ctx, h.logger).Warn("failed to append message",
			zap.String("conversation_uuid", id),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Clear handles DELETE /api/conversations/{uuid}/messages
func (h *MessageHandler) Clear(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}

	if err := h.conversationService.Clear(r.Context(), middleware.GetUserID(r.Context()), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Blob handles GET /api/blobs/{key}?name=&type=
// It returns the attachment as {name,type,data} with data as a data URL.
func (h *MessageHandler) Blob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := middleware.ValidateBlobKey(key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	att, ok := h.conversationService.Blob(model.BlobRef{
		Key:  key,
		Name: q.Get("name"),
		Type: q.Get("type"),
	})
	if !ok {
		writeError(w, http.StatusNotFound, "blob not found")
		return
	}

	// blobs are content addressed, so a key never changes meaning
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	writeJSON(w, http.StatusOK, att)
}
