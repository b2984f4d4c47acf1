package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatrelay/internal/middleware"
	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/internal/service"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
	"github.com/capitalize-ai/chatrelay/pkg/metrics"
)

// ChatHandler serves the relay endpoints.
type ChatHandler struct {
	chat   *service.ChatService
	config model.ConfigResponse
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler. config is reported by /api/config
// and its Model by /api/session.
func NewChatHandler(chat *service.ChatService, config model.ConfigResponse, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		chat:   chat,
		config: config,
		logger: log,
	}
}

// Process handles POST /api/chat-process
//
// The body is a stream of ChatMessage JSON snapshots joined by "\n" and
// flushed one by one. A failed turn ends with a ChatResult of type Fail. A
// cancelled or successful turn ends after the last snapshot.
func (h *ChatHandler) Process(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ChatResult{Type: model.ResultFail, Message: "invalid request body"})
		return
	}
	if err := middleware.ValidatePrompt(req.Prompt); err != nil {
		writeJSON(w, http.StatusBadRequest, model.ChatResult{Type: model.ResultFail, Message: err.Error()})
		return
	}
	if req.ConversationUUID != "" {
		if err := middleware.ValidateConversationID(req.ConversationUUID); err != nil {
			writeJSON(w, http.StatusBadRequest, model.ChatResult{Type: model.ResultFail, Message: err.Error()})
			return
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	metrics.IncrementStreams()
	defer metrics.DecrementStreams()

	rc := http.NewResponseController(w)
	written := false
	write := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			log.Error("failed to encode chunk", zap.Error(err))
			return
		}
		if written {
			data = append([]byte{'\n'}, data...)
		}
		if _, err := w.Write(data); err != nil {
			// the client is gone; the relay notices through ctx
			return
		}
		written = true
		_ = rc.Flush()
	}

	res := h.chat.Process(ctx, middleware.GetUserID(ctx), &req, func(msg model.ChatMessage) {
		write(msg)
	})

	if res.Type == model.ResultFail {
		write(res.ChatResult)
	}
}

// Session handles POST /api/session
func (h *ChatHandler) Session(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.SessionResponse{
		Auth:  true,
		Model: h.config.Model,
	})
}

// Config handles POST /api/config
func (h *ChatHandler) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config)
}
