package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chatlift/handoff-engine/internal/middleware"
	"github.com/chatlift/handoff-engine/internal/service"
	"github.com/chatlift/handoff-engine/pkg/logger"
)

// MessageHandler exposes conversation history over HTTP.
type MessageHandler struct {
	messages *service.MessageService
	logger   *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(messages *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messages: messages,
		logger:   log,
	}
}

// Get handles GET /api/v1/conversations/:id.
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.messages.Conversation(r.Context(), conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// List handles GET /api/v1/conversations/:id/messages. Clients page forward
// with after_seq, so a reconnect only re-reads what it missed.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	afterSeq, limit, err := catchUpParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.messages.History(r.Context(), conversationID, afterSeq, limit)
	if err != nil {
		h.logger.Error("listing messages failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
