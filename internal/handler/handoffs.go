// Package handler provides HTTP handlers for the control API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/chatlift/handoff-engine/internal/middleware"
	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/internal/service"
	"github.com/chatlift/handoff-engine/pkg/logger"
)

// HandoffHandler handles handoff control endpoints.
type HandoffHandler struct {
	handoffs *service.HandoffService
	messages *service.MessageService
	logger   *logger.Logger
}

// NewHandoffHandler creates a new handoff handler.
func NewHandoffHandler(handoffs *service.HandoffService, messages *service.MessageService, log *logger.Logger) *HandoffHandler {
	return &HandoffHandler{
		handoffs: handoffs,
		messages: messages,
		logger:   log,
	}
}

// Create handles POST /api/v1/handoffs. Duplicate escalation triggers get
// the existing open handoff with 200 instead of an error.
func (h *HandoffHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.RequestHandoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateConversationID(req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateChatbotID(req.ChatbotID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateVisitorName(req.VisitorName); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateVisitorEmail(req.VisitorEmail); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	handoff, created, err := h.handoffs.Request(r.Context(), &req)
	if err != nil {
		h.logger.Error("handoff request failed",
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, handoff)
}

// List handles GET /api/v1/handoffs: the agent console's pending and active
// queues, pending ordered oldest-first.
func (h *HandoffHandler) List(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.handoffs.ListOpen(r.Context())
	if err != nil {
		h.logger.Error("listing handoffs failed", zap.Error(err))
		writeDomainError(w, err)
		return
	}

	if summaries == nil {
		summaries = []model.HandoffSummary{}
	}
	writeJSON(w, http.StatusOK, model.ListHandoffsResponse{
		Handoffs: summaries,
		Total:    len(summaries),
	})
}

// Accept handles POST /api/v1/handoffs/:id/accept. Exactly one concurrent
// accept wins; the rest get 409 with the winning agent's identity.
func (h *HandoffHandler) Accept(w http.ResponseWriter, r *http.Request) {
	handoffID := chi.URLParam(r, "id")
	if err := middleware.ValidateHandoffID(handoffID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ident := middleware.GetIdentity(r.Context())
	handoff, err := h.handoffs.Accept(r.Context(), handoffID, ident.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, handoff)
}

// Resolve handles POST /api/v1/handoffs/:id/resolve. Either party may
// resolve; the conversation reverts to the AI pipeline.
func (h *HandoffHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	handoffID := chi.URLParam(r, "id")
	if err := middleware.ValidateHandoffID(handoffID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ident := middleware.GetIdentity(r.Context())
	handoff, err := h.handoffs.Resolve(r.Context(), handoffID, ident.Subject)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, handoff)
}

// Messages handles GET /api/v1/handoffs/:id/messages, the catch-up fetch a
// client makes after (re)connecting, before trusting live frames.
func (h *HandoffHandler) Messages(w http.ResponseWriter, r *http.Request) {
	handoffID := chi.URLParam(r, "id")
	if err := middleware.ValidateHandoffID(handoffID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	handoff, err := h.handoffs.Get(r.Context(), handoffID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	afterSeq, limit, err := catchUpParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.messages.History(r.Context(), handoff.ConversationID, afterSeq, limit)
	if err != nil {
		h.logger.Error("catch-up fetch failed",
			zap.String("handoff_id", handoffID),
			zap.Error(err))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func catchUpParams(r *http.Request) (afterSeq uint64, limit int, err error) {
	if seq := r.URL.Query().Get("after_seq"); seq != "" {
		afterSeq, err = strconv.ParseUint(seq, 10, 64)
		if err != nil {
			return 0, 0, errors.New("after_seq must be a non-negative integer")
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err = strconv.Atoi(l)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}
	return afterSeq, limit, nil
}
