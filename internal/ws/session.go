// Package ws is the real-time transport: it upgrades connections, decodes
// tagged frames, and bridges each connection to the hub and the message
// router. One connection can observe many conversations at once.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatlift/handoff-engine/internal/hub"
	"github.com/chatlift/handoff-engine/internal/middleware"
	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/internal/service"
	"github.com/chatlift/handoff-engine/internal/store"
	"github.com/chatlift/handoff-engine/pkg/logger"
	"github.com/chatlift/handoff-engine/pkg/metrics"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second

	// assistantTimeout bounds the AI pipeline's reply so an abandoned
	// completion cannot leak a goroutine past the conversation.
	assistantTimeout = 60 * time.Second
)

// Handler upgrades authenticated requests to websocket sessions.
type Handler struct {
	hub       *hub.Hub
	messages  *service.MessageService
	assistant *service.AssistantResponder
	logger    *logger.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(h *hub.Hub, messages *service.MessageService, assistant *service.AssistantResponder, log *logger.Logger) *Handler {
	return &Handler{
		hub:       h,
		messages:  messages,
		assistant: assistant,
		logger:    log,
	}
}

// ServeHTTP handles GET /api/v1/ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident := middleware.GetIdentity(r.Context())

	var role hub.ConnRole
	switch ident.Role {
	case middleware.RoleAgent:
		role = hub.ConnAgent
	case middleware.RoleVisitor:
		role = hub.ConnVisitor
	default:
		http.Error(w, `{"error":"unknown role"}`, http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		conn:    conn,
		sub:     hub.NewSubscriber(uuid.New().String(), role),
		ident:   ident,
		handler: h,
	}
	sess.run(r.Context())
}

// session is one live websocket connection.
type session struct {
	conn    *websocket.Conn
	sub     *hub.Subscriber
	ident   middleware.Identity
	handler *Handler
}

func (s *session) run(ctx context.Context) {
	h := s.handler

	metrics.WSConnectionsActive.WithLabelValues(string(s.sub.Role)).Inc()
	defer metrics.WSConnectionsActive.WithLabelValues(string(s.sub.Role)).Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Agent consoles always observe the handoff queue, independent of any
	// conversation they join.
	h.hub.JoinQueue(s.sub)

	defer h.hub.Detach(s.sub)
	defer s.conn.Close(websocket.StatusNormalClosure, "session closed")

	go s.writePump(ctx, cancel)

	h.logger.Debug("websocket session started",
		zap.String("sub_id", s.sub.ID),
		zap.String("role", string(s.sub.Role)),
		zap.String("subject", s.ident.Subject))

	s.readLoop(ctx)
}

// writePump drains the subscriber's frame queue onto the wire. The write
// path never blocks the read loop: backpressure surfaces as dropped frames
// in the hub, and a dead peer fails the write and tears the session down.
func (s *session) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-s.sub.Frames():
			if !ok {
				return
			}
			if err := s.writeFrame(ctx, frame); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := s.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *session) writeFrame(ctx context.Context, frame *model.ServerFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *session) readLoop(ctx context.Context) {
	h := s.handler

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		frame, err := model.DecodeClientFrame(data)
		if err != nil {
			s.sub.Send(model.NewErrorFrame("bad_frame", err.Error()))
			continue
		}

		switch f := frame.(type) {
		case *model.JoinFrame:
			s.handleJoin(f)
		case *model.MessageFrame:
			s.handleMessage(ctx, f)
		case *model.TypingFrame:
			s.handleTyping(f)
		default:
			// DecodeClientFrame is exhaustive; reaching here means a frame
			// type was added without a dispatch arm.
			h.logger.Error("unhandled client frame",
				zap.String("sub_id", s.sub.ID))
			s.sub.Send(model.NewErrorFrame("bad_frame", "unhandled frame type"))
		}
	}
}

func (s *session) handleJoin(f *model.JoinFrame) {
	if err := middleware.ValidateConversationID(f.ConversationID); err != nil {
		s.sub.Send(model.NewErrorFrame("validation_error", err.Error()))
		return
	}
	s.handler.hub.Join(f.ConversationID, s.sub)
}

func (s *session) handleMessage(ctx context.Context, f *model.MessageFrame) {
	h := s.handler

	if err := middleware.ValidateConversationID(f.ConversationID); err != nil {
		s.sub.Send(model.NewErrorFrame("validation_error", err.Error()))
		return
	}
	if err := middleware.ValidateMessageContent(f.Content); err != nil {
		s.sub.Send(model.NewErrorFrame("validation_error", err.Error()))
		return
	}

	params := service.SendParams{
		ConversationID: f.ConversationID,
		Content:        f.Content,
	}
	switch s.sub.Role {
	case hub.ConnAgent:
		params.Role = model.RoleAgent
		params.AgentID = s.ident.Subject
	default:
		params.Role = model.RoleVisitor
		params.ChatbotID = s.ident.ChatbotID
		params.SessionID = s.ident.SessionID
	}

	msg, err := h.messages.Send(ctx, params)
	if err != nil {
		s.sub.Send(model.NewErrorFrame(sendErrorCode(err), publicReason(err)))
		return
	}

	// The AI pipeline replies off the hot path; the visitor's message is
	// already persisted and broadcast.
	if params.Role == model.RoleVisitor && h.assistant != nil {
		go func() {
			respondCtx, cancel := context.WithTimeout(context.Background(), assistantTimeout)
			defer cancel()
			if err := h.assistant.Respond(respondCtx, msg.ConversationID, s.ident.ChatbotID, s.ident.SessionID, msg.Content); err != nil {
				h.logger.Warn("assistant response failed",
					zap.String("conversation_id", msg.ConversationID),
					zap.Error(err))
			}
		}()
	}
}

func (s *session) handleTyping(f *model.TypingFrame) {
	role := model.RoleVisitor
	if s.sub.Role == hub.ConnAgent {
		role = model.RoleAgent
	}
	s.handler.messages.Typing(f.ConversationID, role, f.IsTyping, s.sub.ID)
}

func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, service.ErrNoActiveHandoff):
		return "no_active_handoff"
	case errors.Is(err, service.ErrAgentNotBound):
		return "agent_not_bound"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "persistence_failure"
	}
}

// publicReason keeps internal failure detail off the wire for retryable
// errors; named gating errors pass through as-is.
func publicReason(err error) string {
	switch {
	case errors.Is(err, service.ErrNoActiveHandoff),
		errors.Is(err, service.ErrAgentNotBound),
		errors.Is(err, store.ErrNotFound):
		return err.Error()
	default:
		return "message not delivered, please retry"
	}
}
