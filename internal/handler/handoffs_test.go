package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlift/handoff-engine/internal/hub"
	"github.com/chatlift/handoff-engine/internal/middleware"
	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/internal/service"
	"github.com/chatlift/handoff-engine/internal/store"
	"github.com/chatlift/handoff-engine/pkg/logger"
)

type testServer struct {
	router   chi.Router
	handoffs *service.HandoffService
	messages *service.MessageService
	store    store.Store
}

type nopNotifier struct{}

func (nopNotifier) QueueChanged(context.Context, string, model.HandoffStatus) error { return nil }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := hub.New(logger.NewNop())
	t.Cleanup(h.Close)

	handoffSvc := service.NewHandoffService(st, h, nopNotifier{}, logger.NewNop())
	messageSvc := service.NewMessageService(st, h, logger.NewNop())
	handoffHandler := NewHandoffHandler(handoffSvc, messageSvc, logger.NewNop())
	messageHandler := NewMessageHandler(messageSvc, logger.NewNop())

	r := chi.NewRouter()
	r.Route("/handoffs", func(r chi.Router) {
		r.Post("/", handoffHandler.Create)
		r.With(middleware.RequireAgent).Get("/", handoffHandler.List)
		r.Route("/{id}", func(r chi.Router) {
			r.With(middleware.RequireAgent).Post("/accept", handoffHandler.Accept)
			r.Post("/resolve", handoffHandler.Resolve)
			r.Get("/messages", handoffHandler.Messages)
		})
	})
	r.Get("/conversations/{id}", messageHandler.Get)
	r.Get("/conversations/{id}/messages", messageHandler.List)

	return &testServer{router: r, handoffs: handoffSvc, messages: messageSvc, store: st}
}

func agentIdentity(agentID string) middleware.Identity {
	return middleware.Identity{Role: middleware.RoleAgent, Subject: agentID}
}

func visitorIdentity() middleware.Identity {
	return middleware.Identity{
		Role:      middleware.RoleVisitor,
		Subject:   "sess-1",
		ChatbotID: "bot-1",
		SessionID: "sess-1",
	}
}

func (ts *testServer) do(t *testing.T, ident middleware.Identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req = req.WithContext(middleware.WithIdentity(req.Context(), ident))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func createBody(conversationID string) model.RequestHandoffRequest {
	return model.RequestHandoffRequest{
		ConversationID: conversationID,
		ChatbotID:      "bot-1",
		VisitorName:    "Pat",
		VisitorEmail:   "pat@example.com",
	}
}

func TestCreateHandoff(t *testing.T) {
	ts := newTestServer(t)
	convID := uuid.Must(uuid.NewV7()).String()

	rec := ts.do(t, visitorIdentity(), http.MethodPost, "/handoffs", createBody(convID))
	require.Equal(t, http.StatusCreated, rec.Code)

	var h model.Handoff
	decodeBody(t, rec, &h)
	assert.Equal(t, convID, h.ConversationID)
	assert.Equal(t, model.HandoffPending, h.Status)

	// A duplicate trigger gets the existing handoff back with 200.
	rec = ts.do(t, visitorIdentity(), http.MethodPost, "/handoffs", createBody(convID))
	require.Equal(t, http.StatusOK, rec.Code)
	var dup model.Handoff
	decodeBody(t, rec, &dup)
	assert.Equal(t, h.ID, dup.ID)
}

func TestCreateHandoff_InvalidBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/handoffs", bytes.NewBufferString("{"))
	req = req.WithContext(middleware.WithIdentity(req.Context(), visitorIdentity()))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, visitorIdentity(), http.MethodPost, "/handoffs", createBody("not-a-uuid"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListHandoffs_AgentOnly(t *testing.T) {
	ts := newTestServer(t)
	convID := uuid.Must(uuid.NewV7()).String()
	ts.do(t, visitorIdentity(), http.MethodPost, "/handoffs", createBody(convID))

	rec := ts.do(t, visitorIdentity(), http.MethodGet, "/handoffs", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, agentIdentity("agent-1"), http.MethodGet, "/handoffs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListHandoffsResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Handoffs, 1)
	assert.Equal(t, convID, resp.Handoffs[0].ConversationID)
}

func TestAcceptHandoff(t *testing.T) {
	ts := newTestServer(t)
	convID := uuid.Must(uuid.NewV7()).String()

	rec := ts.do(t, visitorIdentity(), http.MethodPost, "/handoffs", createBody(convID))
	var h model.Handoff
	decodeBody(t, rec, &h)

	rec = ts.do(t, agentIdentity("agent-1"), http.MethodPost, fmt.Sprintf("/handoffs/%s/accept", h.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var accepted model.Handoff
	decodeBody(t, rec, &accepted)
	assert.Equal(t, model.HandoffActive, accepted.Status)
	require.NotNil(t, accepted.AgentID)
	assert.Equal(t, "agent-1", *accepted.AgentID)
}

func TestAcceptHandoff_LoserGets409WithWinner(t *testing.T) {
	ts := newTestServer(t)
	convID := uuid.Must(uuid.NewV7()).String()

	rec := ts.do(t, visitorIdentity(), http.MethodPost, "/handoffs", createBody(convID))
	var h model.Handoff
	decodeBody(t, rec, &h)

	rec = ts.do(t, agentIdentity("agent-1"), http.MethodPost, fmt.Sprintf("/handoffs/%s/accept", h.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, agentIdentity("agent-2"), http.MethodPost, fmt.Sprintf("/handoffs/%s/accept", h.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "already_accepted", body["error"])
	assert.Equal(t, "agent-1", body["agent_id"])
}

func TestAcceptHandoff_VisitorForbidden(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, visitorIdentity(), http.MethodPost,
		fmt.Sprintf("/handoffs/%s/accept", uuid.Must(uuid.NewV7()).String()), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAcceptHandoff_NotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, agentIdentity("agent-1"), http.MethodPost,
		fmt.Sprintf("/handoffs/%s/accept", uuid.Must(uuid.NewV7()).String()), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveHandoff(t *testing.T) {
	ts := newTestServer(t)
	convID := uuid.Must(uuid.NewV7()).String()

	rec := ts.do(t, visitorIdentity(), http.MethodPost, "/handoffs", createBody(convID))
	var h model.Handoff
	decodeBody(t, rec, &h)

	// Resolving a pending handoff is an invalid transition.
	rec = ts.do(t, agentIdentity("agent-1"), http.MethodPost, fmt.Sprintf("/handoffs/%s/resolve", h.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "invalid_transition", body["error"])

	ts.do(t, agentIdentity("agent-1"), http.MethodPost, fmt.Sprintf("/handoffs/%s/accept", h.ID), nil)

	// The visitor side may resolve too.
	rec = ts.do(t, visitorIdentity(), http.MethodPost, fmt.Sprintf("/handoffs/%s/resolve", h.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resolved model.Handoff
	decodeBody(t, rec, &resolved)
	assert.Equal(t, model.HandoffResolved, resolved.Status)
}

func TestHandoffMessages_CatchUp(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	convID := uuid.Must(uuid.NewV7()).String()

	rec := ts.do(t, visitorIdentity(), http.MethodPost, "/handoffs", createBody(convID))
	var h model.Handoff
	decodeBody(t, rec, &h)

	var seqs []uint64
	for i := 0; i < 3; i++ {
		msg, err := ts.messages.Send(ctx, service.SendParams{
			ConversationID: convID,
			Role:           model.RoleVisitor,
			ChatbotID:      "bot-1",
			SessionID:      "sess-1",
			Content:        fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
		seqs = append(seqs, msg.Seq)
	}

	rec = ts.do(t, agentIdentity("agent-1"), http.MethodGet, fmt.Sprintf("/handoffs/%s/messages", h.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListMessagesResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, seqs[2], resp.LastSeq)

	// Paging forward from a known sequence skips what the client has.
	rec = ts.do(t, agentIdentity("agent-1"), http.MethodGet,
		fmt.Sprintf("/handoffs/%s/messages?after_seq=%d", h.ID, seqs[0]), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "m1", resp.Messages[0].Content)
}

func TestHandoffMessages_RejectsMalformedPaging(t *testing.T) {
	ts := newTestServer(t)
	convID := uuid.Must(uuid.NewV7()).String()

	rec := ts.do(t, visitorIdentity(), http.MethodPost, "/handoffs", createBody(convID))
	var h model.Handoff
	decodeBody(t, rec, &h)

	for _, query := range []string{"after_seq=abc", "after_seq=-1", "limit=abc", "limit=0", "limit=-5"} {
		rec = ts.do(t, agentIdentity("agent-1"), http.MethodGet,
			fmt.Sprintf("/handoffs/%s/messages?%s", h.ID, query), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
	}
}

func TestConversationMessages_RejectsMalformedPaging(t *testing.T) {
	ts := newTestServer(t)
	convID := uuid.Must(uuid.NewV7()).String()

	rec := ts.do(t, visitorIdentity(), http.MethodGet,
		fmt.Sprintf("/conversations/%s/messages?after_seq=oops", convID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListHandoffs_StoreFailureIs503(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Close())

	rec := ts.do(t, agentIdentity("agent-1"), http.MethodGet, "/handoffs", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.NotEmpty(t, body["error"])
}

func TestGetConversation(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	convID := uuid.Must(uuid.NewV7()).String()

	rec := ts.do(t, visitorIdentity(), http.MethodGet, "/conversations/"+convID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for i := 0; i < 2; i++ {
		_, err := ts.messages.Send(ctx, service.SendParams{
			ConversationID: convID,
			Role:           model.RoleVisitor,
			ChatbotID:      "bot-1",
			SessionID:      "sess-1",
			Content:        fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}

	rec = ts.do(t, visitorIdentity(), http.MethodGet, "/conversations/"+convID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var conv model.Conversation
	decodeBody(t, rec, &conv)
	assert.Equal(t, convID, conv.ID)
	assert.Equal(t, 2, conv.MessageCount)
}

func TestConversationMessages_CatchUp(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	convID := uuid.Must(uuid.NewV7()).String()

	for i := 0; i < 2; i++ {
		_, err := ts.messages.Send(ctx, service.SendParams{
			ConversationID: convID,
			Role:           model.RoleVisitor,
			ChatbotID:      "bot-1",
			SessionID:      "sess-1",
			Content:        fmt.Sprintf("m%d", i),
		})
		require.NoError(t, err)
	}

	rec := ts.do(t, visitorIdentity(), http.MethodGet,
		fmt.Sprintf("/conversations/%s/messages?limit=1", convID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.ListMessagesResponse
	decodeBody(t, rec, &resp)
	require.Len(t, resp.Messages, 1)
	assert.True(t, resp.HasMore)
	assert.Equal(t, "m0", resp.Messages[0].Content)
}
