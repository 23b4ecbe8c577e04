package service

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/chatlift/handoff-engine/internal/llm"
	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/internal/store"
	"github.com/chatlift/handoff-engine/pkg/logger"
)

const assistantSystemPrompt = `You are a support assistant embedded in a website chat widget.
Answer the visitor's question concisely using plain language. If you cannot
help or the visitor asks for something outside your knowledge, say so
briefly; a human agent will take over.`

// Phrases that read as an explicit request for a human agent.
var humanIntentPhrases = []string{
	"human",
	"real person",
	"live agent",
	"speak to someone",
	"talk to someone",
	"talk to a person",
	"customer service",
	"support agent",
}

// Phrases in a model reply that signal low confidence.
var lowConfidencePhrases = []string{
	"i'm not sure",
	"i am not sure",
	"i don't know",
	"i do not know",
	"i cannot help",
	"i can't help",
}

const (
	fallbackReply   = "Thanks for your message. Let me connect you with a member of our team."
	escalationReply = "Of course - I'm bringing in a member of our team now. They'll pick this up shortly."
)

// AssistantResponder is the engine's seam to the AI pipeline: it produces
// assistant-role messages for visitor utterances while no handoff is open,
// and raises the escalation trigger on explicit request or low confidence.
type AssistantResponder struct {
	llm      llm.Client
	messages *MessageService
	handoffs *HandoffService
	store    store.Store
	model    string
	logger   *logger.Logger
}

// NewAssistantResponder creates a responder. A nil llm client is valid; the
// responder then answers with canned replies and escalates immediately.
func NewAssistantResponder(client llm.Client, messages *MessageService, handoffs *HandoffService, st store.Store, modelName string, log *logger.Logger) *AssistantResponder {
	return &AssistantResponder{
		llm:      client,
		messages: messages,
		handoffs: handoffs,
		store:    st,
		model:    modelName,
		logger:   log,
	}
}

// Respond handles one visitor utterance that has already been persisted and
// broadcast. While a handoff is open the conversation belongs to the queue
// or to a human, so the assistant stays silent.
func (r *AssistantResponder) Respond(ctx context.Context, conversationID, chatbotID, sessionID, visitorContent string) error {
	if _, err := r.store.GetOpenHandoff(ctx, conversationID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if wantsHuman(visitorContent) {
		return r.escalate(ctx, conversationID, chatbotID, sessionID, escalationReply)
	}

	if r.llm == nil {
		return r.escalate(ctx, conversationID, chatbotID, sessionID, fallbackReply)
	}

	history, err := r.history(ctx, conversationID)
	if err != nil {
		return err
	}

	resp, err := r.llm.Complete(ctx, &llm.CompletionRequest{
		Model:    r.model,
		System:   assistantSystemPrompt,
		Messages: history,
	})
	if err != nil {
		r.logger.Warn("assistant completion failed, escalating",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return r.escalate(ctx, conversationID, chatbotID, sessionID, fallbackReply)
	}

	if lowConfidence(resp.Content) {
		// Post the reply, then raise the trigger so an agent can step in.
		if _, err := r.messages.Send(ctx, SendParams{
			ConversationID: conversationID,
			Role:           model.RoleAssistant,
			ChatbotID:      chatbotID,
			SessionID:      sessionID,
			Content:        resp.Content,
		}); err != nil {
			return err
		}
		_, _, err := r.handoffs.Request(ctx, &model.RequestHandoffRequest{
			ConversationID: conversationID,
			ChatbotID:      chatbotID,
		})
		return err
	}

	_, err = r.messages.Send(ctx, SendParams{
		ConversationID:     conversationID,
		Role:               model.RoleAssistant,
		ChatbotID:          chatbotID,
		SessionID:          sessionID,
		Content:            resp.Content,
		SuggestedQuestions: defaultFollowUps(),
	})
	return err
}

// escalate posts an assistant acknowledgement and creates the handoff.
func (r *AssistantResponder) escalate(ctx context.Context, conversationID, chatbotID, sessionID, reply string) error {
	if _, err := r.messages.Send(ctx, SendParams{
		ConversationID: conversationID,
		Role:           model.RoleAssistant,
		ChatbotID:      chatbotID,
		SessionID:      sessionID,
		Content:        reply,
	}); err != nil {
		return err
	}

	_, _, err := r.handoffs.Request(ctx, &model.RequestHandoffRequest{
		ConversationID: conversationID,
		ChatbotID:      chatbotID,
	})
	return err
}

// history maps the conversation tail into LLM chat messages. Agent messages
// are skipped: the model only ever sees the automated exchange.
func (r *AssistantResponder) history(ctx context.Context, conversationID string) ([]llm.ChatMessage, error) {
	messages, err := r.store.ListMessages(ctx, conversationID, 0, maxHistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(messages) > 20 {
		messages = messages[len(messages)-20:]
	}

	chat := make([]llm.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleVisitor:
			chat = append(chat, llm.ChatMessage{Role: "user", Content: msg.Content})
		case model.RoleAssistant:
			chat = append(chat, llm.ChatMessage{Role: "assistant", Content: msg.Content})
		}
	}
	return chat, nil
}

func wantsHuman(content string) bool {
	lowered := strings.ToLower(content)
	for _, phrase := range humanIntentPhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

func lowConfidence(content string) bool {
	lowered := strings.ToLower(content)
	for _, phrase := range lowConfidencePhrases {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// defaultFollowUps offers quick-reply prompts under an assistant answer.
func defaultFollowUps() []string {
	return []string{
		"Can you tell me more?",
		"Talk to a human",
	}
}
