package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/chatlift/handoff-engine/internal/model"
	"github.com/chatlift/handoff-engine/pkg/logger"
)

// SQLiteStore implements Store using modernc.org/sqlite. The schema is
// created automatically; WAL mode keeps concurrent readers off the write
// path. A single writer connection serializes commits, which is what gives
// message Seq its total-order meaning.
type SQLiteStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLiteStore opens (or creates) a SQLite store at the given path.
func NewSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// The sqlite driver does not tolerate concurrent writers on one file;
	// funnel everything through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: log}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	log.Info("sqlite store initialized", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chatbots (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			chatbot_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_chatbot
			ON conversations(chatbot_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			suggested_questions TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS handoffs (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			chatbot_id TEXT NOT NULL,
			status TEXT NOT NULL,
			agent_id TEXT,
			visitor_name TEXT NOT NULL DEFAULT '',
			visitor_email TEXT NOT NULL DEFAULT '',
			requested_at DATETIME NOT NULL,
			accepted_at DATETIME,
			resolved_at DATETIME,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_handoffs_one_open
			ON handoffs(conversation_id)
			WHERE status IN ('pending', 'active');

		CREATE INDEX IF NOT EXISTS idx_handoffs_status
			ON handoffs(status, requested_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// EnsureConversation inserts the conversation if absent; existing rows win.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, chatbot_id, session_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		conv.ID, conv.ChatbotID, conv.SessionID, conv.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("ensuring conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, chatbot_id, session_id, created_at
		FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.ChatbotID, &conv.SessionID, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return &conv, nil
}

// AppendMessage persists a message and fills in its commit sequence.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	var suggested any
	if len(msg.SuggestedQuestions) > 0 {
		data, err := json.Marshal(msg.SuggestedQuestions)
		if err != nil {
			return fmt.Errorf("encoding suggested questions: %w", err)
		}
		suggested = string(data)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, suggested_questions, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, suggested, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message sequence: %w", err)
	}
	msg.Seq = uint64(seq)
	return nil
}

// ListMessages returns messages with Seq > afterSeq in commit order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, afterSeq uint64, limit int) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, conversation_id, role, content, suggested_questions, created_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`, conversationID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var (
			msg       model.Message
			role      string
			suggested sql.NullString
		)
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &role, &msg.Content, &suggested, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = model.Role(role)
		if suggested.Valid && suggested.String != "" {
			if err := json.Unmarshal([]byte(suggested.String), &msg.SuggestedQuestions); err != nil {
				return nil, fmt.Errorf("decoding suggested questions: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of messages in a conversation.
func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// CreateHandoff inserts a pending handoff. The partial unique index on open
// handoffs turns a duplicate escalation into ErrOpenHandoffExists, which is
// how the registry stays race-safe without a read-then-write check.
func (s *SQLiteStore) CreateHandoff(ctx context.Context, h *model.Handoff) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, conversation_id, chatbot_id, status, visitor_name, visitor_email, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ConversationID, h.ChatbotID, string(h.Status), h.VisitorName, h.VisitorEmail, h.RequestedAt.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrOpenHandoffExists
		}
		return fmt.Errorf("creating handoff: %w", err)
	}
	return nil
}

const handoffColumns = `id, conversation_id, chatbot_id, status, agent_id, visitor_name, visitor_email, requested_at, accepted_at, resolved_at`

func scanHandoff(row interface{ Scan(...any) error }) (*model.Handoff, error) {
	var (
		h          model.Handoff
		status     string
		agentID    sql.NullString
		acceptedAt sql.NullTime
		resolvedAt sql.NullTime
	)
	err := row.Scan(&h.ID, &h.ConversationID, &h.ChatbotID, &status, &agentID,
		&h.VisitorName, &h.VisitorEmail, &h.RequestedAt, &acceptedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	h.Status = model.HandoffStatus(status)
	if agentID.Valid {
		h.AgentID = &agentID.String
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		h.AcceptedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		h.ResolvedAt = &t
	}
	return &h, nil
}

// GetHandoff returns a handoff by ID.
func (s *SQLiteStore) GetHandoff(ctx context.Context, id string) (*model.Handoff, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+handoffColumns+` FROM handoffs WHERE id = ?`, id)
	h, err := scanHandoff(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting handoff: %w", err)
	}
	return h, nil
}

// GetOpenHandoff returns the pending or active handoff for a conversation.
func (s *SQLiteStore) GetOpenHandoff(ctx context.Context, conversationID string) (*model.Handoff, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+handoffColumns+` FROM handoffs
		WHERE conversation_id = ? AND status IN ('pending', 'active')`, conversationID)
	h, err := scanHandoff(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting open handoff: %w", err)
	}
	return h, nil
}

// AcceptHandoff is the single-winner compare-and-swap: the UPDATE only
// matches while status is still pending, so exactly one concurrent accept
// observes RowsAffected == 1.
func (s *SQLiteStore) AcceptHandoff(ctx context.Context, id, agentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE handoffs
		SET status = 'active', agent_id = ?, accepted_at = ?
		WHERE id = ? AND status = 'pending'`,
		agentID, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("accepting handoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading accept result: %w", err)
	}
	return n == 1, nil
}

// ResolveHandoff conditionally transitions active -> resolved.
func (s *SQLiteStore) ResolveHandoff(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE handoffs
		SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status = 'active'`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("resolving handoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading resolve result: %w", err)
	}
	return n == 1, nil
}

// ExpireHandoff resolves a handoff from either open state.
func (s *SQLiteStore) ExpireHandoff(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE handoffs
		SET status = 'resolved', resolved_at = ?
		WHERE id = ? AND status IN ('pending', 'active')`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("expiring handoff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading expire result: %w", err)
	}
	return n == 1, nil
}

// ListOpenHandoffs returns the agent console queue: pending first by
// requested_at ascending (oldest waits shortest), then active by accepted_at.
func (s *SQLiteStore) ListOpenHandoffs(ctx context.Context) ([]model.HandoffSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.conversation_id, h.chatbot_id, h.status, h.agent_id,
		       h.visitor_name, h.visitor_email, h.requested_at, h.accepted_at, h.resolved_at,
		       COALESCE(b.name, ''), COALESCE(c.session_id, ''),
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = h.conversation_id)
		FROM handoffs h
		LEFT JOIN chatbots b ON b.id = h.chatbot_id
		LEFT JOIN conversations c ON c.id = h.conversation_id
		WHERE h.status IN ('pending', 'active')
		ORDER BY CASE h.status WHEN 'pending' THEN 0 ELSE 1 END,
		         CASE WHEN h.status = 'pending' THEN h.requested_at ELSE h.accepted_at END ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing open handoffs: %w", err)
	}
	defer rows.Close()

	var summaries []model.HandoffSummary
	for rows.Next() {
		var (
			sum        model.HandoffSummary
			status     string
			agentID    sql.NullString
			acceptedAt sql.NullTime
			resolvedAt sql.NullTime
		)
		err := rows.Scan(&sum.ID, &sum.ConversationID, &sum.ChatbotID, &status, &agentID,
			&sum.VisitorName, &sum.VisitorEmail, &sum.RequestedAt, &acceptedAt, &resolvedAt,
			&sum.ChatbotName, &sum.SessionID, &sum.MessageCount)
		if err != nil {
			return nil, fmt.Errorf("scanning handoff summary: %w", err)
		}
		sum.Status = model.HandoffStatus(status)
		if agentID.Valid {
			sum.AgentID = &agentID.String
		}
		if acceptedAt.Valid {
			t := acceptedAt.Time
			sum.AcceptedAt = &t
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			sum.ResolvedAt = &t
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// ListExpiredHandoffs finds open handoffs past their expiry cutoffs. An
// active handoff only counts as idle when its conversation has gone quiet too.
func (s *SQLiteStore) ListExpiredHandoffs(ctx context.Context, pendingBefore, activeBefore time.Time) ([]string, error) {
	var ids []string

	if !pendingBefore.IsZero() {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM handoffs
			WHERE status = 'pending' AND requested_at < ?`, pendingBefore.UTC())
		if err != nil {
			return nil, fmt.Errorf("listing expired pending handoffs: %w", err)
		}
		ids, err = appendIDs(ids, rows)
		if err != nil {
			return nil, err
		}
	}

	if !activeBefore.IsZero() {
		rows, err := s.db.QueryContext(ctx, `
			SELECT h.id FROM handoffs h
			WHERE h.status = 'active' AND h.accepted_at < ?
			  AND NOT EXISTS (
				SELECT 1 FROM messages m
				WHERE m.conversation_id = h.conversation_id AND m.created_at >= ?
			  )`, activeBefore.UTC(), activeBefore.UTC())
		if err != nil {
			return nil, fmt.Errorf("listing idle active handoffs: %w", err)
		}
		ids, err = appendIDs(ids, rows)
		if err != nil {
			return nil, err
		}
	}

	return ids, nil
}

func appendIDs(ids []string, rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning handoff id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpsertChatbot records a chatbot display name.
func (s *SQLiteStore) UpsertChatbot(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chatbots (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`, id, name)
	if err != nil {
		return fmt.Errorf("upserting chatbot: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
