package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatstate/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    agent_name    TEXT NOT NULL,
    title         TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS conversations_agent_updated_idx
    ON conversations (agent_name, updated_at DESC);
CREATE TABLE IF NOT EXISTS conversation_messages (
    seq             BIGSERIAL PRIMARY KEY,
    id              TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    text            TEXT NOT NULL,
    sender          TEXT NOT NULL,
    agent_name      TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL
);
`

// pqForeignKeyViolation is the SQLSTATE for a dangling reference.
const pqForeignKeyViolation = "23503"

type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// WithSSLModeDisabled appends sslmode=disable unless the URI sets sslmode.
func WithSSLModeDisabled(postgresURI string) string {
	if strings.Contains(postgresURI, "sslmode=") {
		return postgresURI
	}
	if strings.HasPrefix(postgresURI, "postgres://") || strings.HasPrefix(postgresURI, "postgresql://") {
		if strings.Contains(postgresURI, "?") {
			return postgresURI + "&sslmode=disable"
		}
		return postgresURI + "?sslmode=disable"
	}
	return postgresURI + " sslmode=disable"
}

func NewPostgresRepository(ctx context.Context, postgresURI string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", WithSSLModeDisabled(postgresURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresRepository{db: db, now: time.Now}, nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

func (r *PostgresRepository) CreateConversation(ctx context.Context, agentName, firstMessage string) (*models.Conversation, error) {
	now := r.now().UTC()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		AgentName: agentName,
		Title:     ConversationTitle(firstMessage),
		CreatedAt: FormatTimestamp(now),
		UpdatedAt: FormatTimestamp(now),
	}

	_, err := r.db.ExecContext(ctx, `
        INSERT INTO conversations (id, agent_name, title, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $4)
    `, conv.ID, conv.AgentName, conv.Title, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return &conv, nil
}

func (r *PostgresRepository) AddMessage(ctx context.Context, conversationID, text string, sender models.Sender, agentName string) (*models.StoredMessage, error) {
	now := r.now().UTC()
	msg := models.StoredMessage{
		ID:             uuid.New().String(),
		Text:           text,
		Sender:         sender,
		Timestamp:      FormatTimestamp(now),
		AgentName:      agentName,
		ConversationID: conversationID,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        UPDATE conversations
        SET updated_at = $2, message_count = message_count + 1
        WHERE id = $1
    `, conversationID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("add message to %s: %w", conversationID, ErrConversationNotFound)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO conversation_messages (id, conversation_id, text, sender, agent_name, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, msg.ID, conversationID, msg.Text, string(msg.Sender), msg.AgentName, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
			return nil, fmt.Errorf("add message to %s: %w", conversationID, ErrConversationNotFound)
		}
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return &msg, nil
}

func (r *PostgresRepository) GetConversationHistory(ctx context.Context, conversationID string) (*models.ConversationHistory, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT id, agent_name, title, created_at, updated_at, message_count
        FROM conversations
        WHERE id = $1
    `, conversationID)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", conversationID, ErrConversationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("row scan failed: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
        SELECT id, text, sender, agent_name, created_at
        FROM conversation_messages
        WHERE conversation_id = $1
        ORDER BY created_at, seq
    `, conversationID)
	if err != nil {
		return nil, fmt.Errorf("message query failed: %w", err)
	}
	defer rows.Close()

	messages := make([]models.StoredMessage, 0)
	for rows.Next() {
		var m models.StoredMessage
		var sender string
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &m.Text, &sender, &m.AgentName, &createdAt); err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		m.Sender = models.Sender(sender)
		m.Timestamp = FormatTimestamp(createdAt)
		m.ConversationID = conversationID
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message query failed: %w", err)
	}

	return &models.ConversationHistory{Conversation: &conv, Messages: messages}, nil
}

func (r *PostgresRepository) ListAgentConversations(ctx context.Context, agentName string) ([]models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT id, agent_name, title, created_at, updated_at, message_count
        FROM conversations
        WHERE agent_name = $1
        ORDER BY updated_at DESC
    `, agentName)
	if err != nil {
		return nil, fmt.Errorf("conversation query failed: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("row scan failed: %w", err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, rows.Err()
}

func (r *PostgresRepository) DeleteConversation(ctx context.Context, conversationID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", conversationID, ErrConversationNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var createdAt, updatedAt time.Time
	if err := row.Scan(&c.ID, &c.AgentName, &c.Title, &createdAt, &updatedAt, &c.MessageCount); err != nil {
		return c, err
	}
	c.CreatedAt = FormatTimestamp(createdAt)
	c.UpdatedAt = FormatTimestamp(updatedAt)
	return c, nil
}
