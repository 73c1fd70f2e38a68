package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/songzhibin97/chatflow/types"
)

// Schema creates the tables used by PostgresStorage. The partial unique
// index enforces one non-closed conversation per address.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                           BIGINT PRIMARY KEY,
	address                      TEXT NOT NULL,
	status                       TEXT NOT NULL,
	assigned_agent_id            TEXT,
	queue                        TEXT NOT NULL DEFAULT '',
	session_started_at           TIMESTAMPTZ NOT NULL,
	session_expires_at           TIMESTAMPTZ NOT NULL,
	last_counterpart_activity_at TIMESTAMPTZ,
	session_state                TEXT NOT NULL,
	active_workflow_id           TEXT NOT NULL DEFAULT '',
	current_workflow_node_id     TEXT NOT NULL DEFAULT '',
	workflow_context             JSONB NOT NULL DEFAULT '{}',
	awaiting_input               BOOLEAN NOT NULL DEFAULT FALSE,
	unread_count                 INTEGER NOT NULL DEFAULT 0,
	last_message                 TEXT NOT NULL DEFAULT '',
	last_message_at              TIMESTAMPTZ,
	claim_deadline               TIMESTAMPTZ,
	created_at                   TIMESTAMPTZ NOT NULL,
	updated_at                   TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS conversations_one_live_per_address
	ON conversations (address) WHERE status <> 'closed';
CREATE INDEX IF NOT EXISTS conversations_address_created ON conversations (address, created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id BIGINT NOT NULL REFERENCES conversations (id),
	direction       TEXT NOT NULL,
	author          TEXT NOT NULL,
	text            TEXT NOT NULL,
	external_id     TEXT NOT NULL DEFAULT '',
	media_ref       TEXT NOT NULL DEFAULT '',
	delivered       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conversation_created ON messages (conversation_id, created_at DESC);

CREATE TABLE IF NOT EXISTS audit_records (
	id              TEXT PRIMARY KEY,
	conversation_id BIGINT NOT NULL REFERENCES conversations (id),
	kind            TEXT NOT NULL,
	detail          TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);`

const conversationColumns = `id, address, status, assigned_agent_id, queue, session_started_at, session_expires_at,
	last_counterpart_activity_at, session_state, active_workflow_id, current_workflow_node_id, workflow_context,
	awaiting_input, unread_count, last_message, last_message_at, claim_deadline, created_at, updated_at`

const uniqueViolation = "23505"

// conversationRow adds the JSONB column the domain type does not map.
type conversationRow struct {
	types.Conversation
	ContextJSON []byte `db:"workflow_context"`
}

func (r *conversationRow) toConversation() (*types.Conversation, error) {
	conv := r.Conversation
	conv.WorkflowContext = make(map[string]interface{})
	if len(r.ContextJSON) > 0 {
		if err := json.Unmarshal(r.ContextJSON, &conv.WorkflowContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow context of %d: %w", conv.ID, err)
		}
	}
	return &conv, nil
}

// PostgresStorage is a ConversationStore on PostgreSQL.
type PostgresStorage struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// NewPostgresStorage creates a PostgresStorage.
func NewPostgresStorage(db *sqlx.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// Migrate applies Schema.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func mapWriteErr(err error, conv *types.Conversation) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: address=%s", ErrActiveConversationExists, conv.Address)
	}
	return err
}

func contextJSON(conv *types.Conversation) ([]byte, error) {
	data := conv.WorkflowContext
	if data == nil {
		data = map[string]interface{}{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow context of %d: %w", conv.ID, err)
	}
	return b, nil
}

// CreateConversation implements ConversationStore.
func (s *PostgresStorage) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	wc, err := contextJSON(conv)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		conv.ID, conv.Address, conv.Status, conv.AssignedAgentID, conv.Queue, conv.SessionStartedAt, conv.SessionExpiresAt,
		conv.LastCounterpartActivityAt, conv.SessionState, conv.ActiveWorkflowID, conv.CurrentWorkflowNodeID, wc,
		conv.AwaitingInput, conv.UnreadCount, conv.LastMessage, conv.LastMessageAt, conv.ClaimDeadline, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conversation %d: %w", conv.ID, mapWriteErr(err, conv))
	}
	return nil
}

// UpdateConversation implements ConversationStore.
func (s *PostgresStorage) UpdateConversation(ctx context.Context, conv *types.Conversation) error {
	wc, err := contextJSON(conv)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET
		status = $2, assigned_agent_id = $3, queue = $4, session_started_at = $5, session_expires_at = $6,
		last_counterpart_activity_at = $7, session_state = $8, active_workflow_id = $9, current_workflow_node_id = $10,
		workflow_context = $11, awaiting_input = $12, unread_count = $13, last_message = $14, last_message_at = $15,
		claim_deadline = $16, updated_at = $17
		WHERE id = $1`,
		conv.ID, conv.Status, conv.AssignedAgentID, conv.Queue, conv.SessionStartedAt, conv.SessionExpiresAt,
		conv.LastCounterpartActivityAt, conv.SessionState, conv.ActiveWorkflowID, conv.CurrentWorkflowNodeID,
		wc, conv.AwaitingInput, conv.UnreadCount, conv.LastMessage, conv.LastMessageAt,
		conv.ClaimDeadline, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update conversation %d: %w", conv.ID, mapWriteErr(err, conv))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update conversation %d: %w", conv.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", ErrConversationNotFound, conv.ID)
	}
	return nil
}

func (s *PostgresStorage) getOne(ctx context.Context, notFound string, query string, args ...interface{}) (*types.Conversation, error) {
	var row conversationRow
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, notFound)
		}
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return row.toConversation()
}

// GetConversation implements ConversationStore.
func (s *PostgresStorage) GetConversation(ctx context.Context, id uint64) (*types.Conversation, error) {
	return s.getOne(ctx, fmt.Sprintf("id=%d", id),
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
}

// LatestByAddress implements ConversationStore.
func (s *PostgresStorage) LatestByAddress(ctx context.Context, address string) (*types.Conversation, error) {
	return s.getOne(ctx, "address="+address,
		`SELECT `+conversationColumns+` FROM conversations WHERE address = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, address)
}

// ActiveByAddress implements ConversationStore.
func (s *PostgresStorage) ActiveByAddress(ctx context.Context, address string) (*types.Conversation, error) {
	return s.getOne(ctx, "no active conversation for address="+address,
		`SELECT `+conversationColumns+` FROM conversations WHERE address = $1 AND status <> 'closed' ORDER BY created_at DESC, id DESC LIMIT 1`, address)
}

// ListByStatus implements ConversationStore.
func (s *PostgresStorage) ListByStatus(ctx context.Context, statuses ...types.Status) ([]*types.Conversation, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+conversationColumns+` FROM conversations WHERE status = ANY($1) ORDER BY id`, pq.Array(names)); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	out := make([]*types.Conversation, 0, len(rows))
	for i := range rows {
		conv, err := rows[i].toConversation()
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// AppendMessage implements ConversationStore.
func (s *PostgresStorage) AppendMessage(ctx context.Context, rec types.MessageRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages
		(id, conversation_id, direction, author, text, external_id, media_ref, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.ConversationID, rec.Direction, rec.Author, rec.Text, rec.ExternalID, rec.MediaRef, rec.Delivered, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", rec.ID, err)
	}
	return nil
}

// RecentMessages implements ConversationStore.
func (s *PostgresStorage) RecentMessages(ctx context.Context, conversationID uint64, limit int) ([]types.MessageRecord, error) {
	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	var out []types.MessageRecord
	if err := s.db.SelectContext(ctx, &out, `SELECT id, conversation_id, direction, author, text, external_id, media_ref, delivered, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`, conversationID, lim); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AppendAudit implements ConversationStore.
func (s *PostgresStorage) AppendAudit(ctx context.Context, rec types.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_records (id, conversation_id, kind, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`, rec.ID, rec.ConversationID, rec.Kind, rec.Detail, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit record %s: %w", rec.ID, err)
	}
	return nil
}

// ListAudits implements ConversationStore.
func (s *PostgresStorage) ListAudits(ctx context.Context, conversationID uint64) ([]types.AuditRecord, error) {
	var out []types.AuditRecord
	if err := s.db.SelectContext(ctx, &out, `SELECT id, conversation_id, kind, detail, created_at
		FROM audit_records WHERE conversation_id = $1 ORDER BY created_at`, conversationID); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	return out, nil
}
