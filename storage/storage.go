package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/chatflow/types"
)

// Errors
var (
	ErrWorkflowNotFound         = errors.New("workflow not found")
	ErrConversationNotFound     = errors.New("conversation not found")
	ErrActiveConversationExists = errors.New("a non-closed conversation already exists for this address")
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	// SaveWorkflow saves a workflow definition.
	SaveWorkflow(ctx context.Context, wf types.Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (types.Workflow, error)

	// ListWorkflows returns every stored workflow.
	ListWorkflows(ctx context.Context) ([]types.Workflow, error)
}

// ConversationStore persists conversations and their message and audit
// records. Implementations return copies; callers own what they get.
type ConversationStore interface {
	// CreateConversation inserts conv. It returns ErrActiveConversationExists
	// when conv is not closed and another non-closed conversation exists for
	// the same address.
	CreateConversation(ctx context.Context, conv *types.Conversation) error

	// UpdateConversation overwrites a stored conversation.
	UpdateConversation(ctx context.Context, conv *types.Conversation) error

	// GetConversation retrieves a conversation by ID.
	GetConversation(ctx context.Context, id uint64) (*types.Conversation, error)

	// LatestByAddress returns the most recently created conversation for address.
	LatestByAddress(ctx context.Context, address string) (*types.Conversation, error)

	// ActiveByAddress returns the non-closed conversation for address.
	ActiveByAddress(ctx context.Context, address string) (*types.Conversation, error)

	// ListByStatus returns conversations in any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...types.Status) ([]*types.Conversation, error)

	// AppendMessage persists a message record.
	AppendMessage(ctx context.Context, rec types.MessageRecord) error

	// RecentMessages returns up to limit most recent messages, oldest first.
	RecentMessages(ctx context.Context, conversationID uint64, limit int) ([]types.MessageRecord, error)

	// AppendAudit persists an audit record.
	AppendAudit(ctx context.Context, rec types.AuditRecord) error

	// ListAudits returns the audit trail of a conversation, oldest first.
	ListAudits(ctx context.Context, conversationID uint64) ([]types.AuditRecord, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
