package types

import "time"

// Status is the queue a conversation currently sits in.
type Status string

const (
	StatusBotOwned      Status = "bot"
	StatusUnassigned    Status = "unassigned"
	StatusAgentAssigned Status = "assigned"
	StatusAwaitingAgent Status = "awaiting_agent"
	StatusClosed        Status = "closed"
)

// SessionState reports whether the 24h counterpart window is still open.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
)

// Conversation is one chat thread with one counterpart address.
type Conversation struct {
	ID              uint64  `json:"id" db:"id"`
	Address         string  `json:"address" db:"address"`
	Status          Status  `json:"status" db:"status"`
	AssignedAgentID *string `json:"assigned_agent_id,omitempty" db:"assigned_agent_id"`
	Queue           string  `json:"queue,omitempty" db:"queue"`

	SessionStartedAt          time.Time    `json:"session_started_at" db:"session_started_at"`
	SessionExpiresAt          time.Time    `json:"session_expires_at" db:"session_expires_at"`
	LastCounterpartActivityAt *time.Time   `json:"last_counterpart_activity_at,omitempty" db:"last_counterpart_activity_at"`
	SessionState              SessionState `json:"session_state" db:"session_state"`

	ActiveWorkflowID      string                 `json:"active_workflow_id,omitempty" db:"active_workflow_id"`
	CurrentWorkflowNodeID string                 `json:"current_workflow_node_id,omitempty" db:"current_workflow_node_id"`
	WorkflowContext       map[string]interface{} `json:"workflow_context" db:"-"`
	AwaitingInput         bool                   `json:"awaiting_input" db:"awaiting_input"`

	UnreadCount   int        `json:"unread_count" db:"unread_count"`
	LastMessage   string     `json:"last_message,omitempty" db:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`

	// ClaimDeadline is the claim-by instant while waiting in the unassigned queue.
	ClaimDeadline *time.Time `json:"claim_deadline,omitempty" db:"claim_deadline"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsClosed reports whether the conversation is in the closed queue.
func (c *Conversation) IsClosed() bool {
	return c.Status == StatusClosed
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.AssignedAgentID != nil {
		id := *c.AssignedAgentID
		out.AssignedAgentID = &id
	}
	out.LastCounterpartActivityAt = cloneTime(c.LastCounterpartActivityAt)
	out.LastMessageAt = cloneTime(c.LastMessageAt)
	out.ClaimDeadline = cloneTime(c.ClaimDeadline)
	out.WorkflowContext = CloneData(c.WorkflowContext)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CloneData copies a userData bag one level deep.
func CloneData(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Direction of a persisted message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Author of a turn in the conversation history.
type Author string

const (
	AuthorCounterpart Author = "counterpart"
	AuthorBot         Author = "bot"
	AuthorAgent       Author = "agent"
)

// MessageRecord is a persisted inbound or outbound message.
type MessageRecord struct {
	ID             string    `json:"id" db:"id"`
	ConversationID uint64    `json:"conversation_id" db:"conversation_id"`
	Direction      Direction `json:"direction" db:"direction"`
	Author         Author    `json:"author" db:"author"`
	Text           string    `json:"text" db:"text"`
	ExternalID     string    `json:"external_id,omitempty" db:"external_id"`
	MediaRef       string    `json:"media_ref,omitempty" db:"media_ref"`
	Delivered      bool      `json:"delivered" db:"delivered"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// AuditRecord stamps an operational event on a conversation.
type AuditRecord struct {
	ID             string    `json:"id" db:"id"`
	ConversationID uint64    `json:"conversation_id" db:"conversation_id"`
	Kind           string    `json:"kind" db:"kind"`
	Detail         string    `json:"detail" db:"detail"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// InboundMessage is what the messaging webhook delivers.
type InboundMessage struct {
	Address   string `json:"address"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
	MediaRef  string `json:"media_ref,omitempty"`
}

// Turn is one entry of the execution history.
type Turn struct {
	Author Author    `json:"author"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// WorkflowState is the resumption point written back onto a conversation
// whenever the interpreter pauses or finishes.
type WorkflowState struct {
	WorkflowID    string
	NodeID        string
	Data          map[string]interface{}
	AwaitingInput bool
}
