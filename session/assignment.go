package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/songzhibin97/chatflow/events"
	"github.com/songzhibin97/chatflow/types"
)

// RouteToHuman moves a conversation into a human queue and starts the
// claim timer. An empty queue means UnassignedQueue.
func (m *Manager) RouteToHuman(ctx context.Context, id uint64, queue, reason string) (*types.Conversation, error) {
	if queue == "" {
		queue = UnassignedQueue
	}
	conv, err := m.mutate(ctx, id, func(c *types.Conversation, now time.Time) error {
		if c.IsClosed() {
			return fmt.Errorf("%w: id=%d", ErrConversationClosed, c.ID)
		}
		m.queue(c, queue, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.armTimer(conv.ID, m.claimTimeout)
	m.audit(ctx, conv.ID, AuditRouted, strings.TrimSpace(queue+" "+reason), conv.UpdatedAt)
	m.publish(ctx, events.StateChanged, conv, map[string]interface{}{"queue": queue, "reason": reason})
	return conv, nil
}

// Claim assigns a conversation to agentID and cancels its claim timer.
func (m *Manager) Claim(ctx context.Context, id uint64, agentID string) (*types.Conversation, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, ErrInvalidAgent
	}
	conv, err := m.mutate(ctx, id, func(c *types.Conversation, now time.Time) error {
		if c.IsClosed() {
			return fmt.Errorf("%w: id=%d", ErrConversationClosed, c.ID)
		}
		if c.Status == types.StatusAgentAssigned && c.AssignedAgentID != nil && *c.AssignedAgentID != agentID {
			return fmt.Errorf("%w: id=%d agent=%s", ErrAlreadyClaimed, c.ID, *c.AssignedAgentID)
		}
		m.cancelTimer(c.ID)
		m.assign(c, agentID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("conversation claimed", "conversation_id", conv.ID, "agent_id", agentID)
	m.audit(ctx, conv.ID, AuditClaimed, agentID, conv.UpdatedAt)
	m.publish(ctx, events.Assigned, conv, map[string]interface{}{"agent_id": agentID})
	return conv, nil
}

// Transfer hands a conversation to another agent, or to a queue when
// toAgentID is empty.
func (m *Manager) Transfer(ctx context.Context, id uint64, toAgentID, queue string) (*types.Conversation, error) {
	toAgentID = strings.TrimSpace(toAgentID)
	if toAgentID == "" && queue == "" {
		queue = UnassignedQueue
	}
	conv, err := m.mutate(ctx, id, func(c *types.Conversation, now time.Time) error {
		if c.IsClosed() {
			return fmt.Errorf("%w: id=%d", ErrConversationClosed, c.ID)
		}
		m.cancelTimer(c.ID)
		if toAgentID != "" {
			m.assign(c, toAgentID)
			if queue != "" {
				c.Queue = queue
			}
			return nil
		}
		m.queue(c, queue, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if toAgentID == "" {
		m.armTimer(conv.ID, m.claimTimeout)
	}
	m.audit(ctx, conv.ID, AuditTransferred, strings.TrimSpace(toAgentID+" "+queue), conv.UpdatedAt)
	m.publish(ctx, events.StateChanged, conv, map[string]interface{}{"agent_id": toAgentID, "queue": conv.Queue})
	return conv, nil
}

// ReturnToQueue releases an assigned conversation back to its human queue.
func (m *Manager) ReturnToQueue(ctx context.Context, id uint64) (*types.Conversation, error) {
	conv, err := m.mutate(ctx, id, func(c *types.Conversation, now time.Time) error {
		if c.IsClosed() {
			return fmt.Errorf("%w: id=%d", ErrConversationClosed, c.ID)
		}
		queue := c.Queue
		if queue == "" {
			queue = UnassignedQueue
		}
		m.queue(c, queue, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.armTimer(conv.ID, m.claimTimeout)
	m.audit(ctx, conv.ID, AuditReturned, conv.Queue, conv.UpdatedAt)
	m.publish(ctx, events.StateChanged, conv, map[string]interface{}{"queue": conv.Queue})
	return conv, nil
}

// Close closes a conversation. Closing twice is a no-op.
func (m *Manager) Close(ctx context.Context, id uint64) (*types.Conversation, error) {
	changed := false
	conv, err := m.mutate(ctx, id, func(c *types.Conversation, now time.Time) error {
		m.cancelTimer(c.ID)
		if c.IsClosed() {
			return errUnchanged
		}
		c.Status = types.StatusClosed
		c.AwaitingInput = false
		c.ClaimDeadline = nil
		changed = true
		return nil
	})
	if err != nil || !changed {
		return conv, err
	}
	m.logger.Info("conversation closed", "conversation_id", conv.ID)
	m.audit(ctx, conv.ID, AuditClosed, "", conv.UpdatedAt)
	m.publish(ctx, events.Closed, conv, nil)
	return conv, nil
}

// MarkRead resets the unread counter.
func (m *Manager) MarkRead(ctx context.Context, id uint64) (*types.Conversation, error) {
	return m.mutate(ctx, id, func(c *types.Conversation, now time.Time) error {
		c.UnreadCount = 0
		return nil
	})
}

// RecordInbound stamps the last-message fields and bumps the unread counter.
func (m *Manager) RecordInbound(ctx context.Context, id uint64, text string, at time.Time) error {
	_, err := m.mutate(ctx, id, func(c *types.Conversation, now time.Time) error {
		c.UnreadCount++
		c.LastMessage = text
		c.LastMessageAt = &at
		return nil
	})
	return err
}

// RecordOutbound stamps the last-message fields for a message sent to the
// counterpart.
func (m *Manager) RecordOutbound(ctx context.Context, id uint64, text string, at time.Time) error {
	_, err := m.mutate(ctx, id, func(c *types.Conversation, now time.Time) error {
		c.LastMessage = text
		c.LastMessageAt = &at
		return nil
	})
	return err
}

// SaveWorkflowState writes the interpreter resumption point onto the
// conversation.
func (m *Manager) SaveWorkflowState(ctx context.Context, conversationID uint64, state types.WorkflowState) error {
	_, err := m.mutate(ctx, conversationID, func(c *types.Conversation, now time.Time) error {
		c.ActiveWorkflowID = state.WorkflowID
		c.CurrentWorkflowNodeID = state.NodeID
		c.WorkflowContext = types.CloneData(state.Data)
		c.AwaitingInput = state.AwaitingInput
		return nil
	})
	return err
}

func (m *Manager) queue(c *types.Conversation, queue string, now time.Time) {
	c.Status = types.StatusUnassigned
	c.Queue = queue
	c.AssignedAgentID = nil
	c.AwaitingInput = false
	deadline := now.Add(m.claimTimeout)
	c.ClaimDeadline = &deadline
}

func (m *Manager) assign(c *types.Conversation, agentID string) {
	id := agentID
	c.Status = types.StatusAgentAssigned
	c.AssignedAgentID = &id
	c.ClaimDeadline = nil
	c.AwaitingInput = false
}
