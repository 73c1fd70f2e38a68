package session

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/chatflow/events"
	"github.com/songzhibin97/chatflow/types"
)

const escalationTimeout = 10 * time.Second

type claimTimer struct {
	timer Timer
}

// armTimer (re)starts the claim timer of a conversation.
func (m *Manager) armTimer(id uint64, d time.Duration) {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	if ct, ok := m.timers[id]; ok {
		ct.timer.Stop()
	}
	ct := &claimTimer{}
	ct.timer = m.afterFunc(d, func() { m.fire(id, ct) })
	m.timers[id] = ct
}

// cancelTimer stops a pending claim timer. It reports whether one was pending.
func (m *Manager) cancelTimer(id uint64) bool {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	ct, ok := m.timers[id]
	if !ok {
		return false
	}
	ct.timer.Stop()
	delete(m.timers, id)
	return true
}

// PendingTimers returns the number of armed claim timers.
func (m *Manager) PendingTimers() int {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	return len(m.timers)
}

func (m *Manager) fire(id uint64, self *claimTimer) {
	m.timersMu.Lock()
	ct, ok := m.timers[id]
	if !ok || ct != self {
		// Cancelled or re-armed since this callback was scheduled.
		m.timersMu.Unlock()
		return
	}
	delete(m.timers, id)
	m.timersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), escalationTimeout)
	defer cancel()
	if err := m.escalate(ctx, id); err != nil {
		m.logger.Error("claim escalation failed", "conversation_id", id, "err", err)
	}
}

// escalate stamps the audit trail and broadcasts the escalation notice for
// a conversation that nobody claimed in time. Status is left as is.
func (m *Manager) escalate(ctx context.Context, id uint64) error {
	escalated := false
	conv, err := m.mutate(ctx, id, func(c *types.Conversation, now time.Time) error {
		if c.Status != types.StatusUnassigned {
			return errUnchanged
		}
		c.ClaimDeadline = nil
		escalated = true
		return nil
	})
	if err != nil || !escalated {
		return err
	}
	m.logger.Warn("conversation not claimed in time", "conversation_id", conv.ID, "queue", conv.Queue)
	m.audit(ctx, conv.ID, AuditEscalation, fmt.Sprintf("not claimed within %s", m.claimTimeout), conv.UpdatedAt)
	m.publishSync(ctx, events.Escalated, conv, map[string]interface{}{"queue": conv.Queue})
	return nil
}

// RecoverClaimTimers re-arms claim timers from persisted deadlines. Deadlines
// already in the past fire immediately.
func (m *Manager) RecoverClaimTimers(ctx context.Context) (int, error) {
	convs, err := m.store.ListByStatus(ctx, types.StatusUnassigned)
	if err != nil {
		return 0, fmt.Errorf("failed to list unassigned conversations: %w", err)
	}
	now := m.now()
	armed := 0
	for _, c := range convs {
		if c.ClaimDeadline == nil {
			continue
		}
		remaining := c.ClaimDeadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		m.armTimer(c.ID, remaining)
		armed++
	}
	m.logger.Info("claim timers recovered", "count", armed)
	return armed, nil
}

// SweepIdle closes conversations not owned by a human whose window lapsed
// before now. It returns how many were closed.
func (m *Manager) SweepIdle(ctx context.Context, now time.Time) (int, error) {
	convs, err := m.store.ListByStatus(ctx, types.StatusBotOwned, types.StatusUnassigned, types.StatusAwaitingAgent)
	if err != nil {
		return 0, fmt.Errorf("failed to list idle candidates: %w", err)
	}
	closed := 0
	for _, c := range convs {
		select {
		case <-ctx.Done():
			return closed, ctx.Err()
		default:
		}
		if !m.lapsed(c, now) {
			continue
		}
		swept := false
		conv, err := m.mutate(ctx, c.ID, func(conv *types.Conversation, _ time.Time) error {
			if conv.IsClosed() || conv.Status == types.StatusAgentAssigned || !m.lapsed(conv, now) {
				return errUnchanged
			}
			m.cancelTimer(conv.ID)
			conv.Status = types.StatusClosed
			conv.SessionState = types.SessionExpired
			conv.AwaitingInput = false
			conv.ClaimDeadline = nil
			swept = true
			return nil
		})
		if err != nil {
			m.logger.Error("idle sweep failed", "conversation_id", c.ID, "err", err)
			continue
		}
		if !swept {
			continue
		}
		closed++
		m.audit(ctx, conv.ID, AuditExpired, "closed by idle sweep", now)
		m.publish(ctx, events.Closed, conv, map[string]interface{}{"reason": "idle"})
	}
	return closed, nil
}

// Stop cancels every pending claim timer. Deadlines stay persisted.
func (m *Manager) Stop() {
	m.timersMu.Lock()
	defer m.timersMu.Unlock()
	for id, ct := range m.timers {
		ct.timer.Stop()
		delete(m.timers, id)
	}
}
