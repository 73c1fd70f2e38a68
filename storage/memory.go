package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/chatflow/types"
)

// MemoryStorage is an in-memory implementation of WorkflowStore and
// ConversationStore.
type MemoryStorage struct {
	workflows     map[string]types.Workflow
	conversations map[uint64]*types.Conversation
	byAddress     map[string][]uint64
	messages      map[uint64][]types.MessageRecord
	audits        map[uint64][]types.AuditRecord
	mu            sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows:     make(map[string]types.Workflow),
		conversations: make(map[uint64]*types.Conversation),
		byAddress:     make(map[string][]uint64),
		messages:      make(map[uint64][]types.MessageRecord),
		audits:        make(map[uint64][]types.AuditRecord),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[wf.ID] = wf
		return nil
	})
}

// SaveWorkflows saves multiple workflows in a single lock.
func (s *MemoryStorage) SaveWorkflows(ctx context.Context, wfs []types.Workflow) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, wf := range wfs {
			s.workflows[wf.ID] = wf
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	return getItem(ctx, &s.mu, s.workflows, id, ErrWorkflowNotFound)
}

// ListWorkflows returns all workflows ordered by ID.
func (s *MemoryStorage) ListWorkflows(ctx context.Context) ([]types.Workflow, error) {
	return withContext(ctx, func() ([]types.Workflow, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Workflow, 0, len(s.workflows))
		for _, wf := range s.workflows {
			out = append(out, wf)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// CreateConversation implements ConversationStore.
func (s *MemoryStorage) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, exists := s.conversations[conv.ID]; exists {
			return fmt.Errorf("conversation %d already exists", conv.ID)
		}
		if !conv.IsClosed() {
			if live := s.activeLocked(conv.Address); live != nil {
				return fmt.Errorf("%w: address=%s id=%d", ErrActiveConversationExists, conv.Address, live.ID)
			}
		}
		s.conversations[conv.ID] = conv.Clone()
		s.byAddress[conv.Address] = append(s.byAddress[conv.Address], conv.ID)
		return nil
	})
}

// UpdateConversation implements ConversationStore.
func (s *MemoryStorage) UpdateConversation(ctx context.Context, conv *types.Conversation) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.conversations[conv.ID]; !ok {
			return fmt.Errorf("%w: id=%d", ErrConversationNotFound, conv.ID)
		}
		s.conversations[conv.ID] = conv.Clone()
		return nil
	})
}

// GetConversation implements ConversationStore.
func (s *MemoryStorage) GetConversation(ctx context.Context, id uint64) (*types.Conversation, error) {
	conv, err := getItem(ctx, &s.mu, s.conversations, id, ErrConversationNotFound)
	if err != nil {
		return nil, err
	}
	return conv.Clone(), nil
}

// LatestByAddress implements ConversationStore.
func (s *MemoryStorage) LatestByAddress(ctx context.Context, address string) (*types.Conversation, error) {
	return withContext(ctx, func() (*types.Conversation, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ids := s.byAddress[address]
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: address=%s", ErrConversationNotFound, address)
		}
		return s.conversations[ids[len(ids)-1]].Clone(), nil
	})
}

// ActiveByAddress implements ConversationStore.
func (s *MemoryStorage) ActiveByAddress(ctx context.Context, address string) (*types.Conversation, error) {
	return withContext(ctx, func() (*types.Conversation, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		live := s.activeLocked(address)
		if live == nil {
			return nil, fmt.Errorf("%w: no active conversation for address=%s", ErrConversationNotFound, address)
		}
		return live.Clone(), nil
	})
}

func (s *MemoryStorage) activeLocked(address string) *types.Conversation {
	ids := s.byAddress[address]
	for i := len(ids) - 1; i >= 0; i-- {
		if c := s.conversations[ids[i]]; !c.IsClosed() {
			return c
		}
	}
	return nil
}

// ListByStatus implements ConversationStore.
func (s *MemoryStorage) ListByStatus(ctx context.Context, statuses ...types.Status) ([]*types.Conversation, error) {
	return withContext(ctx, func() ([]*types.Conversation, error) {
		want := make(map[types.Status]bool, len(statuses))
		for _, st := range statuses {
			want[st] = true
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []*types.Conversation
		for _, c := range s.conversations {
			if want[c.Status] {
				out = append(out, c.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// AppendMessage implements ConversationStore.
func (s *MemoryStorage) AppendMessage(ctx context.Context, rec types.MessageRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.messages[rec.ConversationID] = append(s.messages[rec.ConversationID], rec)
		return nil
	})
}

// RecentMessages implements ConversationStore.
func (s *MemoryStorage) RecentMessages(ctx context.Context, conversationID uint64, limit int) ([]types.MessageRecord, error) {
	return withContext(ctx, func() ([]types.MessageRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		msgs := s.messages[conversationID]
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		out := make([]types.MessageRecord, len(msgs))
		copy(out, msgs)
		return out, nil
	})
}

// AppendAudit implements ConversationStore.
func (s *MemoryStorage) AppendAudit(ctx context.Context, rec types.AuditRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.audits[rec.ConversationID] = append(s.audits[rec.ConversationID], rec)
		return nil
	})
}

// ListAudits implements ConversationStore.
func (s *MemoryStorage) ListAudits(ctx context.Context, conversationID uint64) ([]types.AuditRecord, error) {
	return withContext(ctx, func() ([]types.AuditRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.AuditRecord, len(s.audits[conversationID]))
		copy(out, s.audits[conversationID])
		return out, nil
	})
}
