package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/chatflow/events"
	"github.com/songzhibin97/chatflow/storage"
	"github.com/songzhibin97/chatflow/types"
)

// Defaults.
const (
	DefaultWindow       = 24 * time.Hour
	DefaultClaimTimeout = 30 * time.Second
	// UnassignedQueue is the queue used when no specific one is requested.
	UnassignedQueue = "unassigned"
)

// Errors
var (
	ErrInvalidAddress     = errors.New("counterpart address is required")
	ErrInvalidAgent       = errors.New("agent id is required")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrAlreadyClaimed     = errors.New("conversation is assigned to another agent")
)

// Audit kinds.
const (
	AuditReopened    = "reopened"
	AuditRouted      = "routed_to_human"
	AuditEscalation  = "claim_timeout"
	AuditClaimed     = "claimed"
	AuditTransferred = "transferred"
	AuditReturned    = "returned_to_queue"
	AuditClosed      = "closed"
	AuditExpired     = "session_expired"
)

// Transition tells the caller which lifecycle branch an inbound message took.
type Transition string

const (
	TransitionCreated Transition = "created"
	TransitionReused  Transition = "reused"
	TransitionReopen  Transition = "reopened"
	TransitionResumed Transition = "resumed"
	// TransitionExpiredAssigned means a human owns the thread and its window
	// lapsed; status was left untouched.
	TransitionExpiredAssigned Transition = "expired_assigned"
)

// Handle is the usable conversation produced for an inbound message.
type Handle struct {
	Conversation *types.Conversation
	Transition   Transition
	// Closed is the conversation closed by this message because its window
	// lapsed, if any.
	Closed *types.Conversation
}

// IDGenerator produces unique conversation IDs.
type IDGenerator interface {
	NextID() (uint64, error)
}

// NewSnowflake returns the default conversation ID generator.
func NewSnowflake(machineID uint16) IDGenerator {
	return generator.NewSnowflake(time.Now().Add(-1*time.Second), machineID)
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Manager owns the conversation lifecycle and the human-queue operations.
// Every transition writes through UpdateConversation.
type Manager struct {
	store    storage.ConversationStore
	generate IDGenerator
	bus      events.Publisher
	logger   *slog.Logger

	now          func() time.Time
	afterFunc    AfterFunc
	window       time.Duration
	claimTimeout time.Duration
	workflowID   string

	locks    *KeyedMutex
	timersMu sync.Mutex
	timers   map[uint64]*claimTimer
}

// Option configures a Manager.
type Option func(*Manager)

// WithPublisher sets where state-change and escalation events go.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.bus = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the clock used by operations that do not take a now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAfterFunc overrides how claim timers are scheduled.
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = f }
}

// WithWindow sets the session window.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// WithClaimTimeout sets how long an unassigned conversation may wait for a claim.
func WithClaimTimeout(d time.Duration) Option {
	return func(m *Manager) { m.claimTimeout = d }
}

// WithDefaultWorkflow sets the workflow attached to new conversations.
func WithDefaultWorkflow(id string) Option {
	return func(m *Manager) { m.workflowID = id }
}

// NewManager creates a Manager.
func NewManager(store storage.ConversationStore, generate IDGenerator, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("conversation store is required")
	}
	if generate == nil {
		return nil, errors.New("id generator is required")
	}
	m := &Manager{
		store:        store,
		generate:     generate,
		logger:       slog.Default(),
		now:          time.Now,
		window:       DefaultWindow,
		claimTimeout: DefaultClaimTimeout,
		locks:        NewKeyedMutex(),
		timers:       make(map[uint64]*claimTimer),
	}
	m.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Get returns a conversation by ID.
func (m *Manager) Get(ctx context.Context, id uint64) (*types.Conversation, error) {
	return m.store.GetConversation(ctx, id)
}

// HandleInbound resolves which conversation an inbound message from address
// belongs to, creating, reopening or refreshing one as needed.
func (m *Manager) HandleInbound(ctx context.Context, address string, now time.Time) (Handle, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Handle{}, ErrInvalidAddress
	}
	select {
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	default:
	}

	unlock := m.locks.Lock(address)
	defer unlock()

	h, err := m.resolve(ctx, address, now)
	if err != nil {
		return Handle{}, err
	}
	m.logger.Info("conversation resolved",
		"conversation_id", h.Conversation.ID,
		"address", address,
		"transition", string(h.Transition),
		"status", string(h.Conversation.Status))
	m.publish(ctx, events.StateChanged, h.Conversation, map[string]interface{}{
		"transition": string(h.Transition),
	})
	return h, nil
}

func (m *Manager) resolve(ctx context.Context, address string, now time.Time) (Handle, error) {
	latest, err := m.store.LatestByAddress(ctx, address)
	if errors.Is(err, storage.ErrConversationNotFound) {
		return m.freshOrReuse(ctx, address, now)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("failed to load latest conversation: %w", err)
	}

	switch {
	case latest.IsClosed() && m.lapsed(latest, now):
		return m.freshOrReuse(ctx, address, now)

	case latest.IsClosed():
		conv, err := m.reopen(ctx, latest, now)
		if err != nil {
			return Handle{}, err
		}
		return Handle{Conversation: conv, Transition: TransitionReopen}, nil

	case m.lapsed(latest, now) && latest.Status == types.StatusAgentAssigned:
		m.touch(latest, now)
		latest.SessionState = types.SessionExpired
		if err := m.update(ctx, latest, now); err != nil {
			return Handle{}, err
		}
		m.audit(ctx, latest.ID, AuditExpired, "window lapsed while assigned", now)
		return Handle{Conversation: latest, Transition: TransitionExpiredAssigned}, nil

	case m.lapsed(latest, now):
		m.cancelTimer(latest.ID)
		latest.Status = types.StatusClosed
		latest.SessionState = types.SessionExpired
		latest.AwaitingInput = false
		latest.ClaimDeadline = nil
		if err := m.update(ctx, latest, now); err != nil {
			return Handle{}, err
		}
		m.audit(ctx, latest.ID, AuditExpired, "closed on inbound after window lapsed", now)
		h, err := m.freshOrReuse(ctx, address, now)
		if err != nil {
			return Handle{}, err
		}
		h.Closed = latest
		return h, nil

	default:
		m.touch(latest, now)
		if err := m.update(ctx, latest, now); err != nil {
			return Handle{}, err
		}
		return Handle{Conversation: latest, Transition: TransitionResumed}, nil
	}
}

// freshOrReuse re-checks for a live conversation before creating one.
func (m *Manager) freshOrReuse(ctx context.Context, address string, now time.Time) (Handle, error) {
	live, err := m.store.ActiveByAddress(ctx, address)
	switch {
	case err == nil:
		return m.reuse(ctx, live, now)
	case !errors.Is(err, storage.ErrConversationNotFound):
		return Handle{}, fmt.Errorf("failed to load live conversation: %w", err)
	}

	id, err := m.generate.NextID()
	if err != nil {
		return Handle{}, fmt.Errorf("failed to generate ID: %w", err)
	}
	conv := &types.Conversation{
		ID:               id,
		Address:          address,
		Status:           types.StatusBotOwned,
		SessionStartedAt: now,
		SessionState:     types.SessionActive,
		ActiveWorkflowID: m.workflowID,
		WorkflowContext:  map[string]interface{}{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.touch(conv, now)

	err = m.store.CreateConversation(ctx, conv)
	if errors.Is(err, storage.ErrActiveConversationExists) {
		// Lost a creation race; use the winner.
		m.logger.Warn("duplicate live conversation detected", "address", address)
		live, err := m.store.ActiveByAddress(ctx, address)
		if err != nil {
			return Handle{}, fmt.Errorf("failed to load live conversation: %w", err)
		}
		return m.reuse(ctx, live, now)
	}
	if err != nil {
		return Handle{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return Handle{Conversation: conv, Transition: TransitionCreated}, nil
}

func (m *Manager) reuse(ctx context.Context, conv *types.Conversation, now time.Time) (Handle, error) {
	m.touch(conv, now)
	if err := m.update(ctx, conv, now); err != nil {
		return Handle{}, err
	}
	return Handle{Conversation: conv, Transition: TransitionReused}, nil
}

func (m *Manager) reopen(ctx context.Context, conv *types.Conversation, now time.Time) (*types.Conversation, error) {
	conv.Status = types.StatusUnassigned
	conv.Queue = UnassignedQueue
	conv.AssignedAgentID = nil
	conv.WorkflowContext = map[string]interface{}{}
	conv.CurrentWorkflowNodeID = ""
	conv.AwaitingInput = false
	conv.SessionStartedAt = now
	conv.SessionState = types.SessionActive
	m.touch(conv, now)
	deadline := now.Add(m.claimTimeout)
	conv.ClaimDeadline = &deadline
	if err := m.update(ctx, conv, now); err != nil {
		return nil, err
	}
	m.armTimer(conv.ID, m.claimTimeout)
	m.audit(ctx, conv.ID, AuditReopened, "reopened within window", now)
	return conv, nil
}

// lapsed reports whether the counterpart window has run out at now.
func (m *Manager) lapsed(conv *types.Conversation, now time.Time) bool {
	if conv.LastCounterpartActivityAt == nil {
		return true
	}
	return now.Sub(*conv.LastCounterpartActivityAt) >= m.window
}

func (m *Manager) touch(conv *types.Conversation, now time.Time) {
	at := now
	conv.LastCounterpartActivityAt = &at
	conv.SessionExpiresAt = now.Add(m.window)
	conv.SessionState = types.SessionActive
}

func (m *Manager) update(ctx context.Context, conv *types.Conversation, now time.Time) error {
	conv.UpdatedAt = now
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		m.logger.Error("failed to persist conversation", "conversation_id", conv.ID, "err", err)
		return fmt.Errorf("failed to update conversation %d: %w", conv.ID, err)
	}
	return nil
}

// errUnchanged lets a mutate callback skip the write.
var errUnchanged = errors.New("unchanged")

// mutate loads a conversation, applies fn under the address lock and
// writes it back.
func (m *Manager) mutate(ctx context.Context, id uint64, fn func(conv *types.Conversation, now time.Time) error) (*types.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(conv.Address)
	defer unlock()

	// Reload under the lock.
	conv, err = m.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if err := fn(conv, now); err != nil {
		if errors.Is(err, errUnchanged) {
			return conv, nil
		}
		return nil, err
	}
	if err := m.update(ctx, conv, now); err != nil {
		return nil, err
	}
	return conv, nil
}

func (m *Manager) audit(ctx context.Context, conversationID uint64, kind, detail string, now time.Time) {
	rec := types.AuditRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           kind,
		Detail:         detail,
		CreatedAt:      now,
	}
	if err := m.store.AppendAudit(ctx, rec); err != nil {
		m.logger.Error("failed to append audit", "conversation_id", conversationID, "kind", kind, "err", err)
	}
}

// syncPublisher is implemented by buses that can deliver without queueing.
type syncPublisher interface {
	PublishSync(ctx context.Context, event events.Event) []error
}

func (m *Manager) publish(ctx context.Context, typ string, conv *types.Conversation, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	err := m.bus.Publish(ctx, m.event(typ, conv, data))
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		m.logger.Warn("failed to publish event", "event", typ, "conversation_id", conv.ID, "err", err)
	}
}

// publishSync delivers events that must not be dropped on a full queue.
func (m *Manager) publishSync(ctx context.Context, typ string, conv *types.Conversation, data map[string]interface{}) {
	sp, ok := m.bus.(syncPublisher)
	if !ok {
		m.publish(ctx, typ, conv, data)
		return
	}
	for _, err := range sp.PublishSync(ctx, m.event(typ, conv, data)) {
		if !errors.Is(err, events.ErrNoHandler) {
			m.logger.Warn("failed to publish event", "event", typ, "conversation_id", conv.ID, "err", err)
		}
	}
}

func (m *Manager) event(typ string, conv *types.Conversation, data map[string]interface{}) events.Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["status"] = string(conv.Status)
	return events.Event{
		Type:           typ,
		ConversationID: conv.ID,
		Address:        conv.Address,
		At:             conv.UpdatedAt,
		Data:           data,
	}
}
