// Package inbound is the single entry point for messages arriving from the
// messaging platform.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/chatflow/dedup"
	"github.com/songzhibin97/chatflow/events"
	"github.com/songzhibin97/chatflow/session"
	"github.com/songzhibin97/chatflow/types"
	"github.com/songzhibin97/chatflow/workflow"
)

// DefaultHistoryLimit is how many prior turns a pass sees.
const DefaultHistoryLimit = 20

// handoffApology is sent when the bot cannot go on and a human takes over.
const handoffApology = "Desculpe, não consegui continuar o atendimento automático. Vou transferir você para um de nossos atendentes."

// ErrInvalidMessage is returned for messages without an address.
var ErrInvalidMessage = errors.New("inbound message has no address")

// Sessions is the lifecycle surface the processor drives.
type Sessions interface {
	HandleInbound(ctx context.Context, address string, now time.Time) (session.Handle, error)
	RecordInbound(ctx context.Context, id uint64, text string, at time.Time) error
	RouteToHuman(ctx context.Context, id uint64, queue, reason string) (*types.Conversation, error)
	SaveWorkflowState(ctx context.Context, conversationID uint64, state types.WorkflowState) error
	Get(ctx context.Context, id uint64) (*types.Conversation, error)
}

// MessageStore persists inbound records and serves history.
type MessageStore interface {
	AppendMessage(ctx context.Context, rec types.MessageRecord) error
	RecentMessages(ctx context.Context, conversationID uint64, limit int) ([]types.MessageRecord, error)
}

// WorkflowSource loads workflow definitions.
type WorkflowSource interface {
	GetWorkflow(ctx context.Context, id string) (types.Workflow, error)
}

// Runner executes one workflow pass.
type Runner interface {
	Run(ctx context.Context, g *workflow.Graph, ec *workflow.ExecContext) (workflow.RunResult, error)
}

// Replier delivers bot replies.
type Replier interface {
	SendAll(ctx context.Context, conv *types.Conversation, author types.Author, texts []string) error
}

// Result describes what happened to one inbound message.
type Result struct {
	Duplicate    bool
	Conversation *types.Conversation
	Transition   session.Transition
	Replies      []string
	Outcome      workflow.Outcome
	// HandedOff is set when the pass ended in a human queue.
	HandedOff bool
}

// Processor ties dedup, the lifecycle manager, the interpreter and the
// outbound dispatcher together.
type Processor struct {
	sessions  Sessions
	messages  MessageStore
	workflows WorkflowSource
	runner    Runner
	replies   Replier

	deduper         dedup.Deduper
	bus             events.Publisher
	logger          *slog.Logger
	now             func() time.Time
	defaultWorkflow string
	historyLimit    int

	locks    *session.KeyedMutex
	graphsMu sync.RWMutex
	graphs   map[string]*workflow.Graph
}

// Option configures a Processor.
type Option func(*Processor)

// WithDeduper enables redelivery suppression.
func WithDeduper(d dedup.Deduper) Option {
	return func(p *Processor) { p.deduper = d }
}

// WithPublisher sets where inbound message events go.
func WithPublisher(b events.Publisher) Option {
	return func(p *Processor) { p.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithDefaultWorkflow sets the workflow run for conversations that have none.
func WithDefaultWorkflow(id string) Option {
	return func(p *Processor) { p.defaultWorkflow = id }
}

// WithHistoryLimit sets how many prior turns a pass sees.
func WithHistoryLimit(n int) Option {
	return func(p *Processor) { p.historyLimit = n }
}

// NewProcessor creates a Processor.
func NewProcessor(sessions Sessions, messages MessageStore, workflows WorkflowSource, runner Runner, replies Replier, opts ...Option) *Processor {
	p := &Processor{
		sessions:        sessions,
		messages:        messages,
		workflows:       workflows,
		runner:          runner,
		replies:         replies,
		logger:          slog.Default(),
		now:             time.Now,
		defaultWorkflow: "default",
		historyLimit:    DefaultHistoryLimit,
		locks:           session.NewKeyedMutex(),
		graphs:          make(map[string]*workflow.Graph),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one inbound message. Only persistence failures, and
// delivery failures when the dispatcher is not fail-open, are returned.
func (p *Processor) Handle(ctx context.Context, msg types.InboundMessage) (Result, error) {
	msg.Address = strings.TrimSpace(msg.Address)
	if msg.Address == "" {
		return Result{}, ErrInvalidMessage
	}
	log := p.logger.With("address", msg.Address, "message_id", msg.MessageID)

	if p.deduper == nil {
		return p.handle(ctx, msg, log)
	}
	dup, err := dedup.IsDuplicate(ctx, p.deduper, msg)
	if err != nil {
		log.Warn("dedup check failed", "err", err)
	}
	if dup {
		log.Info("duplicate inbound message dropped")
		return Result{Duplicate: true}, nil
	}
	res, err := p.handle(ctx, msg, log)
	if err != nil {
		// The platform redelivers on error; let the retry through.
		if ferr := dedup.Release(context.WithoutCancel(ctx), p.deduper, msg); ferr != nil {
			log.Warn("dedup release failed", "err", ferr)
		}
	}
	return res, err
}

func (p *Processor) handle(ctx context.Context, msg types.InboundMessage, log *slog.Logger) (Result, error) {
	unlock := p.locks.Lock(msg.Address)
	defer unlock()

	now := p.now()
	h, err := p.sessions.HandleInbound(ctx, msg.Address, now)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve conversation: %w", err)
	}
	conv := h.Conversation
	log = log.With("conversation_id", conv.ID)

	history, err := p.history(ctx, conv.ID)
	if err != nil {
		return Result{}, err
	}
	if err := p.recordInbound(ctx, conv, msg, now); err != nil {
		return Result{}, err
	}

	res := Result{Conversation: conv, Transition: h.Transition}
	if conv.Status != types.StatusBotOwned {
		log.Debug("conversation owned by humans, skipping bot", "status", string(conv.Status))
		return res, nil
	}

	run, runErr := p.run(ctx, conv, msg.Text, history)
	res.Replies = run.Replies
	res.Outcome = run.Outcome

	if err := p.replies.SendAll(ctx, conv, types.AuthorBot, run.Replies); err != nil {
		return res, err
	}

	switch {
	case runErr == nil && run.Outcome == workflow.OutcomeHandoff:
		if err := p.handoff(ctx, conv, run.Queue, "workflow handoff"); err != nil {
			return res, err
		}
		res.HandedOff = true
	case runErr == nil:
	case errors.Is(runErr, workflow.ErrCheckpoint):
		return res, fmt.Errorf("failed to save workflow state: %w", runErr)
	case workflow.IsTerminal(runErr):
		log.Error("workflow pass failed, handing off", "workflow_id", conv.ActiveWorkflowID, "err", runErr)
		if err := p.replies.SendAll(ctx, conv, types.AuthorBot, []string{handoffApology}); err != nil {
			return res, err
		}
		res.Replies = append(res.Replies, handoffApology)
		if err := p.sessions.SaveWorkflowState(ctx, conv.ID, types.WorkflowState{
			WorkflowID: p.workflowID(conv),
			Data:       conv.WorkflowContext,
		}); err != nil {
			return res, fmt.Errorf("failed to reset workflow state: %w", err)
		}
		if err := p.handoff(ctx, conv, session.UnassignedQueue, runErr.Error()); err != nil {
			return res, err
		}
		res.HandedOff = true
	default:
		return res, runErr
	}

	if fresh, err := p.sessions.Get(ctx, conv.ID); err == nil {
		res.Conversation = fresh
	}
	return res, nil
}

func (p *Processor) history(ctx context.Context, conversationID uint64) ([]types.Turn, error) {
	recs, err := p.messages.RecentMessages(ctx, conversationID, p.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	turns := make([]types.Turn, 0, len(recs))
	for _, r := range recs {
		turns = append(turns, types.Turn{Author: r.Author, Text: r.Text, At: r.CreatedAt})
	}
	return turns, nil
}

func (p *Processor) recordInbound(ctx context.Context, conv *types.Conversation, msg types.InboundMessage, now time.Time) error {
	rec := types.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      types.DirectionInbound,
		Author:         types.AuthorCounterpart,
		Text:           msg.Text,
		ExternalID:     msg.MessageID,
		MediaRef:       msg.MediaRef,
		Delivered:      true,
		CreatedAt:      now,
	}
	if err := p.messages.AppendMessage(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist inbound message: %w", err)
	}
	if err := p.sessions.RecordInbound(ctx, conv.ID, msg.Text, now); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if p.bus != nil {
		err := p.bus.Publish(ctx, events.Event{
			Type:           events.MessageInbound,
			ConversationID: conv.ID,
			Address:        conv.Address,
			At:             now,
			Data:           map[string]interface{}{"message_id": rec.ID, "text": msg.Text},
		})
		if err != nil && !errors.Is(err, events.ErrNoHandler) {
			p.logger.Warn("failed to publish event", "event", events.MessageInbound, "conversation_id", conv.ID, "err", err)
		}
	}
	return nil
}

func (p *Processor) run(ctx context.Context, conv *types.Conversation, text string, history []types.Turn) (workflow.RunResult, error) {
	g, err := p.graph(ctx, p.workflowID(conv))
	if err != nil {
		return workflow.RunResult{}, err
	}
	ec := workflow.NewExecContext(conv, text, history)
	if conv.ActiveWorkflowID != g.ID() {
		// Switching workflows starts from the top.
		ec.CurrentNodeID = ""
	}
	return p.runner.Run(ctx, g, ec)
}

func (p *Processor) workflowID(conv *types.Conversation) string {
	if conv.ActiveWorkflowID != "" {
		return conv.ActiveWorkflowID
	}
	return p.defaultWorkflow
}

// graph returns the validated graph of a workflow, built once per id.
func (p *Processor) graph(ctx context.Context, id string) (*workflow.Graph, error) {
	p.graphsMu.RLock()
	g, ok := p.graphs[id]
	p.graphsMu.RUnlock()
	if ok {
		return g, nil
	}

	wf, err := p.workflows.GetWorkflow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", workflow.ErrInvalidWorkflow, err)
	}
	g, err = workflow.NewGraph(wf)
	if err != nil {
		return nil, err
	}
	p.graphsMu.Lock()
	p.graphs[id] = g
	p.graphsMu.Unlock()
	return g, nil
}

// Invalidate drops cached graphs so edited workflows are picked up. With no
// ids every graph is dropped.
func (p *Processor) Invalidate(ids ...string) {
	p.graphsMu.Lock()
	defer p.graphsMu.Unlock()
	if len(ids) == 0 {
		p.graphs = make(map[string]*workflow.Graph)
		return
	}
	for _, id := range ids {
		delete(p.graphs, id)
	}
}

func (p *Processor) handoff(ctx context.Context, conv *types.Conversation, queue, reason string) error {
	if _, err := p.sessions.RouteToHuman(ctx, conv.ID, queue, reason); err != nil {
		return fmt.Errorf("failed to route to human: %w", err)
	}
	p.logger.Info("conversation handed off", "conversation_id", conv.ID, "queue", queue)
	return nil
}
