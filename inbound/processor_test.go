package inbound

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/chatflow/dedup"
	"github.com/songzhibin97/chatflow/outbound"
	"github.com/songzhibin97/chatflow/session"
	"github.com/songzhibin97/chatflow/storage"
	"github.com/songzhibin97/chatflow/types"
	"github.com/songzhibin97/chatflow/workflow"
)

const (
	address     = "5511999999999"
	welcomeText = "Olá! Sou a assistente da Clínica.\n1 - Agendar consulta\n2 - Falar com atendente"
	transferMsg = "Um atendente vai falar com você."
)

var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func clinicWorkflow() types.Workflow {
	return types.Workflow{
		ID: "default",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart, Content: types.NodeContent{Text: welcomeText}},
			{ID: "choice", Type: types.NodeCondition, Content: types.NodeContent{
				Condition: &types.ConditionSpec{Kind: types.ConditionMenu, Options: []types.MenuOption{
					{Number: 1, Label: "Agendar consulta", Port: "schedule"},
					{Number: 2, Label: "Falar com atendente", Port: "human"},
				}},
				Fallback: "Responda 1 ou 2.",
			}},
			{ID: "patient", Type: types.NodeDataCollection, Content: types.NodeContent{Fields: []types.FieldSpec{
				{Name: "name", Kind: types.FieldName},
			}}},
			{ID: "human", Type: types.NodeTransferToHuman, Content: types.NodeContent{Text: transferMsg, Queue: "reception"}},
			{ID: "done", Type: types.NodeEnd, Content: types.NodeContent{Text: "Obrigado, {{.name}}!"}},
		},
		Edges: []types.Edge{
			{From: "start", To: "choice"},
			{From: "choice", To: "patient", Port: "schedule"},
			{From: "choice", To: "human", Port: "human"},
			{From: "patient", To: "done"},
		},
	}
}

type MockSender struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (m *MockSender) Send(ctx context.Context, address, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return "", m.err
}

func (m *MockSender) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

type failingCheckpointer struct{}

func (failingCheckpointer) SaveWorkflowState(ctx context.Context, id uint64, st types.WorkflowState) error {
	return errors.New("database is read-only")
}

// flakyCheckpointer fails the first fails saves, then delegates to next.
type flakyCheckpointer struct {
	mu    sync.Mutex
	fails int
	next  workflow.Checkpointer
}

func (f *flakyCheckpointer) SaveWorkflowState(ctx context.Context, id uint64, st types.WorkflowState) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.next.SaveWorkflowState(ctx, id, st)
}

type nopTimer struct{}

func (nopTimer) Stop() bool { return true }

type seqGenerator struct{ n atomic.Uint64 }

func (g *seqGenerator) NextID() (uint64, error) { return g.n.Add(1), nil }

type harness struct {
	store     *storage.MemoryStorage
	manager   *session.Manager
	sender    *MockSender
	processor *Processor
	clock     time.Time
}

type harnessOption struct {
	checkpointer workflow.Checkpointer
	failOpen     bool
	sendErr      error
	skipWorkflow bool
}

func newHarness(t *testing.T, ho harnessOption) *harness {
	t.Helper()
	ctx := context.Background()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{store: storage.NewMemoryStorage(), sender: &MockSender{err: ho.sendErr}, clock: t0}
	now := func() time.Time { return h.clock }

	if !ho.skipWorkflow {
		require.NoError(t, h.store.SaveWorkflow(ctx, clinicWorkflow()))
	}

	mgr, err := session.NewManager(h.store, &seqGenerator{},
		session.WithClock(now),
		session.WithDefaultWorkflow("default"),
		session.WithAfterFunc(func(time.Duration, func()) session.Timer { return nopTimer{} }),
		session.WithLogger(quiet),
	)
	require.NoError(t, err)
	h.manager = mgr

	var cp workflow.Checkpointer = mgr
	if ho.checkpointer != nil {
		cp = ho.checkpointer
	}
	interp := workflow.NewInterpreter(workflow.WithCheckpointer(cp), workflow.WithLogger(quiet))
	disp := outbound.NewDispatcher(h.sender, h.store, mgr,
		outbound.WithFailOpen(ho.failOpen), outbound.WithClock(now), outbound.WithLogger(quiet))

	dd := dedup.NewMemory()
	dd.SetClock(now)
	h.processor = NewProcessor(mgr, h.store, h.store, interp, disp,
		WithDeduper(dd),
		WithClock(now),
		WithLogger(quiet),
	)
	return h
}

func (h *harness) send(t *testing.T, text, messageID string) Result {
	t.Helper()
	res, err := h.processor.Handle(context.Background(), types.InboundMessage{Address: address, Text: text, MessageID: messageID})
	require.NoError(t, err)
	h.clock = h.clock.Add(time.Minute)
	return res
}

func TestProcessorSchedulingConversation(t *testing.T) {
	h := newHarness(t, harnessOption{failOpen: true})

	res := h.send(t, "oi", "m1")
	assert.Equal(t, session.TransitionCreated, res.Transition)
	assert.Equal(t, []string{welcomeText}, res.Replies)
	assert.Equal(t, "choice", res.Conversation.CurrentWorkflowNodeID)
	assert.True(t, res.Conversation.AwaitingInput)

	res = h.send(t, "1", "m2")
	assert.Equal(t, session.TransitionResumed, res.Transition)
	assert.Equal(t, []string{"Qual é o seu nome completo?"}, res.Replies)
	assert.Equal(t, "patient", res.Conversation.CurrentWorkflowNodeID)

	res = h.send(t, "Maria Silva", "m3")
	assert.Equal(t, []string{"Obrigado, Maria Silva!"}, res.Replies)
	assert.Equal(t, workflow.OutcomeEnd, res.Outcome)
	assert.Empty(t, res.Conversation.CurrentWorkflowNodeID)
	assert.Empty(t, res.Conversation.WorkflowContext)
	assert.Equal(t, types.StatusBotOwned, res.Conversation.Status)
	assert.Equal(t, "Obrigado, Maria Silva!", res.Conversation.LastMessage)
	assert.Equal(t, 3, res.Conversation.UnreadCount)

	assert.Equal(t, []string{welcomeText, "Qual é o seu nome completo?", "Obrigado, Maria Silva!"}, h.sender.sent())

	msgs, err := h.store.RecentMessages(context.Background(), res.Conversation.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 6, "three inbound and three outbound records")
	assert.Equal(t, types.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "m1", msgs[0].ExternalID)
}

func TestProcessorDropsDuplicates(t *testing.T) {
	h := newHarness(t, harnessOption{failOpen: true})

	h.send(t, "oi", "m1")
	res := h.send(t, "oi", "m1")
	assert.True(t, res.Duplicate)
	assert.Len(t, h.sender.sent(), 1)
}

func TestProcessorTransferToHuman(t *testing.T) {
	h := newHarness(t, harnessOption{failOpen: true})

	h.send(t, "oi", "m1")
	res := h.send(t, "2", "m2")
	assert.True(t, res.HandedOff)
	assert.Equal(t, workflow.OutcomeHandoff, res.Outcome)
	assert.Equal(t, []string{transferMsg}, res.Replies)
	assert.Equal(t, types.StatusUnassigned, res.Conversation.Status)
	assert.Equal(t, "reception", res.Conversation.Queue)
	assert.NotNil(t, res.Conversation.ClaimDeadline)
	assert.Equal(t, 1, h.manager.PendingTimers())

	// Humans own it now; the bot stays quiet.
	res = h.send(t, "alguém aí?", "m3")
	assert.Empty(t, res.Replies)
	assert.Equal(t, types.StatusUnassigned, res.Conversation.Status)
	assert.Len(t, h.sender.sent(), 2)
}

func TestProcessorPriorSelectionAfterEnd(t *testing.T) {
	h := newHarness(t, harnessOption{failOpen: true})

	h.send(t, "oi", "m1")
	h.send(t, "1", "m2")
	h.send(t, "Maria Silva", "m3")

	// A digit at Start answers the menu seen earlier.
	res := h.send(t, "1", "m4")
	assert.Equal(t, []string{"Qual é o seu nome completo?"}, res.Replies)
}

func TestProcessorTerminalErrorHandsOff(t *testing.T) {
	h := newHarness(t, harnessOption{failOpen: true})
	broken := types.Workflow{
		ID: "default",
		Nodes: []types.Node{
			{ID: "start", Type: types.NodeStart},
			{ID: "book", Type: types.NodeAction, Content: types.NodeContent{Action: "appointments.book"}},
		},
		Edges: []types.Edge{{From: "start", To: "book"}},
	}
	require.NoError(t, h.store.SaveWorkflow(context.Background(), broken))

	res := h.send(t, "oi", "m1")
	assert.True(t, res.HandedOff)
	assert.Equal(t, []string{handoffApology}, res.Replies)
	assert.Equal(t, types.StatusUnassigned, res.Conversation.Status)
	assert.Equal(t, session.UnassignedQueue, res.Conversation.Queue)
	assert.Empty(t, res.Conversation.CurrentWorkflowNodeID)
	assert.False(t, res.Conversation.AwaitingInput)
	assert.Equal(t, []string{handoffApology}, h.sender.sent())

	audits, err := h.store.ListAudits(context.Background(), res.Conversation.ID)
	require.NoError(t, err)
	require.NotEmpty(t, audits)
	assert.Equal(t, session.AuditRouted, audits[len(audits)-1].Kind)
	assert.Contains(t, audits[len(audits)-1].Detail, "appointments.book")
}

func TestProcessorMissingWorkflowHandsOff(t *testing.T) {
	h := newHarness(t, harnessOption{failOpen: true, skipWorkflow: true})

	res := h.send(t, "oi", "m1")
	assert.True(t, res.HandedOff)
	assert.Equal(t, types.StatusUnassigned, res.Conversation.Status)
}

func TestProcessorCheckpointFailureIsHard(t *testing.T) {
	h := newHarness(t, harnessOption{failOpen: true, checkpointer: failingCheckpointer{}})

	res, err := h.processor.Handle(context.Background(), types.InboundMessage{Address: address, Text: "oi", MessageID: "m1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrCheckpoint)
	assert.Equal(t, []string{welcomeText}, res.Replies, "replies produced before the failure still go out")
	assert.Equal(t, types.StatusBotOwned, res.Conversation.Status)
}

func TestProcessorRedeliveryAfterHardFailure(t *testing.T) {
	ctx := context.Background()
	cp := &flakyCheckpointer{fails: 1}
	h := newHarness(t, harnessOption{failOpen: true, checkpointer: cp})
	cp.next = h.manager
	msg := types.InboundMessage{Address: address, Text: "oi", MessageID: "m1"}

	_, err := h.processor.Handle(ctx, msg)
	require.ErrorIs(t, err, workflow.ErrCheckpoint)

	res, err := h.processor.Handle(ctx, msg)
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "a failed message is not remembered")
	assert.Equal(t, []string{welcomeText}, res.Replies)
	assert.Equal(t, "choice", res.Conversation.CurrentWorkflowNodeID)

	res, err = h.processor.Handle(ctx, msg)
	require.NoError(t, err)
	assert.True(t, res.Duplicate, "once processed the message id is remembered")
}

func TestProcessorDeliveryFailure(t *testing.T) {
	ctx := context.Background()
	msg := types.InboundMessage{Address: address, Text: "oi", MessageID: "m1"}

	open := newHarness(t, harnessOption{failOpen: true, sendErr: errors.New("503")})
	_, err := open.processor.Handle(ctx, msg)
	assert.NoError(t, err, "fail-open swallows delivery errors")

	closed := newHarness(t, harnessOption{failOpen: false, sendErr: errors.New("503")})
	_, err = closed.processor.Handle(ctx, msg)
	assert.ErrorIs(t, err, outbound.ErrDeliveryFailed)

	conv, err := closed.store.LatestByAddress(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, welcomeText, conv.LastMessage, "the undelivered reply is still recorded")
}

func TestProcessorReopenedConversationSkipsBot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOption{failOpen: true})

	res := h.send(t, "oi", "m1")
	_, err := h.manager.Close(ctx, res.Conversation.ID)
	require.NoError(t, err)

	res = h.send(t, "voltei", "m2")
	assert.Equal(t, session.TransitionReopen, res.Transition)
	assert.Equal(t, types.StatusUnassigned, res.Conversation.Status)
	assert.Empty(t, res.Replies)
}

func TestProcessorRejectsEmptyAddress(t *testing.T) {
	h := newHarness(t, harnessOption{failOpen: true})
	_, err := h.processor.Handle(context.Background(), types.InboundMessage{Text: "oi"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestProcessorInvalidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOption{failOpen: true})
	h.send(t, "oi", "m1")

	edited := clinicWorkflow()
	edited.Nodes[0].Content.Text = "Bem-vindo de volta!"
	require.NoError(t, h.store.SaveWorkflow(ctx, edited))
	h.processor.Invalidate("default")

	conv, err := h.store.LatestByAddress(ctx, address)
	require.NoError(t, err)
	_, err = h.manager.Close(ctx, conv.ID)
	require.NoError(t, err)
	h.clock = h.clock.Add(48 * time.Hour)

	res := h.send(t, "oi de novo", "m2")
	assert.Equal(t, session.TransitionCreated, res.Transition)
	assert.Equal(t, []string{"Bem-vindo de volta!"}, res.Replies)
}
