// Package workflow interprets node-graph workflows one inbound message at a
// time, pausing where the counterpart's next message is needed.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/songzhibin97/chatflow/classifier"
	"github.com/songzhibin97/chatflow/collect"
	"github.com/songzhibin97/chatflow/rules"
	"github.com/songzhibin97/chatflow/types"
)

// Standard error definitions. ErrNoTransition, ErrMaxSteps and
// ErrNodeNotFound are terminal: the pass cannot resolve a next node.
var (
	ErrNodeNotFound        = errors.New("node not found")
	ErrNoTransition        = errors.New("no transition from node")
	ErrMaxSteps            = errors.New("maximum steps per pass exceeded")
	ErrUnknownNodeType     = errors.New("unknown node type")
	ErrActionNotRegistered = errors.New("action not registered")
	ErrCheckpoint          = errors.New("failed to persist workflow state")
)

const (
	// MaxSteps bounds the nodes executed in one pass.
	MaxSteps = 100

	// DefaultThreshold is the classifier confidence needed to follow an intent.
	DefaultThreshold = 0.7

	apologyReply      = "Desculpe, tivemos um problema ao processar sua solicitação. Tente novamente em instantes."
	disambiguateReply = "Desculpe, não entendi muito bem. Pode explicar de outra forma?"
	transferReply     = "Vou transferir você para um de nossos atendentes. Aguarde um momento, por favor."
)

// Outcome ends a pass other than by pausing.
type Outcome string

const (
	OutcomeContinue Outcome = ""
	OutcomeHandoff  Outcome = "handoff"
	OutcomeEnd      Outcome = "end"
)

// StepResult is the uniform result of executing one node.
type StepResult struct {
	// NextNodeID is the node to execute next, or to resume at when Pause is set.
	NextNodeID string
	Reply      string
	Pause      bool
	// Patch holds changed userData keys; a nil value deletes the key.
	Patch   map[string]interface{}
	Outcome Outcome
	// Queue is the human queue for OutcomeHandoff.
	Queue string
}

// Catalog is the read side of the catalog/pricing collaborator.
type Catalog interface {
	Procedure(ctx context.Context, code string) (types.Procedure, error)
	Clinic(ctx context.Context, code string) (types.Clinic, error)
	CoveragePercent(ctx context.Context, insuranceCode, procedureCode string) (float64, error)
	Quote(ctx context.Context, procedureCode, insuranceCode string) (types.Quote, error)
}

// Checkpointer persists the resumption point of a conversation.
type Checkpointer interface {
	SaveWorkflowState(ctx context.Context, conversationID uint64, state types.WorkflowState) error
}

// HTTPDoer sends requests for ApiCall and Webhook nodes.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ExecContext is the state one pass runs against. It is built from the
// persisted conversation and written back at pause points.
type ExecContext struct {
	ConversationID uint64
	Address        string
	WorkflowID     string
	CurrentNodeID  string
	Message        string
	UserData       map[string]interface{}
	History        []types.Turn

	consumed    bool
	lastBotTurn string
}

// NewExecContext builds an execution context for one inbound message.
func NewExecContext(conv *types.Conversation, message string, history []types.Turn) *ExecContext {
	ec := &ExecContext{
		ConversationID: conv.ID,
		Address:        conv.Address,
		WorkflowID:     conv.ActiveWorkflowID,
		CurrentNodeID:  conv.CurrentWorkflowNodeID,
		Message:        message,
		UserData:       types.CloneData(conv.WorkflowContext),
		History:        history,
	}
	for j := len(history) - 1; j >= 0; j-- {
		if history[j].Author == types.AuthorBot {
			ec.lastBotTurn = history[j].Text
			break
		}
	}
	return ec
}

// Input returns the inbound text while no node has consumed it.
func (c *ExecContext) Input() (string, bool) {
	if c.consumed || strings.TrimSpace(c.Message) == "" {
		return "", false
	}
	return c.Message, true
}

// Consume marks the inbound text as used.
func (c *ExecContext) Consume() { c.consumed = true }

func (c *ExecContext) apply(patch map[string]interface{}) {
	if c.UserData == nil {
		c.UserData = make(map[string]interface{})
	}
	for k, v := range patch {
		if v == nil {
			delete(c.UserData, k)
			continue
		}
		c.UserData[k] = v
	}
}

// RunResult summarizes a pass.
type RunResult struct {
	Replies []string
	// NodeID is where the next pass resumes; empty once the workflow ended.
	NodeID  string
	Outcome Outcome
	Queue   string
	Data    map[string]interface{}
}

type nodeHandler func(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error)

// Interpreter executes workflow graphs.
type Interpreter struct {
	handlers          map[types.NodeType]nodeHandler
	actions           map[string]Action
	mu                sync.RWMutex
	evaluator         rules.Evaluator
	matcher           *rules.Matcher
	collector         *collect.Engine
	classifier        classifier.Bridge
	catalog           Catalog
	checkpointer      Checkpointer
	doer              HTTPDoer
	logger            *slog.Logger
	sleep             func(ctx context.Context, d time.Duration) error
	threshold         float64
	defaultMaxRetries int
	defaultRetryDelay time.Duration

	tmplMu    sync.RWMutex
	templates map[string]*template.Template
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithClassifier sets the intent routing bridge.
func WithClassifier(b classifier.Bridge) Option {
	return func(i *Interpreter) { i.classifier = b }
}

// WithCatalog sets the catalog used by templates and coverage conditions.
func WithCatalog(c Catalog) Option {
	return func(i *Interpreter) { i.catalog = c }
}

// WithCollector sets the data collection engine.
func WithCollector(c *collect.Engine) Option {
	return func(i *Interpreter) { i.collector = c }
}

// WithEvaluator sets the expression evaluator for edge conditions.
func WithEvaluator(e rules.Evaluator) Option {
	return func(i *Interpreter) { i.evaluator = e }
}

// WithCheckpointer sets where pause points are persisted.
func WithCheckpointer(c Checkpointer) Option {
	return func(i *Interpreter) { i.checkpointer = c }
}

// WithHTTPDoer sets the client used by ApiCall and Webhook nodes.
func WithHTTPDoer(d HTTPDoer) Option {
	return func(i *Interpreter) { i.doer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Interpreter) { i.logger = l }
}

// WithSleep replaces the wait used by Delay nodes and retries.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Interpreter) { i.sleep = f }
}

// WithThreshold sets the default classifier confidence threshold.
func WithThreshold(t float64) Option {
	return func(i *Interpreter) { i.threshold = t }
}

// WithRetryPolicy sets the default retry policy of side-effecting nodes.
func WithRetryPolicy(maxRetries int, delay time.Duration) Option {
	return func(i *Interpreter) {
		i.defaultMaxRetries = maxRetries
		i.defaultRetryDelay = delay
	}
}

// NewInterpreter creates an Interpreter.
func NewInterpreter(opts ...Option) *Interpreter {
	i := &Interpreter{
		actions:           make(map[string]Action),
		doer:              &http.Client{Timeout: 10 * time.Second},
		logger:            slog.Default(),
		sleep:             sleepContext,
		threshold:         DefaultThreshold,
		defaultMaxRetries: 2,
		defaultRetryDelay: 500 * time.Millisecond,
		templates:         make(map[string]*template.Template),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.matcher = rules.NewMatcher(i.evaluator, i.catalog)
	if i.collector == nil {
		i.collector = collect.NewEngine(nil, collect.WithLogger(i.logger))
	}
	if i.catalog != nil {
		i.actions[PricingActionName] = &PricingAction{Catalog: i.catalog}
	}
	i.handlers = map[types.NodeType]nodeHandler{
		types.NodeStart:              i.handleStart,
		types.NodeMessage:            i.handleMessage,
		types.NodeCondition:          i.handleCondition,
		types.NodeAction:             i.handleAction,
		types.NodeAPICall:            i.handleAPICall,
		types.NodeWebhook:            i.handleWebhook,
		types.NodeClassifierResponse: i.handleClassifier,
		types.NodeDataCollection:     i.handleDataCollection,
		types.NodeTransferToHuman:    i.handleTransfer,
		types.NodeDelay:              i.handleDelay,
		types.NodeEnd:                i.handleEnd,
	}
	return i
}

// RegisterAction registers an action for use in Action nodes.
func (i *Interpreter) RegisterAction(ctx context.Context, name string, action Action) error {
	if name == "" || action == nil {
		return errors.New("name and action are required")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		i.mu.Lock()
		defer i.mu.Unlock()
		i.actions[name] = action
		return nil
	}
}

func (i *Interpreter) action(name string) (Action, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	a, ok := i.actions[name]
	return a, ok
}

// Run drives the graph from ec.CurrentNodeID (or the start node) until a
// node pauses or the workflow ends. Replies produced before a terminal error
// are returned along with it.
func (i *Interpreter) Run(ctx context.Context, g *Graph, ec *ExecContext) (RunResult, error) {
	var res RunResult
	if ec.UserData == nil {
		ec.UserData = make(map[string]interface{})
	}
	ec.WorkflowID = g.ID()

	nodeID := ec.CurrentNodeID
	if nodeID == "" {
		nodeID = g.Start().ID
	}

	for steps := 0; ; steps++ {
		if steps >= MaxSteps {
			return res, fmt.Errorf("%w: %d", ErrMaxSteps, MaxSteps)
		}
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		node, ok := g.Node(nodeID)
		if !ok {
			return res, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
		}
		handler, ok := i.handlers[node.Type]
		if !ok {
			return res, fmt.Errorf("%w: %s", ErrUnknownNodeType, node.Type)
		}

		ec.CurrentNodeID = node.ID
		i.logger.Debug("executing node", "conversation_id", ec.ConversationID, "workflow_id", g.ID(), "node_id", node.ID, "type", node.Type)
		sr, err := handler(ctx, g, node, ec)
		if err != nil {
			return res, fmt.Errorf("node %s: %w", node.ID, err)
		}

		ec.apply(sr.Patch)
		if sr.Reply != "" {
			res.Replies = append(res.Replies, sr.Reply)
			ec.lastBotTurn = sr.Reply
		}

		switch {
		case sr.Outcome == OutcomeHandoff:
			res.Outcome, res.Queue = OutcomeHandoff, sr.Queue
			return i.finish(ctx, ec, res, "", ec.UserData, false)
		case sr.Outcome == OutcomeEnd:
			res.Outcome = OutcomeEnd
			return i.finish(ctx, ec, res, "", map[string]interface{}{}, false)
		case sr.Pause:
			resume := sr.NextNodeID
			if resume == "" {
				resume = node.ID
			}
			return i.finish(ctx, ec, res, resume, ec.UserData, true)
		case sr.NextNodeID == "":
			return res, fmt.Errorf("%w %s", ErrNoTransition, node.ID)
		}
		nodeID = sr.NextNodeID
	}
}

func (i *Interpreter) finish(ctx context.Context, ec *ExecContext, res RunResult, nodeID string, data map[string]interface{}, awaiting bool) (RunResult, error) {
	res.NodeID = nodeID
	res.Data = data
	ec.CurrentNodeID = nodeID
	if i.checkpointer == nil {
		return res, nil
	}
	err := i.checkpointer.SaveWorkflowState(ctx, ec.ConversationID, types.WorkflowState{
		WorkflowID:    ec.WorkflowID,
		NodeID:        nodeID,
		Data:          data,
		AwaitingInput: awaiting,
	})
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrCheckpoint, err)
	}
	return res, nil
}

// IsTerminal reports whether err means the pass could not resolve a next node
// and the conversation should be handed to a human.
func IsTerminal(err error) bool {
	return err != nil && !errors.Is(err, ErrCheckpoint) && !errors.Is(err, context.Canceled)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
