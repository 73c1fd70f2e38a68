package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/songzhibin97/chatflow/classifier"
	"github.com/songzhibin97/chatflow/collect"
	"github.com/songzhibin97/chatflow/rules"
	"github.com/songzhibin97/chatflow/types"
)

// A bare one- or two-digit reply at Start answers a menu the counterpart
// has already seen.
var priorSelection = regexp.MustCompile(`^\d{1,2}$`)

func (i *Interpreter) env(ec *ExecContext) rules.Env {
	input, has := ec.Input()
	return rules.Env{Message: input, HasInput: has, Data: ec.UserData}
}

// follow selects the successor through the node's edge conditions.
func (i *Interpreter) follow(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (string, bool, error) {
	edges := g.Outgoing(node.ID)
	if len(edges) == 0 {
		return "", false, nil
	}
	e, ok, err := i.matcher.Select(ctx, nil, edges, i.env(ec))
	if err != nil || !ok {
		return "", false, err
	}
	return e.To, true, nil
}

// advance applies patch and moves to the successor; a node that never pauses
// must have one.
func (i *Interpreter) advance(ctx context.Context, g *Graph, node types.Node, ec *ExecContext, patch map[string]interface{}) (StepResult, error) {
	ec.apply(patch)
	next, ok, err := i.follow(ctx, g, node, ec)
	if err != nil {
		return StepResult{}, err
	}
	if !ok {
		return StepResult{}, ErrNoTransition
	}
	return StepResult{NextNodeID: next}, nil
}

func (i *Interpreter) handleStart(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	next, ok, err := i.follow(ctx, g, node, ec)
	if err != nil {
		return StepResult{}, err
	}
	if input, has := ec.Input(); has && priorSelection.MatchString(strings.TrimSpace(input)) {
		if !ok {
			return StepResult{Pause: true}, nil
		}
		return StepResult{NextNodeID: next}, nil
	}
	text := i.render(ctx, node.Content.Text, ec)
	if text == "" {
		if !ok {
			return StepResult{}, ErrNoTransition
		}
		return StepResult{NextNodeID: next}, nil
	}
	ec.Consume()
	return StepResult{Reply: text, Pause: true, NextNodeID: next}, nil
}

func (i *Interpreter) handleMessage(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	text := i.render(ctx, node.Content.Text, ec)
	next, ok, err := i.follow(ctx, g, node, ec)
	if err != nil {
		return StepResult{}, err
	}
	if text == "" || text == ec.lastBotTurn {
		if !ok {
			return StepResult{Pause: true}, nil
		}
		return StepResult{NextNodeID: next}, nil
	}
	ec.Consume()
	return StepResult{Reply: text, Pause: true, NextNodeID: next}, nil
}

func (i *Interpreter) handleCondition(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	spec := node.Content.Condition
	edges := g.Outgoing(node.ID)
	_, has := ec.Input()

	edge, ok, err := i.matcher.Select(ctx, spec, edges, i.env(ec))
	if err != nil {
		if errors.Is(err, rules.ErrUnknownCondition) {
			return StepResult{}, err
		}
		i.logger.Warn("condition evaluation failed", "conversation_id", ec.ConversationID, "node_id", node.ID, "err", err)
		if e, found := portEdge(edges, rules.PortDefault); found {
			return StepResult{NextNodeID: e.To}, nil
		}
		if has {
			ec.Consume()
		}
		return StepResult{Reply: apologyReply, Pause: true}, nil
	}
	if ok {
		if has && inputDriven(spec) {
			ec.Consume()
		}
		return StepResult{NextNodeID: edge.To}, nil
	}
	if has {
		ec.Consume()
	}
	return StepResult{Reply: i.render(ctx, node.Content.Fallback, ec), Pause: true}, nil
}

func inputDriven(spec *types.ConditionSpec) bool {
	return spec != nil && (spec.Kind == types.ConditionMenu || spec.Kind == types.ConditionKeyword)
}

func portEdge(edges []types.Edge, port string) (types.Edge, bool) {
	for _, e := range edges {
		if e.Port == port {
			return e, true
		}
	}
	return types.Edge{}, false
}

func (i *Interpreter) handleDataCollection(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	input, has := ec.Input()
	out := i.collector.Step(ctx, node.ID, collect.PhaseFromNode(node), input, has, ec.UserData)
	if out.Consumed {
		ec.Consume()
	}
	if out.Pause {
		return StepResult{Reply: out.Reply, Pause: true, Patch: out.Patch}, nil
	}
	return i.advance(ctx, g, node, ec, out.Patch)
}

func (i *Interpreter) handleClassifier(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	input, has := ec.Input()
	if !has {
		return StepResult{Reply: i.render(ctx, node.Content.Text, ec), Pause: true}, nil
	}
	ec.Consume()

	if reply, ok := classifier.Filler(input); ok {
		return StepResult{Reply: reply, Pause: true}, nil
	}
	if i.classifier == nil {
		i.logger.Warn("classifier node without classifier", "conversation_id", ec.ConversationID, "node_id", node.ID)
		return StepResult{Reply: apologyReply, Pause: true}, nil
	}

	res, err := i.classifier.Classify(ctx, classifier.Request{
		Text:           input,
		ConversationID: ec.ConversationID,
		Address:        ec.Address,
		Instructions:   node.Content.Instructions,
		History:        ec.History,
	})
	if err != nil {
		i.logger.Warn("classifier unavailable", "conversation_id", ec.ConversationID, "node_id", node.ID, "err", err)
		return StepResult{Reply: apologyReply, Pause: true}, nil
	}

	threshold := node.Content.Threshold
	if threshold <= 0 {
		threshold = i.threshold
	}
	if res.Confidence < threshold {
		reply := i.render(ctx, node.Content.Text, ec)
		if reply == "" {
			reply = disambiguateReply
		}
		return StepResult{Reply: reply, Pause: true}, nil
	}

	patch := make(map[string]interface{}, len(res.Extracted)+2)
	for k, v := range res.Extracted {
		patch[k] = v
	}
	if res.Intent != "" {
		patch["intent"] = res.Intent
	}
	if len(res.ExpectFields) > 0 {
		patch["expect_fields"] = res.ExpectFields
	}

	if res.Kind == classifier.KindHandoff {
		reply := res.Reply
		if reply == "" {
			reply = transferReply
		}
		return StepResult{Reply: reply, Outcome: OutcomeHandoff, Queue: res.Queue, Patch: patch}, nil
	}

	edges := g.Outgoing(node.ID)
	if e, ok := intentEdge(edges, res.Intent); ok {
		return StepResult{NextNodeID: e.To, Reply: res.Reply, Patch: patch}, nil
	}
	reply := res.Reply
	if reply == "" {
		reply = disambiguateReply
	}
	return StepResult{Reply: reply, Pause: true, Patch: patch}, nil
}

func intentEdge(edges []types.Edge, intent string) (types.Edge, bool) {
	if intent != "" {
		if e, ok := portEdge(edges, intent); ok {
			return e, true
		}
	}
	if e, ok := portEdge(edges, rules.PortDefault); ok {
		return e, true
	}
	if len(edges) == 1 && edges[0].Port == "" {
		return edges[0], true
	}
	return types.Edge{}, false
}

func (i *Interpreter) handleAction(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	action, ok := i.action(node.Content.Action)
	if !ok {
		return StepResult{}, fmt.Errorf("%w: %s", ErrActionNotRegistered, node.Content.Action)
	}
	result, err := i.executeWithRetry(ctx, node, func(ctx context.Context) (interface{}, error) {
		return action.Execute(ctx, types.CloneData(ec.UserData))
	})
	if err != nil {
		return i.sideEffectFailed(ctx, node, ec, err)
	}
	return i.advance(ctx, g, node, ec, resultPatch(node, "result", result))
}

func (i *Interpreter) handleAPICall(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	req := i.httpRequest(ctx, node, ec, publicData(ec.UserData))
	result, err := i.executeWithRetry(ctx, node, func(ctx context.Context) (interface{}, error) {
		return i.doJSON(ctx, req)
	})
	if err != nil {
		return i.sideEffectFailed(ctx, node, ec, err)
	}
	return i.advance(ctx, g, node, ec, resultPatch(node, "api_result", result))
}

func (i *Interpreter) handleWebhook(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	req := i.httpRequest(ctx, node, ec, map[string]interface{}{
		"conversation_id": ec.ConversationID,
		"address":         ec.Address,
		"workflow_id":     ec.WorkflowID,
		"node_id":         node.ID,
		"data":            publicData(ec.UserData),
	})
	_, err := i.executeWithRetry(ctx, node, func(ctx context.Context) (interface{}, error) {
		return i.doJSON(ctx, req)
	})
	if err != nil {
		return i.sideEffectFailed(ctx, node, ec, err)
	}
	return i.advance(ctx, g, node, ec, nil)
}

func (i *Interpreter) sideEffectFailed(ctx context.Context, node types.Node, ec *ExecContext, err error) (StepResult, error) {
	if ctx.Err() != nil {
		return StepResult{}, ctx.Err()
	}
	i.logger.Warn("node operation failed", "conversation_id", ec.ConversationID, "node_id", node.ID, "type", node.Type, "err", err)
	return StepResult{Reply: apologyReply, Pause: true}, nil
}

func resultPatch(node types.Node, defaultKey string, result interface{}) map[string]interface{} {
	if result == nil {
		return nil
	}
	key := node.Content.ResultKey
	if key == "" {
		key = defaultKey
	}
	return map[string]interface{}{key: result}
}

// publicData drops the reserved underscore-prefixed bookkeeping keys.
func publicData(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

func (i *Interpreter) handleTransfer(ctx context.Context, _ *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	reply := i.render(ctx, node.Content.Text, ec)
	if reply == "" {
		reply = transferReply
	}
	return StepResult{Reply: reply, Outcome: OutcomeHandoff, Queue: node.Content.Queue}, nil
}

func (i *Interpreter) handleEnd(ctx context.Context, _ *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	return StepResult{Reply: i.render(ctx, node.Content.Text, ec), Outcome: OutcomeEnd}, nil
}

func (i *Interpreter) handleDelay(ctx context.Context, g *Graph, node types.Node, ec *ExecContext) (StepResult, error) {
	if err := i.sleep(ctx, time.Duration(node.Content.DelayMs)*time.Millisecond); err != nil {
		return StepResult{}, err
	}
	return i.advance(ctx, g, node, ec, nil)
}
