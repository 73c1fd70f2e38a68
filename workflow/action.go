package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/chatflow/types"
)

// Action is a named side-effecting operation run by Action nodes.
type Action interface {
	// Execute runs the action against a copy of userData.
	Execute(ctx context.Context, data map[string]interface{}) (interface{}, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, data map[string]interface{}) (interface{}, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	return f(ctx, data)
}

// PricingAction is the built-in "pricing.lookup" action. It quotes the
// procedure under ProcedureKey for the plan under InsuranceKey.
type PricingAction struct {
	Catalog      Catalog
	ProcedureKey string
	InsuranceKey string
}

// PricingActionName is the registered name of PricingAction.
const PricingActionName = "pricing.lookup"

// Execute implements Action.
func (a *PricingAction) Execute(ctx context.Context, data map[string]interface{}) (interface{}, error) {
	procKey, insKey := a.ProcedureKey, a.InsuranceKey
	if procKey == "" {
		procKey = "procedure"
	}
	if insKey == "" {
		insKey = "insurance"
	}
	proc, _ := data[procKey].(string)
	if proc == "" {
		return nil, fmt.Errorf("no procedure under %q", procKey)
	}
	ins, _ := data[insKey].(string)
	q, err := a.Catalog.Quote(ctx, proc, ins)
	if err != nil {
		return nil, err
	}
	out := map[string]interface{}{
		"procedure":    q.ProcedureCode,
		"insurance":    q.InsuranceCode,
		"price":        q.Price,
		"coverage":     q.Coverage,
		"patient_pays": q.PatientPays,
	}
	if q.Package != nil {
		out["package"] = q.Package.Code
		out["package_price"] = q.Package.Price
	}
	return out, nil
}

// executeWithRetry runs fn with the node's retry policy, falling back to
// the interpreter defaults.
func (i *Interpreter) executeWithRetry(ctx context.Context, node types.Node, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	maxRetries := i.defaultMaxRetries
	retryDelay := i.defaultRetryDelay

	if node.Content.MaxRetries > 0 {
		maxRetries = node.Content.MaxRetries
	}
	if node.Content.RetryDelayMs > 0 {
		retryDelay = time.Duration(node.Content.RetryDelayMs) * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ { // 1 initial + maxRetries
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < maxRetries {
			if err := i.sleep(ctx, retryDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("execution failed after %d retries: %w", maxRetries, lastErr)
}
