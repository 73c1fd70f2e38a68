package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator defines the interface for evaluating edge condition expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc exposes a derived value to every expression under name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against a copy of env.
// The literal "true" always holds. Variables missing from env evaluate to nil,
// and the expression must produce a boolean.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	expression = strings.TrimSpace(expression)
	if expression == "true" {
		return true, nil
	}

	scope := make(map[string]interface{}, len(env)+len(e.optionsFunc))
	for k, v := range env {
		scope[k] = v
	}
	e.mu.RLock()
	for k, f := range e.optionsFunc {
		scope[k] = f(env)
	}
	e.mu.RUnlock()

	program, err := e.program(expression)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

// Check compiles expression without running it, so malformed edge
// conditions surface when a workflow is loaded.
func (e *ExprEvaluator) Check(expression string) error {
	expression = strings.TrimSpace(expression)
	if expression == "" || expression == "true" {
		return nil
	}
	_, err := e.program(expression)
	return err
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", expression, err)
	}
	e.cache[expression] = program
	return program, nil
}
