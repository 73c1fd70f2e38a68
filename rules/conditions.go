package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/songzhibin97/chatflow/types"
	"github.com/songzhibin97/chatflow/validators"
)

// Ports emitted by the built-in condition kinds.
const (
	PortDefault    = "default"
	PortCovered    = "covered"
	PortPartial    = "partial"
	PortNotCovered = "not_covered"
	PortYes        = "yes"
	PortNo         = "no"
)

// ErrUnknownCondition is returned for an unsupported condition kind.
var ErrUnknownCondition = errors.New("unknown condition kind")

var leadingNumber = regexp.MustCompile(`^(\d{1,2})(?:\D|$)`)

// CoverageLookup answers the coverage percentage of a plan for a procedure.
type CoverageLookup interface {
	CoveragePercent(ctx context.Context, insuranceCode, procedureCode string) (float64, error)
}

// Env is what a condition is evaluated against: the unconsumed inbound text
// (if any) and the current userData.
type Env struct {
	Message  string
	HasInput bool
	Data     map[string]interface{}
}

func (e Env) vars() map[string]interface{} {
	vars := make(map[string]interface{}, len(e.Data)+2)
	for k, v := range e.Data {
		vars[k] = v
	}
	vars["message"] = e.Message
	vars["has_input"] = e.HasInput
	return vars
}

// MatchMenu resolves the counterpart's choice to the option port. The
// leading number or the option label (accent- and case-insensitive) selects it.
func MatchMenu(input string, options []types.MenuOption) (string, bool) {
	text := validators.Normalize(input)
	if text == "" {
		return "", false
	}
	if m := leadingNumber.FindStringSubmatch(text); m != nil {
		n, _ := strconv.Atoi(m[1])
		for _, opt := range options {
			if opt.Number == n {
				return opt.Port, true
			}
		}
		return "", false
	}
	for _, opt := range options {
		if label := validators.Normalize(opt.Label); label != "" && (text == label || strings.Contains(text, label)) {
			return opt.Port, true
		}
	}
	return "", false
}

// MatchKeywords returns the first port (in lexical order) with a keyword
// contained in the input.
func MatchKeywords(input string, keywords map[string][]string) (string, bool) {
	text := " " + validators.Normalize(input) + " "
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	ports := make([]string, 0, len(keywords))
	for port := range keywords {
		ports = append(ports, port)
	}
	sort.Strings(ports)
	for _, port := range ports {
		for _, kw := range keywords[port] {
			if k := validators.Normalize(kw); k != "" && strings.Contains(text, " "+k+" ") {
				return port, true
			}
		}
	}
	return "", false
}

// MatchFilled reports yes when every named field holds a non-empty value.
func MatchFilled(fields []string, data map[string]interface{}) string {
	for _, f := range fields {
		v, ok := data[f]
		if !ok || v == nil || fmt.Sprint(v) == "" {
			return PortNo
		}
	}
	return PortYes
}

// CoveragePort buckets a coverage percentage into a port.
func CoveragePort(percent float64) string {
	switch {
	case percent >= 100:
		return PortCovered
	case percent > 0:
		return PortPartial
	default:
		return PortNotCovered
	}
}

// Matcher selects the outbound edge of a Condition node.
type Matcher struct {
	evaluator Evaluator
	coverage  CoverageLookup
}

// NewMatcher creates a Matcher. coverage may be nil when no coverage
// conditions are used.
func NewMatcher(evaluator Evaluator, coverage CoverageLookup) *Matcher {
	if evaluator == nil {
		evaluator = NewExprEvaluator()
	}
	return &Matcher{evaluator: evaluator, coverage: coverage}
}

// Port computes the outcome label for the port-producing kinds.
func (m *Matcher) Port(ctx context.Context, spec *types.ConditionSpec, env Env) (string, bool, error) {
	switch spec.Kind {
	case types.ConditionMenu:
		if !env.HasInput {
			return "", false, nil
		}
		port, ok := MatchMenu(env.Message, spec.Options)
		return port, ok, nil
	case types.ConditionKeyword:
		if !env.HasInput {
			return "", false, nil
		}
		port, ok := MatchKeywords(env.Message, spec.Keywords)
		return port, ok, nil
	case types.ConditionFilled:
		return MatchFilled(spec.Fields, env.Data), true, nil
	case types.ConditionCoverage:
		insurance, _ := env.Data[spec.InsuranceKey].(string)
		procedure, _ := env.Data[spec.ProcedureKey].(string)
		if insurance == "" || insurance == validators.NoInsurance || procedure == "" {
			return PortNotCovered, true, nil
		}
		if m.coverage == nil {
			return "", false, errors.New("coverage lookup is not configured")
		}
		pct, err := m.coverage.CoveragePercent(ctx, insurance, procedure)
		if err != nil {
			return "", false, fmt.Errorf("coverage lookup: %w", err)
		}
		return CoveragePort(pct), true, nil
	default:
		return "", false, fmt.Errorf("%w: %s", ErrUnknownCondition, spec.Kind)
	}
}

// Select picks the edge to follow. With an expr condition (or none) every edge
// condition is evaluated in order and unconditioned edges act as the else
// branch; other kinds match the computed port, falling back to a "default"
// port edge.
func (m *Matcher) Select(ctx context.Context, spec *types.ConditionSpec, edges []types.Edge, env Env) (types.Edge, bool, error) {
	if spec == nil || spec.Kind == types.ConditionExpr {
		return m.selectExpr(edges, env)
	}
	port, ok, err := m.Port(ctx, spec, env)
	if err != nil {
		return types.Edge{}, false, err
	}
	if ok {
		for _, e := range edges {
			if e.Port == port {
				return e, true, nil
			}
		}
	}
	for _, e := range edges {
		if e.Port == PortDefault {
			return e, true, nil
		}
	}
	return types.Edge{}, false, nil
}

func (m *Matcher) selectExpr(edges []types.Edge, env Env) (types.Edge, bool, error) {
	vars := env.vars()
	var fallback *types.Edge
	for i, e := range edges {
		if e.Condition == "" {
			if fallback == nil {
				fallback = &edges[i]
			}
			continue
		}
		ok, err := m.evaluator.Evaluate(e.Condition, vars)
		if err != nil {
			return types.Edge{}, false, fmt.Errorf("failed to evaluate condition '%s': %w", e.Condition, err)
		}
		if ok {
			return e, true, nil
		}
	}
	if fallback != nil {
		return *fallback, true, nil
	}
	return types.Edge{}, false, nil
}
