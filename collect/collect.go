// Package collect drives multi-field data collection: one field in focus at a
// time, per-field validation with in-place retry, and a final confirmation
// step where any single field can be edited.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/chatflow/matcher"
	"github.com/songzhibin97/chatflow/types"
	"github.com/songzhibin97/chatflow/validators"
)

// Reserved userData keys.
const (
	FocusNodeKey  = "_collect_node"
	FocusFieldKey = "_collect_field"
	donePrefix    = "_collect_done:"

	// ConfirmFocus marks the confirmation step as the focus.
	ConfirmFocus = "#confirm"
	// ConfirmInput is the sentinel that confirms the summary.
	ConfirmInput = "0"
)

var skipWords = map[string]bool{"pular": true, "nao": true, "nao tenho": true, "nenhum": true, "skip": true}

var defaultPrompts = map[types.FieldKind]string{
	types.FieldName:       "Qual é o seu nome completo?",
	types.FieldNationalID: "Informe seu CPF (somente números).",
	types.FieldBirthDate:  "Qual sua data de nascimento? (DD/MM/AAAA)",
	types.FieldEmail:      "Qual seu e-mail? (ou digite PULAR)",
	types.FieldPhone:      "Qual telefone para contato com DDD?",
	types.FieldInsurance:  "Qual o seu convênio? Se não tiver, digite PARTICULAR.",
	types.FieldShift:      "Qual turno você prefere: MANHÃ, TARDE ou NOITE?",
	types.FieldDate:       "Para qual data deseja agendar? (DD/MM/AAAA)",
}

var defaultLabels = map[types.FieldKind]string{
	types.FieldName:       "Nome",
	types.FieldNationalID: "CPF",
	types.FieldBirthDate:  "Data de nascimento",
	types.FieldEmail:      "E-mail",
	types.FieldPhone:      "Telefone",
	types.FieldInsurance:  "Convênio",
	types.FieldShift:      "Turno",
	types.FieldDate:       "Data",
}

// InsuranceCatalog lists the plans the insurance field is matched against.
type InsuranceCatalog interface {
	InsuranceEntries(ctx context.Context) ([]types.CatalogEntry, error)
}

// Phase is the ordered field list of one DataCollection node.
type Phase struct {
	Name    string
	Fields  []types.FieldSpec
	Confirm bool
}

// PhaseFromNode builds the phase configured on a DataCollection node.
func PhaseFromNode(node types.Node) Phase {
	name := node.Content.Phase
	if name == "" {
		name = node.ID
	}
	return Phase{Name: name, Fields: node.Content.Fields, Confirm: node.Content.Confirm}
}

// Result is the outcome of offering one input to one field.
type Result struct {
	Accepted     bool
	Value        string
	ErrorMessage string
	Next         *types.FieldSpec
}

// Outcome is what a DataCollection node should do after one step.
type Outcome struct {
	Reply    string
	Pause    bool
	Done     bool
	Inert    bool
	Consumed bool
	// Patch holds changed userData keys; a nil value deletes the key.
	Patch map[string]interface{}
}

// Engine validates and sequences fields.
type Engine struct {
	insurances InsuranceCatalog
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock used by date validators.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an Engine. insurances may be nil if no phase collects an
// insurance field.
func NewEngine(insurances InsuranceCatalog, opts ...Option) *Engine {
	e := &Engine{insurances: insurances, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Collect validates input for field. On success the normalized value is
// written into collected and Next is the following unmet field of phase.
func (e *Engine) Collect(ctx context.Context, phase Phase, field types.FieldSpec, input string, collected map[string]interface{}) Result {
	value, err := e.validate(ctx, field, input)
	if err != nil {
		msg := field.ErrorMessage
		if msg == "" {
			var vErr *validators.ValidationError
			if errors.As(err, &vErr) {
				msg = vErr.Message
			} else {
				msg = validators.DefaultMessage(field.Kind)
			}
		}
		return Result{ErrorMessage: msg}
	}
	collected[field.Name] = value
	return Result{Accepted: true, Value: value, Next: NextUnmet(phase, collected)}
}

// NextUnmet returns the first field of phase without a stored value.
func NextUnmet(phase Phase, collected map[string]interface{}) *types.FieldSpec {
	for i := range phase.Fields {
		if _, ok := collected[phase.Fields[i].Name]; !ok {
			return &phase.Fields[i]
		}
	}
	return nil
}

// Done reports whether phase has been confirmed or completed.
func Done(phase Phase, data map[string]interface{}) bool {
	done, _ := data[donePrefix+phase.Name].(bool)
	return done
}

// Step advances the phase by one turn. input is only considered when
// hasInput is true; once used, Outcome.Consumed is set.
func (e *Engine) Step(ctx context.Context, nodeID string, phase Phase, input string, hasInput bool, userData map[string]interface{}) Outcome {
	st := newState(userData)

	if Done(phase, st.data) {
		return Outcome{Done: true, Patch: st.patch}
	}

	focusNode, _ := st.data[FocusNodeKey].(string)
	focusField, _ := st.data[FocusFieldKey].(string)
	if focusNode != "" && focusNode != nodeID {
		return Outcome{Inert: true, Patch: st.patch}
	}

	out := Outcome{}
	if focusNode == nodeID && focusField == ConfirmFocus {
		if !hasInput {
			return st.pause(out, e.summary(phase, st.data))
		}
		out.Consumed = true
		return e.confirmStep(phase, strings.TrimSpace(input), st, out)
	}

	if focusNode == nodeID && focusField != "" {
		field, ok := fieldByName(phase, focusField)
		if !ok {
			st.del(FocusNodeKey)
			st.del(FocusFieldKey)
		} else {
			if !hasInput {
				return st.pause(out, prompt(field))
			}
			out.Consumed = true
			if field.Optional && field.Kind != types.FieldInsurance && skipWords[validators.Normalize(input)] {
				st.set(field.Name, "")
			} else {
				res := e.Collect(ctx, phase, field, input, st.data)
				if !res.Accepted {
					e.logger.Debug("field rejected", "node_id", nodeID, "field", field.Name)
					return st.pause(out, res.ErrorMessage)
				}
				st.set(field.Name, res.Value)
			}
			st.del(FocusNodeKey)
			st.del(FocusFieldKey)
		}
	}

	if next := NextUnmet(phase, st.data); next != nil {
		st.set(FocusNodeKey, nodeID)
		st.set(FocusFieldKey, next.Name)
		return st.pause(out, prompt(*next))
	}

	if phase.Confirm {
		st.set(FocusNodeKey, nodeID)
		st.set(FocusFieldKey, ConfirmFocus)
		return st.pause(out, e.summary(phase, st.data))
	}

	st.set(donePrefix+phase.Name, true)
	out.Done = true
	out.Patch = st.patch
	return out
}

func (e *Engine) confirmStep(phase Phase, input string, st *state, out Outcome) Outcome {
	if input == ConfirmInput || validators.Normalize(input) == "confirmar" {
		st.del(FocusNodeKey)
		st.del(FocusFieldKey)
		st.set(donePrefix+phase.Name, true)
		out.Done = true
		out.Patch = st.patch
		return out
	}
	if n, err := strconv.Atoi(input); err == nil && n >= 1 && n <= len(phase.Fields) {
		field := phase.Fields[n-1]
		st.del(field.Name)
		st.set(FocusFieldKey, field.Name)
		return st.pause(out, prompt(field))
	}
	return st.pause(out, "Opção inválida.\n"+e.summary(phase, st.data))
}

func (e *Engine) validate(ctx context.Context, field types.FieldSpec, input string) (string, error) {
	now := e.now()
	switch field.Kind {
	case types.FieldName:
		return validators.ValidateName(input)
	case types.FieldNationalID:
		return validators.ValidateNationalID(input)
	case types.FieldBirthDate:
		return validators.ValidateBirthDate(input, now)
	case types.FieldEmail:
		return validators.ValidateEmail(input)
	case types.FieldPhone:
		return validators.ValidatePhone(input)
	case types.FieldShift:
		return validators.ValidateShift(input)
	case types.FieldDate:
		return validators.ValidateDate(input, now)
	case types.FieldInsurance:
		var entries []types.CatalogEntry
		if e.insurances != nil {
			var err error
			entries, err = e.insurances.InsuranceEntries(ctx)
			if err != nil {
				e.logger.Warn("insurance catalog unavailable", "err", err)
			}
		}
		return validators.ValidateInsurance(input, matcher.Resolver(entries))
	default:
		return validators.ValidateText(input)
	}
}

func (e *Engine) summary(phase Phase, data map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("Confira seus dados:\n")
	for i, f := range phase.Fields {
		v := fmt.Sprint(data[f.Name])
		if data[f.Name] == nil || v == "" {
			v = "(não informado)"
		}
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, label(f), v)
	}
	fmt.Fprintf(&b, "Digite o número do campo para corrigir ou %s para confirmar.", ConfirmInput)
	return b.String()
}

func fieldByName(phase Phase, name string) (types.FieldSpec, bool) {
	for _, f := range phase.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return types.FieldSpec{}, false
}

func prompt(f types.FieldSpec) string {
	if f.Prompt != "" {
		return f.Prompt
	}
	if p, ok := defaultPrompts[f.Kind]; ok {
		return p
	}
	return fmt.Sprintf("Pode me informar %s?", strings.ToLower(label(f)))
}

func label(f types.FieldSpec) string {
	if f.Label != "" {
		return f.Label
	}
	if l, ok := defaultLabels[f.Kind]; ok {
		return l
	}
	return f.Name
}

// state is a working copy of userData that records every change as a patch.
type state struct {
	data  map[string]interface{}
	patch map[string]interface{}
}

func newState(userData map[string]interface{}) *state {
	return &state{data: types.CloneData(userData), patch: make(map[string]interface{})}
}

func (s *state) set(k string, v interface{}) {
	s.data[k] = v
	s.patch[k] = v
}

func (s *state) del(k string) {
	delete(s.data, k)
	s.patch[k] = nil
}

func (s *state) pause(out Outcome, reply string) Outcome {
	out.Reply = reply
	out.Pause = true
	out.Patch = s.patch
	return out
}
