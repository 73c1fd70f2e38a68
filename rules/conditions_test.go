package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/chatflow/types"
)

var menu = []types.MenuOption{
	{Number: 1, Label: "Agendar consulta", Port: "schedule"},
	{Number: 2, Label: "Preços", Port: "prices"},
	{Number: 3, Label: "Falar com atendente", Port: "human"},
}

type stubCoverage struct {
	pct float64
	err error
}

func (s stubCoverage) CoveragePercent(context.Context, string, string) (float64, error) {
	return s.pct, s.err
}

func TestMatchMenu(t *testing.T) {
	tests := []struct {
		input string
		port  string
		ok    bool
	}{
		{input: "1", port: "schedule", ok: true},
		{input: " 2 ", port: "prices", ok: true},
		{input: "3 - atendente", port: "human", ok: true},
		{input: "precos", port: "prices", ok: true},
		{input: "quero AGENDAR CONSULTA", port: "schedule", ok: true},
		{input: "9", ok: false},
		{input: "bom dia", ok: false},
		{input: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			port, ok := MatchMenu(tt.input, menu)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestMatchKeywords(t *testing.T) {
	keywords := map[string][]string{
		"cancel":   {"cancelar", "desmarcar"},
		"schedule": {"agendar", "marcar consulta"},
	}
	port, ok := MatchKeywords("Quero MARCAR consulta amanhã", keywords)
	assert.True(t, ok)
	assert.Equal(t, "schedule", port)

	port, ok = MatchKeywords("preciso desmarcar", keywords)
	assert.True(t, ok)
	assert.Equal(t, "cancel", port)

	_, ok = MatchKeywords("agendamento", keywords)
	assert.False(t, ok, "keywords match whole words only")
}

func TestMatchFilled(t *testing.T) {
	data := map[string]interface{}{"name": "Maria", "cpf": ""}
	assert.Equal(t, PortYes, MatchFilled([]string{"name"}, data))
	assert.Equal(t, PortNo, MatchFilled([]string{"name", "cpf"}, data))
	assert.Equal(t, PortNo, MatchFilled([]string{"phone"}, data))
}

func TestCoveragePort(t *testing.T) {
	assert.Equal(t, PortCovered, CoveragePort(100))
	assert.Equal(t, PortPartial, CoveragePort(40))
	assert.Equal(t, PortNotCovered, CoveragePort(0))
}

func TestMatcherSelect(t *testing.T) {
	ctx := context.Background()
	edges := []types.Edge{
		{From: "menu", To: "collect", Port: "schedule"},
		{From: "menu", To: "price", Port: "prices"},
		{From: "menu", To: "transfer", Port: "human"},
	}

	t.Run("MenuPort", func(t *testing.T) {
		m := NewMatcher(nil, nil)
		spec := &types.ConditionSpec{Kind: types.ConditionMenu, Options: menu}
		edge, ok, err := m.Select(ctx, spec, edges, Env{Message: "2", HasInput: true})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "price", edge.To)
	})

	t.Run("MenuWithoutInputDoesNotMatch", func(t *testing.T) {
		m := NewMatcher(nil, nil)
		spec := &types.ConditionSpec{Kind: types.ConditionMenu, Options: menu}
		_, ok, err := m.Select(ctx, spec, edges, Env{Message: "1"})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DefaultPortFallback", func(t *testing.T) {
		m := NewMatcher(nil, nil)
		spec := &types.ConditionSpec{Kind: types.ConditionMenu, Options: menu}
		withDefault := append([]types.Edge{}, edges...)
		withDefault = append(withDefault, types.Edge{From: "menu", To: "invalid", Port: PortDefault})
		edge, ok, err := m.Select(ctx, spec, withDefault, Env{Message: "7", HasInput: true})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "invalid", edge.To)
	})

	t.Run("ExprEdges", func(t *testing.T) {
		m := NewMatcher(NewExprEvaluator(), nil)
		exprEdges := []types.Edge{
			{From: "c", To: "adult", Condition: "age >= 18"},
			{From: "c", To: "minor"},
		}
		edge, ok, err := m.Select(ctx, nil, exprEdges, Env{Data: map[string]interface{}{"age": 30}})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "adult", edge.To)

		edge, ok, err = m.Select(ctx, &types.ConditionSpec{Kind: types.ConditionExpr}, exprEdges, Env{Data: map[string]interface{}{"age": 10}})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "minor", edge.To)
	})

	t.Run("ExprSeesMessage", func(t *testing.T) {
		m := NewMatcher(nil, nil)
		exprEdges := []types.Edge{{From: "c", To: "yes", Condition: `has_input && message == "sim"`}}
		edge, ok, err := m.Select(ctx, nil, exprEdges, Env{Message: "sim", HasInput: true})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "yes", edge.To)
	})

	t.Run("Coverage", func(t *testing.T) {
		spec := &types.ConditionSpec{Kind: types.ConditionCoverage, InsuranceKey: "insurance", ProcedureKey: "procedure"}
		covEdges := []types.Edge{
			{From: "c", To: "full", Port: PortCovered},
			{From: "c", To: "part", Port: PortPartial},
			{From: "c", To: "none", Port: PortNotCovered},
		}
		data := map[string]interface{}{"insurance": "UNI", "procedure": "CONS"}

		edge, ok, err := NewMatcher(nil, stubCoverage{pct: 50}).Select(ctx, spec, covEdges, Env{Data: data})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "part", edge.To)

		edge, ok, err = NewMatcher(nil, nil).Select(ctx, spec, covEdges, Env{Data: map[string]interface{}{"insurance": "PARTICULAR", "procedure": "CONS"}})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "none", edge.To)

		_, _, err = NewMatcher(nil, stubCoverage{err: errors.New("down")}).Select(ctx, spec, covEdges, Env{Data: data})
		assert.Error(t, err)
	})

	t.Run("UnknownKind", func(t *testing.T) {
		_, _, err := NewMatcher(nil, nil).Select(ctx, &types.ConditionSpec{Kind: "weird"}, edges, Env{})
		assert.ErrorIs(t, err, ErrUnknownCondition)
	})
}
