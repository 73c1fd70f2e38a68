package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/chatflow/types"
)

type MockBridge struct {
	Result Result
	Err    error
	Calls  int
}

func (m *MockBridge) Classify(context.Context, Request) (Result, error) {
	m.Calls++
	return m.Result, m.Err
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Result
		wantErr bool
	}{
		{
			name: "plain json",
			raw:  `{"kind":"continue","intent":"schedule","confidence":0.92}`,
			want: Result{Kind: KindContinue, Intent: "schedule", Confidence: 0.92},
		},
		{
			name: "fenced",
			raw:  "```json\n{\"kind\":\"handoff\",\"queue\":\"billing\",\"confidence\":0.8}\n```",
			want: Result{Kind: KindHandoff, Queue: "billing", Confidence: 0.8},
		},
		{
			name: "missing kind defaults to continue",
			raw:  `{"reply":"Olá","confidence":1}`,
			want: Result{Kind: KindContinue, Reply: "Olá", Confidence: 1},
		},
		{name: "unknown kind", raw: `{"kind":"maybe","confidence":0.5}`, wantErr: true},
		{name: "confidence out of range", raw: `{"kind":"continue","confidence":7}`, wantErr: true},
		{name: "not json", raw: "desculpe", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResult(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGeminiClassifierClassify(t *testing.T) {
	var gotSystem, gotUser string
	c := &GeminiClassifier{
		logger: discardLogger(),
		generate: func(_ context.Context, system, user string) (string, error) {
			gotSystem, gotUser = system, user
			return `{"kind":"continue","intent":"prices","confidence":0.9}`, nil
		},
	}

	res, err := c.Classify(context.Background(), Request{
		Text:         "quanto custa a consulta?",
		Instructions: "Intenções: prices, schedule.",
		History:      []types.Turn{{Author: types.AuthorBot, Text: "Olá!"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "prices", res.Intent)
	assert.Contains(t, gotSystem, "Intenções: prices, schedule.")
	assert.Contains(t, gotUser, "bot: Olá!")
	assert.Contains(t, gotUser, `"quanto custa a consulta?"`)

	c.generate = func(context.Context, string, string) (string, error) { return "", errors.New("quota") }
	_, err = c.Classify(context.Background(), Request{Text: "x"})
	assert.Error(t, err)
}

func TestFallback(t *testing.T) {
	primary := &MockBridge{Err: errors.New("unreachable")}
	secondary := &MockBridge{Result: Result{Kind: KindContinue, Intent: "schedule", Confidence: 1}}
	f := &Fallback{Primary: primary, Secondary: secondary, Logger: discardLogger()}

	res, err := f.Classify(context.Background(), Request{Text: "marcar"})
	require.NoError(t, err)
	assert.Equal(t, "schedule", res.Intent)
	assert.Equal(t, 1, primary.Calls)
	assert.Equal(t, 1, secondary.Calls)

	primary.Err = nil
	primary.Result = Result{Kind: KindHandoff, Confidence: 0.9}
	res, err = f.Classify(context.Background(), Request{Text: "atendente"})
	require.NoError(t, err)
	assert.Equal(t, KindHandoff, res.Kind)
	assert.Equal(t, 1, secondary.Calls)

	_, err = (&Fallback{}).Classify(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoClassifier)
}

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier(
		KeywordRule{Intent: "schedule", Keywords: []string{"agendar", "marcar"}},
		KeywordRule{Intent: "human", Keywords: []string{"atendente"}, Handoff: true, Queue: "reception"},
	)

	res, err := c.Classify(context.Background(), Request{Text: "Quero MARCAR uma consulta"})
	require.NoError(t, err)
	assert.Equal(t, Result{Kind: KindContinue, Intent: "schedule", Confidence: 1}, res)

	res, _ = c.Classify(context.Background(), Request{Text: "falar com atendente"})
	assert.Equal(t, KindHandoff, res.Kind)
	assert.Equal(t, "reception", res.Queue)

	res, _ = c.Classify(context.Background(), Request{Text: "qual o endereço?"})
	assert.Zero(t, res.Confidence)
}

func TestFiller(t *testing.T) {
	for _, in := range []string{"Oi", "olá!", "Bom dia", "OBRIGADA", "ok."} {
		_, ok := Filler(in)
		assert.True(t, ok, in)
	}
	for _, in := range []string{"oi, quero marcar consulta", "", "1"} {
		_, ok := Filler(in)
		assert.False(t, ok, in)
	}
}
