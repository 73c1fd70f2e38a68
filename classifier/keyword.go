package classifier

import (
	"context"

	"github.com/songzhibin97/chatflow/rules"
)

// KeywordRule maps keyword hits to an intent.
type KeywordRule struct {
	Intent   string
	Keywords []string
	// Handoff routes matches to Queue instead of continuing in the bot.
	Handoff bool
	Queue   string
}

// KeywordClassifier is the static in-process classifier used when no
// language model is reachable. A hit is fully confident; a miss is not.
type KeywordClassifier struct {
	rules    map[string]KeywordRule
	keywords map[string][]string
}

// NewKeywordClassifier creates a KeywordClassifier.
func NewKeywordClassifier(kr ...KeywordRule) *KeywordClassifier {
	c := &KeywordClassifier{rules: make(map[string]KeywordRule), keywords: make(map[string][]string)}
	for _, r := range kr {
		c.rules[r.Intent] = r
		c.keywords[r.Intent] = append(c.keywords[r.Intent], r.Keywords...)
	}
	return c
}

// Classify implements Bridge.
func (c *KeywordClassifier) Classify(_ context.Context, req Request) (Result, error) {
	intent, ok := rules.MatchKeywords(req.Text, c.keywords)
	if !ok {
		return Result{Kind: KindContinue, Confidence: 0}, nil
	}
	r := c.rules[intent]
	if r.Handoff {
		return Result{Kind: KindHandoff, Intent: intent, Queue: r.Queue, Confidence: 1}, nil
	}
	return Result{Kind: KindContinue, Intent: intent, Confidence: 1}, nil
}
