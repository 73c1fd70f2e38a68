// Package classifier is the intent routing bridge: it forwards free text to
// an external classifier and maps the verdict to continue-in-bot or hand-off.
package classifier

import (
	"context"
	"errors"
	"log/slog"

	"github.com/songzhibin97/chatflow/types"
)

// Kind is the routing verdict of a classification.
type Kind string

const (
	KindContinue Kind = "continue"
	KindHandoff  Kind = "handoff"
)

// ErrNoClassifier is returned when no bridge is configured.
var ErrNoClassifier = errors.New("classifier not configured")

// Request is what the bridge receives for one inbound text.
type Request struct {
	Text           string
	ConversationID uint64
	Address        string
	Instructions   string
	History        []types.Turn
}

// Result is the classifier verdict. Intent selects the workflow edge on
// continue; Queue names the human queue on hand-off.
type Result struct {
	Kind         Kind                   `json:"kind"`
	Intent       string                 `json:"intent,omitempty"`
	Reply        string                 `json:"reply,omitempty"`
	Queue        string                 `json:"queue,omitempty"`
	Confidence   float64                `json:"confidence"`
	Extracted    map[string]interface{} `json:"extracted,omitempty"`
	ExpectFields []string               `json:"expect_fields,omitempty"`
}

// Bridge classifies one message.
type Bridge interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// Fallback tries Primary and falls back to Secondary when it fails.
type Fallback struct {
	Primary   Bridge
	Secondary Bridge
	Logger    *slog.Logger
}

// Classify implements Bridge.
func (f *Fallback) Classify(ctx context.Context, req Request) (Result, error) {
	if f.Primary != nil {
		res, err := f.Primary.Classify(ctx, req)
		if err == nil {
			return res, nil
		}
		if f.Secondary == nil {
			return Result{}, err
		}
		logger := f.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("classifier unavailable, using fallback", "conversation_id", req.ConversationID, "err", err)
	}
	if f.Secondary == nil {
		return Result{}, ErrNoClassifier
	}
	return f.Secondary.Classify(ctx, req)
}
