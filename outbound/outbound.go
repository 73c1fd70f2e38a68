// Package outbound delivers bot and agent replies to the messaging platform.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/chatflow/events"
	"github.com/songzhibin97/chatflow/types"
)

// ErrDeliveryFailed is returned when the platform rejected a message and
// the dispatcher is not fail-open.
var ErrDeliveryFailed = errors.New("message delivery failed")

// Sender hands a text to the messaging platform.
type Sender interface {
	Send(ctx context.Context, address, text string) (externalID string, err error)
}

// SenderFunc is a function adapter for Sender.
type SenderFunc func(ctx context.Context, address, text string) (string, error)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, address, text string) (string, error) {
	return f(ctx, address, text)
}

// HTTPSender posts messages as JSON to the platform send endpoint.
type HTTPSender struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewHTTPSender creates an HTTPSender. token, when set, is sent as a bearer
// credential.
func NewHTTPSender(url, token string) *HTTPSender {
	return &HTTPSender{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, address, text string) (string, error) {
	data, err := json.Marshal(sendRequest{To: address, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("platform error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out sendResponse
	if len(body) > 0 {
		// Some platforms answer with an empty or non-JSON body.
		_ = json.Unmarshal(body, &out)
	}
	return out.MessageID, nil
}

// LogSender only logs. It stands in for the platform in local runs.
type LogSender struct {
	Logger *slog.Logger
}

// Send implements Sender.
func (s LogSender) Send(ctx context.Context, address, text string) (string, error) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("outbound message", "address", address, "text", text)
	return "", nil
}

// MessageStore persists outbound records.
type MessageStore interface {
	AppendMessage(ctx context.Context, rec types.MessageRecord) error
}

// Recorder updates the last-message fields of a conversation.
type Recorder interface {
	RecordOutbound(ctx context.Context, conversationID uint64, text string, at time.Time) error
}

// Dispatcher sends a message and always keeps a record of it, delivered or not.
type Dispatcher struct {
	sender   Sender
	store    MessageStore
	recorder Recorder
	bus      events.Publisher
	failOpen bool
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFailOpen controls whether delivery failures are swallowed.
func WithFailOpen(failOpen bool) Option {
	return func(d *Dispatcher) { d.failOpen = failOpen }
}

// WithPublisher sets where delivery events go.
func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) { d.bus = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a fail-open Dispatcher. recorder may be nil.
func NewDispatcher(sender Sender, store MessageStore, recorder Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:   sender,
		store:    store,
		recorder: recorder,
		failOpen: true,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers text to the conversation's counterpart. The record is
// persisted whatever the delivery outcome; an error is returned for
// persistence failures, and for delivery failures unless fail-open.
func (d *Dispatcher) Send(ctx context.Context, conv *types.Conversation, author types.Author, text string) (types.MessageRecord, error) {
	rec := types.MessageRecord{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Direction:      types.DirectionOutbound,
		Author:         author,
		Text:           text,
	}

	externalID, sendErr := d.sender.Send(ctx, conv.Address, text)
	rec.ExternalID = externalID
	rec.Delivered = sendErr == nil
	rec.CreatedAt = d.now()
	if sendErr != nil {
		d.logger.Warn("outbound delivery failed", "conversation_id", conv.ID, "address", conv.Address, "err", sendErr)
	}

	// Persist with a context that outlives a cancelled request.
	persistCtx := context.WithoutCancel(ctx)
	if err := d.store.AppendMessage(persistCtx, rec); err != nil {
		d.logger.Error("failed to persist outbound message", "conversation_id", conv.ID, "err", err)
		return rec, fmt.Errorf("failed to persist outbound message: %w", err)
	}
	if d.recorder != nil {
		if err := d.recorder.RecordOutbound(persistCtx, conv.ID, text, rec.CreatedAt); err != nil {
			d.logger.Error("failed to update last message", "conversation_id", conv.ID, "err", err)
			return rec, fmt.Errorf("failed to update last message: %w", err)
		}
	}

	typ := events.MessageOutbound
	if sendErr != nil {
		typ = events.DeliveryFailed
	}
	d.publish(persistCtx, typ, conv, rec)

	if sendErr != nil && !d.failOpen {
		return rec, fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
	}
	return rec, nil
}

// SendAll sends texts in order and stops at the first hard error.
func (d *Dispatcher) SendAll(ctx context.Context, conv *types.Conversation, author types.Author, texts []string) error {
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if _, err := d.Send(ctx, conv, author, text); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, typ string, conv *types.Conversation, rec types.MessageRecord) {
	if d.bus == nil {
		return
	}
	err := d.bus.Publish(ctx, events.Event{
		Type:           typ,
		ConversationID: conv.ID,
		Address:        conv.Address,
		At:             rec.CreatedAt,
		Data: map[string]interface{}{
			"message_id": rec.ID,
			"author":     string(rec.Author),
			"text":       rec.Text,
		},
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		d.logger.Warn("failed to publish event", "event", typ, "conversation_id", conv.ID, "err", err)
	}
}
