package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/chatflow/events"
	"github.com/songzhibin97/chatflow/storage"
	"github.com/songzhibin97/chatflow/types"
)

var sentAt = time.Date(2026, 5, 2, 14, 0, 0, 0, time.UTC)

type MockSender struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (m *MockSender) Send(ctx context.Context, address, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	if m.err != nil {
		return "", m.err
	}
	return "wamid.1", nil
}

type MockRecorder struct {
	texts []string
	err   error
}

func (m *MockRecorder) RecordOutbound(ctx context.Context, id uint64, text string, at time.Time) error {
	m.texts = append(m.texts, text)
	return m.err
}

type failingStore struct{}

func (failingStore) AppendMessage(ctx context.Context, rec types.MessageRecord) error {
	return errors.New("disk full")
}

type capturePublisher struct {
	events []events.Event
}

func (c *capturePublisher) Publish(ctx context.Context, e events.Event) error {
	c.events = append(c.events, e)
	return nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConversation() *types.Conversation {
	return &types.Conversation{ID: 7, Address: "5511988887777", Status: types.StatusBotOwned}
}

func TestDispatcherDelivered(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	sender := &MockSender{}
	recorder := &MockRecorder{}
	pub := &capturePublisher{}
	d := NewDispatcher(sender, store, recorder, WithClock(func() time.Time { return sentAt }), WithPublisher(pub), WithLogger(quiet()))

	rec, err := d.Send(ctx, testConversation(), types.AuthorBot, "Olá!")
	require.NoError(t, err)
	assert.True(t, rec.Delivered)
	assert.Equal(t, "wamid.1", rec.ExternalID)
	assert.NotEmpty(t, rec.ID)

	msgs, err := store.RecentMessages(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, types.DirectionOutbound, msgs[0].Direction)
	assert.Equal(t, sentAt, msgs[0].CreatedAt)
	assert.Equal(t, []string{"Olá!"}, recorder.texts)
	require.Len(t, pub.events, 1)
	assert.Equal(t, events.MessageOutbound, pub.events[0].Type)
}

func TestDispatcherFailOpen(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	sender := &MockSender{err: errors.New("timeout")}
	recorder := &MockRecorder{}
	pub := &capturePublisher{}
	d := NewDispatcher(sender, store, recorder, WithPublisher(pub), WithLogger(quiet()))

	rec, err := d.Send(ctx, testConversation(), types.AuthorBot, "Olá!")
	require.NoError(t, err)
	assert.False(t, rec.Delivered)

	msgs, err := store.RecentMessages(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "undelivered messages are still recorded")
	assert.False(t, msgs[0].Delivered)
	assert.Equal(t, []string{"Olá!"}, recorder.texts)
	assert.Equal(t, events.DeliveryFailed, pub.events[0].Type)
}

func TestDispatcherFailClosed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	recorder := &MockRecorder{}
	d := NewDispatcher(&MockSender{err: errors.New("410 gone")}, store, recorder, WithFailOpen(false), WithLogger(quiet()))

	_, err := d.Send(ctx, testConversation(), types.AuthorAgent, "Oi")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorContains(t, err, "410 gone")

	msgs, err := store.RecentMessages(ctx, 7, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Equal(t, []string{"Oi"}, recorder.texts)
}

func TestDispatcherPersistenceFailure(t *testing.T) {
	d := NewDispatcher(&MockSender{}, failingStore{}, nil, WithLogger(quiet()))
	_, err := d.Send(context.Background(), testConversation(), types.AuthorBot, "Oi")
	assert.ErrorContains(t, err, "disk full")

	d = NewDispatcher(&MockSender{}, storage.NewMemoryStorage(), &MockRecorder{err: errors.New("gone")}, WithLogger(quiet()))
	_, err = d.Send(context.Background(), testConversation(), types.AuthorBot, "Oi")
	assert.ErrorContains(t, err, "failed to update last message")
}

func TestDispatcherSendAll(t *testing.T) {
	sender := &MockSender{}
	d := NewDispatcher(sender, storage.NewMemoryStorage(), nil, WithLogger(quiet()))
	require.NoError(t, d.SendAll(context.Background(), testConversation(), types.AuthorBot, []string{"um", "  ", "dois"}))
	assert.Equal(t, []string{"um", "dois"}, sender.texts)
}

func TestHTTPSender(t *testing.T) {
	var got sendRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got.To == "blocked" {
			http.Error(w, "recipient blocked", http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(sendResponse{MessageID: "ext-42"})
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "secret")
	id, err := s.Send(context.Background(), "5511988887777", "Bom dia")
	require.NoError(t, err)
	assert.Equal(t, "ext-42", id)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, sendRequest{To: "5511988887777", Text: "Bom dia"}, got)

	_, err = s.Send(context.Background(), "blocked", "x")
	assert.ErrorContains(t, err, "platform error 403")
}

func TestLogSender(t *testing.T) {
	id, err := LogSender{Logger: quiet()}.Send(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Empty(t, id)
}
