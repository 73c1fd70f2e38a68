// Package dedup suppresses webhook redeliveries and near-duplicate texts.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/songzhibin97/chatflow/types"
	"github.com/songzhibin97/chatflow/validators"
)

// Default windows.
const (
	DefaultMessageWindow = 10 * time.Minute
	DefaultTextWindow    = 5 * time.Second
)

// Deduper remembers what was already processed. Each Seen method marks its
// key as seen and reports whether it had been seen within the window.
// Forget releases the keys of a message whose processing failed, so its
// redelivery is handled again.
type Deduper interface {
	SeenMessage(ctx context.Context, messageID string) (bool, error)
	SeenText(ctx context.Context, address, text string) (bool, error)
	Forget(ctx context.Context, messageID, address, text string) error
}

// IsDuplicate checks msg against both windows. Media messages skip the
// text check since their caption may legitimately repeat.
func IsDuplicate(ctx context.Context, d Deduper, msg types.InboundMessage) (bool, error) {
	if msg.MessageID != "" {
		seen, err := d.SeenMessage(ctx, msg.MessageID)
		if err != nil || seen {
			return seen, err
		}
	}
	if msg.MediaRef != "" || strings.TrimSpace(msg.Text) == "" {
		return false, nil
	}
	return d.SeenText(ctx, msg.Address, msg.Text)
}

// Release undoes IsDuplicate for msg.
func Release(ctx context.Context, d Deduper, msg types.InboundMessage) error {
	text := msg.Text
	if msg.MediaRef != "" {
		text = ""
	}
	return d.Forget(ctx, msg.MessageID, msg.Address, text)
}

type config struct {
	messageWindow time.Duration
	textWindow    time.Duration
}

// Option configures a Deduper.
type Option func(*config)

// WithMessageWindow sets how long a message id is remembered.
func WithMessageWindow(d time.Duration) Option {
	return func(c *config) { c.messageWindow = d }
}

// WithTextWindow sets how long a text per address is remembered.
func WithTextWindow(d time.Duration) Option {
	return func(c *config) { c.textWindow = d }
}

func newConfig(opts []Option) config {
	c := config{messageWindow: DefaultMessageWindow, textWindow: DefaultTextWindow}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// textKey identifies a text regardless of case, accents and surrounding space.
func textKey(address, text string) string {
	sum := sha256.Sum256([]byte(address + "\x00" + validators.Normalize(text)))
	return hex.EncodeToString(sum[:16])
}

// Memory is a process-local Deduper.
type Memory struct {
	cfg      config
	now      func() time.Time
	mu       sync.Mutex
	messages map[string]time.Time
	texts    map[string]time.Time
	lastGC   time.Time
}

// NewMemory creates a Memory deduper.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		cfg:      newConfig(opts),
		now:      time.Now,
		messages: make(map[string]time.Time),
		texts:    make(map[string]time.Time),
	}
}

// SetClock overrides the clock.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SeenMessage implements Deduper.
func (m *Memory) SeenMessage(ctx context.Context, messageID string) (bool, error) {
	return m.seen(m.messages, messageID, m.cfg.messageWindow), nil
}

// SeenText implements Deduper.
func (m *Memory) SeenText(ctx context.Context, address, text string) (bool, error) {
	return m.seen(m.texts, textKey(address, text), m.cfg.textWindow), nil
}

// Forget implements Deduper. Empty arguments are skipped.
func (m *Memory) Forget(ctx context.Context, messageID, address, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageID != "" {
		delete(m.messages, messageID)
	}
	if strings.TrimSpace(text) != "" {
		delete(m.texts, textKey(address, text))
	}
	return nil
}

func (m *Memory) seen(set map[string]time.Time, key string, window time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.gcLocked(now)
	if until, ok := set[key]; ok && now.Before(until) {
		return true
	}
	set[key] = now.Add(window)
	return false
}

func (m *Memory) gcLocked(now time.Time) {
	if now.Sub(m.lastGC) < time.Minute {
		return
	}
	for k, until := range m.messages {
		if !now.Before(until) {
			delete(m.messages, k)
		}
	}
	for k, until := range m.texts {
		if !now.Before(until) {
			delete(m.texts, k)
		}
	}
	m.lastGC = now
}

// Len returns the number of remembered keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages) + len(m.texts)
}
