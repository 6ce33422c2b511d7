// Package viewmodel holds the hub consumers behind the console views: the
// open conversation and the inbox list.
package viewmodel

import (
	"sync"
	"time"

	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
)

// Subscriber is the part of the hub a view needs.
type Subscriber interface {
	Subscribe(name string, handler types.Handler) (unsubscribe func())
}

// Message is one line of a conversation as the view renders it.
type Message struct {
	ID        int64           `json:"id"`
	Direction types.Direction `json:"direction"`
	Content   string          `json:"content"`
	// Timestamp is the local wall clock time, HH:MM.
	Timestamp string    `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
	Edited    bool      `json:"edited,omitempty"`
}

// ConversationView keeps the message list of one open conversation in sync
// with the notification stream. Messages are unique by id.
type ConversationView struct {
	id     int64
	loc    *time.Location
	logger zerolog.Logger

	mu          sync.RWMutex
	messages    []Message
	index       map[int64]int
	unsubscribe func()
}

// ViewOption configures a view.
type ViewOption func(*ConversationView)

// WithLocation renders message timestamps in loc instead of time.Local.
func WithLocation(loc *time.Location) ViewOption {
	return func(v *ConversationView) { v.loc = loc }
}

// NewConversationView creates a view for conversation id seeded with the
// messages already fetched over REST. Duplicate ids in initial are dropped.
func NewConversationView(id int64, initial []Message, logger zerolog.Logger, opts ...ViewOption) *ConversationView {
	v := &ConversationView{
		id:     id,
		loc:    time.Local,
		logger: logger.With().Str("component", "conversation_view").Int64("conversation_id", id).Logger(),
		index:  make(map[int64]int, len(initial)),
	}
	for _, opt := range opts {
		opt(v)
	}
	for _, m := range initial {
		v.appendLocked(m)
	}
	return v
}

// ID returns the conversation id the view follows.
func (v *ConversationView) ID() int64 { return v.id }

// Attach subscribes the view. Calling it again while attached does nothing.
func (v *ConversationView) Attach(s Subscriber) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unsubscribe != nil {
		return
	}
	v.unsubscribe = s.Subscribe("conversation_view", func(n types.Notification) error {
		v.Apply(n)
		return nil
	})
}

// Detach unsubscribes the view. It is safe to call when not attached.
func (v *ConversationView) Detach() {
	v.mu.Lock()
	unsubscribe := v.unsubscribe
	v.unsubscribe = nil
	v.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Apply merges a notification into the list and reports whether the list
// changed. Notifications for other conversations and those without a message
// payload are ignored. A message_created for a known id is a redelivery and
// is discarded; a message_updated for a known id replaces its content.
func (v *ConversationView) Apply(n types.Notification) bool {
	if n.ConversationID != v.id || !n.IsMessage() {
		return false
	}
	m := v.fromPayload(n.Payload)

	v.mu.Lock()
	defer v.mu.Unlock()
	if i, ok := v.index[m.ID]; ok {
		if n.Kind != types.KindMessageUpdated || v.messages[i].Content == m.Content {
			v.logger.Debug().Int64("message_id", m.ID).Msg("duplicate message discarded")
			return false
		}
		v.messages[i].Content = m.Content
		v.messages[i].Edited = true
		return true
	}
	v.appendLocked(m)
	return true
}

// Append adds a locally produced message, for example one the agent just
// sent. It reports false when the id is already present.
func (v *ConversationView) Append(m Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.appendLocked(m)
}

// Messages returns a copy of the list in arrival order.
func (v *ConversationView) Messages() []Message {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// Len returns the number of messages.
func (v *ConversationView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.messages)
}

func (v *ConversationView) appendLocked(m Message) bool {
	if _, ok := v.index[m.ID]; ok {
		return false
	}
	if m.Timestamp == "" && !m.CreatedAt.IsZero() {
		m.Timestamp = m.CreatedAt.In(v.loc).Format("15:04")
	}
	v.index[m.ID] = len(v.messages)
	v.messages = append(v.messages, m)
	return true
}

func (v *ConversationView) fromPayload(p *types.MessagePayload) Message {
	m := Message{
		ID:        p.ID,
		Direction: p.Direction,
		Content:   p.Content,
	}
	if p.CreatedAtEpochSeconds > 0 {
		m.CreatedAt = p.CreatedAt()
		m.Timestamp = m.CreatedAt.In(v.loc).Format("15:04")
	}
	return m
}
