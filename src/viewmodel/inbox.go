package viewmodel

import (
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
)

// Status is the queue status shown next to a conversation.
type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending_verification"
	StatusRejected Status = "rejected"
	StatusResolved Status = "resolved"
)

// Conversation is one inbox row.
type Conversation struct {
	ID          int64     `json:"id"`
	RoomNumber  string    `json:"roomNumber"`
	GuestName   string    `json:"guestName"`
	Language    string    `json:"language,omitempty"`
	CheckIn     string    `json:"checkInDate,omitempty"`
	CheckOut    string    `json:"checkOutDate,omitempty"`
	Verified    bool      `json:"verified"`
	Status      Status    `json:"status"`
	LastMessage string    `json:"lastMessage"`
	LastAt      time.Time `json:"lastAt,omitzero"`
	// LastTime is LastAt relative to now. It is filled by Conversations.
	LastTime string `json:"lastTime"`
}

// InboxView is the conversation list. Notifications only refresh the
// preview of rows that are already loaded; rows are never created from a
// notification.
type InboxView struct {
	now    func() time.Time
	logger zerolog.Logger

	mu          sync.RWMutex
	rows        []Conversation
	index       map[int64]int
	unsubscribe func()
}

// InboxOption configures an InboxView.
type InboxOption func(*InboxView)

// WithClock replaces time.Now for relative times and sent previews.
func WithClock(now func() time.Time) InboxOption {
	return func(v *InboxView) { v.now = now }
}

// NewInboxView creates an empty inbox.
func NewInboxView(logger zerolog.Logger, opts ...InboxOption) *InboxView {
	v := &InboxView{
		now:    time.Now,
		logger: logger.With().Str("component", "inbox_view").Logger(),
		index:  make(map[int64]int),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Load replaces the list with rows fetched over REST. A row without a
// status gets active or pending verification from its verified flag.
func (v *InboxView) Load(rows []Conversation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rows = make([]Conversation, 0, len(rows))
	v.index = make(map[int64]int, len(rows))
	for _, r := range rows {
		if _, dup := v.index[r.ID]; dup {
			continue
		}
		if r.Status == "" {
			r.Status = StatusPending
			if r.Verified {
				r.Status = StatusActive
			}
		}
		v.index[r.ID] = len(v.rows)
		v.rows = append(v.rows, r)
	}
	v.logger.Debug().Int("rows", len(v.rows)).Msg("inbox loaded")
}

// Attach subscribes the inbox. Calling it again while attached does nothing.
func (v *InboxView) Attach(s Subscriber) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unsubscribe != nil {
		return
	}
	v.unsubscribe = s.Subscribe("inbox_view", func(n types.Notification) error {
		v.Apply(n)
		return nil
	})
}

// Detach unsubscribes the inbox. It is safe to call when not attached.
func (v *InboxView) Detach() {
	v.mu.Lock()
	unsubscribe := v.unsubscribe
	v.unsubscribe = nil
	v.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Apply refreshes the preview of the matching row and reports whether a
// row changed.
func (v *InboxView) Apply(n types.Notification) bool {
	if !n.IsMessage() {
		return false
	}
	at := n.Payload.CreatedAt()
	if n.Payload.CreatedAtEpochSeconds <= 0 {
		at = n.OccurredAt
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.index[n.ConversationID]
	if !ok {
		return false
	}
	v.rows[i].LastMessage = n.Payload.Content
	v.rows[i].LastAt = at
	return true
}

// RecordSent updates the preview after the agent sent content. Blank
// content and unknown conversations are ignored.
func (v *InboxView) RecordSent(id int64, content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.index[id]
	if !ok {
		return false
	}
	v.rows[i].LastMessage = content
	v.rows[i].LastAt = v.now()
	return true
}

// Conversations returns a copy of the rows with LastTime filled in.
func (v *InboxView) Conversations() []Conversation {
	now := v.now()
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Conversation, len(v.rows))
	for i, r := range v.rows {
		r.LastTime = relativeTime(r.LastAt, now)
		out[i] = r
	}
	return out
}

// Conversation returns one row by id.
func (v *InboxView) Conversation(id int64) (Conversation, bool) {
	now := v.now()
	v.mu.RLock()
	defer v.mu.RUnlock()
	i, ok := v.index[id]
	if !ok {
		return Conversation{}, false
	}
	r := v.rows[i]
	r.LastTime = relativeTime(r.LastAt, now)
	return r, true
}

// QueueCount counts rows in the verified or the unverified queue.
func (v *InboxView) QueueCount(verified bool) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	n := 0
	for _, r := range v.rows {
		if r.Verified == verified {
			n++
		}
	}
	return n
}

// Verify moves a row to the verified queue and marks it active. A row that
// is already verified is left as is.
func (v *InboxView) Verify(id int64) (Conversation, bool) {
	return v.update(id, func(r *Conversation) {
		if r.Verified {
			return
		}
		r.Verified = true
		r.Status = StatusActive
	})
}

// Reject marks a row rejected.
func (v *InboxView) Reject(id int64) (Conversation, bool) {
	return v.update(id, func(r *Conversation) { r.Status = StatusRejected })
}

// Resolve marks a row resolved.
func (v *InboxView) Resolve(id int64) (Conversation, bool) {
	return v.update(id, func(r *Conversation) { r.Status = StatusResolved })
}

func (v *InboxView) update(id int64, fn func(*Conversation)) (Conversation, bool) {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	i, ok := v.index[id]
	if !ok {
		return Conversation{}, false
	}
	fn(&v.rows[i])
	r := v.rows[i]
	r.LastTime = relativeTime(r.LastAt, now)
	v.logger.Info().Int64("conversation_id", id).Str("status", string(r.Status)).Msg("conversation status changed")
	return r, true
}

func relativeTime(at, now time.Time) string {
	if at.IsZero() {
		return ""
	}
	if d := now.Sub(at); d < time.Minute && d > -time.Minute {
		return "just now"
	}
	return humanize.RelTime(at, now, "ago", "from now")
}
