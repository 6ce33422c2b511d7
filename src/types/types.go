package types

import "time"

// Notification kinds emitted by the message server.
const (
	KindMessageCreated       = "message_created"
	KindMessageUpdated       = "message_updated"
	KindConversationCreated  = "conversation_created"
	KindConversationUpdated  = "conversation_updated"
	KindConversationResolved = "conversation_resolved"
	KindPong                 = "pong"
)

// ISO8601Millis is the wire format used for Notification.OccurredAt.
const ISO8601Millis = "2006-01-02T15:04:05.000Z07:00"

// Direction tells who authored a message.
type Direction string

const (
	FromGuest Direction = "fromGuest"
	FromAgent Direction = "fromAgent"
)

// MessagePayload is the decoded message body carried by message notifications.
type MessagePayload struct {
	ID                    int64     `json:"id"`
	Content               string    `json:"content"`
	Direction             Direction `json:"direction"`
	CreatedAtEpochSeconds int64     `json:"createdAtEpochSeconds"`
	ConversationID        int64     `json:"conversationId,omitempty"`
	ContentType           string    `json:"contentType,omitempty"`
	SenderName            string    `json:"senderName,omitempty"`
}

// CreatedAt returns the payload creation time.
func (p MessagePayload) CreatedAt() time.Time {
	return time.Unix(p.CreatedAtEpochSeconds, 0)
}

// Notification is the normalized unit of fan-out. Every subscriber sees the
// same value.
type Notification struct {
	Kind           string          `json:"kind"`
	ConversationID int64           `json:"conversationId"`
	OccurredAt     time.Time       `json:"occurredAt"`
	Payload        *MessagePayload `json:"payload,omitempty"`
	// Data is the envelope data after the optional second decode: a
	// map[string]any, a string the server did not double-encode, or nil.
	Data any `json:"data,omitempty"`
}

// Timestamp formats OccurredAt as ISO-8601 with millisecond precision in UTC.
func (n Notification) Timestamp() string {
	if n.OccurredAt.IsZero() {
		return ""
	}
	return n.OccurredAt.UTC().Format(ISO8601Millis)
}

// IsMessage reports whether the notification carries a chat message.
func (n Notification) IsMessage() bool {
	return (n.Kind == KindMessageCreated || n.Kind == KindMessageUpdated) && n.Payload != nil
}

// Handler receives notifications from the hub.
type Handler func(n Notification) error

// SubjectRole is the role negotiated for a realtime subject.
type SubjectRole string

const RoleAgent SubjectRole = "agent"

// ConnectionDescriptor is the result of a negotiation. It is used for one
// connection attempt and then dropped.
type ConnectionDescriptor struct {
	EndpointURL string
	AuthToken   string
	SubjectID   string
	SubjectRole SubjectRole
}

// Phase is the lifecycle phase of the realtime connection.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseOpen       Phase = "open"
	PhaseClosed     Phase = "closed"
)

// Live reports whether notifications can currently arrive.
func (p Phase) Live() bool { return p == PhaseOpen }

// ConnectionState is a snapshot of the realtime connection.
type ConnectionState struct {
	Phase        Phase     `json:"phase"`
	LastError    string    `json:"lastError,omitempty"`
	SubjectID    string    `json:"subjectId,omitempty"`
	OpenedAt     time.Time `json:"openedAt,omitzero"`
	LastActivity time.Time `json:"lastActivity,omitzero"`
	LastKind     string    `json:"lastKind,omitempty"`
	Attempt      int       `json:"attempt"`
}

// SubscriberInfo holds metadata about a registered hub subscriber.
type SubscriberInfo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SubscribedAt time.Time `json:"subscribed_at"`
	Delivered    int64     `json:"delivered"`
	Failed       int64     `json:"failed"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}
