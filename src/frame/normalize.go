// Package frame decodes raw realtime frames into notifications.
package frame

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kefu-console/realtime/src/types"
)

// Heartbeat literals exchanged on the socket.
const (
	Ping = "ping"
	Pong = "pong"
)

// envelope is the JSON shape of every non-heartbeat frame.
type envelope struct {
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
	ConversationID json.RawMessage `json:"conversationId"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

// messageData is the server-side message body.
type messageData struct {
	ID             json.Number `json:"id"`
	Content        string      `json:"content"`
	MessageType    int         `json:"message_type"`
	ContentType    string      `json:"content_type"`
	CreatedAt      json.Number `json:"created_at"`
	ConversationID json.Number `json:"conversation_id"`
	Sender         *struct {
		Name string `json:"name"`
	} `json:"sender"`
}

// Normalizer turns raw frames into notifications.
type Normalizer struct {
	// Now supplies the time for frames that carry no usable timestamp.
	Now func() time.Time
}

var defaultNormalizer = &Normalizer{}

// Normalize decodes a raw frame with the default normalizer.
func Normalize(raw []byte) (types.Notification, bool) {
	return defaultNormalizer.Normalize(raw)
}

// Normalize decodes raw into a notification. It returns false for frames that
// carry nothing to act on: the "ping" literal, malformed JSON and envelopes
// without a type.
func (n *Normalizer) Normalize(raw []byte) (types.Notification, bool) {
	switch string(raw) {
	case Ping:
		return types.Notification{}, false
	case Pong:
		return types.Notification{Kind: types.KindPong, OccurredAt: n.now()}, true
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.Notification{}, false
	}
	if env.Type == "" {
		return types.Notification{}, false
	}

	data := decodeData(env.Data)
	out := types.Notification{
		Kind:           env.Type,
		ConversationID: coerceID(env.ConversationID),
		OccurredAt:     n.coerceTime(env.Timestamp),
		Data:           data,
	}
	if obj, ok := data.(map[string]any); ok {
		out.Payload = decodePayload(obj)
	}
	return out, true
}

func (n *Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now().UTC()
	}
	return time.Now().UTC()
}

// decodeData parses the envelope data, unwrapping one level of string
// encoding. A string that is not JSON is kept as a string.
func decodeData(raw json.RawMessage) any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	var inner any
	if err := json.Unmarshal([]byte(s), &inner); err != nil {
		return s
	}
	return inner
}

func decodePayload(obj map[string]any) *types.MessagePayload {
	if _, ok := obj["id"]; !ok {
		return nil
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var md messageData
	if err := dec.Decode(&md); err != nil {
		return nil
	}
	id, err := md.ID.Int64()
	if err != nil {
		return nil
	}

	p := &types.MessagePayload{
		ID:          id,
		Content:     md.Content,
		Direction:   types.FromGuest,
		ContentType: md.ContentType,
	}
	if md.MessageType != 0 {
		p.Direction = types.FromAgent
	}
	if v, err := md.CreatedAt.Int64(); err == nil {
		p.CreatedAtEpochSeconds = v
	}
	if v, err := md.ConversationID.Int64(); err == nil {
		p.ConversationID = v
	}
	if md.Sender != nil {
		p.SenderName = md.Sender.Name
	}
	return p
}

// coerceID accepts a JSON number or a numeric string. Anything else yields 0.
func coerceID(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0
	}
	switch x := v.(type) {
	case float64:
		id, ok := toInt64(x)
		if !ok || float64(id) != x {
			return 0
		}
		return id
	case string:
		id, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0
		}
		return id
	}
	return 0
}

// coerceTime accepts epoch milliseconds (number or numeric string) or an
// ISO-8601 string. Missing or unparseable values fall back to now.
func (n *Normalizer) coerceTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return n.now()
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return n.now()
	}
	switch x := v.(type) {
	case float64:
		if ms, ok := toInt64(x); ok {
			return time.UnixMilli(ms).UTC()
		}
	case string:
		s := strings.TrimSpace(x)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return n.now()
}

// toInt64 truncates x, failing when it is not finite or outside int64.
func toInt64(x float64) (int64, bool) {
	if math.IsNaN(x) || math.Abs(x) >= 1<<63 {
		return 0, false
	}
	return int64(x), true
}
