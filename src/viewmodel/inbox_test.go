package viewmodel

import (
	"testing"
	"time"

	"github.com/kefu-console/realtime/src/hub"
	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var inboxNow = time.Date(2024, 1, 15, 14, 40, 0, 0, time.UTC)

func seededInbox() *InboxView {
	v := NewInboxView(zerolog.Nop(), WithClock(func() time.Time { return inboxNow }))
	v.Load([]Conversation{
		{ID: 1, RoomNumber: "301", GuestName: "Zhang", LastMessage: "need towels", LastAt: inboxNow.Add(-2 * time.Minute), Verified: true},
		{ID: 2, RoomNumber: "205", GuestName: "Li", LastMessage: "aircon", LastAt: inboxNow.Add(-5 * time.Minute), Verified: true},
		{ID: 3, RoomNumber: "408", GuestName: "Smith", LastMessage: "wifi", LastAt: inboxNow.Add(-3 * time.Hour)},
		{ID: 3, RoomNumber: "999", GuestName: "duplicate"},
	})
	return v
}

func TestInboxLoad(t *testing.T) {
	v := seededInbox()
	rows := v.Conversations()
	require.Len(t, rows, 3)

	assert.Equal(t, StatusActive, rows[0].Status)
	assert.Equal(t, StatusPending, rows[2].Status)
	assert.Equal(t, "Smith", rows[2].GuestName)

	assert.Equal(t, "2 minutes ago", rows[0].LastTime)
	assert.Equal(t, "5 minutes ago", rows[1].LastTime)
	assert.Equal(t, "3 hours ago", rows[2].LastTime)
}

func TestInboxApplyUpdatesPreview(t *testing.T) {
	v := seededInbox()
	n := types.Notification{
		Kind:           types.KindMessageCreated,
		ConversationID: 2,
		Payload: &types.MessagePayload{
			ID:                    9,
			Content:               "still hot",
			CreatedAtEpochSeconds: inboxNow.Add(-10 * time.Second).Unix(),
		},
	}
	assert.True(t, v.Apply(n))

	r, ok := v.Conversation(2)
	require.True(t, ok)
	assert.Equal(t, "still hot", r.LastMessage)
	assert.Equal(t, "just now", r.LastTime)
	assert.Equal(t, "205", r.RoomNumber)
}

func TestInboxApplyFallsBackToOccurredAt(t *testing.T) {
	v := seededInbox()
	n := types.Notification{
		Kind:           types.KindMessageUpdated,
		ConversationID: 3,
		OccurredAt:     inboxNow.Add(-30 * time.Minute),
		Payload:        &types.MessagePayload{ID: 4, Content: "password?"},
	}
	require.True(t, v.Apply(n))

	r, _ := v.Conversation(3)
	assert.Equal(t, "password?", r.LastMessage)
	assert.Equal(t, "30 minutes ago", r.LastTime)
}

func TestInboxIgnoresUnknownConversations(t *testing.T) {
	v := seededInbox()
	n := types.Notification{
		Kind:           types.KindMessageCreated,
		ConversationID: 77,
		Payload:        &types.MessagePayload{ID: 1, Content: "new guest"},
	}
	assert.False(t, v.Apply(n))
	assert.False(t, v.Apply(types.Notification{Kind: types.KindConversationCreated, ConversationID: 77}))
	assert.Len(t, v.Conversations(), 3)
	_, ok := v.Conversation(77)
	assert.False(t, ok)
}

func TestInboxQueueTransitions(t *testing.T) {
	v := seededInbox()
	assert.Equal(t, 2, v.QueueCount(true))
	assert.Equal(t, 1, v.QueueCount(false))

	r, ok := v.Verify(3)
	require.True(t, ok)
	assert.True(t, r.Verified)
	assert.Equal(t, StatusActive, r.Status)
	assert.Equal(t, 3, v.QueueCount(true))
	assert.Equal(t, 0, v.QueueCount(false))

	r, _ = v.Resolve(1)
	assert.Equal(t, StatusResolved, r.Status)

	// Verifying an already verified row keeps its status.
	r, _ = v.Verify(1)
	assert.Equal(t, StatusResolved, r.Status)

	r, _ = v.Reject(2)
	assert.Equal(t, StatusRejected, r.Status)
	assert.True(t, r.Verified)

	_, ok = v.Reject(99)
	assert.False(t, ok)
}

func TestInboxRecordSent(t *testing.T) {
	v := seededInbox()
	assert.False(t, v.RecordSent(1, "   "))
	assert.False(t, v.RecordSent(99, "hello"))

	assert.True(t, v.RecordSent(3, "The password is on the card"))
	r, _ := v.Conversation(3)
	assert.Equal(t, "The password is on the card", r.LastMessage)
	assert.Equal(t, "just now", r.LastTime)
}

func TestInboxAttachDetach(t *testing.T) {
	h := hub.New(zerolog.Nop())
	inbox := seededInbox()
	conv := NewConversationView(1, nil, zerolog.Nop())

	inbox.Attach(h)
	conv.Attach(h)
	require.Equal(t, 2, h.SubscriberCount())

	h.Publish(types.Notification{
		Kind:           types.KindMessageCreated,
		ConversationID: 1,
		Payload:        &types.MessagePayload{ID: 6, Content: "thanks", CreatedAtEpochSeconds: inboxNow.Unix()},
	})

	r, _ := inbox.Conversation(1)
	assert.Equal(t, "thanks", r.LastMessage)
	assert.Equal(t, 1, conv.Len())

	inbox.Detach()
	assert.Equal(t, 1, h.SubscriberCount())
	conv.Detach()
	assert.Equal(t, 0, h.SubscriberCount())
}
