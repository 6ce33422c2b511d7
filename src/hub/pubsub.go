package hub

import (
	"github.com/kefu-console/realtime/src/types"
)

// Publish delivers a notification to every current subscriber and then
// forwards it to the bridge if one is attached. A failing subscriber does
// not stop delivery to the others.
func (h *Hub) Publish(n types.Notification) {
	h.broadcast(n)
	h.publishToBridge(n)
}

// PublishLocal delivers a notification that came from the bridge to local
// subscribers only. It does not re-publish, preventing loops.
func (h *Hub) PublishLocal(n types.Notification) {
	h.broadcast(n)
}

func (h *Hub) broadcast(n types.Notification) {
	// Copy subscribers to avoid holding the lock while handlers run.
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.deliver(n); err != nil {
			h.logger.Error().Err(err).
				Str("subscriber_id", s.id).
				Str("kind", n.Kind).
				Int64("conversation_id", n.ConversationID).
				Msg("handler error")
		}
	}
}

// publishToBridge forwards a notification to the bridge if one is attached.
func (h *Hub) publishToBridge(n types.Notification) {
	h.mu.RLock()
	b := h.bridge
	h.mu.RUnlock()

	if b == nil || !b.Available() {
		return
	}
	if err := b.Publish(n); err != nil {
		h.logger.Error().Err(err).Msg("bridge publish failed")
	}
}
