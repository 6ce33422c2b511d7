package hub

import (
	"sort"

	"github.com/kefu-console/realtime/src/types"
)

// OnSubscribe registers a callback for new subscriptions.
func (h *Hub) OnSubscribe(cb func(types.SubscriberInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSubscribe = append(h.onSubscribe, cb)
}

// OnUnsubscribe registers a callback for removed subscriptions.
func (h *Hub) OnUnsubscribe(cb func(types.SubscriberInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnsubscribe = append(h.onUnsubscribe, cb)
}

// Subscribers returns info for every live subscriber, oldest first.
func (h *Hub) Subscribers() []types.SubscriberInfo {
	h.mu.RLock()
	infos := make([]types.SubscriberInfo, 0, len(h.subs))
	for _, s := range h.subs {
		infos = append(infos, s.Info())
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].SubscribedAt.Before(infos[j].SubscribedAt)
	})
	return infos
}

// SubscriberInfo returns info for a subscriber, or nil.
func (h *Hub) SubscriberInfo(id string) *types.SubscriberInfo {
	h.mu.RLock()
	s, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	info := s.Info()
	return &info
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// BridgeAvailable reports whether a mirror is attached and connected.
func (h *Hub) BridgeAvailable() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bridge != nil && h.bridge.Available()
}
