// Package hub fans normalized notifications out to registered subscribers.
package hub

import (
	"sync"

	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
)

// MessageBridge mirrors notifications to other processes.
// Defined here to avoid circular imports with the bridge package.
type MessageBridge interface {
	Publish(n types.Notification) error
	Available() bool
}

// Hub is the process-wide subscriber registry. Delivery is synchronous: a
// Publish call returns after every subscriber has seen the notification.
type Hub struct {
	subs map[string]*subscriber // subscription id -> subscriber

	onSubscribe   []func(types.SubscriberInfo)
	onUnsubscribe []func(types.SubscriberInfo)

	bridge MessageBridge
	mu     sync.RWMutex
	logger zerolog.Logger
}

// New creates a new Hub instance.
func New(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]*subscriber),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// SetBridge attaches a cross-process mirror to the hub.
// When set, published notifications are also forwarded to it.
func (h *Hub) SetBridge(b MessageBridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// Subscribe registers handler under a descriptive name and returns the
// function that removes it. The returned function is safe to call more than
// once; only the first call has an effect.
func (h *Hub) Subscribe(name string, handler types.Handler) (unsubscribe func()) {
	s := newSubscriber(name, handler)

	h.mu.Lock()
	h.subs[s.id] = s
	cbs := h.onSubscribe
	h.mu.Unlock()

	h.logger.Debug().Str("subscriber_id", s.id).Str("name", name).Msg("subscriber registered")
	for _, cb := range cbs {
		cb(s.Info())
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(s) })
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s.id)
	cbs := h.onUnsubscribe
	h.mu.Unlock()

	h.logger.Debug().Str("subscriber_id", s.id).Str("name", s.name).Msg("subscriber removed")
	for _, cb := range cbs {
		cb(s.Info())
	}
}
