package hub

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kefu-console/realtime/src/types"
)

// HandlerError reports a subscriber that failed to handle a notification.
type HandlerError struct {
	SubscriberID string
	Name         string
	Kind         string
	Err          error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("subscriber %s (%s) failed on %s: %v", e.Name, e.SubscriberID, e.Kind, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// subscriber is one registered handler.
type subscriber struct {
	id           string
	name         string
	handler      types.Handler
	subscribedAt time.Time
	delivered    atomic.Int64
	failed       atomic.Int64
}

func newSubscriber(name string, handler types.Handler) *subscriber {
	return &subscriber{
		id:           uuid.New().String(),
		name:         name,
		handler:      handler,
		subscribedAt: time.Now(),
	}
}

// Info returns metadata about this subscriber.
func (s *subscriber) Info() types.SubscriberInfo {
	return types.SubscriberInfo{
		ID:           s.id,
		Name:         s.name,
		SubscribedAt: s.subscribedAt,
		Delivered:    s.delivered.Load(),
		Failed:       s.failed.Load(),
	}
}

// deliver invokes the handler, converting a panic into an error.
func (s *subscriber) deliver(n types.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			s.failed.Add(1)
			err = &HandlerError{SubscriberID: s.id, Name: s.name, Kind: n.Kind, Err: err}
			return
		}
		s.delivered.Add(1)
	}()
	return s.handler(n)
}
