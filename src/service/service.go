// Package service is the console's realtime entry point: one connection
// feeding one hub, constructed once and passed to whatever needs it.
package service

import (
	"context"
	"fmt"

	"github.com/kefu-console/realtime/src/hub"
	"github.com/kefu-console/realtime/src/realtime"
	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
)

// Connection is the realtime connection as the service drives it.
type Connection interface {
	Connect(ctx context.Context, subjectID string) error
	Disconnect()
	Reconnect(ctx context.Context) error
	Send(text string) error
	State() types.ConnectionState
	OnStateChange(cb func(types.ConnectionState))
	Close()
}

var _ Connection = (*realtime.Connection)(nil)

// Service provides the high-level realtime API used by views and the status
// routes.
type Service struct {
	hub    *hub.Hub
	conn   Connection
	logger zerolog.Logger
}

// New creates a service over an existing hub and connection. The connection
// should publish into h.
func New(h *hub.Hub, conn Connection, logger zerolog.Logger) *Service {
	return &Service{
		hub:    h,
		conn:   conn,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// Hub returns the underlying hub.
func (s *Service) Hub() *hub.Hub { return s.hub }

// Connect opens the realtime connection for an agent.
func (s *Service) Connect(ctx context.Context, agentID string) error {
	if agentID == "" {
		return fmt.Errorf("connect: empty agent id")
	}
	return s.conn.Connect(ctx, agentID)
}

// Disconnect closes the connection and stops reconnecting.
func (s *Service) Disconnect() { s.conn.Disconnect() }

// Reconnect drops and reopens the connection for the current agent.
func (s *Service) Reconnect(ctx context.Context) error { return s.conn.Reconnect(ctx) }

// Send writes a raw frame on the open connection.
func (s *Service) Send(text string) error { return s.conn.Send(text) }

// State returns the current connection state.
func (s *Service) State() types.ConnectionState { return s.conn.State() }

// Live reports whether the connection is open.
func (s *Service) Live() bool { return s.conn.State().Phase.Live() }

// OnStateChange registers a connection state observer.
func (s *Service) OnStateChange(cb func(types.ConnectionState)) { s.conn.OnStateChange(cb) }

// Subscribe registers a named notification handler and returns its
// unsubscribe function.
func (s *Service) Subscribe(name string, handler types.Handler) func() {
	return s.hub.Subscribe(name, handler)
}

// OnSubscribe registers a callback for new subscribers.
func (s *Service) OnSubscribe(cb func(types.SubscriberInfo)) { s.hub.OnSubscribe(cb) }

// OnUnsubscribe registers a callback for removed subscribers.
func (s *Service) OnUnsubscribe(cb func(types.SubscriberInfo)) { s.hub.OnUnsubscribe(cb) }

// Subscribers returns info for every registered subscriber.
func (s *Service) Subscribers() []types.SubscriberInfo { return s.hub.Subscribers() }

// SubscriberInfo returns info for one subscriber, or an error.
func (s *Service) SubscriberInfo(id string) (*types.SubscriberInfo, error) {
	info := s.hub.SubscriberInfo(id)
	if info == nil {
		return nil, fmt.Errorf("subscriber %s not found", id)
	}
	return info, nil
}

// Close disconnects for good.
func (s *Service) Close() {
	s.conn.Close()
	s.logger.Info().Msg("service closed")
}
