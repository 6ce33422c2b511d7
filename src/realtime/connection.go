// Package realtime owns the agent's WebSocket connection: negotiation,
// heartbeat, reconnect and routing of inbound frames to the hub.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/kefu-console/realtime/src/frame"
	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned by Send when no transport is open.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrAborted is returned by Connect when Disconnect ran while the
	// attempt was in flight.
	ErrAborted = errors.New("realtime: connect aborted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: connection closed")
)

// Negotiator resolves a connection descriptor for a subject.
type Negotiator interface {
	Negotiate(ctx context.Context, subjectID string) (types.ConnectionDescriptor, error)
}

// Publisher receives every routed notification.
type Publisher interface {
	Publish(n types.Notification)
}

// Config tunes the connection state machine.
type Config struct {
	HeartbeatInterval time.Duration
	// ConnectTimeout bounds negotiation plus dial. Zero disables it.
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Policy         ReconnectPolicy
}

// DefaultConfig returns a 30s heartbeat, a 15s connect timeout and a fixed
// 5s reconnect delay with no attempt cap.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		ConnectTimeout:    15 * time.Second,
		WriteTimeout:      10 * time.Second,
		Policy:            FixedPolicy{Delay: 5 * time.Second},
	}
}

// Connection keeps at most one transport alive for one subject at a time.
//
// Every connect attempt and every Disconnect bumps a generation counter.
// Callbacks from timers, read loops and in-flight attempts carry the
// generation they were started under and are ignored once it is stale.
type Connection struct {
	cfg        Config
	negotiator Negotiator
	dialer     Dialer
	normalizer *frame.Normalizer
	sink       Publisher
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         types.ConnectionState
	gen           uint64
	conn          types.Conn
	readDone      chan struct{}
	stopBeat      chan struct{}
	reconnect     *time.Timer
	cancelAttempt context.CancelFunc
	observers     []func(types.ConnectionState)
	closed        bool
}

// New creates an idle connection. Nothing is dialed until Connect.
func New(cfg Config, negotiator Negotiator, dialer Dialer, sink Publisher, logger zerolog.Logger) *Connection {
	if cfg.Policy == nil {
		cfg.Policy = DefaultConfig().Policy
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		cfg:        cfg,
		negotiator: negotiator,
		dialer:     dialer,
		normalizer: &frame.Normalizer{},
		sink:       sink,
		logger:     logger.With().Str("component", "realtime").Logger(),
		ctx:        ctx,
		cancel:     cancel,
		state:      types.ConnectionState{Phase: types.PhaseIdle},
	}
}

// State returns a snapshot of the connection state.
func (c *Connection) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers an observer called after every state transition.
// Observers run outside the connection lock.
func (c *Connection) OnStateChange(cb func(types.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, cb)
}

// Connect negotiates and opens a transport for subjectID. It is a no-op
// while a connection is already connecting or open. Failures are recorded
// in the state and schedule a reconnect; the error is also returned.
func (c *Connection) Connect(ctx context.Context, subjectID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase == types.PhaseConnecting || c.state.Phase == types.PhaseOpen {
		c.mu.Unlock()
		c.logger.Debug().Str("subject_id", subjectID).Msg("connect skipped, already active")
		return nil
	}
	c.stopReconnectLocked()
	c.gen++
	gen := c.gen
	c.state.Phase = types.PhaseConnecting
	c.state.SubjectID = subjectID

	var attemptCtx context.Context
	var cancel context.CancelFunc
	if c.cfg.ConnectTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	c.cancelAttempt = cancel
	prevDone := c.readDone
	snap := c.state
	c.mu.Unlock()
	defer cancel()

	c.logger.Info().Str("subject_id", subjectID).Int("attempt", snap.Attempt).Msg("connecting")
	c.emit(snap)

	// The previous transport must report closed before a new one exists.
	if prevDone != nil {
		select {
		case <-prevDone:
		case <-attemptCtx.Done():
			return c.fail(gen, fmt.Errorf("previous transport still open: %w", attemptCtx.Err()))
		}
	}

	conn, err := c.establish(attemptCtx, subjectID)
	if err != nil {
		return c.fail(gen, err)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrAborted
	}
	now := time.Now()
	done := make(chan struct{})
	stop := make(chan struct{})
	c.cancelAttempt = nil
	c.conn = conn
	c.readDone = done
	c.stopBeat = stop
	c.state.Phase = types.PhaseOpen
	c.state.LastError = ""
	c.state.OpenedAt = now
	c.state.LastActivity = now
	c.state.Attempt = 0
	snap = c.state
	c.mu.Unlock()

	go c.readLoop(gen, conn, done)
	go c.heartbeat(gen, stop)

	c.logger.Info().Str("subject_id", subjectID).Msg("connection open")
	c.emit(snap)
	return nil
}

// establish negotiates and dials. It returns as soon as ctx expires even if
// the negotiator or dialer ignore it; a transport that arrives late is closed.
func (c *Connection) establish(ctx context.Context, subjectID string) (types.Conn, error) {
	type result struct {
		conn types.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		desc, err := c.negotiator.Negotiate(ctx, subjectID)
		if err != nil {
			ch <- result{err: err}
			return
		}
		conn, err := c.dialer.Dial(ctx, desc)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connect: %w", ctx.Err())
	}
}

// fail records a failed attempt of generation gen and schedules a retry.
func (c *Connection) fail(gen uint64, err error) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return err
	}
	c.cancelAttempt = nil
	c.state.Phase = types.PhaseClosed
	c.state.LastError = err.Error()
	c.scheduleReconnectLocked()
	snap := c.state
	c.mu.Unlock()

	c.logger.Warn().Err(err).Str("subject_id", snap.SubjectID).Msg("connect failed")
	c.emit(snap)
	return err
}

// Disconnect closes the transport with a normal-closure code, forgets the
// subject and cancels pending reconnects and attempts. It is safe in any
// phase and repeated calls have no further effect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopReconnectLocked()
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	c.stopHeartbeatLocked()

	if c.conn != nil {
		deadline := time.Now().Add(c.writeTimeout())
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent disconnect")
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug().Err(err).Msg("close frame not sent")
		}
		_ = c.conn.Close()
		c.conn = nil
	}

	changed := false
	if c.state.Phase == types.PhaseConnecting || c.state.Phase == types.PhaseOpen {
		c.state.Phase = types.PhaseClosed
		changed = true
	}
	if c.state.SubjectID != "" || c.state.LastError != "" || c.state.Attempt != 0 {
		c.state.SubjectID = ""
		c.state.LastError = ""
		c.state.Attempt = 0
		changed = true
	}
	snap := c.state
	c.mu.Unlock()

	if changed {
		c.logger.Info().Msg("disconnected")
		c.emit(snap)
	}
}

// Reconnect drops the current transport and connects again with the
// remembered subject. It does nothing when no subject is remembered.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	subject := c.state.SubjectID
	c.mu.Unlock()
	if subject == "" {
		return nil
	}
	c.Disconnect()
	return c.Connect(ctx, subject)
}

// Send writes a raw text frame. Nothing is queued while disconnected.
func (c *Connection) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != types.PhaseOpen || c.conn == nil {
		return ErrNotConnected
	}
	return c.writeLocked(websocket.TextMessage, []byte(text))
}

// Close disconnects and refuses further connects.
func (c *Connection) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

func (c *Connection) readLoop(gen uint64, conn types.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Connection) handleFrame(gen uint64, data []byte) {
	n, ok := c.normalizer.Normalize(data)
	if !ok {
		c.logger.Debug().Int("size", len(data)).Msg("frame dropped")
		return
	}

	c.mu.Lock()
	if c.gen != gen || c.state.Phase != types.PhaseOpen {
		c.mu.Unlock()
		return
	}
	c.state.LastActivity = time.Now()
	if n.Kind != types.KindPong {
		c.state.LastKind = n.Kind
	}
	c.mu.Unlock()

	if n.Kind == types.KindPong {
		c.logger.Debug().Msg("pong")
		return
	}
	c.sink.Publish(n)
}

func (c *Connection) handleClose(gen uint64, conn types.Conn, err error) {
	_ = conn.Close()
	code := closeCode(err)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.conn = nil
	c.state.Phase = types.PhaseClosed
	clean := isCleanClose(code)
	if !clean {
		c.state.LastError = err.Error()
		c.scheduleReconnectLocked()
	}
	snap := c.state
	c.mu.Unlock()

	if clean {
		c.logger.Info().Int("code", code).Msg("connection closed by server")
	} else {
		c.logger.Warn().Err(err).Int("code", code).Msg("connection lost")
	}
	c.emit(snap)
}

func (c *Connection) heartbeat(gen uint64, stop <-chan struct{}) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sendPing(gen)
		}
	}
}

// sendPing writes the heartbeat literal if generation gen is still open.
// A failed write closes the transport so the read loop reports it.
func (c *Connection) sendPing(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state.Phase != types.PhaseOpen || c.conn == nil {
		return
	}
	if err := c.writeLocked(websocket.TextMessage, []byte(frame.Ping)); err != nil {
		c.logger.Warn().Err(err).Msg("heartbeat failed")
		_ = c.conn.Close()
		return
	}
	c.logger.Debug().Msg("ping")
}

func (c *Connection) writeLocked(messageType int, data []byte) error {
	if d := c.cfg.WriteTimeout; d > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(d))
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Connection) writeTimeout() time.Duration {
	if c.cfg.WriteTimeout > 0 {
		return c.cfg.WriteTimeout
	}
	return time.Second
}

// scheduleReconnectLocked arms exactly one reconnect timer for the current
// subject, replacing any pending one.
func (c *Connection) scheduleReconnectLocked() {
	subject := c.state.SubjectID
	if subject == "" || c.closed {
		return
	}
	delay, ok := c.cfg.Policy.Next(c.state.Attempt)
	if !ok {
		c.logger.Error().Int("attempts", c.state.Attempt).Msg("reconnect attempts exhausted")
		return
	}
	c.stopReconnectLocked()
	c.state.Attempt++
	gen := c.gen
	c.reconnect = time.AfterFunc(delay, func() { c.fireReconnect(gen, subject) })
	c.logger.Info().Dur("delay", delay).Int("attempt", c.state.Attempt).Msg("reconnect scheduled")
}

func (c *Connection) fireReconnect(gen uint64, subject string) {
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.mu.Unlock()

	if err := c.Connect(c.ctx, subject); err != nil {
		c.logger.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

func (c *Connection) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

func (c *Connection) stopHeartbeatLocked() {
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
}

func (c *Connection) emit(s types.ConnectionState) {
	c.mu.Lock()
	observers := make([]func(types.ConnectionState), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, cb := range observers {
		cb(s)
	}
}
