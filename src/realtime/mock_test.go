package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
)

// mockConn implements types.Conn for testing without a real WebSocket.
type mockConn struct {
	mu          sync.Mutex
	written     []string
	closeFrames [][]byte
	readCh      chan []byte
	errCh       chan error
	closed      bool
	closedCh    chan struct{}
	// stubborn conns keep blocking reads after Close until errCh fires.
	stubborn bool
}

func newMockConn(stubborn bool) *mockConn {
	return &mockConn{
		readCh:   make(chan []byte, 16),
		errCh:    make(chan error, 1),
		closedCh: make(chan struct{}),
		stubborn: stubborn,
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	closed := m.closedCh
	if m.stubborn {
		closed = nil
	}
	select {
	case data := <-m.readCh:
		return websocket.TextMessage, data, nil
	case err := <-m.errCh:
		return 0, nil, err
	case <-closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (m *mockConn) WriteMessage(_ int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, string(data))
	if m.closed {
		return errors.New("write on closed connection")
	}
	return nil
}

func (m *mockConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageType == websocket.CloseMessage {
		m.closeFrames = append(m.closeFrames, data)
	}
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) getWritten() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]string, len(m.written))
	copy(cp, m.written)
	return cp
}

func (m *mockConn) pings() int {
	n := 0
	for _, w := range m.getWritten() {
		if w == "ping" {
			n++
		}
	}
	return n
}

func (m *mockConn) getCloseFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.closeFrames...)
}

// mockDialer hands out a fresh mockConn per Dial.
type mockDialer struct {
	mu       sync.Mutex
	conns    []*mockConn
	descs    []types.ConnectionDescriptor
	stubborn bool
	err      error
}

func (d *mockDialer) Dial(_ context.Context, desc types.ConnectionDescriptor) (types.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newMockConn(d.stubborn)
	d.conns = append(d.conns, c)
	d.descs = append(d.descs, desc)
	return c, nil
}

func (d *mockDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *mockDialer) conn(i int) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *mockDialer) last() *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

// mockNegotiator records subjects and can fail or block on demand.
type mockNegotiator struct {
	mu       sync.Mutex
	subjects []string
	err      error
	// block, when set, holds Negotiate until it is closed.
	block chan struct{}
	// ignoreCtx makes a blocked Negotiate deaf to cancellation.
	ignoreCtx bool
	entered   chan struct{}
}

func (n *mockNegotiator) Negotiate(ctx context.Context, subjectID string) (types.ConnectionDescriptor, error) {
	n.mu.Lock()
	n.subjects = append(n.subjects, subjectID)
	block, ignore, entered := n.block, n.ignoreCtx, n.entered
	n.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		if ignore {
			<-block
		} else {
			select {
			case <-block:
			case <-ctx.Done():
				return types.ConnectionDescriptor{}, ctx.Err()
			}
		}
	}

	n.mu.Lock()
	err := n.err
	n.mu.Unlock()
	if err != nil {
		return types.ConnectionDescriptor{}, err
	}
	return types.ConnectionDescriptor{
		EndpointURL: "ws://chat.test/socket?token=abc",
		AuthToken:   "abc",
		SubjectID:   subjectID,
		SubjectRole: types.RoleAgent,
	}, nil
}

func (n *mockNegotiator) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *mockNegotiator) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.subjects...)
}

// recordingSink collects published notifications.
type recordingSink struct {
	mu  sync.Mutex
	got []types.Notification
}

func (s *recordingSink) Publish(n types.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
}

func (s *recordingSink) all() []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Notification(nil), s.got...)
}

func testConfig() Config {
	return Config{
		ConnectTimeout: time.Second,
		WriteTimeout:   100 * time.Millisecond,
		Policy:         FixedPolicy{Delay: 20 * time.Millisecond},
	}
}

type fixture struct {
	conn *Connection
	neg  *mockNegotiator
	dial *mockDialer
	sink *recordingSink
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		neg:  &mockNegotiator{},
		dial: &mockDialer{},
		sink: &recordingSink{},
	}
	f.conn = New(cfg, f.neg, f.dial, f.sink, zerolog.Nop())
	t.Cleanup(f.conn.Close)
	return f
}
