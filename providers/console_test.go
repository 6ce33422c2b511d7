package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/kefu-console/realtime/config"
	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// stubConn blocks reads until closed.
type stubConn struct {
	mu      sync.Mutex
	written []string
	closed  chan struct{}
	once    sync.Once
}

func newStubConn() *stubConn { return &stubConn{closed: make(chan struct{})} }

func (c *stubConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *stubConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *stubConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *stubConn) SetWriteDeadline(time.Time) error          { return nil }

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stubConn) getWritten() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
}

func (d *stubDialer) Dial(context.Context, types.ConnectionDescriptor) (types.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newStubConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stubDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *stubDialer) last() *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type stubNegotiator struct{}

func (stubNegotiator) Negotiate(_ context.Context, subjectID string) (types.ConnectionDescriptor, error) {
	return types.ConnectionDescriptor{
		EndpointURL: "ws://chat.test/socket?token=t",
		AuthToken:   "t",
		SubjectID:   subjectID,
		SubjectRole: types.RoleAgent,
	}, nil
}

func newTestConsole(t *testing.T) (*Console, *stubDialer) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.UserID = "5"
	cfg.Socket.HeartbeatInterval = 0
	cfg.Socket.WriteTimeout = time.Second
	cfg.Realtime.ReconnectDelay = time.Hour

	p := NewConsole(cfg, zerolog.Nop())
	d := &stubDialer{}
	p.wire(stubNegotiator{}, d)
	t.Cleanup(func() { _ = p.Deactivate() })
	return p, d
}

func doJSON(t *testing.T, p *Console, method, path, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func TestRealtimeConfigMapping(t *testing.T) {
	cfg := config.DefaultConfig()
	rc := RealtimeConfig(cfg)
	assert.Equal(t, 30*time.Second, rc.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, rc.ConnectTimeout)
	assert.Equal(t, 10*time.Second, rc.WriteTimeout)

	d, ok := rc.Policy.Next(100)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestInfoRoute(t *testing.T) {
	p, _ := newTestConsole(t)

	status, body := doJSON(t, p, http.MethodGet, "/realtime/info", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["live"])
	assert.Equal(t, StreamPath, body["stream"])
	assert.Equal(t, float64(1), body["subscribers"], "the inbox is subscribed")
	state := body["state"].(map[string]any)
	assert.Equal(t, "idle", state["phase"])
}

func TestConnectionControlRoutes(t *testing.T) {
	p, d := newTestConsole(t)

	status, body := doJSON(t, p, http.MethodPost, "/realtime/reconnect", "")
	require.Equal(t, http.StatusOK, status)
	state := body["state"].(map[string]any)
	assert.Equal(t, "open", state["phase"])
	assert.Equal(t, "5", state["subjectId"])
	assert.Equal(t, 1, d.count())

	status, _ = doJSON(t, p, http.MethodPost, "/realtime/reconnect", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, d.count())

	status, body = doJSON(t, p, http.MethodPost, "/realtime/disconnect", "")
	require.Equal(t, http.StatusOK, status)
	state = body["state"].(map[string]any)
	assert.Equal(t, "closed", state["phase"])

	status, body = doJSON(t, p, http.MethodPost, "/realtime/connect?agent=9", "")
	require.Equal(t, http.StatusOK, status)
	state = body["state"].(map[string]any)
	assert.Equal(t, "9", state["subjectId"])
}

func TestSubscribersRoute(t *testing.T) {
	p, _ := newTestConsole(t)
	unsubscribe := p.service.Subscribe("audit", func(types.Notification) error { return nil })
	defer unsubscribe()

	status, body := doJSON(t, p, http.MethodGet, "/realtime/subscribers", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["count"])
}

func TestInboxRoutes(t *testing.T) {
	p, _ := newTestConsole(t)

	status, body := doJSON(t, p, http.MethodPut, "/inbox/conversations",
		`[{"id":1,"roomNumber":"301","guestName":"Zhang","verified":true},{"id":3,"roomNumber":"408","guestName":"Smith"}]`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["loaded"])

	p.hub.Publish(types.Notification{
		Kind:           types.KindMessageCreated,
		ConversationID: 3,
		Payload:        &types.MessagePayload{ID: 1, Content: "wifi?", CreatedAtEpochSeconds: time.Now().Unix()},
	})

	status, body = doJSON(t, p, http.MethodGet, "/inbox/conversations", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["verified"])
	assert.Equal(t, float64(1), body["unverified"])
	rows := body["conversations"].([]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "wifi?", rows[1].(map[string]any)["lastMessage"])

	status, body = doJSON(t, p, http.MethodPost, "/inbox/conversations/3/verify", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["verified"])
	assert.Equal(t, "active", body["status"])

	status, _ = doJSON(t, p, http.MethodPost, "/inbox/conversations/3/archive", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = doJSON(t, p, http.MethodPost, "/inbox/conversations/abc/verify", "")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = doJSON(t, p, http.MethodPost, "/inbox/conversations/99/resolve", "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = doJSON(t, p, http.MethodPut, "/inbox/conversations", `{"not":"a list"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestActionRoutes(t *testing.T) {
	p, d := newTestConsole(t)

	status, body := doJSON(t, p, http.MethodPost, "/actions/realtime_state", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "idle", body["phase"])

	status, _ = doJSON(t, p, http.MethodPost, "/actions/send_frame", `{"text":"hello"}`)
	assert.Equal(t, http.StatusConflict, status)

	require.NoError(t, p.service.Connect(context.Background(), "5"))
	status, _ = doJSON(t, p, http.MethodPost, "/actions/send_frame", `{"text":"hello"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"hello"}, d.last().getWritten())

	status, _ = doJSON(t, p, http.MethodPost, "/actions/send_frame", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	p.inbox.Load(nil)
	status, _ = doJSON(t, p, http.MethodPost, "/actions/record_sent", `{"conversationId":1,"content":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = doJSON(t, p, http.MethodPost, "/actions/list_subscribers", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])

	status, _ = doJSON(t, p, http.MethodPost, "/actions/nope", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStreamRequiresUpgrade(t *testing.T) {
	p, _ := newTestConsole(t)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI(StreamPath)
	p.Handler()(&ctx)
	assert.Equal(t, fasthttp.StatusUpgradeRequired, ctx.Response.StatusCode())
}

func TestStreamRelaysNotifications(t *testing.T) {
	p, _ := newTestConsole(t)

	ln := fasthttputil.NewInmemoryListener()
	server := &fasthttp.Server{Handler: p.Handler()}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	dialer := websocket.Dialer{
		NetDial: func(_, _ string) (net.Conn, error) { return ln.Dial() },
	}
	conn, _, err := dialer.Dial("ws://console.local"+StreamPath, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The inbox plus the stream client.
	require.Eventually(t, func() bool { return p.hub.SubscriberCount() == 2 }, time.Second, 5*time.Millisecond)

	p.hub.Publish(types.Notification{
		Kind:           types.KindMessageCreated,
		ConversationID: 42,
		OccurredAt:     time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC),
		Payload:        &types.MessagePayload{ID: 7, Content: "hi", Direction: types.FromGuest},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "message_created", got["type"])
	assert.Equal(t, float64(42), got["conversationId"])
	assert.Equal(t, "2023-11-14T22:13:20.000Z", got["timestamp"])
	payload := got["payload"].(map[string]any)
	assert.Equal(t, "fromGuest", payload["direction"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return p.hub.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMirrorSourceFollowsConnectedAgent(t *testing.T) {
	p, _ := newTestConsole(t)
	assert.Equal(t, "5", p.mirrorSource())

	require.NoError(t, p.service.Connect(context.Background(), "9"))
	assert.Equal(t, "9", p.mirrorSource())
}

func TestRequestContextIsDetached(t *testing.T) {
	p, _ := newTestConsole(t)
	p.cfg.Realtime.ConnectTimeout = 2 * time.Second

	ctx, cancel := p.requestContext()
	defer cancel()
	_, isRequest := ctx.(*fasthttp.RequestCtx)
	assert.False(t, isRequest)
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(2*time.Second), deadline, 500*time.Millisecond)

	p.cfg.Realtime.ConnectTimeout = 0
	ctx2, cancel2 := p.requestContext()
	defer cancel2()
	deadline, ok = ctx2.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(routeTimeout), deadline, 500*time.Millisecond)
}

// ctxNegotiator records the context each negotiation runs under.
type ctxNegotiator struct {
	stubNegotiator
	mu   sync.Mutex
	ctxs []context.Context
}

func (n *ctxNegotiator) Negotiate(ctx context.Context, subjectID string) (types.ConnectionDescriptor, error) {
	n.mu.Lock()
	n.ctxs = append(n.ctxs, ctx)
	n.mu.Unlock()
	return n.stubNegotiator.Negotiate(ctx, subjectID)
}

func TestConnectRouteUsesBoundedContext(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.UserID = "5"
	cfg.Socket.HeartbeatInterval = 0
	cfg.Realtime.ReconnectDelay = time.Hour
	cfg.Realtime.ConnectTimeout = 3 * time.Second

	p := NewConsole(cfg, zerolog.Nop())
	neg := &ctxNegotiator{}
	p.wire(neg, &stubDialer{})
	t.Cleanup(func() { _ = p.Deactivate() })

	status, _ := doJSON(t, p, http.MethodPost, "/realtime/connect", "")
	require.Equal(t, http.StatusOK, status)

	neg.mu.Lock()
	defer neg.mu.Unlock()
	require.Len(t, neg.ctxs, 1)
	deadline, ok := neg.ctxs[0].Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(3*time.Second), deadline, time.Second)
}
