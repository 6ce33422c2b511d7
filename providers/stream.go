package providers

import (
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/kefu-console/realtime/src/frame"
	"github.com/kefu-console/realtime/src/types"
	"github.com/valyala/fasthttp"
)

const streamBuffer = 256

var errStreamFull = errors.New("stream buffer full")

// streamFrame is the shape local UIs receive, matching the envelope the
// message server sends: type, conversationId, timestamp and data.
type streamFrame struct {
	Type           string                `json:"type"`
	ConversationID int64                 `json:"conversationId"`
	Timestamp      string                `json:"timestamp"`
	Payload        *types.MessagePayload `json:"payload,omitempty"`
	Data           any                   `json:"data,omitempty"`
}

func toStreamFrame(n types.Notification) streamFrame {
	return streamFrame{
		Type:           n.Kind,
		ConversationID: n.ConversationID,
		Timestamp:      n.Timestamp(),
		Payload:        n.Payload,
		Data:           n.Data,
	}
}

// streamClient relays hub notifications to one local WebSocket.
type streamClient struct {
	id           string
	conn         *websocket.Conn
	send         chan types.Notification
	done         chan struct{}
	once         sync.Once
	writeTimeout time.Duration
}

func newStreamClient(conn *websocket.Conn, writeTimeout time.Duration) *streamClient {
	return &streamClient{
		id:           uuid.New().String(),
		conn:         conn,
		send:         make(chan types.Notification, streamBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// enqueue is the hub handler. A slow client loses notifications rather
// than stalling delivery to everyone else.
func (c *streamClient) enqueue(n types.Notification) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	select {
	case c.send <- n:
		return nil
	default:
		return errStreamFull
	}
}

// readPump answers "ping" with "pong" and returns when the client goes away.
func (c *streamClient) readPump() {
	defer c.close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == frame.Ping {
			select {
			case c.send <- types.Notification{Kind: types.KindPong}:
			default:
			}
		}
	}
}

// writePump writes queued notifications until the client closes.
func (c *streamClient) writePump() {
	defer c.conn.Close()
	for {
		select {
		case n := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			var err error
			if n.Kind == types.KindPong {
				err = c.conn.WriteMessage(websocket.TextMessage, []byte(frame.Pong))
			} else {
				err = c.conn.WriteJSON(toStreamFrame(n))
			}
			if err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}

func (p *Console) streamHandler() fasthttp.RequestHandler {
	upgrader := websocket.FastHTTPUpgrader{
		ReadBufferSize:  p.cfg.Socket.ReadBufferSize,
		WriteBufferSize: p.cfg.Socket.WriteBufferSize,
	}
	return func(ctx *fasthttp.RequestCtx) {
		if !websocket.FastHTTPIsWebSocketUpgrade(ctx) {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetContentType("application/json")
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			client := newStreamClient(conn, p.cfg.Socket.WriteTimeout)
			unsubscribe := p.hub.Subscribe("stream:"+client.id, client.enqueue)
			defer unsubscribe()

			p.logger.Info().Str("stream_id", client.id).Msg("stream client connected")
			go client.writePump()
			client.readPump()
			p.logger.Info().Str("stream_id", client.id).Msg("stream client disconnected")
		})
		if err != nil {
			p.logger.Error().Err(err).Msg("stream upgrade failed")
		}
	}
}
