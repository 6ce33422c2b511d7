package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/kefu-console/realtime/src/types"
)

var _ types.Conn = (*websocket.Conn)(nil)

// Dialer opens the transport for a negotiated endpoint.
type Dialer interface {
	Dial(ctx context.Context, desc types.ConnectionDescriptor) (types.Conn, error)
}

// WebsocketDialer dials with fasthttp/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
	header http.Header
}

// NewWebsocketDialer creates a dialer with the given buffer sizes.
func NewWebsocketDialer(readBuffer, writeBuffer int, handshakeTimeout time.Duration) *WebsocketDialer {
	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   readBuffer,
			WriteBufferSize:  writeBuffer,
		},
		header: http.Header{},
	}
}

// Dial opens desc.EndpointURL. The token already travels in the URL; it is
// also sent as a bearer header for servers that read it there.
func (d *WebsocketDialer) Dial(ctx context.Context, desc types.ConnectionDescriptor) (types.Conn, error) {
	header := d.header.Clone()
	if desc.AuthToken != "" {
		header.Set("Authorization", "Bearer "+desc.AuthToken)
	}
	conn, resp, err := d.dialer.DialContext(ctx, desc.EndpointURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("dial: handshake rejected: %s", resp.Status)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

// closeCode extracts the WebSocket close code from a read error. Errors that
// are not close frames count as abnormal closure.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

// isCleanClose reports whether code marks a deliberate disconnect.
func isCleanClose(code int) bool {
	return code == websocket.CloseNormalClosure
}
