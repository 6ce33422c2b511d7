// Package negotiate resolves a per-agent WebSocket endpoint before the
// realtime connection opens its socket.
package negotiate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kefu-console/realtime/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Default request paths on the negotiation server.
const (
	DefaultConnectPath = "/api/websocket/connect/agent"
	DefaultStatusPath  = "/api/websocket/status/"
	DefaultStatsPath   = "/api/websocket/stats"
)

// NegotiationError reports a failed negotiation call. Status is the HTTP
// status when one was received.
type NegotiationError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *NegotiationError) Error() string {
	var b strings.Builder
	b.WriteString("negotiate ")
	b.WriteString(e.Op)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": http %d", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// connectResponse is the JSON body returned by the connect endpoint.
type connectResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	WsURL    string `json:"wsUrl"`
	WsToken  string `json:"wsToken"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

// Client calls the negotiation server. It never retries.
type Client struct {
	baseURL     string
	connectPath string
	timeout     time.Duration
	http        *fasthttp.Client
	logger      zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying fasthttp client.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithConnectPath overrides the connect endpoint path.
func WithConnectPath(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.connectPath = path
		}
	}
}

// WithTimeout bounds each request when the context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a negotiation client for baseURL.
func New(baseURL string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		connectPath: DefaultConnectPath,
		timeout:     10 * time.Second,
		http:        &fasthttp.Client{Name: "kefu-console"},
		logger:      logger.With().Str("component", "negotiate").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Negotiate asks the server for a socket endpoint for subjectID.
func (c *Client) Negotiate(ctx context.Context, subjectID string) (types.ConnectionDescriptor, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.Set("userId", subjectID)

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(c.baseURL + c.connectPath)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBody(args.QueryString())

	var body connectResponse
	if err := c.do(ctx, "connect", req, &body); err != nil {
		return types.ConnectionDescriptor{}, err
	}
	if !body.Success {
		msg := body.Message
		if msg == "" {
			msg = "server reported failure"
		}
		return types.ConnectionDescriptor{}, &NegotiationError{Op: "connect", Message: msg}
	}
	if body.WsURL == "" {
		return types.ConnectionDescriptor{}, &NegotiationError{Op: "connect", Message: "empty wsUrl"}
	}

	desc := types.ConnectionDescriptor{
		EndpointURL: body.WsURL,
		AuthToken:   body.WsToken,
		SubjectID:   body.UserID,
		SubjectRole: types.RoleAgent,
	}
	if desc.SubjectID == "" {
		desc.SubjectID = subjectID
	}
	if body.UserType != "" {
		desc.SubjectRole = types.SubjectRole(body.UserType)
	}

	c.logger.Debug().Str("subject_id", desc.SubjectID).Msg("negotiated endpoint")
	return desc, nil
}

// AgentStatus reports the server's view of an agent's presence.
func (c *Client) AgentStatus(ctx context.Context, userID string) (map[string]any, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(c.baseURL + DefaultStatusPath + userID)
	req.Header.SetMethod(fasthttp.MethodGet)

	out := map[string]any{}
	if err := c.do(ctx, "status", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OnlineStats returns the server's online statistics.
func (c *Client) OnlineStats(ctx context.Context) (map[string]any, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(c.baseURL + DefaultStatsPath)
	req.Header.SetMethod(fasthttp.MethodGet)

	out := map[string]any{}
	if err := c.do(ctx, "stats", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// do executes req and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, op string, req *fasthttp.Request, out any) error {
	if err := ctx.Err(); err != nil {
		return &NegotiationError{Op: op, Err: err}
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		c.logger.Warn().Err(err).Str("op", op).Msg("negotiation request failed")
		return &NegotiationError{Op: op, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &NegotiationError{Op: op, Err: err}
	}

	status := resp.StatusCode()
	if status < 200 || status >= 300 {
		return &NegotiationError{Op: op, Status: status, Message: strings.TrimSpace(string(resp.Body()))}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &NegotiationError{Op: op, Status: status, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
