package providers

import (
	"context"
	"fmt"
	"net"

	"github.com/gofiber/fiber/v3"
	"github.com/kefu-console/realtime/config"
	"github.com/kefu-console/realtime/src/bridge"
	"github.com/kefu-console/realtime/src/hub"
	"github.com/kefu-console/realtime/src/negotiate"
	"github.com/kefu-console/realtime/src/realtime"
	"github.com/kefu-console/realtime/src/service"
	"github.com/kefu-console/realtime/src/types"
	"github.com/kefu-console/realtime/src/viewmodel"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

// Console wires the realtime layer for one agent process: hub, connection,
// service, inbox, the optional Redis mirror and the local status server.
type Console struct {
	active bool
	cfg    *config.Config
	logger zerolog.Logger

	hub        *hub.Hub
	negotiator *negotiate.Client
	conn       *realtime.Connection
	service    *service.Service
	inbox      *viewmodel.InboxView
	bridge     bridge.Bridge

	app      *fiber.App
	server   *fasthttp.Server
	listener net.Listener
}

// NewConsole creates an inactive console.
func NewConsole(cfg *config.Config, logger zerolog.Logger) *Console {
	return &Console{cfg: cfg, logger: logger}
}

func (p *Console) ID() string      { return "kefu/realtime" }
func (p *Console) Name() string    { return "Realtime console" }
func (p *Console) Version() string { return Version }
func (p *Console) IsActive() bool  { return p.active }

// Version is set at build time.
var Version = "0.1.0"

// RealtimeConfig maps the loaded configuration onto the connection settings.
func RealtimeConfig(cfg *config.Config) realtime.Config {
	return realtime.Config{
		HeartbeatInterval: cfg.Socket.HeartbeatInterval,
		ConnectTimeout:    cfg.Realtime.ConnectTimeout,
		WriteTimeout:      cfg.Socket.WriteTimeout,
		Policy: realtime.PolicyFor(
			cfg.Realtime.ReconnectPolicy,
			cfg.Realtime.ReconnectDelay,
			cfg.Realtime.ReconnectMaxDelay,
			cfg.Realtime.MaxAttempts,
		),
	}
}

// Activate builds the realtime layer, starts the mirror and the status
// server, then connects the configured agent. A failed first connect is not
// fatal; the connection keeps retrying on its own.
func (p *Console) Activate(ctx context.Context) error {
	p.negotiator = negotiate.New(p.cfg.Negotiate.BaseURL, p.logger,
		negotiate.WithConnectPath(p.cfg.Negotiate.ConnectPath),
		negotiate.WithTimeout(p.cfg.Negotiate.Timeout),
	)
	dialer := realtime.NewWebsocketDialer(
		p.cfg.Socket.ReadBufferSize,
		p.cfg.Socket.WriteBufferSize,
		p.cfg.Socket.HandshakeTimeout,
	)
	p.wire(p.negotiator, dialer)

	// Attempt Redis bridge connection (non-fatal if unavailable).
	if p.cfg.Redis.Enabled {
		p.initBridge()
	}

	if p.cfg.Status.Enabled {
		if err := p.startStatusServer(); err != nil {
			p.conn.Close()
			return err
		}
	}

	p.active = true
	p.logger.Info().Str("console", p.ID()).Str("agent_id", p.cfg.Agent.UserID).Msg("console activated")

	if err := p.service.Connect(ctx, p.cfg.Agent.UserID); err != nil {
		p.logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}
	return nil
}

// wire builds the in-process components around a negotiator and dialer.
func (p *Console) wire(negotiator realtime.Negotiator, dialer realtime.Dialer) {
	p.hub = hub.New(p.logger)
	p.conn = realtime.New(RealtimeConfig(p.cfg), negotiator, dialer, p.hub, p.logger)
	p.service = service.New(p.hub, p.conn, p.logger)
	p.inbox = viewmodel.NewInboxView(p.logger)
	p.inbox.Attach(p.hub)
	p.app = p.newApp()

	p.conn.OnStateChange(func(s types.ConnectionState) {
		ev := p.logger.Debug()
		if s.LastError != "" {
			ev = p.logger.Warn().Str("last_error", s.LastError)
		}
		ev.Str("phase", string(s.Phase)).Int("attempt", s.Attempt).Msg("connection state")
	})
}

// initBridge tries to start the Redis mirror in publish-only mode.
// If Redis is not reachable, the console runs standalone.
func (p *Console) initBridge() {
	cfg := p.cfg.Redis.Bridge()
	rb := bridge.NewRedisBridge(cfg, p.logger, bridge.WithSource(p.mirrorSource))

	if err := rb.Start(); err != nil {
		p.logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		return
	}

	p.bridge = rb
	p.hub.SetBridge(rb)
	p.logger.Info().Str("redis_addr", cfg.Addr).Str("channel", cfg.Channel()).Msg("redis bridge connected")
}

// mirrorSource names the agent whose socket fed the mirrored notification.
func (p *Console) mirrorSource() string {
	if subject := p.conn.State().SubjectID; subject != "" {
		return subject
	}
	return p.cfg.Agent.UserID
}

func (p *Console) startStatusServer() error {
	ln, err := net.Listen("tcp", p.cfg.Status.Addr)
	if err != nil {
		return fmt.Errorf("status server: %w", err)
	}
	p.listener = ln
	p.server = &fasthttp.Server{
		Handler: p.Handler(),
		Name:    "kefu-console",
	}
	go func() {
		if err := p.server.Serve(ln); err != nil {
			p.logger.Error().Err(err).Msg("status server stopped")
		}
	}()
	p.logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	return nil
}

// Deactivate disconnects the agent and stops the status server and bridge.
func (p *Console) Deactivate() error {
	if p.service != nil {
		p.service.Close()
	}
	if p.inbox != nil {
		p.inbox.Detach()
	}
	if p.server != nil {
		if err := p.server.Shutdown(); err != nil {
			p.logger.Error().Err(err).Msg("status server shutdown error")
		}
		p.server = nil
	}
	if p.bridge != nil {
		if err := p.bridge.Stop(); err != nil {
			p.logger.Error().Err(err).Msg("bridge stop error")
		}
		p.bridge = nil
	}
	p.active = false
	return nil
}

// Service exposes the realtime service for dependency injection.
func (p *Console) Service() *service.Service { return p.service }

// Inbox exposes the inbox view.
func (p *Console) Inbox() *viewmodel.InboxView { return p.inbox }

// Negotiator exposes the negotiation client.
func (p *Console) Negotiator() *negotiate.Client { return p.negotiator }
