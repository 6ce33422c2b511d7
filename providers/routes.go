package providers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/kefu-console/realtime/src/realtime"
	"github.com/kefu-console/realtime/src/viewmodel"
	"github.com/valyala/fasthttp"
)

// StreamPath is where local UIs open the notification stream.
const StreamPath = "/realtime/stream"

// routeTimeout bounds route work when no connect timeout is configured.
const routeTimeout = 30 * time.Second

func (p *Console) newApp() *fiber.App {
	app := fiber.New(fiber.Config{AppName: "kefu-console"})
	p.RegisterRoutes(app)
	return app
}

// RegisterRoutes registers the status and control routes via Fiber.
// The stream upgrade is served by Handler, since it needs the raw
// *fasthttp.RequestCtx.
func (p *Console) RegisterRoutes(group fiber.Router) {
	group.Get("/realtime/info", p.handleInfo)
	group.Post("/realtime/connect", p.handleConnect)
	group.Post("/realtime/reconnect", p.handleReconnect)
	group.Post("/realtime/disconnect", p.handleDisconnect)
	group.Get("/realtime/subscribers", p.handleSubscribers)

	group.Get("/inbox/conversations", p.handleInbox)
	group.Put("/inbox/conversations", p.handleInboxLoad)
	group.Post("/inbox/conversations/:id/:action", p.handleInboxAction)

	group.Post("/actions/:name", p.handleAction)
}

// Handler returns the fasthttp handler for the status server: the stream
// upgrade at StreamPath and the Fiber app for everything else.
func (p *Console) Handler() fasthttp.RequestHandler {
	app := p.app.Handler()
	stream := p.streamHandler()
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == StreamPath {
			stream(ctx)
			return
		}
		app(ctx)
	}
}

// requestContext is the parent for work a route starts. It is rooted in
// Background: the pooled *fasthttp.RequestCtx must not be kept after the
// handler returns.
func (p *Console) requestContext() (context.Context, context.CancelFunc) {
	timeout := p.cfg.Realtime.ConnectTimeout
	if timeout <= 0 {
		timeout = routeTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (p *Console) handleInfo(c fiber.Ctx) error {
	st := p.service.State()
	return c.JSON(fiber.Map{
		"live":        st.Phase.Live(),
		"state":       st,
		"stream":      StreamPath,
		"subscribers": p.hub.SubscriberCount(),
		"mirror":      p.hub.BridgeAvailable(),
	})
}

func (p *Console) handleConnect(c fiber.Ctx) error {
	agent := c.Query("agent", p.cfg.Agent.UserID)
	ctx, cancel := p.requestContext()
	defer cancel()
	if err := p.service.Connect(ctx, agent); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
			"state": p.service.State(),
		})
	}
	return c.JSON(fiber.Map{"state": p.service.State()})
}

func (p *Console) handleReconnect(c fiber.Ctx) error {
	ctx, cancel := p.requestContext()
	defer cancel()

	var err error
	if p.service.State().SubjectID == "" {
		err = p.service.Connect(ctx, p.cfg.Agent.UserID)
	} else {
		err = p.service.Reconnect(ctx)
	}
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
			"state": p.service.State(),
		})
	}
	return c.JSON(fiber.Map{"state": p.service.State()})
}

func (p *Console) handleDisconnect(c fiber.Ctx) error {
	p.service.Disconnect()
	return c.JSON(fiber.Map{"state": p.service.State()})
}

func (p *Console) handleSubscribers(c fiber.Ctx) error {
	subs := p.service.Subscribers()
	return c.JSON(fiber.Map{"subscribers": subs, "count": len(subs)})
}

func (p *Console) handleInbox(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"conversations": p.inbox.Conversations(),
		"verified":      p.inbox.QueueCount(true),
		"unverified":    p.inbox.QueueCount(false),
	})
}

func (p *Console) handleInboxLoad(c fiber.Ctx) error {
	var rows []viewmodel.Conversation
	if err := c.Bind().JSON(&rows); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid conversation list")
	}
	p.inbox.Load(rows)
	return c.JSON(fiber.Map{"loaded": len(rows)})
}

func (p *Console) handleInboxAction(c fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid conversation id")
	}

	var (
		row viewmodel.Conversation
		ok  bool
	)
	switch c.Params("action") {
	case "verify":
		row, ok = p.inbox.Verify(id)
	case "reject":
		row, ok = p.inbox.Reject(id)
	case "resolve":
		row, ok = p.inbox.Resolve(id)
	default:
		return fiber.NewError(fiber.StatusNotFound, "unknown action")
	}
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "conversation not loaded")
	}
	return c.JSON(row)
}

func (p *Console) handleAction(c fiber.Ctx) error {
	action, ok := p.action(c.Params("name"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown action")
	}
	input := map[string]any{}
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&input); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid input")
		}
	}
	ctx, cancel := p.requestContext()
	defer cancel()
	out, err := action.Handler(ctx, input)
	if err != nil {
		status := fiber.StatusBadRequest
		if errors.Is(err, realtime.ErrNotConnected) {
			status = fiber.StatusConflict
		}
		return c.Status(status).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(out)
}
