package providers

import (
	"github.com/kefu-console/realtime/src/bridge"
	"github.com/kefu-console/realtime/src/hub"
	"github.com/kefu-console/realtime/src/negotiate"
	"github.com/kefu-console/realtime/src/realtime"
	"github.com/kefu-console/realtime/src/service"
	"github.com/kefu-console/realtime/src/viewmodel"
)

// Compile-time interface assertions.
var (
	_ realtime.Negotiator    = (*negotiate.Client)(nil)
	_ realtime.Dialer        = (*realtime.WebsocketDialer)(nil)
	_ realtime.Publisher     = (*hub.Hub)(nil)
	_ service.Connection     = (*realtime.Connection)(nil)
	_ viewmodel.Subscriber   = (*hub.Hub)(nil)
	_ hub.MessageBridge      = (*bridge.RedisBridge)(nil)
	_ bridge.Bridge          = (*bridge.RedisBridge)(nil)
	_ bridge.BroadcastTarget = (*hub.Hub)(nil)
)
