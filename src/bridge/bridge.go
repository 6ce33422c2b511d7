// Package bridge mirrors a console's published notifications to Redis so
// the tail command can watch them. Consoles only write to the mirror.
package bridge

import "github.com/kefu-console/realtime/src/types"

// Bridge defines the interface for cross-process notification mirroring.
type Bridge interface {
	// Publish sends a notification to every other process on the bridge.
	Publish(n types.Notification) error

	// Start connects the bridge for publishing.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// BroadcastTarget receives mirrored notifications on a following bridge.
// The tail command's Hub implements it.
type BroadcastTarget interface {
	PublishLocal(n types.Notification)
}
