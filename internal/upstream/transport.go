package upstream

import (
	"context"
	"encoding/json"
)

// Lifecycle events delivered as frames alongside telemetry.
const (
	// EventConnected is the server's explicit confirmation that the session
	// namespace is ready for commands.
	EventConnected = "connected"
	// EventDisconnect is reported when the server leaves the namespace.
	EventDisconnect = "disconnect"
)

// Wire event names.
const (
	eventTwist     = "twist_command"
	eventNavigate  = "navigate_cmd"
	eventPose      = "robot_pose"
	eventLaserScan = "laser_scan"
	eventBattery   = "battery"
)

// Frame is one inbound event from the relay endpoint.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Dialer opens a transport-level link to a session namespace.
type Dialer interface {
	Dial(ctx context.Context, baseURL, namespace string, auth any) (Conn, error)
}

// Conn is an open link. Emit must be safe for concurrent use; Receive is only
// called from one goroutine at a time.
type Conn interface {
	// Emit sends a named event without waiting for acknowledgement.
	Emit(event string, data any) error

	// Receive blocks until the next inbound event. It returns an error once
	// the link is gone; the error is final.
	Receive() (Frame, error)

	// Close tears the link down. Safe to call more than once.
	Close() error
}
