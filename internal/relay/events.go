// Package relay connects browser clients to the robot backend: the Router
// applies browser commands, the Registry tracks attached browsers and the
// Fanout broadcasts robot telemetry to them.
package relay

import (
	"errors"
	"time"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
)

// Outbound event types.
const (
	TypeStatus      = "status"
	TypeCommandSent = "command_sent"
	TypeError       = "error"
	TypePose        = "pose_update"
	TypeLaserScan   = "laser_scan"
	TypeBattery     = "battery"
)

var (
	// ErrUnknownCommand is reported for command kinds other than move, stop and spin.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformedInput is reported for browser messages that are not JSON objects.
	ErrMalformedInput = errors.New("malformed input")
	// ErrSendFailure wraps a failed write to one browser connection.
	ErrSendFailure = errors.New("send failure")
)

// Conn is one attached browser connection.
type Conn interface {
	// ID uniquely identifies the connection for the lifetime of the process.
	ID() string
	// Send writes one JSON event. It must be safe for concurrent use.
	Send(msg any) error
}

// Robot is the command surface of a robot backend.
type Robot interface {
	IsConnected() bool
	SendVelocity(linear, angular float64) error
	SendStop() error
	Spin(angular float64, d time.Duration) error
}

// Offline is the backend used when no robot is configured. Every command
// fails with robot.ErrNotConnected.
type Offline struct{}

func (Offline) IsConnected() bool { return false }

func (Offline) SendVelocity(linear, angular float64) error { return robot.ErrNotConnected }

func (Offline) SendStop() error { return robot.ErrNotConnected }

func (Offline) Spin(float64, time.Duration) error { return robot.ErrNotConnected }

// StatusEvent describes the relay's link to the robot.
type StatusEvent struct {
	Type              string `json:"type"`
	Connected         bool   `json:"connected"`
	PlatformConnected bool   `json:"platform_connected"`
	Message           string `json:"message"`
}

// CommandSentEvent acknowledges a dispatched command.
type CommandSentEvent struct {
	Type     string   `json:"type"`
	Command  string   `json:"command"`
	Duration *float64 `json:"duration,omitempty"`
}

// ErrorEvent reports a failure to the browser.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PoseEvent carries a robot pose.
type PoseEvent struct {
	Type string  `json:"type"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Yaw  float64 `json:"yaw"`
}

// LaserScanEvent carries one range scan.
type LaserScanEvent struct {
	Type           string    `json:"type"`
	Ranges         []float64 `json:"ranges"`
	AngleMin       float64   `json:"angle_min"`
	AngleMax       float64   `json:"angle_max"`
	AngleIncrement float64   `json:"angle_increment"`
}

// BatteryEvent carries a battery report.
type BatteryEvent struct {
	Type       string  `json:"type"`
	Percentage int     `json:"percentage"`
	Voltage    float64 `json:"voltage"`
	Charging   bool    `json:"charging"`
}

func errorEvent(msg string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: msg}
}
