package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/metrics"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
)

// Command kinds accepted from browsers.
const (
	CommandMove = "move"
	CommandStop = "stop"
	CommandSpin = "spin"
)

// Defaults substituted for absent or malformed numeric fields.
const (
	DefaultLinearX      = 0.0
	DefaultAngularZ     = 0.0
	DefaultAngularSpeed = 2.0
	DefaultSpinDuration = 5.0

	// MaxSpinDuration is the longest accepted spin, in seconds. Longer
	// durations are treated as malformed.
	MaxSpinDuration = 3600.0
)

// Router validates browser commands and applies them to the robot. It holds
// no state besides the robot reference, so one Router serves every
// connection.
type Router struct {
	robot Robot
	log   zerolog.Logger
}

// NewRouter creates a Router. A nil robot behaves like Offline.
func NewRouter(r Robot) *Router {
	if r == nil {
		r = Offline{}
	}
	return &Router{robot: r, log: log.WithComponent("router")}
}

// Handle decodes one raw browser message and dispatches it. Messages that
// are not JSON objects are logged and dropped without a reply.
func (r *Router) Handle(ctx context.Context, conn Conn, raw []byte) {
	var cmd map[string]any
	if err := json.Unmarshal(raw, &cmd); err != nil || cmd == nil {
		metrics.IncCommand("", "malformed")
		r.log.Error().Str("conn", conn.ID()).Bytes("data", truncate(raw, 200)).Msg("invalid JSON received")
		return
	}
	r.Dispatch(ctx, conn, cmd)
}

// Dispatch applies one decoded command and replies to conn with either a
// command_sent or an error event. It never panics and never closes conn.
func (r *Router) Dispatch(ctx context.Context, conn Conn, cmd map[string]any) {
	kind, _ := cmd["type"].(string)

	defer func() {
		if p := recover(); p != nil {
			metrics.IncCommand(metricKind(kind), "error")
			r.log.Error().Interface("panic", p).Str("command", kind).Msg("error executing command")
			r.reply(conn, errorEvent(fmt.Sprint(p)))
		}
	}()

	if !r.robot.IsConnected() {
		metrics.IncCommand(metricKind(kind), "not_connected")
		r.reply(conn, errorEvent(robot.ErrNotConnected.Error()))
		return
	}

	r.log.Info().Str("conn", conn.ID()).Str("command", kind).Msg("received command")

	var (
		err      error
		duration *float64
	)
	switch kind {
	case CommandMove:
		linear := floatField(cmd, "linear_x", DefaultLinearX)
		angular := floatField(cmd, "angular_z", DefaultAngularZ)
		err = r.robot.SendVelocity(linear, angular)
	case CommandStop:
		err = r.robot.SendStop()
	case CommandSpin:
		speed := floatField(cmd, "angular_speed", DefaultAngularSpeed)
		secs := floatField(cmd, "duration", DefaultSpinDuration)
		if !(secs > 0 && secs <= MaxSpinDuration) {
			secs = DefaultSpinDuration
		}
		duration = &secs
		err = r.robot.Spin(speed, time.Duration(secs*float64(time.Second)))
	default:
		metrics.IncCommand("other", "unknown")
		r.log.Warn().Str("command", kind).Msg("unknown command type")
		r.reply(conn, errorEvent(fmt.Sprintf("Unknown command: %s", fmt.Sprint(cmd["type"]))))
		return
	}

	if err != nil {
		metrics.IncCommand(kind, "error")
		r.log.Error().Err(err).Str("command", kind).Msg("error executing command")
		r.reply(conn, errorEvent(err.Error()))
		return
	}
	metrics.IncCommand(kind, "sent")
	r.reply(conn, CommandSentEvent{Type: TypeCommandSent, Command: kind, Duration: duration})
}

func (r *Router) reply(conn Conn, msg any) {
	if err := conn.Send(msg); err != nil {
		r.log.Warn().Err(err).Str("conn", conn.ID()).Msg("reply not delivered")
	}
}

// floatField returns cmd[key] as a float64, or def when the key is absent or
// not a number.
func floatField(cmd map[string]any, key string, def float64) float64 {
	switch v := cmd[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func metricKind(kind string) string {
	switch kind {
	case CommandMove, CommandStop, CommandSpin:
		return kind
	}
	return "other"
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
