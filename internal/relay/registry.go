package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/metrics"
)

// Backend names the kind of robot link the relay is running with.
type Backend string

const (
	BackendPlatform   Backend = "platform"
	BackendLocal      Backend = "local"
	BackendStandalone Backend = "standalone"
)

// Recorder receives browser lifecycle notifications. Implementations must
// not block for long; they run on the attaching connection's goroutine.
type Recorder interface {
	RecordAttach(connID string, at time.Time)
	RecordDetach(connID string, attachedFor time.Duration)
}

// Health is the aggregate view used by health checks.
type Health struct {
	// UpstreamConnected reports whether the robot backend accepts commands.
	UpstreamConnected bool
	// PlatformConnected is UpstreamConnected restricted to the platform
	// backend, matching the status event.
	PlatformConnected bool
	ActiveConnections int
}

// Registry tracks attached browser connections. It is the only owner of the
// active set; other components read it through Snapshot.
type Registry struct {
	robot    Robot
	backend  Backend
	recorder Recorder
	log      zerolog.Logger

	mu    sync.RWMutex
	conns map[string]entry
}

type entry struct {
	conn       Conn
	attachedAt time.Time
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Robot    Robot    // defaults to Offline
	Backend  Backend  // defaults to BackendStandalone
	Recorder Recorder // optional
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts RegistryOpts) *Registry {
	r := &Registry{
		robot:    opts.Robot,
		backend:  opts.Backend,
		recorder: opts.Recorder,
		log:      log.WithComponent("registry"),
		conns:    make(map[string]entry),
	}
	if r.robot == nil {
		r.robot = Offline{}
	}
	if r.backend == "" {
		r.backend = BackendStandalone
	}
	return r
}

// Attach sends the initial status event to conn and then adds it to the
// active set. If the status cannot be delivered the connection is not added.
func (r *Registry) Attach(conn Conn) error {
	if err := conn.Send(r.Status()); err != nil {
		return fmt.Errorf("relay: attach %s: %w: %v", conn.ID(), ErrSendFailure, err)
	}
	now := time.Now()
	r.mu.Lock()
	r.conns[conn.ID()] = entry{conn: conn, attachedAt: now}
	n := len(r.conns)
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(n))
	r.log.Info().Str("conn", conn.ID()).Int("total", n).Msg("client connected")
	if r.recorder != nil {
		r.recorder.RecordAttach(conn.ID(), now)
	}
	return nil
}

// Detach removes conn. It reports whether conn was attached; detaching an
// unknown connection is a no-op.
func (r *Registry) Detach(conn Conn) bool {
	r.mu.Lock()
	e, ok := r.conns[conn.ID()]
	if ok {
		delete(r.conns, conn.ID())
	}
	n := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return false
	}
	metrics.ActiveConnections.Set(float64(n))
	r.log.Info().Str("conn", conn.ID()).Int("total", n).Msg("client removed")
	if r.recorder != nil {
		r.recorder.RecordDetach(conn.ID(), time.Since(e.attachedAt))
	}
	return true
}

// Snapshot returns the connections attached at the time of the call, in
// attach order.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	entries := make([]entry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].attachedAt.Before(entries[j].attachedAt)
	})
	out := make([]Conn, len(entries))
	for i, e := range entries {
		out[i] = e.conn
	}
	return out
}

// Health reports upstream state and the number of attached connections.
func (r *Registry) Health() Health {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	connected := r.robot.IsConnected()
	return Health{
		UpstreamConnected: connected,
		PlatformConnected: r.platformConnected(connected),
		ActiveConnections: n,
	}
}

// Backend returns the configured backend kind.
func (r *Registry) Backend() Backend {
	return r.backend
}

func (r *Registry) platformConnected(connected bool) bool {
	return connected && r.backend == BackendPlatform
}

// Status builds the status event sent on attach and on link changes.
func (r *Registry) Status() StatusEvent {
	connected := r.robot.IsConnected()
	evt := StatusEvent{
		Type:              TypeStatus,
		Connected:         connected,
		PlatformConnected: r.platformConnected(connected),
	}
	switch {
	case r.backend == BackendStandalone:
		evt.Message = "Standalone mode: commands are accepted but not relayed"
	case !connected:
		evt.Message = "Robot link unavailable"
	case r.backend == BackendPlatform:
		evt.Message = "Connected to robot session"
	default:
		evt.Message = "Connected to local robot bridge"
	}
	return evt
}
