package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/upstream"
)

const (
	monitorQueueSize = 16
	notifyTimeout    = 10 * time.Second
)

// MonitorOpts holds parameters for creating a LinkMonitor.
type MonitorOpts struct {
	Notifier  Notifier
	SessionID string
	Clock     func() time.Time
}

// LinkMonitor turns upstream state transitions into alerts: a warning when
// an established link drops, a critical alert when reconnection gives up and
// an info alert when the link comes back. Observe never blocks; alerts are
// delivered by Run.
type LinkMonitor struct {
	notifier  Notifier
	sessionID string
	now       func() time.Time
	queue     chan Alert
	log       zerolog.Logger

	// Touched only by Observe, which the channel serializes.
	prev          upstream.State
	everConnected bool
	lostAt        time.Time
}

// NewLinkMonitor creates a LinkMonitor.
func NewLinkMonitor(opts MonitorOpts) (*LinkMonitor, error) {
	if opts.Notifier == nil {
		return nil, fmt.Errorf("alert: notifier is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &LinkMonitor{
		notifier:  opts.Notifier,
		sessionID: opts.SessionID,
		now:       opts.Clock,
		queue:     make(chan Alert, monitorQueueSize),
		log:       log.WithComponent("alert"),
		prev:      upstream.Disconnected,
	}, nil
}

// Observe records a state transition. It is meant to be called from
// upstream.Options.OnStateChange.
func (m *LinkMonitor) Observe(s upstream.State) {
	prev := m.prev
	m.prev = s
	now := m.now()

	switch s {
	case upstream.Connected:
		if m.everConnected && !m.lostAt.IsZero() {
			m.enqueue(Alert{
				Title:    "Robot link restored",
				Body:     "The relay is connected to the robot session again.",
				Severity: SeverityInfo,
				Fields: []Field{
					{Name: "Session", Value: m.sessionID},
					{Name: "Outage", Value: now.Sub(m.lostAt).Round(time.Second).String()},
				},
				At: now,
			})
		}
		m.everConnected = true
		m.lostAt = time.Time{}
	case upstream.Connecting:
		if prev == upstream.Connected {
			m.lostAt = now
			m.enqueue(Alert{
				Title:    "Robot link lost",
				Body:     "The platform connection dropped. Reconnecting.",
				Severity: SeverityWarning,
				Fields:   []Field{{Name: "Session", Value: m.sessionID}},
				At:       now,
			})
		}
	case upstream.Disconnected:
		if m.everConnected && prev != upstream.Disconnected {
			if m.lostAt.IsZero() {
				m.lostAt = now
			}
			m.enqueue(Alert{
				Title:    "Robot link down",
				Body:     "Reconnection attempts are exhausted. Teleoperation is unavailable until the relay is restarted.",
				Severity: SeverityCritical,
				Fields:   []Field{{Name: "Session", Value: m.sessionID}},
				At:       now,
			})
		}
	}
}

func (m *LinkMonitor) enqueue(a Alert) {
	select {
	case m.queue <- a:
	default:
		m.log.Warn().Str("title", a.Title).Msg("alert queue full, dropping alert")
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (m *LinkMonitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-m.queue:
			sendCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
			err := m.notifier.Notify(sendCtx, a)
			cancel()
			if err != nil {
				m.log.Error().Err(err).Str("title", a.Title).Msg("alert delivery failed")
				continue
			}
			m.log.Info().Str("title", a.Title).Str("notifier", m.notifier.Name()).Msg("alert sent")
		}
	}
}
