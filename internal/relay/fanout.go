package relay

import (
	"github.com/rs/zerolog"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/metrics"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
)

// Fanout broadcasts events to every attached browser connection.
type Fanout struct {
	registry *Registry
	log      zerolog.Logger
}

// NewFanout creates a Fanout reading connections from registry.
func NewFanout(registry *Registry) *Fanout {
	return &Fanout{
		registry: registry,
		log:      log.WithComponent("fanout"),
	}
}

// Broadcast sends msg to each connection attached when the call starts. A
// failed send is logged and skipped; the connection stays attached until its
// own read loop notices the disconnect. Broadcast returns the number of
// successful deliveries.
func (f *Fanout) Broadcast(msg any) int {
	delivered := 0
	for _, conn := range f.registry.Snapshot() {
		if err := conn.Send(msg); err != nil {
			metrics.FanoutSendFailuresTotal.Inc()
			f.log.Warn().Err(err).Str("conn", conn.ID()).Msg("send failed, skipping connection")
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastStatus sends the registry's current status to every connection.
func (f *Fanout) BroadcastStatus() int {
	return f.Broadcast(f.registry.Status())
}

// Subscribe forwards the backend's telemetry to every browser. The returned
// function removes the subscriptions.
func (f *Fanout) Subscribe(feed robot.Subscriber) func() {
	unsubs := []func(){
		feed.OnPose(func(p robot.Pose) {
			metrics.FanoutEventsTotal.WithLabelValues(TypePose).Inc()
			f.Broadcast(PoseEvent{Type: TypePose, X: p.X, Y: p.Y, Yaw: p.Yaw})
		}),
		feed.OnLaserScan(func(s robot.LaserScan) {
			metrics.FanoutEventsTotal.WithLabelValues(TypeLaserScan).Inc()
			f.Broadcast(LaserScanEvent{
				Type:           TypeLaserScan,
				Ranges:         s.Ranges,
				AngleMin:       s.AngleMin,
				AngleMax:       s.AngleMax,
				AngleIncrement: s.AngleIncrement,
			})
		}),
		feed.OnBattery(func(b robot.Battery) {
			metrics.FanoutEventsTotal.WithLabelValues(TypeBattery).Inc()
			f.Broadcast(BatteryEvent{
				Type:       TypeBattery,
				Percentage: b.Percentage,
				Voltage:    b.Voltage,
				Charging:   b.Charging,
			})
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
