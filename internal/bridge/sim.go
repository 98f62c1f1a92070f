package bridge

import (
	"errors"
	"math"
	"time"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
)

// ErrSimClosed is returned by a Sim after Close.
var ErrSimClosed = errors.New("bridge: simulator closed")

// Sim is an in-process differential-drive robot. It integrates the last
// commanded twist over wall-clock time and drains a virtual battery while
// moving. Like a real middleware handle it is not safe for concurrent use.
type Sim struct {
	now func() time.Time

	pose   robot.Pose
	twist  robot.Twist
	last   time.Time
	charge float64
	closed bool

	// Twists holds the most recent published twists, oldest first, capped
	// at SimTwistHistory entries.
	Twists []robot.Twist
}

// SimTwistHistory bounds Sim.Twists.
const SimTwistHistory = 64

// Sim battery model.
const (
	simFullVoltage  = 12.6
	simEmptyVoltage = 10.5
	simDrainPerSec  = 0.05
)

// NewSim returns a simulator at the origin with a full battery. A nil clock
// uses time.Now.
func NewSim(clock func() time.Time) *Sim {
	if clock == nil {
		clock = time.Now
	}
	return &Sim{now: clock, last: clock(), charge: 100}
}

// PublishTwist integrates motion up to now and then applies t.
func (s *Sim) PublishTwist(t robot.Twist) error {
	if s.closed {
		return ErrSimClosed
	}
	s.advance()
	s.twist = t
	if len(s.Twists) == SimTwistHistory {
		copy(s.Twists, s.Twists[1:])
		s.Twists = s.Twists[:SimTwistHistory-1]
	}
	s.Twists = append(s.Twists, t)
	return nil
}

// Odometry returns the integrated pose.
func (s *Sim) Odometry() (robot.Pose, error) {
	if s.closed {
		return robot.Pose{}, ErrSimClosed
	}
	s.advance()
	return s.pose, nil
}

// Battery reports the virtual battery.
func (s *Sim) Battery() (robot.Battery, bool) {
	if s.closed {
		return robot.Battery{}, false
	}
	return robot.Battery{
		Percentage: int(math.Round(s.charge)),
		Voltage:    simEmptyVoltage + (simFullVoltage-simEmptyVoltage)*s.charge/100,
	}, true
}

// Close stops the simulator.
func (s *Sim) Close() error {
	s.closed = true
	return nil
}

func (s *Sim) advance() {
	now := s.now()
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if dt <= 0 {
		return
	}
	v, w := s.twist.LinearX, s.twist.AngularZ
	if w == 0 {
		s.pose.X += v * dt * math.Cos(s.pose.Yaw)
		s.pose.Y += v * dt * math.Sin(s.pose.Yaw)
	} else {
		yaw := s.pose.Yaw + w*dt
		s.pose.X += v / w * (math.Sin(yaw) - math.Sin(s.pose.Yaw))
		s.pose.Y -= v / w * (math.Cos(yaw) - math.Cos(s.pose.Yaw))
		s.pose.Yaw = normalizeAngle(yaw)
	}
	if v != 0 || w != 0 {
		s.charge = math.Max(0, s.charge-simDrainPerSec*dt)
	}
}

// normalizeAngle wraps a to (-pi, pi].
func normalizeAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
