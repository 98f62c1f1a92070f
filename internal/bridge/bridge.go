// Package bridge drives a robot through a local middleware node instead of the
// platform relay. Middleware handles are not safe for concurrent use, so every
// middleware call is made from one owner goroutine; other goroutines hand work
// to it over a request channel.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
)

// DefaultPoseInterval is how often odometry is polled and published.
const DefaultPoseInterval = 500 * time.Millisecond

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("bridge: stopped")

// Middleware is a robot middleware node. Implementations need not be safe for
// concurrent use.
type Middleware interface {
	PublishTwist(t robot.Twist) error
	Odometry() (robot.Pose, error)
	Close() error
}

// BatteryReader is implemented by middleware that reports battery state. The
// boolean is false when no report is available yet.
type BatteryReader interface {
	Battery() (robot.Battery, bool)
}

// ScanReader is implemented by middleware with a range finder.
type ScanReader interface {
	LaserScan() (robot.LaserScan, bool)
}

// Opts holds parameters for creating a Bridge.
type Opts struct {
	Middleware   Middleware
	PoseInterval time.Duration
}

type request struct {
	op    func(Middleware) error
	reply chan error
}

// Bridge is a robot backend on top of a local Middleware.
type Bridge struct {
	mw       Middleware
	interval time.Duration
	feed     *robot.Feed
	spin     robot.SpinTimer
	requests chan request
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Bridge. Call Start to begin driving the middleware.
func New(opts Opts) (*Bridge, error) {
	if opts.Middleware == nil {
		return nil, fmt.Errorf("bridge: middleware is required")
	}
	if opts.PoseInterval <= 0 {
		opts.PoseInterval = DefaultPoseInterval
	}
	return &Bridge{
		mw:       opts.Middleware,
		interval: opts.PoseInterval,
		feed:     robot.NewFeed(),
		requests: make(chan request),
		log:      log.WithComponent("bridge"),
	}, nil
}

// Start launches the owner goroutine. It returns once the bridge accepts
// commands.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrStopped
	}
	if b.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	go b.run(runCtx, b.done)
	b.log.Info().Dur("pose_interval", b.interval).Msg("bridge started")
	return nil
}

func (b *Bridge) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.running = false
			b.stopped = true
			b.mu.Unlock()
			b.shutdown()
			return
		case req := <-b.requests:
			req.reply <- req.op(b.mw)
		case <-ticker.C:
			b.poll()
		}
	}
}

func (b *Bridge) poll() {
	pose, err := b.mw.Odometry()
	if err != nil {
		b.log.Warn().Err(err).Msg("odometry unavailable")
	} else {
		b.feed.PublishPose(pose)
	}
	if r, ok := b.mw.(BatteryReader); ok {
		if bat, ok := r.Battery(); ok {
			b.feed.PublishBattery(bat)
		}
	}
	if r, ok := b.mw.(ScanReader); ok {
		if scan, ok := r.LaserScan(); ok {
			b.feed.PublishLaserScan(scan)
		}
	}
}

// shutdown halts the robot and releases the middleware. Runs on the owner
// goroutine.
func (b *Bridge) shutdown() {
	b.spin.Cancel()
	if err := b.mw.PublishTwist(robot.Twist{}); err != nil {
		b.log.Warn().Err(err).Msg("final stop not published")
	}
	if err := b.mw.Close(); err != nil {
		b.log.Warn().Err(err).Msg("middleware close failed")
	}
	b.feed.Close()
	b.log.Info().Msg("bridge stopped")
}

// do runs op on the owner goroutine and waits for its result.
func (b *Bridge) do(op func(Middleware) error) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return robot.ErrNotConnected
	}
	done := b.done
	b.mu.Unlock()

	req := request{op: op, reply: make(chan error, 1)}
	select {
	case b.requests <- req:
	case <-done:
		return robot.ErrNotConnected
	}
	return <-req.reply
}

func (b *Bridge) publish(t robot.Twist) error {
	return b.do(func(mw Middleware) error { return mw.PublishTwist(t) })
}

// SendVelocity publishes a twist and abandons any pending spin stop.
func (b *Bridge) SendVelocity(linear, angular float64) error {
	b.spin.Cancel()
	return b.publish(robot.Twist{LinearX: linear, AngularZ: angular})
}

// SendStop publishes a zero twist.
func (b *Bridge) SendStop() error {
	return b.SendVelocity(0, 0)
}

// Spin rotates in place and stops after d. The previous pending stop is
// abandoned before the new rotation is published.
func (b *Bridge) Spin(angular float64, d time.Duration) error {
	b.spin.Cancel()
	if err := b.publish(robot.Twist{AngularZ: angular}); err != nil {
		return err
	}
	b.spin.Schedule(d, func() {
		if err := b.publish(robot.Twist{}); err != nil {
			b.log.Warn().Err(err).Msg("spin stop not published")
		}
	})
	return nil
}

// IsConnected reports whether the owner goroutine is running.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// OnPose registers fn for odometry poses.
func (b *Bridge) OnPose(fn func(robot.Pose)) func() { return b.feed.OnPose(fn) }

// OnLaserScan registers fn for range scans.
func (b *Bridge) OnLaserScan(fn func(robot.LaserScan)) func() { return b.feed.OnLaserScan(fn) }

// OnBattery registers fn for battery reports.
func (b *Bridge) OnBattery(fn func(robot.Battery)) func() { return b.feed.OnBattery(fn) }

// Stop halts the robot, closes the middleware and waits for the owner
// goroutine to exit. Safe to call more than once.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	wasStopped := b.stopped
	b.stopped = true
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if done == nil {
		if wasStopped {
			return nil
		}
		b.feed.Close()
		return b.mw.Close()
	}
	// The owner goroutine may already be shutting down after its context
	// ended; wait for the final stop and Close either way.
	cancel()
	<-done
	return nil
}
