// Package upstream maintains the relay's single authenticated link to a robot
// session on the platform relay endpoint. It translates motion commands into
// wire events and inbound telemetry into robot.Feed samples.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/log"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/metrics"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/robot"
)

const (
	// DefaultConfirmTimeout bounds the wait for the server's connected event.
	DefaultConfirmTimeout = 10 * time.Second
	// DefaultReconnectDelay is the first delay between reconnect attempts.
	DefaultReconnectDelay = 1 * time.Second
	// DefaultMaxReconnectDelay caps the growing reconnect delay.
	DefaultMaxReconnectDelay = 5 * time.Second
	// DefaultMaxReconnectAttempts limits reconnection retries before giving up.
	DefaultMaxReconnectAttempts = 5
)

var (
	// ErrConfirmTimeout is returned when the server does not confirm the
	// session within the confirm timeout.
	ErrConfirmTimeout = errors.New("upstream: connection not confirmed in time")
	// ErrClosed is returned by Connect after Disconnect.
	ErrClosed = errors.New("upstream: channel closed")

	errServerDisconnect = errors.New("upstream: server left the namespace")
)

// State is the link state of a Channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Options holds parameters for creating a Channel.
type Options struct {
	SessionID string
	Token     string
	BaseURL   string

	Dialer Dialer // defaults to WebSocketDialer

	ConfirmTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int // negative disables reconnection

	// OnStateChange is called after every state transition, outside the
	// channel's lock.
	OnStateChange func(State)
}

// Channel is the reconnecting link to one robot session.
type Channel struct {
	feed *robot.Feed

	sessionID string
	token     string
	baseURL   string
	namespace string
	dialer    Dialer

	confirmTimeout time.Duration
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxAttempts    int
	onStateChange  func(State)

	ctx    context.Context
	cancel context.CancelFunc
	spin   robot.SpinTimer
	log    zerolog.Logger

	// notifyMu orders OnStateChange calls to match transitions.
	notifyMu sync.Mutex

	mu     sync.Mutex
	state  State
	link   *link
	closed bool
}

// link is one dialed connection and the goroutine reading it.
type link struct {
	conn      Conn
	confirmed chan struct{}
	done      chan struct{}
	err       error
}

// New creates a Channel in the Disconnected state.
func New(opts Options) (*Channel, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("upstream: session id is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("upstream: session token is required")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("upstream: base url is required")
	}
	c := &Channel{
		feed:           robot.NewFeed(),
		sessionID:      opts.SessionID,
		token:          opts.Token,
		baseURL:        opts.BaseURL,
		namespace:      Namespace(opts.SessionID),
		dialer:         opts.Dialer,
		confirmTimeout: opts.ConfirmTimeout,
		reconnectDelay: opts.ReconnectDelay,
		maxDelay:       opts.MaxReconnectDelay,
		maxAttempts:    opts.MaxReconnectAttempts,
		onStateChange:  opts.OnStateChange,
		log:            log.WithComponent("upstream").With().Str("session", opts.SessionID).Logger(),
	}
	if c.dialer == nil {
		c.dialer = WebSocketDialer{}
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = DefaultConfirmTimeout
	}
	if c.reconnectDelay <= 0 {
		c.reconnectDelay = DefaultReconnectDelay
	}
	if c.maxDelay < c.reconnectDelay {
		c.maxDelay = DefaultMaxReconnectDelay
		if c.maxDelay < c.reconnectDelay {
			c.maxDelay = c.reconnectDelay
		}
	}
	if c.maxAttempts == 0 {
		c.maxAttempts = DefaultMaxReconnectAttempts
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Namespace returns the per-session namespace path.
func Namespace(sessionID string) string {
	return "/sessions/" + sessionID + "/robot"
}

// Connect dials the relay endpoint and blocks until the server confirms the
// session, the confirm timeout elapses, or ctx is done. A nil return means
// the channel is Connected. Connect does not retry; once connected, dropped
// links are re-established automatically.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected {
		st := c.state
		c.mu.Unlock()
		if st == Connected {
			return nil
		}
		return fmt.Errorf("upstream: connect already in progress")
	}
	c.state = Connecting
	c.mu.Unlock()
	c.notify(Connecting)

	c.log.Info().Str("url", c.baseURL+c.namespace).Msg("connecting")
	l, err := c.dialAndConfirm(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("connection failed")
		c.transition(Disconnected)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.conn.Close()
		return ErrClosed
	}
	c.link = l
	c.mu.Unlock()

	c.transition(Connected)
	c.log.Info().Msg("connection confirmed, ready to send commands")
	go c.supervise(l)
	return nil
}

// dialAndConfirm opens a link and waits for the connected event.
func (c *Channel) dialAndConfirm(ctx context.Context) (*link, error) {
	conn, err := c.dialer.Dial(ctx, c.baseURL, c.namespace, map[string]string{"token": c.token})
	if err != nil {
		return nil, fmt.Errorf("upstream: dial %s: %w", c.namespace, err)
	}
	l := &link{
		conn:      conn,
		confirmed: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop(l)

	timer := time.NewTimer(c.confirmTimeout)
	defer timer.Stop()

	select {
	case <-l.confirmed:
		return l, nil
	case <-l.done:
		conn.Close()
		return nil, fmt.Errorf("upstream: link lost before confirmation: %w", l.err)
	case <-timer.C:
		conn.Close()
		<-l.done
		return nil, ErrConfirmTimeout
	case <-ctx.Done():
		conn.Close()
		<-l.done
		return nil, ctx.Err()
	case <-c.ctx.Done():
		conn.Close()
		<-l.done
		return nil, ErrClosed
	}
}

// readLoop pumps frames from one link until it fails. l.err is written
// before done is closed.
func (c *Channel) readLoop(l *link) {
	defer close(l.done)
	confirmed := false
	for {
		f, err := l.conn.Receive()
		if err != nil {
			l.err = err
			return
		}
		switch f.Event {
		case EventConnected:
			if !confirmed {
				confirmed = true
				close(l.confirmed)
			}
		case EventDisconnect:
			l.err = errServerDisconnect
			return
		default:
			c.dispatch(f)
		}
	}
}

// dispatch decodes a telemetry frame and publishes it on the feed.
func (c *Channel) dispatch(f Frame) {
	var err error
	switch f.Event {
	case eventPose:
		var p robot.Pose
		if err = json.Unmarshal(f.Data, &p); err == nil {
			c.log.Debug().Float64("x", p.X).Float64("y", p.Y).Msg("robot_pose")
			c.feed.PublishPose(p)
		}
	case eventLaserScan:
		var s robot.LaserScan
		if err = json.Unmarshal(f.Data, &s); err == nil {
			c.feed.PublishLaserScan(s)
		}
	case eventBattery:
		var b robot.Battery
		if err = json.Unmarshal(f.Data, &b); err == nil {
			c.log.Debug().Int("percentage", b.Percentage).Msg("battery")
			c.feed.PublishBattery(b)
		}
	default:
		c.log.Debug().Str("event", f.Event).Msg("ignoring unknown event")
	}
	if err != nil {
		c.log.Warn().Err(err).Str("event", f.Event).Msg("dropping malformed telemetry")
	}
}

// supervise waits for the live link to fail and re-establishes it.
func (c *Channel) supervise(l *link) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-l.done:
		}
		if c.isClosed() {
			return
		}
		c.log.Warn().Err(l.err).Msg("link dropped")
		l.conn.Close()

		c.mu.Lock()
		c.link = nil
		c.mu.Unlock()
		c.transition(Connecting)

		next, ok := c.reconnect()
		if !ok {
			if !c.isClosed() {
				c.log.Error().Int("attempts", c.maxAttempts).Msg("reconnection attempts exhausted")
				c.transition(Disconnected)
			}
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			next.conn.Close()
			return
		}
		c.link = next
		c.mu.Unlock()
		c.transition(Connected)
		c.log.Info().Msg("link re-established")
		l = next
	}
}

// reconnect retries dial-and-confirm with a growing delay.
func (c *Channel) reconnect() (*link, bool) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		wait := c.Backoff(attempt)
		c.log.Info().Int("attempt", attempt).Int("max", c.maxAttempts).Dur("wait", wait).Msg("reconnecting")
		select {
		case <-c.ctx.Done():
			return nil, false
		case <-time.After(wait):
		}
		l, err := c.dialAndConfirm(c.ctx)
		if err == nil {
			metrics.UpstreamReconnectsTotal.WithLabelValues("success").Inc()
			return l, true
		}
		metrics.UpstreamReconnectsTotal.WithLabelValues("failure").Inc()
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}
	return nil, false
}

// Backoff returns the reconnect delay before the given 1-based attempt.
func (c *Channel) Backoff(attempt int) time.Duration {
	d := c.reconnectDelay
	for i := 1; i < attempt && d < c.maxDelay; i++ {
		d *= 2
	}
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

// transition moves to s and notifies the observer. After Disconnect only the
// Disconnected state is accepted.
func (c *Channel) transition(s State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if (c.closed && s != Disconnected) || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyLocked(s)
}

func (c *Channel) notify(s State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notifyLocked(s)
}

func (c *Channel) notifyLocked(s State) {
	metrics.UpstreamState.Set(float64(s))
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// liveConn returns the connection commands may be emitted on.
func (c *Channel) liveConn() (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected || c.link == nil {
		return nil, robot.ErrNotConnected
	}
	return c.link.conn, nil
}

func (c *Channel) emitTwist(linear, angular float64) error {
	conn, err := c.liveConn()
	if err != nil {
		c.log.Warn().Msg("cannot send twist - not connected")
		return err
	}
	if err := conn.Emit(eventTwist, robot.Twist{LinearX: linear, AngularZ: angular}); err != nil {
		return err
	}
	c.log.Info().Float64("linear", linear).Float64("angular", angular).Msg("sent twist_command")
	return nil
}

// SendVelocity emits a velocity command. It cancels a pending spin stop.
func (c *Channel) SendVelocity(linear, angular float64) error {
	if !c.IsConnected() {
		return robot.ErrNotConnected
	}
	c.spin.Cancel()
	return c.emitTwist(linear, angular)
}

// SendStop emits a zero velocity command.
func (c *Channel) SendStop() error {
	return c.SendVelocity(0, 0)
}

// Spin rotates in place at angular rad/s and stops after d, measured from
// now. A later motion command abandons the pending stop.
func (c *Channel) Spin(angular float64, d time.Duration) error {
	if !c.IsConnected() {
		return robot.ErrNotConnected
	}
	c.spin.Cancel()
	if err := c.emitTwist(0, angular); err != nil {
		return err
	}
	c.spin.Schedule(d, func() {
		if err := c.emitTwist(0, 0); err != nil {
			c.log.Warn().Err(err).Msg("spin stop not sent")
			return
		}
		c.log.Info().Msg("spin complete")
	})
	return nil
}

// Navigate emits a navigation goal. It cancels a pending spin stop.
func (c *Channel) Navigate(goal robot.NavGoal) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	c.spin.Cancel()
	if err := conn.Emit(eventNavigate, goal); err != nil {
		return err
	}
	c.log.Info().Float64("x", goal.X).Float64("y", goal.Y).Float64("yaw", goal.Yaw).Msg("sent navigate_cmd")
	return nil
}

// OnPose registers fn for robot_pose events.
func (c *Channel) OnPose(fn func(robot.Pose)) func() { return c.feed.OnPose(fn) }

// OnLaserScan registers fn for laser_scan events.
func (c *Channel) OnLaserScan(fn func(robot.LaserScan)) func() { return c.feed.OnLaserScan(fn) }

// OnBattery registers fn for battery events.
func (c *Channel) OnBattery(fn func(robot.Battery)) func() { return c.feed.OnBattery(fn) }

// IsConnected reports whether commands can currently be sent.
func (c *Channel) IsConnected() bool {
	return c.State() == Connected
}

// State returns the current link state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Disconnect tears the link down and stops reconnection. The channel cannot
// be reconnected afterwards. Calling Disconnect again is a no-op.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.mu.Unlock()

	c.cancel()
	c.spin.Cancel()
	var err error
	if l != nil {
		err = l.conn.Close()
	}
	c.transition(Disconnected)
	c.feed.Close()
	c.log.Info().Msg("disconnected from platform")
	return err
}
