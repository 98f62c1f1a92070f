package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Emitted records one event sent by the relay.
type Emitted struct {
	Event string
	Data  any
	At    time.Time
}

// MockDialer implements Dialer for testing. Each Dial returns a fresh
// MockConn; failures can be queued with FailNext.
type MockDialer struct {
	mu       sync.Mutex
	conns    []*MockConn
	failures []error
	autoAck  bool
	dialed   chan *MockConn
}

// NewMockDialer creates a MockDialer. With autoConfirm, each new connection
// immediately queues the server's connected event.
func NewMockDialer(autoConfirm bool) *MockDialer {
	return &MockDialer{
		autoAck: autoConfirm,
		dialed:  make(chan *MockConn, 16),
	}
}

// Dial returns a new MockConn or the next queued failure.
func (d *MockDialer) Dial(ctx context.Context, baseURL, namespace string, auth any) (Conn, error) {
	d.mu.Lock()
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	c := newMockConn(namespace, auth)
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	if d.autoAck {
		c.SimulateEvent(EventConnected, nil)
	}
	select {
	case d.dialed <- c:
	default:
	}
	return c, nil
}

// FailNext makes the next n Dial calls return err.
func (d *MockDialer) FailNext(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.failures = append(d.failures, err)
	}
}

// Dials returns the number of successful dials.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Last returns the most recently dialed connection, or nil.
func (d *MockDialer) Last() *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Dialed delivers connections as they are dialed.
func (d *MockDialer) Dialed() <-chan *MockConn {
	return d.dialed
}

// MockConn implements Conn. Inbound frames are injected with SimulateEvent;
// emitted events are recorded.
type MockConn struct {
	Namespace string
	Auth      any

	mu        sync.Mutex
	emitted   []Emitted
	emitErr   error
	emitDelay time.Duration
	inbound   chan Frame
	closed    chan struct{}
	closeOnce sync.Once
	dropErr   error
}

func newMockConn(namespace string, auth any) *MockConn {
	return &MockConn{
		Namespace: namespace,
		Auth:      auth,
		inbound:   make(chan Frame, 100),
		closed:    make(chan struct{}),
	}
}

// Emit records the event.
func (c *MockConn) Emit(event string, data any) error {
	c.mu.Lock()
	delay := c.emitDelay
	c.mu.Unlock()
	time.Sleep(delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return fmt.Errorf("mock conn: closed")
	default:
	}
	if c.emitErr != nil {
		return c.emitErr
	}
	c.emitted = append(c.emitted, Emitted{Event: event, Data: data, At: time.Now()})
	return nil
}

// Receive returns the next simulated frame, or an error once closed or dropped.
func (c *MockConn) Receive() (Frame, error) {
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.dropErr != nil {
			return Frame{}, c.dropErr
		}
		return Frame{}, io.EOF
	}
}

// Close closes the connection.
func (c *MockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// --- Test helpers ---

// SimulateEvent queues an inbound event; data is marshalled to JSON.
func (c *MockConn) SimulateEvent(event string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	c.inbound <- Frame{Event: event, Data: raw}
}

// SimulateDrop makes the transport fail with err.
func (c *MockConn) SimulateDrop(err error) {
	c.mu.Lock()
	c.dropErr = err
	c.mu.Unlock()
	c.Close()
}

// FailEmits makes every later Emit return err.
func (c *MockConn) FailEmits(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitErr = err
}

// SlowEmits makes every later Emit take d before it is recorded.
func (c *MockConn) SlowEmits(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitDelay = d
}

// IsClosed reports whether Close has been called.
func (c *MockConn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// AllEmitted returns a copy of the recorded events.
func (c *MockConn) AllEmitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Emitted, len(c.emitted))
	copy(out, c.emitted)
	return out
}

// EmittedCount returns the number of recorded events.
func (c *MockConn) EmittedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.emitted)
}
