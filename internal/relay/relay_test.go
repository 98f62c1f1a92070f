package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// stubConn records every event sent to it. With failSend set, Send returns
// an error instead.
type stubConn struct {
	id       string
	failSend bool

	mu   sync.Mutex
	sent []any
}

func newStubConn(id string) *stubConn { return &stubConn{id: id} }

func (c *stubConn) ID() string { return c.id }

func (c *stubConn) Send(msg any) error {
	if c.failSend {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubConn) all() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *stubConn) last() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[len(c.sent)-1]
}

// lastJSON returns the most recent event as a generic JSON object.
func (c *stubConn) lastJSON() map[string]any {
	b, _ := json.Marshal(c.last())
	var m map[string]any
	json.Unmarshal(b, &m)
	return m
}

// stubRobot records calls made by the router.
type stubRobot struct {
	connected bool
	err       error
	panicMsg  string

	mu    sync.Mutex
	calls []string
}

func (r *stubRobot) IsConnected() bool { return r.connected }

func (r *stubRobot) record(call string) error {
	if r.panicMsg != "" {
		panic(r.panicMsg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return r.err
}

func (r *stubRobot) SendVelocity(linear, angular float64) error {
	return r.record(fmt.Sprintf("velocity(%g,%g)", linear, angular))
}

func (r *stubRobot) SendStop() error { return r.record("stop") }

func (r *stubRobot) Spin(angular float64, d time.Duration) error {
	return r.record(fmt.Sprintf("spin(%g,%s)", angular, d))
}

func (r *stubRobot) allCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}
