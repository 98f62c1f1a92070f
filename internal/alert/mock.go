package alert

import (
	"context"
	"sync"
)

// MockNotifier records alerts in memory.
type MockNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
	sent   chan Alert
}

// NewMockNotifier returns a MockNotifier. Every delivered alert is also
// pushed to Sent.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{sent: make(chan Alert, 100)}
}

// Name implements Notifier.
func (m *MockNotifier) Name() string { return "mock" }

// Notify implements Notifier.
func (m *MockNotifier) Notify(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, a)
	select {
	case m.sent <- a:
	default:
	}
	return nil
}

// FailWith makes subsequent Notify calls return err. Nil restores delivery.
func (m *MockNotifier) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Alerts returns every delivered alert.
func (m *MockNotifier) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Sent returns a channel receiving each delivered alert.
func (m *MockNotifier) Sent() <-chan Alert { return m.sent }
