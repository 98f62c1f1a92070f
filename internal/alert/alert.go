// Package alert notifies operators when the robot link is lost or restored.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Color returns the hex color chat services use for s.
func (s Severity) Color() string {
	switch s {
	case SeverityWarning:
		return "#daa038"
	case SeverityCritical:
		return "#a30200"
	}
	return "#36a64f"
}

// Field is a labelled value shown with an alert.
type Field struct {
	Name  string
	Value string
}

// Alert is one operator notification.
type Alert struct {
	Title    string
	Body     string
	Severity Severity
	Fields   []Field
	At       time.Time
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to several notifiers. Every notifier is tried;
// the errors are joined.
type Multi []Notifier

// Name implements Notifier.
func (m Multi) Name() string { return "multi" }

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}
