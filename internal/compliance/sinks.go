package compliance

import (
	"context"
	"fmt"

	"order-core/internal/events"
	"order-core/internal/monitor"
	"order-core/pkg/stream"
)

// BusSink republishes events on the in-process bus.
type BusSink struct {
	Bus *events.Bus
}

func (BusSink) Name() string { return "bus" }

func (s BusSink) Write(_ context.Context, e Event) error {
	s.Bus.Publish(events.EventCompliance, e)
	return nil
}

// KafkaSink streams events to the compliance topic keyed by account.
type KafkaSink struct {
	Publisher *stream.Publisher
}

func (KafkaSink) Name() string { return "kafka" }

func (s KafkaSink) Write(ctx context.Context, e Event) error {
	return s.Publisher.Publish(ctx, e.AccountID, e)
}

// AlertSink raises a monitor alert for events at or above MinSeverity.
type AlertSink struct {
	Alerts      monitor.AlertSink
	MinSeverity Severity
}

func (AlertSink) Name() string { return "alert" }

func (s AlertSink) Write(_ context.Context, e Event) error {
	if rank(e.Severity) < rank(s.MinSeverity) {
		return nil
	}
	return s.Alerts.Send(fmt.Sprintf("[%s] %s account=%s order=%s: %s",
		e.Severity, e.Type, e.AccountID, e.OrderID, e.Description))
}

func rank(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}
