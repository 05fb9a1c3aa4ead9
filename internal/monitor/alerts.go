package monitor

import (
	"go.uber.org/zap"

	"order-core/pkg/logger"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogAlertSink writes alerts to the structured log at error level.
type LogAlertSink struct {
	Logger *zap.Logger
}

func (s LogAlertSink) Send(message string) error {
	logger.OrNop(s.Logger).Error("ALERT", zap.String("message", message))
	return nil
}

// MultiSink delivers to every sink and returns the first error.
type MultiSink []AlertSink

func (m MultiSink) Send(message string) error {
	var first error
	for _, s := range m {
		if err := s.Send(message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
