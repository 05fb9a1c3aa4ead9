package compliance

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-core/pkg/logger"
)

// Emitter stamps events and fans them out to its sinks in order.
type Emitter struct {
	sinks   []Sink
	node    string
	log     *zap.Logger
	now     func() time.Time
	emitted atomic.Uint64
	failed  atomic.Uint64
}

// NewEmitter builds an emitter; node identifies this engine instance in the
// audit trail.
func NewEmitter(log *zap.Logger, node string, sinks ...Sink) *Emitter {
	return &Emitter{
		sinks: sinks,
		node:  node,
		log:   logger.OrNop(log),
		now:   time.Now,
	}
}

// AddSink registers another sink. Not safe once emitting has started.
func (e *Emitter) AddSink(s Sink) {
	e.sinks = append(e.sinks, s)
}

// Emit fills id, status, node and timestamp when unset and writes to every sink.
func (e *Emitter) Emit(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = StatusOpen
	}
	if ev.Severity == "" {
		ev.Severity = SeverityMedium
	}
	if ev.Node == "" {
		ev.Node = e.node
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now().UTC()
	}

	e.emitted.Add(1)
	for _, s := range e.sinks {
		if err := s.Write(ctx, ev); err != nil {
			e.failed.Add(1)
			e.log.Error("compliance sink write failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", ev.ID),
				zap.String("type", ev.Type),
				zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("type", ev.Type),
		zap.String("severity", string(ev.Severity)),
		zap.String("account", ev.AccountID),
		zap.String("order", ev.OrderID),
	}
	switch ev.Severity {
	case SeverityHigh, SeverityCritical:
		e.log.Warn(ev.Description, fields...)
	default:
		e.log.Info(ev.Description, fields...)
	}
	return ev
}

// Stats returns emitted and failed sink write counts.
func (e *Emitter) Stats() (emitted, failed uint64) {
	return e.emitted.Load(), e.failed.Load()
}
