// Package compliance emits the audit trail consumed by the compliance team:
// risk rejections, ledger faults and supervisor anomalies.
package compliance

import (
	"context"
	"time"
)

// Severity grades an event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status tracks review progress.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Event types.
const (
	TypeRiskRejection        = "risk_rejection"
	TypeOrderRejected        = "order_rejected"
	TypeConsistencyViolation = "consistency_violation"
	TypeOCORace              = "oco_race"
	TypeSupervisorFailure    = "supervisor_failure"
	TypeOrderExpired         = "order_expired"
	TypeReservationRepaired  = "reservation_repaired"
)

// Event is an append-only audit record.
type Event struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id,omitempty"`
	OrderID     string            `json:"order_id,omitempty"`
	Type        string            `json:"type"`
	Severity    Severity          `json:"severity"`
	Status      Status            `json:"status"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description"`
	RiskScore   int               `json:"risk_score,omitempty"`
	Evidence    map[string]string `json:"evidence,omitempty"`
	Node        string            `json:"node,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	Resolution  string            `json:"resolution,omitempty"`
}

// Reporter is what trading components depend on. Emit never fails the
// caller; delivery problems are the emitter's to log.
type Reporter interface {
	Emit(ctx context.Context, e Event) Event
}

// Sink receives every emitted event.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(_ context.Context, e Event) Event { return e }
