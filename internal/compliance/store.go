package compliance

import (
	"context"
	"time"

	"order-core/pkg/db"
)

// Store persists events in SQLite and serves the review queries.
type Store struct {
	DB *db.Database
}

func (*Store) Name() string { return "sqlite" }

func (s *Store) Write(ctx context.Context, e Event) error {
	return s.DB.InsertComplianceEvent(ctx, db.ComplianceEvent{
		ID:          e.ID,
		AccountID:   e.AccountID,
		OrderID:     e.OrderID,
		EventType:   e.Type,
		Severity:    string(e.Severity),
		Status:      string(e.Status),
		Title:       e.Title,
		Description: e.Description,
		RiskScore:   e.RiskScore,
		Evidence:    e.Evidence,
		Node:        e.Node,
		CreatedAt:   e.CreatedAt,
		ResolvedAt:  e.ResolvedAt,
		Resolution:  e.Resolution,
	})
}

// Query selects events for review.
type Query struct {
	AccountID string
	Status    Status
	Severity  Severity
	Limit     int
}

// List returns events newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Event, error) {
	rows, err := s.DB.ListComplianceEvents(ctx, db.ComplianceFilter{
		AccountID: q.AccountID,
		Status:    string(q.Status),
		Severity:  string(q.Severity),
		Limit:     q.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, Event{
			ID:          r.ID,
			AccountID:   r.AccountID,
			OrderID:     r.OrderID,
			Type:        r.EventType,
			Severity:    Severity(r.Severity),
			Status:      Status(r.Status),
			Title:       r.Title,
			Description: r.Description,
			RiskScore:   r.RiskScore,
			Evidence:    r.Evidence,
			Node:        r.Node,
			CreatedAt:   r.CreatedAt,
			ResolvedAt:  r.ResolvedAt,
			Resolution:  r.Resolution,
		})
	}
	return out, nil
}

// ListOpen returns unresolved events, optionally of one severity.
func (s *Store) ListOpen(ctx context.Context, severity Severity, limit int) ([]Event, error) {
	return s.List(ctx, Query{Status: StatusOpen, Severity: severity, Limit: limit})
}

// Resolve closes an open event. Returns db.ErrNotFound when the event does
// not exist or is already resolved.
func (s *Store) Resolve(ctx context.Context, id, notes string) error {
	return s.DB.ResolveComplianceEvent(ctx, id, notes, time.Now().UTC())
}

// Stats counts events by status and severity.
func (s *Store) Stats(ctx context.Context) (db.ComplianceStats, error) {
	return s.DB.ComplianceEventStats(ctx)
}
