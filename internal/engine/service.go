// Package engine composes the order book, supervisors, ledgers and the
// compliance trail behind one interface. The API layer only talks to the
// engine through Service.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"order-core/internal/balance"
	"order-core/internal/compliance"
	"order-core/internal/order"
	"order-core/internal/position"
	"order-core/internal/supervisor"
	"order-core/pkg/db"
)

// Service defines the engine operations exposed to callers.
type Service interface {
	// Orders
	SubmitOrder(ctx context.Context, account string, spec order.Spec) (SubmitResult, error)
	CancelOrder(ctx context.Context, account, id string) error
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context, account string, openOnly bool) ([]*order.Order, error)

	// Supervisors
	GetSupervisor(ctx context.Context, id string) (supervisor.Snapshot, error)
	ListSupervisors(ctx context.Context, account string) ([]supervisor.Snapshot, error)
	AmendSupervisor(ctx context.Context, account, id string, a supervisor.Amend) (supervisor.Snapshot, error)

	// Positions
	GetPosition(ctx context.Context, account, symbol string) (position.Position, error)
	ListPositions(ctx context.Context, account string) ([]position.Position, error)
	PositionHistory(ctx context.Context, account string) ([]position.Position, error)

	// Balances
	GetBalances(ctx context.Context, account string) ([]balance.Balance, error)
	Deposit(ctx context.Context, account, asset string, amount decimal.Decimal) (balance.Balance, error)
	Withdraw(ctx context.Context, account, asset string, amount decimal.Decimal) (balance.Balance, error)

	// Accounts
	AccountStatus(ctx context.Context, account string) (AccountStatus, error)
	ResumeAccount(ctx context.Context, account string) (AccountStatus, error)

	// Compliance
	ListComplianceEvents(ctx context.Context, q compliance.Query) ([]compliance.Event, error)
	OpenComplianceEvents(ctx context.Context, severity compliance.Severity, limit int) ([]compliance.Event, error)
	ResolveComplianceEvent(ctx context.Context, id, notes string) error
	ComplianceStats(ctx context.Context) (db.ComplianceStats, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
