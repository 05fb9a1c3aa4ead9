package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a trading account row; KYC and risk fields are maintained by the
// identity service and read by the risk gate.
type Account struct {
	ID           string
	Email        string
	PasswordHash string
	KYCStatus    string
	RiskTier     string
	RiskScore    int
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Order is the history row of an order.
type Order struct {
	ID            string
	AccountID     string
	Symbol        string
	Side          string
	Type          string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	TimeInForce   string
	Status        string
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	ParentID      string
	ReservationID string
	Reason        string
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Fill is one execution against an order.
type Fill struct {
	ID        string
	OrderID   string
	AccountID string
	Symbol    string
	Side      string
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Fee       decimal.Decimal
	FeeAsset  string
	CreatedAt time.Time
}

// Position is an open or closed position row.
type Position struct {
	ID          string
	AccountID   string
	Symbol      string
	Qty         decimal.Decimal
	AvgPrice    decimal.Decimal
	RealizedPnL decimal.Decimal
	Status      string
	OpenedAt    time.Time
	ClosedAt    *time.Time
	UpdatedAt   time.Time
}

// ComplianceEvent is an audit record.
type ComplianceEvent struct {
	ID          string
	AccountID   string
	OrderID     string
	EventType   string
	Severity    string
	Status      string
	Title       string
	Description string
	RiskScore   int
	Evidence    map[string]string
	Node        string
	CreatedAt   time.Time
	ResolvedAt  *time.Time
	Resolution  string
}

// ComplianceFilter narrows ListComplianceEvents.
type ComplianceFilter struct {
	AccountID string
	Status    string
	Severity  string
	Limit     int
}

// ComplianceStats aggregates events by status and severity.
type ComplianceStats struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
}
