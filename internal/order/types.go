package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is an order lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusValidating      Status = "VALIDATING"
	StatusRejected        Status = "REJECTED"
	StatusAccepted        Status = "ACCEPTED"
	StatusMatching        Status = "MATCHING"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusExpired         Status = "EXPIRED"
)

// transitions lists the allowed moves. EXPIRED is handled separately: it is
// reachable from every non-terminal state.
var transitions = map[Status][]Status{
	StatusPending:         {StatusValidating, StatusCancelled},
	StatusValidating:      {StatusRejected, StatusAccepted, StatusCancelled},
	StatusAccepted:        {StatusMatching, StatusCancelled},
	StatusMatching:        {StatusPartiallyFilled, StatusFilled, StatusCancelled},
	StatusPartiallyFilled: {StatusMatching, StatusPartiallyFilled, StatusFilled, StatusCancelled},
}

// IsTerminal reports whether no further mutation is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StatusExpired {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Side of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Type is a plain order type understood by the book.
type Type string

const (
	TypeMarket    Type = "MARKET"
	TypeLimit     Type = "LIMIT"
	TypeStop      Type = "STOP"
	TypeStopLimit Type = "STOP_LIMIT"
)

// TimeInForce governs how long an order may rest.
type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
	GTD TimeInForce = "GTD"
)

// Order is a plain order owned by the book.
type Order struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Type          Type            `json:"type"`
	TimeInForce   TimeInForce     `json:"time_in_force"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	Status        Status          `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Fees          decimal.Decimal `json:"fees"`
	Triggered     bool            `json:"triggered,omitempty"`
	ReservationID string          `json:"reservation_id,omitempty"`
	ParentID      string          `json:"parent_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	FilledAt      *time.Time      `json:"filled_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
	Version       uint64          `json:"version"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// IsBuy reports the order side.
func (o *Order) IsBuy() bool { return o.Side == SideBuy }

// hasLimit reports whether the order carries a limit that gates fills.
func (o *Order) hasLimit() bool {
	return o.Type == TypeLimit || (o.Type == TypeStopLimit && o.Triggered)
}

// pendingStop reports a stop order that has not triggered yet.
func (o *Order) pendingStop() bool {
	return (o.Type == TypeStop || o.Type == TypeStopLimit) && !o.Triggered
}

// stopCrossed reports whether ref crosses the stop: sell stops trigger at or
// below the stop, buy stops at or above.
func (o *Order) stopCrossed(ref decimal.Decimal) bool {
	if o.IsBuy() {
		return ref.GreaterThanOrEqual(o.StopPrice)
	}
	return ref.LessThanOrEqual(o.StopPrice)
}

// limitCrossed reports whether ref is at or better than the limit.
func (o *Order) limitCrossed(ref decimal.Decimal) bool {
	if o.IsBuy() {
		return ref.LessThanOrEqual(o.Price)
	}
	return ref.GreaterThanOrEqual(o.Price)
}

// Fill is one execution against the reference price.
type Fill struct {
	ID              string          `json:"id"`
	OrderID         string          `json:"order_id"`
	AccountID       string          `json:"account_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Notional        decimal.Decimal `json:"notional"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	ParentID        string          `json:"parent_id,omitempty"`
	Time            time.Time       `json:"time"`
}

// SignedQuantity is positive for buys and negative for sells.
func (f Fill) SignedQuantity() decimal.Decimal {
	if f.Side == SideSell {
		return f.Quantity.Neg()
	}
	return f.Quantity
}
