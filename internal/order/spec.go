package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Spec is the closed set of order shapes a caller may submit. Plain specs go
// straight to the book; advanced specs are driven by a supervisor.
type Spec interface {
	spec()
	// Kind names the variant, e.g. "LIMIT" or "ICEBERG".
	Kind() string
}

// Common fields shared by plain specs.
type Common struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	TimeInForce TimeInForce     `json:"time_in_force,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

type MarketSpec struct {
	Common
}

type LimitSpec struct {
	Common
	Price decimal.Decimal `json:"price"`
}

type StopSpec struct {
	Common
	StopPrice decimal.Decimal `json:"stop_price"`
}

type StopLimitSpec struct {
	Common
	StopPrice decimal.Decimal `json:"stop_price"`
	Price     decimal.Decimal `json:"price"`
}

// IcebergSpec slices Total into children of at most Slice. Children are
// limit orders when Price is set, market orders otherwise.
type IcebergSpec struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Total     decimal.Decimal `json:"total"`
	Slice     decimal.Decimal `json:"slice"`
	Price     decimal.Decimal `json:"price"`
	MaxSlices int             `json:"max_slices,omitempty"`
}

// OCOSpec pairs a limit (take-profit) leg and a stop (stop-loss) leg for the
// same quantity. StopLimitPrice turns the stop leg into a stop-limit.
type OCOSpec struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	StopLimitPrice decimal.Decimal `json:"stop_limit_price"`
}

// TrailingDistance kinds.
const (
	DistancePercent  = "PERCENT"
	DistanceAbsolute = "ABSOLUTE"
)

// TrailingStopSpec exits a position when price retraces by Distance from its
// best level. Side is the exit side: SELL protects a long, BUY a short.
type TrailingStopSpec struct {
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	DistanceKind    string          `json:"distance_kind"`
	Distance        decimal.Decimal `json:"distance"`
	ActivationPrice decimal.Decimal `json:"activation_price"`
}

func (MarketSpec) spec()       {}
func (LimitSpec) spec()        {}
func (StopSpec) spec()         {}
func (StopLimitSpec) spec()    {}
func (IcebergSpec) spec()      {}
func (OCOSpec) spec()          {}
func (TrailingStopSpec) spec() {}

func (MarketSpec) Kind() string       { return "MARKET" }
func (LimitSpec) Kind() string        { return "LIMIT" }
func (StopSpec) Kind() string         { return "STOP" }
func (StopLimitSpec) Kind() string    { return "STOP_LIMIT" }
func (IcebergSpec) Kind() string      { return "ICEBERG" }
func (OCOSpec) Kind() string          { return "OCO" }
func (TrailingStopSpec) Kind() string { return "TRAILING_STOP" }

// Request is a plain order submission.
type Request struct {
	AccountID   string
	Symbol      string
	Side        Side
	Type        Type
	TimeInForce TimeInForce
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	StopPrice   decimal.Decimal
	ExpiresAt   *time.Time
	ParentID    string

	// ShareReservation draws on an existing reservation of the same account
	// instead of locking new funds.
	ShareReservation string
}

// RequestFor converts a plain spec into a book request. ok is false for
// advanced specs.
func RequestFor(account string, s Spec) (req Request, ok bool) {
	fill := func(c Common, t Type) Request {
		return Request{
			AccountID:   account,
			Symbol:      c.Symbol,
			Side:        c.Side,
			Type:        t,
			TimeInForce: c.TimeInForce,
			Quantity:    c.Quantity,
			ExpiresAt:   c.ExpiresAt,
		}
	}
	switch v := s.(type) {
	case MarketSpec:
		return fill(v.Common, TypeMarket), true
	case LimitSpec:
		r := fill(v.Common, TypeLimit)
		r.Price = v.Price
		return r, true
	case StopSpec:
		r := fill(v.Common, TypeStop)
		r.StopPrice = v.StopPrice
		return r, true
	case StopLimitSpec:
		r := fill(v.Common, TypeStopLimit)
		r.StopPrice = v.StopPrice
		r.Price = v.Price
		return r, true
	case IcebergSpec, OCOSpec, TrailingStopSpec:
		return Request{}, false
	}
	return Request{}, false
}
