// Package supervisor runs advanced orders (iceberg, one-cancels-other and
// trailing stop) as independent goroutines that translate them into plain
// orders over time.
package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"order-core/internal/market"
	"order-core/internal/order"
)

var ErrNotFound = errors.New("supervisor not found")

// Kind of advanced order.
type Kind string

const (
	KindIceberg  Kind = "ICEBERG"
	KindOCO      Kind = "OCO"
	KindTrailing Kind = "TRAILING_STOP"
)

// Status of a supervisor. Everything except ACTIVE is final.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusDone      Status = "DONE"
	StatusTriggered Status = "TRIGGERED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Orders is the part of the order book supervisors drive.
type Orders interface {
	Submit(ctx context.Context, req order.Request) (*order.Order, error)
	Cancel(ctx context.Context, id, reason string) (*order.Order, error)
	Get(id string) (*order.Order, error)
	ListByAccount(account string, openOnly bool) []*order.Order
}

// Store keeps the latest state of every supervisor keyed by id. Values are
// opaque to the store.
type Store interface {
	PutSupervisor(id string, data []byte) error
	DeleteSupervisor(id string) error
	LoadSupervisors() ([][]byte, error)
}

// Amend changes a running supervisor. Zero values leave a field unchanged.
// Slice and MaxSlices apply to icebergs, Distance and ActivationPrice to
// trailing stops.
type Amend struct {
	Slice           decimal.Decimal  `json:"slice"`
	MaxSlices       int              `json:"max_slices"`
	Distance        decimal.Decimal  `json:"distance"`
	ActivationPrice *decimal.Decimal `json:"activation_price"`
}

// PriceSource returns the last known price of a symbol.
type PriceSource interface {
	Get(symbol string) (decimal.Decimal, bool)
}

// Snapshot is the externally visible state of a supervisor.
type Snapshot struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Kind      Kind       `json:"kind"`
	Symbol    string     `json:"symbol"`
	Side      order.Side `json:"side"`
	Status    Status     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
	Children  []string   `json:"children"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Iceberg  *IcebergState  `json:"iceberg,omitempty"`
	OCO      *OCOState      `json:"oco,omitempty"`
	Trailing *TrailingState `json:"trailing,omitempty"`
}

// IcebergState tracks slices of an iceberg order.
type IcebergState struct {
	Total         decimal.Decimal `json:"total"`
	Slice         decimal.Decimal `json:"slice"`
	Price         decimal.Decimal `json:"price"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	DispatchedQty decimal.Decimal `json:"dispatched_qty"`
	Slices        int             `json:"slices"`
	MaxSlices     int             `json:"max_slices,omitempty"`
	ActiveChild   string          `json:"active_child,omitempty"`
}

// OCOState tracks the two legs of a one-cancels-other pair.
type OCOState struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary,omitempty"`
	Winner    string `json:"winner,omitempty"`
	Race      bool   `json:"race"`
}

// TrailingState tracks the water mark and stop of a trailing stop.
type TrailingState struct {
	Quantity       decimal.Decimal `json:"quantity"`
	DistanceKind   string          `json:"distance_kind"`
	Distance       decimal.Decimal `json:"distance"`
	Activation     decimal.Decimal `json:"activation_price"`
	Activated      bool            `json:"activated"`
	WaterMark      decimal.Decimal `json:"water_mark"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	TriggeredOrder string          `json:"triggered_order,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Children = append([]string(nil), s.Children...)
	if s.Iceberg != nil {
		v := *s.Iceberg
		c.Iceberg = &v
	}
	if s.OCO != nil {
		v := *s.OCO
		c.OCO = &v
	}
	if s.Trailing != nil {
		v := *s.Trailing
		c.Trailing = &v
	}
	return c
}

// record is the stored form of a supervisor: its last snapshot and the spec
// it runs, as amended.
type record struct {
	Snapshot Snapshot                `json:"snapshot"`
	Iceberg  *order.IcebergSpec      `json:"iceberg_spec,omitempty"`
	OCO      *order.OCOSpec          `json:"oco_spec,omitempty"`
	Trailing *order.TrailingStopSpec `json:"trailing_spec,omitempty"`
}

// task is one advanced order's behaviour. All methods run on the
// supervisor's own goroutine, except start, which runs before it exists.
type task interface {
	start(ctx context.Context) error
	onEvent(ctx context.Context, ev order.Event)
	onTick(ctx context.Context, t market.Tick)
	cancel(ctx context.Context) error
	amend(ctx context.Context, a Amend) error
	// resync catches up with child orders after a restart.
	resync(ctx context.Context)
	state() *Snapshot
}
