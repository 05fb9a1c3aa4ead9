package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/market"
	"order-core/internal/order"
)

type iceberg struct {
	m    *Manager
	snap Snapshot
	spec order.IcebergSpec

	// filled is the last seen filled quantity per child.
	filled map[string]decimal.Decimal
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", order.ErrInvalidOrder, fmt.Sprintf(format, args...))
}

func (m *Manager) checkCommon(symbol string, side order.Side, qty decimal.Decimal) error {
	if m.instruments != nil {
		if _, ok := m.instruments.Lookup(symbol); !ok {
			return invalidf("unknown symbol %q", symbol)
		}
	}
	if side != order.SideBuy && side != order.SideSell {
		return invalidf("side must be BUY or SELL")
	}
	if !qty.IsPositive() {
		return invalidf("quantity must be positive")
	}
	return nil
}

// StartIceberg validates spec and starts slicing it into child orders.
func (m *Manager) StartIceberg(ctx context.Context, account string, spec order.IcebergSpec) (Snapshot, error) {
	if err := m.checkCommon(spec.Symbol, spec.Side, spec.Total); err != nil {
		return Snapshot{}, err
	}
	if !spec.Slice.IsPositive() || spec.Slice.GreaterThan(spec.Total) {
		return Snapshot{}, invalidf("slice must be positive and not exceed total")
	}
	if spec.Price.IsNegative() || spec.MaxSlices < 0 {
		return Snapshot{}, invalidf("price and max slices must not be negative")
	}

	t := &iceberg{
		m:      m,
		spec:   spec,
		snap:   m.newBase(account, KindIceberg, spec.Symbol, spec.Side),
		filled: make(map[string]decimal.Decimal),
	}
	t.snap.Iceberg = &IcebergState{
		Total:         spec.Total,
		Slice:         spec.Slice,
		Price:         spec.Price,
		Filled:        decimal.Zero,
		Remaining:     spec.Total,
		DispatchedQty: decimal.Zero,
		MaxSlices:     spec.MaxSlices,
	}
	return m.launch(ctx, t, false)
}

func (t *iceberg) state() *Snapshot { return &t.snap }

func (t *iceberg) start(ctx context.Context) error {
	return t.dispatch(ctx)
}

// dispatch submits the next slice, or finishes the parent when the whole
// total has been handed out. Quantity a child leaves unfilled is never
// dispatched again. Only the first slice's failure is returned to the
// caller.
func (t *iceberg) dispatch(ctx context.Context) error {
	st := t.snap.Iceberg
	undispatched := st.Total.Sub(st.DispatchedQty)
	if !undispatched.IsPositive() {
		t.snap.Status = StatusDone
		return nil
	}
	if st.MaxSlices > 0 && st.Slices >= st.MaxSlices {
		t.snap.Status = StatusDone
		t.snap.Reason = "max_slices_reached"
		return nil
	}

	qty := decimal.Min(t.spec.Slice, undispatched)
	req := order.Request{
		AccountID: t.snap.AccountID,
		Symbol:    t.spec.Symbol,
		Side:      t.spec.Side,
		Type:      order.TypeMarket,
		Quantity:  qty,
		ParentID:  t.snap.ID,
	}
	if t.spec.Price.IsPositive() {
		req.Type = order.TypeLimit
		req.Price = t.spec.Price
	}

	child, err := t.m.orders.Submit(ctx, req)
	if child != nil {
		t.snap.Children = append(t.snap.Children, child.ID)
	}
	if err != nil {
		t.snap.Status = StatusFailed
		t.snap.Reason = childFailure(err)
		t.m.log.Warn("iceberg slice rejected",
			zap.String("supervisor", t.snap.ID),
			zap.Int("slice", st.Slices+1),
			zap.Error(err))
		if st.Slices == 0 {
			return err
		}
		return nil
	}
	st.Slices++
	st.DispatchedQty = st.DispatchedQty.Add(qty)
	st.ActiveChild = child.ID
	return nil
}

func childFailure(err error) string {
	var rej *order.RejectedError
	switch {
	case errors.As(err, &rej):
		return "child_rejected: " + rej.Reason
	case errors.Is(err, order.ErrInvalidOrder):
		return "child_invalid"
	}
	return "child_rejected: " + err.Error()
}

func (t *iceberg) onEvent(ctx context.Context, ev order.Event) {
	t.observe(&ev.Order)
	if ev.Kind == order.EventTerminal && ev.Order.ID == t.snap.Iceberg.ActiveChild {
		t.childDone(ctx, &ev.Order)
	}
}

// observe folds a child's cumulative filled quantity into the parent. Seeing
// the same state twice changes nothing.
func (t *iceberg) observe(o *order.Order) {
	st := t.snap.Iceberg
	prev := t.filled[o.ID]
	if !o.FilledQty.GreaterThan(prev) {
		return
	}
	t.filled[o.ID] = o.FilledQty
	st.Filled = st.Filled.Add(o.FilledQty.Sub(prev))
	st.Remaining = st.Total.Sub(st.Filled)
}

// childDone moves on after the active child terminated. Only a filled child
// leads to the next slice: a rejection fails the parent, and a child
// cancelled or expired by anyone else cancels it.
func (t *iceberg) childDone(ctx context.Context, o *order.Order) {
	t.snap.Iceberg.ActiveChild = ""
	switch o.Status {
	case order.StatusFilled:
		_ = t.dispatch(ctx)
	case order.StatusRejected:
		t.snap.Status = StatusFailed
		t.snap.Reason = "child_rejected: " + o.Reason
	default:
		t.snap.Status = StatusCancelled
		t.snap.Reason = "child_" + strings.ToLower(string(o.Status)) + ": " + o.Reason
	}
}

func (t *iceberg) resync(ctx context.Context) {
	st := t.snap.Iceberg
	kids := t.m.children(&t.snap)
	dispatched := decimal.Zero
	for _, o := range kids {
		t.observe(o)
		dispatched = dispatched.Add(o.Quantity)
	}
	st.DispatchedQty = dispatched
	st.Slices = len(kids)
	if len(kids) == 0 {
		_ = t.dispatch(ctx)
		return
	}
	last := kids[len(kids)-1]
	if !last.Status.IsTerminal() {
		st.ActiveChild = last.ID
		return
	}
	t.childDone(ctx, last)
}

func (t *iceberg) amend(_ context.Context, a Amend) error {
	st := t.snap.Iceberg
	if a.Distance.IsPositive() || a.ActivationPrice != nil {
		return invalidf("iceberg takes slice and max slices only")
	}
	if a.Slice.IsNegative() || a.MaxSlices < 0 {
		return invalidf("slice and max slices must not be negative")
	}
	if a.Slice.IsPositive() && a.Slice.GreaterThan(st.Remaining) {
		return invalidf("slice %s exceeds remaining %s", a.Slice, st.Remaining)
	}
	if a.MaxSlices > 0 && a.MaxSlices <= st.Slices {
		return invalidf("max slices must exceed the %d already dispatched", st.Slices)
	}
	if a.Slice.IsPositive() {
		t.spec.Slice = a.Slice
		st.Slice = a.Slice
	}
	if a.MaxSlices > 0 {
		t.spec.MaxSlices = a.MaxSlices
		st.MaxSlices = a.MaxSlices
	}
	return nil
}

func (t *iceberg) onTick(context.Context, market.Tick) {}

func (t *iceberg) cancel(ctx context.Context) error {
	st := t.snap.Iceberg
	t.snap.Status = StatusCancelled
	t.snap.Reason = "user_cancelled"
	if st.ActiveChild == "" {
		return nil
	}
	_, err := t.m.orders.Cancel(ctx, st.ActiveChild, "parent_cancelled")
	if err != nil && !errors.Is(err, order.ErrAlreadyTerminal) {
		t.m.log.Error("cancel iceberg child failed", zap.String("order", st.ActiveChild), zap.Error(err))
	}
	st.ActiveChild = ""
	return nil
}
