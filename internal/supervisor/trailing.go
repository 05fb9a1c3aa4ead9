package supervisor

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/market"
	"order-core/internal/order"
)

var hundred = decimal.NewFromInt(100)

type trailing struct {
	m    *Manager
	snap Snapshot
	spec order.TrailingStopSpec
}

// StartTrailing starts tracking a water mark for spec. A SELL exit protects
// a long and trails the highest price; a BUY exit protects a short and
// trails the lowest.
func (m *Manager) StartTrailing(ctx context.Context, account string, spec order.TrailingStopSpec) (Snapshot, error) {
	if err := m.checkCommon(spec.Symbol, spec.Side, spec.Quantity); err != nil {
		return Snapshot{}, err
	}
	if !spec.Distance.IsPositive() {
		return Snapshot{}, invalidf("distance must be positive")
	}
	switch spec.DistanceKind {
	case order.DistancePercent:
		if spec.Distance.GreaterThanOrEqual(hundred) {
			return Snapshot{}, invalidf("percent distance must be below 100")
		}
	case order.DistanceAbsolute:
	default:
		return Snapshot{}, invalidf("distance kind must be PERCENT or ABSOLUTE")
	}
	if spec.ActivationPrice.IsNegative() {
		return Snapshot{}, invalidf("activation price must not be negative")
	}

	t := &trailing{m: m, spec: spec, snap: m.newBase(account, KindTrailing, spec.Symbol, spec.Side)}
	t.snap.Trailing = &TrailingState{
		Quantity:     spec.Quantity,
		DistanceKind: spec.DistanceKind,
		Distance:     spec.Distance,
		Activation:   spec.ActivationPrice,
	}
	return m.launch(ctx, t, true)
}

func (t *trailing) state() *Snapshot { return &t.snap }

func (t *trailing) long() bool { return t.spec.Side == order.SideSell }

// start seeds the mark from the last known price when there is one.
func (t *trailing) start(ctx context.Context) error {
	if t.m.prices == nil {
		return nil
	}
	if p, ok := t.m.prices.Get(t.spec.Symbol); ok {
		t.observe(ctx, p)
	}
	return nil
}

func (t *trailing) onTick(ctx context.Context, tick market.Tick) {
	if tick.Price.IsPositive() {
		t.observe(ctx, tick.Price)
	}
}

func (t *trailing) observe(ctx context.Context, price decimal.Decimal) {
	st := t.snap.Trailing
	if !st.Activated {
		if !t.activates(price) {
			return
		}
		st.Activated = true
		st.WaterMark = price
		st.StopPrice = t.stopFor(price)
	}

	t.updateMark(price)
	if t.crossed(price) {
		t.trigger(ctx, price)
	}
}

func (t *trailing) activates(price decimal.Decimal) bool {
	a := t.spec.ActivationPrice
	if a.IsZero() {
		return true
	}
	if t.long() {
		return price.GreaterThanOrEqual(a)
	}
	return price.LessThanOrEqual(a)
}

func (t *trailing) stopFor(mark decimal.Decimal) decimal.Decimal {
	dist := t.spec.Distance
	if t.spec.DistanceKind == order.DistancePercent {
		dist = mark.Mul(t.spec.Distance).Div(hundred)
	}
	if t.long() {
		return mark.Sub(dist)
	}
	return mark.Add(dist)
}

// updateMark moves the water mark only in the favourable direction, so the
// stop never loosens.
func (t *trailing) updateMark(price decimal.Decimal) {
	st := t.snap.Trailing
	if t.long() && price.GreaterThan(st.WaterMark) || !t.long() && price.LessThan(st.WaterMark) {
		st.WaterMark = price
		st.StopPrice = t.stopFor(price)
	}
}

func (t *trailing) crossed(price decimal.Decimal) bool {
	st := t.snap.Trailing
	if t.long() {
		return price.LessThanOrEqual(st.StopPrice)
	}
	return price.GreaterThanOrEqual(st.StopPrice)
}

func (t *trailing) trigger(ctx context.Context, price decimal.Decimal) {
	st := t.snap.Trailing
	o, err := t.m.orders.Submit(ctx, order.Request{
		AccountID: t.snap.AccountID,
		Symbol:    t.spec.Symbol,
		Side:      t.spec.Side,
		Type:      order.TypeMarket,
		Quantity:  t.spec.Quantity,
		ParentID:  t.snap.ID,
	})
	if o != nil {
		t.snap.Children = append(t.snap.Children, o.ID)
		st.TriggeredOrder = o.ID
	}
	if err != nil {
		t.snap.Status = StatusFailed
		t.snap.Reason = childFailure(err)
		t.m.log.Warn("trailing stop order rejected", zap.String("supervisor", t.snap.ID), zap.Error(err))
		return
	}
	t.snap.Status = StatusTriggered
	t.m.log.Info("trailing stop triggered",
		zap.String("supervisor", t.snap.ID),
		zap.String("price", price.String()),
		zap.String("stop", st.StopPrice.String()),
		zap.String("order", o.ID))
}

func (t *trailing) onEvent(context.Context, order.Event) {}

// amend changes the distance or activation price. Once activated, a new
// distance only ever tightens the current stop; a wider one takes effect as
// the mark advances.
func (t *trailing) amend(_ context.Context, a Amend) error {
	st := t.snap.Trailing
	if a.Slice.IsPositive() || a.MaxSlices != 0 {
		return invalidf("trailing stop takes distance and activation price only")
	}
	if a.Distance.IsNegative() {
		return invalidf("distance must be positive")
	}
	if a.Distance.IsPositive() && t.spec.DistanceKind == order.DistancePercent && a.Distance.GreaterThanOrEqual(hundred) {
		return invalidf("percent distance must be below 100")
	}
	if a.ActivationPrice != nil && a.ActivationPrice.IsNegative() {
		return invalidf("activation price must not be negative")
	}

	if a.ActivationPrice != nil {
		t.spec.ActivationPrice = *a.ActivationPrice
		st.Activation = *a.ActivationPrice
	}
	if a.Distance.IsPositive() {
		t.spec.Distance = a.Distance
		st.Distance = a.Distance
		if st.Activated {
			stop := t.stopFor(st.WaterMark)
			if t.long() && stop.GreaterThan(st.StopPrice) || !t.long() && stop.LessThan(st.StopPrice) {
				st.StopPrice = stop
			}
		}
	}
	return nil
}

// resync adopts an exit order submitted just before a restart.
func (t *trailing) resync(context.Context) {
	kids := t.m.children(&t.snap)
	if len(kids) == 0 {
		return
	}
	exit := kids[0]
	t.snap.Trailing.TriggeredOrder = exit.ID
	if exit.Status == order.StatusRejected {
		t.snap.Status = StatusFailed
		t.snap.Reason = "child_rejected: " + exit.Reason
		return
	}
	t.snap.Status = StatusTriggered
}

func (t *trailing) cancel(context.Context) error {
	t.snap.Status = StatusCancelled
	t.snap.Reason = "user_cancelled"
	return nil
}
