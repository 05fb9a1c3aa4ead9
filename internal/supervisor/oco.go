package supervisor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"order-core/internal/compliance"
	"order-core/internal/market"
	"order-core/internal/order"
)

type oco struct {
	m    *Manager
	snap Snapshot
	spec order.OCOSpec

	terminal map[string]bool
}

// StartOCO places a limit leg and a stop leg drawing on one reservation.
// The first fill on either leg cancels the other.
func (m *Manager) StartOCO(ctx context.Context, account string, spec order.OCOSpec) (Snapshot, error) {
	if err := m.checkCommon(spec.Symbol, spec.Side, spec.Quantity); err != nil {
		return Snapshot{}, err
	}
	if !spec.LimitPrice.IsPositive() || !spec.StopPrice.IsPositive() || spec.StopLimitPrice.IsNegative() {
		return Snapshot{}, invalidf("limit and stop prices must be positive")
	}
	if spec.Side == order.SideSell && !spec.LimitPrice.GreaterThan(spec.StopPrice) {
		return Snapshot{}, invalidf("sell OCO needs limit price above stop price")
	}
	if spec.Side == order.SideBuy && !spec.LimitPrice.LessThan(spec.StopPrice) {
		return Snapshot{}, invalidf("buy OCO needs limit price below stop price")
	}

	t := &oco{
		m:        m,
		spec:     spec,
		snap:     m.newBase(account, KindOCO, spec.Symbol, spec.Side),
		terminal: make(map[string]bool),
	}
	t.snap.OCO = &OCOState{}
	return m.launch(ctx, t, false)
}

func (t *oco) state() *Snapshot { return &t.snap }

func (t *oco) start(ctx context.Context) error {
	st := t.snap.OCO
	limit, err := t.m.orders.Submit(ctx, order.Request{
		AccountID: t.snap.AccountID,
		Symbol:    t.spec.Symbol,
		Side:      t.spec.Side,
		Type:      order.TypeLimit,
		Quantity:  t.spec.Quantity,
		Price:     t.spec.LimitPrice,
		ParentID:  t.snap.ID,
	})
	if limit != nil {
		st.Primary = limit.ID
		t.snap.Children = append(t.snap.Children, limit.ID)
	}
	if err != nil {
		t.snap.Status = StatusFailed
		t.snap.Reason = childFailure(err)
		return err
	}
	if limit.FilledQty.IsPositive() {
		st.Winner = limit.ID
		t.snap.Status = StatusDone
		t.snap.Reason = "limit_filled_on_entry"
		return nil
	}
	return t.placeStop(ctx, limit)
}

// placeStop submits the stop leg on the limit leg's reservation. If that
// fails the limit leg is withdrawn too, unless it has filled meanwhile.
func (t *oco) placeStop(ctx context.Context, limit *order.Order) error {
	st := t.snap.OCO
	stopReq := order.Request{
		AccountID:        t.snap.AccountID,
		Symbol:           t.spec.Symbol,
		Side:             t.spec.Side,
		Type:             order.TypeStop,
		Quantity:         t.spec.Quantity,
		StopPrice:        t.spec.StopPrice,
		ParentID:         t.snap.ID,
		ShareReservation: limit.ReservationID,
	}
	if t.spec.StopLimitPrice.IsPositive() {
		stopReq.Type = order.TypeStopLimit
		stopReq.Price = t.spec.StopLimitPrice
	}
	stop, err := t.m.orders.Submit(ctx, stopReq)
	if stop != nil {
		st.Secondary = stop.ID
		t.snap.Children = append(t.snap.Children, stop.ID)
	}
	if err != nil {
		// The limit leg may have filled in between and released the
		// shared reservation.
		if cur, gerr := t.m.orders.Get(limit.ID); gerr == nil && cur.FilledQty.IsPositive() {
			st.Winner = limit.ID
			t.snap.Status = StatusDone
			return nil
		}
		if _, cerr := t.m.orders.Cancel(ctx, limit.ID, "oco_leg_failed"); cerr != nil && !errors.Is(cerr, order.ErrAlreadyTerminal) {
			t.m.log.Error("cancel oco limit leg failed", zap.String("order", limit.ID), zap.Error(cerr))
		}
		t.snap.Status = StatusFailed
		t.snap.Reason = childFailure(err)
		return err
	}
	if stop.FilledQty.IsPositive() {
		t.resolve(ctx, stop.ID, limit.ID)
	}
	return nil
}

func (t *oco) other(id string) string {
	if id == t.snap.OCO.Primary {
		return t.snap.OCO.Secondary
	}
	return t.snap.OCO.Primary
}

func (t *oco) onEvent(ctx context.Context, ev order.Event) {
	st := t.snap.OCO
	id := ev.Order.ID
	if id != st.Primary && id != st.Secondary {
		return
	}
	switch ev.Kind {
	case order.EventFill:
		if st.Winner == "" {
			t.resolve(ctx, id, t.other(id))
		}
	case order.EventTerminal:
		t.terminal[id] = true
		if st.Winner == "" && t.terminal[st.Primary] && (st.Secondary == "" || t.terminal[st.Secondary]) {
			t.snap.Status = StatusCancelled
			t.snap.Reason = "legs_terminated"
		}
	}
}

// resolve marks winner as the filled leg and cancels the loser. A loser that
// already has fills is a race: both executions stand and the pair is
// flagged.
func (t *oco) resolve(ctx context.Context, winner, loser string) {
	st := t.snap.OCO
	st.Winner = winner
	t.snap.Status = StatusDone
	if loser == "" {
		return
	}

	lost, err := t.m.orders.Cancel(ctx, loser, "oco_other_leg_filled")
	if err != nil && !errors.Is(err, order.ErrAlreadyTerminal) {
		t.m.log.Error("cancel oco leg failed", zap.String("order", loser), zap.Error(err))
	}
	if lost == nil || !lost.FilledQty.IsPositive() {
		return
	}
	st.Race = true
	t.m.log.Warn("oco race: both legs filled",
		zap.String("supervisor", t.snap.ID),
		zap.String("winner", winner),
		zap.String("loser", loser),
		zap.String("loser_filled", lost.FilledQty.String()))
	t.m.reporter.Emit(ctx, compliance.Event{
		AccountID:   t.snap.AccountID,
		OrderID:     loser,
		Type:        compliance.TypeOCORace,
		Severity:    compliance.SeverityLow,
		Title:       "OCO legs both executed",
		Description: fmt.Sprintf("leg %s filled %s before it could be cancelled", loser, lost.FilledQty),
		Evidence: map[string]string{
			"supervisor_id": t.snap.ID,
			"winner":        winner,
			"loser":         loser,
		},
	})
}

func (t *oco) onTick(context.Context, market.Tick) {}

func (t *oco) amend(context.Context, Amend) error {
	return invalidf("oco orders cannot be amended")
}

func (t *oco) resync(ctx context.Context) {
	st := t.snap.OCO
	legs := make(map[string]*order.Order)
	for _, o := range t.m.children(&t.snap) {
		switch {
		case o.Type == order.TypeLimit && (st.Primary == "" || st.Primary == o.ID):
			st.Primary = o.ID
		case o.Type != order.TypeLimit && (st.Secondary == "" || st.Secondary == o.ID):
			st.Secondary = o.ID
		default:
			continue
		}
		legs[o.ID] = o
	}

	limit := legs[st.Primary]
	if limit == nil {
		t.snap.Status = StatusFailed
		t.snap.Reason = "interrupted_by_restart"
		return
	}
	for id, o := range legs {
		if o.Status.IsTerminal() {
			t.terminal[id] = true
		}
		if st.Winner == "" && o.FilledQty.IsPositive() {
			t.resolve(ctx, id, t.other(id))
		}
	}
	if st.Winner != "" {
		return
	}
	if st.Secondary == "" && !limit.Status.IsTerminal() {
		_ = t.placeStop(ctx, limit)
		return
	}
	if t.terminal[st.Primary] && (st.Secondary == "" || t.terminal[st.Secondary]) {
		t.snap.Status = StatusCancelled
		t.snap.Reason = "legs_terminated"
	}
}

func (t *oco) cancel(ctx context.Context) error {
	t.snap.Status = StatusCancelled
	t.snap.Reason = "user_cancelled"
	for _, id := range []string{t.snap.OCO.Primary, t.snap.OCO.Secondary} {
		if id == "" || t.terminal[id] {
			continue
		}
		if _, err := t.m.orders.Cancel(ctx, id, "parent_cancelled"); err != nil && !errors.Is(err, order.ErrAlreadyTerminal) {
			t.m.log.Error("cancel oco leg failed", zap.String("order", id), zap.Error(err))
		}
	}
	return nil
}
