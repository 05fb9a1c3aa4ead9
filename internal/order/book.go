// Package order is the order book: the plain-order state machine, fund
// reservations and fills against a reference price.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/balance"
	"order-core/internal/compliance"
	"order-core/internal/market"
	"order-core/internal/monitor"
	"order-core/internal/risk"
	"order-core/pkg/logger"
)

// Ledger is the balance ledger as used by the book.
type Ledger interface {
	Lock(ctx context.Context, account, asset string, amount decimal.Decimal) error
	Unlock(ctx context.Context, account, asset string, amount decimal.Decimal) error
	Settle(ctx context.Context, req balance.SettleRequest) error
	Balance(account, asset string) balance.Balance
}

// Gate screens orders before funds are locked.
type Gate interface {
	Screen(ctx context.Context, in risk.Input, orderID string) risk.Decision
}

// PriceSource returns the last known price of a symbol.
type PriceSource interface {
	Get(symbol string) (decimal.Decimal, bool)
}

// Commissions prices fills.
type Commissions interface {
	Commission(account, symbol string, notional decimal.Decimal) decimal.Decimal
}

// Options wires a Book. Store, Pool and Reporter are optional.
type Options struct {
	Instruments  *market.Registry
	Fees         Commissions
	Ledger       Ledger
	Gate         Gate
	Prices       PriceSource
	Store        Store
	Pool         *ants.Pool
	MarketBuffer decimal.Decimal // extra fraction locked for market buys
	Reporter     compliance.Reporter
	Metrics      *monitor.SystemMetrics
	Logger       *zap.Logger
	Now          func() time.Time
}

type entry struct {
	mu sync.Mutex
	o  *Order
}

// Book owns every plain order. Each order is guarded by its own lock; there
// is no book-wide lock on the fill path.
type Book struct {
	instruments *market.Registry
	fees        Commissions
	ledger      Ledger
	gate        Gate
	prices      PriceSource
	store       Store
	pool        *ants.Pool
	buffer      decimal.Decimal
	reporter    compliance.Reporter
	metrics     *monitor.SystemMetrics
	log         *zap.Logger
	now         func() time.Time

	mu        sync.RWMutex
	orders    map[string]*entry
	byAccount map[string][]string
	active    map[string]*entry

	resMu        sync.RWMutex
	reservations map[string]*reservation

	ixMu    sync.Mutex
	indexes map[string]*priceIndex

	lsMu      sync.RWMutex
	listeners []Listener
}

// NewBook creates an empty book.
func NewBook(opts Options) *Book {
	rep := opts.Reporter
	if rep == nil {
		rep = compliance.Nop{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Book{
		instruments:  opts.Instruments,
		fees:         opts.Fees,
		ledger:       opts.Ledger,
		gate:         opts.Gate,
		prices:       opts.Prices,
		store:        opts.Store,
		pool:         opts.Pool,
		buffer:       opts.MarketBuffer,
		reporter:     rep,
		metrics:      opts.Metrics,
		log:          logger.OrNop(opts.Logger),
		now:          now,
		orders:       make(map[string]*entry),
		byAccount:    make(map[string][]string),
		active:       make(map[string]*entry),
		reservations: make(map[string]*reservation),
		indexes:      make(map[string]*priceIndex),
	}
}

// AddListener registers a listener for order events.
func (b *Book) AddListener(l Listener) {
	b.lsMu.Lock()
	defer b.lsMu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *Book) emit(ctx context.Context, kind EventKind, o *Order, f *Fill) {
	ev := Event{Kind: kind, Order: *o, Fill: f}
	b.lsMu.RLock()
	ls := b.listeners
	b.lsMu.RUnlock()
	for _, l := range ls {
		l.OnOrderEvent(ctx, ev)
	}
}

func (b *Book) lookup(id string) (*entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.orders[id]
	return e, ok
}

func (b *Book) index(symbol string) *priceIndex {
	b.ixMu.Lock()
	defer b.ixMu.Unlock()
	ix, ok := b.indexes[symbol]
	if !ok {
		ix = newPriceIndex()
		b.indexes[symbol] = ix
	}
	return ix
}

func (b *Book) persist(o *Order) {
	if b.store == nil {
		return
	}
	if err := b.store.PutOrder(o); err != nil {
		b.log.Error("persist order failed", zap.String("order", o.ID), zap.Error(err))
	}
}

// setStatus applies a transition. Callers hold the order lock.
func (b *Book) setStatus(o *Order, to Status, reason string) error {
	if !CanTransition(o.Status, to) {
		return fmt.Errorf("illegal order transition %s -> %s", o.Status, to)
	}
	now := b.now().UTC()
	o.Status = to
	o.UpdatedAt = now
	o.Version++
	if reason != "" {
		o.Reason = reason
	}
	switch to {
	case StatusFilled:
		o.FilledAt = &now
	case StatusCancelled:
		o.CancelledAt = &now
	}
	if to.IsTerminal() {
		b.metrics.ObserveTerminal(string(to))
	}
	return nil
}

// validate checks the request without side effects and returns the
// instrument and a reference price.
func (b *Book) validate(req Request) (market.Instrument, decimal.Decimal, error) {
	if req.AccountID == "" {
		return market.Instrument{}, decimal.Zero, invalid("account required")
	}
	ins, ok := b.instruments.Lookup(req.Symbol)
	if !ok {
		return ins, decimal.Zero, invalid("unknown symbol %q", req.Symbol)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return ins, decimal.Zero, invalid("side must be BUY or SELL")
	}
	if !req.Quantity.IsPositive() {
		return ins, decimal.Zero, invalid("quantity must be positive")
	}
	if !req.Quantity.Equal(req.Quantity.Truncate(ins.QtyScale)) {
		return ins, decimal.Zero, invalid("quantity exceeds %d decimal places", ins.QtyScale)
	}
	if ins.MinQty.IsPositive() && req.Quantity.LessThan(ins.MinQty) {
		return ins, decimal.Zero, invalid("quantity below minimum %s", ins.MinQty)
	}

	switch req.Type {
	case TypeMarket:
	case TypeLimit:
		if !req.Price.IsPositive() {
			return ins, decimal.Zero, invalid("limit price must be positive")
		}
	case TypeStop:
		if !req.StopPrice.IsPositive() {
			return ins, decimal.Zero, invalid("stop price must be positive")
		}
	case TypeStopLimit:
		if !req.Price.IsPositive() || !req.StopPrice.IsPositive() {
			return ins, decimal.Zero, invalid("stop and limit prices must be positive")
		}
	default:
		return ins, decimal.Zero, invalid("unsupported order type %q", req.Type)
	}

	switch req.TimeInForce {
	case "", GTC:
	case IOC, FOK:
		if req.Type != TypeMarket && req.Type != TypeLimit {
			return ins, decimal.Zero, invalid("%s applies to market and limit orders only", req.TimeInForce)
		}
	case GTD:
		if req.ExpiresAt == nil || !req.ExpiresAt.After(b.now()) {
			return ins, decimal.Zero, invalid("GTD requires a future expires_at")
		}
	default:
		return ins, decimal.Zero, invalid("unsupported time in force %q", req.TimeInForce)
	}

	last, haveLast := decimal.Zero, false
	if b.prices != nil {
		last, haveLast = b.prices.Get(req.Symbol)
	}
	var ref decimal.Decimal
	switch req.Type {
	case TypeLimit, TypeStopLimit:
		ref = req.Price
	case TypeStop:
		ref = req.StopPrice
		if haveLast && req.Side == SideBuy && last.GreaterThan(ref) {
			ref = last
		}
	case TypeMarket:
		if !haveLast {
			return ins, decimal.Zero, invalid("no reference price for %s", req.Symbol)
		}
		ref = last
	}

	if req.ShareReservation != "" {
		r, ok := b.Reservation(req.ShareReservation)
		if !ok || r.AccountID != req.AccountID || r.Asset != ins.PayingAsset(req.Side == SideBuy) {
			return ins, decimal.Zero, invalid("reservation %s not usable", req.ShareReservation)
		}
	}
	return ins, ref, nil
}

// requiredLock is the amount of the paying asset the order must reserve.
func (b *Book) requiredLock(o *Order, ref decimal.Decimal) decimal.Decimal {
	if !o.IsBuy() {
		return o.Quantity
	}
	switch o.Type {
	case TypeLimit, TypeStopLimit:
		return o.Quantity.Mul(o.Price)
	default:
		return o.Quantity.Mul(ref).Mul(decimal.NewFromInt(1).Add(b.buffer)).RoundUp(market.QuoteScale)
	}
}

// Submit validates, screens, reserves funds and starts matching. The
// returned order is a snapshot; it may already be filled or, for IOC/FOK,
// cancelled.
func (b *Book) Submit(ctx context.Context, req Request) (*Order, error) {
	if req.TimeInForce == "" {
		req.TimeInForce = GTC
	}
	ins, ref, err := b.validate(req)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	o := &Order{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Quantity:    req.Quantity,
		Price:       req.Price,
		StopPrice:   req.StopPrice,
		Status:      StatusPending,
		ParentID:    req.ParentID,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if b.store != nil {
		if err := b.store.PutOrder(o); err != nil {
			return nil, fmt.Errorf("persist order: %w", err)
		}
	}

	e := &entry{o: o}
	e.mu.Lock()
	defer e.mu.Unlock()
	b.mu.Lock()
	b.orders[o.ID] = e
	b.active[o.ID] = e
	b.byAccount[o.AccountID] = append(b.byAccount[o.AccountID], o.ID)
	b.mu.Unlock()

	_ = b.setStatus(o, StatusValidating, "")

	required := b.requiredLock(o, ref)
	payAsset := ins.PayingAsset(o.IsBuy())
	var shared *reservation
	topUp := required
	if req.ShareReservation != "" {
		shared, _ = b.reservation(req.ShareReservation)
		shared.mu.Lock()
		topUp = required.Sub(shared.Remaining)
		shared.mu.Unlock()
		if topUp.IsNegative() {
			topUp = decimal.Zero
		}
	}

	dec := b.gate.Screen(ctx, risk.Input{
		Account:     o.AccountID,
		Symbol:      o.Symbol,
		Buy:         o.IsBuy(),
		Quantity:    o.Quantity,
		Price:       ref,
		Notional:    o.Quantity.Mul(ref),
		PayingAsset: payAsset,
		Required:    topUp,
	}, o.ID)
	if !dec.Allowed {
		_ = b.setStatus(o, StatusRejected, dec.Reason)
		b.finish(o)
		b.persist(o)
		b.emit(ctx, EventTerminal, o, nil)
		return b.snapshot(o), &RejectedError{Reason: dec.Reason, Detail: dec.Detail}
	}

	if err := b.reserve(ctx, o, payAsset, topUp, shared); err != nil {
		reason := "reservation_failed"
		if errors.Is(err, balance.ErrInsufficientFunds) {
			reason = "insufficient_funds"
		}
		_ = b.setStatus(o, StatusRejected, reason)
		b.finish(o)
		b.persist(o)
		b.emit(ctx, EventTerminal, o, nil)
		b.reporter.Emit(ctx, compliance.Event{
			AccountID:   o.AccountID,
			OrderID:     o.ID,
			Type:        compliance.TypeOrderRejected,
			Severity:    compliance.SeverityLow,
			Title:       "Order rejected: " + reason,
			Description: err.Error(),
		})
		return b.snapshot(o), err
	}

	_ = b.setStatus(o, StatusAccepted, "")
	b.persist(o)
	b.emit(ctx, EventAccepted, o, nil)
	_ = b.setStatus(o, StatusMatching, "")
	b.index(o.Symbol).add(o)
	b.persist(o)

	last, haveLast := decimal.Zero, false
	if b.prices != nil {
		last, haveLast = b.prices.Get(o.Symbol)
	}
	switch o.TimeInForce {
	case FOK:
		if !haveLast || !b.canFillAll(o, last) {
			_ = b.terminate(ctx, o, StatusCancelled, "fok_unfilled")
			return b.snapshot(o), nil
		}
		b.attemptLocked(ctx, o, last)
	case IOC:
		if haveLast {
			b.attemptLocked(ctx, o, last)
		}
		if !o.Status.IsTerminal() {
			_ = b.terminate(ctx, o, StatusCancelled, "ioc_remainder")
		}
	default:
		if haveLast {
			b.attemptLocked(ctx, o, last)
		}
	}
	return b.snapshot(o), nil
}

func (b *Book) attemptLocked(ctx context.Context, o *Order, ref decimal.Decimal) {
	if _, _, err := b.fillLocked(ctx, o, ref, decimal.Zero); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
		b.log.Warn("immediate fill attempt failed", zap.String("order", o.ID), zap.Error(err))
	}
}

// canFillAll reports whether the whole order would fill at ref.
func (b *Book) canFillAll(o *Order, ref decimal.Decimal) bool {
	if o.pendingStop() {
		return false
	}
	if o.hasLimit() && !o.limitCrossed(ref) {
		return false
	}
	if o.IsBuy() {
		r, ok := b.Reservation(o.ReservationID)
		return ok && o.Remaining().Mul(ref).LessThanOrEqual(r.Remaining)
	}
	return true
}

// reserve locks topUp (if any) and attaches the order to a reservation.
func (b *Book) reserve(ctx context.Context, o *Order, asset string, topUp decimal.Decimal, shared *reservation) error {
	if shared != nil {
		shared.mu.Lock()
		defer shared.mu.Unlock()
		if shared.Members == 0 {
			return invalid("reservation %s already released", shared.ID)
		}
		if topUp.IsPositive() {
			if err := b.ledger.Lock(balance.WithRef(ctx, shared.ID), o.AccountID, asset, topUp); err != nil {
				return err
			}
			shared.Remaining = shared.Remaining.Add(topUp)
		}
		shared.Members++
		o.ReservationID = shared.ID
		b.persistReservation(shared.Reservation)
		return nil
	}

	id := uuid.NewString()
	if err := b.ledger.Lock(balance.WithRef(ctx, id), o.AccountID, asset, topUp); err != nil {
		return err
	}
	r := &reservation{Reservation: Reservation{
		ID:        id,
		AccountID: o.AccountID,
		Asset:     asset,
		Remaining: topUp,
		Members:   1,
		CreatedAt: b.now().UTC(),
	}}
	b.resMu.Lock()
	b.reservations[r.ID] = r
	b.resMu.Unlock()
	o.ReservationID = r.ID
	b.persistReservation(r.Reservation)
	return nil
}

func (b *Book) persistReservation(r Reservation) {
	if b.store == nil {
		return
	}
	if err := b.store.PutReservation(r); err != nil {
		b.log.Error("persist reservation failed", zap.String("reservation", r.ID), zap.Error(err))
	}
}

// release detaches a terminating order from its reservation, unlocking the
// remainder when it was the last member. State is unchanged on error.
func (b *Book) release(ctx context.Context, o *Order) error {
	if o.ReservationID == "" {
		return nil
	}
	r, ok := b.reservation(o.ReservationID)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Members > 1 {
		r.Members--
		b.persistReservation(r.Reservation)
		return nil
	}
	if r.Remaining.IsPositive() {
		if err := b.ledger.Unlock(balance.WithRef(ctx, r.ID), r.AccountID, r.Asset, r.Remaining); err != nil {
			return fmt.Errorf("release reservation %s: %w", r.ID, err)
		}
	}
	r.Members = 0
	r.Remaining = decimal.Zero
	b.resMu.Lock()
	delete(b.reservations, r.ID)
	b.resMu.Unlock()
	if b.store != nil {
		if err := b.store.DeleteReservation(r.ID); err != nil {
			b.log.Error("delete reservation failed", zap.String("reservation", r.ID), zap.Error(err))
		}
	}
	return nil
}

// finish drops a terminal order from the active set and the price index.
func (b *Book) finish(o *Order) {
	b.mu.Lock()
	delete(b.active, o.ID)
	b.mu.Unlock()
	b.index(o.Symbol).remove(o)
}

// terminate moves a live order to a terminal state after releasing its
// reservation share. Callers hold the order lock.
func (b *Book) terminate(ctx context.Context, o *Order, to Status, reason string) error {
	if o.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if err := b.release(ctx, o); err != nil {
		return err
	}
	if err := b.setStatus(o, to, reason); err != nil {
		return err
	}
	b.finish(o)
	b.persist(o)
	b.emit(ctx, EventTerminal, o, nil)
	return nil
}

// AttemptFill tries to fill order id at refPrice. maxQty > 0 caps the fill.
// It reports whether a fill happened.
func (b *Book) AttemptFill(ctx context.Context, id string, refPrice, maxQty decimal.Decimal) (Fill, bool, error) {
	e, ok := b.lookup(id)
	if !ok {
		return Fill{}, false, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return b.fillLocked(ctx, e.o, refPrice, maxQty)
}

func (b *Book) fillLocked(ctx context.Context, o *Order, ref, maxQty decimal.Decimal) (Fill, bool, error) {
	if o.Status.IsTerminal() {
		return Fill{}, false, ErrAlreadyTerminal
	}
	if o.Status != StatusMatching && o.Status != StatusPartiallyFilled {
		return Fill{}, false, nil
	}
	if !ref.IsPositive() {
		return Fill{}, false, nil
	}

	if o.pendingStop() {
		if !o.stopCrossed(ref) {
			return Fill{}, false, nil
		}
		ix := b.index(o.Symbol)
		ix.remove(o)
		o.Triggered = true
		o.UpdatedAt = b.now().UTC()
		o.Version++
		ix.add(o)
		b.persist(o)
		b.emit(ctx, EventTriggered, o, nil)
	}
	if o.hasLimit() && !o.limitCrossed(ref) {
		return Fill{}, false, nil
	}

	ins, _ := b.instruments.Lookup(o.Symbol)
	qty := o.Remaining()
	if maxQty.IsPositive() && maxQty.LessThan(qty) {
		qty = maxQty
	}
	qty = qty.Truncate(ins.QtyScale)
	if !qty.IsPositive() {
		return Fill{}, false, nil
	}

	r, ok := b.reservation(o.ReservationID)
	if !ok {
		return Fill{}, false, fmt.Errorf("order %s: reservation %s missing", o.ID, o.ReservationID)
	}
	r.mu.Lock()
	// Members of a shared reservation draw on the same funds, so neither
	// side may settle more than is still reserved.
	notional := qty.Mul(ref)
	switch {
	case o.IsBuy() && notional.GreaterThan(r.Remaining):
		qty = r.Remaining.Div(ref).Truncate(ins.QtyScale)
		notional = qty.Mul(ref)
	case !o.IsBuy() && qty.GreaterThan(r.Remaining):
		qty = r.Remaining.Truncate(ins.QtyScale)
		notional = qty.Mul(ref)
	}
	if !qty.IsPositive() {
		r.mu.Unlock()
		if err := b.terminate(ctx, o, StatusCancelled, "reservation_exhausted"); err != nil {
			return Fill{}, false, err
		}
		return Fill{}, false, nil
	}

	commission := decimal.Zero
	if b.fees != nil {
		commission = b.fees.Commission(o.AccountID, o.Symbol, notional)
	}
	req := balance.SettleRequest{Account: o.AccountID, OrderID: o.ID}
	fill := Fill{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Quantity:  qty,
		Price:     ref,
		Notional:  notional,
		ParentID:  o.ParentID,
	}
	if o.IsBuy() {
		fee := commission.Div(ref).Round(ins.QtyScale)
		if fee.GreaterThan(qty) {
			fee = qty
		}
		req.DebitAsset, req.DebitAmount = ins.Quote, notional
		req.CreditAsset, req.CreditAmount, req.Fee = ins.Base, qty, fee
		fill.Commission, fill.CommissionAsset = fee, ins.Base
	} else {
		req.DebitAsset, req.DebitAmount = ins.Base, qty
		req.CreditAsset, req.CreditAmount, req.Fee = ins.Quote, notional, commission
		fill.Commission, fill.CommissionAsset = commission, ins.Quote
	}

	if err := b.ledger.Settle(balance.WithRef(ctx, r.ID), req); err != nil {
		r.mu.Unlock()
		return Fill{}, false, fmt.Errorf("settle order %s: %w", o.ID, err)
	}
	r.Remaining = r.Remaining.Sub(req.DebitAmount)
	b.persistReservation(r.Reservation)
	r.mu.Unlock()

	prev := o.FilledQty
	o.FilledQty = prev.Add(qty)
	o.AvgPrice = o.AvgPrice.Mul(prev).Add(ref.Mul(qty)).Div(o.FilledQty)
	o.Fees = o.Fees.Add(fill.Commission)
	fill.Time = b.now().UTC()
	b.metrics.ObserveFill(o.Symbol)

	if o.FilledQty.Equal(o.Quantity) {
		if err := b.release(ctx, o); err != nil {
			b.log.Error("release after fill failed", zap.String("order", o.ID), zap.Error(err))
		}
		_ = b.setStatus(o, StatusFilled, "")
		b.finish(o)
		b.persist(o)
		b.emit(ctx, EventFill, o, &fill)
		b.emit(ctx, EventTerminal, o, nil)
		return fill, true, nil
	}

	_ = b.setStatus(o, StatusPartiallyFilled, "")
	b.persist(o)
	b.emit(ctx, EventFill, o, &fill)
	return fill, true, nil
}

// Cancel cancels a live order and releases its reservation share.
func (b *Book) Cancel(ctx context.Context, id, reason string) (*Order, error) {
	e, ok := b.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if reason == "" {
		reason = "user_cancelled"
	}
	if err := b.terminate(ctx, e.o, StatusCancelled, reason); err != nil {
		return b.snapshot(e.o), err
	}
	return b.snapshot(e.o), nil
}

func (b *Book) snapshot(o *Order) *Order {
	c := *o
	return &c
}

// Get returns a snapshot of an order.
func (b *Book) Get(id string) (*Order, error) {
	if e, ok := b.lookup(id); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return b.snapshot(e.o), nil
	}
	if b.store != nil {
		return b.store.GetOrder(id)
	}
	return nil, ErrNotFound
}

// ListByAccount returns an account's orders, oldest first.
func (b *Book) ListByAccount(account string, openOnly bool) []*Order {
	if b.store != nil && !openOnly {
		if list, err := b.store.ListAccountOrders(account); err == nil {
			return list
		}
	}

	b.mu.RLock()
	ids := append([]string{}, b.byAccount[account]...)
	b.mu.RUnlock()

	out := make([]*Order, 0, len(ids))
	for _, id := range ids {
		o, err := b.Get(id)
		if err != nil {
			continue
		}
		if openOnly && o.Status.IsTerminal() {
			continue
		}
		out = append(out, o)
	}
	return out
}

// OpenCount returns the number of non-terminal orders.
func (b *Book) OpenCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.active)
}

// ExpireDue expires GTD orders whose deadline is at or before now. Each
// order is handled under its own lock, so a concurrent fill either lands
// first or finds the order expired.
func (b *Book) ExpireDue(ctx context.Context, now time.Time) int {
	b.mu.RLock()
	due := make([]*entry, 0)
	for _, e := range b.active {
		due = append(due, e)
	}
	b.mu.RUnlock()

	expired := 0
	for _, e := range due {
		e.mu.Lock()
		o := e.o
		if !o.Status.IsTerminal() && o.ExpiresAt != nil && !now.Before(*o.ExpiresAt) {
			if err := b.terminate(ctx, o, StatusExpired, "time_in_force_elapsed"); err != nil {
				b.log.Error("expire order failed", zap.String("order", o.ID), zap.Error(err))
			} else {
				expired++
				b.reporter.Emit(ctx, compliance.Event{
					AccountID:   o.AccountID,
					OrderID:     o.ID,
					Type:        compliance.TypeOrderExpired,
					Severity:    compliance.SeverityLow,
					Description: "order expired with " + o.Remaining().String() + " unfilled",
				})
			}
		}
		e.mu.Unlock()
	}
	return expired
}

// ProcessTick fills crossable resting orders at the tick price. Positive
// tick.Qty is shared among them in priority order; zero means unlimited.
// It returns the number of fills.
func (b *Book) ProcessTick(ctx context.Context, tick market.Tick) int {
	b.ixMu.Lock()
	ix, ok := b.indexes[tick.Symbol]
	b.ixMu.Unlock()
	if !ok || !tick.Price.IsPositive() {
		return 0
	}

	ids := ix.crossable(tick.Price)
	if len(ids) == 0 {
		return 0
	}

	type job struct {
		id  string
		max decimal.Decimal
	}
	jobs := make([]job, 0, len(ids))
	if tick.Qty.IsPositive() {
		left := tick.Qty
		for _, id := range ids {
			if !left.IsPositive() {
				break
			}
			o, err := b.Get(id)
			if err != nil || o.Status.IsTerminal() {
				continue
			}
			alloc := decimal.Min(o.Remaining(), left)
			left = left.Sub(alloc)
			jobs = append(jobs, job{id: id, max: alloc})
		}
	} else {
		for _, id := range ids {
			jobs = append(jobs, job{id: id})
		}
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fills int
	)
	run := func(j job) {
		defer wg.Done()
		_, filled, err := b.AttemptFill(ctx, j.id, tick.Price, j.max)
		if err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			b.log.Warn("tick fill failed", zap.String("order", j.id), zap.String("symbol", tick.Symbol), zap.Error(err))
		}
		if filled {
			mu.Lock()
			fills++
			mu.Unlock()
		}
	}
	for _, j := range jobs {
		wg.Add(1)
		j := j
		if b.pool == nil || b.pool.Submit(func() { run(j) }) != nil {
			run(j)
		}
	}
	wg.Wait()
	return fills
}

// Recover reloads open orders and reservations from the store. Orders caught
// mid-submission are cancelled; reservations left without members are
// released.
func (b *Book) Recover(ctx context.Context) (int, error) {
	if b.store == nil {
		return 0, nil
	}
	orders, reservations, err := b.store.LoadOpen()
	if err != nil {
		return 0, fmt.Errorf("load open orders: %w", err)
	}

	members := make(map[string]int)
	for _, o := range orders {
		if o.ReservationID != "" {
			members[o.ReservationID]++
		}
	}
	b.resMu.Lock()
	for _, r := range reservations {
		r.Members = members[r.ID]
		b.reservations[r.ID] = &reservation{Reservation: r}
	}
	b.resMu.Unlock()
	b.reconcile(ctx, orders)

	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	recovered := 0
	for _, o := range orders {
		e := &entry{o: o}
		b.mu.Lock()
		b.orders[o.ID] = e
		b.active[o.ID] = e
		b.byAccount[o.AccountID] = append(b.byAccount[o.AccountID], o.ID)
		b.mu.Unlock()

		e.mu.Lock()
		switch o.Status {
		case StatusPending, StatusValidating:
			_ = b.terminate(ctx, o, StatusCancelled, "interrupted_by_restart")
		case StatusAccepted:
			_ = b.setStatus(o, StatusMatching, "")
			b.persist(o)
			b.index(o.Symbol).add(o)
			recovered++
		default:
			b.index(o.Symbol).add(o)
			recovered++
		}
		e.mu.Unlock()
	}

	for _, r := range reservations {
		if members[r.ID] > 0 {
			continue
		}
		ghost := &Order{ReservationID: r.ID}
		if err := b.release(ctx, ghost); err != nil {
			b.log.Error("release orphaned reservation failed", zap.String("reservation", r.ID), zap.Error(err))
		}
	}

	b.log.Info("order book recovered", zap.Int("open_orders", recovered), zap.Int("reservations", len(reservations)))
	return recovered, nil
}
