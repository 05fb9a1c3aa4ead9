package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"order-core/internal/events"
	"order-core/internal/market"
	"order-core/internal/order"
)

const tickBuffer = 4096

// Start subscribes to price ticks and runs the expiry sweep until Stop.
func (e *Impl) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)

	if e.bus != nil {
		ticks, unsubscribe := e.bus.Subscribe(events.EventPriceTick, tickBuffer)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer unsubscribe()
			e.tickLoop(ctx, ticks)
		}()
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.sweepLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.drainOutbox(ctx)
	}()
	e.log.Info("engine started", zap.Duration("expiry_sweep", e.sweep))
}

// Stop halts tick routing, the sweep and every supervisor.
func (e *Impl) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.started = false
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	if e.supervisors != nil {
		e.supervisors.Stop()
	}
}

func (e *Impl) tickLoop(ctx context.Context, ticks <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ticks:
			if !ok {
				return
			}
			t, ok := msg.(market.Tick)
			if !ok {
				continue
			}
			e.ApplyTick(ctx, t)
		}
	}
}

// ApplyTick routes one tick: the price cache drops stale or out-of-order
// ticks, then the book fills crossing orders, positions are marked and
// supervisors observe the price.
func (e *Impl) ApplyTick(ctx context.Context, t market.Tick) int {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	accepted := t.Price.IsPositive() && e.prices.Observe(t.Symbol, t.Price, t.Timestamp)
	e.metrics.ObserveTick(t.Symbol, accepted)
	if !accepted {
		return 0
	}

	n := e.book.ProcessTick(ctx, t)
	if e.positions != nil {
		e.positions.Mark(t.Symbol, t.Price)
	}
	if e.supervisors != nil {
		e.supervisors.OnTick(t)
	}
	return n
}

func (e *Impl) sweepLoop(ctx context.Context) {
	t := time.NewTicker(e.sweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := e.book.ExpireDue(ctx, now); n > 0 {
				e.log.Info("expired orders", zap.Int("count", n))
			}
		}
	}
}

// OnOrderEvent fans book events out to the bus, the fills topic and the
// Redis order cache. Network writes leave the order lock through the outbox.
func (e *Impl) OnOrderEvent(_ context.Context, ev order.Event) {
	o := ev.Order
	if e.bus != nil {
		e.bus.Publish(events.EventOrderUpdate, o)
	}

	switch ev.Kind {
	case order.EventFill:
		if ev.Fill == nil {
			break
		}
		msg := FillMessage{Fill: *ev.Fill, Status: o.Status}
		if e.bus != nil {
			e.bus.Publish(events.EventOrderFilled, msg)
			if e.positions != nil {
				if p, ok := e.positions.Get(o.AccountID, o.Symbol); ok {
					e.bus.Publish(events.EventPositionChange, p)
				}
			}
		}
		if e.fills != nil || e.orderCache != nil {
			e.enqueue(func(ctx context.Context) {
				if err := e.fills.Publish(ctx, o.AccountID, msg); err != nil {
					e.log.Warn("publish fill failed", zap.String("order", o.ID), zap.Error(err))
				}
				if err := e.orderCache.PushFill(ctx, o.AccountID, msg.Fill); err != nil {
					e.log.Warn("cache fill failed", zap.String("order", o.ID), zap.Error(err))
				}
			})
		}
	case order.EventTerminal:
		if e.bus != nil {
			e.bus.Publish(events.EventOrderTerminal, o)
		}
	}

	if e.orderCache != nil {
		e.enqueue(func(ctx context.Context) {
			if err := e.orderCache.PutOrder(ctx, o.AccountID, o.ID, o.Status.IsTerminal(), o); err != nil {
				e.log.Warn("cache order failed", zap.String("order", o.ID), zap.Error(err))
			}
		})
	}
}

// enqueue hands a side effect to the outbox. The outbox runs them in order
// on one goroutine so cache snapshots never go backwards; when it is full
// the effect is dropped.
func (e *Impl) enqueue(fn func(ctx context.Context)) {
	select {
	case e.outbox <- fn:
	default:
		e.outboxDropped.Add(1)
		e.log.Warn("outbox full; dropping side effect")
	}
}

func (e *Impl) drainOutbox(ctx context.Context) {
	run := func(fn func(context.Context)) {
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fn(wctx)
	}
	for {
		select {
		case fn := <-e.outbox:
			run(fn)
		case <-ctx.Done():
			for {
				select {
				case fn := <-e.outbox:
					run(fn)
				default:
					return
				}
			}
		}
	}
}
