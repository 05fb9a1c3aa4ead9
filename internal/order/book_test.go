package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"order-core/internal/balance"
	"order-core/internal/market"
	"order-core/internal/risk"
)

type testPrices struct {
	mu sync.Mutex
	m  map[string]decimal.Decimal
}

func (p *testPrices) Get(symbol string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.m[symbol]
	return v, ok
}

func (p *testPrices) set(symbol, price string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[symbol] = d(price)
}

type gateFunc func(risk.Input) risk.Decision

func (f gateFunc) Screen(_ context.Context, in risk.Input, _ string) risk.Decision { return f(in) }

func allowAll(risk.Input) risk.Decision { return risk.Decision{Allowed: true} }

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnOrderEvent(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds(id string) []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventKind
	for _, ev := range r.events {
		if ev.Order.ID == id {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type fixture struct {
	book   *Book
	ledger *balance.Ledger
	prices *testPrices
	events *recorder
	now    time.Time
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newFixture(t *testing.T, gate Gate, store Store) *fixture {
	t.Helper()
	f := &fixture{
		ledger: balance.NewLedger(balance.Options{}),
		prices: &testPrices{m: make(map[string]decimal.Decimal)},
		events: &recorder{},
		now:    time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	}
	if gate == nil {
		gate = gateFunc(allowAll)
	}
	f.book = NewBook(Options{
		Instruments: market.NewRegistry(market.Instrument{
			Symbol: "BTC-USD", Base: "BTC", Quote: "USD", QtyScale: 8, PriceScale: 2, MinQty: d("0.0001"),
		}),
		Ledger:       f.ledger,
		Gate:         gate,
		Prices:       f.prices,
		Store:        store,
		MarketBuffer: d("0.05"),
		Now:          func() time.Time { return f.now },
	})
	f.book.AddListener(f.events)
	return f
}

func (f *fixture) deposit(t *testing.T, account, asset, amount string) {
	t.Helper()
	if err := f.ledger.Deposit(context.Background(), account, asset, d(amount)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) expectBalance(t *testing.T, account, asset, available, locked string) {
	t.Helper()
	b := f.ledger.Balance(account, asset)
	if !b.Available.Equal(d(available)) || !b.Locked.Equal(d(locked)) {
		t.Fatalf("%s %s: available=%s locked=%s, expected %s/%s", account, asset, b.Available, b.Locked, available, locked)
	}
}

func limitBuy(qty, price string) Request {
	return Request{AccountID: "acct-1", Symbol: "BTC-USD", Side: SideBuy, Type: TypeLimit, Quantity: d(qty), Price: d(price)}
}

func limitSell(qty, price string) Request {
	return Request{AccountID: "acct-1", Symbol: "BTC-USD", Side: SideSell, Type: TypeLimit, Quantity: d(qty), Price: d(price)}
}

func tick(price, qty string) market.Tick {
	t := market.Tick{Symbol: "BTC-USD", Price: d(price)}
	if qty != "" {
		t.Qty = d(qty)
	}
	return t
}

func TestLimitBuyFillsOnTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "USD", "1000")

	o, err := f.book.Submit(ctx, limitBuy("0.01", "50000"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.Status != StatusMatching {
		t.Fatalf("status=%s, expected MATCHING", o.Status)
	}
	f.expectBalance(t, "acct-1", "USD", "500", "500")

	if n := f.book.ProcessTick(ctx, tick("50000", "")); n != 1 {
		t.Fatalf("fills=%d, expected 1", n)
	}
	got, _ := f.book.Get(o.ID)
	if got.Status != StatusFilled || !got.FilledQty.Equal(d("0.01")) || !got.AvgPrice.Equal(d("50000")) {
		t.Fatalf("order=%+v", got)
	}
	f.expectBalance(t, "acct-1", "USD", "500", "0")
	f.expectBalance(t, "acct-1", "BTC", "0.01", "0")

	kinds := f.events.kinds(o.ID)
	want := []EventKind{EventAccepted, EventFill, EventTerminal}
	if len(kinds) != len(want) {
		t.Fatalf("events=%v, expected %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events=%v, expected %v", kinds, want)
		}
	}
	if f.book.OpenCount() != 0 {
		t.Fatalf("open orders=%d, expected 0", f.book.OpenCount())
	}
}

func TestSubmitInvalidHasNoSideEffects(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"unknown symbol", Request{AccountID: "acct-1", Symbol: "DOGE-USD", Side: SideBuy, Type: TypeLimit, Quantity: d("1"), Price: d("1")}},
		{"bad side", Request{AccountID: "acct-1", Symbol: "BTC-USD", Side: "HOLD", Type: TypeLimit, Quantity: d("1"), Price: d("1")}},
		{"zero quantity", limitBuy("0", "100")},
		{"negative quantity", limitBuy("-1", "100")},
		{"too many decimals", limitBuy("0.000000001", "100")},
		{"below minimum", limitBuy("0.00001", "100")},
		{"limit without price", limitBuy("1", "0")},
		{"stop without stop price", Request{AccountID: "acct-1", Symbol: "BTC-USD", Side: SideSell, Type: TypeStop, Quantity: d("1")}},
		{"ioc on stop", Request{AccountID: "acct-1", Symbol: "BTC-USD", Side: SideSell, Type: TypeStop, Quantity: d("1"), StopPrice: d("90"), TimeInForce: IOC}},
		{"gtd without expiry", Request{AccountID: "acct-1", Symbol: "BTC-USD", Side: SideBuy, Type: TypeLimit, Quantity: d("1"), Price: d("1"), TimeInForce: GTD}},
		{"market without price", Request{AccountID: "acct-1", Symbol: "BTC-USD", Side: SideBuy, Type: TypeMarket, Quantity: d("1")}},
		{"unknown reservation", Request{AccountID: "acct-1", Symbol: "BTC-USD", Side: SideBuy, Type: TypeLimit, Quantity: d("1"), Price: d("1"), ShareReservation: "nope"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.deposit(t, "acct-1", "USD", "1000")
			o, err := f.book.Submit(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("err=%v, expected ErrInvalidOrder", err)
			}
			if o != nil {
				t.Fatalf("order=%+v, expected nil", o)
			}
			if len(f.book.ListByAccount("acct-1", false)) != 0 {
				t.Fatalf("invalid order was registered")
			}
			f.expectBalance(t, "acct-1", "USD", "1000", "0")
		})
	}
}

func TestRiskRejectionLeavesFundsUntouched(t *testing.T) {
	gate := gateFunc(func(risk.Input) risk.Decision {
		return risk.Decision{Reason: risk.ReasonOrderLimit, Detail: "too big"}
	})
	f := newFixture(t, gate, nil)
	f.deposit(t, "acct-1", "USD", "1000")

	o, err := f.book.Submit(context.Background(), limitBuy("1", "100"))
	var rej *RejectedError
	if !errors.As(err, &rej) || !errors.Is(err, ErrRejected) || rej.Reason != risk.ReasonOrderLimit {
		t.Fatalf("err=%v, expected order_limit rejection", err)
	}
	if o.Status != StatusRejected || o.Reason != risk.ReasonOrderLimit {
		t.Fatalf("order=%+v", o)
	}
	f.expectBalance(t, "acct-1", "USD", "1000", "0")
}

func TestInsufficientFundsRejects(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "USD", "1000")

	o, err := f.book.Submit(context.Background(), limitBuy("1", "5000"))
	if !errors.Is(err, balance.ErrInsufficientFunds) {
		t.Fatalf("err=%v, expected ErrInsufficientFunds", err)
	}
	if o.Status != StatusRejected || o.Reason != "insufficient_funds" {
		t.Fatalf("order=%+v", o)
	}
	f.expectBalance(t, "acct-1", "USD", "1000", "0")
}

func TestCancelRestoresLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "USD", "1000")

	o, err := f.book.Submit(ctx, limitBuy("2", "100"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.expectBalance(t, "acct-1", "USD", "800", "200")

	got, err := f.book.Cancel(ctx, o.ID, "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusCancelled || got.Reason != "user_cancelled" || got.CancelledAt == nil {
		t.Fatalf("order=%+v", got)
	}
	f.expectBalance(t, "acct-1", "USD", "1000", "0")

	if _, err := f.book.Cancel(ctx, o.ID, ""); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second cancel err=%v, expected ErrAlreadyTerminal", err)
	}
	if _, _, err := f.book.AttemptFill(ctx, o.ID, d("100"), decimal.Zero); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("fill after cancel err=%v, expected ErrAlreadyTerminal", err)
	}
	if _, err := f.book.Cancel(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown err=%v, expected ErrNotFound", err)
	}
}

func TestPartialFillsFromTickLiquidity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "BTC", "1")

	o, err := f.book.Submit(ctx, limitSell("1", "100"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n := f.book.ProcessTick(ctx, tick("99", "")); n != 0 {
		t.Fatalf("fills below limit=%d, expected 0", n)
	}
	if n := f.book.ProcessTick(ctx, tick("100", "0.4")); n != 1 {
		t.Fatalf("fills=%d, expected 1", n)
	}
	got, _ := f.book.Get(o.ID)
	if got.Status != StatusPartiallyFilled || !got.FilledQty.Equal(d("0.4")) {
		t.Fatalf("order=%+v", got)
	}
	f.expectBalance(t, "acct-1", "USD", "40", "0")
	f.expectBalance(t, "acct-1", "BTC", "0", "0.6")

	f.book.ProcessTick(ctx, tick("110", ""))
	got, _ = f.book.Get(o.ID)
	if got.Status != StatusFilled {
		t.Fatalf("status=%s, expected FILLED", got.Status)
	}
	// 0.4 @ 100 + 0.6 @ 110
	if !got.AvgPrice.Equal(d("106")) {
		t.Fatalf("avg price=%s, expected 106", got.AvgPrice)
	}
	f.expectBalance(t, "acct-1", "USD", "106", "0")
	f.expectBalance(t, "acct-1", "BTC", "0", "0")
}

func TestTickLiquiditySharedInPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "USD", "1000")

	better, _ := f.book.Submit(ctx, limitBuy("1", "105"))
	worse, _ := f.book.Submit(ctx, limitBuy("1", "101"))

	f.book.ProcessTick(ctx, tick("100", "1.5"))

	b, _ := f.book.Get(better.ID)
	w, _ := f.book.Get(worse.ID)
	if b.Status != StatusFilled {
		t.Fatalf("better priced order status=%s, expected FILLED", b.Status)
	}
	if !w.FilledQty.Equal(d("0.5")) {
		t.Fatalf("worse priced order filled=%s, expected 0.5", w.FilledQty)
	}
}

func TestStopTriggersThenFills(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "USD", "200")
	f.prices.set("BTC-USD", "100")

	o, err := f.book.Submit(ctx, Request{
		AccountID: "acct-1", Symbol: "BTC-USD", Side: SideBuy, Type: TypeStop,
		Quantity: d("1"), StopPrice: d("110"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// 1 * max(110, 100) * 1.05
	f.expectBalance(t, "acct-1", "USD", "84.5", "115.5")

	if n := f.book.ProcessTick(ctx, tick("105", "")); n != 0 {
		t.Fatalf("fills before trigger=%d", n)
	}
	if n := f.book.ProcessTick(ctx, tick("112", "")); n != 1 {
		t.Fatalf("fills=%d, expected 1", n)
	}
	got, _ := f.book.Get(o.ID)
	if got.Status != StatusFilled || !got.Triggered {
		t.Fatalf("order=%+v", got)
	}
	f.expectBalance(t, "acct-1", "USD", "88", "0")

	kinds := f.events.kinds(o.ID)
	if len(kinds) < 2 || kinds[1] != EventTriggered {
		t.Fatalf("events=%v, expected triggered after accepted", kinds)
	}
}

func TestStopLimitRestsAfterTrigger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "BTC", "1")

	o, err := f.book.Submit(ctx, Request{
		AccountID: "acct-1", Symbol: "BTC-USD", Side: SideSell, Type: TypeStopLimit,
		Quantity: d("1"), StopPrice: d("90"), Price: d("89"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.book.ProcessTick(ctx, tick("88", ""))
	got, _ := f.book.Get(o.ID)
	if !got.Triggered || got.Status != StatusMatching {
		t.Fatalf("order=%+v, expected triggered and resting", got)
	}
	f.book.ProcessTick(ctx, tick("89.5", ""))
	got, _ = f.book.Get(o.ID)
	if got.Status != StatusFilled || !got.AvgPrice.Equal(d("89.5")) {
		t.Fatalf("order=%+v", got)
	}
}

func TestMarketBuyReleasesBuffer(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "USD", "1000")
	f.prices.set("BTC-USD", "100")

	o, err := f.book.Submit(context.Background(), Request{
		AccountID: "acct-1", Symbol: "BTC-USD", Side: SideBuy, Type: TypeMarket, Quantity: d("1"),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.Status != StatusFilled {
		t.Fatalf("status=%s, expected FILLED", o.Status)
	}
	f.expectBalance(t, "acct-1", "USD", "900", "0")
	f.expectBalance(t, "acct-1", "BTC", "1", "0")
}

func TestTimeInForce(t *testing.T) {
	tests := []struct {
		name       string
		tif        TimeInForce
		price      string
		wantStatus Status
		wantReason string
		wantUSD    string
	}{
		{"ioc crossing fills", IOC, "100", StatusFilled, "", "900"},
		{"ioc resting cancels", IOC, "90", StatusCancelled, "ioc_remainder", "1000"},
		{"fok crossing fills", FOK, "101", StatusFilled, "", "900"},
		{"fok not crossing cancels", FOK, "99", StatusCancelled, "fok_unfilled", "1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.deposit(t, "acct-1", "USD", "1000")
			f.prices.set("BTC-USD", "100")

			req := limitBuy("1", tt.price)
			req.TimeInForce = tt.tif
			o, err := f.book.Submit(context.Background(), req)
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if o.Status != tt.wantStatus || o.Reason != tt.wantReason {
				t.Fatalf("status=%s reason=%q, expected %s %q", o.Status, o.Reason, tt.wantStatus, tt.wantReason)
			}
			f.expectBalance(t, "acct-1", "USD", tt.wantUSD, "0")
		})
	}
}

func TestExpireDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "USD", "1000")

	expires := f.now.Add(time.Hour)
	req := limitBuy("1", "100")
	req.TimeInForce = GTD
	req.ExpiresAt = &expires
	o, err := f.book.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	keep, _ := f.book.Submit(ctx, limitBuy("1", "100"))

	if n := f.book.ExpireDue(ctx, f.now.Add(30*time.Minute)); n != 0 {
		t.Fatalf("expired early: %d", n)
	}
	if n := f.book.ExpireDue(ctx, expires); n != 1 {
		t.Fatalf("expired=%d, expected 1", n)
	}
	got, _ := f.book.Get(o.ID)
	if got.Status != StatusExpired || got.Reason != "time_in_force_elapsed" {
		t.Fatalf("order=%+v", got)
	}
	if k, _ := f.book.Get(keep.ID); k.Status != StatusMatching {
		t.Fatalf("GTC order status=%s", k.Status)
	}
	f.expectBalance(t, "acct-1", "USD", "900", "100")
}

func TestSharedReservationReleasedByLastMember(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "BTC", "1")

	first, err := f.book.Submit(ctx, limitSell("1", "200"))
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	second, err := f.book.Submit(ctx, Request{
		AccountID: "acct-1", Symbol: "BTC-USD", Side: SideSell, Type: TypeStop,
		Quantity: d("1"), StopPrice: d("80"), ShareReservation: first.ReservationID,
	})
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if second.ReservationID != first.ReservationID {
		t.Fatalf("reservation not shared")
	}
	r, _ := f.book.Reservation(first.ReservationID)
	if r.Members != 2 {
		t.Fatalf("members=%d, expected 2", r.Members)
	}
	f.expectBalance(t, "acct-1", "BTC", "0", "1")

	if _, err := f.book.Cancel(ctx, first.ID, ""); err != nil {
		t.Fatalf("Cancel first: %v", err)
	}
	f.expectBalance(t, "acct-1", "BTC", "0", "1")

	if _, err := f.book.Cancel(ctx, second.ID, ""); err != nil {
		t.Fatalf("Cancel second: %v", err)
	}
	f.expectBalance(t, "acct-1", "BTC", "1", "0")
	if _, ok := f.book.Reservation(first.ReservationID); ok {
		t.Fatalf("reservation still live")
	}
}

func TestSharedSellReservationCapsSecondLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "BTC", "1")

	limit, err := f.book.Submit(ctx, limitSell("1", "60000"))
	if err != nil {
		t.Fatalf("Submit limit: %v", err)
	}
	stop, err := f.book.Submit(ctx, Request{
		AccountID: "acct-1", Symbol: "BTC-USD", Side: SideSell, Type: TypeStop,
		Quantity: d("1"), StopPrice: d("45000"), ShareReservation: limit.ReservationID,
	})
	if err != nil {
		t.Fatalf("Submit stop: %v", err)
	}

	if fills := f.book.ProcessTick(ctx, tick("45000", "")); fills != 1 {
		t.Fatalf("fills=%d, expected the stop leg only", fills)
	}
	if got, _ := f.book.Get(stop.ID); got.Status != StatusFilled {
		t.Fatalf("stop leg status=%s", got.Status)
	}

	// The limit leg crosses before anyone cancels it.
	_, filled, err := f.book.AttemptFill(ctx, limit.ID, d("60000"), decimal.Zero)
	if err != nil || filled {
		t.Fatalf("second leg filled=%v err=%v", filled, err)
	}
	got, _ := f.book.Get(limit.ID)
	if got.Status != StatusCancelled || got.Reason != "reservation_exhausted" || !got.FilledQty.IsZero() {
		t.Fatalf("limit leg=%+v", got)
	}
	if halted, reason := f.ledger.Halted("acct-1"); halted {
		t.Fatalf("account halted: %s", reason)
	}
	f.expectBalance(t, "acct-1", "BTC", "0", "0")
	f.expectBalance(t, "acct-1", "USD", "45000", "0")
	if _, ok := f.book.Reservation(limit.ReservationID); ok {
		t.Fatalf("reservation still live")
	}
}

func TestConcurrentTicksNeverOverfill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.deposit(t, "acct-1", "BTC", "1")
	o, _ := f.book.Submit(ctx, limitSell("1", "100"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.book.ProcessTick(ctx, tick("100", "0.3"))
		}()
	}
	wg.Wait()

	got, _ := f.book.Get(o.ID)
	if got.Status != StatusFilled || !got.FilledQty.Equal(d("1")) {
		t.Fatalf("order=%+v", got)
	}
	f.expectBalance(t, "acct-1", "USD", "100", "0")
	f.expectBalance(t, "acct-1", "BTC", "0", "0")
}

func TestRecoverFromPebble(t *testing.T) {
	ctx := context.Background()
	store, err := OpenPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	defer store.Close()

	f := newFixture(t, nil, store)
	f.deposit(t, "acct-1", "USD", "1000")
	open, err := f.book.Submit(ctx, limitBuy("1", "100"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	done, _ := f.book.Submit(ctx, limitBuy("1", "100"))
	if _, err := f.book.Cancel(ctx, done.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	restarted := NewBook(Options{
		Instruments: market.NewRegistry(market.Instrument{Symbol: "BTC-USD", Base: "BTC", Quote: "USD", QtyScale: 8}),
		Ledger:      f.ledger,
		Gate:        gateFunc(allowAll),
		Prices:      f.prices,
		Store:       store,
	})
	n, err := restarted.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered=%d, expected 1", n)
	}
	if r, ok := restarted.Reservation(open.ReservationID); !ok || r.Members != 1 {
		t.Fatalf("reservation=%+v ok=%v", r, ok)
	}
	if fills := restarted.ProcessTick(ctx, tick("100", "")); fills != 1 {
		t.Fatalf("fills=%d, expected 1", fills)
	}
	got, err := restarted.Get(open.ID)
	if err != nil || got.Status != StatusFilled {
		t.Fatalf("order=%+v err=%v", got, err)
	}
	if old, err := restarted.Get(done.ID); err != nil || old.Status != StatusCancelled {
		t.Fatalf("cancelled order from store=%+v err=%v", old, err)
	}
	if list := restarted.ListByAccount("acct-1", false); len(list) != 2 {
		t.Fatalf("history=%d orders, expected 2", len(list))
	}
	f.expectBalance(t, "acct-1", "USD", "900", "0")
}

func TestRecoverRepairsReservationsAfterTornWrites(t *testing.T) {
	ctx := context.Background()
	store, err := OpenPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenPebbleStore: %v", err)
	}
	defer store.Close()

	f := newFixture(t, nil, store)
	f.deposit(t, "acct-1", "BTC", "1")
	f.deposit(t, "acct-1", "USD", "500")
	sell, err := f.book.Submit(ctx, limitSell("1", "100"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// A settle reached the journal but the reservation write did not.
	if err := f.ledger.Settle(ctx, balance.SettleRequest{
		Account: "acct-1", DebitAsset: "BTC", DebitAmount: d("0.4"), CreditAsset: "USD", CreditAmount: d("40"),
	}); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	// A lock reached the journal but its order never got past validation.
	interrupted := &Order{
		ID: "interrupted", AccountID: "acct-1", Symbol: "BTC-USD", Side: SideBuy, Type: TypeLimit,
		Quantity: d("1"), Price: d("50"), Status: StatusValidating, CreatedAt: f.now,
	}
	if err := store.PutOrder(interrupted); err != nil {
		t.Fatalf("PutOrder: %v", err)
	}
	if err := f.ledger.Lock(ctx, "acct-1", "USD", d("50")); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	restarted := NewBook(Options{
		Instruments: market.NewRegistry(market.Instrument{Symbol: "BTC-USD", Base: "BTC", Quote: "USD", QtyScale: 8}),
		Ledger:      f.ledger,
		Gate:        gateFunc(allowAll),
		Prices:      f.prices,
		Store:       store,
	})
	if _, err := restarted.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if r, ok := restarted.Reservation(sell.ReservationID); !ok || !r.Remaining.Equal(d("0.6")) {
		t.Fatalf("reservation=%+v ok=%v, expected 0.6 remaining", r, ok)
	}
	f.expectBalance(t, "acct-1", "USD", "540", "0")
	if got, _ := restarted.Get("interrupted"); got.Status != StatusCancelled {
		t.Fatalf("interrupted order status=%s", got.Status)
	}

	if _, err := restarted.Cancel(ctx, sell.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if halted, reason := f.ledger.Halted("acct-1"); halted {
		t.Fatalf("account halted: %s", reason)
	}
	f.expectBalance(t, "acct-1", "BTC", "0.6", "0")
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusValidating, true},
		{StatusPending, StatusMatching, false},
		{StatusValidating, StatusRejected, true},
		{StatusAccepted, StatusMatching, true},
		{StatusMatching, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusPartiallyFilled, true},
		{StatusPartiallyFilled, StatusFilled, true},
		{StatusMatching, StatusAccepted, false},
		{StatusAccepted, StatusExpired, true},
		{StatusFilled, StatusCancelled, false},
		{StatusCancelled, StatusExpired, false},
		{StatusRejected, StatusValidating, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s)=%v, expected %v", tt.from, tt.to, got, tt.ok)
		}
	}
}
