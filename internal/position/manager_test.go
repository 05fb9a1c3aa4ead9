package position

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"order-core/internal/order"
	"order-core/pkg/db"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fill(side order.Side, qty, price string) order.Fill {
	return order.Fill{
		AccountID: "acct-1",
		Symbol:    "BTC-USD",
		Side:      side,
		Quantity:  d(qty),
		Price:     d(price),
		Time:      time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
	}
}

func TestApplyFill(t *testing.T) {
	tests := []struct {
		name         string
		fills        []order.Fill
		wantQty      string
		wantAvg      string
		wantRealized string
		wantHistory  int
	}{
		{
			name:    "open long",
			fills:   []order.Fill{fill(order.SideBuy, "1", "100")},
			wantQty: "1", wantAvg: "100", wantRealized: "0",
		},
		{
			name:    "add uses weighted mean",
			fills:   []order.Fill{fill(order.SideBuy, "1", "100"), fill(order.SideBuy, "3", "120")},
			wantQty: "4", wantAvg: "115", wantRealized: "0",
		},
		{
			name:    "reduce long realizes gain",
			fills:   []order.Fill{fill(order.SideBuy, "2", "100"), fill(order.SideSell, "0.5", "110")},
			wantQty: "1.5", wantAvg: "100", wantRealized: "5",
		},
		{
			name:    "reduce short realizes gain",
			fills:   []order.Fill{fill(order.SideSell, "2", "100"), fill(order.SideBuy, "1", "90")},
			wantQty: "-1", wantAvg: "100", wantRealized: "10",
		},
		{
			name:        "close at zero moves to history",
			fills:       []order.Fill{fill(order.SideBuy, "1", "100"), fill(order.SideSell, "1", "95")},
			wantQty:     "0",
			wantHistory: 1,
		},
		{
			name:    "flip opens at fill price",
			fills:   []order.Fill{fill(order.SideBuy, "1", "100"), fill(order.SideSell, "3", "110")},
			wantQty: "-2", wantAvg: "110", wantRealized: "0",
			wantHistory: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil, nil)
			for _, f := range tt.fills {
				m.ApplyFill(context.Background(), f)
			}
			p, ok := m.Get("acct-1", "BTC-USD")
			if tt.wantQty == "0" {
				if ok {
					t.Fatalf("position still open: %+v", p)
				}
			} else {
				if !ok {
					t.Fatalf("no open position")
				}
				if !p.Quantity.Equal(d(tt.wantQty)) || !p.AvgPrice.Equal(d(tt.wantAvg)) || !p.RealizedPnL.Equal(d(tt.wantRealized)) {
					t.Fatalf("position=%+v, expected qty=%s avg=%s realized=%s", p, tt.wantQty, tt.wantAvg, tt.wantRealized)
				}
			}
			if got := len(m.History("acct-1")); got != tt.wantHistory {
				t.Fatalf("history=%d, expected %d", got, tt.wantHistory)
			}
		})
	}
}

func TestClosedPositionKeepsRealizedPnL(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	m.ApplyFill(ctx, fill(order.SideBuy, "1", "100"))
	m.ApplyFill(ctx, fill(order.SideSell, "3", "110"))

	h := m.History("acct-1")
	if len(h) != 1 {
		t.Fatalf("history=%+v", h)
	}
	if h[0].Status != StatusClosed || h[0].ClosedAt == nil || !h[0].RealizedPnL.Equal(d("10")) {
		t.Fatalf("closed=%+v", h[0])
	}
}

func TestMarkAndExposure(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()
	m.ApplyFill(ctx, fill(order.SideBuy, "2", "100"))
	eth := fill(order.SideSell, "10", "5")
	eth.Symbol = "ETH-USD"
	m.ApplyFill(ctx, eth)

	m.Mark("BTC-USD", d("110"))
	p, _ := m.Get("acct-1", "BTC-USD")
	if !p.UnrealizedPnL.Equal(d("20")) || !p.MarkPrice.Equal(d("110")) {
		t.Fatalf("position=%+v", p)
	}
	if got := m.SymbolExposure("acct-1", "BTC-USD"); !got.Equal(d("220")) {
		t.Fatalf("symbol exposure=%s, expected 220", got)
	}
	// 2 * 110 + |-10| * 5
	if got := m.Exposure("acct-1"); !got.Equal(d("270")) {
		t.Fatalf("exposure=%s, expected 270", got)
	}
	if got := m.SignedQuantity("acct-1", "ETH-USD"); !got.Equal(d("-10")) {
		t.Fatalf("signed qty=%s", got)
	}
	if len(m.List("acct-1")) != 2 {
		t.Fatalf("list=%+v", m.List("acct-1"))
	}
}

func TestListenerAppliesOnlyFills(t *testing.T) {
	m := NewManager(nil, nil)
	f := fill(order.SideBuy, "1", "100")
	m.OnOrderEvent(context.Background(), order.Event{Kind: order.EventAccepted})
	m.OnOrderEvent(context.Background(), order.Event{Kind: order.EventFill, Fill: &f})
	if p, ok := m.Get("acct-1", "BTC-USD"); !ok || !p.Quantity.Equal(d("1")) {
		t.Fatalf("position=%+v ok=%v", p, ok)
	}
}

func TestLoadFromDatabase(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	ctx := context.Background()
	m := NewManager(database, nil)
	m.ApplyFill(ctx, fill(order.SideBuy, "1", "100"))
	m.ApplyFill(ctx, fill(order.SideSell, "1", "120"))
	m.ApplyFill(ctx, fill(order.SideBuy, "0.5", "130"))

	reloaded := NewManager(database, nil)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := reloaded.Get("acct-1", "BTC-USD")
	if !ok || !p.Quantity.Equal(d("0.5")) || !p.AvgPrice.Equal(d("130")) {
		t.Fatalf("position=%+v ok=%v", p, ok)
	}
	h := reloaded.History("acct-1")
	if len(h) != 1 || !h[0].RealizedPnL.Equal(d("20")) {
		t.Fatalf("history=%+v", h)
	}
}
