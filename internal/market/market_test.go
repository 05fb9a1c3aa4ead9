package market

import (
	"testing"

	"github.com/shopspring/decimal"

	"order-core/pkg/config"
)

func TestCommissionPrecedence(t *testing.T) {
	fs := FeeScheduleFromConfig(config.Fees{
		DefaultBps: "10",
		Symbols:    map[string]string{"BTC-USD": "5"},
		Accounts:   map[string]string{"vip": "0"},
	})
	notional := decimal.NewFromInt(500)

	tests := []struct {
		account, symbol string
		want            string
	}{
		{"acct", "ETH-USD", "0.5"},
		{"acct", "BTC-USD", "0.25"},
		{"vip", "BTC-USD", "0"},
	}
	for _, tt := range tests {
		got := fs.Commission(tt.account, tt.symbol, notional)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Fatalf("Commission(%s,%s)=%s, expected %s", tt.account, tt.symbol, got, tt.want)
		}
	}

	var nilSchedule *FeeSchedule
	if !nilSchedule.Commission("a", "b", notional).IsZero() {
		t.Fatalf("nil schedule should charge nothing")
	}
}

func TestRegistryFromConfig(t *testing.T) {
	r := RegistryFromConfig(config.DefaultLimits())
	ins, ok := r.Lookup("BTC-USD")
	if !ok {
		t.Fatalf("BTC-USD missing")
	}
	if ins.PayingAsset(true) != "USD" || ins.ReceivedAsset(true) != "BTC" {
		t.Fatalf("buy assets wrong: %+v", ins)
	}
	if ins.PayingAsset(false) != "BTC" || ins.ReceivedAsset(false) != "USD" {
		t.Fatalf("sell assets wrong: %+v", ins)
	}
	if _, ok := r.SymbolFor("ETH", "USD"); !ok {
		t.Fatalf("SymbolFor(ETH, USD) not found")
	}
	if got := r.Symbols(); len(got) != 2 || got[0] != "BTC-USD" {
		t.Fatalf("Symbols=%v", got)
	}
}

func TestParseTick(t *testing.T) {
	tick, err := ParseTick([]byte(`{"symbol":"BTC-USD","price":"50000.5","qty":"0.2"}`))
	if err != nil {
		t.Fatalf("ParseTick: %v", err)
	}
	if tick.Price.String() != "50000.5" || tick.Qty.String() != "0.2" {
		t.Fatalf("tick=%+v", tick)
	}
	if tick.Timestamp.IsZero() {
		t.Fatalf("timestamp not defaulted")
	}

	if _, err := ParseTick([]byte(`{"symbol":"BTC-USD","price":"0"}`)); err == nil {
		t.Fatalf("expected error for zero price")
	}
	if _, err := ParseTick([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for bad json")
	}
}
