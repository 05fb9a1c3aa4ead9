package market

import (
	"github.com/shopspring/decimal"

	"order-core/pkg/config"
)

var bpsDivisor = decimal.NewFromInt(10000)

// FeeSchedule charges a basis-point commission on notional.
type FeeSchedule struct {
	DefaultBps decimal.Decimal
	Symbols    map[string]decimal.Decimal
	Accounts   map[string]decimal.Decimal
}

// FeeScheduleFromConfig converts the fees section of the limits file.
func FeeScheduleFromConfig(f config.Fees) *FeeSchedule {
	fs := &FeeSchedule{
		DefaultBps: config.Dec(f.DefaultBps),
		Symbols:    make(map[string]decimal.Decimal, len(f.Symbols)),
		Accounts:   make(map[string]decimal.Decimal, len(f.Accounts)),
	}
	for k, v := range f.Symbols {
		fs.Symbols[k] = config.Dec(v)
	}
	for k, v := range f.Accounts {
		fs.Accounts[k] = config.Dec(v)
	}
	return fs
}

// Commission returns the fee, in quote units, for trading notional.
func (f *FeeSchedule) Commission(account, symbol string, notional decimal.Decimal) decimal.Decimal {
	if f == nil {
		return decimal.Zero
	}
	bps := f.DefaultBps
	if v, ok := f.Symbols[symbol]; ok {
		bps = v
	}
	if v, ok := f.Accounts[account]; ok {
		bps = v
	}
	if bps.IsZero() {
		return decimal.Zero
	}
	return notional.Mul(bps).Div(bpsDivisor).Round(QuoteScale)
}
