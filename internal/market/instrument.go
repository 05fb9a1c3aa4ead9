// Package market holds instrument metadata, the fee schedule and the price
// feeds that drive the order book.
package market

import (
	"sort"

	"github.com/shopspring/decimal"

	"order-core/pkg/config"
)

// Instrument describes a tradable symbol and its two assets.
type Instrument struct {
	Symbol     string
	Base       string
	Quote      string
	QtyScale   int32
	PriceScale int32
	MinQty     decimal.Decimal
}

// QuoteScale is the precision used for quote-asset amounts.
const QuoteScale int32 = 8

// PayingAsset returns the asset a side spends.
func (i Instrument) PayingAsset(buy bool) string {
	if buy {
		return i.Quote
	}
	return i.Base
}

// ReceivedAsset returns the asset a side receives.
func (i Instrument) ReceivedAsset(buy bool) string {
	if buy {
		return i.Base
	}
	return i.Quote
}

// Registry is an immutable symbol lookup.
type Registry struct {
	bySymbol map[string]Instrument
}

// NewRegistry indexes instruments by symbol.
func NewRegistry(instruments ...Instrument) *Registry {
	r := &Registry{bySymbol: make(map[string]Instrument, len(instruments))}
	for _, ins := range instruments {
		r.bySymbol[ins.Symbol] = ins
	}
	return r
}

// RegistryFromConfig builds the registry from the limits file.
func RegistryFromConfig(l *config.Limits) *Registry {
	list := make([]Instrument, 0, len(l.Instruments))
	for _, ins := range l.Instruments {
		list = append(list, Instrument{
			Symbol:     ins.Symbol,
			Base:       ins.Base,
			Quote:      ins.Quote,
			QtyScale:   ins.QtyScale,
			PriceScale: ins.PriceScale,
			MinQty:     config.Dec(ins.MinQty),
		})
	}
	return NewRegistry(list...)
}

// Lookup returns the instrument for symbol.
func (r *Registry) Lookup(symbol string) (Instrument, bool) {
	ins, ok := r.bySymbol[symbol]
	return ins, ok
}

// Symbols returns all known symbols in sorted order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.bySymbol))
	for s := range r.bySymbol {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SymbolFor finds the instrument trading base against quote.
func (r *Registry) SymbolFor(base, quote string) (Instrument, bool) {
	for _, ins := range r.bySymbol {
		if ins.Base == base && ins.Quote == quote {
			return ins, true
		}
	}
	return Instrument{}, false
}
