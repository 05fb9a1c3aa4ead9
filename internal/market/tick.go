package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single price observation. Qty is the liquidity available at Price;
// zero means unlimited.
type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	Timestamp time.Time       `json:"ts"`
}
