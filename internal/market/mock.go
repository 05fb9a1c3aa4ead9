package market

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/events"
	"order-core/pkg/logger"
)

// MockFeed generates synthetic ticks for local development.
type MockFeed struct {
	Bus        *events.Bus
	Symbols    []string
	StartPrice decimal.Decimal
	Step       decimal.Decimal
	Interval   time.Duration
	Logger     *zap.Logger
}

// Start runs a random walk per symbol until ctx is cancelled.
func (m *MockFeed) Start(ctx context.Context) {
	log := logger.OrNop(m.Logger)
	if m.Bus == nil {
		log.Warn("mock feed: bus not set")
		return
	}
	if len(m.Symbols) == 0 {
		m.Symbols = []string{"BTC-USD"}
	}
	if m.StartPrice.IsZero() {
		m.StartPrice = decimal.NewFromInt(100)
	}
	if m.Step.IsZero() {
		m.Step = decimal.RequireFromString("0.5")
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}

	prices := make(map[string]decimal.Decimal, len(m.Symbols))
	for _, sym := range m.Symbols {
		prices[sym] = m.StartPrice
	}

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				for _, sym := range m.Symbols {
					// simple random walk, floored at one step
					delta := m.Step.Mul(decimal.NewFromFloat(rand.Float64()*2 - 1))
					next := prices[sym].Add(delta).Round(2)
					if next.LessThan(m.Step) {
						next = m.Step
					}
					prices[sym] = next
					m.Bus.Publish(events.EventPriceTick, Tick{Symbol: sym, Price: next, Timestamp: now})
				}
			}
		}
	}()
}
