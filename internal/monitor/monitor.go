package monitor

import (
	"context"
	"fmt"
	"time"

	"order-core/pkg/cache"
)

// FeedMonitor raises an alert when a symbol's last price is older than
// MaxAge. Supervisors keep using the held price; this only tells operators.
type FeedMonitor struct {
	Prices   *cache.PriceCache
	Symbols  []string
	MaxAge   time.Duration
	Interval time.Duration
	Alerts   AlertSink
	Metrics  *SystemMetrics

	stale map[string]bool
}

// Start checks feed freshness on an interval until ctx is cancelled.
func (m *FeedMonitor) Start(ctx context.Context) {
	if m.Prices == nil || m.Alerts == nil {
		return
	}
	if m.MaxAge == 0 {
		m.MaxAge = 30 * time.Second
	}
	if m.Interval == 0 {
		m.Interval = 5 * time.Second
	}
	m.stale = make(map[string]bool, len(m.Symbols))

	go func() {
		t := time.NewTicker(m.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.Check()
			}
		}
	}()
}

// Check evaluates every symbol once. An alert fires on the transition to
// stale and again after recovery.
func (m *FeedMonitor) Check() {
	if m.stale == nil {
		m.stale = make(map[string]bool, len(m.Symbols))
	}
	for _, sym := range m.Symbols {
		_, age, ok := m.Prices.GetWithAge(sym)
		isStale := !ok || age > m.MaxAge
		if isStale == m.stale[sym] {
			continue
		}
		m.stale[sym] = isStale
		if m.Metrics != nil {
			m.Metrics.SetFeedStale(sym, isStale)
		}
		if isStale {
			_ = m.Alerts.Send(fmt.Sprintf("price feed stale for %s (age %s); holding last known price", sym, age.Truncate(time.Millisecond)))
		} else {
			_ = m.Alerts.Send(fmt.Sprintf("price feed recovered for %s", sym))
		}
	}
}
