package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"order-core/pkg/cache"
)

type recordingSink struct{ msgs []string }

func (r *recordingSink) Send(m string) error {
	r.msgs = append(r.msgs, m)
	return nil
}

func TestFeedMonitorAlertsOnTransitions(t *testing.T) {
	prices := cache.NewPriceCache()
	sink := &recordingSink{}
	m := &FeedMonitor{Prices: prices, Symbols: []string{"BTC-USD"}, MaxAge: time.Hour, Alerts: sink}

	m.Check()
	if len(sink.msgs) != 1 || !strings.Contains(sink.msgs[0], "stale") {
		t.Fatalf("msgs=%v, expected one stale alert", sink.msgs)
	}
	m.Check()
	if len(sink.msgs) != 1 {
		t.Fatalf("repeated stale alert: %v", sink.msgs)
	}

	prices.Observe("BTC-USD", decimal.NewFromInt(1), time.Now())
	m.Check()
	if len(sink.msgs) != 2 || !strings.Contains(sink.msgs[1], "recovered") {
		t.Fatalf("msgs=%v, expected recovery alert", sink.msgs)
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram(3)
	for _, v := range []float64{5, 1, 3, 10} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 3 || s.Min != 1 || s.Max != 10 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := NewSystemMetrics()
	m.ObserveSubmit("accepted", time.Millisecond)
	m.ObserveRiskRejection("kyc_required")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`ordercore_orders_submitted_total{result="accepted"} 1`,
		`ordercore_risk_rejections_total{reason="kyc_required"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}

	var nilMetrics *SystemMetrics
	nilMetrics.ObserveFill("BTC-USD")
}
