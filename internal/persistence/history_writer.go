// Package persistence writes order history to SQLite off the hot path.
package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"order-core/internal/order"
	"order-core/pkg/db"
	"order-core/pkg/logger"
)

// HistoryWriter batches order snapshots and fills and writes them in one
// transaction per flush. It listens on the order book; the Pebble order
// store stays the source of truth and SQLite serves history queries.
type HistoryWriter struct {
	db       *db.Database
	log      *zap.Logger
	maxSize  int
	interval time.Duration

	mu     sync.Mutex
	orders map[string]db.Order
	seq    []string
	fills  []db.Fill

	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	metrics HistoryMetrics
}

// HistoryMetrics describes flush activity.
type HistoryMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewHistoryWriter starts the background flusher.
// maxSize: buffered records before an early flush
// interval: time-based flush interval
func NewHistoryWriter(database *db.Database, maxSize int, interval time.Duration, log *zap.Logger) *HistoryWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &HistoryWriter{
		db:       database,
		log:      logger.OrNop(log),
		maxSize:  maxSize,
		interval: interval,
		orders:   make(map[string]db.Order),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.backgroundFlush()
	return w
}

// OnOrderEvent buffers the order snapshot and, for fills, the execution.
// Only the newest snapshot of an order is kept between flushes.
func (w *HistoryWriter) OnOrderEvent(_ context.Context, ev order.Event) {
	w.mu.Lock()
	if _, ok := w.orders[ev.Order.ID]; !ok {
		w.seq = append(w.seq, ev.Order.ID)
	}
	w.orders[ev.Order.ID] = OrderRow(ev.Order)
	if ev.Fill != nil {
		w.fills = append(w.fills, FillRow(*ev.Fill))
	}
	full := len(w.seq)+len(w.fills) >= w.maxSize
	w.mu.Unlock()

	if full {
		// Listeners run under the order lock; the write happens elsewhere.
		go w.Flush(context.Background())
	}
}

// Flush writes everything buffered so far.
func (w *HistoryWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.seq) == 0 && len(w.fills) == 0 {
		w.mu.Unlock()
		return nil
	}
	orders := make([]db.Order, 0, len(w.seq))
	for _, id := range w.seq {
		orders = append(orders, w.orders[id])
	}
	fills := w.fills
	w.orders = make(map[string]db.Order)
	w.seq = nil
	w.fills = nil
	w.mu.Unlock()

	n := len(orders) + len(fills)
	atomic.AddUint64(&w.metrics.TotalWrites, uint64(n))
	atomic.AddUint64(&w.metrics.TotalBatches, 1)

	if err := w.db.WriteHistory(ctx, orders, fills); err != nil {
		atomic.AddUint64(&w.metrics.TotalErrors, 1)
		w.log.Error("history flush failed", zap.Int("orders", len(orders)), zap.Int("fills", len(fills)), zap.Error(err))
		w.requeue(orders, fills)
		return err
	}

	w.mu.Lock()
	w.metrics.LastBatchSize = n
	w.metrics.LastFlushTime = time.Now()
	w.mu.Unlock()
	w.log.Debug("history flushed", zap.Int("orders", len(orders)), zap.Int("fills", len(fills)))
	return nil
}

// requeue puts a failed batch back without overwriting newer snapshots.
func (w *HistoryWriter) requeue(orders []db.Order, fills []db.Fill) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, o := range orders {
		if _, ok := w.orders[o.ID]; ok {
			continue
		}
		w.orders[o.ID] = o
		w.seq = append(w.seq, o.ID)
	}
	w.fills = append(fills, w.fills...)
}

func (w *HistoryWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = w.Flush(context.Background())
		case <-w.done:
			if err := w.Flush(context.Background()); err != nil {
				w.log.Warn("final history flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of buffered records.
func (w *HistoryWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seq) + len(w.fills)
}

// Metrics returns flush statistics.
func (w *HistoryWriter) Metrics() HistoryMetrics {
	w.mu.Lock()
	size, at := w.metrics.LastBatchSize, w.metrics.LastFlushTime
	w.mu.Unlock()
	return HistoryMetrics{
		TotalWrites:   atomic.LoadUint64(&w.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&w.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&w.metrics.TotalErrors),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close stops the flusher after a final flush.
func (w *HistoryWriter) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}

// OrderRow converts a book order to its history row.
func OrderRow(o order.Order) db.Order {
	return db.Order{
		ID:            o.ID,
		AccountID:     o.AccountID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Type:          string(o.Type),
		Qty:           o.Quantity,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		TimeInForce:   string(o.TimeInForce),
		Status:        string(o.Status),
		FilledQty:     o.FilledQty,
		AvgPrice:      o.AvgPrice,
		ParentID:      o.ParentID,
		ReservationID: o.ReservationID,
		Reason:        o.Reason,
		ExpiresAt:     o.ExpiresAt,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

// FillRow converts a fill to its history row.
func FillRow(f order.Fill) db.Fill {
	return db.Fill{
		ID:        f.ID,
		OrderID:   f.OrderID,
		AccountID: f.AccountID,
		Symbol:    f.Symbol,
		Side:      string(f.Side),
		Price:     f.Price,
		Qty:       f.Quantity,
		Fee:       f.Commission,
		FeeAsset:  f.CommissionAsset,
		CreatedAt: f.Time,
	}
}
