package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/balance"
	"order-core/internal/compliance"
	"order-core/internal/events"
	"order-core/internal/monitor"
	"order-core/internal/order"
	"order-core/internal/position"
	"order-core/internal/supervisor"
	"order-core/pkg/cache"
	"order-core/pkg/db"
	"order-core/pkg/logger"
	"order-core/pkg/stream"
)

// Impl implements the Service interface by composing the core modules.
type Impl struct {
	book        *order.Book
	supervisors *supervisor.Manager
	positions   *position.Manager
	ledger      *balance.Ledger
	prices      *cache.PriceCache
	compliance  *compliance.Store
	bus         *events.Bus
	fills       *stream.Publisher
	orderCache  *cache.OrderCache
	metrics     *monitor.SystemMetrics
	log         *zap.Logger
	sweep       time.Duration

	outbox        chan func(context.Context)
	outboxDropped atomic.Uint64

	meta SystemStatus

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

const outboxSize = 8192

// Config holds the components an engine is built from. Compliance, Fills,
// OrderCache and Metrics are optional.
type Config struct {
	Book        *order.Book
	Supervisors *supervisor.Manager
	Positions   *position.Manager
	Ledger      *balance.Ledger
	Prices      *cache.PriceCache
	Compliance  *compliance.Store
	Bus         *events.Bus
	Fills       *stream.Publisher
	OrderCache  *cache.OrderCache
	Metrics     *monitor.SystemMetrics
	Logger      *zap.Logger
	Meta        SystemStatus

	// SweepInterval is how often time-in-force expiry runs.
	SweepInterval time.Duration
}

// NewImpl creates the engine and subscribes the position ledger, the
// supervisors and the engine's own fan-out to book events, in that order.
func NewImpl(cfg Config) *Impl {
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Second
	}
	e := &Impl{
		book:        cfg.Book,
		supervisors: cfg.Supervisors,
		positions:   cfg.Positions,
		ledger:      cfg.Ledger,
		prices:      cfg.Prices,
		compliance:  cfg.Compliance,
		bus:         cfg.Bus,
		fills:       cfg.Fills,
		orderCache:  cfg.OrderCache,
		metrics:     cfg.Metrics,
		log:         logger.OrNop(cfg.Logger),
		sweep:       sweep,
		outbox:      make(chan func(context.Context), outboxSize),
		meta:        cfg.Meta,
	}
	if e.positions != nil {
		e.book.AddListener(e.positions)
	}
	if e.supervisors != nil {
		e.book.AddListener(e.supervisors)
	}
	e.book.AddListener(e)
	return e
}

// --- Orders ---

// SubmitOrder routes plain specs to the book and advanced specs to a new
// supervisor. The answer is synchronous and definitive.
func (e *Impl) SubmitOrder(ctx context.Context, account string, spec order.Spec) (SubmitResult, error) {
	start := time.Now()
	res, err := e.submit(ctx, account, spec)
	e.metrics.ObserveSubmit(submitResult(err), time.Since(start))
	if err != nil {
		e.log.Debug("submit failed",
			zap.String("account", account),
			zap.String("kind", res.Kind),
			zap.Error(err))
	}
	return res, err
}

func (e *Impl) submit(ctx context.Context, account string, spec order.Spec) (SubmitResult, error) {
	if spec == nil {
		return SubmitResult{}, fmt.Errorf("%w: missing order spec", order.ErrInvalidOrder)
	}
	res := SubmitResult{Kind: spec.Kind()}
	if account == "" {
		return res, fmt.Errorf("%w: account required", order.ErrInvalidOrder)
	}

	var (
		snap supervisor.Snapshot
		err  error
	)
	switch v := spec.(type) {
	case order.MarketSpec, order.LimitSpec, order.StopSpec, order.StopLimitSpec:
		req, _ := order.RequestFor(account, v)
		o, err := e.book.Submit(ctx, req)
		if o != nil {
			res.ID = o.ID
			res.Order = o
		}
		return res, err
	case order.IcebergSpec:
		snap, err = e.supervisors.StartIceberg(ctx, account, v)
	case order.OCOSpec:
		snap, err = e.supervisors.StartOCO(ctx, account, v)
	case order.TrailingStopSpec:
		snap, err = e.supervisors.StartTrailing(ctx, account, v)
	default:
		return res, fmt.Errorf("%w: unsupported order spec %T", order.ErrInvalidOrder, spec)
	}
	if snap.ID != "" {
		res.ID = snap.ID
		res.Supervisor = &snap
	}
	return res, err
}

func submitResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, order.ErrInvalidOrder):
		return "invalid"
	case errors.Is(err, order.ErrRejected):
		return "rejected"
	case errors.Is(err, balance.ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "error"
	}
}

// CancelOrder cancels a plain order or a supervisor owned by account.
// Identifiers of other accounts are reported as not found.
func (e *Impl) CancelOrder(ctx context.Context, account, id string) error {
	o, err := e.book.Get(id)
	switch {
	case err == nil:
		if o.AccountID != account {
			return order.ErrNotFound
		}
		_, err = e.book.Cancel(ctx, id, "user_cancelled")
		return err
	case !errors.Is(err, order.ErrNotFound):
		return err
	}

	if e.supervisors == nil {
		return order.ErrNotFound
	}
	_, err = e.supervisors.Cancel(ctx, account, id)
	if errors.Is(err, supervisor.ErrNotFound) {
		return order.ErrNotFound
	}
	return err
}

func (e *Impl) GetOrder(_ context.Context, id string) (*order.Order, error) {
	return e.book.Get(id)
}

func (e *Impl) ListOrders(_ context.Context, account string, openOnly bool) ([]*order.Order, error) {
	return e.book.ListByAccount(account, openOnly), nil
}

// --- Supervisors ---

func (e *Impl) GetSupervisor(_ context.Context, id string) (supervisor.Snapshot, error) {
	if e.supervisors == nil {
		return supervisor.Snapshot{}, supervisor.ErrNotFound
	}
	s, ok := e.supervisors.Get(id)
	if !ok {
		return supervisor.Snapshot{}, supervisor.ErrNotFound
	}
	return s, nil
}

func (e *Impl) ListSupervisors(_ context.Context, account string) ([]supervisor.Snapshot, error) {
	if e.supervisors == nil {
		return nil, nil
	}
	return e.supervisors.List(account), nil
}

// AmendSupervisor changes the parameters of a running iceberg or trailing
// stop owned by account.
func (e *Impl) AmendSupervisor(ctx context.Context, account, id string, a supervisor.Amend) (supervisor.Snapshot, error) {
	if e.supervisors == nil {
		return supervisor.Snapshot{}, order.ErrNotFound
	}
	snap, err := e.supervisors.Amend(ctx, account, id, a)
	if errors.Is(err, supervisor.ErrNotFound) {
		return snap, order.ErrNotFound
	}
	return snap, err
}

// --- Positions ---

// GetPosition returns the open position, or a flat snapshot marked at the
// last price when there is none.
func (e *Impl) GetPosition(_ context.Context, account, symbol string) (position.Position, error) {
	if p, ok := e.positions.Get(account, symbol); ok {
		return p, nil
	}
	flat := position.Position{
		AccountID: account,
		Symbol:    symbol,
		Status:    position.StatusClosed,
	}
	if e.prices != nil {
		if px, ok := e.prices.Get(symbol); ok {
			flat.MarkPrice = px
		}
	}
	return flat, nil
}

func (e *Impl) ListPositions(_ context.Context, account string) ([]position.Position, error) {
	return e.positions.List(account), nil
}

func (e *Impl) PositionHistory(_ context.Context, account string) ([]position.Position, error) {
	return e.positions.History(account), nil
}

// --- Balances ---

func (e *Impl) GetBalances(_ context.Context, account string) ([]balance.Balance, error) {
	return e.ledger.Balances(account), nil
}

func (e *Impl) Deposit(ctx context.Context, account, asset string, amount decimal.Decimal) (balance.Balance, error) {
	if err := e.ledger.Deposit(ctx, account, asset, amount); err != nil {
		return balance.Balance{}, err
	}
	return e.ledger.Balance(account, asset), nil
}

func (e *Impl) Withdraw(ctx context.Context, account, asset string, amount decimal.Decimal) (balance.Balance, error) {
	if err := e.ledger.Withdraw(ctx, account, asset, amount); err != nil {
		return balance.Balance{}, err
	}
	return e.ledger.Balance(account, asset), nil
}

// --- Accounts ---

func (e *Impl) AccountStatus(_ context.Context, account string) (AccountStatus, error) {
	halted, reason := e.ledger.Halted(account)
	return AccountStatus{
		AccountID:  account,
		Halted:     halted,
		HaltReason: reason,
		Balances:   e.ledger.Balances(account),
	}, nil
}

// ResumeAccount lifts a ledger halt once an operator has reconciled the
// account. Resuming an account that is not halted is a no-op.
func (e *Impl) ResumeAccount(ctx context.Context, account string) (AccountStatus, error) {
	halted, reason := e.ledger.Halted(account)
	if err := e.ledger.Resume(ctx, account); err != nil {
		return AccountStatus{}, err
	}
	if halted {
		e.log.Warn("account resumed by operator",
			zap.String("account", account),
			zap.String("halt_reason", reason))
	}
	return e.AccountStatus(ctx, account)
}

// --- Compliance ---

func (e *Impl) ListComplianceEvents(ctx context.Context, q compliance.Query) ([]compliance.Event, error) {
	if e.compliance == nil {
		return nil, nil
	}
	return e.compliance.List(ctx, q)
}

// OpenComplianceEvents is the review queue: unresolved events, newest
// first, optionally of a single severity.
func (e *Impl) OpenComplianceEvents(ctx context.Context, severity compliance.Severity, limit int) ([]compliance.Event, error) {
	if e.compliance == nil {
		return nil, nil
	}
	return e.compliance.ListOpen(ctx, severity, limit)
}

func (e *Impl) ResolveComplianceEvent(ctx context.Context, id, notes string) error {
	if e.compliance == nil {
		return db.ErrNotFound
	}
	return e.compliance.Resolve(ctx, id, notes)
}

func (e *Impl) ComplianceStats(ctx context.Context) (db.ComplianceStats, error) {
	if e.compliance == nil {
		return db.ComplianceStats{}, nil
	}
	return e.compliance.Stats(ctx)
}

// --- System ---

func (e *Impl) GetSystemStatus(_ context.Context) *SystemStatus {
	status := e.meta
	status.ServerTime = time.Now().UTC()
	status.OpenOrders = e.book.OpenCount()
	if e.supervisors != nil {
		status.ActiveSupervisors = e.supervisors.Active()
	}
	if e.prices != nil {
		snap := e.prices.Snapshot()
		status.LastPrices = make(map[string]string, len(snap))
		for sym, px := range snap {
			status.LastPrices[sym] = px.String()
		}
	}
	return &status
}
