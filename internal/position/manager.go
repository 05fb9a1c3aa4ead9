// Package position keeps per-account positions and realized/unrealized P&L
// built from fills.
package position

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/order"
	"order-core/pkg/db"
	"order-core/pkg/logger"
)

const (
	StatusOpen   = "OPEN"
	StatusClosed = "CLOSED"
)

// Position is a signed holding of one symbol. Quantity > 0 is long.
type Position struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	Status        string          `json:"status"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Exposure is |quantity| valued at the mark, or the entry price before the
// first mark.
func (p Position) Exposure() decimal.Decimal {
	price := p.MarkPrice
	if price.IsZero() {
		price = p.AvgPrice
	}
	return p.Quantity.Abs().Mul(price)
}

func (p *Position) remark(price decimal.Decimal) {
	p.MarkPrice = price
	p.UnrealizedPnL = price.Sub(p.AvgPrice).Mul(p.Quantity)
}

type key struct{ account, symbol string }

type slot struct {
	mu  sync.Mutex
	pos *Position // nil when flat
}

// Manager keeps an in-memory view of open positions and their closed
// history, persisting every change to SQLite when a database is set.
type Manager struct {
	mu      sync.RWMutex
	slots   map[key]*slot
	history map[string][]Position
	marks   map[string]decimal.Decimal

	db  *db.Database
	log *zap.Logger
	now func() time.Time
}

func NewManager(database *db.Database, log *zap.Logger) *Manager {
	return &Manager{
		slots:   make(map[key]*slot),
		history: make(map[string][]Position),
		marks:   make(map[string]decimal.Decimal),
		db:      database,
		log:     logger.OrNop(log),
		now:     time.Now,
	}
}

// Load seeds open positions and history from the database on startup.
func (m *Manager) Load(ctx context.Context) error {
	if m.db == nil {
		return nil
	}
	open, err := m.db.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	accounts := make(map[string]bool)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range open {
		p := fromRow(row)
		m.slots[key{p.AccountID, p.Symbol}] = &slot{pos: &p}
		accounts[p.AccountID] = true
	}
	for account := range accounts {
		rows, err := m.db.ListPositionsByAccount(ctx, account)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if row.Status == StatusClosed {
				m.history[account] = append(m.history[account], fromRow(row))
			}
		}
	}
	return nil
}

func (m *Manager) slot(account, symbol string) *slot {
	k := key{account, symbol}
	m.mu.RLock()
	s, ok := m.slots[k]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.slots[k]; !ok {
		s = &slot{}
		m.slots[k] = s
	}
	return s
}

// OnOrderEvent applies fills published by the order book.
func (m *Manager) OnOrderEvent(ctx context.Context, ev order.Event) {
	if ev.Kind != order.EventFill || ev.Fill == nil {
		return
	}
	m.ApplyFill(ctx, *ev.Fill)
}

// ApplyFill opens, adds to, reduces, closes or flips the position the fill
// belongs to and returns the resulting open position (zero when flat).
func (m *Manager) ApplyFill(ctx context.Context, f order.Fill) Position {
	s := m.slot(f.AccountID, f.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := f.Time
	if now.IsZero() {
		now = m.now().UTC()
	}
	delta := f.SignedQuantity()

	if s.pos == nil {
		s.pos = m.open(f.AccountID, f.Symbol, delta, f.Price, now)
		m.save(ctx, *s.pos)
		return *s.pos
	}

	p := s.pos
	cur := p.Quantity
	switch {
	case cur.Sign() == delta.Sign():
		total := cur.Abs().Add(delta.Abs())
		p.AvgPrice = p.AvgPrice.Mul(cur.Abs()).Add(f.Price.Mul(delta.Abs())).Div(total)
		p.Quantity = cur.Add(delta)
	default:
		closed := decimal.Min(cur.Abs(), delta.Abs())
		pnl := f.Price.Sub(p.AvgPrice).Mul(closed)
		if cur.IsNegative() {
			pnl = pnl.Neg()
		}
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		next := cur.Add(delta)

		if next.IsZero() || next.Sign() != cur.Sign() {
			p.Quantity = decimal.Zero
			p.Status = StatusClosed
			p.ClosedAt = &now
			p.UnrealizedPnL = decimal.Zero
			p.UpdatedAt = now
			m.save(ctx, *p)
			m.mu.Lock()
			m.history[p.AccountID] = append(m.history[p.AccountID], *p)
			m.mu.Unlock()
			s.pos = nil
			if next.IsZero() {
				return Position{}
			}
			s.pos = m.open(f.AccountID, f.Symbol, next, f.Price, now)
			m.save(ctx, *s.pos)
			return *s.pos
		}
		p.Quantity = next
	}

	if mark, ok := m.mark(f.Symbol); ok {
		p.remark(mark)
	} else {
		p.remark(f.Price)
	}
	p.UpdatedAt = now
	m.save(ctx, *p)
	return *p
}

func (m *Manager) open(account, symbol string, qty, price decimal.Decimal, at time.Time) *Position {
	p := &Position{
		ID:        uuid.NewString(),
		AccountID: account,
		Symbol:    symbol,
		Quantity:  qty,
		AvgPrice:  price,
		Status:    StatusOpen,
		OpenedAt:  at,
		UpdatedAt: at,
	}
	if mark, ok := m.mark(symbol); ok {
		p.remark(mark)
	} else {
		p.remark(price)
	}
	return p
}

func (m *Manager) mark(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.marks[symbol]
	return v, ok
}

// Mark revalues every open position in symbol.
func (m *Manager) Mark(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	m.marks[symbol] = price
	var hit []*slot
	for k, s := range m.slots {
		if k.symbol == symbol {
			hit = append(hit, s)
		}
	}
	m.mu.Unlock()

	for _, s := range hit {
		s.mu.Lock()
		if s.pos != nil {
			s.pos.remark(price)
		}
		s.mu.Unlock()
	}
}

func (m *Manager) save(ctx context.Context, p Position) {
	if m.db == nil {
		return
	}
	if err := m.db.UpsertPosition(ctx, toRow(p)); err != nil {
		m.log.Error("persist position failed", zap.String("account", p.AccountID), zap.String("symbol", p.Symbol), zap.Error(err))
	}
}

// Get returns the open position for account and symbol.
func (m *Manager) Get(account, symbol string) (Position, bool) {
	m.mu.RLock()
	s, ok := m.slots[key{account, symbol}]
	m.mu.RUnlock()
	if !ok {
		return Position{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos == nil {
		return Position{}, false
	}
	return *s.pos, true
}

// List returns the account's open positions sorted by symbol.
func (m *Manager) List(account string) []Position {
	var out []Position
	m.forAccount(account, func(p Position) { out = append(out, p) })
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// History returns the account's closed positions, oldest first.
func (m *Manager) History(account string) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Position(nil), m.history[account]...)
}

func (m *Manager) forAccount(account string, fn func(Position)) {
	m.mu.RLock()
	var hit []*slot
	for k, s := range m.slots {
		if k.account == account {
			hit = append(hit, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range hit {
		s.mu.Lock()
		if s.pos != nil {
			fn(*s.pos)
		}
		s.mu.Unlock()
	}
}

// Exposure is the account's gross exposure over all open positions.
func (m *Manager) Exposure(account string) decimal.Decimal {
	total := decimal.Zero
	m.forAccount(account, func(p Position) { total = total.Add(p.Exposure()) })
	return total
}

// SymbolExposure is the exposure of the account's position in symbol.
func (m *Manager) SymbolExposure(account, symbol string) decimal.Decimal {
	p, ok := m.Get(account, symbol)
	if !ok {
		return decimal.Zero
	}
	return p.Exposure()
}

// SignedQuantity returns the account's signed holding of symbol.
func (m *Manager) SignedQuantity(account, symbol string) decimal.Decimal {
	p, ok := m.Get(account, symbol)
	if !ok {
		return decimal.Zero
	}
	return p.Quantity
}

func toRow(p Position) db.Position {
	return db.Position{
		ID:          p.ID,
		AccountID:   p.AccountID,
		Symbol:      p.Symbol,
		Qty:         p.Quantity,
		AvgPrice:    p.AvgPrice,
		RealizedPnL: p.RealizedPnL,
		Status:      p.Status,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    p.ClosedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func fromRow(r db.Position) Position {
	p := Position{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Symbol:      r.Symbol,
		Quantity:    r.Qty,
		AvgPrice:    r.AvgPrice,
		RealizedPnL: r.RealizedPnL,
		Status:      r.Status,
		OpenedAt:    r.OpenedAt,
		ClosedAt:    r.ClosedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	p.remark(p.AvgPrice)
	return p
}
