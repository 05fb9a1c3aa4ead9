// Package balance is the per-account, per-asset wallet ledger. Funds move
// between available and locked only through Lock, Unlock and Settle, and
// every operation is journaled before it is applied.
package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/compliance"
	"order-core/internal/monitor"
	"order-core/pkg/logger"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrConsistencyViolation = errors.New("ledger consistency violation")
	// ErrAccountHalted is returned for every operation on an account halted by
	// a consistency violation, until Resume.
	ErrAccountHalted = fmt.Errorf("account halted: %w", ErrConsistencyViolation)
)

// Balance is one asset of an account.
type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Total returns available + locked.
func (b Balance) Total() decimal.Decimal { return b.Available.Add(b.Locked) }

// SettleRequest applies one fill: DebitAmount leaves the locked DebitAsset,
// CreditAmount minus Fee lands in the available CreditAsset.
type SettleRequest struct {
	Account      string
	DebitAsset   string
	DebitAmount  decimal.Decimal
	CreditAsset  string
	CreditAmount decimal.Decimal
	Fee          decimal.Decimal
	OrderID      string
}

// Options configures a Ledger. Journal may be nil for a volatile ledger.
type Options struct {
	Journal  Journal
	Reporter compliance.Reporter
	Alerts   monitor.AlertSink
	Metrics  *monitor.SystemMetrics
	Logger   *zap.Logger
}

// Ledger holds balances for every account.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*accountState

	journal  Journal
	reporter compliance.Reporter
	alerts   monitor.AlertSink
	metrics  *monitor.SystemMetrics
	log      *zap.Logger
	now      func() time.Time
}

// accountState.mu is held shared by single-asset operations and exclusively
// by Settle, Resume and Compact.
type accountState struct {
	mu       sync.RWMutex
	halted   bool
	reason   string
	assetsMu sync.Mutex
	assets   map[string]*assetState
}

type assetState struct {
	mu        sync.Mutex
	available decimal.Decimal
	locked    decimal.Decimal
}

// NewLedger creates an empty ledger. Call Replay before serving traffic when
// a journal is configured.
func NewLedger(opts Options) *Ledger {
	rep := opts.Reporter
	if rep == nil {
		rep = compliance.Nop{}
	}
	return &Ledger{
		accounts: make(map[string]*accountState),
		journal:  opts.Journal,
		reporter: rep,
		alerts:   opts.Alerts,
		metrics:  opts.Metrics,
		log:      logger.OrNop(opts.Logger),
		now:      time.Now,
	}
}

func (l *Ledger) account(id string) *accountState {
	l.mu.RLock()
	a, ok := l.accounts[id]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[id]; ok {
		return a
	}
	a = &accountState{assets: make(map[string]*assetState)}
	l.accounts[id] = a
	return a
}

func (a *accountState) asset(asset string) *assetState {
	a.assetsMu.Lock()
	defer a.assetsMu.Unlock()
	s, ok := a.assets[asset]
	if !ok {
		s = &assetState{}
		a.assets[asset] = s
	}
	return s
}

type refKey struct{}

// WithRef returns a context whose lock, unlock and settle records carry ref,
// normally the reservation the funds belong to.
func WithRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, refKey{}, ref)
}

// RefFrom returns the reference set by WithRef.
func RefFrom(ctx context.Context) string {
	ref, _ := ctx.Value(refKey{}).(string)
	return ref
}

func (l *Ledger) append(rec Record) error {
	if l.journal == nil {
		return nil
	}
	rec.At = l.now().UTC()
	if err := l.journal.Append(rec); err != nil {
		return fmt.Errorf("journal %s: %w", rec.Op, err)
	}
	return nil
}

// Lock moves amount from available to locked.
func (l *Ledger) Lock(ctx context.Context, account, asset string, amount decimal.Decimal) (err error) {
	defer func() { l.metrics.ObserveLedger(OpLock, err) }()
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	acct := l.account(account)
	acct.mu.RLock()
	defer acct.mu.RUnlock()
	if acct.halted {
		return ErrAccountHalted
	}

	s := acct.asset(asset)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available.LessThan(amount) {
		return fmt.Errorf("%w: %s %s available, %s required", ErrInsufficientFunds, s.available, asset, amount)
	}
	if err := l.append(Record{Op: OpLock, Account: account, Asset: asset, Amount: amount, Ref: RefFrom(ctx)}); err != nil {
		return err
	}
	s.available = s.available.Sub(amount)
	s.locked = s.locked.Add(amount)
	return nil
}

// Unlock moves amount from locked back to available. Unlocking more than is
// locked halts the account.
func (l *Ledger) Unlock(ctx context.Context, account, asset string, amount decimal.Decimal) (err error) {
	defer func() { l.metrics.ObserveLedger(OpUnlock, err) }()
	if amount.IsZero() {
		return nil
	}
	if amount.IsNegative() {
		return ErrInvalidAmount
	}

	acct := l.account(account)
	acct.mu.RLock()
	if acct.halted {
		acct.mu.RUnlock()
		return ErrAccountHalted
	}

	s := acct.asset(asset)
	s.mu.Lock()
	if s.locked.LessThan(amount) {
		locked := s.locked
		s.mu.Unlock()
		acct.mu.RUnlock()
		return l.violation(ctx, account, "", fmt.Sprintf("unlock %s %s exceeds locked %s", amount, asset, locked))
	}
	err = l.append(Record{Op: OpUnlock, Account: account, Asset: asset, Amount: amount, Ref: RefFrom(ctx)})
	if err == nil {
		s.locked = s.locked.Sub(amount)
		s.available = s.available.Add(amount)
	}
	s.mu.Unlock()
	acct.mu.RUnlock()
	return err
}

// Settle applies both legs of a fill inside the account's exclusive section.
// Both legs are validated before either is applied.
func (l *Ledger) Settle(ctx context.Context, req SettleRequest) (err error) {
	defer func() { l.metrics.ObserveLedger(OpSettle, err) }()
	if req.DebitAmount.IsNegative() || req.CreditAmount.IsNegative() || req.Fee.IsNegative() {
		return ErrInvalidAmount
	}
	if req.Fee.GreaterThan(req.CreditAmount) {
		return fmt.Errorf("%w: fee %s exceeds credit %s", ErrInvalidAmount, req.Fee, req.CreditAmount)
	}

	acct := l.account(req.Account)
	acct.mu.Lock()
	if acct.halted {
		acct.mu.Unlock()
		return ErrAccountHalted
	}

	debit := acct.asset(req.DebitAsset)
	credit := acct.asset(req.CreditAsset)
	if debit.locked.LessThan(req.DebitAmount) {
		detail := fmt.Sprintf("settle debit %s %s exceeds locked %s", req.DebitAmount, req.DebitAsset, debit.locked)
		acct.mu.Unlock()
		return l.violation(ctx, req.Account, req.OrderID, detail)
	}

	if err := l.append(Record{
		Op:           OpSettle,
		Account:      req.Account,
		Asset:        req.DebitAsset,
		Amount:       req.DebitAmount,
		CreditAsset:  req.CreditAsset,
		CreditAmount: req.CreditAmount,
		Fee:          req.Fee,
		Ref:          RefFrom(ctx),
		OrderID:      req.OrderID,
	}); err != nil {
		acct.mu.Unlock()
		return err
	}
	debit.mu.Lock()
	debit.locked = debit.locked.Sub(req.DebitAmount)
	debit.mu.Unlock()
	credit.mu.Lock()
	credit.available = credit.available.Add(req.CreditAmount.Sub(req.Fee))
	credit.mu.Unlock()
	acct.mu.Unlock()
	return nil
}

// Deposit credits available funds.
func (l *Ledger) Deposit(ctx context.Context, account, asset string, amount decimal.Decimal) (err error) {
	defer func() { l.metrics.ObserveLedger(OpDeposit, err) }()
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	acct := l.account(account)
	acct.mu.RLock()
	defer acct.mu.RUnlock()
	if acct.halted {
		return ErrAccountHalted
	}

	s := acct.asset(asset)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := l.append(Record{Op: OpDeposit, Account: account, Asset: asset, Amount: amount}); err != nil {
		return err
	}
	s.available = s.available.Add(amount)
	return nil
}

// Withdraw debits available funds.
func (l *Ledger) Withdraw(ctx context.Context, account, asset string, amount decimal.Decimal) (err error) {
	defer func() { l.metrics.ObserveLedger(OpWithdraw, err) }()
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}

	acct := l.account(account)
	acct.mu.RLock()
	defer acct.mu.RUnlock()
	if acct.halted {
		return ErrAccountHalted
	}

	s := acct.asset(asset)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available.LessThan(amount) {
		return fmt.Errorf("%w: %s %s available, %s requested", ErrInsufficientFunds, s.available, asset, amount)
	}
	if err := l.append(Record{Op: OpWithdraw, Account: account, Asset: asset, Amount: amount}); err != nil {
		return err
	}
	s.available = s.available.Sub(amount)
	return nil
}

// Balance returns a snapshot of one asset. Unknown pairs are zero.
func (l *Ledger) Balance(account, asset string) Balance {
	l.mu.RLock()
	acct, ok := l.accounts[account]
	l.mu.RUnlock()
	if !ok {
		return Balance{Asset: asset}
	}
	acct.assetsMu.Lock()
	s, ok := acct.assets[asset]
	acct.assetsMu.Unlock()
	if !ok {
		return Balance{Asset: asset}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Balance{Asset: asset, Available: s.available, Locked: s.locked}
}

// Balances returns every asset of an account sorted by asset.
func (l *Ledger) Balances(account string) []Balance {
	l.mu.RLock()
	acct, ok := l.accounts[account]
	l.mu.RUnlock()
	if !ok {
		return nil
	}

	acct.assetsMu.Lock()
	names := make([]string, 0, len(acct.assets))
	for name := range acct.assets {
		names = append(names, name)
	}
	acct.assetsMu.Unlock()
	sort.Strings(names)

	out := make([]Balance, 0, len(names))
	for _, name := range names {
		out = append(out, l.Balance(account, name))
	}
	return out
}

// Halted reports whether the account is halted and why.
func (l *Ledger) Halted(account string) (bool, string) {
	l.mu.RLock()
	acct, ok := l.accounts[account]
	l.mu.RUnlock()
	if !ok {
		return false, ""
	}
	acct.mu.RLock()
	defer acct.mu.RUnlock()
	return acct.halted, acct.reason
}

// Resume lifts a halt after manual reconciliation.
func (l *Ledger) Resume(ctx context.Context, account string) error {
	acct := l.account(account)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	if !acct.halted {
		return nil
	}
	if err := l.append(Record{Op: OpResume, Account: account}); err != nil {
		return err
	}
	acct.halted = false
	acct.reason = ""
	l.log.Info("ledger account resumed", zap.String("account", account))
	return nil
}

// violation halts the account, reports it and returns ErrConsistencyViolation.
// The caller must not hold the account lock.
func (l *Ledger) violation(ctx context.Context, account, orderID, detail string) error {
	acct := l.account(account)
	acct.mu.Lock()
	alreadyHalted := acct.halted
	acct.halted = true
	acct.reason = detail
	if err := l.append(Record{Op: OpHalt, Account: account, Reason: detail}); err != nil {
		l.log.Error("journal halt record failed", zap.String("account", account), zap.Error(err))
	}
	acct.mu.Unlock()

	l.log.Error("ledger consistency violation, account halted",
		zap.String("account", account),
		zap.String("order", orderID),
		zap.String("detail", detail))
	if !alreadyHalted {
		l.reporter.Emit(ctx, compliance.Event{
			AccountID:   account,
			OrderID:     orderID,
			Type:        compliance.TypeConsistencyViolation,
			Severity:    compliance.SeverityHigh,
			Title:       "Ledger consistency violation",
			Description: "account halted pending manual reconciliation: " + detail,
		})
		if l.alerts != nil {
			_ = l.alerts.Send(fmt.Sprintf("ledger consistency violation on account %s: %s", account, detail))
		}
	}
	return fmt.Errorf("%w: %s", ErrConsistencyViolation, detail)
}

// Replay rebuilds state from the journal. It must run before any other
// operation.
func (l *Ledger) Replay(ctx context.Context) error {
	if l.journal == nil {
		return nil
	}
	n := 0
	err := l.journal.Replay(func(rec Record) error {
		n++
		acct := l.account(rec.Account)
		switch rec.Op {
		case OpLock:
			s := acct.asset(rec.Asset)
			s.available = s.available.Sub(rec.Amount)
			s.locked = s.locked.Add(rec.Amount)
		case OpUnlock:
			s := acct.asset(rec.Asset)
			s.locked = s.locked.Sub(rec.Amount)
			s.available = s.available.Add(rec.Amount)
		case OpSettle:
			d := acct.asset(rec.Asset)
			d.locked = d.locked.Sub(rec.Amount)
			c := acct.asset(rec.CreditAsset)
			c.available = c.available.Add(rec.CreditAmount.Sub(rec.Fee))
		case OpDeposit:
			s := acct.asset(rec.Asset)
			s.available = s.available.Add(rec.Amount)
		case OpWithdraw:
			s := acct.asset(rec.Asset)
			s.available = s.available.Sub(rec.Amount)
		case OpSnapshot:
			s := acct.asset(rec.Asset)
			s.available = rec.Available
			s.locked = rec.Locked
		case OpHalt:
			acct.halted = true
			acct.reason = rec.Reason
		case OpResume:
			acct.halted = false
			acct.reason = ""
		default:
			return fmt.Errorf("unknown journal op %q", rec.Op)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay ledger: %w", err)
	}
	l.log.Info("ledger replayed", zap.Int("records", n), zap.Int("accounts", len(l.accounts)))
	return nil
}

// Compact rewrites the journal as one snapshot record per balance, plus halt
// records, while all accounts are quiesced.
func (l *Ledger) Compact(ctx context.Context) error {
	if l.journal == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		l.accounts[id].mu.Lock()
	}
	defer func() {
		for _, id := range ids {
			l.accounts[id].mu.Unlock()
		}
	}()

	now := l.now().UTC()
	var records []Record
	for _, id := range ids {
		acct := l.accounts[id]
		for asset, s := range acct.assets {
			if s.available.IsZero() && s.locked.IsZero() {
				continue
			}
			records = append(records, Record{
				Op: OpSnapshot, Account: id, Asset: asset,
				Available: s.available, Locked: s.locked, At: now,
			})
		}
		if acct.halted {
			records = append(records, Record{Op: OpHalt, Account: id, Reason: acct.reason, At: now})
		}
	}
	return l.journal.Compact(records)
}
