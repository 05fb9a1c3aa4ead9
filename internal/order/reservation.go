package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/balance"
	"order-core/internal/compliance"
)

// Reservation is a lock of funds drawn on by one or more orders. Its
// remaining amount is unlocked when the last member terminates.
type Reservation struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Remaining decimal.Decimal `json:"remaining"`
	Members   int             `json:"members"`
	CreatedAt time.Time       `json:"created_at"`
}

type reservation struct {
	mu sync.Mutex
	Reservation
}

func (b *Book) reservation(id string) (*reservation, bool) {
	b.resMu.RLock()
	defer b.resMu.RUnlock()
	r, ok := b.reservations[id]
	return r, ok
}

// Reservation returns a snapshot of a live reservation.
func (b *Book) Reservation(id string) (Reservation, bool) {
	r, ok := b.reservation(id)
	if !ok {
		return Reservation{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Reservation, true
}

type holding struct{ account, asset string }

// reconcile repairs reservations after a crash between a ledger write and
// the reservation write that follows it. The book is the only holder of
// locked funds, so per account and asset the reserved remainders must add
// up to the ledger's locked amount. Overstated remainders (a settle that
// was never persisted) are trimmed newest first; locked funds no
// reservation accounts for (a lock whose reservation was never persisted)
// are unlocked.
func (b *Book) reconcile(ctx context.Context, orders []*Order) {
	reserved := make(map[holding]decimal.Decimal)
	members := make(map[holding][]*reservation)
	b.resMu.RLock()
	for _, r := range b.reservations {
		k := holding{r.AccountID, r.Asset}
		reserved[k] = reserved[k].Add(r.Remaining)
		members[k] = append(members[k], r)
	}
	b.resMu.RUnlock()
	for _, o := range orders {
		if ins, ok := b.instruments.Lookup(o.Symbol); ok {
			k := holding{o.AccountID, ins.PayingAsset(o.IsBuy())}
			if _, seen := reserved[k]; !seen {
				reserved[k] = decimal.Zero
			}
		}
	}

	for k, sum := range reserved {
		locked := b.ledger.Balance(k.account, k.asset).Locked
		switch {
		case sum.GreaterThan(locked):
			excess := sum.Sub(locked)
			rs := members[k]
			sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.After(rs[j].CreatedAt) })
			for _, r := range rs {
				if !excess.IsPositive() {
					break
				}
				cut := decimal.Min(excess, r.Remaining)
				r.Remaining = r.Remaining.Sub(cut)
				excess = excess.Sub(cut)
				b.persistReservation(r.Reservation)
			}
			b.repaired(ctx, k, "reserved "+sum.String()+" exceeds locked "+locked.String()+", trimmed")
		case locked.GreaterThan(sum):
			orphan := locked.Sub(sum)
			if err := b.ledger.Unlock(balance.WithRef(ctx, "recovery"), k.account, k.asset, orphan); err != nil {
				b.log.Error("release orphaned lock failed",
					zap.String("account", k.account), zap.String("asset", k.asset), zap.Error(err))
				continue
			}
			b.repaired(ctx, k, "unlocked "+orphan.String()+" held by no reservation")
		}
	}
}

func (b *Book) repaired(ctx context.Context, k holding, detail string) {
	b.log.Warn("reservation repaired on recovery",
		zap.String("account", k.account), zap.String("asset", k.asset), zap.String("detail", detail))
	b.reporter.Emit(ctx, compliance.Event{
		AccountID:   k.account,
		Type:        compliance.TypeReservationRepaired,
		Severity:    compliance.SeverityMedium,
		Title:       "Reservation repaired after restart",
		Description: k.asset + ": " + detail,
	})
}
