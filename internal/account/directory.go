// Package account is the read side of the account directory: KYC status,
// risk tier and score, backed by SQLite.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/risk"
	"order-core/pkg/config"
	"order-core/pkg/db"
	"order-core/pkg/logger"
)

const (
	KYCUnverified = "unverified"
	KYCPending    = "pending"
	KYCVerified   = "verified"

	RoleTrader = "trader"
	RoleAdmin  = "admin"
)

// Funder credits seed balances.
type Funder interface {
	Deposit(ctx context.Context, account, asset string, amount decimal.Decimal) error
}

// Directory implements risk.AccountStatusProvider.
type Directory struct {
	db          *db.Database
	defaultTier string
	log         *zap.Logger
}

func NewDirectory(database *db.Database, defaultTier string, log *zap.Logger) *Directory {
	return &Directory{db: database, defaultTier: defaultTier, log: logger.OrNop(log)}
}

// AccountStatus returns the risk-relevant view of an account.
func (d *Directory) AccountStatus(ctx context.Context, id string) (risk.AccountStatus, error) {
	a, err := d.db.GetAccount(ctx, id)
	if err != nil {
		return risk.AccountStatus{}, fmt.Errorf("account %s: %w", id, err)
	}
	tier := a.RiskTier
	if tier == "" {
		tier = d.defaultTier
	}
	return risk.AccountStatus{
		KYCVerified: a.KYCStatus == KYCVerified,
		RiskTier:    tier,
		RiskScore:   a.RiskScore,
	}, nil
}

// Get returns the stored account.
func (d *Directory) Get(ctx context.Context, id string) (*db.Account, error) {
	return d.db.GetAccount(ctx, id)
}

// ByEmail returns nil, nil when no account uses email.
func (d *Directory) ByEmail(ctx context.Context, email string) (*db.Account, error) {
	return d.db.GetAccountByEmail(ctx, email)
}

// Create stores a new account with directory defaults filled in.
func (d *Directory) Create(ctx context.Context, a db.Account) error {
	now := time.Now().UTC()
	if a.KYCStatus == "" {
		a.KYCStatus = KYCUnverified
	}
	if a.RiskTier == "" {
		a.RiskTier = d.defaultTier
	}
	if a.Role == "" {
		a.Role = RoleTrader
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return d.db.CreateAccount(ctx, a)
}

// UpdateRisk changes KYC status, tier and score.
func (d *Directory) UpdateRisk(ctx context.Context, id, kycStatus, tier string, score int) error {
	return d.db.UpdateAccountRisk(ctx, id, kycStatus, tier, score)
}

// Seed creates the configured accounts that do not exist yet and credits
// their opening balances. Existing accounts are left untouched, so seeding
// is safe on every start.
func (d *Directory) Seed(ctx context.Context, seeds []config.SeedAccount, funds Funder) (int, error) {
	created := 0
	for _, s := range seeds {
		_, err := d.db.GetAccount(ctx, s.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, db.ErrNotFound) {
			return created, err
		}
		if err := d.Create(ctx, db.Account{
			ID:           s.ID,
			Email:        s.Email,
			KYCStatus:    s.KYCStatus,
			RiskTier:     s.RiskTier,
			RiskScore:    s.RiskScore,
			Role:         s.Role,
			PasswordHash: s.PasswordHash,
		}); err != nil {
			return created, fmt.Errorf("seed account %s: %w", s.ID, err)
		}
		created++
		if funds == nil {
			continue
		}
		for asset, amount := range s.Balances {
			v := config.Dec(amount)
			if !v.IsPositive() {
				continue
			}
			if err := funds.Deposit(ctx, s.ID, asset, v); err != nil {
				return created, fmt.Errorf("seed balance %s/%s: %w", s.ID, asset, err)
			}
		}
		d.log.Info("seeded account", zap.String("account", s.ID), zap.Int("balances", len(s.Balances)))
	}
	return created, nil
}
