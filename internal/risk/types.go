package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"order-core/internal/balance"
	"order-core/internal/compliance"
	"order-core/pkg/config"
)

// Rejection reasons.
const (
	ReasonKYCRequired          = "kyc_required"
	ReasonInsufficientBalance  = "insufficient_balance"
	ReasonOrderLimit           = "order_limit"
	ReasonAccountExposureLimit = "account_exposure_limit"
	ReasonSymbolExposureLimit  = "symbol_exposure_limit"
	ReasonLeverageLimit        = "leverage_limit"
	ReasonConcentrationLimit   = "concentration_limit"
	ReasonRiskScoreExceeded    = "risk_score_exceeded"
	ReasonAccountUnavailable   = "account_status_unavailable"
)

// AccountStatus is the read-only identity/KYC view of an account.
type AccountStatus struct {
	KYCVerified bool
	RiskTier    string
	RiskScore   int
}

// AccountStatusProvider looks up account status.
type AccountStatusProvider interface {
	AccountStatus(ctx context.Context, account string) (AccountStatus, error)
}

// BalanceReader reads ledger balances.
type BalanceReader interface {
	Balance(account, asset string) balance.Balance
}

// ExposureReader reads marked position exposure.
type ExposureReader interface {
	Exposure(account string) decimal.Decimal
	SymbolExposure(account, symbol string) decimal.Decimal
	SignedQuantity(account, symbol string) decimal.Decimal
}

// Input is an order as seen by the gate.
type Input struct {
	Account     string
	Symbol      string
	Buy         bool
	Quantity    decimal.Decimal
	Price       decimal.Decimal // limit or reference price
	Notional    decimal.Decimal
	PayingAsset string
	Required    decimal.Decimal // amount the ledger will lock; zero when drawing on an existing reservation
}

// Decision is the gate's answer.
type Decision struct {
	Allowed  bool                `json:"allowed"`
	Reason   string              `json:"reason,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Severity compliance.Severity `json:"severity,omitempty"`
}

func accept() Decision { return Decision{Allowed: true} }

func reject(reason string, sev compliance.Severity, detail string) Decision {
	return Decision{Reason: reason, Severity: sev, Detail: detail}
}

// Tier holds the limits for accounts in one risk tier.
type Tier struct {
	MaxOrderNotional   decimal.Decimal
	MaxAccountExposure decimal.Decimal
	MaxSymbolExposure  decimal.Decimal
	MaxLeverage        decimal.Decimal
	MaxConcentration   decimal.Decimal
	MaxRiskScore       int
}

// Config parameterizes the gate.
type Config struct {
	ValuationAsset       string
	FreeTradingThreshold decimal.Decimal
	DefaultTier          string
	Tiers                map[string]Tier
}

// ConfigFromLimits converts the validated limits file.
func ConfigFromLimits(l *config.Limits) Config {
	cfg := Config{
		ValuationAsset:       l.ValuationAsset,
		FreeTradingThreshold: config.Dec(l.FreeTradingThreshold),
		DefaultTier:          l.DefaultTier,
		Tiers:                make(map[string]Tier, len(l.Tiers)),
	}
	for name, t := range l.Tiers {
		cfg.Tiers[name] = Tier{
			MaxOrderNotional:   config.Dec(t.MaxOrderNotional),
			MaxAccountExposure: config.Dec(t.MaxAccountExposure),
			MaxSymbolExposure:  config.Dec(t.MaxSymbolExposure),
			MaxLeverage:        config.Dec(t.MaxLeverage),
			MaxConcentration:   config.Dec(t.MaxConcentration),
			MaxRiskScore:       t.MaxRiskScore,
		}
	}
	return cfg
}

// DefaultConfig returns the development limits.
func DefaultConfig() Config {
	return ConfigFromLimits(config.DefaultLimits())
}

// Metrics counts evaluations.
type Metrics struct {
	Evaluations uint64            `json:"evaluations"`
	Rejections  uint64            `json:"rejections"`
	ByReason    map[string]uint64 `json:"by_reason"`
}
