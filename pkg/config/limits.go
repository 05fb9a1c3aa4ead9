package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Limits is the trading limits file: instruments, fee schedule, risk tiers
// and the accounts seeded into the directory on first start.
type Limits struct {
	ValuationAsset       string          `yaml:"valuation_asset" validate:"required"`
	FreeTradingThreshold string          `yaml:"free_trading_threshold" validate:"required,numeric"`
	DefaultTier          string          `yaml:"default_tier" validate:"required"`
	Instruments          []Instrument    `yaml:"instruments" validate:"required,min=1,dive"`
	Fees                 Fees            `yaml:"fees"`
	Tiers                map[string]Tier `yaml:"tiers" validate:"required,min=1,dive"`
	Accounts             []SeedAccount   `yaml:"accounts" validate:"dive"`
}

// Instrument describes a tradable symbol.
type Instrument struct {
	Symbol     string `yaml:"symbol" validate:"required"`
	Base       string `yaml:"base" validate:"required"`
	Quote      string `yaml:"quote" validate:"required"`
	QtyScale   int32  `yaml:"qty_scale" validate:"gte=0,lte=18"`
	PriceScale int32  `yaml:"price_scale" validate:"gte=0,lte=18"`
	MinQty     string `yaml:"min_qty" validate:"omitempty,numeric"`
}

// Fees is a basis-point commission schedule. Account overrides win over
// symbol overrides, which win over the default.
type Fees struct {
	DefaultBps string            `yaml:"default_bps" validate:"omitempty,numeric"`
	Symbols    map[string]string `yaml:"symbols" validate:"dive,numeric"`
	Accounts   map[string]string `yaml:"accounts" validate:"dive,numeric"`
}

// Tier holds the limits applied by the risk gate to accounts of a risk tier.
type Tier struct {
	MaxOrderNotional   string `yaml:"max_order_notional" validate:"required,numeric"`
	MaxAccountExposure string `yaml:"max_account_exposure" validate:"required,numeric"`
	MaxSymbolExposure  string `yaml:"max_symbol_exposure" validate:"required,numeric"`
	MaxLeverage        string `yaml:"max_leverage" validate:"required,numeric"`
	MaxConcentration   string `yaml:"max_concentration" validate:"required,numeric"`
	MaxRiskScore       int    `yaml:"max_risk_score" validate:"gte=0,lte=100"`
}

// SeedAccount is an account created in the directory when it is missing.
// PasswordHash is a bcrypt hash; seeded accounts without one cannot log in.
type SeedAccount struct {
	ID           string            `yaml:"id" validate:"required"`
	Email        string            `yaml:"email" validate:"omitempty,email"`
	KYCStatus    string            `yaml:"kyc_status" validate:"omitempty,oneof=unverified pending verified"`
	RiskTier     string            `yaml:"risk_tier"`
	RiskScore    int               `yaml:"risk_score" validate:"gte=0,lte=100"`
	Role         string            `yaml:"role"`
	PasswordHash string            `yaml:"password_hash"`
	Balances     map[string]string `yaml:"balances" validate:"dive,numeric"`
}

var validate = validator.New()

// LoadLimits reads and validates the limits file. A missing file yields
// DefaultLimits.
func LoadLimits(path string) (*Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultLimits(), nil
		}
		return nil, fmt.Errorf("read limits file: %w", err)
	}
	return ParseLimits(data)
}

// ParseLimits decodes a YAML limits document.
func ParseLimits(data []byte) (*Limits, error) {
	var l Limits
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parse limits: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks struct tags and cross-field references.
func (l *Limits) Validate() error {
	if err := validate.Struct(l); err != nil {
		return fmt.Errorf("invalid limits: %w", err)
	}
	if _, ok := l.Tiers[l.DefaultTier]; !ok {
		return fmt.Errorf("invalid limits: default tier %q not defined", l.DefaultTier)
	}
	seen := make(map[string]bool, len(l.Instruments))
	for _, ins := range l.Instruments {
		if seen[ins.Symbol] {
			return fmt.Errorf("invalid limits: duplicate instrument %q", ins.Symbol)
		}
		seen[ins.Symbol] = true
	}
	return nil
}

// Dec parses a validated numeric string; empty strings are zero.
func Dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// DefaultLimits is a permissive development profile.
func DefaultLimits() *Limits {
	return &Limits{
		ValuationAsset:       "USD",
		FreeTradingThreshold: "1000",
		DefaultTier:          "standard",
		Instruments: []Instrument{
			{Symbol: "BTC-USD", Base: "BTC", Quote: "USD", QtyScale: 8, PriceScale: 2, MinQty: "0.00001"},
			{Symbol: "ETH-USD", Base: "ETH", Quote: "USD", QtyScale: 8, PriceScale: 2, MinQty: "0.0001"},
		},
		Fees: Fees{DefaultBps: "10"},
		Tiers: map[string]Tier{
			"standard": {
				MaxOrderNotional:   "100000",
				MaxAccountExposure: "500000",
				MaxSymbolExposure:  "250000",
				MaxLeverage:        "3",
				MaxConcentration:   "2",
				MaxRiskScore:       70,
			},
			"professional": {
				MaxOrderNotional:   "1000000",
				MaxAccountExposure: "5000000",
				MaxSymbolExposure:  "2500000",
				MaxLeverage:        "5",
				MaxConcentration:   "4",
				MaxRiskScore:       85,
			},
		},
	}
}
