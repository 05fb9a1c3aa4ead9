// Package risk is the pre-trade gate. Evaluate decides whether an order may
// proceed and never mutates ledger or book state.
package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/internal/compliance"
	"order-core/internal/monitor"
	"order-core/pkg/logger"
)

// Gate evaluates orders against account status, balances and tier limits.
type Gate struct {
	cfg       Config
	accounts  AccountStatusProvider
	balances  BalanceReader
	exposure  ExposureReader
	reporter  compliance.Reporter
	sysMetric *monitor.SystemMetrics
	log       *zap.Logger

	mu      sync.Mutex
	metrics Metrics
}

// GateOptions wires a Gate. Exposure may be nil before positions exist.
type GateOptions struct {
	Config   Config
	Accounts AccountStatusProvider
	Balances BalanceReader
	Exposure ExposureReader
	Reporter compliance.Reporter
	Metrics  *monitor.SystemMetrics
	Logger   *zap.Logger
}

// NewGate creates a gate.
func NewGate(opts GateOptions) *Gate {
	rep := opts.Reporter
	if rep == nil {
		rep = compliance.Nop{}
	}
	return &Gate{
		cfg:       opts.Config,
		accounts:  opts.Accounts,
		balances:  opts.Balances,
		exposure:  opts.Exposure,
		reporter:  rep,
		sysMetric: opts.Metrics,
		log:       logger.OrNop(opts.Logger),
		metrics:   Metrics{ByReason: make(map[string]uint64)},
	}
}

// SetExposure attaches the position ledger once it is built.
func (g *Gate) SetExposure(e ExposureReader) { g.exposure = e }

// Evaluate runs the checks in order and stops at the first failure.
func (g *Gate) Evaluate(ctx context.Context, in Input) Decision {
	status, err := g.accounts.AccountStatus(ctx, in.Account)
	if err != nil {
		return reject(ReasonAccountUnavailable, compliance.SeverityHigh, err.Error())
	}
	tier, ok := g.cfg.Tiers[status.RiskTier]
	if !ok {
		tier = g.cfg.Tiers[g.cfg.DefaultTier]
	}

	// 1. KYC above the free-trading threshold.
	if !status.KYCVerified && in.Notional.GreaterThan(g.cfg.FreeTradingThreshold) {
		return reject(ReasonKYCRequired, compliance.SeverityHigh,
			fmt.Sprintf("notional %s exceeds free-trading threshold %s for unverified account", in.Notional, g.cfg.FreeTradingThreshold))
	}

	// 2. Paying asset balance.
	if in.Required.IsPositive() {
		avail := g.balances.Balance(in.Account, in.PayingAsset).Available
		if avail.LessThan(in.Required) {
			return reject(ReasonInsufficientBalance, compliance.SeverityMedium,
				fmt.Sprintf("available %s %s, required %s", avail, in.PayingAsset, in.Required))
		}
	}

	if tier.MaxOrderNotional.IsPositive() && in.Notional.GreaterThan(tier.MaxOrderNotional) {
		return reject(ReasonOrderLimit, compliance.SeverityMedium,
			fmt.Sprintf("order notional %s exceeds %s", in.Notional, tier.MaxOrderNotional))
	}

	// 3-4 apply only to the part of the order that grows the position.
	added := g.addedNotional(in)
	if added.IsPositive() {
		accountExp, symbolExp := decimal.Zero, decimal.Zero
		if g.exposure != nil {
			accountExp = g.exposure.Exposure(in.Account)
			symbolExp = g.exposure.SymbolExposure(in.Account, in.Symbol)
		}
		projectedAccount := accountExp.Add(added)
		projectedSymbol := symbolExp.Add(added)

		if tier.MaxAccountExposure.IsPositive() && projectedAccount.GreaterThan(tier.MaxAccountExposure) {
			return reject(ReasonAccountExposureLimit, compliance.SeverityMedium,
				fmt.Sprintf("account exposure %s would exceed %s", projectedAccount, tier.MaxAccountExposure))
		}
		if tier.MaxSymbolExposure.IsPositive() && projectedSymbol.GreaterThan(tier.MaxSymbolExposure) {
			return reject(ReasonSymbolExposureLimit, compliance.SeverityMedium,
				fmt.Sprintf("%s exposure %s would exceed %s", in.Symbol, projectedSymbol, tier.MaxSymbolExposure))
		}

		equity := g.equity(in.Account, accountExp)
		if !equity.IsPositive() {
			return reject(ReasonLeverageLimit, compliance.SeverityMedium, "no equity to support new exposure")
		}
		if tier.MaxLeverage.IsPositive() {
			if lev := projectedAccount.Div(equity); lev.GreaterThan(tier.MaxLeverage) {
				return reject(ReasonLeverageLimit, compliance.SeverityMedium,
					fmt.Sprintf("leverage %s would exceed %s", lev.StringFixed(4), tier.MaxLeverage))
			}
		}
		if tier.MaxConcentration.IsPositive() {
			if conc := projectedSymbol.Div(equity); conc.GreaterThan(tier.MaxConcentration) {
				return reject(ReasonConcentrationLimit, compliance.SeverityMedium,
					fmt.Sprintf("%s concentration %s would exceed %s", in.Symbol, conc.StringFixed(4), tier.MaxConcentration))
			}
		}
	}

	// 5. Risk score strictly below the tier maximum.
	if tier.MaxRiskScore > 0 && status.RiskScore >= tier.MaxRiskScore {
		return reject(ReasonRiskScoreExceeded, compliance.SeverityMedium,
			fmt.Sprintf("risk score %d, tier %q allows below %d", status.RiskScore, status.RiskTier, tier.MaxRiskScore))
	}

	return accept()
}

// addedNotional is the notional by which the order grows the absolute
// position in its symbol.
func (g *Gate) addedNotional(in Input) decimal.Decimal {
	if g.exposure == nil {
		return in.Notional
	}
	current := g.exposure.SignedQuantity(in.Account, in.Symbol)
	delta := in.Quantity
	if !in.Buy {
		delta = delta.Neg()
	}
	grow := current.Add(delta).Abs().Sub(current.Abs())
	if !grow.IsPositive() {
		return decimal.Zero
	}
	return grow.Mul(in.Price)
}

// equity is cash in the valuation asset plus marked position value.
func (g *Gate) equity(account string, exposure decimal.Decimal) decimal.Decimal {
	cash := decimal.Zero
	if g.cfg.ValuationAsset != "" {
		cash = g.balances.Balance(account, g.cfg.ValuationAsset).Total()
	}
	return cash.Add(exposure)
}

// Screen evaluates the order, records metrics and reports a rejection as a
// compliance event. The order book calls Screen; Evaluate stays side-effect
// free for speculative checks.
func (g *Gate) Screen(ctx context.Context, in Input, orderID string) Decision {
	dec := g.Evaluate(ctx, in)

	g.mu.Lock()
	g.metrics.Evaluations++
	if !dec.Allowed {
		g.metrics.Rejections++
		g.metrics.ByReason[dec.Reason]++
	}
	g.mu.Unlock()

	if dec.Allowed {
		return dec
	}
	g.sysMetric.ObserveRiskRejection(dec.Reason)
	g.log.Info("order rejected by risk gate",
		zap.String("account", in.Account),
		zap.String("order", orderID),
		zap.String("reason", dec.Reason),
		zap.String("detail", dec.Detail))
	g.reporter.Emit(ctx, compliance.Event{
		AccountID:   in.Account,
		OrderID:     orderID,
		Type:        compliance.TypeRiskRejection,
		Severity:    dec.Severity,
		Title:       "Order rejected: " + dec.Reason,
		Description: dec.Detail,
		Evidence: map[string]string{
			"reason":   dec.Reason,
			"symbol":   in.Symbol,
			"quantity": in.Quantity.String(),
			"notional": in.Notional.String(),
		},
	})
	return dec
}

// Metrics returns a copy of the evaluation counters.
func (g *Gate) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := Metrics{
		Evaluations: g.metrics.Evaluations,
		Rejections:  g.metrics.Rejections,
		ByReason:    make(map[string]uint64, len(g.metrics.ByReason)),
	}
	for k, v := range g.metrics.ByReason {
		out.ByReason[k] = v
	}
	return out
}
