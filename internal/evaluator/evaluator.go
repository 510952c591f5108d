// Package evaluator prices discovered opportunities against freshly re-read
// market state and drops the ones that are not worth executing.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

var one = decimal.NewFromInt(1)

// Config holds the profitability parameters.
type Config struct {
	LiquidationBonus decimal.Decimal
	FeeRate          decimal.Decimal
	// ProfitThreshold is the arbitrage floor; an arbitrage must clear it
	// strictly.
	ProfitThreshold decimal.Decimal
	QuoteMaxAge     time.Duration
	// QuoteAsset is priced at one without a quote.
	QuoteAsset string
}

// Evaluator computes expected profit. It never trusts the detection
// snapshot: every call re-reads the provider and fails closed.
type Evaluator struct {
	cfg      Config
	provider domain.MarketStateProvider
	gas      GasEstimator
	logger   *slog.Logger
	nowFn    func() time.Time
}

// New creates an Evaluator.
func New(cfg Config, provider domain.MarketStateProvider, gas GasEstimator, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		provider: provider,
		gas:      gas,
		logger:   logger.With(slog.String("component", "evaluator")),
		nowFn:    time.Now,
	}
}

// Evaluate returns opp in state Evaluated with ExpectedProfit set, or an
// error wrapping domain.ErrNonViable. Non-viable opportunities are terminal
// and the caller drops them.
func (e *Evaluator) Evaluate(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, error) {
	if opp.State != domain.StateDiscovered {
		return opp, fmt.Errorf("evaluator: %s: %w: state %s", opp.ID, domain.ErrInvalidTransition, opp.State)
	}
	if err := opp.Validate(); err != nil {
		return opp, fmt.Errorf("evaluator: %w: %w", domain.ErrNonViable, err)
	}

	snap, err := e.provider.Snapshot(ctx)
	if err != nil {
		return opp, fmt.Errorf("evaluator: %s: %w: re-read state: %w", opp.ID, domain.ErrNonViable, err)
	}

	gas, err := e.gas.Estimate(ctx, opp.Kind)
	if err != nil {
		return opp, fmt.Errorf("evaluator: %s: %w: gas estimate: %w", opp.ID, domain.ErrNonViable, err)
	}

	// Params are re-priced below; detach them from the caller's copy.
	if opp.Liquidation != nil {
		l := *opp.Liquidation
		opp.Liquidation = &l
	}
	if opp.Arbitrage != nil {
		a := *opp.Arbitrage
		opp.Arbitrage = &a
	}

	var profit decimal.Decimal
	switch opp.Kind {
	case domain.KindLiquidation:
		profit, err = e.liquidationProfit(&opp, snap, gas)
	case domain.KindArbitrage:
		profit, err = e.arbitrageProfit(&opp, snap, gas)
	}
	if err != nil {
		return opp, fmt.Errorf("evaluator: %s: %w", opp.ID, err)
	}

	opp.ExpectedProfit = profit
	if err := opp.Transition(domain.StateEvaluated); err != nil {
		return opp, fmt.Errorf("evaluator: %w", err)
	}

	e.logger.DebugContext(ctx, "opportunity evaluated",
		slog.String("opportunity_id", opp.ID),
		slog.String("kind", string(opp.Kind)),
		slog.String("expected_profit", profit.String()),
		slog.String("gas", gas.String()),
	)
	return opp, nil
}

// LiquidationProfit is the expected profit of repaying debt in full and
// receiving debt × (1 + bonus) of collateral.
func LiquidationProfit(debt, bonus, gas decimal.Decimal) decimal.Decimal {
	seized := debt.Mul(one.Add(bonus))
	return seized.Sub(debt).Sub(gas)
}

// ArbitrageProfit is amount × |pa − pb| × (1 − feeRate) − gas.
func ArbitrageProfit(amount, priceA, priceB, feeRate, gas decimal.Decimal) decimal.Decimal {
	return amount.Mul(priceA.Sub(priceB).Abs()).Mul(one.Sub(feeRate)).Sub(gas)
}

func (e *Evaluator) liquidationProfit(opp *domain.Opportunity, snap domain.Snapshot, gas decimal.Decimal) (decimal.Decimal, error) {
	l := opp.Liquidation
	pos, ok := snap.FindPosition(l.BorrowerID, l.CollateralAsset, l.DebtAsset)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: position gone", domain.ErrNonViable)
	}
	if pos.Validate() != nil || !pos.Liquidatable() {
		return decimal.Zero, fmt.Errorf("%w: position no longer liquidatable", domain.ErrNonViable)
	}

	// Full-debt policy against the current debt, not the discovered one.
	l.DebtAmount = pos.DebtValue
	l.DebtPrice = e.markPrice(snap, l.DebtAsset, l.DebtPrice)
	l.CollateralPrice = e.markPrice(snap, l.CollateralAsset, l.CollateralPrice)

	profit := LiquidationProfit(pos.DebtValue, e.cfg.LiquidationBonus, gas)
	if !profit.IsPositive() {
		return profit, fmt.Errorf("%w: expected profit %s", domain.ErrNonViable, profit)
	}
	return profit, nil
}

// markPrice prefers the evaluation snapshot's price and keeps fallback when
// that snapshot has none.
func (e *Evaluator) markPrice(snap domain.Snapshot, asset string, fallback decimal.Decimal) decimal.Decimal {
	if e.cfg.QuoteAsset != "" && asset == e.cfg.QuoteAsset {
		return one
	}
	if p, ok := snap.MarkPrice(asset, e.cfg.QuoteMaxAge); ok {
		return p
	}
	return fallback
}

func (e *Evaluator) arbitrageProfit(opp *domain.Opportunity, snap domain.Snapshot, gas decimal.Decimal) (decimal.Decimal, error) {
	a := opp.Arbitrage
	now := snap.TakenAt
	if now.IsZero() {
		now = e.nowFn()
	}

	qa, okA := snap.FindQuote(a.VenueA, a.Asset)
	qb, okB := snap.FindQuote(a.VenueB, a.Asset)
	if !okA || !okB {
		return decimal.Zero, fmt.Errorf("%w: quote missing", domain.ErrNonViable)
	}
	if !qa.Fresh(now, e.cfg.QuoteMaxAge) || !qb.Fresh(now, e.cfg.QuoteMaxAge) {
		return decimal.Zero, fmt.Errorf("%w: quote stale", domain.ErrNonViable)
	}
	if !qb.Price.GreaterThan(qa.Price) {
		return decimal.Zero, fmt.Errorf("%w: spread closed (%s >= %s)", domain.ErrNonViable, qa.Price, qb.Price)
	}

	a.PriceA, a.PriceB = qa.Price, qb.Price

	profit := ArbitrageProfit(a.TradeAmount, qa.Price, qb.Price, e.cfg.FeeRate, gas)
	if profit.LessThanOrEqual(e.cfg.ProfitThreshold) {
		return profit, fmt.Errorf("%w: expected profit %s below threshold %s", domain.ErrNonViable, profit, e.cfg.ProfitThreshold)
	}
	return profit, nil
}
