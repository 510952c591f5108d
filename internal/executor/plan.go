package executor

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

var one = decimal.NewFromInt(1)

// CalldataEncoder turns a step into contract calldata. Implementations live
// next to the chain client.
type CalldataEncoder interface {
	Encode(step domain.Step) ([]byte, error)
}

// PlanConfig holds the addresses and rates the builder needs.
//
// Liquidation values are converted to token amounts with the prices carried
// on the opportunity. An asset without a price is sized as if one token were
// worth one unit of the quote asset, which only holds for the quote asset
// itself.
type PlanConfig struct {
	// LendingPool is the flash-loan provider and liquidation target.
	LendingPool string
	// Routers maps venue id to swap router address.
	Routers          map[string]string
	FlashFeeRate     decimal.Decimal
	LiquidationBonus decimal.Decimal
	// TTL bounds how long a built plan may be submitted.
	TTL time.Duration
	// LiquidationVenue is where seized collateral is swapped back.
	LiquidationVenue string
}

// PlanBuilder builds Borrow, Act..., Repay plans from evaluated
// opportunities.
type PlanBuilder struct {
	cfg     PlanConfig
	encoder CalldataEncoder
	nowFn   func() time.Time
}

// NewPlanBuilder creates a PlanBuilder. encoder may be nil, in which case
// steps carry no calldata.
func NewPlanBuilder(cfg PlanConfig, encoder CalldataEncoder) *PlanBuilder {
	return &PlanBuilder{cfg: cfg, encoder: encoder, nowFn: time.Now}
}

// FlashFeeRate is the lender fee the built plans repay.
func (b *PlanBuilder) FlashFeeRate() decimal.Decimal { return b.cfg.FlashFeeRate }

// Build returns a plan for opp signed by identity. The result is validated
// before it is returned.
func (b *PlanBuilder) Build(opp domain.Opportunity, identity string) (domain.OperationPlan, error) {
	var steps []domain.Step
	switch opp.Kind {
	case domain.KindLiquidation:
		if opp.Liquidation == nil {
			return domain.OperationPlan{}, fmt.Errorf("executor: build %s: %w: missing liquidation params", opp.ID, domain.ErrInvalidPlan)
		}
		steps = b.liquidationSteps(*opp.Liquidation)
	case domain.KindArbitrage:
		if opp.Arbitrage == nil {
			return domain.OperationPlan{}, fmt.Errorf("executor: build %s: %w: missing arbitrage params", opp.ID, domain.ErrInvalidPlan)
		}
		steps = b.arbitrageSteps(*opp.Arbitrage)
	default:
		return domain.OperationPlan{}, fmt.Errorf("executor: build %s: %w: unknown kind %q", opp.ID, domain.ErrInvalidPlan, opp.Kind)
	}

	if b.encoder != nil {
		for i := range steps {
			data, err := b.encoder.Encode(steps[i])
			if err != nil {
				return domain.OperationPlan{}, fmt.Errorf("executor: encode step %d of %s: %w: %w", i, opp.ID, domain.ErrInvalidPlan, err)
			}
			steps[i].Calldata = data
		}
	}

	plan := domain.OperationPlan{
		OpportunityID:  opp.ID,
		Identity:       identity,
		Steps:          steps,
		ExpectedProfit: opp.ExpectedProfit,
	}
	if b.cfg.TTL > 0 {
		plan.Deadline = b.nowFn().Add(b.cfg.TTL)
	}
	if err := plan.Validate(b.cfg.FlashFeeRate); err != nil {
		return plan, fmt.Errorf("executor: build %s: %w", opp.ID, err)
	}
	return plan, nil
}

func (b *PlanBuilder) owed(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(one.Add(b.cfg.FlashFeeRate))
}

// Borrow the debt asset, repay the borrower's debt to seize collateral, swap
// the collateral back into the debt asset and repay the lender.
func (b *PlanBuilder) liquidationSteps(l domain.LiquidationParams) []domain.Step {
	debt := tokens(l.DebtAmount, l.DebtPrice)
	seized := tokens(l.DebtAmount.Mul(one.Add(b.cfg.LiquidationBonus)), l.CollateralPrice)
	return []domain.Step{
		{Kind: domain.StepBorrow, Action: "flashLoan", Asset: l.DebtAsset, Amount: debt, Target: b.cfg.LendingPool},
		{Kind: domain.StepAct, Action: "liquidationCall", Asset: l.CollateralAsset, ToAsset: l.DebtAsset,
			Amount: debt, Counterparty: l.BorrowerID, Target: b.cfg.LendingPool},
		{Kind: domain.StepAct, Action: "swap", Asset: l.CollateralAsset, ToAsset: l.DebtAsset, Amount: seized,
			Venue: b.cfg.LiquidationVenue, Target: b.cfg.Routers[b.cfg.LiquidationVenue]},
		{Kind: domain.StepRepay, Action: "repay", Asset: l.DebtAsset, Amount: b.owed(debt), Target: b.cfg.LendingPool},
	}
}

// tokens converts a quote-asset value into a token amount at price.
func tokens(value, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return value
	}
	return value.DivRound(price, 18)
}

// Borrow the asset, sell it on the expensive venue, buy back enough on the
// cheap venue to cover principal plus fee, and repay.
func (b *PlanBuilder) arbitrageSteps(a domain.ArbitrageParams) []domain.Step {
	owed := b.owed(a.TradeAmount)
	return []domain.Step{
		{Kind: domain.StepBorrow, Action: "flashLoan", Asset: a.Asset, Amount: a.TradeAmount, Target: b.cfg.LendingPool},
		{Kind: domain.StepAct, Action: "sell", Asset: a.Asset, Amount: a.TradeAmount, Venue: a.VenueB, Target: b.cfg.Routers[a.VenueB]},
		{Kind: domain.StepAct, Action: "buy", Asset: a.Asset, Amount: owed, Venue: a.VenueA, Target: b.cfg.Routers[a.VenueA]},
		{Kind: domain.StepRepay, Action: "repay", Asset: a.Asset, Amount: owed, Target: b.cfg.LendingPool},
	}
}
