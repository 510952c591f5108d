package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityKind distinguishes the two opportunity variants.
type OpportunityKind string

const (
	KindLiquidation OpportunityKind = "liquidation"
	KindArbitrage   OpportunityKind = "arbitrage"
)

// OpportunityState is the lifecycle state of an opportunity.
type OpportunityState string

const (
	StateDiscovered OpportunityState = "discovered"
	StateEvaluated  OpportunityState = "evaluated"
	StateExecuting  OpportunityState = "executing"
	StateSettled    OpportunityState = "settled"
	StateFailed     OpportunityState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s OpportunityState) Terminal() bool {
	return s == StateSettled || s == StateFailed
}

var allowedTransitions = map[OpportunityState][]OpportunityState{
	StateDiscovered: {StateEvaluated},
	StateEvaluated:  {StateExecuting, StateFailed},
	StateExecuting:  {StateSettled, StateFailed},
}

// LiquidationParams describes a full-debt liquidation of one borrower.
type LiquidationParams struct {
	CollateralAsset string
	DebtAsset       string
	// DebtAmount is the outstanding debt in quote-asset value.
	DebtAmount decimal.Decimal
	BorrowerID string
	// DebtPrice and CollateralPrice are quote-asset prices per token taken
	// from the same snapshot. Zero means no usable price.
	DebtPrice       decimal.Decimal
	CollateralPrice decimal.Decimal
}

// ArbitrageParams describes a buy-low/sell-high trade across two venues.
// VenueA is always the cheaper venue.
type ArbitrageParams struct {
	Asset       string
	VenueA      string
	PriceA      decimal.Decimal
	VenueB      string
	PriceB      decimal.Decimal
	TradeAmount decimal.Decimal
}

// Opportunity is a candidate profitable action. Exactly one of Liquidation
// and Arbitrage is set, matching Kind.
type Opportunity struct {
	ID             string
	Window         string
	Kind           OpportunityKind
	Liquidation    *LiquidationParams
	Arbitrage      *ArbitrageParams
	DiscoveredAt   time.Time
	ExpectedProfit decimal.Decimal
	State          OpportunityState
	FailureReason  string
}

// LiquidationWindow builds the deterministic key of a liquidation window.
func LiquidationWindow(borrower, collateralAsset, debtAsset string) string {
	return fmt.Sprintf("liq:%s:%s:%s", borrower, collateralAsset, debtAsset)
}

// ArbitrageWindow builds the deterministic key of an arbitrage window.
func ArbitrageWindow(asset, lowVenue, highVenue string) string {
	return fmt.Sprintf("arb:%s:%s:%s", asset, lowVenue, highVenue)
}

// instanceID identifies one discovery of a window.
func instanceID(window string, at time.Time) string {
	return fmt.Sprintf("%s@%d", window, at.UnixNano())
}

// ClaimKey is the key executions of this opportunity are serialized on.
func (o Opportunity) ClaimKey() string {
	if o.Window != "" {
		return o.Window
	}
	return o.ID
}

// NewLiquidation returns a Discovered liquidation opportunity.
func NewLiquidation(p LiquidationParams, at time.Time) Opportunity {
	window := LiquidationWindow(p.BorrowerID, p.CollateralAsset, p.DebtAsset)
	return Opportunity{
		ID:           instanceID(window, at),
		Window:       window,
		Kind:         KindLiquidation,
		Liquidation:  &p,
		DiscoveredAt: at,
		State:        StateDiscovered,
	}
}

// NewArbitrage returns a Discovered arbitrage opportunity.
func NewArbitrage(p ArbitrageParams, at time.Time) Opportunity {
	window := ArbitrageWindow(p.Asset, p.VenueA, p.VenueB)
	return Opportunity{
		ID:           instanceID(window, at),
		Window:       window,
		Kind:         KindArbitrage,
		Arbitrage:    &p,
		DiscoveredAt: at,
		State:        StateDiscovered,
	}
}

// Transition moves the opportunity to the next state, rejecting illegal
// moves with ErrInvalidTransition.
func (o *Opportunity) Transition(to OpportunityState) error {
	for _, next := range allowedTransitions[o.State] {
		if next == to {
			o.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, o.State, to, o.ID)
}

// Fail moves the opportunity to Failed and records the reason.
func (o *Opportunity) Fail(reason string) error {
	if err := o.Transition(StateFailed); err != nil {
		return err
	}
	o.FailureReason = reason
	return nil
}

// Validate checks that the variant payload matches Kind and that amounts are
// positive. A failure here is a construction defect, not a market condition.
func (o Opportunity) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing opportunity id", ErrInvalidOpportunity)
	}
	switch o.Kind {
	case KindLiquidation:
		l := o.Liquidation
		if l == nil {
			return fmt.Errorf("%w: %s: missing liquidation params", ErrInvalidOpportunity, o.ID)
		}
		if l.BorrowerID == "" || l.DebtAsset == "" || l.CollateralAsset == "" {
			return fmt.Errorf("%w: %s: missing liquidation field", ErrInvalidOpportunity, o.ID)
		}
		if !l.DebtAmount.IsPositive() {
			return fmt.Errorf("%w: %s: non-positive debt amount %s", ErrInvalidOpportunity, o.ID, l.DebtAmount)
		}
	case KindArbitrage:
		a := o.Arbitrage
		if a == nil {
			return fmt.Errorf("%w: %s: missing arbitrage params", ErrInvalidOpportunity, o.ID)
		}
		if a.Asset == "" || a.VenueA == "" || a.VenueB == "" {
			return fmt.Errorf("%w: %s: missing arbitrage field", ErrInvalidOpportunity, o.ID)
		}
		if !a.TradeAmount.IsPositive() || !a.PriceA.IsPositive() || !a.PriceB.IsPositive() {
			return fmt.Errorf("%w: %s: non-positive arbitrage amount", ErrInvalidOpportunity, o.ID)
		}
	default:
		return fmt.Errorf("%w: %s: unknown kind %q", ErrInvalidOpportunity, o.ID, o.Kind)
	}
	return nil
}
