package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StepKind is one of the three flash-loan bundle step types.
type StepKind string

const (
	StepBorrow StepKind = "borrow"
	StepAct    StepKind = "act"
	StepRepay  StepKind = "repay"
)

// Step is a single signed call inside a bundle.
type Step struct {
	Kind   StepKind
	Action string // e.g. "flashLoan", "liquidationCall", "swap", "repay"
	Asset  string
	Amount decimal.Decimal
	// ToAsset is the output asset of a swap, or the debt asset repaid by a
	// liquidation call. Empty means the venue's quote asset.
	ToAsset string
	// Counterparty is the borrower being liquidated.
	Counterparty string
	Venue        string
	Target       string // contract address
	Calldata     []byte
}

// OperationPlan is an ordered Borrow, Act..., Repay sequence that must be
// submitted as one all-or-nothing bundle.
type OperationPlan struct {
	OpportunityID  string
	Identity       string
	Steps          []Step
	Deadline       time.Time
	ExpectedProfit decimal.Decimal
}

// Borrow returns the borrow step, if any.
func (p OperationPlan) Borrow() (Step, bool) { return p.find(StepBorrow) }

// Repay returns the repay step, if any.
func (p OperationPlan) Repay() (Step, bool) { return p.find(StepRepay) }

func (p OperationPlan) find(kind StepKind) (Step, bool) {
	for _, s := range p.Steps {
		if s.Kind == kind {
			return s, true
		}
	}
	return Step{}, false
}

// Validate enforces the bundle shape: exactly one leading Borrow, one or
// more Acts, exactly one trailing Repay covering principal plus the lender
// fee, and positive amounts throughout.
func (p OperationPlan) Validate(feeRate decimal.Decimal) error {
	if p.OpportunityID == "" || p.Identity == "" {
		return fmt.Errorf("%w: missing opportunity or identity", ErrInvalidPlan)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: %s: empty plan", ErrInvalidPlan, p.OpportunityID)
	}

	repay, hasRepay := p.Repay()
	if !hasRepay {
		return fmt.Errorf("%w: %s", ErrPlanMissingRepay, p.OpportunityID)
	}
	borrow, hasBorrow := p.Borrow()
	if !hasBorrow {
		return fmt.Errorf("%w: %s: missing borrow step", ErrInvalidPlan, p.OpportunityID)
	}

	var borrows, repays, acts int
	for i, s := range p.Steps {
		if !s.Amount.IsPositive() {
			return fmt.Errorf("%w: %s: step %d (%s) has non-positive amount", ErrInvalidPlan, p.OpportunityID, i, s.Kind)
		}
		switch s.Kind {
		case StepBorrow:
			borrows++
			if i != 0 {
				return fmt.Errorf("%w: %s: borrow must be the first step", ErrInvalidPlan, p.OpportunityID)
			}
		case StepRepay:
			repays++
			if i != len(p.Steps)-1 {
				return fmt.Errorf("%w: %s: repay must be the last step", ErrInvalidPlan, p.OpportunityID)
			}
		case StepAct:
			acts++
		default:
			return fmt.Errorf("%w: %s: unknown step kind %q", ErrInvalidPlan, p.OpportunityID, s.Kind)
		}
	}
	if borrows != 1 || repays != 1 {
		return fmt.Errorf("%w: %s: want one borrow and one repay, got %d and %d", ErrInvalidPlan, p.OpportunityID, borrows, repays)
	}
	if acts == 0 {
		return fmt.Errorf("%w: %s: no act step", ErrInvalidPlan, p.OpportunityID)
	}
	if repay.Asset != borrow.Asset {
		return fmt.Errorf("%w: %s: repay asset %s differs from borrow asset %s", ErrInvalidPlan, p.OpportunityID, repay.Asset, borrow.Asset)
	}

	owed := borrow.Amount.Mul(decimal.NewFromInt(1).Add(feeRate))
	if repay.Amount.LessThan(owed) {
		return fmt.Errorf("%w: %s: repay %s below borrow plus fee %s", ErrInvalidPlan, p.OpportunityID, repay.Amount, owed)
	}
	return nil
}

// Receipt is what the submitter reports for a landed bundle.
type Receipt struct {
	BundleHash    string
	BlockNumber   uint64
	GasUsed       uint64
	GasCost       decimal.Decimal
	ProceedsValue decimal.Decimal
	BorrowedValue decimal.Decimal
	FeePaid       decimal.Decimal
	IncludedAt    time.Time
}

// RealizedProfit is the profit actually captured by the landed bundle.
func (r Receipt) RealizedProfit() decimal.Decimal {
	return r.ProceedsValue.Sub(r.BorrowedValue).Sub(r.FeePaid).Sub(r.GasCost)
}
