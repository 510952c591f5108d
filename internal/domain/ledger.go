package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntry is the accumulated profit and balance of one beneficiary.
// Profit never decreases; Balance carries realized losses as well.
type LedgerEntry struct {
	BeneficiaryID string
	Profit        decimal.Decimal
	Balance       decimal.Decimal
	Settlements   int64
	UpdatedAt     time.Time
}

// ZeroEntry is what GetEntry returns for an unknown beneficiary.
func ZeroEntry(beneficiaryID string) LedgerEntry {
	return LedgerEntry{
		BeneficiaryID: beneficiaryID,
		Profit:        decimal.Zero,
		Balance:       decimal.Zero,
	}
}

// Apply returns the entry after crediting one new settlement.
func (e LedgerEntry) Apply(realized decimal.Decimal, at time.Time) LedgerEntry {
	e.Balance = e.Balance.Add(realized)
	if realized.IsPositive() {
		e.Profit = e.Profit.Add(realized)
	}
	e.Settlements++
	e.UpdatedAt = at
	return e
}

// Settlement is the durable record of one settled opportunity. The pair
// (BeneficiaryID, OpportunityID) is unique.
type Settlement struct {
	ID             string
	BeneficiaryID  string
	OpportunityID  string
	Kind           OpportunityKind
	RealizedProfit decimal.Decimal
	BundleHash     string
	SettledAt      time.Time
}
