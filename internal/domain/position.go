package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Position is a borrower's state on a lending venue as reported by the
// market state provider. The core only reads positions.
type Position struct {
	OwnerID         string
	AssetID         string
	CollateralAsset string
	DebtAsset       string
	CollateralValue decimal.Decimal
	DebtValue       decimal.Decimal
}

// Validate checks the non-negativity invariants and the identifying fields.
func (p Position) Validate() error {
	if p.OwnerID == "" {
		return fmt.Errorf("position: missing owner id")
	}
	if p.CollateralValue.IsNegative() {
		return fmt.Errorf("position %s: negative collateral value %s", p.OwnerID, p.CollateralValue)
	}
	if p.DebtValue.IsNegative() {
		return fmt.Errorf("position %s: negative debt value %s", p.OwnerID, p.DebtValue)
	}
	return nil
}

// HealthRatio returns collateral/debt. The second return value is false when
// the debt is zero, in which case the ratio is infinite.
func (p Position) HealthRatio() (decimal.Decimal, bool) {
	if p.DebtValue.IsZero() {
		return decimal.Zero, false
	}
	return p.CollateralValue.Div(p.DebtValue), true
}

// Liquidatable reports whether the health ratio is strictly below one.
func (p Position) Liquidatable() bool {
	ratio, finite := p.HealthRatio()
	return finite && ratio.LessThan(decimal.NewFromInt(1))
}

// CollateralAssetOrDefault falls back to AssetID for single-asset venues.
func (p Position) CollateralAssetOrDefault() string {
	if p.CollateralAsset != "" {
		return p.CollateralAsset
	}
	return p.AssetID
}

// DebtAssetOrDefault falls back to AssetID for single-asset venues.
func (p Position) DebtAssetOrDefault() string {
	if p.DebtAsset != "" {
		return p.DebtAsset
	}
	return p.AssetID
}
