package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a price for an asset on a named venue at a sampling instant.
type Quote struct {
	VenueID   string
	AssetID   string
	Price     decimal.Decimal
	SampledAt time.Time
}

// Fresh reports whether the quote is usable at now. A zero maxAge disables
// the age check. Non-positive prices are never fresh.
func (q Quote) Fresh(now time.Time, maxAge time.Duration) bool {
	if !q.Price.IsPositive() || q.VenueID == "" || q.AssetID == "" {
		return false
	}
	if maxAge <= 0 {
		return true
	}
	return now.Sub(q.SampledAt) <= maxAge
}

// Snapshot is one poll of the market state provider.
type Snapshot struct {
	Positions []Position
	Quotes    []Quote
	TakenAt   time.Time
}

// FindPosition returns the position owned by ownerID for the given asset pair.
func (s Snapshot) FindPosition(ownerID, collateralAsset, debtAsset string) (Position, bool) {
	for _, p := range s.Positions {
		if p.OwnerID != ownerID {
			continue
		}
		if p.CollateralAssetOrDefault() == collateralAsset && p.DebtAssetOrDefault() == debtAsset {
			return p, true
		}
	}
	return Position{}, false
}

// FindQuote returns the newest quote for asset on venue.
func (s Snapshot) FindQuote(venueID, assetID string) (Quote, bool) {
	var best Quote
	found := false
	for _, q := range s.Quotes {
		if q.VenueID != venueID || q.AssetID != assetID {
			continue
		}
		if !found || q.SampledAt.After(best.SampledAt) {
			best, found = q, true
		}
	}
	return best, found
}

// MarkPrice returns the price of asset from its most recently sampled fresh
// quote on any venue, ties broken by venue id.
func (s Snapshot) MarkPrice(assetID string, maxAge time.Duration) (decimal.Decimal, bool) {
	var best Quote
	found := false
	for _, q := range s.Quotes {
		if q.AssetID != assetID || !q.Fresh(s.TakenAt, maxAge) {
			continue
		}
		if !found || q.SampledAt.After(best.SampledAt) ||
			(q.SampledAt.Equal(best.SampledAt) && q.VenueID < best.VenueID) {
			best, found = q, true
		}
	}
	return best.Price, found
}

// MarketStateProvider supplies positions and cross-venue quotes. Snapshot
// fails with ErrProviderUnavailable on a transient outage.
type MarketStateProvider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}
