package marketstate

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// APISnapshot is the wire shape of one market state poll. Amounts are
// decimal strings or JSON numbers.
type APISnapshot struct {
	Positions []APIPosition `json:"positions"`
	Quotes    []APIQuote    `json:"quotes"`
	TakenAt   *time.Time    `json:"taken_at,omitempty"`
}

// APIPosition is a borrower position as served by the indexer.
type APIPosition struct {
	OwnerID         string          `json:"owner_id"`
	AssetID         string          `json:"asset_id,omitempty"`
	CollateralAsset string          `json:"collateral_asset,omitempty"`
	DebtAsset       string          `json:"debt_asset,omitempty"`
	CollateralValue decimal.Decimal `json:"collateral_value"`
	DebtValue       decimal.Decimal `json:"debt_value"`
}

// APIQuote is one venue price.
type APIQuote struct {
	VenueID   string          `json:"venue_id"`
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	SampledAt time.Time       `json:"sampled_at"`
}

// ToDomainSnapshot converts the wire snapshot. now stamps the snapshot when
// the server did not.
func (a *APISnapshot) ToDomainSnapshot(now time.Time) domain.Snapshot {
	snap := domain.Snapshot{
		Positions: make([]domain.Position, 0, len(a.Positions)),
		Quotes:    make([]domain.Quote, 0, len(a.Quotes)),
		TakenAt:   now,
	}
	if a.TakenAt != nil && !a.TakenAt.IsZero() {
		snap.TakenAt = *a.TakenAt
	}
	for _, p := range a.Positions {
		snap.Positions = append(snap.Positions, domain.Position{
			OwnerID:         p.OwnerID,
			AssetID:         p.AssetID,
			CollateralAsset: p.CollateralAsset,
			DebtAsset:       p.DebtAsset,
			CollateralValue: p.CollateralValue,
			DebtValue:       p.DebtValue,
		})
	}
	for _, q := range a.Quotes {
		snap.Quotes = append(snap.Quotes, domain.Quote{
			VenueID:   q.VenueID,
			AssetID:   q.AssetID,
			Price:     q.Price,
			SampledAt: q.SampledAt,
		})
	}
	return snap
}
