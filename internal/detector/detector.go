// Package detector turns market state snapshots into candidate liquidation
// and arbitrage opportunities. Detection is a pure function of the snapshot.
package detector

import (
	"iter"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// Config holds the detection thresholds.
type Config struct {
	// MinSpread is the relative spread |pa-pb|/min(pa,pb) an asset must
	// exceed before an arbitrage is emitted.
	MinSpread decimal.Decimal
	// QuoteMaxAge drops quotes sampled longer than this before the snapshot
	// time. Zero disables the check.
	QuoteMaxAge time.Duration
	Sizer       SizingFunc
	// QuoteAsset is the unit of every value and price. It is priced at one
	// without a quote.
	QuoteAsset string
}

// Detector applies the liquidation and arbitrage rules.
type Detector struct {
	cfg Config
}

// New creates a Detector. A nil Sizer sizes every arbitrage at zero, which
// suppresses it.
func New(cfg Config) *Detector {
	if cfg.Sizer == nil {
		cfg.Sizer = func(decimal.Decimal, decimal.Decimal) decimal.Decimal { return decimal.Zero }
	}
	return &Detector{cfg: cfg}
}

// Detect yields liquidations followed by arbitrage opportunities, all in
// state Discovered.
func (d *Detector) Detect(snap domain.Snapshot) iter.Seq[domain.Opportunity] {
	return func(yield func(domain.Opportunity) bool) {
		for opp := range d.Liquidations(snap) {
			if !yield(opp) {
				return
			}
		}
		for opp := range d.Arbitrage(snap) {
			if !yield(opp) {
				return
			}
		}
	}
}

// Liquidations yields a full-debt liquidation for every valid position whose
// health ratio is below one. Invalid positions are skipped.
func (d *Detector) Liquidations(snap domain.Snapshot) iter.Seq[domain.Opportunity] {
	return func(yield func(domain.Opportunity) bool) {
		for _, p := range snap.Positions {
			if p.Validate() != nil || !p.Liquidatable() {
				continue
			}
			collateral, debt := p.CollateralAssetOrDefault(), p.DebtAssetOrDefault()
			opp := domain.NewLiquidation(domain.LiquidationParams{
				CollateralAsset: collateral,
				DebtAsset:       debt,
				DebtAmount:      p.DebtValue,
				BorrowerID:      p.OwnerID,
				DebtPrice:       d.price(snap, debt),
				CollateralPrice: d.price(snap, collateral),
			}, snap.TakenAt)
			if !yield(opp) {
				return
			}
		}
	}
}

// Arbitrage compares, per asset, the cheapest and dearest fresh quotes and
// yields an opportunity when their relative spread exceeds MinSpread. Assets
// with fewer than two usable venues are skipped.
func (d *Detector) Arbitrage(snap domain.Snapshot) iter.Seq[domain.Opportunity] {
	return func(yield func(domain.Opportunity) bool) {
		byAsset := d.freshQuotes(snap)

		assets := make([]string, 0, len(byAsset))
		for a := range byAsset {
			assets = append(assets, a)
		}
		sort.Strings(assets)

		for _, asset := range assets {
			quotes := byAsset[asset]
			if len(quotes) < 2 {
				continue
			}
			low, high := extremes(quotes)
			abs := high.Price.Sub(low.Price)
			if !abs.IsPositive() {
				continue
			}
			if !abs.Div(low.Price).GreaterThan(d.cfg.MinSpread) {
				continue
			}
			amount := d.cfg.Sizer(abs, low.Price)
			if !amount.IsPositive() {
				continue
			}
			opp := domain.NewArbitrage(domain.ArbitrageParams{
				Asset:       asset,
				VenueA:      low.VenueID,
				PriceA:      low.Price,
				VenueB:      high.VenueID,
				PriceB:      high.Price,
				TradeAmount: amount,
			}, snap.TakenAt)
			if !yield(opp) {
				return
			}
		}
	}
}

// freshQuotes groups usable quotes by asset, keeping the newest quote per
// venue.
func (d *Detector) freshQuotes(snap domain.Snapshot) map[string][]domain.Quote {
	latest := make(map[string]map[string]domain.Quote)
	for _, q := range snap.Quotes {
		if !q.Fresh(snap.TakenAt, d.cfg.QuoteMaxAge) {
			continue
		}
		venues, ok := latest[q.AssetID]
		if !ok {
			venues = make(map[string]domain.Quote)
			latest[q.AssetID] = venues
		}
		if cur, seen := venues[q.VenueID]; seen && cur.SampledAt.After(q.SampledAt) {
			continue
		}
		venues[q.VenueID] = q
	}

	out := make(map[string][]domain.Quote, len(latest))
	for asset, venues := range latest {
		for _, q := range venues {
			out[asset] = append(out[asset], q)
		}
	}
	return out
}

// price is the asset's mark price in snap, or zero when none is usable.
func (d *Detector) price(snap domain.Snapshot, asset string) decimal.Decimal {
	if d.cfg.QuoteAsset != "" && asset == d.cfg.QuoteAsset {
		return decimal.NewFromInt(1)
	}
	p, _ := snap.MarkPrice(asset, d.cfg.QuoteMaxAge)
	return p
}

// extremes returns the lowest and highest priced quotes, breaking price ties
// by venue id so the pair is stable across polls.
func extremes(quotes []domain.Quote) (low, high domain.Quote) {
	sort.Slice(quotes, func(i, j int) bool {
		if c := quotes[i].Price.Cmp(quotes[j].Price); c != 0 {
			return c < 0
		}
		return quotes[i].VenueID < quotes[j].VenueID
	})
	return quotes[0], quotes[len(quotes)-1]
}
