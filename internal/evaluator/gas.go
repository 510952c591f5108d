package evaluator

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// GasEstimator prices the gas of one bundle in the quote currency.
type GasEstimator interface {
	Estimate(ctx context.Context, kind domain.OpportunityKind) (decimal.Decimal, error)
}

// StaticGas returns a fixed cost for every bundle.
type StaticGas struct {
	Cost decimal.Decimal
}

func (g StaticGas) Estimate(context.Context, domain.OpportunityKind) (decimal.Decimal, error) {
	return g.Cost, nil
}
