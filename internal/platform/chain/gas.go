package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// GasPricer is the subset of ethclient.Client the estimator needs.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasConfig prices one bundle.
type GasConfig struct {
	// Limits is the gas budget per opportunity kind; DefaultLimit covers
	// kinds not listed.
	Limits       map[domain.OpportunityKind]uint64
	DefaultLimit uint64
	// NativePrice is the native token's price in the quote currency.
	NativePrice decimal.Decimal
	// CacheTTL reuses a suggested gas price for this long.
	CacheTTL time.Duration
}

// Gas estimates bundle cost from the node's suggested gas price.
type Gas struct {
	cfg    GasConfig
	client GasPricer
	nowFn  func() time.Time

	mu        sync.Mutex
	price     *big.Int
	fetchedAt time.Time
}

// NewGas creates a Gas estimator.
func NewGas(cfg GasConfig, client GasPricer) *Gas {
	return &Gas{cfg: cfg, client: client, nowFn: time.Now}
}

// Estimate returns gasLimit × gasPrice converted to the quote currency.
func (g *Gas) Estimate(ctx context.Context, kind domain.OpportunityKind) (decimal.Decimal, error) {
	price, err := g.gasPrice(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	limit, ok := g.cfg.Limits[kind]
	if !ok {
		limit = g.cfg.DefaultLimit
	}
	wei := new(big.Int).Mul(price, new(big.Int).SetUint64(limit))
	return WeiToQuote(wei, g.cfg.NativePrice), nil
}

func (g *Gas) gasPrice(ctx context.Context) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.price != nil && g.nowFn().Sub(g.fetchedAt) < g.cfg.CacheTTL {
		return g.price, nil
	}
	price, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	g.price, g.fetchedAt = price, g.nowFn()
	return price, nil
}
