// Package chain holds the EVM-facing pieces that are independent of any
// relay: token registry, gas pricing and calldata encoding for the executor
// contract.
package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// nativeDecimals is the decimal exponent of the native token.
const nativeDecimals = 18

// Asset is one ERC-20 token the engine trades.
type Asset struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Assets resolves symbols used in plans to token addresses.
type Assets struct {
	bySymbol map[string]Asset
}

// NewAssets builds a registry from symbol -> address and symbol -> decimals
// maps. A missing decimals entry defaults to 18.
func NewAssets(addresses map[string]string, decimals map[string]int32) (*Assets, error) {
	a := &Assets{bySymbol: make(map[string]Asset, len(addresses))}
	for sym, addr := range addresses {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("chain: asset %s: invalid address %q", sym, addr)
		}
		d, ok := decimals[sym]
		if !ok {
			d = nativeDecimals
		}
		a.bySymbol[sym] = Asset{Symbol: sym, Address: common.HexToAddress(addr), Decimals: d}
	}
	return a, nil
}

// Lookup returns the asset registered under symbol.
func (a *Assets) Lookup(symbol string) (Asset, error) {
	asset, ok := a.bySymbol[symbol]
	if !ok {
		return Asset{}, fmt.Errorf("chain: unknown asset %q", symbol)
	}
	return asset, nil
}

// ToBaseUnits converts a human amount into the token's integer units,
// truncating below one unit.
func (a Asset) ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(a.Decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts integer token units into a human amount.
func (a Asset) FromBaseUnits(units *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(units, -a.Decimals)
}

// WeiToQuote prices wei of the native token in the quote currency.
func WeiToQuote(wei *big.Int, nativePrice decimal.Decimal) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals).Mul(nativePrice)
}

// ParseAddress parses a hex address, rejecting anything else.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("chain: invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func (a *Assets) byAddress(addr common.Address) (Asset, bool) {
	for _, asset := range a.bySymbol {
		if asset.Address == addr {
			return asset, true
		}
	}
	return Asset{}, false
}
