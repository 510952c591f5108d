package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// ExecutorABI is the interface of the on-chain executor contract that holds
// the flash loan for the duration of a bundle. Settled is emitted once per
// bundle by the repay step.
const ExecutorABI = `[
	{"type":"function","name":"flashLoan","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"liquidationCall","stateMutability":"nonpayable","inputs":[
		{"name":"collateralAsset","type":"address"},{"name":"debtAsset","type":"address"},
		{"name":"user","type":"address"},{"name":"debtToCover","type":"uint256"},
		{"name":"receiveAToken","type":"bool"}],"outputs":[]},
	{"type":"function","name":"swap","stateMutability":"nonpayable","inputs":[
		{"name":"router","type":"address"},{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},{"name":"amountIn","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"buy","stateMutability":"nonpayable","inputs":[
		{"name":"router","type":"address"},{"name":"tokenIn","type":"address"},
		{"name":"tokenOut","type":"address"},{"name":"amountOut","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"repay","stateMutability":"nonpayable","inputs":[
		{"name":"asset","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
	{"type":"event","name":"Settled","anonymous":false,"inputs":[
		{"name":"asset","type":"address","indexed":true},
		{"name":"borrowed","type":"uint256","indexed":false},
		{"name":"fee","type":"uint256","indexed":false},
		{"name":"proceeds","type":"uint256","indexed":false}]}
]`

// EncoderConfig configures the calldata encoder.
type EncoderConfig struct {
	// QuoteAsset is the counter asset of arbitrage swaps.
	QuoteAsset string
}

// Encoder turns plan steps into executor contract calldata.
type Encoder struct {
	cfg    EncoderConfig
	abi    abi.ABI
	assets *Assets
}

// NewEncoder parses the executor ABI.
func NewEncoder(cfg EncoderConfig, assets *Assets) (*Encoder, error) {
	parsed, err := abi.JSON(strings.NewReader(ExecutorABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse executor abi: %w", err)
	}
	return &Encoder{cfg: cfg, abi: parsed, assets: assets}, nil
}

// ABI returns the parsed executor ABI.
func (e *Encoder) ABI() abi.ABI { return e.abi }

// Encode packs one step. Actions map to contract methods; sell is a swap of
// the borrowed asset into the quote asset.
func (e *Encoder) Encode(step domain.Step) ([]byte, error) {
	asset, err := e.assets.Lookup(step.Asset)
	if err != nil {
		return nil, err
	}
	amount := asset.ToBaseUnits(step.Amount)

	switch step.Action {
	case "flashLoan", "repay":
		return e.pack(step.Action, asset.Address, amount)
	case "liquidationCall":
		debt, err := e.assets.Lookup(step.ToAsset)
		if err != nil {
			return nil, err
		}
		user, err := ParseAddress(step.Counterparty)
		if err != nil {
			return nil, fmt.Errorf("chain: liquidation borrower: %w", err)
		}
		return e.pack("liquidationCall", asset.Address, debt.Address, user, debt.ToBaseUnits(step.Amount), false)
	case "swap", "sell":
		router, err := ParseAddress(step.Target)
		if err != nil {
			return nil, fmt.Errorf("chain: %s router for venue %q: %w", step.Action, step.Venue, err)
		}
		out, err := e.outAsset(step)
		if err != nil {
			return nil, err
		}
		return e.pack("swap", router, asset.Address, out.Address, amount)
	case "buy":
		router, err := ParseAddress(step.Target)
		if err != nil {
			return nil, fmt.Errorf("chain: buy router for venue %q: %w", step.Venue, err)
		}
		in, err := e.outAsset(step)
		if err != nil {
			return nil, err
		}
		return e.pack("buy", router, in.Address, asset.Address, amount)
	default:
		return nil, fmt.Errorf("chain: unsupported action %q", step.Action)
	}
}

func (e *Encoder) outAsset(step domain.Step) (Asset, error) {
	sym := step.ToAsset
	if sym == "" {
		sym = e.cfg.QuoteAsset
	}
	return e.assets.Lookup(sym)
}

func (e *Encoder) pack(method string, args ...any) ([]byte, error) {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	return data, nil
}

// SettledAmounts is the decoded Settled event.
type SettledAmounts struct {
	Asset    common.Address
	Borrowed decimal.Decimal
	Fee      decimal.Decimal
	Proceeds decimal.Decimal
}

// DecodeSettled finds the executor's Settled event in logs. ok is false
// when the receipt carries none.
func (e *Encoder) DecodeSettled(logs []*types.Log) (SettledAmounts, bool, error) {
	ev := e.abi.Events["Settled"]
	for _, l := range logs {
		if len(l.Topics) < 2 || l.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil {
			return SettledAmounts{}, false, fmt.Errorf("chain: unpack Settled: %w", err)
		}
		if len(vals) != 3 {
			return SettledAmounts{}, false, fmt.Errorf("chain: Settled has %d fields", len(vals))
		}
		assetAddr := common.BytesToAddress(l.Topics[1].Bytes())
		asset, ok := e.assets.byAddress(assetAddr)
		if !ok {
			return SettledAmounts{}, false, fmt.Errorf("chain: Settled for unknown asset %s", assetAddr.Hex())
		}
		var out [3]decimal.Decimal
		for i, v := range vals {
			n, ok := v.(*big.Int)
			if !ok {
				return SettledAmounts{}, false, fmt.Errorf("chain: Settled field %d is %T", i, v)
			}
			out[i] = asset.FromBaseUnits(n)
		}
		return SettledAmounts{Asset: assetAddr, Borrowed: out[0], Fee: out[1], Proceeds: out[2]}, true, nil
	}
	return SettledAmounts{}, false, nil
}
