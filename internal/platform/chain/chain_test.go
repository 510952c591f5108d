package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

var dec = decimal.RequireFromString

const (
	usdcAddr = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
	wethAddr = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	router   = "0x68b3465833fb72A70ecDF485E0e4C7bD8665Fc45"
	pool     = "0x87870Bca3F3fD6335C3F4ce8392D69350B4fA4E2"
	borrower = "0x00000000000000000000000000000000000000b0"
)

func testAssets(t *testing.T) *Assets {
	t.Helper()
	a, err := NewAssets(
		map[string]string{"USDC": usdcAddr, "WETH": wethAddr},
		map[string]int32{"USDC": 6},
	)
	require.NoError(t, err)
	return a
}

func TestAssets(t *testing.T) {
	a := testAssets(t)
	usdc, err := a.Lookup("USDC")
	require.NoError(t, err)
	assert.Equal(t, "100250000", usdc.ToBaseUnits(dec("100.25")).String())
	assert.True(t, usdc.FromBaseUnits(big.NewInt(1_500_000)).Equal(dec("1.5")))

	weth, err := a.Lookup("WETH")
	require.NoError(t, err)
	assert.Equal(t, int32(18), weth.Decimals)

	_, err = a.Lookup("DOGE")
	assert.Error(t, err)
	_, err = NewAssets(map[string]string{"X": "nope"}, nil)
	assert.Error(t, err)
}

func TestWeiToQuote(t *testing.T) {
	// 600k gas at 20 gwei = 0.012 ETH; at 2500 that is 30.
	wei := new(big.Int).Mul(big.NewInt(600_000), big.NewInt(20_000_000_000))
	assert.True(t, WeiToQuote(wei, dec("2500")).Equal(dec("30")))
	assert.True(t, WeiToQuote(nil, dec("2500")).IsZero())
}

type fakePricer struct {
	price *big.Int
	err   error
	calls int
}

func (f *fakePricer) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.calls++
	return f.price, f.err
}

func TestGas_EstimateAndCache(t *testing.T) {
	pricer := &fakePricer{price: big.NewInt(20_000_000_000)}
	g := NewGas(GasConfig{
		Limits:       map[domain.OpportunityKind]uint64{domain.KindArbitrage: 300_000},
		DefaultLimit: 600_000,
		NativePrice:  dec("2500"),
		CacheTTL:     time.Minute,
	}, pricer)

	liq, err := g.Estimate(context.Background(), domain.KindLiquidation)
	require.NoError(t, err)
	assert.True(t, liq.Equal(dec("30")), liq.String())

	arb, err := g.Estimate(context.Background(), domain.KindArbitrage)
	require.NoError(t, err)
	assert.True(t, arb.Equal(dec("15")), arb.String())
	assert.Equal(t, 1, pricer.calls, "cached")

	g.nowFn = func() time.Time { return time.Now().Add(2 * time.Minute) }
	pricer.err = errors.New("rpc down")
	_, err = g.Estimate(context.Background(), domain.KindLiquidation)
	assert.Error(t, err)
}

func TestEncoder_Encode(t *testing.T) {
	enc, err := NewEncoder(EncoderConfig{QuoteAsset: "USDC"}, testAssets(t))
	require.NoError(t, err)
	parsed := enc.ABI()

	data, err := enc.Encode(domain.Step{Kind: domain.StepBorrow, Action: "flashLoan", Asset: "USDC", Amount: dec("100"), Target: pool})
	require.NoError(t, err)
	method, err := parsed.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "flashLoan", method.Name)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(usdcAddr), args[0])
	assert.Equal(t, "100000000", args[1].(*big.Int).String())

	data, err = enc.Encode(domain.Step{Kind: domain.StepAct, Action: "liquidationCall", Asset: "WETH", ToAsset: "USDC",
		Amount: dec("100"), Counterparty: borrower, Target: pool})
	require.NoError(t, err)
	method, err = parsed.MethodById(data[:4])
	require.NoError(t, err)
	args, err = method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(borrower), args[2])
	assert.Equal(t, "100000000", args[3].(*big.Int).String(), "debt units")

	data, err = enc.Encode(domain.Step{Kind: domain.StepAct, Action: "sell", Asset: "WETH", Amount: dec("1.5"), Venue: "b", Target: router})
	require.NoError(t, err)
	method, err = parsed.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "swap", method.Name)
	args, err = method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(usdcAddr), args[2], "sold into quote asset")
}

func TestEncoder_Rejects(t *testing.T) {
	enc, err := NewEncoder(EncoderConfig{QuoteAsset: "USDC"}, testAssets(t))
	require.NoError(t, err)
	for name, step := range map[string]domain.Step{
		"unknown asset":  {Action: "flashLoan", Asset: "DOGE", Amount: dec("1")},
		"borrower":       {Action: "liquidationCall", Asset: "WETH", ToAsset: "USDC", Amount: dec("1"), Counterparty: "bob"},
		"missing router": {Action: "swap", Asset: "WETH", ToAsset: "USDC", Amount: dec("1")},
		"unknown action": {Action: "mint", Asset: "WETH", Amount: dec("1")},
		"missing quote":  {Action: "buy", Asset: "USDC", ToAsset: "DAI", Amount: dec("1"), Target: router},
	} {
		_, err := enc.Encode(step)
		assert.Error(t, err, name)
	}
}

func TestEncoder_DecodeSettled(t *testing.T) {
	enc, err := NewEncoder(EncoderConfig{}, testAssets(t))
	require.NoError(t, err)
	ev := enc.ABI().Events["Settled"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(100_000_000), big.NewInt(90_000), big.NewInt(105_000_000))
	require.NoError(t, err)

	logs := []*types.Log{
		{Topics: []common.Hash{common.HexToHash("0x01")}},
		{Topics: []common.Hash{ev.ID, common.BytesToHash(common.HexToAddress(usdcAddr).Bytes())}, Data: data},
	}
	got, ok, err := enc.DecodeSettled(logs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Borrowed.Equal(dec("100")))
	assert.True(t, got.Fee.Equal(dec("0.09")))
	assert.True(t, got.Proceeds.Equal(dec("105")))

	_, ok, err = enc.DecodeSettled(logs[:1])
	require.NoError(t, err)
	assert.False(t, ok)
}
