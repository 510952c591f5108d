package executor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

type encoderFunc func(domain.Step) ([]byte, error)

func (f encoderFunc) Encode(s domain.Step) ([]byte, error) { return f(s) }

func testPlanConfig() PlanConfig {
	return PlanConfig{
		LendingPool:      "0xpool",
		Routers:          map[string]string{"uniswap": "0xuni"},
		FlashFeeRate:     dec("0.0009"),
		LiquidationBonus: dec("0.05"),
		LiquidationVenue: "uniswap",
		TTL:              time.Minute,
	}
}

func TestBuild_Liquidation(t *testing.T) {
	b := NewPlanBuilder(testPlanConfig(), nil)
	opp := domain.NewLiquidation(domain.LiquidationParams{
		BorrowerID: "bob", CollateralAsset: "WETH", DebtAsset: "USDC", DebtAmount: dec("100"),
	}, time.Now())

	plan, err := b.Build(opp, "0xsigner")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 4)

	assert.Equal(t, "flashLoan", plan.Steps[0].Action)
	assert.Equal(t, "USDC", plan.Steps[0].Asset)
	assert.Equal(t, "liquidationCall", plan.Steps[1].Action)
	assert.Equal(t, "swap", plan.Steps[2].Action)
	assert.True(t, plan.Steps[2].Amount.Equal(dec("105")), "seized collateral")
	assert.Equal(t, "0xuni", plan.Steps[2].Target)
	assert.True(t, plan.Steps[3].Amount.Equal(dec("100.09")))
	assert.False(t, plan.Deadline.IsZero())
	assert.NoError(t, plan.Validate(dec("0.0009")))
}

func TestBuild_LiquidationConvertsValueToTokens(t *testing.T) {
	b := NewPlanBuilder(testPlanConfig(), nil)
	opp := domain.NewLiquidation(domain.LiquidationParams{
		BorrowerID: "bob", CollateralAsset: "WETH", DebtAsset: "DAI", DebtAmount: dec("3000"),
		DebtPrice: dec("0.5"), CollateralPrice: dec("2000"),
	}, time.Now())

	plan, err := b.Build(opp, "0xsigner")
	require.NoError(t, err)

	assert.True(t, plan.Steps[0].Amount.Equal(dec("6000")), "3000 of value at 0.5 per DAI")
	assert.True(t, plan.Steps[1].Amount.Equal(dec("6000")))
	assert.True(t, plan.Steps[2].Amount.Equal(dec("1.575")), "3150 of collateral at 2000 per WETH")
	assert.True(t, plan.Steps[3].Amount.Equal(dec("6005.4")))
	assert.NoError(t, plan.Validate(dec("0.0009")))
}

func TestBuild_EncodesCalldata(t *testing.T) {
	b := NewPlanBuilder(testPlanConfig(), encoderFunc(func(s domain.Step) ([]byte, error) {
		return []byte(s.Action), nil
	}))
	opp := domain.NewLiquidation(domain.LiquidationParams{
		BorrowerID: "bob", CollateralAsset: "WETH", DebtAsset: "USDC", DebtAmount: dec("1"),
	}, time.Now())

	plan, err := b.Build(opp, "0xsigner")
	require.NoError(t, err)
	assert.Equal(t, []byte("repay"), plan.Steps[3].Calldata)
}

func TestBuild_EncoderErrorIsInvalidPlan(t *testing.T) {
	b := NewPlanBuilder(testPlanConfig(), encoderFunc(func(domain.Step) ([]byte, error) {
		return nil, errors.New("no abi")
	}))
	opp := domain.NewLiquidation(domain.LiquidationParams{
		BorrowerID: "bob", CollateralAsset: "WETH", DebtAsset: "USDC", DebtAmount: dec("1"),
	}, time.Now())

	_, err := b.Build(opp, "0xsigner")
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)
}

func TestBuild_RejectsMissingParams(t *testing.T) {
	b := NewPlanBuilder(testPlanConfig(), nil)
	_, err := b.Build(domain.Opportunity{ID: "x", Kind: domain.KindArbitrage}, "0xsigner")
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)

	opp := domain.NewLiquidation(domain.LiquidationParams{
		BorrowerID: "bob", CollateralAsset: "WETH", DebtAsset: "USDC", DebtAmount: dec("0"),
	}, time.Now())
	_, err = b.Build(opp, "0xsigner")
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)
}

func TestDedup(t *testing.T) {
	d := NewDedup(time.Hour)
	assert.False(t, d.Seen("a"))
	d.Mark("a")
	assert.True(t, d.Seen("a"))

	short := NewDedup(time.Nanosecond)
	short.Mark("b")
	time.Sleep(time.Millisecond)
	assert.False(t, short.Seen("b"))
	short.Cleanup()
	assert.Equal(t, 0, short.Len())
}
