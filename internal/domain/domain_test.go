package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dec = decimal.RequireFromString

func TestPosition_HealthRatio(t *testing.T) {
	p := Position{OwnerID: "bob", CollateralValue: dec("80"), DebtValue: dec("100")}
	ratio, finite := p.HealthRatio()
	require.True(t, finite)
	assert.True(t, ratio.Equal(dec("0.8")))
	assert.True(t, p.Liquidatable())

	p.DebtValue = decimal.Zero
	_, finite = p.HealthRatio()
	assert.False(t, finite)
	assert.False(t, p.Liquidatable())
}

func TestOpportunity_Transitions(t *testing.T) {
	opp := NewArbitrage(ArbitrageParams{Asset: "WETH", VenueA: "a", VenueB: "b",
		PriceA: dec("1"), PriceB: dec("2"), TradeAmount: dec("1")}, time.Unix(10, 0))
	assert.Equal(t, "arb:WETH:a:b", opp.Window)
	assert.Equal(t, "arb:WETH:a:b@10000000000", opp.ID)

	assert.ErrorIs(t, opp.Transition(StateExecuting), ErrInvalidTransition)
	require.NoError(t, opp.Transition(StateEvaluated))
	require.NoError(t, opp.Transition(StateExecuting))
	require.NoError(t, opp.Fail("reverted"))
	assert.Equal(t, StateFailed, opp.State)
	assert.Equal(t, "reverted", opp.FailureReason)
	assert.True(t, opp.State.Terminal())
	assert.ErrorIs(t, opp.Transition(StateSettled), ErrInvalidTransition)
}

func TestOpportunity_Validate(t *testing.T) {
	ok := NewLiquidation(LiquidationParams{BorrowerID: "b", CollateralAsset: "c", DebtAsset: "d", DebtAmount: dec("1")}, time.Now())
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Liquidation = &LiquidationParams{BorrowerID: "b", CollateralAsset: "c", DebtAsset: "d"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOpportunity)

	bad = ok
	bad.Kind = KindArbitrage
	assert.ErrorIs(t, bad.Validate(), ErrInvalidOpportunity)
}

func validPlan() OperationPlan {
	return OperationPlan{
		OpportunityID: "o",
		Identity:      "0xsigner",
		Steps: []Step{
			{Kind: StepBorrow, Asset: "USDC", Amount: dec("100")},
			{Kind: StepAct, Asset: "WETH", Amount: dec("100")},
			{Kind: StepRepay, Asset: "USDC", Amount: dec("100.09")},
		},
	}
}

func TestOperationPlan_Validate(t *testing.T) {
	fee := dec("0.0009")
	require.NoError(t, validPlan().Validate(fee))

	tests := []struct {
		name   string
		mutate func(*OperationPlan)
		want   error
	}{
		{"no repay", func(p *OperationPlan) { p.Steps = p.Steps[:2] }, ErrPlanMissingRepay},
		{"empty", func(p *OperationPlan) { p.Steps = nil }, ErrInvalidPlan},
		{"no act", func(p *OperationPlan) { p.Steps = []Step{p.Steps[0], p.Steps[2]} }, ErrInvalidPlan},
		{"repay short of fee", func(p *OperationPlan) { p.Steps[2].Amount = dec("100.05") }, ErrInvalidPlan},
		{"repay other asset", func(p *OperationPlan) { p.Steps[2].Asset = "DAI" }, ErrInvalidPlan},
		{"borrow not first", func(p *OperationPlan) { p.Steps[0], p.Steps[1] = p.Steps[1], p.Steps[0] }, ErrInvalidPlan},
		{"zero amount", func(p *OperationPlan) { p.Steps[1].Amount = decimal.Zero }, ErrInvalidPlan},
		{"two borrows", func(p *OperationPlan) {
			p.Steps = append([]Step{p.Steps[0]}, p.Steps...)
		}, ErrInvalidPlan},
		{"missing identity", func(p *OperationPlan) { p.Identity = "" }, ErrInvalidPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(fee), tt.want)
		})
	}
}

func TestReceipt_RealizedProfit(t *testing.T) {
	r := Receipt{ProceedsValue: dec("110"), BorrowedValue: dec("100"), FeePaid: dec("0.09"), GasCost: dec("2")}
	assert.True(t, r.RealizedProfit().Equal(dec("7.91")))
}

func TestLedgerEntry_Apply(t *testing.T) {
	e := ZeroEntry("alice").Apply(dec("5"), time.Now()).Apply(dec("-2"), time.Now())
	assert.True(t, e.Profit.Equal(dec("5")))
	assert.True(t, e.Balance.Equal(dec("3")))
	assert.Equal(t, int64(2), e.Settlements)
}

func TestSubmissionError_Classification(t *testing.T) {
	base := errors.New("boom")
	err := NewSubmissionError(SubmissionTransient, "send", base)
	wrapped := errors.Join(errors.New("ctx"), err)
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsStale(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.Equal(t, SubmissionKind(""), SubmissionKindOf(base))
}

func TestSnapshot_FindQuoteNewest(t *testing.T) {
	now := time.Now()
	s := Snapshot{Quotes: []Quote{
		{VenueID: "a", AssetID: "X", Price: dec("1"), SampledAt: now.Add(-time.Second)},
		{VenueID: "a", AssetID: "X", Price: dec("2"), SampledAt: now},
	}}
	q, ok := s.FindQuote("a", "X")
	require.True(t, ok)
	assert.True(t, q.Price.Equal(dec("2")))
	_, ok = s.FindQuote("b", "X")
	assert.False(t, ok)
}
