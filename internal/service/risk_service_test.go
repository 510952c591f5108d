package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashexec/internal/domain"
	"github.com/alanyoungcy/flashexec/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRiskService_HaltsAtLimit(t *testing.T) {
	ctx := context.Background()
	s := NewRiskService(nil, RiskConfig{DailyLossLimit: decimal.NewFromInt(10)}, testLogger())
	opp := domain.Opportunity{ID: "arb:x"}

	require.NoError(t, s.PreTradeCheck(ctx, opp))
	s.RecordResult(ctx, decimal.NewFromInt(-4))
	s.RecordResult(ctx, decimal.NewFromInt(50))
	require.NoError(t, s.PreTradeCheck(ctx, opp))
	assert.True(t, s.Losses().Equal(decimal.NewFromInt(4)))

	s.RecordResult(ctx, decimal.NewFromInt(-6))
	assert.ErrorIs(t, s.PreTradeCheck(ctx, opp), domain.ErrTradingHalted)
	assert.True(t, s.Halted())
}

type recordingAlerter struct{ titles []string }

func (a *recordingAlerter) Alert(_ context.Context, title, _ string) error {
	a.titles = append(a.titles, title)
	return nil
}

func TestRiskService_AlertsOncePerTrip(t *testing.T) {
	ctx := context.Background()
	alerts := &recordingAlerter{}
	s := NewRiskService(nil, RiskConfig{DailyLossLimit: decimal.NewFromInt(5)}, testLogger())
	s.SetAlerter(alerts)

	s.RecordResult(ctx, decimal.NewFromInt(-3))
	assert.Empty(t, alerts.titles)
	s.RecordResult(ctx, decimal.NewFromInt(-3))
	s.RecordResult(ctx, decimal.NewFromInt(-3))
	assert.Equal(t, []string{"Daily loss limit reached"}, alerts.titles)
}

func TestRiskService_ResetsAtDayBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	s := NewRiskService(nil, RiskConfig{DailyLossLimit: decimal.NewFromInt(1)}, testLogger())
	s.nowFn = func() time.Time { return now }
	s.day = startOfDay(now)

	s.RecordResult(ctx, decimal.NewFromInt(-5))
	require.True(t, s.Halted())

	now = now.Add(2 * time.Minute)
	assert.False(t, s.Halted())
	assert.True(t, s.Losses().IsZero())
}

func TestRiskService_ZeroLimitDisabled(t *testing.T) {
	ctx := context.Background()
	s := NewRiskService(nil, RiskConfig{}, testLogger())
	s.RecordResult(ctx, decimal.NewFromInt(-1000))
	assert.NoError(t, s.PreTradeCheck(ctx, domain.Opportunity{ID: "x"}))
}

func TestRiskService_Rehydrate(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedgerStore()
	_, _, err := ledger.RecordSettlement(ctx, domain.Settlement{
		ID: "s1", BeneficiaryID: "w", OpportunityID: "o1",
		RealizedProfit: decimal.NewFromInt(-12), SettledAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	s := NewRiskService(ledger, RiskConfig{DailyLossLimit: decimal.NewFromInt(10)}, testLogger())
	require.NoError(t, s.Rehydrate(ctx))
	assert.True(t, s.Halted())
}
