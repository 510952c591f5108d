package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashexec/internal/config"
	"github.com/alanyoungcy/flashexec/internal/evaluator"
	"github.com/alanyoungcy/flashexec/internal/platform/marketstate"
)

const liquidatableSnapshot = `{
  "positions": [
    {"owner_id": "acct-1", "collateral_asset": "WETH", "debt_asset": "USDC",
     "collateral_value": "80", "debt_value": "100"},
    {"owner_id": "acct-2", "collateral_asset": "WETH", "debt_asset": "USDC",
     "collateral_value": "150", "debt_value": "100"}
  ],
  "quotes": []
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dryRunConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(liquidatableSnapshot), 0o600))

	cfg := config.Defaults()
	cfg.Mode = config.ModeDryRun
	cfg.Ledger.Driver = "memory"
	cfg.Provider.File = path
	cfg.Server.Enabled = false
	cfg.Engine.Beneficiary = "ops"
	cfg.Engine.LiquidationInterval.Duration = 20 * time.Millisecond
	cfg.Engine.ArbitrageInterval.Duration = 20 * time.Millisecond
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestWire_OfflineDefaults(t *testing.T) {
	cfg := dryRunConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.IsType(t, &marketstate.FileProvider{}, deps.Provider)
	assert.IsType(t, evaluator.StaticGas{}, deps.Gas)
	assert.Nil(t, deps.Signer)
	assert.Nil(t, deps.Chain)
	assert.Nil(t, deps.Encoder)
	assert.Nil(t, deps.RateLimiter)
	assert.Nil(t, deps.Archive)
	assert.NotNil(t, deps.LockManager)
	assert.NotNil(t, deps.SignalBus)
	assert.False(t, deps.Risk.Halted())
}

func TestWire_BadKeyFails(t *testing.T) {
	cfg := dryRunConfig(t)
	cfg.Wallet.PrivateKey = "not-hex"
	_, _, err := Wire(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wire: signer")
}

func TestDryRunMode_SettlesLiquidations(t *testing.T) {
	cfg := dryRunConfig(t)
	a := New(cfg, testLogger())
	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.DryRunMode(ctx, deps) }()

	// 100 debt at a 5% bonus less the static gas cost of 2 settles 3 per pass;
	// the healthy account never does.
	three := decimal.RequireFromString("3")
	require.Eventually(t, func() bool {
		entry, err := deps.Ledger.GetEntry(context.Background(), "ops")
		return err == nil && entry.Profit.GreaterThanOrEqual(three)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dry-run mode did not stop")
	}

	entry, err := deps.Ledger.GetEntry(context.Background(), "ops")
	require.NoError(t, err)
	assert.True(t, entry.Profit.Mod(three).IsZero(), "profit %s is not a multiple of 3", entry.Profit)
	assert.True(t, entry.Balance.Equal(entry.Profit))
}

func TestRunMode_RequiresSigner(t *testing.T) {
	cfg := dryRunConfig(t)
	a := New(cfg, testLogger())
	deps, cleanup, err := Wire(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	err = a.RunMode(context.Background(), deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet key")
}
