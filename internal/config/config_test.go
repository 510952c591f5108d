package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const tomlConfig = `
mode = "run"
log_level = "debug"

[engine]
arbitrage_interval = "750ms"
min_spread = "0.004"
profit_threshold = 2.5
max_in_flight = 8
beneficiary = "ops"

[chain]
rpc_url = "http://node:8545"
relay_url = "https://relay.example"
lending_pool = "0x00000000000000000000000000000000000000aa"

[chain.routers]
uniswap = "0x00000000000000000000000000000000000000b1"

[assets.USDC]
address = "0x00000000000000000000000000000000000000c1"
decimals = 6

[provider]
url = "http://state.internal"

[wallet]
private_key = "abc"
`

func TestLoad_TOMLMergesOverDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "flashexec.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, ModeRun, cfg.Mode)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.ArbitrageInterval.Duration)
	assert.True(t, cfg.Engine.MinSpread.Equal(decimal.RequireFromString("0.004")))
	assert.True(t, cfg.Engine.ProfitThreshold.Equal(decimal.RequireFromString("2.5")))
	assert.Equal(t, 8, cfg.Engine.MaxInFlight)
	assert.Equal(t, int32(6), cfg.Assets["USDC"].Decimals)
	assert.Equal(t, "0x00000000000000000000000000000000000000b1", cfg.Chain.Routers["uniswap"])

	// Untouched fields keep their defaults.
	assert.Equal(t, time.Second, cfg.Engine.LiquidationInterval.Duration)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)

	require.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	body := `
mode: dry-run
engine:
  liquidation_interval: 2s
  profit_threshold: 0.75
  beneficiary: ops
provider:
  file: ./state.json
ledger:
  driver: memory
`
	cfg, err := Load(writeFile(t, "flashexec.yaml", body))
	require.NoError(t, err)

	assert.Equal(t, ModeDryRun, cfg.Mode)
	assert.Equal(t, 2*time.Second, cfg.Engine.LiquidationInterval.Duration)
	assert.True(t, cfg.Engine.ProfitThreshold.Equal(decimal.RequireFromString("0.75")))
	assert.Equal(t, "./state.json", cfg.Provider.File)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLASHEXEC_PRIVATE_KEY", "from-env")
	t.Setenv("FLASHEXEC_RPC_URL", "http://env-node:8545")
	t.Setenv("FLASHEXEC_ENGINE_PROFIT_THRESHOLD", "9.5")
	t.Setenv("FLASHEXEC_ENGINE_MAX_RETRIES", "not-a-number")
	t.Setenv("FLASHEXEC_ENGINE_ARBITRAGE_INTERVAL", "3s")

	cfg, err := Load(writeFile(t, "flashexec.toml", tomlConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Wallet.PrivateKey)
	assert.Equal(t, "http://env-node:8545", cfg.Chain.RPCURL)
	assert.True(t, cfg.Engine.ProfitThreshold.Equal(decimal.RequireFromString("9.5")))
	assert.Equal(t, 3, cfg.Engine.MaxRetries, "unparsable values are ignored")
	assert.Equal(t, 3*time.Second, cfg.Engine.ArbitrageInterval.Duration)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Defaults()
		cfg.Engine.Beneficiary = "ops"
		cfg.Provider.File = "state.json"
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"ok", func(*Config) {}, ""},
		{"zero threshold", func(c *Config) { c.Engine.ProfitThreshold = amount("0") }, "profit_threshold"},
		{"bad mode", func(c *Config) { c.Mode = "live" }, "unknown mode"},
		{"fee rate of one", func(c *Config) { c.Engine.FeeRate = amount("1") }, "fee_rate must be in [0, 1)"},
		{"no in-flight slots", func(c *Config) { c.Engine.MaxInFlight = 0 }, "max_in_flight"},
		{"no beneficiary", func(c *Config) { c.Engine.Beneficiary = " " }, "beneficiary"},
		{"no provider", func(c *Config) { c.Provider.File = "" }, "provider"},
		{"run needs relay", func(c *Config) { c.Mode = ModeRun }, "relay_url is required"},
		{"unknown driver", func(c *Config) { c.Ledger.Driver = "mongo" }, "unknown driver"},
		{"mempool needs ws", func(c *Config) { c.Chain.Mempool = true }, "ws_url"},
		{"key file needs password", func(c *Config) { c.Wallet.KeyFile = "key.json" }, "key_password"},
		{"rpc gas needs rpc", func(c *Config) { c.Chain.GasPriceSource = "rpc" }, "rpc_url is required when"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Engine.MaxInFlight = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_in_flight")
	assert.Contains(t, err.Error(), "beneficiary")
	assert.Contains(t, err.Error(), "provider")
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "secret"
	cfg.Notify.TelegramToken = "tok"
	cfg.Chain.Routers = map[string]string{"uniswap": "0x1"}

	out := cfg.Redacted()
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Notify.TelegramToken)
	assert.Empty(t, out.Wallet.KeyPassword, "empty secrets stay empty")
	assert.Equal(t, "secret", cfg.Wallet.PrivateKey)

	out.Chain.Routers["uniswap"] = "0x2"
	assert.Equal(t, "0x1", cfg.Chain.Routers["uniswap"])
}
