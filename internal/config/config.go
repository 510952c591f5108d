// Package config defines the engine configuration, its defaults and its
// validation.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Modes.
const (
	ModeRun    = "run"
	ModeDryRun = "dry-run"
)

// Config is the root configuration. Fields come from a TOML (or YAML) file
// and are then overridden by FLASHEXEC_* environment variables.
type Config struct {
	Mode     string                 `toml:"mode" yaml:"mode"`
	LogLevel string                 `toml:"log_level" yaml:"log_level"`
	Engine   EngineConfig           `toml:"engine" yaml:"engine"`
	Chain    ChainConfig            `toml:"chain" yaml:"chain"`
	Assets   map[string]AssetConfig `toml:"assets" yaml:"assets"`
	Provider ProviderConfig         `toml:"provider" yaml:"provider"`
	Wallet   WalletConfig           `toml:"wallet" yaml:"wallet"`
	Ledger   LedgerConfig           `toml:"ledger" yaml:"ledger"`
	Postgres PostgresConfig         `toml:"postgres" yaml:"postgres"`
	Redis    RedisConfig            `toml:"redis" yaml:"redis"`
	S3       S3Config               `toml:"s3" yaml:"s3"`
	Notify   NotifyConfig           `toml:"notify" yaml:"notify"`
	Server   ServerConfig           `toml:"server" yaml:"server"`
}

// EngineConfig holds detection, evaluation and execution parameters.
type EngineConfig struct {
	LiquidationInterval duration `toml:"liquidation_interval" yaml:"liquidation_interval"`
	ArbitrageInterval   duration `toml:"arbitrage_interval" yaml:"arbitrage_interval"`
	// EventInterval debounces event-triggered detection passes.
	EventInterval duration `toml:"event_interval" yaml:"event_interval"`

	MinSpread        Amount   `toml:"min_spread" yaml:"min_spread"`
	ProfitThreshold  Amount   `toml:"profit_threshold" yaml:"profit_threshold"`
	LiquidationBonus Amount   `toml:"liquidation_bonus" yaml:"liquidation_bonus"`
	FeeRate          Amount   `toml:"fee_rate" yaml:"fee_rate"`
	FlashFeeRate     Amount   `toml:"flash_fee_rate" yaml:"flash_fee_rate"`
	QuoteMaxAge      duration `toml:"quote_max_age" yaml:"quote_max_age"`
	MaxNotional      Amount   `toml:"max_notional" yaml:"max_notional"`
	SizingScale      Amount   `toml:"sizing_scale" yaml:"sizing_scale"`

	MaxRetries  int      `toml:"max_retries" yaml:"max_retries"`
	BackoffBase duration `toml:"backoff_base" yaml:"backoff_base"`
	BackoffMax  duration `toml:"backoff_max" yaml:"backoff_max"`
	MaxInFlight int      `toml:"max_in_flight" yaml:"max_in_flight"`
	CallTimeout duration `toml:"call_timeout" yaml:"call_timeout"`
	PlanTTL     duration `toml:"plan_ttl" yaml:"plan_ttl"`
	ClaimTTL    duration `toml:"claim_ttl" yaml:"claim_ttl"`
	LockTTL     duration `toml:"lock_ttl" yaml:"lock_ttl"`
	DedupTTL    duration `toml:"dedup_ttl" yaml:"dedup_ttl"`

	Beneficiary    string `toml:"beneficiary" yaml:"beneficiary"`
	Simulate       bool   `toml:"simulate" yaml:"simulate"`
	DailyLossLimit Amount `toml:"daily_loss_limit" yaml:"daily_loss_limit"`
	StaticGasCost  Amount `toml:"static_gas_cost" yaml:"static_gas_cost"`
	GasLimit       uint64 `toml:"gas_limit" yaml:"gas_limit"`
}

// ChainConfig holds node, relay and contract parameters.
type ChainConfig struct {
	RPCURL   string `toml:"rpc_url" yaml:"rpc_url"`
	WSURL    string `toml:"ws_url" yaml:"ws_url"`
	ChainID  int64  `toml:"chain_id" yaml:"chain_id"`
	RelayURL string `toml:"relay_url" yaml:"relay_url"`
	// LendingPool is the flash-loan executor contract.
	LendingPool string `toml:"lending_pool" yaml:"lending_pool"`
	// Routers maps venue id to swap router address.
	Routers          map[string]string `toml:"routers" yaml:"routers"`
	LiquidationVenue string            `toml:"liquidation_venue" yaml:"liquidation_venue"`
	QuoteAsset       string            `toml:"quote_asset" yaml:"quote_asset"`
	// GasPriceSource is "static" (engine.static_gas_cost) or "rpc".
	GasPriceSource  string   `toml:"gas_price_source" yaml:"gas_price_source"`
	NativePrice     Amount   `toml:"native_price" yaml:"native_price"`
	InclusionBlocks uint64   `toml:"inclusion_blocks" yaml:"inclusion_blocks"`
	MaxWait         duration `toml:"max_wait" yaml:"max_wait"`
	// Mempool enables the websocket listener on ws_url.
	Mempool bool `toml:"mempool" yaml:"mempool"`
}

// AssetConfig is one token the engine can borrow or trade.
type AssetConfig struct {
	Address  string `toml:"address" yaml:"address"`
	Decimals int32  `toml:"decimals" yaml:"decimals"`
}

// ProviderConfig configures the market state source. File wins over URL.
type ProviderConfig struct {
	URL             string   `toml:"url" yaml:"url"`
	APIKey          string   `toml:"api_key" yaml:"api_key"`
	File            string   `toml:"file" yaml:"file"`
	Timeout         duration `toml:"timeout" yaml:"timeout"`
	RatePerSecond   float64  `toml:"rate_per_second" yaml:"rate_per_second"`
	Burst           int      `toml:"burst" yaml:"burst"`
	SharedLimit     int      `toml:"shared_limit" yaml:"shared_limit"`
	SharedWindow    duration `toml:"shared_window" yaml:"shared_window"`
	BreakerFailures int      `toml:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown duration `toml:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// WalletConfig locates the executing identity's key.
type WalletConfig struct {
	PrivateKey  string `toml:"private_key" yaml:"private_key"`
	KeyFile     string `toml:"key_file" yaml:"key_file"`
	KeyPassword string `toml:"key_password" yaml:"key_password"`
}

// LedgerConfig picks the ledger backend.
type LedgerConfig struct {
	// Driver is "postgres", "sqlite" or "memory".
	Driver     string `toml:"driver" yaml:"driver"`
	SQLitePath string `toml:"sqlite_path" yaml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn" yaml:"dsn"`
	Host          string `toml:"host" yaml:"host"`
	Port          int    `toml:"port" yaml:"port"`
	Database      string `toml:"database" yaml:"database"`
	User          string `toml:"user" yaml:"user"`
	Password      string `toml:"password" yaml:"password"`
	SSLMode       string `toml:"ssl_mode" yaml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns" yaml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations" yaml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled, claims and
// locks are process-local.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Addr       string `toml:"addr" yaml:"addr"`
	Password   string `toml:"password" yaml:"password"`
	DB         int    `toml:"db" yaml:"db"`
	PoolSize   int    `toml:"pool_size" yaml:"pool_size"`
	MaxRetries int    `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled" yaml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix" yaml:"key_prefix"`
}

// S3Config holds the settlement archive bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	Prefix         string `toml:"prefix" yaml:"prefix"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Cooldown          duration `toml:"cooldown" yaml:"cooldown"`
}

// ServerConfig holds the ops HTTP server parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
	// APIKey guards /status; empty leaves it open.
	APIKey     string   `toml:"api_key" yaml:"api_key"`
	RateLimit  int      `toml:"rate_limit" yaml:"rate_limit"`
	RateWindow duration `toml:"rate_window" yaml:"rate_window"`
}

// duration wraps time.Duration so both decoders accept "5m" or "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// Amount is a decimal accepted as a TOML/YAML number or string.
type Amount struct {
	decimal.Decimal
}

func amount(s string) Amount { return Amount{decimal.RequireFromString(s)} }

func (a *Amount) UnmarshalText(text []byte) error {
	d, err := decimal.NewFromString(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid decimal %q: %w", text, err)
	}
	a.Decimal = d
	return nil
}

func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.Decimal.String()), nil
}

func (a *Amount) UnmarshalYAML(n *yaml.Node) error {
	return a.UnmarshalText([]byte(n.Value))
}

// Defaults returns a Config with every value filled in.
func Defaults() Config {
	return Config{
		Mode:     ModeDryRun,
		LogLevel: "info",
		Engine: EngineConfig{
			LiquidationInterval: duration{time.Second},
			ArbitrageInterval:   duration{1500 * time.Millisecond},
			EventInterval:       duration{250 * time.Millisecond},
			MinSpread:           amount("0.005"),
			ProfitThreshold:     amount("1"),
			LiquidationBonus:    amount("0.05"),
			FeeRate:             amount("0.003"),
			FlashFeeRate:        amount("0.0009"),
			QuoteMaxAge:         duration{10 * time.Second},
			MaxNotional:         amount("100000"),
			SizingScale:         amount("1000"),
			MaxRetries:          3,
			BackoffBase:         duration{200 * time.Millisecond},
			BackoffMax:          duration{5 * time.Second},
			MaxInFlight:         4,
			CallTimeout:         duration{5 * time.Second},
			PlanTTL:             duration{30 * time.Second},
			ClaimTTL:            duration{30 * time.Second},
			LockTTL:             duration{30 * time.Second},
			DedupTTL:            duration{2 * time.Minute},
			Simulate:            true,
			DailyLossLimit:      amount("500"),
			StaticGasCost:       amount("2"),
			GasLimit:            600_000,
		},
		Chain: ChainConfig{
			ChainID:          1,
			LiquidationVenue: "uniswap",
			QuoteAsset:       "USDC",
			GasPriceSource:   "static",
			NativePrice:      amount("3000"),
			InclusionBlocks:  2,
			MaxWait:          duration{time.Minute},
		},
		Provider: ProviderConfig{
			Timeout:         duration{5 * time.Second},
			RatePerSecond:   5,
			Burst:           1,
			SharedWindow:    duration{time.Second},
			BreakerFailures: 5,
			BreakerCooldown: duration{30 * time.Second},
		},
		Ledger: LedgerConfig{
			Driver:     "sqlite",
			SQLitePath: "flashexec.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "flashexec",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "flashexec",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "flashexec-settlements",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Cooldown: duration{5 * time.Minute},
		},
		Server: ServerConfig{
			Enabled:    true,
			Addr:       ":8080",
			RateLimit:  60,
			RateWindow: duration{time.Minute},
		},
	}
}

var (
	validModes     = []string{ModeRun, ModeDryRun}
	validLogLevels = []string{"debug", "info", "warn", "error"}
	validDrivers   = []string{"postgres", "sqlite", "memory"}
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !slices.Contains(validModes, c.Mode) {
		add("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", "))
	}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		add("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	e := c.Engine
	for name, d := range map[string]duration{
		"liquidation_interval": e.LiquidationInterval,
		"arbitrage_interval":   e.ArbitrageInterval,
		"event_interval":       e.EventInterval,
		"backoff_base":         e.BackoffBase,
		"call_timeout":         e.CallTimeout,
		"claim_ttl":            e.ClaimTTL,
		"lock_ttl":             e.LockTTL,
	} {
		if d.Duration <= 0 {
			add("engine: %s must be positive", name)
		}
	}
	if !e.ProfitThreshold.IsPositive() {
		add("engine: profit_threshold must be > 0")
	}
	if !e.MinSpread.IsPositive() {
		add("engine: min_spread must be > 0")
	}
	for name, rate := range map[string]Amount{
		"liquidation_bonus": e.LiquidationBonus,
		"fee_rate":          e.FeeRate,
		"flash_fee_rate":    e.FlashFeeRate,
	} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			add("engine: %s must be in [0, 1)", name)
		}
	}
	if !e.MaxNotional.IsPositive() || !e.SizingScale.IsPositive() {
		add("engine: max_notional and sizing_scale must be > 0")
	}
	if e.MaxRetries < 0 {
		add("engine: max_retries must be >= 0")
	}
	if e.MaxInFlight < 1 {
		add("engine: max_in_flight must be >= 1")
	}
	if e.DailyLossLimit.IsNegative() || e.StaticGasCost.IsNegative() {
		add("engine: daily_loss_limit and static_gas_cost must be >= 0")
	}
	if strings.TrimSpace(e.Beneficiary) == "" {
		add("engine: beneficiary must be set")
	}

	if c.Provider.File == "" && c.Provider.URL == "" {
		add("provider: url or file must be set")
	}

	switch c.Chain.GasPriceSource {
	case "static":
	case "rpc":
		if c.Chain.RPCURL == "" {
			add("chain: rpc_url is required when gas_price_source is rpc")
		}
		if !c.Chain.NativePrice.IsPositive() {
			add("chain: native_price must be > 0")
		}
	default:
		add("chain: unknown gas_price_source %q (valid: static, rpc)", c.Chain.GasPriceSource)
	}
	if c.Chain.Mempool && c.Chain.WSURL == "" {
		add("chain: ws_url is required when mempool is enabled")
	}
	if c.Mode == ModeRun {
		if c.Chain.RPCURL == "" {
			add("chain: rpc_url is required in run mode")
		}
		if c.Chain.RelayURL == "" {
			add("chain: relay_url is required in run mode")
		}
		if c.Chain.ChainID <= 0 {
			add("chain: chain_id must be positive")
		}
		if c.Chain.LendingPool == "" {
			add("chain: lending_pool is required in run mode")
		}
		if len(c.Assets) == 0 {
			add("assets: at least one asset is required in run mode")
		}
		if c.Wallet.PrivateKey == "" && c.Wallet.KeyFile == "" {
			add("wallet: private_key or key_file is required in run mode")
		}
	}
	if c.Wallet.KeyFile != "" && c.Wallet.PrivateKey == "" && c.Wallet.KeyPassword == "" {
		add("wallet: key_password is required when key_file is set")
	}

	if !slices.Contains(validDrivers, c.Ledger.Driver) {
		add("ledger: unknown driver %q (valid: %s)", c.Ledger.Driver, strings.Join(validDrivers, ", "))
	}
	if c.Ledger.Driver == "sqlite" && c.Ledger.SQLitePath == "" {
		add("ledger: sqlite_path must be set for the sqlite driver")
	}
	if c.Ledger.Driver == "postgres" {
		if c.Postgres.DSN == "" && c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.PoolMaxConns < 1 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: need 1 <= pool_max_conns and pool_min_conns <= pool_max_conns")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty")
	}
	if c.Server.Enabled && c.Server.Addr == "" {
		add("server: addr must not be empty")
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
