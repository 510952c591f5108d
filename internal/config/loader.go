package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path (TOML, or YAML for .yaml/.yml),
// merges it on top of the defaults and applies FLASHEXEC_* environment
// overrides. The result is not validated; call Config.Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose FLASHEXEC_* variable is set.
// Secrets are expected to arrive this way rather than through the file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "FLASHEXEC_MODE")
	setStr(&cfg.LogLevel, "FLASHEXEC_LOG_LEVEL")

	// ── Engine ──
	setDuration(&cfg.Engine.LiquidationInterval, "FLASHEXEC_ENGINE_LIQUIDATION_INTERVAL")
	setDuration(&cfg.Engine.ArbitrageInterval, "FLASHEXEC_ENGINE_ARBITRAGE_INTERVAL")
	setAmount(&cfg.Engine.MinSpread, "FLASHEXEC_ENGINE_MIN_SPREAD")
	setAmount(&cfg.Engine.ProfitThreshold, "FLASHEXEC_ENGINE_PROFIT_THRESHOLD")
	setAmount(&cfg.Engine.MaxNotional, "FLASHEXEC_ENGINE_MAX_NOTIONAL")
	setInt(&cfg.Engine.MaxRetries, "FLASHEXEC_ENGINE_MAX_RETRIES")
	setInt(&cfg.Engine.MaxInFlight, "FLASHEXEC_ENGINE_MAX_IN_FLIGHT")
	setStr(&cfg.Engine.Beneficiary, "FLASHEXEC_ENGINE_BENEFICIARY")
	setBool(&cfg.Engine.Simulate, "FLASHEXEC_ENGINE_SIMULATE")
	setAmount(&cfg.Engine.DailyLossLimit, "FLASHEXEC_ENGINE_DAILY_LOSS_LIMIT")

	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "FLASHEXEC_CHAIN_RPC_URL")
	setStr(&cfg.Chain.RPCURL, "FLASHEXEC_RPC_URL") // short alias
	setStr(&cfg.Chain.WSURL, "FLASHEXEC_CHAIN_WS_URL")
	setStr(&cfg.Chain.RelayURL, "FLASHEXEC_CHAIN_RELAY_URL")
	setStr(&cfg.Chain.RelayURL, "FLASHEXEC_RELAY_URL") // short alias
	setInt64(&cfg.Chain.ChainID, "FLASHEXEC_CHAIN_ID")
	setStr(&cfg.Chain.LendingPool, "FLASHEXEC_CHAIN_LENDING_POOL")
	setStr(&cfg.Chain.GasPriceSource, "FLASHEXEC_CHAIN_GAS_PRICE_SOURCE")
	setAmount(&cfg.Chain.NativePrice, "FLASHEXEC_CHAIN_NATIVE_PRICE")
	setBool(&cfg.Chain.Mempool, "FLASHEXEC_CHAIN_MEMPOOL")

	// ── Provider ──
	setStr(&cfg.Provider.URL, "FLASHEXEC_PROVIDER_URL")
	setStr(&cfg.Provider.APIKey, "FLASHEXEC_PROVIDER_API_KEY")
	setStr(&cfg.Provider.File, "FLASHEXEC_PROVIDER_FILE")
	setFloat64(&cfg.Provider.RatePerSecond, "FLASHEXEC_PROVIDER_RATE_PER_SECOND")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "FLASHEXEC_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.PrivateKey, "FLASHEXEC_PRIVATE_KEY") // short alias
	setStr(&cfg.Wallet.KeyFile, "FLASHEXEC_WALLET_KEY_FILE")
	setStr(&cfg.Wallet.KeyPassword, "FLASHEXEC_WALLET_KEY_PASSWORD")
	setStr(&cfg.Wallet.KeyPassword, "FLASHEXEC_KEY_PASSWORD") // short alias

	// ── Ledger ──
	setStr(&cfg.Ledger.Driver, "FLASHEXEC_LEDGER_DRIVER")
	setStr(&cfg.Ledger.SQLitePath, "FLASHEXEC_LEDGER_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FLASHEXEC_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FLASHEXEC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FLASHEXEC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FLASHEXEC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FLASHEXEC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FLASHEXEC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FLASHEXEC_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FLASHEXEC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FLASHEXEC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FLASHEXEC_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "FLASHEXEC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "FLASHEXEC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASHEXEC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASHEXEC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FLASHEXEC_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "FLASHEXEC_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "FLASHEXEC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "FLASHEXEC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FLASHEXEC_S3_REGION")
	setStr(&cfg.S3.Bucket, "FLASHEXEC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FLASHEXEC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FLASHEXEC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FLASHEXEC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FLASHEXEC_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FLASHEXEC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FLASHEXEC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "FLASHEXEC_NOTIFY_DISCORD_WEBHOOK_URL")
	setDuration(&cfg.Notify.Cooldown, "FLASHEXEC_NOTIFY_COOLDOWN")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "FLASHEXEC_SERVER_ENABLED")
	setStr(&cfg.Server.Addr, "FLASHEXEC_SERVER_ADDR")
	setStr(&cfg.Server.APIKey, "FLASHEXEC_SERVER_API_KEY")
}

// Typed env helpers. Each leaves the target alone when the variable is
// unset, empty or unparsable.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setAmount(dst *Amount, key string) {
	if v := os.Getenv(key); v != "" {
		var a Amount
		if err := a.UnmarshalText([]byte(v)); err == nil {
			*dst = a
		}
	}
}
