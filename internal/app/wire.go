package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/flashexec/internal/blob/s3"
	"github.com/alanyoungcy/flashexec/internal/cache/memory"
	"github.com/alanyoungcy/flashexec/internal/cache/redis"
	"github.com/alanyoungcy/flashexec/internal/config"
	"github.com/alanyoungcy/flashexec/internal/crypto"
	"github.com/alanyoungcy/flashexec/internal/domain"
	"github.com/alanyoungcy/flashexec/internal/evaluator"
	"github.com/alanyoungcy/flashexec/internal/ledger"
	"github.com/alanyoungcy/flashexec/internal/metrics"
	"github.com/alanyoungcy/flashexec/internal/notify"
	"github.com/alanyoungcy/flashexec/internal/platform/chain"
	"github.com/alanyoungcy/flashexec/internal/platform/marketstate"
	"github.com/alanyoungcy/flashexec/internal/service"
	memstore "github.com/alanyoungcy/flashexec/internal/store/memory"
	"github.com/alanyoungcy/flashexec/internal/store/postgres"
	"github.com/alanyoungcy/flashexec/internal/store/sqlite"
)

// Dependencies bundles the infrastructure the modes run on. It is built by
// Wire and released by the returned cleanup function.
type Dependencies struct {
	// Stores
	LedgerStore domain.LedgerStore
	AuditStore  domain.AuditStore

	// Coordination. RateLimiter is nil without redis.
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Archive is nil unless s3 is enabled.
	Archive domain.BlobWriter

	// Chain access. Chain and Signer are nil in dry-run without an rpc_url
	// or key; Encoder is nil without configured assets.
	Chain   *ethclient.Client
	Signer  *crypto.Signer
	Assets  *chain.Assets
	Encoder *chain.Encoder
	Gas     evaluator.GasEstimator

	Provider domain.MarketStateProvider
	Ledger   *ledger.Ledger
	Risk     *service.RiskService
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
}

// Wire builds every dependency from cfg and returns them with a cleanup
// function that releases resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- Ledger store ---
	switch cfg.Ledger.Driver {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.LedgerStore = postgres.NewLedgerStore(pgClient.Pool())
		deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())
	case "sqlite":
		store, err := sqlite.Open(cfg.Ledger.SQLitePath)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.LedgerStore = store
		deps.AuditStore = memstore.NewAuditStore()
	default:
		deps.LedgerStore = memstore.NewLedgerStore()
		deps.AuditStore = memstore.NewAuditStore()
	}

	// --- Redis, or process-local coordination ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Provider.SharedLimit, cfg.Provider.SharedWindow.Duration)
	} else {
		deps.LockManager = memory.NewLockManager()
		deps.SignalBus = memory.NewSignalBus()
	}

	// --- S3 settlement archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		deps.Archive = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Cooldown.Duration, logger)

	// --- Identity ---
	keys := crypto.KeySource{
		PrivateKey:  cfg.Wallet.PrivateKey,
		KeyFile:     cfg.Wallet.KeyFile,
		KeyPassword: cfg.Wallet.KeyPassword,
	}
	if keys.Configured() {
		signer, err := crypto.LoadSigner(keys, cfg.Chain.ChainID)
		if err != nil {
			return fail("signer", err)
		}
		deps.Signer = signer
	}

	// --- Chain ---
	if cfg.Chain.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return fail("rpc", err)
		}
		closers = append(closers, client.Close)
		deps.Chain = client
	}
	if len(cfg.Assets) > 0 {
		addresses := make(map[string]string, len(cfg.Assets))
		decimals := make(map[string]int32, len(cfg.Assets))
		for sym, a := range cfg.Assets {
			addresses[sym] = a.Address
			if a.Decimals > 0 {
				decimals[sym] = a.Decimals
			}
		}
		assets, err := chain.NewAssets(addresses, decimals)
		if err != nil {
			return fail("assets", err)
		}
		encoder, err := chain.NewEncoder(chain.EncoderConfig{QuoteAsset: cfg.Chain.QuoteAsset}, assets)
		if err != nil {
			return fail("encoder", err)
		}
		deps.Assets, deps.Encoder = assets, encoder
	}

	// --- Gas pricing ---
	switch {
	case cfg.Chain.GasPriceSource == "rpc" && deps.Chain != nil:
		deps.Gas = chain.NewGas(chain.GasConfig{
			DefaultLimit: cfg.Engine.GasLimit,
			NativePrice:  cfg.Chain.NativePrice.Decimal,
			CacheTTL:     cfg.Engine.LiquidationInterval.Duration,
		}, deps.Chain)
	default:
		deps.Gas = evaluator.StaticGas{Cost: cfg.Engine.StaticGasCost.Decimal}
	}

	// --- Market state ---
	if cfg.Provider.File != "" {
		deps.Provider = marketstate.NewFileProvider(cfg.Provider.File)
	} else {
		client := marketstate.New(marketstate.Config{
			BaseURL:           cfg.Provider.URL,
			APIKey:            cfg.Provider.APIKey,
			Timeout:           cfg.Provider.Timeout.Duration,
			RequestsPerSecond: cfg.Provider.RatePerSecond,
			Burst:             cfg.Provider.Burst,
			SharedLimit:       cfg.Provider.SharedLimit,
			SharedWindow:      cfg.Provider.SharedWindow.Duration,
			BreakerFailures:   uint32(max(cfg.Provider.BreakerFailures, 0)),
			BreakerCooldown:   cfg.Provider.BreakerCooldown.Duration,
		}, logger)
		if deps.RateLimiter != nil && cfg.Provider.SharedLimit > 0 {
			client.SetSharedLimiter(deps.RateLimiter)
		}
		deps.Provider = client
	}

	// --- Ledger and risk ---
	deps.Ledger = ledger.New(deps.LedgerStore, deps.SignalBus, deps.Archive, deps.AuditStore, logger)
	deps.Risk = service.NewRiskService(deps.LedgerStore, service.RiskConfig{
		DailyLossLimit: cfg.Engine.DailyLossLimit.Decimal,
	}, logger)
	deps.Risk.SetAlerter(deps.Notifier)
	rehydrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := deps.Risk.Rehydrate(rehydrateCtx); err != nil {
		return fail("risk rehydrate", err)
	}

	return deps, cleanup, nil
}
