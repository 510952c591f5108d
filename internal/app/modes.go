package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/flashexec/internal/detector"
	"github.com/alanyoungcy/flashexec/internal/domain"
	"github.com/alanyoungcy/flashexec/internal/evaluator"
	"github.com/alanyoungcy/flashexec/internal/executor"
	"github.com/alanyoungcy/flashexec/internal/feed"
	"github.com/alanyoungcy/flashexec/internal/platform/relay"
	"github.com/alanyoungcy/flashexec/internal/scheduler"
	"github.com/alanyoungcy/flashexec/internal/server"
	"github.com/alanyoungcy/flashexec/internal/server/handler"
)

const (
	relayPollInterval = time.Second
	recentSettlements = 50
	dryRunIdentity    = "dry-run"
)

// RunMode submits bundles through the relay with the configured signer.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")

	switch {
	case deps.Signer == nil:
		return errors.New("app: run mode requires a wallet key")
	case deps.Chain == nil:
		return errors.New("app: run mode requires chain.rpc_url")
	case deps.Encoder == nil:
		return errors.New("app: run mode requires configured assets")
	}

	sub := relay.New(relay.Config{
		URL:             a.cfg.Chain.RelayURL,
		Timeout:         a.cfg.Engine.CallTimeout.Duration,
		GasPerStep:      a.cfg.Engine.GasLimit,
		InclusionBlocks: a.cfg.Chain.InclusionBlocks,
		PollInterval:    relayPollInterval,
		MaxWait:         a.cfg.Chain.MaxWait.Duration,
		NativePrice:     a.cfg.Chain.NativePrice.Decimal,
	}, deps.Chain, deps.Signer, deps.Encoder, a.logger)

	var sim domain.Simulator
	if a.cfg.Engine.Simulate {
		sim = sub
	}
	return a.runEngine(ctx, deps, sub, sim, deps.Signer.Address().Hex())
}

// DryRunMode runs detection and evaluation for real but settles bundles
// without broadcasting them. With a signer, node and relay configured,
// every plan is still simulated through eth_callBundle.
func (a *App) DryRunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dry-run mode")

	identity := dryRunIdentity
	var sim domain.Simulator
	if deps.Signer != nil {
		identity = deps.Signer.Address().Hex()
		if deps.Chain != nil && deps.Encoder != nil && a.cfg.Chain.RelayURL != "" && a.cfg.Engine.Simulate {
			sim = relay.New(relay.Config{
				URL:        a.cfg.Chain.RelayURL,
				Timeout:    a.cfg.Engine.CallTimeout.Duration,
				GasPerStep: a.cfg.Engine.GasLimit,
			}, deps.Chain, deps.Signer, deps.Encoder, a.logger)
		}
	}

	sub := relay.NewDryRun(sim, a.cfg.Engine.StaticGasCost.Decimal, a.logger)
	// DryRun runs the simulation itself.
	return a.runEngine(ctx, deps, sub, nil, identity)
}

// runEngine builds the detection-to-settlement chain around submitter and
// runs the scheduler, feeds and ops server until ctx ends or one fails.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, submitter domain.SignerSubmitter, sim domain.Simulator, identity string) error {
	e := a.cfg.Engine

	det := detector.New(detector.Config{
		MinSpread:   e.MinSpread.Decimal,
		QuoteMaxAge: e.QuoteMaxAge.Duration,
		Sizer:       detector.LinearCappedSizer(e.SizingScale.Decimal, e.MaxNotional.Decimal),
		QuoteAsset:  a.cfg.Chain.QuoteAsset,
	})
	eval := evaluator.New(evaluator.Config{
		LiquidationBonus: e.LiquidationBonus.Decimal,
		FeeRate:          e.FeeRate.Decimal,
		ProfitThreshold:  e.ProfitThreshold.Decimal,
		QuoteMaxAge:      e.QuoteMaxAge.Duration,
		QuoteAsset:       a.cfg.Chain.QuoteAsset,
	}, deps.Provider, deps.Gas, a.logger)

	var encoder executor.CalldataEncoder
	if deps.Encoder != nil {
		encoder = deps.Encoder
	}
	builder := executor.NewPlanBuilder(executor.PlanConfig{
		LendingPool:      a.cfg.Chain.LendingPool,
		Routers:          a.cfg.Chain.Routers,
		FlashFeeRate:     e.FlashFeeRate.Decimal,
		LiquidationBonus: e.LiquidationBonus.Decimal,
		TTL:              e.PlanTTL.Duration,
		LiquidationVenue: a.cfg.Chain.LiquidationVenue,
	}, encoder)

	claims := executor.NewClaimTable(deps.LockManager, e.ClaimTTL.Duration, e.LockTTL.Duration)
	orch := executor.NewOrchestrator(executor.Config{
		Identity:    identity,
		Beneficiary: e.Beneficiary,
		MaxRetries:  e.MaxRetries,
		BackoffBase: e.BackoffBase.Duration,
		BackoffMax:  e.BackoffMax.Duration,
		CallTimeout: e.CallTimeout.Duration,
		DedupTTL:    e.DedupTTL.Duration,
	}, claims, builder, submitter, deps.Ledger, a.logger)
	if sim != nil {
		orch.SetSimulator(sim)
	}
	orch.SetRiskGate(deps.Risk)
	orch.SetAlerter(deps.Notifier)
	orch.SetMetrics(deps.Metrics)

	sched := scheduler.New(scheduler.Config{
		LiquidationInterval: e.LiquidationInterval.Duration,
		ArbitrageInterval:   e.ArbitrageInterval.Duration,
		EventInterval:       e.EventInterval.Duration,
		MaxInFlight:         int64(e.MaxInFlight),
	}, deps.Provider, det, eval, orch, a.logger)
	sched.SetGate(deps.Risk)
	sched.SetMetrics(deps.Metrics)
	if a.cfg.Chain.Mempool {
		sched.SetEventListener(feed.NewMempoolFeed(feed.MempoolConfig{
			URL:    a.cfg.Chain.WSURL,
			Topics: []string{feed.TopicPendingTx, feed.TopicNewHeads},
		}, sched.OnChainEvent, a.logger))
	}

	settlements := feed.NewSettlementFeeder(deps.SignalBus, recentSettlements, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(ctx)
	})
	g.Go(func() error {
		var extra []executor.Cleaner
		if c, ok := deps.LockManager.(executor.Cleaner); ok {
			extra = append(extra, c)
		}
		return orch.Sweep(ctx, e.DedupTTL.Duration, extra...)
	})
	g.Go(func() error {
		if err := settlements.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.WarnContext(ctx, "settlement feeder stopped", slog.String("error", err.Error()))
		}
		return nil
	})

	if a.cfg.Server.Enabled {
		src := handler.StatusSources{
			Mode:         a.cfg.Mode,
			Scheduler:    sched,
			Orchestrator: orch,
			Risk:         deps.Risk,
			Settlements:  settlements,
		}
		if b, ok := deps.Provider.(interface{ BreakerState() string }); ok {
			src.Breaker = b
		}
		srv := server.NewServer(server.Config{
			Addr:       a.cfg.Server.Addr,
			APIKey:     a.cfg.Server.APIKey,
			RateLimit:  a.cfg.Server.RateLimit,
			RateWindow: a.cfg.Server.RateWindow.Duration,
		}, server.Handlers{
			Health:  handler.NewHealthHandler(orch),
			Status:  handler.NewStatusHandler(src),
			Metrics: deps.Metrics.Handler(),
		}, deps.RateLimiter, a.logger)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	a.logger.InfoContext(ctx, "engine running",
		slog.String("identity", identity),
		slog.String("beneficiary", e.Beneficiary),
		slog.Bool("simulate", sim != nil),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: engine: %w", err)
	}
	return nil
}
