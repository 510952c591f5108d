// Package scheduler drives detection on independent periodic loops and
// dispatches evaluated opportunities to the orchestrator under a global
// in-flight cap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/alanyoungcy/flashexec/internal/domain"
	"github.com/alanyoungcy/flashexec/internal/executor"
	"github.com/alanyoungcy/flashexec/internal/metrics"
)

// Detector yields candidate opportunities per rule.
type Detector interface {
	Liquidations(snap domain.Snapshot) iter.Seq[domain.Opportunity]
	Arbitrage(snap domain.Snapshot) iter.Seq[domain.Opportunity]
}

// Evaluator prices a candidate against fresh state.
type Evaluator interface {
	Evaluate(ctx context.Context, opp domain.Opportunity) (domain.Opportunity, error)
}

// Executor runs an evaluated opportunity to a terminal state.
type Executor interface {
	Execute(ctx context.Context, opp domain.Opportunity) (executor.Outcome, error)
}

// Gate reports whether new executions are allowed.
type Gate interface {
	Halted() bool
}

// EventListener is a passive event source, such as the mempool feed. Run
// blocks until ctx is done.
type EventListener interface {
	Run(ctx context.Context) error
}

// Config holds loop intervals and the in-flight cap.
type Config struct {
	LiquidationInterval time.Duration
	ArbitrageInterval   time.Duration
	// EventInterval is the minimum gap between event-triggered passes.
	EventInterval time.Duration
	MaxInFlight   int64
}

// Stats are cumulative scheduler counters.
type Stats struct {
	InFlight   int64 `json:"in_flight"`
	Ticks      int64 `json:"ticks"`
	Detected   int64 `json:"detected"`
	Dispatched int64 `json:"dispatched"`
	Dropped    int64 `json:"dropped"`
	NonViable  int64 `json:"non_viable"`
	Settled    int64 `json:"settled"`
	Failed     int64 `json:"failed"`
	LoopErrors int64 `json:"loop_errors"`
	Halted     bool  `json:"halted"`
}

// Scheduler owns the detection loops.
type Scheduler struct {
	cfg      Config
	provider domain.MarketStateProvider
	detector Detector
	eval     Evaluator
	exec     Executor
	gate     Gate
	listener EventListener
	metrics  *metrics.Metrics
	logger   *slog.Logger

	slots   *semaphore.Weighted
	trigger chan struct{}
	wg      sync.WaitGroup

	fatalOnce sync.Once
	fatal     chan error

	mu    sync.RWMutex
	stats Stats
}

// New creates a Scheduler.
func New(cfg Config, provider domain.MarketStateProvider, det Detector, eval Evaluator, exec Executor, logger *slog.Logger) *Scheduler {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	return &Scheduler{
		cfg:      cfg,
		provider: provider,
		detector: det,
		eval:     eval,
		exec:     exec,
		logger:   logger.With(slog.String("component", "scheduler")),
		slots:    semaphore.NewWeighted(cfg.MaxInFlight),
		trigger:  make(chan struct{}, 1),
		fatal:    make(chan error, 1),
	}
}

// SetGate installs the loss circuit breaker.
func (s *Scheduler) SetGate(g Gate) { s.gate = g }

// SetEventListener enables the event loop.
func (s *Scheduler) SetEventListener(l EventListener) { s.listener = l }

// SetMetrics installs the metrics sink.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// Stats returns a copy of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Scheduler) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// OnChainEvent requests an immediate liquidation pass. Requests arriving
// while one is pending collapse into it.
func (s *Scheduler) OnChainEvent(_ context.Context, _ domain.ChainEvent) {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled or an execution leaves the borrow state
// ambiguous, in which case it returns an error wrapping
// domain.ErrAmbiguousSettlement. In-flight executions are waited for before
// Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(gctx, "liquidation", s.cfg.LiquidationInterval, s.detector.Liquidations)
	})
	g.Go(func() error {
		return s.loop(gctx, "arbitrage", s.cfg.ArbitrageInterval, s.detector.Arbitrage)
	})
	if s.listener != nil {
		g.Go(func() error { return s.eventLoop(gctx) })
		g.Go(func() error {
			if err := s.listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.WarnContext(gctx, "event listener stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-s.fatal:
			return err
		}
	})

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("liquidation_interval", s.cfg.LiquidationInterval),
		slog.Duration("arbitrage_interval", s.cfg.ArbitrageInterval),
		slog.Int64("max_in_flight", s.cfg.MaxInFlight),
		slog.Bool("event_listener", s.listener != nil),
	)
	err := g.Wait()
	cancel()
	s.wg.Wait()
	s.logger.InfoContext(ctx, "scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, rule func(domain.Snapshot) iter.Seq[domain.Opportunity]) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: %s interval must be positive", name)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx, name, rule)
		}
	}
}

func (s *Scheduler) eventLoop(ctx context.Context) error {
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.trigger:
			if wait := s.cfg.EventInterval - time.Since(last); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return nil
				case <-t.C:
				}
			}
			last = time.Now()
			s.tick(ctx, "event", s.detector.Liquidations)
		}
	}
}

// tick runs one detection pass. It never propagates a failure: provider
// outages and panics are logged and the loop carries on.
func (s *Scheduler) tick(ctx context.Context, name string, rule func(domain.Snapshot) iter.Seq[domain.Opportunity]) {
	log := s.logger.With(slog.String("loop", name))
	defer func() {
		if r := recover(); r != nil {
			s.count(func(st *Stats) { st.LoopErrors++ })
			s.metrics.LoopError(name)
			log.ErrorContext(ctx, "tick panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	s.count(func(st *Stats) { st.Ticks++ })

	snap, err := s.provider.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.count(func(st *Stats) { st.LoopErrors++ })
		s.metrics.LoopError(name)
		log.WarnContext(ctx, "snapshot failed", slog.String("error", err.Error()))
		return
	}

	for opp := range rule(snap) {
		if ctx.Err() != nil {
			return
		}
		s.count(func(st *Stats) { st.Detected++ })
		s.metrics.Detected(string(opp.Kind))

		if s.gate != nil && s.gate.Halted() {
			s.drop(ctx, log, opp, "halted")
			continue
		}
		evaluated, ok := s.evaluate(ctx, log, opp)
		if !ok {
			continue
		}
		// Only executions hold a slot; a full cap drops evaluated work.
		if !s.slots.TryAcquire(1) {
			s.drop(ctx, log, evaluated, "in_flight_cap")
			continue
		}
		s.count(func(st *Stats) { st.Dispatched++; st.InFlight++ })
		s.wg.Add(1)
		go s.dispatch(ctx, log, evaluated)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, log *slog.Logger, opp domain.Opportunity) (domain.Opportunity, bool) {
	evaluated, err := s.eval.Evaluate(ctx, opp)
	if err != nil {
		s.count(func(st *Stats) { st.NonViable++ })
		s.metrics.Evaluated(string(opp.Kind), false)
		log.DebugContext(ctx, "opportunity not viable",
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
		return opp, false
	}
	s.metrics.Evaluated(string(opp.Kind), true)
	return evaluated, true
}

func (s *Scheduler) drop(ctx context.Context, log *slog.Logger, opp domain.Opportunity, reason string) {
	s.count(func(st *Stats) { st.Dropped++ })
	s.metrics.Dropped(reason)
	log.DebugContext(ctx, "opportunity dropped",
		slog.String("opportunity_id", opp.ID),
		slog.String("reason", reason),
	)
}

func (s *Scheduler) dispatch(ctx context.Context, log *slog.Logger, opp domain.Opportunity) {
	defer s.wg.Done()
	defer s.slots.Release(1)
	defer s.count(func(st *Stats) { st.InFlight-- })
	defer func() {
		if r := recover(); r != nil {
			s.count(func(st *Stats) { st.LoopErrors++ })
			log.ErrorContext(ctx, "dispatch panicked",
				slog.String("opportunity_id", opp.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	log = log.With(slog.String("opportunity_id", opp.ID), slog.String("kind", string(opp.Kind)))

	// A bundle already on its way is allowed to finish on shutdown.
	out, err := s.exec.Execute(context.WithoutCancel(ctx), opp)
	switch {
	case err == nil:
		s.count(func(st *Stats) { st.Settled++ })
	case errors.Is(err, domain.ErrAmbiguousSettlement):
		s.count(func(st *Stats) { st.Halted = true })
		s.metrics.SetHalted(true)
		s.fatalOnce.Do(func() { s.fatal <- err })
	case errors.Is(err, domain.ErrClaimHeld), errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, executor.ErrRecentlyExecuted), errors.Is(err, domain.ErrNonViable):
		log.DebugContext(ctx, "execution skipped", slog.String("error", err.Error()))
	default:
		if out.Opportunity.State == domain.StateFailed {
			s.count(func(st *Stats) { st.Failed++ })
		}
		log.InfoContext(ctx, "execution did not settle",
			slog.String("state", string(out.Opportunity.State)),
			slog.String("error", err.Error()),
		)
	}
}
