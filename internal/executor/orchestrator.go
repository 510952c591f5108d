// Package executor turns evaluated opportunities into atomic flash-loan
// bundles, submits them and settles the result into the ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
	"github.com/alanyoungcy/flashexec/internal/metrics"
)

// ErrRecentlyExecuted is returned for an opportunity id that already reached
// a terminal state within the dedup ttl.
var ErrRecentlyExecuted = errors.New("executor: opportunity recently executed")

// LedgerRecorder credits a landed bundle. It must be idempotent per
// (beneficiary, opportunity id).
type LedgerRecorder interface {
	Settle(ctx context.Context, st domain.Settlement) (domain.LedgerEntry, bool, error)
}

// Outcome is what one Execute call produced.
type Outcome struct {
	Opportunity domain.Opportunity
	Plan        domain.OperationPlan
	Receipt     domain.Receipt
	Settlement  domain.Settlement
	Entry       domain.LedgerEntry
}

// Stats are cumulative orchestrator counters.
type Stats struct {
	Attempts int64 `json:"attempts"`
	Settled  int64 `json:"settled"`
	Failed   int64 `json:"failed"`
	Retries  int64 `json:"retries"`
	Halted   bool  `json:"halted"`
}

// RiskGate is consulted before each execution and fed every realized result.
type RiskGate interface {
	PreTradeCheck(ctx context.Context, opp domain.Opportunity) error
	RecordResult(ctx context.Context, realized decimal.Decimal)
}

// Config holds orchestrator tunables.
type Config struct {
	Identity    string
	Beneficiary string
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// CallTimeout bounds one submission attempt.
	CallTimeout time.Duration
	DedupTTL    time.Duration
}

// Orchestrator runs the claim, plan, submit, settle pipeline for one
// opportunity at a time per call. Concurrent calls are safe; the claim table
// keeps them apart.
type Orchestrator struct {
	cfg       Config
	claims    *ClaimTable
	builder   *PlanBuilder
	submitter domain.SignerSubmitter
	simulator domain.Simulator
	ledger    LedgerRecorder
	risk      RiskGate
	alerter   domain.Alerter
	metrics   *metrics.Metrics
	dedup     *Dedup
	logger    *slog.Logger

	halted atomic.Bool
	sleep  func(ctx context.Context, d time.Duration) error
	nowFn  func() time.Time

	statsMu sync.RWMutex
	stats   Stats
}

// NewOrchestrator creates an Orchestrator. simulator, risk, alerter and m are
// optional.
func NewOrchestrator(
	cfg Config,
	claims *ClaimTable,
	builder *PlanBuilder,
	submitter domain.SignerSubmitter,
	ledger LedgerRecorder,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 2 * time.Minute
	}
	return &Orchestrator{
		cfg:       cfg,
		claims:    claims,
		builder:   builder,
		submitter: submitter,
		ledger:    ledger,
		dedup:     NewDedup(cfg.DedupTTL),
		logger:    logger.With(slog.String("component", "orchestrator")),
		sleep:     sleepCtx,
		nowFn:     time.Now,
	}
}

// SetSimulator enables a dry run before every submission.
func (o *Orchestrator) SetSimulator(s domain.Simulator) { o.simulator = s }

// SetRiskGate installs the loss circuit breaker.
func (o *Orchestrator) SetRiskGate(r RiskGate) { o.risk = r }

// SetAlerter installs the operator alert channel.
func (o *Orchestrator) SetAlerter(a domain.Alerter) { o.alerter = a }

// SetMetrics installs the metrics sink.
func (o *Orchestrator) SetMetrics(m *metrics.Metrics) { o.metrics = m }

// Halted reports whether an ambiguous settlement stopped the orchestrator.
func (o *Orchestrator) Halted() bool { return o.halted.Load() }

// Dedup exposes the recently-finished set.
func (o *Orchestrator) Dedup() *Dedup { return o.dedup }

// Cleaner drops expired entries from a process-local table.
type Cleaner interface {
	Cleanup()
}

// Sweep garbage-collects the dedup set, plus any extra tables, every
// interval until ctx ends.
func (o *Orchestrator) Sweep(ctx context.Context, interval time.Duration, extra ...Cleaner) error {
	if interval <= 0 {
		interval = o.cfg.DedupTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.dedup.Cleanup()
			for _, c := range extra {
				c.Cleanup()
			}
		}
	}
}

// Stats returns a copy of the counters.
func (o *Orchestrator) Stats() Stats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	st := o.stats
	st.Halted = o.halted.Load()
	return st
}

func (o *Orchestrator) count(fn func(*Stats)) {
	o.statsMu.Lock()
	fn(&o.stats)
	o.statsMu.Unlock()
}

// Execute runs opp, which must be Evaluated with a positive expected profit,
// to a terminal state.
//
// A nil error means Settled. ErrClaimHeld, ErrLockHeld, ErrNonViable and
// ErrRecentlyExecuted leave the opportunity untouched. Any other failure
// leaves it Failed, except an ambiguous borrow state, which leaves it
// Executing, halts the orchestrator and returns an error wrapping
// domain.ErrAmbiguousSettlement.
func (o *Orchestrator) Execute(ctx context.Context, opp domain.Opportunity) (Outcome, error) {
	out := Outcome{Opportunity: opp}
	if o.halted.Load() {
		return out, fmt.Errorf("executor: %s: %w", opp.ID, domain.ErrAmbiguousSettlement)
	}
	if opp.State != domain.StateEvaluated {
		return out, fmt.Errorf("executor: %s: %w: state %s", opp.ID, domain.ErrInvalidTransition, opp.State)
	}
	if !opp.ExpectedProfit.IsPositive() {
		return out, fmt.Errorf("executor: %s: %w: expected profit %s", opp.ID, domain.ErrNonViable, opp.ExpectedProfit)
	}
	if o.dedup.Seen(opp.ID) {
		return out, fmt.Errorf("%w: %s", ErrRecentlyExecuted, opp.ID)
	}
	log := o.logger.With(
		slog.String("opportunity_id", opp.ID),
		slog.String("kind", string(opp.Kind)),
	)

	claim, err := o.claims.Claim(ctx, opp)
	if err != nil {
		return out, err
	}
	identity, err := o.claims.LockIdentity(ctx, o.cfg.Identity)
	if err != nil {
		claim.Release()
		return out, err
	}
	stopRenew := o.claims.KeepAlive(ctx, log, claim, identity)
	ambiguous := false
	defer func() {
		stopRenew()
		// An ambiguous bundle keeps its claim until the ttl runs out so
		// nothing re-executes the window while the operator investigates.
		if ambiguous {
			return
		}
		identity.Release()
		claim.Release()
	}()

	o.count(func(s *Stats) { s.Attempts++ })
	o.metrics.InFlight(1)
	defer o.metrics.InFlight(-1)

	if o.risk != nil {
		if err := o.risk.PreTradeCheck(ctx, opp); err != nil {
			return o.fail(ctx, log, out, "risk: "+err.Error(), err)
		}
	}

	if err := out.Opportunity.Transition(domain.StateExecuting); err != nil {
		return out, fmt.Errorf("executor: %w", err)
	}

	plan, err := o.builder.Build(opp, o.cfg.Identity)
	if err != nil {
		log.ErrorContext(ctx, "plan construction defect", slog.String("error", err.Error()))
		return o.fail(ctx, log, out, "malformed plan",
			domain.NewSubmissionError(domain.SubmissionMalformed, "build", err))
	}
	out.Plan = plan
	log.InfoContext(ctx, "executing opportunity",
		slog.String("state", string(out.Opportunity.State)),
		slog.String("expected_profit", opp.ExpectedProfit.String()),
		slog.Int("steps", len(plan.Steps)),
	)

	if o.simulator != nil {
		sim, err := o.simulator.Simulate(ctx, plan, o.cfg.Identity)
		if err != nil {
			if domain.SubmissionKindOf(err) == "" {
				err = domain.NewSubmissionError(domain.SubmissionStale, "simulate", err)
			}
			return o.fail(ctx, log, out, "simulation failed", err)
		}
		if !sim.Success {
			return o.fail(ctx, log, out, "simulated revert: "+sim.RevertReason,
				domain.NewSubmissionError(domain.SubmissionStale, "simulate", errors.New(sim.RevertReason)))
		}
	}

	receipt, err := o.submit(ctx, log, plan)
	if err != nil {
		if domain.IsAmbiguous(err) {
			ambiguous = true
			return out, o.halt(ctx, log, opp, err)
		}
		if domain.IsMalformed(err) {
			log.ErrorContext(ctx, "submitter rejected plan as malformed", slog.String("error", err.Error()))
		}
		return o.fail(ctx, log, out, err.Error(), err)
	}
	out.Receipt = receipt

	st := o.settlement(opp, receipt)
	entry, created, err := o.record(ctx, st)
	if err != nil {
		// The bundle landed but the credit did not. Resubmitting could
		// borrow twice, so this is as fatal as an unknown borrow state.
		ambiguous = true
		return out, o.halt(ctx, log, opp, fmt.Errorf("ledger after landed bundle %s: %w", receipt.BundleHash, err))
	}
	out.Settlement = st
	out.Entry = entry

	if o.risk != nil {
		o.risk.RecordResult(ctx, st.RealizedProfit)
	}
	if err := out.Opportunity.Transition(domain.StateSettled); err != nil {
		return out, fmt.Errorf("executor: %w", err)
	}
	o.dedup.Mark(opp.ID)
	o.count(func(s *Stats) { s.Settled++ })
	o.metrics.Outcome(string(opp.Kind), string(domain.StateSettled))
	o.metrics.Realized(string(opp.Kind), st.RealizedProfit)

	log.InfoContext(ctx, "opportunity settled",
		slog.String("state", string(out.Opportunity.State)),
		slog.String("bundle_hash", receipt.BundleHash),
		slog.String("realized_profit", st.RealizedProfit.String()),
		slog.String("beneficiary_profit", entry.Profit.String()),
		slog.Bool("credited", created),
	)
	return out, nil
}

// settlementNamespace scopes deterministic settlement ids.
var settlementNamespace = uuid.MustParse("6f1c1f0e-6a39-4c8e-9a4b-2d0f5b8e7c31")

func (o *Orchestrator) settlement(opp domain.Opportunity, receipt domain.Receipt) domain.Settlement {
	at := receipt.IncludedAt
	if at.IsZero() {
		at = o.nowFn()
	}
	return domain.Settlement{
		ID:             uuid.NewSHA1(settlementNamespace, []byte(o.cfg.Beneficiary+"/"+opp.ID)).String(),
		BeneficiaryID:  o.cfg.Beneficiary,
		OpportunityID:  opp.ID,
		Kind:           opp.Kind,
		RealizedProfit: receipt.RealizedProfit(),
		BundleHash:     receipt.BundleHash,
		SettledAt:      at.UTC(),
	}
}

// submit retries transient failures with exponential backoff. Every other
// classification returns at once.
func (o *Orchestrator) submit(ctx context.Context, log *slog.Logger, plan domain.OperationPlan) (domain.Receipt, error) {
	for attempt := 0; ; attempt++ {
		receipt, err := o.submitOnce(ctx, plan)
		if err == nil {
			return receipt, nil
		}

		kind := domain.SubmissionKindOf(err)
		if kind == "" {
			// Errors the submitter did not classify are network-level.
			kind = domain.SubmissionTransient
			err = domain.NewSubmissionError(kind, "submit", err)
		}
		if kind != domain.SubmissionTransient {
			return domain.Receipt{}, err
		}
		if attempt >= o.cfg.MaxRetries {
			return domain.Receipt{}, fmt.Errorf("executor: retries exhausted after %d attempts: %w", attempt+1, err)
		}

		delay := o.backoff(attempt)
		log.WarnContext(ctx, "transient submission failure, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		o.metrics.Retry()
		o.count(func(s *Stats) { s.Retries++ })
		if err := o.sleep(ctx, delay); err != nil {
			return domain.Receipt{}, domain.NewSubmissionError(domain.SubmissionStale, "backoff", err)
		}
	}
}

func (o *Orchestrator) submitOnce(ctx context.Context, plan domain.OperationPlan) (domain.Receipt, error) {
	if o.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
	}
	start := time.Now()
	defer func() { o.metrics.ObserveSubmit(time.Since(start).Seconds()) }()
	return o.submitter.SubmitBundle(ctx, plan, o.cfg.Identity)
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase << attempt
	if d <= 0 || d > o.cfg.BackoffMax {
		return o.cfg.BackoffMax
	}
	return d
}

// record retries the idempotent ledger write a bounded number of times with
// the same settlement.
func (o *Orchestrator) record(ctx context.Context, st domain.Settlement) (domain.LedgerEntry, bool, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.MaxRetries; attempt++ {
		entry, created, err := o.ledger.Settle(ctx, st)
		if err == nil {
			return entry, created, nil
		}
		lastErr = err
		if attempt == o.cfg.MaxRetries {
			break
		}
		if err := o.sleep(ctx, o.backoff(attempt)); err != nil {
			break
		}
	}
	return domain.LedgerEntry{}, false, lastErr
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, out Outcome, reason string, cause error) (Outcome, error) {
	if err := out.Opportunity.Fail(reason); err != nil {
		return out, fmt.Errorf("executor: %w", err)
	}
	o.dedup.Mark(out.Opportunity.ID)
	o.count(func(s *Stats) { s.Failed++ })
	o.metrics.Outcome(string(out.Opportunity.Kind), string(domain.StateFailed))
	log.WarnContext(ctx, "opportunity failed",
		slog.String("state", string(out.Opportunity.State)),
		slog.String("reason", reason),
		slog.String("submission_kind", string(domain.SubmissionKindOf(cause))),
	)
	return out, fmt.Errorf("executor: %s failed: %w", out.Opportunity.ID, cause)
}

func (o *Orchestrator) halt(ctx context.Context, log *slog.Logger, opp domain.Opportunity, cause error) error {
	o.halted.Store(true)
	o.metrics.SetHalted(true)
	log.ErrorContext(ctx, "ambiguous borrow state, halting",
		slog.String("error", cause.Error()),
	)
	if o.alerter != nil {
		msg := fmt.Sprintf("opportunity %s (%s) left the borrow state unknown: %v", opp.ID, opp.Kind, cause)
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.alerter.Alert(alertCtx, "flashexec halted", msg); err != nil {
			log.ErrorContext(ctx, "alert delivery failed", slog.String("error", err.Error()))
		}
	}
	return fmt.Errorf("executor: %s: %w: %w", opp.ID, domain.ErrAmbiguousSettlement, cause)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) String() string {
	return fmt.Sprintf("Orchestrator(identity=%s)", o.cfg.Identity)
}

var _ fmt.Stringer = (*Orchestrator)(nil)
