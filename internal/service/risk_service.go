package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// RiskConfig holds the tunable parameters for the loss circuit breaker.
type RiskConfig struct {
	// DailyLossLimit halts new executions once realized losses for the
	// current UTC day reach it. Zero disables the breaker.
	DailyLossLimit decimal.Decimal
}

// RiskService tracks realized losses per UTC day and halts trading when the
// configured limit is hit. It is safe for concurrent use.
type RiskService struct {
	ledger  domain.LedgerStore
	cfg     RiskConfig
	logger  *slog.Logger
	alerter domain.Alerter
	nowFn   func() time.Time

	mu     sync.Mutex
	day    time.Time
	losses decimal.Decimal
	halted bool
}

// NewRiskService creates a RiskService. ledger may be nil, in which case the
// day starts with no recorded losses.
func NewRiskService(ledger domain.LedgerStore, cfg RiskConfig, logger *slog.Logger) *RiskService {
	s := &RiskService{
		ledger: ledger,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "risk_service")),
		nowFn:  time.Now,
	}
	s.day = startOfDay(s.nowFn())
	return s
}

// SetAlerter sends one alert each time the breaker trips.
func (s *RiskService) SetAlerter(a domain.Alerter) { s.alerter = a }

func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// Rehydrate loads today's losses from the ledger so a restart does not reset
// the breaker.
func (s *RiskService) Rehydrate(ctx context.Context) error {
	if s.ledger == nil {
		return nil
	}
	day := startOfDay(s.nowFn())
	losses, err := s.ledger.SumLosses(ctx, day)
	if err != nil {
		return fmt.Errorf("risk_service: rehydrate losses: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.day = day
	s.losses = losses
	s.halted = s.limitReached()
	if s.halted {
		s.logger.WarnContext(ctx, "risk_service: loss limit already reached today",
			slog.String("losses", losses.String()),
			slog.String("limit", s.cfg.DailyLossLimit.String()),
		)
	}
	return nil
}

// PreTradeCheck returns domain.ErrTradingHalted while the breaker is open.
func (s *RiskService) PreTradeCheck(_ context.Context, opp domain.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	if s.halted {
		return fmt.Errorf("risk_service: %s: %w (losses %s, limit %s)",
			opp.ID, domain.ErrTradingHalted, s.losses, s.cfg.DailyLossLimit)
	}
	return nil
}

// RecordResult feeds a realized profit into the breaker. Gains do not offset
// losses.
func (s *RiskService) RecordResult(ctx context.Context, realized decimal.Decimal) {
	if !realized.IsNegative() {
		return
	}
	s.mu.Lock()
	s.rollLocked()
	s.losses = s.losses.Add(realized.Neg())
	tripped := !s.halted && s.limitReached()
	if tripped {
		s.halted = true
	}
	losses := s.losses
	s.mu.Unlock()

	if !tripped {
		return
	}
	s.logger.ErrorContext(ctx, "risk_service: daily loss limit reached, halting",
		slog.String("losses", losses.String()),
		slog.String("limit", s.cfg.DailyLossLimit.String()),
	)
	if s.alerter != nil {
		msg := fmt.Sprintf("realized losses %s reached the daily limit %s; new executions are halted until 00:00 UTC",
			losses, s.cfg.DailyLossLimit)
		if err := s.alerter.Alert(ctx, "Daily loss limit reached", msg); err != nil {
			s.logger.WarnContext(ctx, "risk_service: alert failed", slog.String("error", err.Error()))
		}
	}
}

// Halted reports whether the breaker is open.
func (s *RiskService) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	return s.halted
}

// Losses returns realized losses for the current UTC day.
func (s *RiskService) Losses() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollLocked()
	return s.losses
}

func (s *RiskService) limitReached() bool {
	return s.cfg.DailyLossLimit.IsPositive() && s.losses.GreaterThanOrEqual(s.cfg.DailyLossLimit)
}

// rollLocked resets the counters at the UTC day boundary.
func (s *RiskService) rollLocked() {
	day := startOfDay(s.nowFn())
	if day.After(s.day) {
		s.day = day
		s.losses = decimal.Zero
		s.halted = false
	}
}
