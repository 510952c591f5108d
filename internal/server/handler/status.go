package handler

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/executor"
	"github.com/alanyoungcy/flashexec/internal/ledger"
	"github.com/alanyoungcy/flashexec/internal/scheduler"
)

// StatusSources are the components /status reads from. Nil members are
// omitted from the response.
type StatusSources struct {
	Mode         string
	Scheduler    interface{ Stats() scheduler.Stats }
	Orchestrator interface{ Stats() executor.Stats }
	Breaker      interface{ BreakerState() string }
	Risk         interface {
		Halted() bool
		Losses() decimal.Decimal
	}
	Settlements interface {
		Recent() []ledger.SettlementEvent
	}
}

// StatusHandler serves the engine status for operators.
type StatusHandler struct {
	src     StatusSources
	started time.Time
}

// NewStatusHandler creates a StatusHandler over src.
func NewStatusHandler(src StatusSources) *StatusHandler {
	return &StatusHandler{src: src, started: time.Now()}
}

type riskView struct {
	Halted      bool   `json:"halted"`
	DailyLosses string `json:"daily_losses"`
}

type settlementView struct {
	ID             string    `json:"id"`
	OpportunityID  string    `json:"opportunity_id"`
	BeneficiaryID  string    `json:"beneficiary_id"`
	Kind           string    `json:"kind"`
	RealizedProfit string    `json:"realized_profit"`
	Balance        string    `json:"balance"`
	BundleHash     string    `json:"bundle_hash"`
	SettledAt      time.Time `json:"settled_at"`
}

type statusResponse struct {
	Mode         string           `json:"mode"`
	StartedAt    time.Time        `json:"started_at"`
	Uptime       string           `json:"uptime"`
	Scheduler    *scheduler.Stats `json:"scheduler,omitempty"`
	Orchestrator *executor.Stats  `json:"orchestrator,omitempty"`
	Breaker      string           `json:"provider_breaker,omitempty"`
	Risk         *riskView        `json:"risk,omitempty"`
	Recent       []settlementView `json:"recent_settlements"`
}

// GetStatus responds with counters, breaker state and recent settlements.
// GET /status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Mode:      h.src.Mode,
		StartedAt: h.started.UTC(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Recent:    []settlementView{},
	}
	if h.src.Scheduler != nil {
		st := h.src.Scheduler.Stats()
		resp.Scheduler = &st
	}
	if h.src.Orchestrator != nil {
		st := h.src.Orchestrator.Stats()
		resp.Orchestrator = &st
	}
	if h.src.Breaker != nil {
		resp.Breaker = h.src.Breaker.BreakerState()
	}
	if h.src.Risk != nil {
		resp.Risk = &riskView{
			Halted:      h.src.Risk.Halted(),
			DailyLosses: h.src.Risk.Losses().String(),
		}
	}
	if h.src.Settlements != nil {
		for _, ev := range h.src.Settlements.Recent() {
			resp.Recent = append(resp.Recent, settlementView{
				ID:             ev.Settlement.ID,
				OpportunityID:  ev.Settlement.OpportunityID,
				BeneficiaryID:  ev.Settlement.BeneficiaryID,
				Kind:           string(ev.Settlement.Kind),
				RealizedProfit: ev.Settlement.RealizedProfit.String(),
				Balance:        ev.Entry.Balance.String(),
				BundleHash:     ev.Settlement.BundleHash,
				SettledAt:      ev.Settlement.SettledAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
