package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashexec/internal/domain"
	"github.com/alanyoungcy/flashexec/internal/executor"
	"github.com/alanyoungcy/flashexec/internal/ledger"
	"github.com/alanyoungcy/flashexec/internal/scheduler"
	"github.com/alanyoungcy/flashexec/internal/server/handler"
)

type fakeScheduler struct{ stats scheduler.Stats }

func (f fakeScheduler) Stats() scheduler.Stats { return f.stats }

type fakeOrchestrator struct {
	stats  executor.Stats
	halted bool
}

func (f fakeOrchestrator) Stats() executor.Stats { return f.stats }
func (f fakeOrchestrator) Halted() bool          { return f.halted }

type fakeRisk struct{}

func (fakeRisk) Halted() bool            { return false }
func (fakeRisk) Losses() decimal.Decimal { return decimal.RequireFromString("12.5") }

type fakeBreaker struct{}

func (fakeBreaker) BreakerState() string { return "closed" }

type fakeSettlements struct{ events []ledger.SettlementEvent }

func (f fakeSettlements) Recent() []ledger.SettlementEvent { return f.events }

// countingLimiter admits the first max calls per key.
type countingLimiter struct {
	mu    sync.Mutex
	max   int
	calls map[string]int
}

func (l *countingLimiter) Wait(context.Context, string) error { return nil }

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[key]++
	return l.calls[key] <= l.max, nil
}

func newTestServer(t *testing.T, cfg Config, orch fakeOrchestrator, limiter domain.RateLimiter) *Server {
	t.Helper()
	settledAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	status := handler.NewStatusHandler(handler.StatusSources{
		Mode:         "dry-run",
		Scheduler:    fakeScheduler{stats: scheduler.Stats{Ticks: 7, Dispatched: 2}},
		Orchestrator: orch,
		Breaker:      fakeBreaker{},
		Risk:         fakeRisk{},
		Settlements: fakeSettlements{events: []ledger.SettlementEvent{{
			Settlement: domain.Settlement{
				ID:             "s-1",
				OpportunityID:  "liq:acct-1@1",
				BeneficiaryID:  "ops",
				Kind:           domain.KindLiquidation,
				RealizedProfit: decimal.RequireFromString("3"),
				SettledAt:      settledAt,
			},
			Entry: domain.LedgerEntry{Balance: decimal.RequireFromString("3")},
		}}},
	})
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "flashexec_up 1\n")
	})
	return NewServer(cfg, Handlers{
		Health:  handler.NewHealthHandler(orch),
		Status:  status,
		Metrics: metrics,
	}, limiter, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, Config{}, fakeOrchestrator{}, nil)
	rec := get(t, srv.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	halted := newTestServer(t, Config{}, fakeOrchestrator{halted: true}, nil)
	rec = get(t, halted.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"halted"`)
}

func TestStatus(t *testing.T) {
	orch := fakeOrchestrator{stats: executor.Stats{Attempts: 3, Settled: 1, Failed: 2}}
	srv := newTestServer(t, Config{}, orch, nil)

	rec := get(t, srv.Handler(), "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Mode         string          `json:"mode"`
		Scheduler    scheduler.Stats `json:"scheduler"`
		Orchestrator executor.Stats  `json:"orchestrator"`
		Breaker      string          `json:"provider_breaker"`
		Risk         struct {
			DailyLosses string `json:"daily_losses"`
		} `json:"risk"`
		Recent []struct {
			OpportunityID  string `json:"opportunity_id"`
			RealizedProfit string `json:"realized_profit"`
			Kind           string `json:"kind"`
		} `json:"recent_settlements"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "dry-run", body.Mode)
	assert.Equal(t, int64(7), body.Scheduler.Ticks)
	assert.Equal(t, int64(2), body.Orchestrator.Failed)
	assert.Equal(t, "closed", body.Breaker)
	assert.Equal(t, "12.5", body.Risk.DailyLosses)
	require.Len(t, body.Recent, 1)
	assert.Equal(t, "liq:acct-1@1", body.Recent[0].OpportunityID)
	assert.Equal(t, "3", body.Recent[0].RealizedProfit)
	assert.Equal(t, string(domain.KindLiquidation), body.Recent[0].Kind)
}

func TestStatus_RequiresAPIKey(t *testing.T) {
	srv := newTestServer(t, Config{APIKey: "sekret"}, fakeOrchestrator{}, nil)
	h := srv.Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/status", map[string]string{"X-API-Key": "nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/status", map[string]string{"Authorization": "Bearer sekret"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/status", map[string]string{"X-API-Key": "sekret"}).Code)

	// Probes stay open.
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", nil).Code)
}

func TestMetricsRoute(t *testing.T) {
	srv := newTestServer(t, Config{}, fakeOrchestrator{}, nil)
	rec := get(t, srv.Handler(), "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flashexec_up")
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{max: 2, calls: map[string]int{}}
	srv := newTestServer(t, Config{RateLimit: 2, RateWindow: time.Second}, fakeOrchestrator{}, limiter)
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", nil).Code)
	rec := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// A different forwarded client has its own budget.
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz", map[string]string{"X-Forwarded-For": "10.0.0.9, 10.0.0.1"}).Code)
}

func TestRun_StopsOnCancel(t *testing.T) {
	srv := newTestServer(t, Config{Addr: "127.0.0.1:0"}, fakeOrchestrator{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
