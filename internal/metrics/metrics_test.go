package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Detected("arbitrage")
	m.Outcome("arbitrage", "settled")
	m.Realized("arbitrage", decimal.NewFromInt(5))
	m.SetHalted(true)
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Outcome("liquidation", "settled")
	m.Outcome("liquidation", "settled")
	m.Realized("liquidation", decimal.RequireFromString("2.5"))
	m.Realized("liquidation", decimal.RequireFromString("-4"))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `flashexec_executions_total{kind="liquidation",state="settled"} 2`), body)
	assert.True(t, strings.Contains(body, `flashexec_realized_profit_total{kind="liquidation"} 2.5`), body)
}
