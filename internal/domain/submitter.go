package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SignerSubmitter signs an OperationPlan and submits it as one bundle whose
// steps apply all-or-nothing. Failures are *SubmissionError values.
type SignerSubmitter interface {
	SubmitBundle(ctx context.Context, plan OperationPlan, identity string) (Receipt, error)
}

// Simulator dry-runs a plan against current chain state without
// broadcasting it.
type Simulator interface {
	Simulate(ctx context.Context, plan OperationPlan, identity string) (SimulationResult, error)
}

// SimulationResult is the outcome of a dry run.
type SimulationResult struct {
	Success      bool
	RevertReason string
	GasUsed      uint64
	Profit       decimal.Decimal
}

// ChainEvent is a passive market event, e.g. a pending transaction seen in
// the mempool.
type ChainEvent struct {
	Kind       string
	TxHash     string
	ObservedAt time.Time
}

// Alerter delivers operator alerts.
type Alerter interface {
	Alert(ctx context.Context, title, message string) error
}
