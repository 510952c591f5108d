package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// DryRun is a paper submitter: nothing is broadcast and every plan that
// passes the optional simulation lands with its expected profit.
type DryRun struct {
	sim     domain.Simulator
	gasCost decimal.Decimal
	logger  *slog.Logger
	nowFn   func() time.Time
}

// NewDryRun creates a DryRun. sim may be nil.
func NewDryRun(sim domain.Simulator, gasCost decimal.Decimal, logger *slog.Logger) *DryRun {
	return &DryRun{
		sim:     sim,
		gasCost: gasCost,
		logger:  logger.With(slog.String("component", "relay-dryrun")),
		nowFn:   time.Now,
	}
}

func (d *DryRun) SubmitBundle(ctx context.Context, plan domain.OperationPlan, identity string) (domain.Receipt, error) {
	borrow, okB := plan.Borrow()
	repay, okR := plan.Repay()
	if !okB || !okR {
		return domain.Receipt{}, domain.NewSubmissionError(domain.SubmissionMalformed, "dry-run",
			errors.New("plan lacks borrow or repay"))
	}
	if d.sim != nil {
		res, err := d.sim.Simulate(ctx, plan, identity)
		if err != nil {
			return domain.Receipt{}, classify("dry-run simulate", err)
		}
		if !res.Success {
			return domain.Receipt{}, domain.NewSubmissionError(domain.SubmissionStale, "dry-run simulate",
				errors.New(res.RevertReason))
		}
	}

	fee := repay.Amount.Sub(borrow.Amount)
	rcpt := domain.Receipt{
		BundleHash:    ethcrypto.Keccak256Hash([]byte(plan.OpportunityID)).Hex(),
		GasCost:       d.gasCost,
		BorrowedValue: borrow.Amount,
		FeePaid:       fee,
		ProceedsValue: borrow.Amount.Add(fee).Add(plan.ExpectedProfit).Add(d.gasCost),
		IncludedAt:    d.nowFn(),
	}
	d.logger.InfoContext(ctx, "dry-run bundle settled",
		slog.String("opportunity_id", plan.OpportunityID),
		slog.String("realized_profit", rcpt.RealizedProfit().String()),
	)
	return rcpt, nil
}

var _ domain.SignerSubmitter = (*DryRun)(nil)
