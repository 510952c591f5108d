// Package ledger is the profit ledger: an idempotent credit per
// (beneficiary, opportunity) on top of a domain.LedgerStore, plus
// best-effort publication of each new settlement.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// Ledger wraps a store with event publication, archival and audit.
type Ledger struct {
	store   domain.LedgerStore
	bus     domain.SignalBus
	archive domain.BlobWriter
	audit   domain.AuditStore
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New creates a Ledger. bus, archive and audit may be nil.
func New(store domain.LedgerStore, bus domain.SignalBus, archive domain.BlobWriter, audit domain.AuditStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		bus:     bus,
		archive: archive,
		audit:   audit,
		logger:  logger.With(slog.String("component", "ledger")),
		nowFn:   time.Now,
	}
}

// RecordSettlement credits realizedProfit to beneficiaryID once per
// opportunityID. A repeated call returns the current entry unchanged.
func (l *Ledger) RecordSettlement(ctx context.Context, beneficiaryID, opportunityID string, realizedProfit decimal.Decimal) (domain.LedgerEntry, error) {
	entry, _, err := l.Settle(ctx, domain.Settlement{
		ID:             uuid.NewString(),
		BeneficiaryID:  beneficiaryID,
		OpportunityID:  opportunityID,
		RealizedProfit: realizedProfit,
		SettledAt:      l.nowFn().UTC(),
	})
	return entry, err
}

// Settle records a full settlement. created is false when the pair was
// already settled, in which case nothing changes and nothing is published.
func (l *Ledger) Settle(ctx context.Context, st domain.Settlement) (domain.LedgerEntry, bool, error) {
	if st.BeneficiaryID == "" || st.OpportunityID == "" {
		return domain.LedgerEntry{}, false, fmt.Errorf("ledger: settle: missing beneficiary or opportunity id")
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.SettledAt.IsZero() {
		st.SettledAt = l.nowFn().UTC()
	}

	entry, created, err := l.store.RecordSettlement(ctx, st)
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("ledger: settle %s/%s: %w", st.BeneficiaryID, st.OpportunityID, err)
	}
	if !created {
		l.logger.InfoContext(ctx, "settlement already recorded",
			slog.String("beneficiary_id", st.BeneficiaryID),
			slog.String("opportunity_id", st.OpportunityID),
		)
		return entry, false, nil
	}

	l.publish(ctx, st, entry)
	return entry, true, nil
}

// GetEntry returns the beneficiary's entry, or a zero entry when unknown.
func (l *Ledger) GetEntry(ctx context.Context, beneficiaryID string) (domain.LedgerEntry, error) {
	entry, err := l.store.GetEntry(ctx, beneficiaryID)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: get entry %s: %w", beneficiaryID, err)
	}
	return entry, nil
}

// ListSettlements returns the beneficiary's settlements, newest first.
func (l *Ledger) ListSettlements(ctx context.Context, beneficiaryID string, opts domain.ListOpts) ([]domain.Settlement, error) {
	out, err := l.store.ListSettlements(ctx, beneficiaryID, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: list settlements %s: %w", beneficiaryID, err)
	}
	return out, nil
}

// ArchivePath is the object key a settlement is archived under.
func ArchivePath(st domain.Settlement) string {
	return fmt.Sprintf("settlements/%s/%s/%s.json",
		st.SettledAt.UTC().Format("2006/01/02"), st.BeneficiaryID, st.ID)
}

type archiveRecord struct {
	ID             string `json:"id"`
	BeneficiaryID  string `json:"beneficiary_id"`
	OpportunityID  string `json:"opportunity_id"`
	Kind           string `json:"kind"`
	RealizedProfit string `json:"realized_profit"`
	BundleHash     string `json:"bundle_hash"`
	SettledAt      string `json:"settled_at"`
	EntryProfit    string `json:"entry_profit"`
	EntryBalance   string `json:"entry_balance"`
}

// publish runs the side effects of a new settlement. Failures are logged and
// never undo the credit.
func (l *Ledger) publish(ctx context.Context, st domain.Settlement, entry domain.LedgerEntry) {
	log := l.logger.With(
		slog.String("beneficiary_id", st.BeneficiaryID),
		slog.String("opportunity_id", st.OpportunityID),
	)

	if l.bus != nil {
		payload, err := EncodeEvent(SettlementEvent{Settlement: st, Entry: entry})
		if err != nil {
			log.WarnContext(ctx, "ledger: encode event failed", slog.String("error", err.Error()))
		} else {
			if err := l.bus.Publish(ctx, EventChannel, payload); err != nil {
				log.WarnContext(ctx, "ledger: publish event failed", slog.String("error", err.Error()))
			}
			if err := l.bus.StreamAppend(ctx, EventStream, payload); err != nil {
				log.WarnContext(ctx, "ledger: stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	if l.archive != nil {
		body, err := json.Marshal(archiveRecord{
			ID:             st.ID,
			BeneficiaryID:  st.BeneficiaryID,
			OpportunityID:  st.OpportunityID,
			Kind:           string(st.Kind),
			RealizedProfit: st.RealizedProfit.String(),
			BundleHash:     st.BundleHash,
			SettledAt:      st.SettledAt.UTC().Format(time.RFC3339Nano),
			EntryProfit:    entry.Profit.String(),
			EntryBalance:   entry.Balance.String(),
		})
		if err == nil {
			err = l.archive.Put(ctx, ArchivePath(st), bytes.NewReader(body), "application/json")
		}
		if err != nil {
			log.WarnContext(ctx, "ledger: archive settlement failed", slog.String("error", err.Error()))
		}
	}

	if l.audit != nil {
		if err := l.audit.Log(ctx, "settlement_recorded", map[string]any{
			"settlement_id":   st.ID,
			"beneficiary_id":  st.BeneficiaryID,
			"opportunity_id":  st.OpportunityID,
			"kind":            string(st.Kind),
			"realized_profit": st.RealizedProfit.String(),
			"bundle_hash":     st.BundleHash,
		}); err != nil {
			log.WarnContext(ctx, "ledger: audit log failed", slog.String("error", err.Error()))
		}
	}

	log.InfoContext(ctx, "ledger: settlement recorded",
		slog.String("realized_profit", st.RealizedProfit.String()),
		slog.String("profit", entry.Profit.String()),
		slog.String("balance", entry.Balance.String()),
	)
}
