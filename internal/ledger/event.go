package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

const (
	// EventChannel is the pub/sub channel settlement events are published on.
	EventChannel = "settlements"
	// EventStream is the durable stream settlement events are appended to.
	EventStream = "settlements:stream"
)

// SettlementEvent is the payload published after a new settlement.
type SettlementEvent struct {
	Settlement domain.Settlement
	Entry      domain.LedgerEntry
}

// EncodeEvent serializes ev as a protobuf Struct. Decimals travel as strings
// to keep their precision.
func EncodeEvent(ev SettlementEvent) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		"event":             "settlement_recorded",
		"settlement_id":     ev.Settlement.ID,
		"beneficiary_id":    ev.Settlement.BeneficiaryID,
		"opportunity_id":    ev.Settlement.OpportunityID,
		"kind":              string(ev.Settlement.Kind),
		"realized_profit":   ev.Settlement.RealizedProfit.String(),
		"bundle_hash":       ev.Settlement.BundleHash,
		"settled_at":        ev.Settlement.SettledAt.UTC().Format(time.RFC3339Nano),
		"entry_profit":      ev.Entry.Profit.String(),
		"entry_balance":     ev.Entry.Balance.String(),
		"entry_settlements": float64(ev.Entry.Settlements),
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: build event: %w", err)
	}
	b, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal event: %w", err)
	}
	return b, nil
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(b []byte) (SettlementEvent, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return SettlementEvent{}, fmt.Errorf("ledger: unmarshal event: %w", err)
	}
	f := st.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	num := func(k string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(str(k))
		if err != nil {
			return decimal.Zero, fmt.Errorf("ledger: event field %s: %w", k, err)
		}
		return d, nil
	}

	var ev SettlementEvent
	var err error
	ev.Settlement = domain.Settlement{
		ID:            str("settlement_id"),
		BeneficiaryID: str("beneficiary_id"),
		OpportunityID: str("opportunity_id"),
		Kind:          domain.OpportunityKind(str("kind")),
		BundleHash:    str("bundle_hash"),
	}
	if ev.Settlement.RealizedProfit, err = num("realized_profit"); err != nil {
		return SettlementEvent{}, err
	}
	if ev.Settlement.SettledAt, err = time.Parse(time.RFC3339Nano, str("settled_at")); err != nil {
		return SettlementEvent{}, fmt.Errorf("ledger: event field settled_at: %w", err)
	}
	ev.Entry = domain.LedgerEntry{
		BeneficiaryID: ev.Settlement.BeneficiaryID,
		Settlements:   int64(f["entry_settlements"].GetNumberValue()),
		UpdatedAt:     ev.Settlement.SettledAt,
	}
	if ev.Entry.Profit, err = num("entry_profit"); err != nil {
		return SettlementEvent{}, err
	}
	if ev.Entry.Balance, err = num("entry_balance"); err != nil {
		return SettlementEvent{}, err
	}
	return ev, nil
}
