package domain

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LedgerStore is the durable backend of the profit ledger.
//
// RecordSettlement must apply the settlement and the entry update atomically.
// When (BeneficiaryID, OpportunityID) is already present it must leave the
// entry untouched and return the current entry with created=false.
// GetEntry returns a zero entry for an unknown beneficiary.
type LedgerStore interface {
	RecordSettlement(ctx context.Context, s Settlement) (entry LedgerEntry, created bool, err error)
	GetEntry(ctx context.Context, beneficiaryID string) (LedgerEntry, error)
	GetSettlement(ctx context.Context, beneficiaryID, opportunityID string) (Settlement, error)
	ListSettlements(ctx context.Context, beneficiaryID string, opts ListOpts) ([]Settlement, error)
	SumLosses(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// BlobWriter uploads one object, such as an archived settlement record.
// Writes are best-effort side effects and never gate a ledger credit.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
