package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. The UNIQUE
// (beneficiary_id, opportunity_id) constraint on settlements is the
// idempotency key; the settlement row and the entry update commit together.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new LedgerStore backed by the given pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// RecordSettlement inserts the settlement and credits the entry in one
// transaction. A duplicate settlement leaves the entry untouched.
func (s *LedgerStore) RecordSettlement(ctx context.Context, st domain.Settlement) (domain.LedgerEntry, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO settlements (id, beneficiary_id, opportunity_id, kind, realized_profit, bundle_hash, settled_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (beneficiary_id, opportunity_id) DO NOTHING`,
		st.ID, st.BeneficiaryID, st.OpportunityID, string(st.Kind),
		st.RealizedProfit.String(), st.BundleHash, st.SettledAt,
	)
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("postgres: insert settlement %s: %w", st.OpportunityID, err)
	}

	if tag.RowsAffected() == 0 {
		entry, err := getEntry(ctx, tx, st.BeneficiaryID)
		if err != nil {
			return domain.LedgerEntry{}, false, err
		}
		return entry, false, tx.Commit(ctx)
	}

	profitDelta := decimal.Max(st.RealizedProfit, decimal.Zero)
	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (beneficiary_id, profit, balance, settlements, updated_at)
		VALUES ($1, $2::numeric, $3::numeric, 1, $4)
		ON CONFLICT (beneficiary_id) DO UPDATE SET
			profit      = ledger_entries.profit + EXCLUDED.profit,
			balance     = ledger_entries.balance + EXCLUDED.balance,
			settlements = ledger_entries.settlements + 1,
			updated_at  = EXCLUDED.updated_at`,
		st.BeneficiaryID, profitDelta.String(), st.RealizedProfit.String(), st.SettledAt,
	)
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("postgres: credit ledger entry %s: %w", st.BeneficiaryID, err)
	}

	entry, err := getEntry(ctx, tx, st.BeneficiaryID)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("postgres: commit settlement %s: %w", st.OpportunityID, err)
	}
	return entry, true, nil
}

// GetEntry returns the entry for beneficiaryID, or a zero entry.
func (s *LedgerStore) GetEntry(ctx context.Context, beneficiaryID string) (domain.LedgerEntry, error) {
	return getEntry(ctx, s.pool, beneficiaryID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getEntry(ctx context.Context, q querier, beneficiaryID string) (domain.LedgerEntry, error) {
	var profit, balance string
	entry := domain.LedgerEntry{BeneficiaryID: beneficiaryID}
	err := q.QueryRow(ctx, `
		SELECT profit::text, balance::text, settlements, updated_at
		FROM ledger_entries WHERE beneficiary_id = $1`,
		beneficiaryID,
	).Scan(&profit, &balance, &entry.Settlements, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ZeroEntry(beneficiaryID), nil
		}
		return domain.LedgerEntry{}, fmt.Errorf("postgres: get ledger entry %s: %w", beneficiaryID, err)
	}
	if entry.Profit, err = decimal.NewFromString(profit); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: parse profit for %s: %w", beneficiaryID, err)
	}
	if entry.Balance, err = decimal.NewFromString(balance); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("postgres: parse balance for %s: %w", beneficiaryID, err)
	}
	return entry, nil
}

// GetSettlement returns one settlement or domain.ErrNotFound.
func (s *LedgerStore) GetSettlement(ctx context.Context, beneficiaryID, opportunityID string) (domain.Settlement, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id::text, beneficiary_id, opportunity_id, kind, realized_profit::text, bundle_hash, settled_at
		FROM settlements WHERE beneficiary_id = $1 AND opportunity_id = $2`,
		beneficiaryID, opportunityID,
	)
	st, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Settlement{}, domain.ErrNotFound
		}
		return domain.Settlement{}, fmt.Errorf("postgres: get settlement %s: %w", opportunityID, err)
	}
	return st, nil
}

// ListSettlements returns a beneficiary's settlements, newest first.
func (s *LedgerStore) ListSettlements(ctx context.Context, beneficiaryID string, opts domain.ListOpts) ([]domain.Settlement, error) {
	query := `SELECT id::text, beneficiary_id, opportunity_id, kind, realized_profit::text, bundle_hash, settled_at
		FROM settlements WHERE beneficiary_id = $1`
	args := []any{beneficiaryID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND settled_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND settled_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY settled_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements %s: %w", beneficiaryID, err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settlements rows: %w", err)
	}
	return out, nil
}

// SumLosses returns the absolute sum of negative realized profits since the
// given time.
func (s *LedgerStore) SumLosses(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(-realized_profit), 0)::text
		FROM settlements WHERE settled_at >= $1 AND realized_profit < 0`,
		since,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum losses: %w", err)
	}
	d, err := decimal.NewFromString(total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("postgres: parse loss sum: %w", err)
	}
	return d, nil
}

func scanSettlement(row pgx.Row) (domain.Settlement, error) {
	var st domain.Settlement
	var kind, profit string
	if err := row.Scan(&st.ID, &st.BeneficiaryID, &st.OpportunityID, &kind, &profit, &st.BundleHash, &st.SettledAt); err != nil {
		return domain.Settlement{}, err
	}
	st.Kind = domain.OpportunityKind(kind)
	d, err := decimal.NewFromString(profit)
	if err != nil {
		return domain.Settlement{}, err
	}
	st.RealizedProfit = d
	return st, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
