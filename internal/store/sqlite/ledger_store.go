// Package sqlite implements the ledger on a local SQLite file for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// Amounts are stored as TEXT to keep decimal precision; timestamps as unix
// nanoseconds so range filters compare integers.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		beneficiary_id TEXT PRIMARY KEY,
		profit         TEXT NOT NULL,
		balance        TEXT NOT NULL,
		settlements    INTEGER NOT NULL DEFAULT 0,
		updated_at     INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS settlements (
		id              TEXT PRIMARY KEY,
		beneficiary_id  TEXT NOT NULL,
		opportunity_id  TEXT NOT NULL,
		kind            TEXT NOT NULL,
		realized_profit TEXT NOT NULL,
		bundle_hash     TEXT NOT NULL DEFAULT '',
		settled_at      INTEGER NOT NULL,
		UNIQUE (beneficiary_id, opportunity_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_settled_at ON settlements(settled_at);`,
}

// LedgerStore implements domain.LedgerStore on SQLite.
type LedgerStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*LedgerStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer at a time; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: apply schema: %w", err)
		}
	}
	return &LedgerStore{db: db}, nil
}

// Close closes the database.
func (s *LedgerStore) Close() error {
	return s.db.Close()
}

func (s *LedgerStore) RecordSettlement(ctx context.Context, st domain.Settlement) (domain.LedgerEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO settlements (id, beneficiary_id, opportunity_id, kind, realized_profit, bundle_hash, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.BeneficiaryID, st.OpportunityID, string(st.Kind),
		st.RealizedProfit.String(), st.BundleHash, st.SettledAt.UnixNano(),
	)
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("sqlite: insert settlement %s: %w", st.OpportunityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("sqlite: rows affected: %w", err)
	}

	entry, err := getEntry(ctx, tx, st.BeneficiaryID)
	if err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if n == 0 {
		return entry, false, tx.Commit()
	}

	entry = entry.Apply(st.RealizedProfit, st.SettledAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (beneficiary_id, profit, balance, settlements, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (beneficiary_id) DO UPDATE SET
			profit = excluded.profit,
			balance = excluded.balance,
			settlements = excluded.settlements,
			updated_at = excluded.updated_at`,
		entry.BeneficiaryID, entry.Profit.String(), entry.Balance.String(),
		entry.Settlements, entry.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("sqlite: credit ledger entry %s: %w", st.BeneficiaryID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("sqlite: commit settlement %s: %w", st.OpportunityID, err)
	}
	return entry, true, nil
}

func (s *LedgerStore) GetEntry(ctx context.Context, beneficiaryID string) (domain.LedgerEntry, error) {
	return getEntry(ctx, s.db, beneficiaryID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntry(ctx context.Context, q queryRower, beneficiaryID string) (domain.LedgerEntry, error) {
	var profit, balance string
	var updated int64
	entry := domain.LedgerEntry{BeneficiaryID: beneficiaryID}
	err := q.QueryRowContext(ctx,
		`SELECT profit, balance, settlements, updated_at FROM ledger_entries WHERE beneficiary_id = ?`,
		beneficiaryID,
	).Scan(&profit, &balance, &entry.Settlements, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ZeroEntry(beneficiaryID), nil
		}
		return domain.LedgerEntry{}, fmt.Errorf("sqlite: get ledger entry %s: %w", beneficiaryID, err)
	}
	if entry.Profit, err = decimal.NewFromString(profit); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("sqlite: parse profit: %w", err)
	}
	if entry.Balance, err = decimal.NewFromString(balance); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("sqlite: parse balance: %w", err)
	}
	entry.UpdatedAt = time.Unix(0, updated).UTC()
	return entry, nil
}

func (s *LedgerStore) GetSettlement(ctx context.Context, beneficiaryID, opportunityID string) (domain.Settlement, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, beneficiary_id, opportunity_id, kind, realized_profit, bundle_hash, settled_at
		FROM settlements WHERE beneficiary_id = ? AND opportunity_id = ?`,
		beneficiaryID, opportunityID,
	)
	st, err := scanSettlement(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Settlement{}, domain.ErrNotFound
		}
		return domain.Settlement{}, fmt.Errorf("sqlite: get settlement %s: %w", opportunityID, err)
	}
	return st, nil
}

func (s *LedgerStore) ListSettlements(ctx context.Context, beneficiaryID string, opts domain.ListOpts) ([]domain.Settlement, error) {
	query := `SELECT id, beneficiary_id, opportunity_id, kind, realized_profit, bundle_hash, settled_at
		FROM settlements WHERE beneficiary_id = ?`
	args := []any{beneficiaryID}
	if opts.Since != nil {
		query += " AND settled_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += " AND settled_at <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	query += " ORDER BY settled_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list settlements %s: %w", beneficiaryID, err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan settlement: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SumLosses adds up negative realized profits in Go, since amounts are TEXT.
func (s *LedgerStore) SumLosses(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_profit FROM settlements WHERE settled_at >= ? AND realized_profit LIKE '-%'`,
		since.UnixNano(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sqlite: sum losses: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, fmt.Errorf("sqlite: scan loss: %w", err)
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("sqlite: parse loss %q: %w", v, err)
		}
		total = total.Add(d.Neg())
	}
	return total, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row scanner) (domain.Settlement, error) {
	var st domain.Settlement
	var kind, profit string
	var settled int64
	if err := row.Scan(&st.ID, &st.BeneficiaryID, &st.OpportunityID, &kind, &profit, &st.BundleHash, &settled); err != nil {
		return domain.Settlement{}, err
	}
	d, err := decimal.NewFromString(profit)
	if err != nil {
		return domain.Settlement{}, err
	}
	st.Kind = domain.OpportunityKind(kind)
	st.RealizedProfit = d
	st.SettledAt = time.Unix(0, settled).UTC()
	return st, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
