// Package memory provides in-process store implementations for dry runs and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

type settlementKey struct {
	beneficiary string
	opportunity string
}

// LedgerStore implements domain.LedgerStore in memory.
type LedgerStore struct {
	mu          sync.RWMutex
	entries     map[string]domain.LedgerEntry
	settlements map[settlementKey]domain.Settlement
}

// NewLedgerStore creates an empty LedgerStore.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		entries:     make(map[string]domain.LedgerEntry),
		settlements: make(map[settlementKey]domain.Settlement),
	}
}

func (s *LedgerStore) RecordSettlement(_ context.Context, st domain.Settlement) (domain.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := settlementKey{beneficiary: st.BeneficiaryID, opportunity: st.OpportunityID}
	entry, ok := s.entries[st.BeneficiaryID]
	if !ok {
		entry = domain.ZeroEntry(st.BeneficiaryID)
	}
	if _, dup := s.settlements[key]; dup {
		return entry, false, nil
	}

	s.settlements[key] = st
	entry = entry.Apply(st.RealizedProfit, st.SettledAt)
	s.entries[st.BeneficiaryID] = entry
	return entry, true, nil
}

func (s *LedgerStore) GetEntry(_ context.Context, beneficiaryID string) (domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[beneficiaryID]; ok {
		return e, nil
	}
	return domain.ZeroEntry(beneficiaryID), nil
}

func (s *LedgerStore) GetSettlement(_ context.Context, beneficiaryID, opportunityID string) (domain.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settlements[settlementKey{beneficiary: beneficiaryID, opportunity: opportunityID}]
	if !ok {
		return domain.Settlement{}, domain.ErrNotFound
	}
	return st, nil
}

func (s *LedgerStore) ListSettlements(_ context.Context, beneficiaryID string, opts domain.ListOpts) ([]domain.Settlement, error) {
	s.mu.RLock()
	var out []domain.Settlement
	for k, st := range s.settlements {
		if k.beneficiary != beneficiaryID {
			continue
		}
		if opts.Since != nil && st.SettledAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && st.SettledAt.After(*opts.Until) {
			continue
		}
		out = append(out, st)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.After(out[j].SettledAt) })
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *LedgerStore) SumLosses(_ context.Context, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, st := range s.settlements {
		if st.SettledAt.Before(since) || !st.RealizedProfit.IsNegative() {
			continue
		}
		total = total.Add(st.RealizedProfit.Neg())
	}
	return total, nil
}

var _ domain.LedgerStore = (*LedgerStore)(nil)
