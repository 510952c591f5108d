package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

func TestLedgerStore_ConcurrentRedeliveryCreditsOnce(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()
	st := domain.Settlement{
		ID:             "s1",
		BeneficiaryID:  "alice",
		OpportunityID:  "arb:WETH:uni:sushi",
		Kind:           domain.KindArbitrage,
		RealizedProfit: decimal.RequireFromString("2.25"),
		SettledAt:      time.Now().UTC(),
	}

	var wg sync.WaitGroup
	created := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.RecordSettlement(ctx, st)
			assert.NoError(t, err)
			created <- ok
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for ok := range created {
		if ok {
			n++
		}
	}
	assert.Equal(t, 1, n)

	entry, err := s.GetEntry(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, entry.Balance.Equal(decimal.RequireFromString("2.25")))
	assert.EqualValues(t, 1, entry.Settlements)
}

func TestLedgerStore_ListPagination(t *testing.T) {
	s := NewLedgerStore()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		_, _, err := s.RecordSettlement(ctx, domain.Settlement{
			ID: id, BeneficiaryID: "alice", OpportunityID: id,
			RealizedProfit: decimal.NewFromInt(1), SettledAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	page, err := s.ListSettlements(ctx, "alice", domain.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].OpportunityID)
	assert.Equal(t, "a", page[1].OpportunityID)
}
