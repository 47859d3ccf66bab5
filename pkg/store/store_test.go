package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type oppDoc struct {
	Pair      string  `json:"pair"`
	ProfitPct float64 `json:"profit_pct"`
	Executed  bool    `json:"executed"`
}

func TestContainerAllowlist(t *testing.T) {
	_, err := containerTable("arbitrage_opportunities")
	require.NoError(t, err)
	_, err = containerTable("users; DROP TABLE strategies")
	assert.Error(t, err)
}

func TestMemStoreUpsertGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	in := oppDoc{Pair: "BTC/USDT", ProfitPct: 1.0}
	require.NoError(t, m.Upsert(ctx, ContainerArbOpportunities, "opp-1", "BTC/USDT", in))

	d, err := m.Get(ctx, ContainerArbOpportunities, "opp-1", "BTC/USDT")
	require.NoError(t, err)
	var out oppDoc
	require.NoError(t, Decode(d, &out))
	assert.Equal(t, in, out)

	// Wrong partition misses.
	_, err = m.Get(ctx, ContainerArbOpportunities, "opp-1", "ETH/USDT")
	assert.True(t, IsNotFound(err))
}

func TestMemStoreUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	in := oppDoc{Pair: "BTC/USDT", ProfitPct: 1.0}
	require.NoError(t, m.Upsert(ctx, ContainerArbOpportunities, "opp-1", "BTC/USDT", in))
	require.NoError(t, m.Upsert(ctx, ContainerArbOpportunities, "opp-1", "BTC/USDT", in))
	assert.Equal(t, 1, m.Count(ContainerArbOpportunities))
}

func TestMemStoreReplaceMissing(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	ok, err := m.Replace(ctx, ContainerArbExecutions, "exec-1", "opp-1", oppDoc{})
	require.NoError(t, err)
	assert.False(t, ok, "replace of a missing doc reports false")
}

func TestMemStoreQueryFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	require.NoError(t, m.Upsert(ctx, ContainerArbOpportunities, "a", "BTC/USDT", oppDoc{Pair: "BTC/USDT", Executed: true}))
	require.NoError(t, m.Upsert(ctx, ContainerArbOpportunities, "b", "BTC/USDT", oppDoc{Pair: "BTC/USDT", Executed: false}))
	require.NoError(t, m.Upsert(ctx, ContainerArbOpportunities, "c", "ETH/USDT", oppDoc{Pair: "ETH/USDT", Executed: true}))

	docs, err := m.Query(ctx, ContainerArbOpportunities, "BTC/USDT", map[string]any{"executed": true}, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a", docs[0].ID)

	all, err := m.Query(ctx, ContainerArbOpportunities, "BTC/USDT", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemStoreTransactional(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	err := m.Transactional(ctx, func(ctx context.Context, tx DocumentStore) error {
		return tx.Upsert(ctx, ContainerGasPrices, "ethereum", "ethereum", map[string]any{"gwei": 12.5})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count(ContainerGasPrices))
}
