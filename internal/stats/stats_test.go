package stats_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewardgame/ledger-engine/internal/model"
	"github.com/rewardgame/ledger-engine/internal/stats"
	"github.com/rewardgame/ledger-engine/internal/store"
)

func TestRank_ByBalanceDescending(t *testing.T) {
	accounts := []model.Account{
		{ID: 1, Balance: 500},
		{ID: 2, Balance: 2000},
		{ID: 3, Balance: 100},
	}
	entries := stats.Rank(accounts, 0)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(2000), entries[0].Balance)
	assert.Equal(t, int64(500), entries[1].Balance)
	assert.Equal(t, int64(100), entries[2].Balance)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Rank)
	}
}

func TestRank_TiesAndLimit(t *testing.T) {
	accounts := []model.Account{
		{ID: 9, Balance: 700},
		{ID: 4, Balance: 700},
		{ID: 5, Balance: 10},
	}
	entries := stats.Rank(accounts, 2)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(4), entries[0].UserID)
	assert.Equal(t, int64(9), entries[1].UserID)
	// Input is not reordered.
	assert.Equal(t, int64(9), accounts[0].ID)
}

func seed(t *testing.T, st *store.MemoryStore, id, balance int64) {
	t.Helper()
	_, err := st.UpsertAccount(context.Background(), &model.Account{
		ID:          id,
		DisplayName: "player",
		Balance:     balance,
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestAggregator_Global(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seed(t, st, 1, 500)
	seed(t, st, 2, 2000)
	seed(t, st, 1, 999) // revisit does not add a user

	agg := stats.NewAggregator(st)
	require.NoError(t, agg.RecordVolume(ctx, 1000))
	require.NoError(t, agg.RecordVolume(ctx, 250))
	require.NoError(t, agg.IncrementTransactions(ctx))
	require.NoError(t, agg.IncrementTransactions(ctx))
	_, err := st.IncrVault(ctx, model.VaultFees, 12)
	require.NoError(t, err)

	gs, err := agg.Global(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, gs.TotalUsers)
	assert.Equal(t, int64(1250), gs.TotalVolume)
	assert.Equal(t, int64(2), gs.TotalTransactions)
	assert.Equal(t, int64(12), gs.Vault.Fees)
}

func TestAggregator_Leaderboard(t *testing.T) {
	st := store.NewMemoryStore()
	seed(t, st, 1, 500)
	seed(t, st, 2, 2000)
	seed(t, st, 3, 100)

	entries, err := stats.NewAggregator(st).Leaderboard(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{2, 1, 3}, []int64{entries[0].UserID, entries[1].UserID, entries[2].UserID})
}
