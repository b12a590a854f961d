package account_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewardgame/ledger-engine/internal/account"
	"github.com/rewardgame/ledger-engine/internal/store"
)

func TestRegister_NewAccountGetsDefaults(t *testing.T) {
	reg := account.NewRegistry(store.NewMemoryStore(), 0)

	acc, err := reg.Register(context.Background(), account.Profile{ID: 42})
	require.NoError(t, err)
	assert.Equal(t, account.DefaultBalance, acc.Balance)
	assert.Equal(t, account.DefaultDisplayName, acc.DisplayName)
	assert.Equal(t, account.DefaultAvatarRef, acc.AvatarRef)
	assert.Equal(t, account.DefaultWallet, acc.WalletAddress)
}

func TestRegister_RevisitKeepsBalance(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := account.NewRegistry(st, 5000)

	_, err := reg.Register(ctx, account.Profile{ID: 7, DisplayName: "alice"})
	require.NoError(t, err)
	_, err = st.AdjustBalance(ctx, 7, -1200)
	require.NoError(t, err)

	acc, err := reg.Register(ctx, account.Profile{ID: 7, DisplayName: "alice2"})
	require.NoError(t, err)
	assert.Equal(t, int64(3800), acc.Balance)
	assert.Equal(t, "alice2", acc.DisplayName)

	got, err := reg.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(3800), got.Balance)
}

func TestRegister_InvalidInput(t *testing.T) {
	reg := account.NewRegistry(store.NewMemoryStore(), 0)

	_, err := reg.Register(context.Background(), account.Profile{ID: 0})
	assert.ErrorIs(t, err, account.ErrInvalidID)

	_, err = reg.Register(context.Background(), account.Profile{ID: 1, WalletAddress: "not-a-wallet"})
	assert.ErrorIs(t, err, account.ErrInvalidWallet)
}

func TestNormalizeWallet_Checksums(t *testing.T) {
	got, err := account.NormalizeWallet("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", got)

	got, err = account.NormalizeWallet("  ")
	require.NoError(t, err)
	assert.Equal(t, account.DefaultWallet, got)
}
