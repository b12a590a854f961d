// Package account registers players on first contact and keeps their
// profile fields current. Balances are never touched here after creation.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rewardgame/ledger-engine/internal/model"
)

const (
	// DefaultBalance is the play-token grant for a new account.
	DefaultBalance int64 = 1_000_000

	DefaultDisplayName = "anonymous"
	DefaultAvatarRef   = "https://i.imgur.com/I2rEbPF.png"
	DefaultWallet      = "0x000000000000000000000000000000000000dEaD"
)

var (
	// ErrInvalidID is returned for a non-positive user ID.
	ErrInvalidID = errors.New("account: id must be positive")

	// ErrInvalidWallet is returned for a malformed wallet address.
	ErrInvalidWallet = errors.New("account: invalid wallet address")
)

// Store is the subset of the ledger store the registry needs.
type Store interface {
	UpsertAccount(ctx context.Context, acc *model.Account) (*model.Account, error)
	GetAccount(ctx context.Context, id int64) (*model.Account, error)
}

// Profile is what a client reports about a player.
type Profile struct {
	ID            int64  `json:"id"`
	DisplayName   string `json:"display_name"`
	AvatarRef     string `json:"avatar_ref"`
	WalletAddress string `json:"wallet_address"`
}

// Registry creates and refreshes accounts.
type Registry struct {
	store          Store
	initialBalance int64
	now            func() time.Time
}

// NewRegistry creates a registry granting initialBalance to new accounts.
// A non-positive initialBalance falls back to DefaultBalance.
func NewRegistry(st Store, initialBalance int64) *Registry {
	if initialBalance <= 0 {
		initialBalance = DefaultBalance
	}
	return &Registry{
		store:          st,
		initialBalance: initialBalance,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Register records a visit. A new player gets the initial balance; a
// returning player keeps theirs and has their profile refreshed.
func (r *Registry) Register(ctx context.Context, p Profile) (*model.Account, error) {
	if p.ID <= 0 {
		return nil, ErrInvalidID
	}
	wallet, err := NormalizeWallet(p.WalletAddress)
	if err != nil {
		return nil, err
	}

	now := r.now()
	acc := &model.Account{
		ID:            p.ID,
		DisplayName:   orDefault(p.DisplayName, DefaultDisplayName),
		AvatarRef:     orDefault(p.AvatarRef, DefaultAvatarRef),
		WalletAddress: wallet,
		Balance:       r.initialBalance,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	out, err := r.store.UpsertAccount(ctx, acc)
	if err != nil {
		return nil, fmt.Errorf("register %d: %w", p.ID, err)
	}
	return out, nil
}

// Get returns an account by ID.
func (r *Registry) Get(ctx context.Context, id int64) (*model.Account, error) {
	return r.store.GetAccount(ctx, id)
}

// NormalizeWallet validates a hex address and returns its EIP-55 checksum
// form. An empty address maps to DefaultWallet.
func NormalizeWallet(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return DefaultWallet, nil
	}
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWallet, addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
