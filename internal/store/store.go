// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL, Pebble (embedded), in-memory (for
// testing), and a Redis read-through cache wrapper.
//
// The interface deliberately offers only single-key atomic operations:
// increments, clamped draws, and compare-and-set transitions. There are no
// cross-key transactions; callers compensate on partial failure.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when an account or order does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientBalance is returned when a debit would take a balance
	// below zero. The balance is left unchanged.
	ErrInsufficientBalance = errors.New("store: insufficient balance")

	// ErrBalanceOverflow is returned when a credit would overflow the balance.
	ErrBalanceOverflow = errors.New("store: balance overflow")

	// ErrSlotTaken is returned when a user's open-order slot is already held.
	ErrSlotTaken = errors.New("store: open order slot taken")

	// ErrAlreadyPending is returned when a close is already in flight.
	ErrAlreadyPending = errors.New("store: close already pending")

	// ErrNotOpen is returned when a transition requires an open order.
	ErrNotOpen = errors.New("store: order is not open")

	// ErrInvalidField is returned for unknown vault or stats counters.
	ErrInvalidField = errors.New("store: invalid counter field")
)

// Closure is the terminal transition applied to an open order.
type Closure struct {
	Status     model.OrderStatus
	ExitPrice  decimal.Decimal
	PnL        int64
	Payout     int64
	NetworkFee int64
	ClosedAt   time.Time
}

// Store is the ledger persistence interface.
type Store interface {
	// --- Accounts ---

	// UpsertAccount creates the account with acc.Balance if absent, otherwise
	// updates profile fields and keeps the stored balance. Returns the stored row.
	UpsertAccount(ctx context.Context, acc *model.Account) (*model.Account, error)

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id int64) (*model.Account, error)

	// ListAccounts returns all accounts.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// CountAccounts returns the number of accounts.
	CountAccounts(ctx context.Context) (int, error)

	// AdjustBalance atomically adds delta to the balance and returns the new
	// value. Fails with ErrInsufficientBalance if the result would be negative
	// and ErrBalanceOverflow if it would not fit in int64.
	AdjustBalance(ctx context.Context, id int64, delta int64) (int64, error)

	// --- Open-order slot ---

	// ClaimOpenSlot sets the user's slot to orderID if it is empty.
	ClaimOpenSlot(ctx context.Context, userID int64, orderID string) error

	// ReleaseOpenSlot clears the user's slot if it holds orderID.
	ReleaseOpenSlot(ctx context.Context, userID int64, orderID string) error

	// --- Orders ---

	// InsertOrder persists a new order.
	InsertOrder(ctx context.Context, order *model.Order) error

	// DeleteOrder removes an order and its index entries. Deleting a missing
	// order is not an error, so a failed open can clean up a partial insert.
	DeleteOrder(ctx context.Context, id string) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOpenOrdersByUser returns the user's open orders, newest first.
	ListOpenOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)

	// ListOpenOrders returns every open order.
	ListOpenOrders(ctx context.Context) ([]model.Order, error)

	// MarkPendingClose flags an open order as closing. Fails with
	// ErrAlreadyPending if the flag is set, ErrNotOpen if the order is final.
	MarkPendingClose(ctx context.Context, id string) error

	// ClearPendingClose drops the closing flag of an open order.
	ClearPendingClose(ctx context.Context, id string) error

	// FinalizeOrder moves an open order to a terminal status.
	FinalizeOrder(ctx context.Context, id string, c Closure) error

	// ReopenOrder reverts a finalized order to open with the closing flag
	// cleared. Only used to compensate a failed settlement.
	ReopenOrder(ctx context.Context, id string) error

	// --- Vault ---

	// GetVault returns the vault singleton.
	GetVault(ctx context.Context) (model.Vault, error)

	// IncrVault atomically adds delta (>= 0) to a vault counter.
	IncrVault(ctx context.Context, field model.VaultField, delta int64) (int64, error)

	// DrawVault atomically subtracts up to amount from a vault counter,
	// never below zero, and returns the amount actually drawn.
	DrawVault(ctx context.Context, field model.VaultField, amount int64) (int64, error)

	// --- Stats ---

	// GetStats returns the stats singleton.
	GetStats(ctx context.Context) (model.Stats, error)

	// IncrStats atomically adds delta to a stats counter.
	IncrStats(ctx context.Context, field model.StatsField, delta int64) (int64, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*PebbleStore)(nil)
	_ Store = (*CachedStore)(nil)
)

// applyDelta returns balance+delta, rejecting negative and overflowing results.
func applyDelta(balance, delta int64) (int64, error) {
	if delta > 0 && balance > math.MaxInt64-delta {
		return balance, ErrBalanceOverflow
	}
	if balance+delta < 0 {
		return balance, ErrInsufficientBalance
	}
	return balance + delta, nil
}
