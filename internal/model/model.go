// Package model defines the core domain types shared across the ledger engine.
// Token amounts are whole units held in int64. Prices use shopspring/decimal,
// never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leveraged position.
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == Long || s == Short
}

// OrderStatus is the lifecycle state of an order. open is the only
// non-terminal state.
type OrderStatus string

const (
	StatusOpen       OrderStatus = "open"
	StatusClosed     OrderStatus = "closed"
	StatusLiquidated OrderStatus = "liquidated"
)

// Account is a player's ledger account. Created on first contact, never deleted.
type Account struct {
	ID            int64     `json:"id" db:"id"`
	DisplayName   string    `json:"display_name" db:"display_name"`
	AvatarRef     string    `json:"avatar_ref" db:"avatar_ref"`
	WalletAddress string    `json:"wallet_address,omitempty" db:"wallet_address"`
	Balance       int64     `json:"balance" db:"balance"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Order is a single leveraged position. Settlement fields are only set on
// the terminal transition.
type Order struct {
	ID               string          `json:"id" db:"id"`
	UserID           int64           `json:"user_id" db:"user_id"`
	Side             Side            `json:"side" db:"side"`
	Leverage         int             `json:"leverage" db:"leverage"`
	Collateral       int64           `json:"collateral" db:"collateral"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
	Status           OrderStatus     `json:"status" db:"status"`
	PendingClose     bool            `json:"pending_close,omitempty" db:"pending_close"`

	ExitPrice  decimal.NullDecimal `json:"exit_price,omitempty" db:"exit_price"`
	PnL        int64               `json:"pnl,omitempty" db:"pnl"`
	Payout     int64               `json:"payout,omitempty" db:"payout"`
	NetworkFee int64               `json:"network_fee,omitempty" db:"network_fee"`
	ClosedAt   *time.Time          `json:"closed_at,omitempty" db:"closed_at"`
}

// IsOpen reports whether the order still backs collateral in the vault.
func (o *Order) IsOpen() bool {
	return o.Status == StatusOpen
}

// Settlement is the outcome written onto an order when it leaves the open state.
type Settlement struct {
	OrderID    string          `json:"order_id"`
	UserID     int64           `json:"user_id"`
	Status     OrderStatus     `json:"status"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        int64           `json:"pnl"`         // signed, ceil'd
	Payout     int64           `json:"payout"`      // returned to balance before network fee
	NetworkFee int64           `json:"network_fee"` // charged to the payout, credited to vault fees
	Credited   int64           `json:"credited"`    // payout - network fee
	Balance    int64           `json:"balance"`     // user balance after credit
	ClosedAt   time.Time       `json:"closed_at"`
}

// Vault is the shared solvency pool. All fields are non-negative.
type Vault struct {
	Fees     int64 `json:"fees"`
	Debt     int64 `json:"debt"`
	Deposits int64 `json:"deposits"`
	Credit   int64 `json:"credit"`
}

// VaultField names one counter of the vault singleton.
type VaultField string

const (
	VaultFees     VaultField = "fees"
	VaultDebt     VaultField = "debt"
	VaultDeposits VaultField = "deposits"
	VaultCredit   VaultField = "credit"
)

// Valid reports whether f is a known vault counter.
func (f VaultField) Valid() bool {
	switch f {
	case VaultFees, VaultDebt, VaultDeposits, VaultCredit:
		return true
	}
	return false
}

// Stats holds the incrementally maintained counters.
type Stats struct {
	TotalVolume       int64 `json:"total_volume"`
	TotalTransactions int64 `json:"total_transactions"`
}

// StatsField names one counter of the stats singleton.
type StatsField string

const (
	StatsVolume       StatsField = "total_volume"
	StatsTransactions StatsField = "total_transactions"
)

// Valid reports whether f is a known stats counter.
func (f StatsField) Valid() bool {
	return f == StatsVolume || f == StatsTransactions
}

// GlobalStats is the read view served to clients.
type GlobalStats struct {
	TotalUsers        int   `json:"total_users"`
	TotalVolume       int64 `json:"total_volume"`
	TotalTransactions int64 `json:"total_transactions"`
	Vault             Vault `json:"vault"`
}

// LeaderboardEntry is one row of the balance leaderboard.
type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref"`
	Balance     int64  `json:"balance"`
}

// Quote is a reference price observation.
type Quote struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}
