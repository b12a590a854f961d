// Package vault keeps the books of the shared solvency pool.
//
// The vault is the counterparty to every position: it collects opening and
// network fees, holds the collateral of open orders as deposits, pays
// winners out of those deposits and records any shortfall as debt. Losing
// collateral it keeps is tracked as credit.
//
// Every mutation is a single atomic store increment or clamped draw, never a
// read followed by a write.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/rewardgame/ledger-engine/internal/model"
)

// ErrNegativeAmount is returned for amounts that must be non-negative.
var ErrNegativeAmount = errors.New("vault: amount must be non-negative")

// Ledger is the subset of the store the accountant needs.
type Ledger interface {
	GetVault(ctx context.Context) (model.Vault, error)
	IncrVault(ctx context.Context, field model.VaultField, delta int64) (int64, error)
	DrawVault(ctx context.Context, field model.VaultField, amount int64) (int64, error)
}

// Split describes how a profit payout was funded.
type Split struct {
	FromDeposits int64 `json:"from_deposits"`
	FromDebt     int64 `json:"from_debt"`
}

// SplitProfit funds amount from deposits first; the shortfall becomes debt.
func SplitProfit(deposits, amount int64) Split {
	if amount <= 0 {
		return Split{}
	}
	fromDeposits := min(max(deposits, 0), amount)
	return Split{FromDeposits: fromDeposits, FromDebt: amount - fromDeposits}
}

// Accountant applies vault bookkeeping through a Ledger.
type Accountant struct {
	ledger Ledger
}

// NewAccountant creates an accountant over the given ledger.
func NewAccountant(l Ledger) *Accountant {
	return &Accountant{ledger: l}
}

// AddFee credits fee income.
func (a *Accountant) AddFee(ctx context.Context, amount int64) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	if amount == 0 {
		return nil
	}
	if _, err := a.ledger.IncrVault(ctx, model.VaultFees, amount); err != nil {
		return fmt.Errorf("add fee: %w", err)
	}
	return nil
}

// AdjustDeposits moves deposits by delta. Negative deltas are clamped so
// deposits never go below zero; the applied delta is returned.
func (a *Accountant) AdjustDeposits(ctx context.Context, delta int64) (int64, error) {
	switch {
	case delta > 0:
		if _, err := a.ledger.IncrVault(ctx, model.VaultDeposits, delta); err != nil {
			return 0, fmt.Errorf("increase deposits: %w", err)
		}
		return delta, nil
	case delta < 0:
		drawn, err := a.ledger.DrawVault(ctx, model.VaultDeposits, -delta)
		if err != nil {
			return 0, fmt.Errorf("decrease deposits: %w", err)
		}
		return -drawn, nil
	}
	return 0, nil
}

// AbsorbProfit pays out a trader's profit: from deposits first, with any
// shortfall added to debt. Debt never decreases.
func (a *Accountant) AbsorbProfit(ctx context.Context, amount int64) (Split, error) {
	if amount < 0 {
		return Split{}, ErrNegativeAmount
	}
	if amount == 0 {
		return Split{}, nil
	}
	drawn, err := a.ledger.DrawVault(ctx, model.VaultDeposits, amount)
	if err != nil {
		return Split{}, fmt.Errorf("draw deposits: %w", err)
	}
	split := Split{FromDeposits: drawn, FromDebt: amount - drawn}
	if split.FromDebt > 0 {
		if _, err := a.ledger.IncrVault(ctx, model.VaultDebt, split.FromDebt); err != nil {
			return split, fmt.Errorf("record debt: %w", err)
		}
	}
	return split, nil
}

// RetainLoss records collateral kept by the vault after a losing close.
func (a *Accountant) RetainLoss(ctx context.Context, amount int64) error {
	if amount < 0 {
		return ErrNegativeAmount
	}
	if amount == 0 {
		return nil
	}
	if _, err := a.ledger.IncrVault(ctx, model.VaultCredit, amount); err != nil {
		return fmt.Errorf("retain loss: %w", err)
	}
	return nil
}

// Snapshot returns the current vault state.
func (a *Accountant) Snapshot(ctx context.Context) (model.Vault, error) {
	return a.ledger.GetVault(ctx)
}
