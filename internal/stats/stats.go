// Package stats maintains the game-wide counters and derived views:
// volume, transaction count, user count, and the balance leaderboard.
package stats

import (
	"context"
	"fmt"
	"sort"

	"github.com/rewardgame/ledger-engine/internal/model"
)

// Source is the subset of the store the aggregator reads and writes.
type Source interface {
	ListAccounts(ctx context.Context) ([]model.Account, error)
	CountAccounts(ctx context.Context) (int, error)
	GetStats(ctx context.Context) (model.Stats, error)
	IncrStats(ctx context.Context, field model.StatsField, delta int64) (int64, error)
	GetVault(ctx context.Context) (model.Vault, error)
}

// Aggregator records activity counters and serves aggregate views.
type Aggregator struct {
	src Source
}

// NewAggregator creates an aggregator.
func NewAggregator(src Source) *Aggregator {
	return &Aggregator{src: src}
}

// RecordVolume adds amount to the cumulative volume.
func (a *Aggregator) RecordVolume(ctx context.Context, amount int64) error {
	if _, err := a.src.IncrStats(ctx, model.StatsVolume, amount); err != nil {
		return fmt.Errorf("record volume: %w", err)
	}
	return nil
}

// IncrementTransactions counts one open or close event.
func (a *Aggregator) IncrementTransactions(ctx context.Context) error {
	if _, err := a.src.IncrStats(ctx, model.StatsTransactions, 1); err != nil {
		return fmt.Errorf("increment transactions: %w", err)
	}
	return nil
}

// CountUsers counts accounts rather than keeping a counter, so repeated
// visits by the same user are never double counted.
func (a *Aggregator) CountUsers(ctx context.Context) (int, error) {
	return a.src.CountAccounts(ctx)
}

// Global returns the combined stats view.
func (a *Aggregator) Global(ctx context.Context) (model.GlobalStats, error) {
	users, err := a.CountUsers(ctx)
	if err != nil {
		return model.GlobalStats{}, fmt.Errorf("count users: %w", err)
	}
	st, err := a.src.GetStats(ctx)
	if err != nil {
		return model.GlobalStats{}, fmt.Errorf("get stats: %w", err)
	}
	v, err := a.src.GetVault(ctx)
	if err != nil {
		return model.GlobalStats{}, fmt.Errorf("get vault: %w", err)
	}
	return model.GlobalStats{
		TotalUsers:        users,
		TotalVolume:       st.TotalVolume,
		TotalTransactions: st.TotalTransactions,
		Vault:             v,
	}, nil
}

// Leaderboard ranks accounts by balance, highest first. Ties are broken by
// ascending user ID. A non-positive limit returns every account.
func (a *Aggregator) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	accounts, err := a.src.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return Rank(accounts, limit), nil
}

// Rank orders accounts for the leaderboard.
func Rank(accounts []model.Account, limit int) []model.LeaderboardEntry {
	sorted := make([]model.Account, len(accounts))
	copy(sorted, accounts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Balance != sorted[j].Balance {
			return sorted[i].Balance > sorted[j].Balance
		}
		return sorted[i].ID < sorted[j].ID
	})
	if limit > 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}

	entries := make([]model.LeaderboardEntry, len(sorted))
	for i, acc := range sorted {
		entries[i] = model.LeaderboardEntry{
			Rank:        i + 1,
			UserID:      acc.ID,
			DisplayName: acc.DisplayName,
			AvatarRef:   acc.AvatarRef,
			Balance:     acc.Balance,
		}
	}
	return entries
}
