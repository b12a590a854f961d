package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rewardgame/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary. Counters (vault, stats) are never cached.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertAccount(ctx context.Context, acc *model.Account) (*model.Account, error) {
	out, err := s.primary.UpsertAccount(ctx, acc)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKeyR(out.ID), out)
	return out, nil
}

func (s *CachedStore) AdjustBalance(ctx context.Context, id int64, delta int64) (int64, error) {
	balance, err := s.primary.AdjustBalance(ctx, id, delta)
	if err != nil {
		return balance, err
	}
	s.invalidate(ctx, accountKeyR(id))
	return balance, nil
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	if err := s.primary.InsertOrder(ctx, o); err != nil {
		return err
	}
	s.invalidate(ctx, ordersKeyR(o.UserID))
	return nil
}

func (s *CachedStore) DeleteOrder(ctx context.Context, id string) error {
	o, err := s.primary.GetOrder(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.primary.DeleteOrder(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, ordersKeyR(o.UserID))
	return nil
}

func (s *CachedStore) MarkPendingClose(ctx context.Context, id string) error {
	return s.orderWrite(ctx, id, s.primary.MarkPendingClose)
}

func (s *CachedStore) ClearPendingClose(ctx context.Context, id string) error {
	return s.orderWrite(ctx, id, s.primary.ClearPendingClose)
}

func (s *CachedStore) FinalizeOrder(ctx context.Context, id string, c Closure) error {
	return s.orderWrite(ctx, id, func(ctx context.Context, id string) error {
		return s.primary.FinalizeOrder(ctx, id, c)
	})
}

func (s *CachedStore) ReopenOrder(ctx context.Context, id string) error {
	return s.orderWrite(ctx, id, s.primary.ReopenOrder)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	var a model.Account
	if s.lookup(ctx, accountKeyR(id), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	out, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKeyR(id), out)
	return out, nil
}

func (s *CachedStore) ListOpenOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	var orders []model.Order
	if s.lookup(ctx, ordersKeyR(userID), &orders) {
		return orders, nil
	}

	orders, err := s.primary.ListOpenOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ordersKeyR(userID), orders)
	return orders, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) CountAccounts(ctx context.Context) (int, error) {
	return s.primary.CountAccounts(ctx)
}

func (s *CachedStore) ClaimOpenSlot(ctx context.Context, userID int64, orderID string) error {
	return s.primary.ClaimOpenSlot(ctx, userID, orderID)
}

func (s *CachedStore) ReleaseOpenSlot(ctx context.Context, userID int64, orderID string) error {
	return s.primary.ReleaseOpenSlot(ctx, userID, orderID)
}

func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx)
}

func (s *CachedStore) GetVault(ctx context.Context) (model.Vault, error) {
	return s.primary.GetVault(ctx)
}

func (s *CachedStore) IncrVault(ctx context.Context, field model.VaultField, delta int64) (int64, error) {
	return s.primary.IncrVault(ctx, field, delta)
}

func (s *CachedStore) DrawVault(ctx context.Context, field model.VaultField, amount int64) (int64, error) {
	return s.primary.DrawVault(ctx, field, amount)
}

func (s *CachedStore) GetStats(ctx context.Context) (model.Stats, error) {
	return s.primary.GetStats(ctx)
}

func (s *CachedStore) IncrStats(ctx context.Context, field model.StatsField, delta int64) (int64, error) {
	return s.primary.IncrStats(ctx, field, delta)
}

// --- Cache helpers ---

// orderWrite runs a by-ID order mutation and drops the owner's order list.
func (s *CachedStore) orderWrite(ctx context.Context, id string, fn func(context.Context, string) error) error {
	if err := fn(ctx, id); err != nil {
		return err
	}
	if o, err := s.primary.GetOrder(ctx, id); err == nil {
		s.invalidate(ctx, ordersKeyR(o.UserID))
	}
	return nil
}

func (s *CachedStore) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		slog.Warn("cache invalidation failed", "key", key, "err", err)
	}
}

func accountKeyR(id int64) string    { return fmt.Sprintf("account:%d", id) }
func ordersKeyR(userID int64) string { return fmt.Sprintf("orders:%d", userID) }
