package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/model"
)

// Key schema:
//
//	acc:<userID>             → Account
//	ord:<orderID>            → Order
//	uord:<userID>:<orderID>  → (empty) per-user order index
//	slot:<userID>            → orderID holding the open-order slot
//	vault                    → Vault
//	stats                    → Stats
const (
	prefixAccount   = "acc:"
	prefixOrder     = "ord:"
	prefixUserOrder = "uord:"
	prefixSlot      = "slot:"
	keyVault        = "vault"
	keyStats        = "stats"
)

func accountKey(id int64) []byte     { return []byte(prefixAccount + strconv.FormatInt(id, 10)) }
func orderKey(id string) []byte      { return []byte(prefixOrder + id) }
func slotKey(userID int64) []byte    { return []byte(prefixSlot + strconv.FormatInt(userID, 10)) }
func userOrderPrefix(u int64) []byte { return []byte(fmt.Sprintf("%s%d:", prefixUserOrder, u)) }
func userOrderKey(u int64, id string) []byte {
	return append(userOrderPrefix(u), id...)
}

// PebbleStore implements Store on an embedded Pebble database. Pebble has no
// conditional writes, so read-modify-write sequences are serialized by mu;
// multi-key writes go through a single batch.
type PebbleStore struct {
	db *pebble.DB
	mu sync.Mutex
}

// NewPebbleStore opens (or creates) a Pebble database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) UpsertAccount(_ context.Context, acc *model.Account) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out model.Account
	found, err := s.getJSON(accountKey(acc.ID), &out)
	if err != nil {
		return nil, err
	}
	if !found {
		out = *acc
		if out.UpdatedAt.IsZero() {
			out.UpdatedAt = out.CreatedAt
		}
	} else {
		out.DisplayName = acc.DisplayName
		out.AvatarRef = acc.AvatarRef
		out.WalletAddress = acc.WalletAddress
		out.UpdatedAt = acc.UpdatedAt
	}
	if err := s.setJSON(accountKey(acc.ID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PebbleStore) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	var a model.Account
	found, err := s.getJSON(accountKey(id), &a)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *PebbleStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := s.scan([]byte(prefixAccount), func(_, val []byte) error {
		var a model.Account
		if err := json.Unmarshal(val, &a); err != nil {
			return fmt.Errorf("decode account: %w", err)
		}
		accounts = append(accounts, a)
		return nil
	})
	return accounts, err
}

func (s *PebbleStore) CountAccounts(_ context.Context) (int, error) {
	n := 0
	err := s.scan([]byte(prefixAccount), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}

func (s *PebbleStore) AdjustBalance(_ context.Context, id int64, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a model.Account
	found, err := s.getJSON(accountKey(id), &a)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	next, err := applyDelta(a.Balance, delta)
	if err != nil {
		return a.Balance, err
	}
	a.Balance = next
	if err := s.setJSON(accountKey(id), &a); err != nil {
		return 0, err
	}
	return a.Balance, nil
}

func (s *PebbleStore) ClaimOpenSlot(_ context.Context, userID int64, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, found, err := s.getRaw(slotKey(userID))
	if err != nil {
		return err
	}
	if found {
		return ErrSlotTaken
	}
	return s.db.Set(slotKey(userID), []byte(orderID), pebble.Sync)
}

func (s *PebbleStore) ReleaseOpenSlot(_ context.Context, userID int64, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, found, err := s.getRaw(slotKey(userID))
	if err != nil || !found || string(held) != orderID {
		return err
	}
	return s.db.Delete(slotKey(userID), pebble.Sync)
}

func (s *PebbleStore) InsertOrder(_ context.Context, o *model.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(userOrderKey(o.UserID, o.ID), nil, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var o model.Order
	found, err := s.getJSON(orderKey(id), &o)
	if err != nil || !found {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(orderKey(id), nil); err != nil {
		return err
	}
	if err := b.Delete(userOrderKey(o.UserID, id), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	var o model.Order
	found, err := s.getJSON(orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *PebbleStore) ListOpenOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	prefix := userOrderPrefix(userID)
	var ids []string
	err := s.scan(prefix, func(key, _ []byte) error {
		ids = append(ids, string(key[len(prefix):]))
		return nil
	})
	if err != nil {
		return nil, err
	}

	var result []model.Order
	for _, id := range ids {
		var o model.Order
		found, err := s.getJSON(orderKey(id), &o)
		if err != nil {
			return nil, err
		}
		if found && o.IsOpen() {
			result = append(result, o)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *PebbleStore) ListOpenOrders(_ context.Context) ([]model.Order, error) {
	var result []model.Order
	err := s.scan([]byte(prefixOrder), func(_, val []byte) error {
		var o model.Order
		if err := json.Unmarshal(val, &o); err != nil {
			return fmt.Errorf("decode order: %w", err)
		}
		if o.IsOpen() {
			result = append(result, o)
		}
		return nil
	})
	sortNewestFirst(result)
	return result, err
}

func (s *PebbleStore) MarkPendingClose(_ context.Context, id string) error {
	return s.updateOrder(id, func(o *model.Order) error {
		if !o.IsOpen() {
			return ErrNotOpen
		}
		if o.PendingClose {
			return ErrAlreadyPending
		}
		o.PendingClose = true
		return nil
	})
}

func (s *PebbleStore) ClearPendingClose(_ context.Context, id string) error {
	return s.updateOrder(id, func(o *model.Order) error {
		if o.IsOpen() {
			o.PendingClose = false
		}
		return nil
	})
}

func (s *PebbleStore) FinalizeOrder(_ context.Context, id string, c Closure) error {
	return s.updateOrder(id, func(o *model.Order) error {
		if !o.IsOpen() {
			return ErrNotOpen
		}
		closedAt := c.ClosedAt
		o.Status = c.Status
		o.PendingClose = false
		o.ExitPrice = decimal.NewNullDecimal(c.ExitPrice)
		o.PnL = c.PnL
		o.Payout = c.Payout
		o.NetworkFee = c.NetworkFee
		o.ClosedAt = &closedAt
		return nil
	})
}

func (s *PebbleStore) ReopenOrder(_ context.Context, id string) error {
	return s.updateOrder(id, func(o *model.Order) error {
		o.Status = model.StatusOpen
		o.PendingClose = false
		o.ExitPrice = decimal.NullDecimal{}
		o.PnL, o.Payout, o.NetworkFee = 0, 0, 0
		o.ClosedAt = nil
		return nil
	})
}

func (s *PebbleStore) GetVault(_ context.Context) (model.Vault, error) {
	var v model.Vault
	_, err := s.getJSON([]byte(keyVault), &v)
	return v, err
}

func (s *PebbleStore) IncrVault(_ context.Context, field model.VaultField, delta int64) (int64, error) {
	if delta < 0 {
		return 0, ErrInvalidField
	}
	return s.updateVault(field, func(int64) int64 { return delta })
}

func (s *PebbleStore) DrawVault(_ context.Context, field model.VaultField, amount int64) (int64, error) {
	if amount < 0 {
		return 0, ErrInvalidField
	}
	var drawn int64
	_, err := s.updateVault(field, func(cur int64) int64 {
		drawn = min(cur, amount)
		return -drawn
	})
	return drawn, err
}

func (s *PebbleStore) GetStats(_ context.Context) (model.Stats, error) {
	var st model.Stats
	_, err := s.getJSON([]byte(keyStats), &st)
	return st, err
}

func (s *PebbleStore) IncrStats(_ context.Context, field model.StatsField, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st model.Stats
	if _, err := s.getJSON([]byte(keyStats), &st); err != nil {
		return 0, err
	}
	p := statsCounter(&st, field)
	if p == nil {
		return 0, ErrInvalidField
	}
	*p += delta
	if err := s.setJSON([]byte(keyStats), &st); err != nil {
		return 0, err
	}
	return *p, nil
}

// updateVault applies the delta returned by fn to one vault counter.
func (s *PebbleStore) updateVault(field model.VaultField, fn func(cur int64) int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v model.Vault
	if _, err := s.getJSON([]byte(keyVault), &v); err != nil {
		return 0, err
	}
	p := vaultCounter(&v, field)
	if p == nil {
		return 0, ErrInvalidField
	}
	*p += fn(*p)
	if err := s.setJSON([]byte(keyVault), &v); err != nil {
		return 0, err
	}
	return *p, nil
}

func (s *PebbleStore) updateOrder(id string, fn func(o *model.Order) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var o model.Order
	found, err := s.getJSON(orderKey(id), &o)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if err := fn(&o); err != nil {
		return err
	}
	return s.setJSON(orderKey(id), &o)
}

func (s *PebbleStore) getRaw(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	val, found, err := s.getRaw(key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Set(key, data, pebble.Sync)
}

// scan calls fn for every key with the given prefix.
func (s *PebbleStore) scan(prefix []byte, fn func(key, val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
