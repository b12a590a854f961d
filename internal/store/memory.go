package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[int64]*model.Account
	orders   map[string]*model.Order
	byUser   map[int64]map[string]struct{}
	slots    map[int64]string
	vault    model.Vault
	stats    model.Stats
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*model.Account),
		orders:   make(map[string]*model.Order),
		byUser:   make(map[int64]map[string]struct{}),
		slots:    make(map[int64]string),
	}
}

func (s *MemoryStore) UpsertAccount(_ context.Context, acc *model.Account) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[acc.ID]
	if !ok {
		// Store a copy to avoid external mutation.
		copy := *acc
		if copy.UpdatedAt.IsZero() {
			copy.UpdatedAt = copy.CreatedAt
		}
		s.accounts[acc.ID] = &copy
		out := copy
		return &out, nil
	}

	existing.DisplayName = acc.DisplayName
	existing.AvatarRef = acc.AvatarRef
	existing.WalletAddress = acc.WalletAddress
	existing.UpdatedAt = acc.UpdatedAt
	out := *existing
	return &out, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *acc
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	return accounts, nil
}

func (s *MemoryStore) CountAccounts(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts), nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, id int64, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return 0, ErrNotFound
	}
	next, err := applyDelta(acc.Balance, delta)
	if err != nil {
		return acc.Balance, err
	}
	acc.Balance = next
	return acc.Balance, nil
}

func (s *MemoryStore) ClaimOpenSlot(_ context.Context, userID int64, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.slots[userID]; taken {
		return ErrSlotTaken
	}
	s.slots[userID] = orderID
	return nil
}

func (s *MemoryStore) ReleaseOpenSlot(_ context.Context, userID int64, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.slots[userID] == orderID {
		delete(s.slots, userID)
	}
	return nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *o
	s.orders[o.ID] = &copy
	idx, ok := s.byUser[o.UserID]
	if !ok {
		idx = make(map[string]struct{})
		s.byUser[o.UserID] = idx
	}
	idx[o.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) DeleteOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	delete(s.byUser[o.UserID], id)
	delete(s.orders, id)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOpenOrdersByUser(_ context.Context, userID int64) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for id := range s.byUser[userID] {
		if o := s.orders[id]; o.IsOpen() {
			result = append(result, *o)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.IsOpen() {
			result = append(result, *o)
		}
	}
	sortNewestFirst(result)
	return result, nil
}

func (s *MemoryStore) MarkPendingClose(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	switch {
	case !ok:
		return ErrNotFound
	case !o.IsOpen():
		return ErrNotOpen
	case o.PendingClose:
		return ErrAlreadyPending
	}
	o.PendingClose = true
	return nil
}

func (s *MemoryStore) ClearPendingClose(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	if o.IsOpen() {
		o.PendingClose = false
	}
	return nil
}

func (s *MemoryStore) FinalizeOrder(_ context.Context, id string, c Closure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
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
}

func (s *MemoryStore) ReopenOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = model.StatusOpen
	o.PendingClose = false
	o.ExitPrice = decimal.NullDecimal{}
	o.PnL, o.Payout, o.NetworkFee = 0, 0, 0
	o.ClosedAt = nil
	return nil
}

func (s *MemoryStore) GetVault(_ context.Context) (model.Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vault, nil
}

func (s *MemoryStore) IncrVault(_ context.Context, field model.VaultField, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := vaultCounter(&s.vault, field)
	if p == nil || delta < 0 {
		return 0, ErrInvalidField
	}
	*p += delta
	return *p, nil
}

func (s *MemoryStore) DrawVault(_ context.Context, field model.VaultField, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := vaultCounter(&s.vault, field)
	if p == nil || amount < 0 {
		return 0, ErrInvalidField
	}
	drawn := min(*p, amount)
	*p -= drawn
	return drawn, nil
}

func (s *MemoryStore) GetStats(_ context.Context) (model.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

func (s *MemoryStore) IncrStats(_ context.Context, field model.StatsField, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := statsCounter(&s.stats, field)
	if p == nil {
		return 0, ErrInvalidField
	}
	*p += delta
	return *p, nil
}

// vaultCounter returns a pointer to the named counter, or nil.
func vaultCounter(v *model.Vault, field model.VaultField) *int64 {
	switch field {
	case model.VaultFees:
		return &v.Fees
	case model.VaultDebt:
		return &v.Debt
	case model.VaultDeposits:
		return &v.Deposits
	case model.VaultCredit:
		return &v.Credit
	}
	return nil
}

func statsCounter(st *model.Stats, field model.StatsField) *int64 {
	switch field {
	case model.StatsVolume:
		return &st.TotalVolume
	case model.StatsTransactions:
		return &st.TotalTransactions
	}
	return nil
}

func sortNewestFirst(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].OpenedAt.Equal(orders[j].OpenedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].OpenedAt.After(orders[j].OpenedAt)
	})
}
