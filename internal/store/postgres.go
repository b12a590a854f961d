package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// pgNumericOutOfRange is the SQLSTATE raised when BIGINT arithmetic overflows.
const pgNumericOutOfRange = "22003"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Prices are stored as NUMERIC for exact decimal precision. Every mutation
// is a single statement, so per-row atomicity comes from the database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Safe to run on every start.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const accountColumns = `id, display_name, avatar_ref, wallet_address, balance, created_at, updated_at`

func (s *PostgresStore) UpsertAccount(ctx context.Context, a *model.Account) (*model.Account, error) {
	updatedAt := a.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = a.CreatedAt
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     avatar_ref = EXCLUDED.avatar_ref,
		     wallet_address = EXCLUDED.wallet_address,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+accountColumns,
		a.ID, a.DisplayName, a.AvatarRef, a.WalletAddress, a.Balance, a.CreatedAt, updatedAt,
	)
	out, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("upsert account %d: %w", a.ID, err)
	}
	return out, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY balance DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

func (s *PostgresStore) AdjustBalance(ctx context.Context, id int64, delta int64) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $2, updated_at = NOW()
		 WHERE id = $1 AND balance + $2 >= 0
		 RETURNING balance`, id, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgNumericOutOfRange {
		return 0, ErrBalanceOverflow
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("adjust balance %d: %w", id, err)
	}

	// No row matched: either the account is missing or the guard failed.
	if err := s.pool.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return balance, ErrInsufficientBalance
}

func (s *PostgresStore) ClaimOpenSlot(ctx context.Context, userID int64, orderID string) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO open_slots (user_id, order_id) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`, userID, orderID)
	if err != nil {
		return fmt.Errorf("claim slot %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotTaken
	}
	return nil
}

func (s *PostgresStore) ReleaseOpenSlot(ctx context.Context, userID int64, orderID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM open_slots WHERE user_id = $1 AND order_id = $2`, userID, orderID)
	return err
}

const orderColumns = `id, user_id, side, leverage, collateral,
	entry_price::TEXT, liquidation_price::TEXT, opened_at, status, pending_close,
	exit_price::TEXT, pnl, payout, network_fee, closed_at`

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, user_id, side, leverage, collateral,
		                     entry_price, liquidation_price, opened_at, status, pending_close)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10)`,
		o.ID, o.UserID, string(o.Side), o.Leverage, o.Collateral,
		o.EntryPrice.String(), o.LiquidationPrice.String(),
		o.OpenedAt, string(o.Status), o.PendingClose,
	)
	return err
}

func (s *PostgresStore) DeleteOrder(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) ListOpenOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND status = 'open'
		 ORDER BY opened_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE status = 'open'
		 ORDER BY opened_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func (s *PostgresStore) MarkPendingClose(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET pending_close = TRUE
		 WHERE id = $1 AND status = 'open' AND NOT pending_close`, id)
	if err != nil {
		return fmt.Errorf("mark pending %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.transitionFailure(ctx, id, ErrAlreadyPending)
}

func (s *PostgresStore) ClearPendingClose(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders SET pending_close = FALSE WHERE id = $1 AND status = 'open'`, id)
	return err
}

func (s *PostgresStore) FinalizeOrder(ctx context.Context, id string, c Closure) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = $2, pending_close = FALSE, exit_price = $3::NUMERIC,
		     pnl = $4, payout = $5, network_fee = $6, closed_at = $7
		 WHERE id = $1 AND status = 'open'`,
		id, string(c.Status), c.ExitPrice.String(), c.PnL, c.Payout, c.NetworkFee, c.ClosedAt)
	if err != nil {
		return fmt.Errorf("finalize order %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.transitionFailure(ctx, id, ErrNotOpen)
}

func (s *PostgresStore) ReopenOrder(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET status = 'open', pending_close = FALSE, exit_price = NULL,
		     pnl = 0, payout = 0, network_fee = 0, closed_at = NULL
		 WHERE id = $1`, id)
	return err
}

// transitionFailure explains why a conditional order update matched no row.
func (s *PostgresStore) transitionFailure(ctx context.Context, id string, fallback error) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if model.OrderStatus(status) != model.StatusOpen {
		return ErrNotOpen
	}
	return fallback
}

func (s *PostgresStore) GetVault(ctx context.Context) (model.Vault, error) {
	var v model.Vault
	err := s.pool.QueryRow(ctx,
		`SELECT fees, debt, deposits, credit FROM vault WHERE id = 1`).
		Scan(&v.Fees, &v.Debt, &v.Deposits, &v.Credit)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Vault{}, nil
	}
	return v, err
}

func (s *PostgresStore) IncrVault(ctx context.Context, field model.VaultField, delta int64) (int64, error) {
	if !field.Valid() || delta < 0 {
		return 0, ErrInvalidField
	}
	// field is whitelisted above, so it is safe to interpolate.
	var v int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE vault SET %[1]s = %[1]s + $1 WHERE id = 1 RETURNING %[1]s`, field),
		delta).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("incr vault %s: %w", field, err)
	}
	return v, nil
}

func (s *PostgresStore) DrawVault(ctx context.Context, field model.VaultField, amount int64) (int64, error) {
	if !field.Valid() || amount < 0 {
		return 0, ErrInvalidField
	}
	var drawn int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE vault v SET %[1]s = v.%[1]s - d.drawn
		 FROM (SELECT LEAST(%[1]s, $1) AS drawn FROM vault WHERE id = 1 FOR UPDATE) d
		 WHERE v.id = 1
		 RETURNING d.drawn`, field),
		amount).Scan(&drawn)
	if err != nil {
		return 0, fmt.Errorf("draw vault %s: %w", field, err)
	}
	return drawn, nil
}

func (s *PostgresStore) GetStats(ctx context.Context) (model.Stats, error) {
	var st model.Stats
	err := s.pool.QueryRow(ctx,
		`SELECT total_volume, total_transactions FROM stats WHERE id = 1`).
		Scan(&st.TotalVolume, &st.TotalTransactions)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Stats{}, nil
	}
	return st, err
}

func (s *PostgresStore) IncrStats(ctx context.Context, field model.StatsField, delta int64) (int64, error) {
	if !field.Valid() {
		return 0, ErrInvalidField
	}
	var v int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE stats SET %[1]s = %[1]s + $1 WHERE id = 1 RETURNING %[1]s`, field),
		delta).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("incr stats %s: %w", field, err)
	}
	return v, nil
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row pgxRow) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(&a.ID, &a.DisplayName, &a.AvatarRef, &a.WalletAddress,
		&a.Balance, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanOrder(row pgxRow) (*model.Order, error) {
	var o model.Order
	var side, status, entryS, liqS string
	var exitS *string
	var closedAt *time.Time

	if err := row.Scan(&o.ID, &o.UserID, &side, &o.Leverage, &o.Collateral,
		&entryS, &liqS, &o.OpenedAt, &status, &o.PendingClose,
		&exitS, &o.PnL, &o.Payout, &o.NetworkFee, &closedAt); err != nil {
		return nil, err
	}

	o.Side = model.Side(side)
	o.Status = model.OrderStatus(status)
	o.EntryPrice, _ = decimal.NewFromString(entryS)
	o.LiquidationPrice, _ = decimal.NewFromString(liqS)
	if exitS != nil {
		if exit, err := decimal.NewFromString(*exitS); err == nil {
			o.ExitPrice = decimal.NewNullDecimal(exit)
		}
	}
	o.ClosedAt = closedAt
	return &o, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
