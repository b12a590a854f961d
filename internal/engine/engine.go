// Package engine opens, closes and liquidates leveraged positions against
// the shared ledger.
//
// There is no global lock. Each operation validates every precondition
// before its first write, then performs a short sequence of single-key
// atomic store operations. A user's open-order slot (CAS) prevents
// duplicate opens and an order's pending-close flag (CAS) prevents
// duplicate closes. If a step fails after an earlier write succeeded, the
// earlier writes are compensated and ErrStoreUnavailable is returned.
// Once the order write has committed, vault and stats bookkeeping failures
// are logged and counted but never undo the trade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/metrics"
	"github.com/rewardgame/ledger-engine/internal/model"
	"github.com/rewardgame/ledger-engine/internal/oracle"
	"github.com/rewardgame/ledger-engine/internal/pricing"
	"github.com/rewardgame/ledger-engine/internal/pubsub"
	"github.com/rewardgame/ledger-engine/internal/risk"
	"github.com/rewardgame/ledger-engine/internal/stats"
	"github.com/rewardgame/ledger-engine/internal/store"
	"github.com/rewardgame/ledger-engine/internal/vault"
)

// compensationTimeout bounds writes that run after the caller's context
// may already be gone.
const compensationTimeout = 5 * time.Second

// Config holds the trading parameters. Zero values take defaults.
type Config struct {
	FeeRate         decimal.Decimal
	AllowedLeverage []int
	MaxDeviation    decimal.Decimal
}

// OpenRequest asks to open a position at the client's observed price.
type OpenRequest struct {
	UserID      int64           `json:"user_id"`
	Side        model.Side      `json:"side"`
	Leverage    int             `json:"leverage"`
	Collateral  int64           `json:"collateral"`
	ClientPrice decimal.Decimal `json:"client_price"`
}

// CloseRequest asks to close an open position.
type CloseRequest struct {
	UserID     int64  `json:"user_id"`
	OrderID    string `json:"order_id"`
	NetworkFee int64  `json:"network_fee"`
}

// BalanceUpdate is the payload of a balance event.
type BalanceUpdate struct {
	UserID  int64 `json:"user_id"`
	Balance int64 `json:"balance"`
}

// Engine is the order engine.
type Engine struct {
	store  store.Store
	oracle oracle.Oracle
	pub    pubsub.Publisher
	guard  *risk.Guard
	calc   *pricing.Calculator
	vault  *vault.Accountant
	stats  *stats.Aggregator

	now   func() time.Time
	newID func() string
}

// New creates an engine. pub may be nil, in which case no events are sent.
func New(st store.Store, orc oracle.Oracle, pub pubsub.Publisher, cfg Config) (*Engine, error) {
	calc, err := pricing.NewCalculator(cfg.FeeRate)
	if err != nil {
		return nil, err
	}
	return &Engine{
		store:  st,
		oracle: orc,
		pub:    pub,
		guard:  risk.NewGuard(cfg.AllowedLeverage, cfg.MaxDeviation),
		calc:   calc,
		vault:  vault.NewAccountant(st),
		stats:  stats.NewAggregator(st),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}, nil
}

// Stats returns the aggregator the engine records into.
func (e *Engine) Stats() *stats.Aggregator {
	return e.stats
}

// OpenPosition debits collateral plus the opening fee and records a new
// open order at the oracle price.
func (e *Engine) OpenPosition(ctx context.Context, req OpenRequest) (order *model.Order, err error) {
	start := time.Now()
	defer func() { observe("open", req.Side, start, err) }()

	if req.UserID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidRequest)
	}
	if err := e.guard.CheckOrder(req.Side, req.Leverage, req.Collateral); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !req.ClientPrice.IsPositive() {
		return nil, fmt.Errorf("%w: client price must be positive", ErrInvalidRequest)
	}

	quote, err := e.oracle.CurrentPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	if err := e.guard.CheckDeviation(req.ClientPrice, quote.Price); err != nil {
		if errors.Is(err, risk.ErrPriceDeviation) {
			return nil, fmt.Errorf("%w: %w", ErrPriceDeviation, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}

	fee, totalDebit, err := e.calc.TotalDebit(req.Collateral)
	if err != nil {
		return nil, fmt.Errorf("%w: collateral %d: %w", ErrInvalidRequest, req.Collateral, err)
	}

	acc, err := e.store.GetAccount(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: account %d", ErrNotFound, req.UserID)
		}
		return nil, unavailable("get account", err)
	}
	if acc.Balance < totalDebit {
		return nil, fmt.Errorf("%w: balance %d < %d", ErrInsufficientBalance, acc.Balance, totalDebit)
	}

	order = &model.Order{
		ID:               e.newID(),
		UserID:           req.UserID,
		Side:             req.Side,
		Leverage:         req.Leverage,
		Collateral:       req.Collateral,
		EntryPrice:       quote.Price,
		LiquidationPrice: pricing.LiquidationPrice(req.Side, quote.Price, req.Leverage),
		OpenedAt:         e.now(),
		Status:           model.StatusOpen,
	}

	if err := e.store.ClaimOpenSlot(ctx, req.UserID, order.ID); err != nil {
		if errors.Is(err, store.ErrSlotTaken) {
			return nil, ErrDuplicateOpenOrder
		}
		return nil, unavailable("claim slot", err)
	}

	balance, err := e.store.AdjustBalance(ctx, req.UserID, -totalDebit)
	if err != nil {
		e.compensate(ctx, "release_slot", func(ctx context.Context) error {
			return e.store.ReleaseOpenSlot(ctx, req.UserID, order.ID)
		})
		if errors.Is(err, store.ErrInsufficientBalance) {
			return nil, fmt.Errorf("%w: debit of %d rejected", ErrInsufficientBalance, totalDebit)
		}
		return nil, unavailable("debit balance", err)
	}

	if err := e.store.InsertOrder(ctx, order); err != nil {
		e.compensate(ctx, "delete_order", func(ctx context.Context) error {
			return e.store.DeleteOrder(ctx, order.ID)
		})
		e.compensate(ctx, "refund_open", func(ctx context.Context) error {
			_, err := e.store.AdjustBalance(ctx, req.UserID, totalDebit)
			return err
		})
		e.compensate(ctx, "release_slot", func(ctx context.Context) error {
			return e.store.ReleaseOpenSlot(ctx, req.UserID, order.ID)
		})
		return nil, unavailable("insert order", err)
	}

	// Committed. Nothing below may fail the request.
	bctx := context.WithoutCancel(ctx)
	e.bookkeep(bctx, "vault_fee", func(ctx context.Context) error {
		return e.vault.AddFee(ctx, fee)
	})
	e.bookkeep(bctx, "vault_deposits", func(ctx context.Context) error {
		_, err := e.vault.AdjustDeposits(ctx, order.Collateral)
		return err
	})
	e.bookkeep(bctx, "stats_volume", func(ctx context.Context) error {
		return e.stats.RecordVolume(ctx, order.Collateral)
	})
	e.bookkeep(bctx, "stats_transactions", func(ctx context.Context) error {
		return e.stats.IncrementTransactions(ctx)
	})

	metrics.OpenPositions.Inc()
	metrics.Volume.WithLabelValues(string(order.Side)).Add(float64(order.Collateral))
	slog.Info("position opened",
		"order_id", order.ID,
		"user_id", order.UserID,
		"side", order.Side,
		"leverage", order.Leverage,
		"collateral", order.Collateral,
		"fee", fee,
		"entry_price", order.EntryPrice.String(),
		"liquidation_price", order.LiquidationPrice.String(),
		"balance", balance,
	)

	e.publish(bctx, pubsub.UserKey(order.UserID), pubsub.TypeOrderOpened, order)
	e.publish(bctx, pubsub.UserKey(order.UserID), pubsub.TypeBalance, BalanceUpdate{UserID: order.UserID, Balance: balance})
	e.publishStats(bctx)
	return order, nil
}

// ClosePosition settles an open order at the oracle price and credits the
// payout, less the network fee, back to the user.
func (e *Engine) ClosePosition(ctx context.Context, req CloseRequest) (s *model.Settlement, err error) {
	start := time.Now()
	var side model.Side
	defer func() { observe("close", side, start, err) }()

	if req.UserID <= 0 || req.OrderID == "" {
		return nil, fmt.Errorf("%w: user id and order id are required", ErrInvalidRequest)
	}
	if req.NetworkFee < 0 {
		return nil, fmt.Errorf("%w: network fee must be non-negative", ErrInvalidRequest)
	}

	order, err := e.store.GetOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, req.OrderID)
		}
		return nil, unavailable("get order", err)
	}
	side = order.Side
	// Another user's order is reported exactly like a missing one.
	if order.UserID != req.UserID || !order.IsOpen() {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, req.OrderID)
	}

	if err := e.markPending(ctx, order.ID); err != nil {
		return nil, err
	}

	quote, err := e.oracle.CurrentPrice(ctx)
	if err != nil {
		e.clearPending(ctx, order.ID)
		return nil, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}

	return e.settle(ctx, order, quote.Price, req.NetworkFee, model.StatusClosed)
}

// Liquidate force-closes an order whose mark price has crossed its
// liquidation price. No network fee is charged.
func (e *Engine) Liquidate(ctx context.Context, order *model.Order, mark decimal.Decimal) (s *model.Settlement, err error) {
	start := time.Now()
	defer func() { observe("liquidate", order.Side, start, err) }()

	if !order.IsOpen() {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, order.ID)
	}
	if !pricing.ShouldLiquidate(order.Side, order.LiquidationPrice, mark) {
		return nil, fmt.Errorf("%w: mark %s has not crossed %s", ErrInvalidRequest, mark, order.LiquidationPrice)
	}
	if err := e.markPending(ctx, order.ID); err != nil {
		return nil, err
	}
	return e.settle(ctx, order, mark, 0, model.StatusLiquidated)
}

// UserOrders returns the user's open orders, newest first.
func (e *Engine) UserOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: user id must be positive", ErrInvalidRequest)
	}
	orders, err := e.store.ListOpenOrdersByUser(ctx, userID)
	if err != nil {
		return nil, unavailable("list orders", err)
	}
	if orders == nil {
		orders = []model.Order{}
	}
	return orders, nil
}

// CurrentPrice exposes the oracle quote the engine trades against.
func (e *Engine) CurrentPrice(ctx context.Context) (model.Quote, error) {
	q, err := e.oracle.CurrentPrice(ctx)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	return q, nil
}

// settle runs the terminal transition of an order whose pending-close flag
// is held by the caller.
func (e *Engine) settle(ctx context.Context, order *model.Order, mark decimal.Decimal, networkFee int64, status model.OrderStatus) (*model.Settlement, error) {
	out := pricing.Settle(order, mark, networkFee)
	closedAt := e.now()
	pnl := out.PnL.Ceil().IntPart()

	err := e.store.FinalizeOrder(ctx, order.ID, store.Closure{
		Status:     status,
		ExitPrice:  mark,
		PnL:        pnl,
		Payout:     out.Payout,
		NetworkFee: out.NetworkFee,
		ClosedAt:   closedAt,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotOpen) || errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, order.ID)
		}
		e.clearPending(ctx, order.ID)
		return nil, unavailable("finalize order", err)
	}

	// The slot stays claimed until the credit lands, so a failed credit only
	// has to reopen the order.
	bctx := context.WithoutCancel(ctx)
	balance, err := e.store.AdjustBalance(ctx, order.UserID, out.Credited)
	if err != nil {
		e.compensate(bctx, "reopen_order", func(ctx context.Context) error {
			return e.store.ReopenOrder(ctx, order.ID)
		})
		return nil, unavailable("credit balance", err)
	}

	// Committed.
	e.bookkeep(bctx, "release_slot", func(ctx context.Context) error {
		return e.store.ReleaseOpenSlot(ctx, order.UserID, order.ID)
	})
	e.bookkeep(bctx, "vault_deposits", func(ctx context.Context) error {
		_, err := e.vault.AdjustDeposits(ctx, -order.Collateral)
		return err
	})
	e.bookkeep(bctx, "vault_profit", func(ctx context.Context) error {
		split, err := e.vault.AbsorbProfit(ctx, out.Profit)
		if split.FromDebt > 0 {
			slog.Warn("vault deposits exhausted, profit recorded as debt",
				"order_id", order.ID, "profit", out.Profit, "debt", split.FromDebt)
		}
		return err
	})
	e.bookkeep(bctx, "vault_credit", func(ctx context.Context) error {
		return e.vault.RetainLoss(ctx, out.Retained)
	})
	e.bookkeep(bctx, "vault_fee", func(ctx context.Context) error {
		return e.vault.AddFee(ctx, out.NetworkFee)
	})
	e.bookkeep(bctx, "stats_transactions", func(ctx context.Context) error {
		return e.stats.IncrementTransactions(ctx)
	})
	e.bookkeep(bctx, "stats_volume", func(ctx context.Context) error {
		return e.stats.RecordVolume(ctx, order.Collateral)
	})

	s := &model.Settlement{
		OrderID:    order.ID,
		UserID:     order.UserID,
		Status:     status,
		ExitPrice:  mark,
		PnL:        pnl,
		Payout:     out.Payout,
		NetworkFee: out.NetworkFee,
		Credited:   out.Credited,
		Balance:    balance,
		ClosedAt:   closedAt,
	}

	metrics.OpenPositions.Dec()
	metrics.Volume.WithLabelValues(string(order.Side)).Add(float64(order.Collateral))
	slog.Info("position settled",
		"order_id", order.ID,
		"user_id", order.UserID,
		"status", status,
		"exit_price", mark.String(),
		"pnl", pnl,
		"payout", out.Payout,
		"network_fee", out.NetworkFee,
		"balance", balance,
	)

	evType := pubsub.TypeOrderClosed
	if status == model.StatusLiquidated {
		evType = pubsub.TypeOrderLiquidated
	}
	e.publish(bctx, pubsub.UserKey(order.UserID), evType, s)
	e.publish(bctx, pubsub.UserKey(order.UserID), pubsub.TypeBalance, BalanceUpdate{UserID: order.UserID, Balance: balance})
	e.publishStats(bctx)
	return s, nil
}

func (e *Engine) markPending(ctx context.Context, orderID string) error {
	err := e.store.MarkPendingClose(ctx, orderID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrAlreadyPending):
		return ErrAlreadyPending
	case errors.Is(err, store.ErrNotOpen), errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	return unavailable("mark pending close", err)
}

func (e *Engine) clearPending(ctx context.Context, orderID string) {
	e.compensate(ctx, "clear_pending", func(ctx context.Context) error {
		return e.store.ClearPendingClose(ctx, orderID)
	})
}

// compensate runs an undo step detached from the caller's cancellation.
func (e *Engine) compensate(ctx context.Context, step string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		metrics.Compensations.WithLabelValues(step, "failed").Inc()
		slog.Error("compensation failed", "step", step, "err", err)
		return
	}
	metrics.Compensations.WithLabelValues(step, "ok").Inc()
}

func (e *Engine) bookkeep(ctx context.Context, step string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		metrics.BookkeepingFailures.WithLabelValues(step).Inc()
		slog.Error("post-commit bookkeeping failed", "step", step, "err", err)
	}
}

func (e *Engine) publish(ctx context.Context, key, typ string, payload any) {
	if e.pub == nil {
		return
	}
	ev, err := pubsub.NewEvent(key, typ, payload)
	if err == nil {
		err = e.pub.Publish(ctx, ev)
	}
	if err != nil {
		slog.Warn("event publish failed", "key", key, "type", typ, "err", err)
	}
}

func (e *Engine) publishStats(ctx context.Context) {
	gs, err := e.stats.Global(ctx)
	if err != nil {
		slog.Warn("stats snapshot failed", "err", err)
		return
	}
	metrics.ObserveVault(gs.Vault)
	e.publish(ctx, pubsub.KeyGlobal, pubsub.TypeStats, gs)
}

func observe(action string, side model.Side, start time.Time, err error) {
	sideLabel := string(side)
	if !side.Valid() {
		sideLabel = "unknown"
	}
	result := "ok"
	if err != nil {
		result = Code(err)
		if !Retryable(err) {
			metrics.Rejections.WithLabelValues(result).Inc()
		}
	}
	metrics.OrdersTotal.WithLabelValues(action, sideLabel, result).Inc()
	metrics.OrderLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
}
