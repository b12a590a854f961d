package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rewardgame/ledger-engine/internal/pricing"
)

// Sweeper periodically liquidates open orders whose mark price has crossed
// their liquidation price.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: e, interval: interval}
}

// Run sweeps on every tick until ctx is cancelled. A non-positive interval
// disables the sweeper and Run returns immediately.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("liquidation sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("liquidation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.Warn("liquidation sweep failed", "err", err)
			}
		}
	}
}

// Sweep liquidates every eligible open order once and returns how many
// were liquidated. Orders with a close in flight are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	quote, err := s.engine.CurrentPrice(ctx)
	if err != nil {
		return 0, err
	}
	orders, err := s.engine.store.ListOpenOrders(ctx)
	if err != nil {
		return 0, unavailable("list open orders", err)
	}

	liquidated := 0
	for i := range orders {
		o := &orders[i]
		if o.PendingClose || !pricing.ShouldLiquidate(o.Side, o.LiquidationPrice, quote.Price) {
			continue
		}
		_, err := s.engine.Liquidate(ctx, o, quote.Price)
		switch {
		case err == nil:
			liquidated++
		case errors.Is(err, ErrAlreadyPending), errors.Is(err, ErrNotFound):
			// Closed or closing concurrently.
		default:
			slog.Error("liquidation failed", "order_id", o.ID, "user_id", o.UserID, "err", err)
		}
		if ctx.Err() != nil {
			return liquidated, ctx.Err()
		}
	}
	return liquidated, nil
}
