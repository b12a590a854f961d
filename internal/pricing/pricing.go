// Package pricing implements the position arithmetic of the leverage game:
// opening fees, liquidation prices, linear PnL and settlement payouts.
//
// Token amounts are whole int64 units. Prices and intermediate PnL use
// shopspring/decimal; results that become token amounts are rounded up
// (ceil) exactly once, at the boundary.
package pricing

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/model"
)

var (
	// ErrInvalidFeeRate is returned when the fee rate is negative or >= 1.
	ErrInvalidFeeRate = errors.New("pricing: fee rate must be in [0, 1)")

	// ErrAmountOverflow is returned when a token amount does not fit in int64.
	ErrAmountOverflow = errors.New("pricing: amount overflows int64")

	// DefaultFeeRate is the opening fee charged on collateral (1%).
	DefaultFeeRate = decimal.NewFromFloat(0.01)

	// PriceScale is the number of decimal places kept on derived prices.
	PriceScale int32 = 8
)

// Calculator computes position economics for a fixed fee rate.
// It is stateless; order data is passed as arguments.
type Calculator struct {
	feeRate decimal.Decimal
}

// NewCalculator creates a calculator with the given opening fee rate.
func NewCalculator(feeRate decimal.Decimal) (*Calculator, error) {
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidFeeRate
	}
	return &Calculator{feeRate: feeRate}, nil
}

// OpenFee returns ceil(collateral * feeRate).
func (c *Calculator) OpenFee(collateral int64) int64 {
	return decimal.NewFromInt(collateral).Mul(c.feeRate).Ceil().IntPart()
}

// TotalDebit returns the opening fee and collateral plus that fee.
func (c *Calculator) TotalDebit(collateral int64) (fee, total int64, err error) {
	fee = c.OpenFee(collateral)
	if collateral > math.MaxInt64-fee {
		return 0, 0, ErrAmountOverflow
	}
	return fee, collateral + fee, nil
}

// LiquidationPrice returns the price at which linear PnL consumes all
// collateral:
//
//	long:  entry * (1 - 1/leverage)
//	short: entry * (1 + 1/leverage)
func LiquidationPrice(side model.Side, entry decimal.Decimal, leverage int) decimal.Decimal {
	inv := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(leverage)))
	factor := decimal.NewFromInt(1).Add(inv)
	if side == model.Long {
		factor = decimal.NewFromInt(1).Sub(inv)
	}
	return entry.Mul(factor).Round(PriceScale)
}

// PnLPercent is the signed relative price move in the position's favour:
//
//	long:  (mark - entry) / entry
//	short: (entry - mark) / entry
func PnLPercent(side model.Side, entry, mark decimal.Decimal) decimal.Decimal {
	move := mark.Sub(entry)
	if side == model.Short {
		move = move.Neg()
	}
	return move.Div(entry)
}

// PnLAmount is collateral * pnlPercent * leverage, unrounded.
func PnLAmount(side model.Side, collateral int64, leverage int, entry, mark decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(collateral).
		Mul(PnLPercent(side, entry, mark)).
		Mul(decimal.NewFromInt(int64(leverage)))
}

// ReturnAmount is ceil(collateral + pnl), clamped at zero. A position can
// never pay back a negative amount.
func ReturnAmount(collateral int64, pnl decimal.Decimal) int64 {
	ret := decimal.NewFromInt(collateral).Add(pnl).Ceil()
	if ret.IsNegative() {
		return 0
	}
	return ret.IntPart()
}

// ShouldLiquidate reports whether mark has crossed the liquidation price.
func ShouldLiquidate(side model.Side, liquidation, mark decimal.Decimal) bool {
	if side == model.Long {
		return mark.LessThanOrEqual(liquidation)
	}
	return mark.GreaterThanOrEqual(liquidation)
}

// Outcome is the result of settling an order at a mark price.
type Outcome struct {
	PnL        decimal.Decimal // unrounded signed PnL
	Payout     int64           // ceil(collateral + pnl), >= 0
	NetworkFee int64           // charged fee, never above Payout
	Credited   int64           // Payout - NetworkFee
	Profit     int64           // ceil(pnl) when positive, else 0
	Retained   int64           // collateral kept by the vault on a loss
}

// Settle computes the settlement of an order at mark, charging up to
// networkFee out of the payout.
func Settle(o *model.Order, mark decimal.Decimal, networkFee int64) Outcome {
	pnl := PnLAmount(o.Side, o.Collateral, o.Leverage, o.EntryPrice, mark)
	payout := ReturnAmount(o.Collateral, pnl)

	fee := max(min(networkFee, payout), 0)
	out := Outcome{
		PnL:        pnl,
		Payout:     payout,
		NetworkFee: fee,
		Credited:   payout - fee,
	}
	if pnl.IsPositive() {
		out.Profit = pnl.Ceil().IntPart()
	}
	if payout < o.Collateral {
		out.Retained = o.Collateral - payout
	}
	return out
}
