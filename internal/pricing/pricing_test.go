package pricing

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newCalc(t *testing.T) *Calculator {
	t.Helper()
	c, err := NewCalculator(DefaultFeeRate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return c
}

// --- Constructor tests ---

func TestNewCalculator_InvalidRate(t *testing.T) {
	for _, rate := range []float64{-0.01, 1, 1.5} {
		if _, err := NewCalculator(d(rate)); err != ErrInvalidFeeRate {
			t.Errorf("rate %v: expected ErrInvalidFeeRate, got %v", rate, err)
		}
	}
}

func TestNewCalculator_ZeroRate(t *testing.T) {
	c, err := NewCalculator(decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fee := c.OpenFee(1000); fee != 0 {
		t.Errorf("expected zero fee, got %d", fee)
	}
}

// --- Fee tests ---

func TestOpenFee(t *testing.T) {
	c := newCalc(t)
	tests := []struct {
		collateral int64
		want       int64
	}{
		{1000, 10},
		{150, 2}, // 1.5 rounds up
		{1, 1},
		{100, 1},
		{1_000_000, 10_000},
	}
	for _, tt := range tests {
		if got := c.OpenFee(tt.collateral); got != tt.want {
			t.Errorf("OpenFee(%d) = %d, want %d", tt.collateral, got, tt.want)
		}
	}
}

func TestTotalDebit(t *testing.T) {
	c := newCalc(t)
	fee, total, err := c.TotalDebit(1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fee != 10 || total != 1010 {
		t.Errorf("expected fee 10 total 1010, got %d %d", fee, total)
	}
}

func TestTotalDebit_Overflow(t *testing.T) {
	c := newCalc(t)
	for _, collateral := range []int64{math.MaxInt64, math.MaxInt64 - 10} {
		if _, _, err := c.TotalDebit(collateral); err != ErrAmountOverflow {
			t.Errorf("TotalDebit(%d): expected ErrAmountOverflow, got %v", collateral, err)
		}
	}
}

// --- Liquidation price tests ---

func TestLiquidationPrice(t *testing.T) {
	tests := []struct {
		side     model.Side
		leverage int
		want     float64
	}{
		{model.Long, 10, 3150},
		{model.Short, 10, 3850},
		{model.Long, 100, 3465},
		{model.Short, 100, 3535},
		{model.Long, 1, 0},
		{model.Short, 1, 7000},
	}
	for _, tt := range tests {
		got := LiquidationPrice(tt.side, d(3500), tt.leverage)
		if !got.Equal(d(tt.want)) {
			t.Errorf("%s %dx: expected %v, got %s", tt.side, tt.leverage, tt.want, got)
		}
	}
}

func TestShouldLiquidate(t *testing.T) {
	if !ShouldLiquidate(model.Long, d(3150), d(3150)) {
		t.Error("long at liquidation price should liquidate")
	}
	if ShouldLiquidate(model.Long, d(3150), d(3151)) {
		t.Error("long above liquidation price should not liquidate")
	}
	if !ShouldLiquidate(model.Short, d(3850), d(3900)) {
		t.Error("short above liquidation price should liquidate")
	}
	if ShouldLiquidate(model.Short, d(3850), d(3849)) {
		t.Error("short below liquidation price should not liquidate")
	}
}

// --- PnL tests ---

func TestPnLAmount_LongAndShort(t *testing.T) {
	long := PnLAmount(model.Long, 1000, 10, d(3500), d(3535))
	if !long.Equal(d(100)) {
		t.Errorf("long: expected 100, got %s", long)
	}
	short := PnLAmount(model.Short, 1000, 10, d(3500), d(3535))
	if !short.Equal(d(-100)) {
		t.Errorf("short: expected -100, got %s", short)
	}
}

func TestReturnAmount_ClampsAtZero(t *testing.T) {
	if got := ReturnAmount(1000, d(-1428.57)); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	if got := ReturnAmount(1000, d(0.2)); got != 1001 {
		t.Errorf("expected ceil to 1001, got %d", got)
	}
	if got := ReturnAmount(1000, d(-0.5)); got != 1000 {
		t.Errorf("expected ceil to 1000, got %d", got)
	}
}

// --- Settlement tests ---

func order(side model.Side, leverage int, collateral int64, entry float64) *model.Order {
	return &model.Order{
		Side:       side,
		Leverage:   leverage,
		Collateral: collateral,
		EntryPrice: d(entry),
		Status:     model.StatusOpen,
	}
}

func TestSettle_Profit(t *testing.T) {
	out := Settle(order(model.Long, 10, 1000, 3500), d(3535), 5)
	if out.Payout != 1100 {
		t.Errorf("expected payout 1100, got %d", out.Payout)
	}
	if out.NetworkFee != 5 || out.Credited != 1095 {
		t.Errorf("expected fee 5 credited 1095, got %d / %d", out.NetworkFee, out.Credited)
	}
	if out.Profit != 100 || out.Retained != 0 {
		t.Errorf("expected profit 100 retained 0, got %d / %d", out.Profit, out.Retained)
	}
}

func TestSettle_Loss(t *testing.T) {
	out := Settle(order(model.Long, 10, 1000, 3500), d(3465), 0)
	if out.Payout != 900 || out.Credited != 900 {
		t.Errorf("expected payout 900, got %d (credited %d)", out.Payout, out.Credited)
	}
	if out.Profit != 0 || out.Retained != 100 {
		t.Errorf("expected profit 0 retained 100, got %d / %d", out.Profit, out.Retained)
	}
}

func TestSettle_UnchangedPrice(t *testing.T) {
	out := Settle(order(model.Short, 100, 1000, 3500), d(3500), 0)
	if out.Payout != 1000 || out.Profit != 0 || out.Retained != 0 {
		t.Errorf("expected collateral back untouched, got %+v", out)
	}
}

func TestSettle_WipedOut(t *testing.T) {
	out := Settle(order(model.Long, 10, 1000, 3500), d(3000), 50)
	if out.Payout != 0 {
		t.Errorf("expected payout 0, got %d", out.Payout)
	}
	if out.NetworkFee != 0 || out.Credited != 0 {
		t.Errorf("network fee must not exceed payout, got fee %d credited %d", out.NetworkFee, out.Credited)
	}
	if out.Retained != 1000 {
		t.Errorf("expected retained 1000, got %d", out.Retained)
	}
}

func TestSettle_FractionalProfitRoundsUp(t *testing.T) {
	out := Settle(order(model.Long, 1, 1000, 3000), d(3001), 0)
	if out.Payout != 1001 {
		t.Errorf("expected payout 1001, got %d", out.Payout)
	}
	if out.Profit != 1 {
		t.Errorf("expected profit 1, got %d", out.Profit)
	}
}
