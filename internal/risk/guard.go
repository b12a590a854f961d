// Package risk validates order requests before any ledger state is touched.
//
// The guard is pure: it sees the request and the server's reference price,
// never the store. Every check that can reject an order without I/O lives
// here so the engine can fail fast, before its first mutating write.
package risk

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/model"
)

var (
	// ErrInvalidSide is returned for a side other than long or short.
	ErrInvalidSide = errors.New("risk: side must be long or short")

	// ErrInvalidCollateral is returned when collateral is not positive.
	ErrInvalidCollateral = errors.New("risk: collateral must be positive")

	// ErrLeverageNotAllowed is returned for leverage outside the allowed set.
	ErrLeverageNotAllowed = errors.New("risk: leverage not allowed")

	// ErrInvalidPrice is returned for a non-positive client or server price.
	ErrInvalidPrice = errors.New("risk: price must be positive")

	// ErrPriceDeviation is returned when the client's quote differs from the
	// reference price by more than the tolerance.
	ErrPriceDeviation = errors.New("risk: client price deviates from reference price")
)

// DefaultLeverage is the leverage menu offered to players.
var DefaultLeverage = []int{1, 10, 100}

// DefaultMaxDeviation is the tolerated relative quote drift (0.5%).
var DefaultMaxDeviation = decimal.NewFromFloat(0.005)

// Guard enforces request-level limits.
type Guard struct {
	// AllowedLeverage is the sorted set of accepted leverage multipliers.
	AllowedLeverage []int

	// MaxDeviation is the largest accepted |client - server| / server.
	MaxDeviation decimal.Decimal
}

// NewGuard creates a guard. An empty leverage set falls back to
// DefaultLeverage; a non-positive deviation falls back to DefaultMaxDeviation.
func NewGuard(allowed []int, maxDeviation decimal.Decimal) *Guard {
	levs := slices.Clone(allowed)
	if len(levs) == 0 {
		levs = slices.Clone(DefaultLeverage)
	}
	slices.Sort(levs)
	levs = slices.Compact(levs)

	if !maxDeviation.IsPositive() {
		maxDeviation = DefaultMaxDeviation
	}
	return &Guard{
		AllowedLeverage: levs,
		MaxDeviation:    maxDeviation,
	}
}

// CheckOrder validates the static shape of an open request.
func (g *Guard) CheckOrder(side model.Side, leverage int, collateral int64) error {
	if !side.Valid() {
		return ErrInvalidSide
	}
	if collateral <= 0 {
		return ErrInvalidCollateral
	}
	if _, ok := slices.BinarySearch(g.AllowedLeverage, leverage); !ok {
		return fmt.Errorf("%w: %dx (allowed %v)", ErrLeverageNotAllowed, leverage, g.AllowedLeverage)
	}
	return nil
}

// CheckDeviation rejects a client quote that drifted too far from the
// server's reference price.
func (g *Guard) CheckDeviation(client, server decimal.Decimal) error {
	if !client.IsPositive() || !server.IsPositive() {
		return ErrInvalidPrice
	}
	dev := Deviation(client, server)
	if dev.GreaterThan(g.MaxDeviation) {
		return fmt.Errorf("%w: %s%% > %s%%", ErrPriceDeviation,
			dev.Mul(decimal.NewFromInt(100)).StringFixed(3),
			g.MaxDeviation.Mul(decimal.NewFromInt(100)).StringFixed(3))
	}
	return nil
}

// Deviation returns |client - server| / server.
func Deviation(client, server decimal.Decimal) decimal.Decimal {
	return client.Sub(server).Abs().Div(server)
}
