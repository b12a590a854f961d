package engine

import (
	"errors"
	"fmt"
)

// Errors returned by the engine. Callers match with errors.Is; the wrapped
// chain keeps the underlying store or oracle error for logging.
var (
	ErrInvalidRequest      = errors.New("engine: invalid request")
	ErrPriceDeviation      = errors.New("engine: client price deviates from mark price")
	ErrInsufficientBalance = errors.New("engine: insufficient balance")
	ErrDuplicateOpenOrder  = errors.New("engine: user already has an open order")
	ErrNotFound            = errors.New("engine: not found")
	ErrAlreadyPending      = errors.New("engine: close already pending")

	// ErrStoreUnavailable marks transient failures. Nothing was changed
	// from the caller's point of view and the request may be retried.
	ErrStoreUnavailable = errors.New("engine: store unavailable")

	// ErrPriceUnavailable is a StoreUnavailable-class failure of the oracle.
	ErrPriceUnavailable = fmt.Errorf("%w: price unavailable", ErrStoreUnavailable)
)

// Retryable reports whether err is transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrInvalidRequest):
		return "INVALID_REQUEST"
	case errors.Is(err, ErrPriceDeviation):
		return "PRICE_DEVIATION"
	case errors.Is(err, ErrInsufficientBalance):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrDuplicateOpenOrder):
		return "DUPLICATE_OPEN_ORDER"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyPending):
		return "ALREADY_PENDING"
	case errors.Is(err, ErrPriceUnavailable):
		return "PRICE_UNAVAILABLE"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	}
	return "INTERNAL"
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
