// Package oracle supplies the reference mark price used to open, close and
// liquidate positions.
package oracle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/model"
)

var (
	// ErrNoPrice is returned before the first quote has been obtained.
	ErrNoPrice = errors.New("oracle: no price available")

	// ErrStale is returned when the latest quote is older than allowed.
	ErrStale = errors.New("oracle: price is stale")
)

// Oracle returns the current mark price.
type Oracle interface {
	CurrentPrice(ctx context.Context) (model.Quote, error)
}

// Static is an Oracle with a settable price.
type Static struct {
	mu    sync.RWMutex
	quote model.Quote
}

// NewStatic creates a static oracle quoting price. A zero price leaves the
// oracle empty until Set is called.
func NewStatic(price decimal.Decimal) *Static {
	s := &Static{}
	if price.IsPositive() {
		s.Set(price)
	}
	return s
}

// Set replaces the quoted price.
func (s *Static) Set(price decimal.Decimal) {
	s.mu.Lock()
	s.quote = model.Quote{Price: price, At: time.Now().UTC()}
	s.mu.Unlock()
}

// CurrentPrice returns the last price passed to Set.
func (s *Static) CurrentPrice(_ context.Context) (model.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.quote.Price.IsPositive() {
		return model.Quote{}, ErrNoPrice
	}
	return s.quote, nil
}
