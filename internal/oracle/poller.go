package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rewardgame/ledger-engine/internal/model"
)

const (
	// DefaultURL is the CoinGecko simple price endpoint for ETH/USD.
	DefaultURL = "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd"

	DefaultPollInterval = 30 * time.Second
	DefaultMaxStaleness = 2 * time.Minute

	fetchAttempts = 3
)

// simplePriceResponse is the CoinGecko shape: {"ethereum": {"usd": 3500.12}}.
// Numbers are decoded as json.Number to keep every digit.
type simplePriceResponse map[string]map[string]json.Number

// PollerConfig configures a Poller. Zero values take defaults.
type PollerConfig struct {
	URL          string
	Asset        string
	Currency     string
	PollInterval time.Duration
	MaxStaleness time.Duration
	HTTPClient   *http.Client
}

// Poller fetches the mark price from an HTTP endpoint on a fixed interval
// and serves the latest quote.
type Poller struct {
	cfg      PollerConfig
	onUpdate func(model.Quote)

	mu    sync.RWMutex
	quote model.Quote

	now    func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a poller. onUpdate, if non-nil, is called whenever the
// price changes.
func NewPoller(cfg PollerConfig, onUpdate func(model.Quote)) *Poller {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Asset == "" {
		cfg.Asset = "ethereum"
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = DefaultMaxStaleness
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Poller{
		cfg:      cfg,
		onUpdate: onUpdate,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start fetches once and then polls in the background until Stop is called
// or ctx is cancelled. A failed initial fetch is logged, not returned.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.Refresh(ctx); err != nil {
		slog.Warn("initial price fetch failed", slog.Any("err", err))
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("price polling panic recovered", slog.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("price polling stopped")
				return
			case <-ticker.C:
				if err := p.Refresh(ctx); err != nil {
					slog.Warn("price fetch failed", slog.Any("err", err))
				}
			}
		}
	}()
}

// Stop halts polling and waits for the loop to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}

// CurrentPrice returns the latest quote, or ErrNoPrice / ErrStale.
func (p *Poller) CurrentPrice(_ context.Context) (model.Quote, error) {
	p.mu.RLock()
	q := p.quote
	p.mu.RUnlock()

	if q.At.IsZero() {
		return model.Quote{}, ErrNoPrice
	}
	if age := p.now().Sub(q.At); age > p.cfg.MaxStaleness {
		return q, fmt.Errorf("%w: last quote %s old", ErrStale, age.Truncate(time.Second))
	}
	return q, nil
}

// Refresh fetches the price with retries, backing off 1s then 2s.
func (p *Poller) Refresh(ctx context.Context) error {
	var lastErr error
	for i := 0; i < fetchAttempts; i++ {
		if i > 0 {
			delay := time.Duration(1<<uint(i-1)) * time.Second
			slog.Info("retrying price fetch", slog.Int("attempt", i), slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		price, err := p.fetch(ctx)
		if err == nil {
			p.store(price)
			return nil
		}
		lastErr = err
		slog.Warn("price fetch attempt failed", slog.Int("attempt", i+1), slog.Any("err", err))
	}
	return lastErr
}

func (p *Poller) fetch(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}

	var data simplePriceResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, fmt.Errorf("decode price: %w", err)
	}
	raw, ok := data[p.cfg.Asset][p.cfg.Currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("no %s/%s price in response", p.cfg.Asset, p.cfg.Currency)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", price)
	}
	return price, nil
}

func (p *Poller) store(price decimal.Decimal) {
	q := model.Quote{Price: price, At: p.now()}

	p.mu.Lock()
	old := p.quote.Price
	p.quote = q
	p.mu.Unlock()

	if !old.Equal(price) && p.onUpdate != nil {
		slog.Info("mark price updated",
			slog.String("price", price.String()),
			slog.String("old_price", old.String()),
		)
		p.onUpdate(q)
	}
}
