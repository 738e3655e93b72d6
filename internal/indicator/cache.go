package indicator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"binrange-core/internal/coreerr"
	"binrange-core/internal/domain"
	"binrange-core/internal/marketdata"
	"binrange-core/internal/observability"
)

// Thresholds classify an RSI value into a Signal (default 30/70,
// live-updatable via Config).
type Thresholds struct {
	Oversold   float64
	Overbought float64
}

// DefaultThresholds is the default 30/70 oversold/overbought split.
var DefaultThresholds = Thresholds{Oversold: 30, Overbought: 70}

const spotPriceTTL = 30 * time.Second

type rsiEntry struct {
	value    domain.RSIValue
	cachedAt time.Time
}

type spotEntry struct {
	price    float64
	cachedAt time.Time
}

// Cache is the IndicatorCache. It is safe for concurrent
// use; RSI and SpotPrice each collapse concurrent misses for the same
// key into a single vendor fetch via golang.org/x/sync/singleflight.
type Cache struct {
	client marketdata.Client
	logger *log.Logger

	mu      sync.RWMutex
	rsi     map[string]rsiEntry
	rsiFlt  singleflight.Group

	spotMu  sync.RWMutex
	spot    map[string]spotEntry
	spotFlt singleflight.Group

	archive Archive
}

// New creates an IndicatorCache backed by client.
func New(client marketdata.Client, opts ...Option) *Cache {
	c := &Cache{
		client:  client,
		logger:  log.New(log.Writer(), "[indicator] ", log.LstdFlags),
		rsi:     make(map[string]rsiEntry),
		spot:    make(map[string]spotEntry),
		archive: NopArchive{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures Cache.
type Option func(*Cache)

func WithArchive(a Archive) Option { return func(c *Cache) { c.archive = a } }
func WithLogger(l *log.Logger) Option { return func(c *Cache) { c.logger = l } }

func rsiKey(symbol string, tf domain.Timeframe, period int) string {
	return fmt.Sprintf("%s|%s|%d", symbol, tf, period)
}

// RSI computes (or returns the cached) RSI for (symbol, tf, period).
// forceRefresh bypasses the TTL check entirely.
func (c *Cache) RSI(ctx context.Context, symbol string, tf domain.Timeframe, period int, forceRefresh bool, th Thresholds) (domain.RSIValue, error) {
	key := rsiKey(symbol, tf, period)

	if !forceRefresh {
		c.mu.RLock()
		entry, ok := c.rsi[key]
		c.mu.RUnlock()
		if ok && time.Since(entry.cachedAt) < tf.RSICacheTTL() {
			observability.RecordCacheLookup("rsi", true)
			return entry.value, nil
		}
	}
	observability.RecordCacheLookup("rsi", false)

	v, err, _ := c.rsiFlt.Do(key, func() (interface{}, error) {
		// Re-check: a concurrent request may have refreshed the entry
		// while we were waiting to be scheduled onto the singleflight.
		if !forceRefresh {
			c.mu.RLock()
			entry, ok := c.rsi[key]
			c.mu.RUnlock()
			if ok && time.Since(entry.cachedAt) < tf.RSICacheTTL() {
				return entry.value, nil
			}
		}

		candles, err := c.client.FetchKlines(ctx, symbol, tf, period+50)
		if err != nil {
			return domain.RSIValue{}, err
		}

		value, err := ComputeRSI(closesOf(candles), period)
		if err != nil {
			return domain.RSIValue{}, err
		}

		rv := domain.RSIValue{
			Timeframe:      tf,
			Value:          value,
			Signal:         domain.ClassifySignal(value, th.Oversold, th.Overbought),
			CloseTimestamp: lastCloseTime(candles),
		}

		c.mu.Lock()
		c.rsi[key] = rsiEntry{value: rv, cachedAt: time.Now()}
		c.mu.Unlock()

		c.archiveRSI(symbol, rv)

		return rv, nil
	})
	if err != nil {
		return domain.RSIValue{}, err
	}
	return v.(domain.RSIValue), nil
}

// RSIAll computes RSI sequentially across timeframes (sequential, not
// parallel, to maximize cache hits). A per-timeframe
// failure yields NeutralFallback and execution continues.
func (c *Cache) RSIAll(ctx context.Context, symbol string, tfs []domain.Timeframe, period int, force bool, th Thresholds) []domain.RSIValue {
	out := make([]domain.RSIValue, 0, len(tfs))
	for _, tf := range tfs {
		v, err := c.RSI(ctx, symbol, tf, period, force, th)
		if err != nil {
			c.logger.Printf("rsi(%s,%s) failed, using neutral fallback: %v", symbol, tf, err)
			v = domain.NeutralFallback(tf)
		}
		out = append(out, v)
	}
	return out
}

// SpotPrice returns the current spot price for symbol, cached
// separately from RSI with its own 30s TTL and single-flight
// discipline.
func (c *Cache) SpotPrice(ctx context.Context, symbol string) (float64, error) {
	c.spotMu.RLock()
	entry, ok := c.spot[symbol]
	c.spotMu.RUnlock()
	if ok && time.Since(entry.cachedAt) < spotPriceTTL {
		observability.RecordCacheLookup("spot_price", true)
		return entry.price, nil
	}
	observability.RecordCacheLookup("spot_price", false)

	v, err, _ := c.spotFlt.Do(symbol, func() (interface{}, error) {
		c.spotMu.RLock()
		entry, ok := c.spot[symbol]
		c.spotMu.RUnlock()
		if ok && time.Since(entry.cachedAt) < spotPriceTTL {
			return entry.price, nil
		}

		price, err := c.client.FetchSpotPrice(ctx, symbol)
		if err != nil {
			return 0.0, err
		}

		c.spotMu.Lock()
		c.spot[symbol] = spotEntry{price: price, cachedAt: time.Now()}
		c.spotMu.Unlock()

		// Best-effort, never blocks the caller on archive latency.
		go func(at time.Time) {
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.archive.AppendPrice(actx, symbol, price, at); err != nil {
				c.logger.Printf("archive price failed: %v", err)
			}
		}(time.Now())

		return price, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (c *Cache) archiveRSI(symbol string, v domain.RSIValue) {
	// Best-effort, never blocks the caller on archive latency.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.archive.AppendRSI(ctx, symbol, v, time.Now()); err != nil {
			c.logger.Printf("archive rsi failed: %v", err)
		}
	}()
}

func lastCloseTime(candles []domain.Candle) int64 {
	if len(candles) == 0 {
		return 0
	}
	return candles[len(candles)-1].CloseTime
}

// IsRateLimited reports whether err is the vendor's rate-limit kind,
// exposed here so callers of RSI/SpotPrice don't need to import
// coreerr just to branch on this one common case.
func IsRateLimited(err error) bool {
	return coreerr.Is(err, coreerr.RateLimited)
}
