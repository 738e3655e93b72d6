package indicator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"binrange-core/internal/coreerr"
	"binrange-core/internal/domain"
)

// fakeClient is a marketdata.Client double that counts fetches and can
// be configured to fail (optionally as rate-limited) for a given
// timeframe.
type fakeClient struct {
	mu        sync.Mutex
	klineHits map[domain.Timeframe]int
	failTF    map[domain.Timeframe]error
	closes    []float64
	priceHits int
	price     float64
	priceErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		klineHits: make(map[domain.Timeframe]int),
		failTF:    make(map[domain.Timeframe]error),
		closes:    monotoneCloses(70),
		price:     100,
	}
}

func monotoneCloses(n int) []float64 {
	out := make([]float64, n)
	v := 50.0
	for i := range out {
		if i%3 == 0 {
			v -= 0.5
		} else {
			v += 1
		}
		out[i] = v
	}
	return out
}

func (f *fakeClient) FetchKlines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.klineHits[tf]++
	if err := f.failTF[tf]; err != nil {
		return nil, err
	}
	candles := make([]domain.Candle, len(f.closes))
	for i, c := range f.closes {
		candles[i] = domain.Candle{Close: c, CloseTime: int64(i)}
	}
	return candles, nil
}

func (f *fakeClient) FetchSpotPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.priceHits++
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

func (f *fakeClient) hits(tf domain.Timeframe) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.klineHits[tf]
}

func TestCache_RSI_CachesWithinTTL(t *testing.T) {
	client := newFakeClient()
	cache := New(client)

	ctx := context.Background()
	if _, err := cache.RSI(ctx, "SOLUSDT", domain.TF1h, 14, false, DefaultThresholds); err != nil {
		t.Fatalf("RSI: %v", err)
	}
	if _, err := cache.RSI(ctx, "SOLUSDT", domain.TF1h, 14, false, DefaultThresholds); err != nil {
		t.Fatalf("RSI: %v", err)
	}

	if got := client.hits(domain.TF1h); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
}

func TestCache_RSI_ForceRefreshBypassesTTL(t *testing.T) {
	client := newFakeClient()
	cache := New(client)
	ctx := context.Background()

	cache.RSI(ctx, "SOLUSDT", domain.TF1h, 14, false, DefaultThresholds)
	cache.RSI(ctx, "SOLUSDT", domain.TF1h, 14, true, DefaultThresholds)

	if got := client.hits(domain.TF1h); got != 2 {
		t.Errorf("expected 2 fetches after force refresh, got %d", got)
	}
}

// TestCache_RSI_SingleFlight checks that two concurrent misses cause
// exactly one vendor fetch.
func TestCache_RSI_SingleFlight(t *testing.T) {
	client := newFakeClient()
	cache := New(client)
	ctx := context.Background()

	var wg sync.WaitGroup
	var errs int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.RSI(ctx, "SOLUSDT", domain.TF15m, 14, false, DefaultThresholds); err != nil {
				atomic.AddInt32(&errs, 1)
			}
		}()
	}
	wg.Wait()

	if errs != 0 {
		t.Fatalf("unexpected errors: %d", errs)
	}
	if got := client.hits(domain.TF15m); got != 1 {
		t.Errorf("expected exactly 1 fetch under concurrent miss, got %d", got)
	}
}

// TestCache_RSIAll_FallsBackOnRateLimit is S5: a rate-limited timeframe
// yields a neutral fallback while the others still succeed.
func TestCache_RSIAll_FallsBackOnRateLimit(t *testing.T) {
	client := newFakeClient()
	client.failTF[domain.TF1h] = coreerr.New(coreerr.RateLimited, "marketdata.fetch", context.DeadlineExceeded)
	cache := New(client)
	ctx := context.Background()

	tfs := []domain.Timeframe{domain.TF1m, domain.TF15m, domain.TF1h, domain.TF4h, domain.TF1d}
	values := cache.RSIAll(ctx, "SOLUSDT", tfs, 14, true, DefaultThresholds)

	if len(values) != 5 {
		t.Fatalf("expected 5 values, got %d", len(values))
	}
	for _, v := range values {
		if v.Timeframe == domain.TF1h {
			if v.Value != 50 || v.Signal != domain.SignalNeutral {
				t.Errorf("expected neutral fallback for 1h, got %+v", v)
			}
		} else if v.Value == 50 && v.Signal == domain.SignalNeutral {
			t.Errorf("unexpected fallback for %s", v.Timeframe)
		}
	}

	// Cache should only be populated for the timeframes that succeeded.
	if _, err := cache.RSI(ctx, "SOLUSDT", domain.TF1h, 14, false, DefaultThresholds); err == nil {
		t.Error("expected 1h RSI still to fail (not cached from a failed fetch)")
	}
}

func TestCache_SpotPrice_CachesWithinTTL(t *testing.T) {
	client := newFakeClient()
	cache := New(client)
	ctx := context.Background()

	p1, err := cache.SpotPrice(ctx, "SOLUSDT")
	if err != nil {
		t.Fatalf("SpotPrice: %v", err)
	}
	p2, err := cache.SpotPrice(ctx, "SOLUSDT")
	if err != nil {
		t.Fatalf("SpotPrice: %v", err)
	}
	if p1 != p2 {
		t.Errorf("expected identical cached price, got %v and %v", p1, p2)
	}
	if client.priceHits != 1 {
		t.Errorf("expected 1 vendor call, got %d", client.priceHits)
	}
}
