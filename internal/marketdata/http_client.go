package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"binrange-core/internal/coreerr"
	"binrange-core/internal/domain"
	"binrange-core/internal/observability"
)

// Default pacing/retry tuning.
const (
	DefaultPacing        = 300 * time.Millisecond
	DefaultFetchRetries  = 3
	DefaultFetchBaseWait = 1 * time.Second
)

// job is one unit of work submitted to the single worker goroutine that
// drains requestCh — the "ordered mailbox" re-architecture of the
// source's promise-chain queue.
type job struct {
	run  func(ctx context.Context) (interface{}, error)
	resp chan jobResult
}

type jobResult struct {
	val interface{}
	err error
}

// HTTPClient is a paced, retrying MarketDataClient backed by an HTTP
// vendor API. Exactly one HTTP request to the vendor is ever in flight
// at a time; consecutive requests are at least Pacing apart.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Logger

	pacing      time.Duration
	maxRetries  int
	baseWait    time.Duration

	requestCh chan job
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures HTTPClient.
type Option func(*HTTPClient)

func WithPacing(d time.Duration) Option       { return func(c *HTTPClient) { c.pacing = d } }
func WithFetchRetries(n int) Option           { return func(c *HTTPClient) { c.maxRetries = n } }
func WithFetchBaseWait(d time.Duration) Option { return func(c *HTTPClient) { c.baseWait = d } }
func WithHTTPClient(hc *http.Client) Option   { return func(c *HTTPClient) { c.httpClient = hc } }
func WithLogger(l *log.Logger) Option         { return func(c *HTTPClient) { c.logger = l } }

// NewHTTPClient creates a vendor client and starts its worker goroutine.
// baseURL is expected to serve Binance-shaped "/api/v3/klines" and
// "/api/v3/ticker/price" endpoints; any vendor with an equivalent shape
// can be fronted the same way.
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[marketdata] ", log.LstdFlags),
		pacing:     DefaultPacing,
		maxRetries: DefaultFetchRetries,
		baseWait:   DefaultFetchBaseWait,
		requestCh:  make(chan job),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.worker()
	return c
}

// Close stops the worker goroutine. Safe to call more than once.
func (c *HTTPClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// worker is the single consumer of requestCh; it is the only goroutine
// that ever issues an HTTP request to the vendor, enforcing pacing by
// construction rather than by a mutex-guarded timestamp.
func (c *HTTPClient) worker() {
	var last time.Time
	for {
		select {
		case <-c.done:
			return
		case j := <-c.requestCh:
			if !last.IsZero() {
				if wait := c.pacing - time.Since(last); wait > 0 {
					time.Sleep(wait)
				}
			}
			val, err := j.run(context.Background())
			last = time.Now()
			j.resp <- jobResult{val: val, err: err}
		}
	}
}

// submit enqueues run on the worker and blocks for its result, honoring
// ctx cancellation while waiting for a turn on the queue.
func (c *HTTPClient) submit(ctx context.Context, run func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	j := job{run: run, resp: make(chan jobResult, 1)}
	select {
	case c.requestCh <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("marketdata client closed")
	}
	select {
	case r := <-j.resp:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FetchKlines implements Client.
func (c *HTTPClient) FetchKlines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	start := time.Now()
	v, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return c.doFetchKlines(ctx, symbol, tf, limit)
	})
	observability.RecordVendorFetch("klines", time.Since(start).Seconds(), errKindLabel(err))
	if err != nil {
		return nil, err
	}
	return v.([]domain.Candle), nil
}

// FetchSpotPrice implements Client.
func (c *HTTPClient) FetchSpotPrice(ctx context.Context, symbol string) (float64, error) {
	start := time.Now()
	v, err := c.submit(ctx, func(ctx context.Context) (interface{}, error) {
		return c.doFetchSpotPrice(ctx, symbol)
	})
	observability.RecordVendorFetch("spot_price", time.Since(start).Seconds(), errKindLabel(err))
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func errKindLabel(err error) string {
	if err == nil {
		return ""
	}
	return coreerr.KindOf(err).String()
}

// doFetchKlines performs the HTTP round trip with internal retry on
// transient network faults; a 429 is surfaced immediately as RateLimited
// without retrying internally — the caller (IndicatorCache) decides
// whether to fall back.
func (c *HTTPClient) doFetchKlines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=%s&limit=%d", c.baseURL, symbol, string(tf), limit)

	body, err := c.getWithRetry(ctx, url)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal klines: %w", err)
	}

	candles := make([]domain.Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		candle := domain.Candle{
			OpenTime: toInt64(row[0]),
			Open:     toFloat(row[1]),
			High:     toFloat(row[2]),
			Low:      toFloat(row[3]),
			Close:    toFloat(row[4]),
		}
		if len(row) >= 7 {
			candle.CloseTime = toInt64(row[6])
		} else {
			candle.CloseTime = candle.OpenTime
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// doFetchSpotPrice performs the HTTP round trip for the current price.
func (c *HTTPClient) doFetchSpotPrice(ctx context.Context, symbol string) (float64, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", c.baseURL, symbol)

	body, err := c.getWithRetry(ctx, url)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("unmarshal spot price: %w", err)
	}

	price, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse spot price %q: %w", resp.Price, err)
	}
	return price, nil
}

// getWithRetry issues a GET, retrying transient network/5xx faults up
// to maxRetries times with exponential backoff (1s, 2s, 4s, ...). A 429
// is returned immediately, wrapped as coreerr.RateLimited.
func (c *HTTPClient) getWithRetry(ctx context.Context, url string) ([]byte, error) {
	wait := c.baseWait
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Printf("fetch error (attempt %d/%d): %v", attempt+1, c.maxRetries+1, err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, coreerr.New(coreerr.RateLimited, "marketdata.fetch", fmt.Errorf("vendor rate limited (429)"))
		}

		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("vendor status %d: %s", resp.StatusCode, string(body))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, coreerr.New(coreerr.Validation, "marketdata.fetch", fmt.Errorf("vendor status %d: %s", resp.StatusCode, string(body)))
		}

		return body, nil
	}

	return nil, coreerr.New(coreerr.Transient, "marketdata.fetch", fmt.Errorf("exhausted %d retries: %w", c.maxRetries, lastErr))
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	default:
		return 0
	}
}
