// Package marketdata fetches OHLC candles and spot prices from the
// read-only market-data vendor. It does no caching of its own — that
// is IndicatorCache's job (internal/indicator).
package marketdata

import (
	"context"

	"binrange-core/internal/domain"
)

// Client is the MarketDataClient interface.
type Client interface {
	// FetchKlines returns the most recent limit candles for
	// (symbol, timeframe), oldest first.
	FetchKlines(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Candle, error)
	// FetchSpotPrice returns the current spot price for symbol.
	FetchSpotPrice(ctx context.Context, symbol string) (float64, error)
}
