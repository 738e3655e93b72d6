// Package indicator computes RSI across timeframes with a tiered,
// TTL-based cache and per-key single-flight deduplication.
package indicator

import (
	"fmt"

	"binrange-core/internal/domain"
)

// ComputeRSI computes Wilder's RSI over closes: the averages are seeded
// with the mean gain/loss of the first period deltas, then smoothed
// over every later delta. closes must have at least period+1 elements; callers
// should fetch period+50 candles so there is always headroom for
// Wilder's smoothing to settle.
func ComputeRSI(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("rsi period must be >= 1, got %d", period)
	}
	if len(closes) < period+1 {
		return 0, fmt.Errorf("need at least %d closes, got %d", period+1, len(closes))
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum += -delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	// Wilder's smoothing over the remaining closes.
	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		var gain, loss float64
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, nil
		}
		return 100, nil
	}

	rs := avgGain / avgLoss
	rsi := 100 - (100 / (1 + rs))
	return rsi, nil
}

// closesOf extracts close prices, oldest first, from candles.
func closesOf(candles []domain.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	return closes
}
