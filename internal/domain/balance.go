package domain

import "time"

// BalanceSnapshot is one wallet balance sample. Snapshots
// older than 24h are compressed by WalletService into one
// IsDailyAverage entry per calendar day.
type BalanceSnapshot struct {
	BaseQty         float64
	QuoteQty        float64
	Timestamp       time.Time
	IsDailyAverage  bool
	OriginalCount   int // number of raw samples this entry averages, 0 if not an average
}

// Balance is the current wallet balance as read from chain, with the
// timestamp of the read.
type Balance struct {
	Base      float64
	Quote     float64
	Timestamp time.Time
}
