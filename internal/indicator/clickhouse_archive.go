package indicator

import (
	"context"
	"time"

	"binrange-core/internal/domain"
	"binrange-core/internal/storage/clickhouse"
)

// ClickhouseArchive is the durable Archive backend: every RSI/price
// sample is appended to a MergeTree table for later analysis. Writes
// are fire-and-forget from the caller's perspective (Cache only logs a
// failure), so a slow or unreachable ClickHouse node never affects
// trading decisions.
type ClickhouseArchive struct {
	conn *clickhouse.Conn
}

// NewClickhouseArchive wraps conn, whose target database already has
// the rsi_archive/price_archive tables from RunClickhouseMigrations.
func NewClickhouseArchive(conn *clickhouse.Conn) *ClickhouseArchive {
	return &ClickhouseArchive{conn: conn}
}

var _ Archive = (*ClickhouseArchive)(nil)

func (a *ClickhouseArchive) AppendRSI(ctx context.Context, symbol string, v domain.RSIValue, at time.Time) error {
	return a.conn.Exec(ctx,
		"INSERT INTO rsi_archive (symbol, timeframe, value, signal, at) VALUES (?, ?, ?, ?, ?)",
		symbol, string(v.Timeframe), v.Value, string(v.Signal), at,
	)
}

func (a *ClickhouseArchive) AppendPrice(ctx context.Context, symbol string, price float64, at time.Time) error {
	return a.conn.Exec(ctx,
		"INSERT INTO price_archive (symbol, price, at) VALUES (?, ?, ?)",
		symbol, price, at,
	)
}
