package postgres

import (
	"context"
	"fmt"

	"binrange-core/internal/domain"
	"binrange-core/internal/storage"
)

// BalanceHistoryStore implements storage.BalanceHistoryStore using
// PostgreSQL, with the same replace-the-whole-set Save semantics as
// PositionStore.
type BalanceHistoryStore struct {
	pool *Pool
}

// NewBalanceHistoryStore creates a new BalanceHistoryStore.
func NewBalanceHistoryStore(pool *Pool) *BalanceHistoryStore {
	return &BalanceHistoryStore{pool: pool}
}

var _ storage.BalanceHistoryStore = (*BalanceHistoryStore)(nil)

func (s *BalanceHistoryStore) Load(ctx context.Context) ([]domain.BalanceSnapshot, error) {
	query := `
		SELECT timestamp, base_qty, quote_qty, is_daily_average, original_count
		FROM balance_history
		ORDER BY timestamp ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load balance history: %w", err)
	}
	defer rows.Close()

	var out []domain.BalanceSnapshot
	for rows.Next() {
		var snap domain.BalanceSnapshot
		if err := rows.Scan(&snap.Timestamp, &snap.BaseQty, &snap.QuoteQty, &snap.IsDailyAverage, &snap.OriginalCount); err != nil {
			return nil, fmt.Errorf("scan balance snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load balance history: %w", err)
	}
	return out, nil
}

func (s *BalanceHistoryStore) Save(ctx context.Context, snapshots []domain.BalanceSnapshot) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM balance_history`); err != nil {
		return fmt.Errorf("clear balance history: %w", err)
	}

	insert := `
		INSERT INTO balance_history (timestamp, base_qty, quote_qty, is_daily_average, original_count)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, snap := range snapshots {
		if _, err := tx.Exec(ctx, insert, snap.Timestamp, snap.BaseQty, snap.QuoteQty, snap.IsDailyAverage, snap.OriginalCount); err != nil {
			return fmt.Errorf("insert balance snapshot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
