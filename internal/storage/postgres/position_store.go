package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"binrange-core/internal/domain"
	"binrange-core/internal/storage"
)

// PositionStore implements storage.PositionStore using PostgreSQL.
// Save replaces the entire retained set in one transaction: it upserts
// every given position and deletes rows no longer present, so the
// table always mirrors PositionManager's in-memory index exactly.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ storage.PositionStore = (*PositionStore)(nil)

func (s *PositionStore) Load(ctx context.Context) ([]*domain.Position, error) {
	query := `
		SELECT id, pool_id, timeframe, side, amount, entry_price, created_at, status,
		       price_range_min, price_range_max, bin_range_min, bin_range_max,
		       last_range_check, has_been_harvested, last_harvest_at
		FROM positions
		ORDER BY created_at DESC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	return out, nil
}

func (s *PositionStore) Save(ctx context.Context, positions []*domain.Position) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO positions (
			id, pool_id, timeframe, side, amount, entry_price, created_at, status,
			price_range_min, price_range_max, bin_range_min, bin_range_max,
			last_range_check, has_been_harvested, last_harvest_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			last_range_check = EXCLUDED.last_range_check,
			has_been_harvested = EXCLUDED.has_been_harvested,
			last_harvest_at = EXCLUDED.last_harvest_at
	`

	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.ID
		var lastCheck, lastHarvest *time.Time
		if !p.LastRangeCheck.IsZero() {
			lastCheck = &p.LastRangeCheck
		}
		if !p.LastHarvestAt.IsZero() {
			lastHarvest = &p.LastHarvestAt
		}
		_, err := tx.Exec(ctx, upsert,
			p.ID, p.PoolID, string(p.Timeframe), string(p.Side), p.Amount, p.EntryPrice, p.CreatedAt, string(p.Status),
			p.PriceRange.Min, p.PriceRange.Max, p.PriceRange.BinRange.MinBin, p.PriceRange.BinRange.MaxBin,
			lastCheck, p.HasBeenHarvested, lastHarvest,
		)
		if err != nil {
			return fmt.Errorf("upsert position %s: %w", p.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE NOT (id = ANY($1))`, ids); err != nil {
		return fmt.Errorf("prune positions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type positionRow interface {
	Scan(dest ...any) error
}

func scanPosition(row positionRow) (*domain.Position, error) {
	var p domain.Position
	var timeframe, side, status string
	var lastCheck, lastHarvest *time.Time

	err := row.Scan(
		&p.ID, &p.PoolID, &timeframe, &side, &p.Amount, &p.EntryPrice, &p.CreatedAt, &status,
		&p.PriceRange.Min, &p.PriceRange.Max, &p.PriceRange.BinRange.MinBin, &p.PriceRange.BinRange.MaxBin,
		&lastCheck, &p.HasBeenHarvested, &lastHarvest,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	p.Timeframe = domain.Timeframe(timeframe)
	p.Side = domain.Side(side)
	p.Status = domain.Status(status)
	if lastCheck != nil {
		p.LastRangeCheck = *lastCheck
	}
	if lastHarvest != nil {
		p.LastHarvestAt = *lastHarvest
	}
	return &p, nil
}
