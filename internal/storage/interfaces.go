package storage

import (
	"context"

	"binrange-core/internal/domain"
)

// PositionStore persists the full set of positions durably. It is the
// checkpoint half of PositionManager's in-memory index: Save receives
// the complete retained set (every ACTIVE, newest 100 CLOSED) after
// every mutation and is expected to make it durable atomically; Load
// returns whatever was last saved.
type PositionStore interface {
	Load(ctx context.Context) ([]*domain.Position, error)
	Save(ctx context.Context, positions []*domain.Position) error
}

// BalanceHistoryStore persists the wallet's compressed balance-snapshot
// history. Same load-everything/save-everything shape
// as PositionStore; the compression policy lives in the wallet package.
type BalanceHistoryStore interface {
	Load(ctx context.Context) ([]domain.BalanceSnapshot, error)
	Save(ctx context.Context, snapshots []domain.BalanceSnapshot) error
}
