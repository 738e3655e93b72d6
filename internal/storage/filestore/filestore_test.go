package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"binrange-core/internal/domain"
)

func TestPositionStore_SaveAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	store, err := NewPositionStore(path)
	if err != nil {
		t.Fatalf("NewPositionStore: %v", err)
	}

	ctx := context.Background()
	pos := &domain.Position{
		ID:        "pos-001",
		PoolID:    "pool-1",
		Timeframe: domain.TF1h,
		Side:      domain.SideBuy,
		CreatedAt: time.Now().Truncate(time.Second),
		Status:    domain.StatusActive,
	}

	if err := store.Save(ctx, []*domain.Position{pos}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reopened, err := NewPositionStore(path)
	if err != nil {
		t.Fatalf("NewPositionStore (reopen): %v", err)
	}
	loaded, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "pos-001" {
		t.Fatalf("expected 1 position round-tripped, got %+v", loaded)
	}
}

func TestPositionStore_LoadMissingFileReturnsEmpty(t *testing.T) {
	store, err := NewPositionStore(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("NewPositionStore: %v", err)
	}
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty result, got %+v", loaded)
	}
}

func TestPositionStore_SaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	store, err := NewPositionStore(path)
	if err != nil {
		t.Fatalf("NewPositionStore: %v", err)
	}

	if err := store.Save(context.Background(), nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.Load(context.Background()); err != nil {
		t.Fatalf("Load after empty save: %v", err)
	}

	tmp := path + ".tmp"
	if _, err := os.Lstat(tmp); err == nil {
		t.Errorf("expected temp file %s to be cleaned up by rename", tmp)
	}
}

func TestBalanceHistoryStore_SaveAndLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balance_history.json")
	store, err := NewBalanceHistoryStore(path)
	if err != nil {
		t.Fatalf("NewBalanceHistoryStore: %v", err)
	}

	snapshots := []domain.BalanceSnapshot{
		{BaseQty: 5, QuoteQty: 50, Timestamp: time.Now().Truncate(time.Second)},
	}
	if err := store.Save(context.Background(), snapshots); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].BaseQty != 5 {
		t.Fatalf("expected round-tripped snapshot, got %+v", loaded)
	}
}
