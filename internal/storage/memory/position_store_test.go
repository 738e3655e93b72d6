package memory

import (
	"context"
	"testing"

	"binrange-core/internal/domain"
)

func TestPositionStore_SaveAndLoadIsolatesCallers(t *testing.T) {
	store := NewPositionStore()
	ctx := context.Background()

	pos := &domain.Position{ID: "pos-1", Status: domain.StatusActive}
	if err := store.Save(ctx, []*domain.Position{pos}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Mutating the caller's copy after Save must not affect the store.
	pos.Status = domain.StatusClosed

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Status != domain.StatusActive {
		t.Fatalf("expected stored copy unaffected by caller mutation, got %+v", loaded)
	}
}

func TestPositionStore_LoadBeforeSaveIsEmpty(t *testing.T) {
	store := NewPositionStore()
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty store, got %+v", loaded)
	}
}
