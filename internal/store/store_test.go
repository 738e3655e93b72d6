package store

import (
	"context"
	"testing"
	"time"

	"binrange-core/internal/domain"
	"binrange-core/internal/storage/memory"
)

func newTestStore(t *testing.T) *PositionStore {
	t.Helper()
	s, err := Open(context.Background(), memory.NewPositionStore())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestPositionStore_UpsertThenGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := &domain.Position{ID: "pos-1", Timeframe: domain.TF1h, Status: domain.StatusActive, CreatedAt: time.Now()}
	if err := s.Upsert(ctx, pos); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got := s.Get("pos-1")
	if got == nil || got.ID != "pos-1" {
		t.Fatalf("expected stored position, got %+v", got)
	}
}

func TestPositionStore_UpsertReturnsCloneNotAlias(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pos := &domain.Position{ID: "pos-1", Status: domain.StatusActive, CreatedAt: time.Now()}
	if err := s.Upsert(ctx, pos); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	pos.Status = domain.StatusClosed

	got := s.Get("pos-1")
	if got.Status != domain.StatusActive {
		t.Errorf("expected store to hold its own copy, got status %s", got.Status)
	}
}

func TestPositionStore_ActiveByTimeframeReturnsOnlyActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := &domain.Position{ID: "active", Timeframe: domain.TF1h, Status: domain.StatusActive, CreatedAt: time.Now()}
	closed := &domain.Position{ID: "closed", Timeframe: domain.TF1h, Status: domain.StatusClosed, CreatedAt: time.Now()}
	if err := s.Upsert(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, closed); err != nil {
		t.Fatal(err)
	}

	got := s.ActiveByTimeframe(domain.TF1h)
	if got == nil || got.ID != "active" {
		t.Fatalf("expected the active position, got %+v", got)
	}
	if other := s.ActiveByTimeframe(domain.TF1d); other != nil {
		t.Errorf("expected no active position for an untouched timeframe, got %+v", other)
	}
}

func TestPositionStore_AllSortedByCreatedAtDescOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"older", "newer", "newest"} {
		p := &domain.Position{ID: id, Status: domain.StatusClosed, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Upsert(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	all := s.AllSortedByCreatedAtDesc(0)
	if len(all) != 3 || all[0].ID != "newest" || all[2].ID != "older" {
		t.Fatalf("expected newest-first order, got %v", idsOf(all))
	}

	limited := s.AllSortedByCreatedAtDesc(2)
	if len(limited) != 2 {
		t.Fatalf("expected limit respected, got %d entries", len(limited))
	}
}

// TestPositionStore_RetentionKeepsAllActiveAndNewest100Closed checks
// that retention never drops an ACTIVE position and keeps only the
// newest 100 CLOSED ones.
func TestPositionStore_RetentionKeepsAllActiveAndNewest100Closed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 110; i++ {
		p := &domain.Position{
			ID:        idFor(i),
			Timeframe: domain.TF1m,
			Status:    domain.StatusClosed,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Upsert(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	active := &domain.Position{ID: "still-active", Timeframe: domain.TF1d, Status: domain.StatusActive, CreatedAt: base}
	if err := s.Upsert(ctx, active); err != nil {
		t.Fatal(err)
	}

	all := s.AllSortedByCreatedAtDesc(0)
	if len(all) != 101 {
		t.Fatalf("expected 100 closed + 1 active = 101, got %d", len(all))
	}

	closedCount := 0
	for _, p := range all {
		if p.Status == domain.StatusClosed {
			closedCount++
		}
	}
	if closedCount != 100 {
		t.Errorf("expected exactly 100 retained closed positions, got %d", closedCount)
	}
	if got := s.Get("still-active"); got == nil {
		t.Error("expected the active position to survive retention regardless of age")
	}
	// The oldest closed position (index 0) must have been dropped.
	if got := s.Get(idFor(0)); got != nil {
		t.Error("expected oldest closed position beyond the retained 100 to be pruned")
	}
}

func TestOpen_AppliesRetentionToPreexistingBackendData(t *testing.T) {
	backend := memory.NewPositionStore()
	ctx := context.Background()
	base := time.Now()

	var overretained []*domain.Position
	for i := 0; i < 105; i++ {
		overretained = append(overretained, &domain.Position{
			ID:        idFor(i),
			Status:    domain.StatusClosed,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	if err := backend.Save(ctx, overretained); err != nil {
		t.Fatal(err)
	}

	s, err := Open(ctx, backend)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := len(s.AllSortedByCreatedAtDesc(0)); got != 100 {
		t.Errorf("expected Open to trim to 100, got %d", got)
	}
}

func idFor(i int) string {
	return "closed-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func idsOf(positions []*domain.Position) []string {
	out := make([]string, len(positions))
	for i, p := range positions {
		out[i] = p.ID
	}
	return out
}
