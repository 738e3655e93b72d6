package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binrange-core/internal/domain"
)

func TestBalanceHistoryStore_SaveAndLoad(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBalanceHistoryStore(pool)
	ctx := context.Background()

	snapshots := []domain.BalanceSnapshot{
		{BaseQty: 10, QuoteQty: 200, Timestamp: time.Now().Add(-2 * time.Hour).Truncate(time.Second)},
		{BaseQty: 12, QuoteQty: 210, Timestamp: time.Now().Add(-1 * time.Hour).Truncate(time.Second)},
	}

	require.NoError(t, store.Save(ctx, snapshots))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, snapshots[0].BaseQty, loaded[0].BaseQty)
	assert.Equal(t, snapshots[1].QuoteQty, loaded[1].QuoteQty)
}

func TestBalanceHistoryStore_SaveReplacesPreviousContent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewBalanceHistoryStore(pool)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, []domain.BalanceSnapshot{
		{BaseQty: 1, Timestamp: time.Now().Add(-3 * time.Hour).Truncate(time.Second)},
	}))
	require.NoError(t, store.Save(ctx, []domain.BalanceSnapshot{
		{BaseQty: 2, Timestamp: time.Now().Add(-1 * time.Hour).Truncate(time.Second)},
	}))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, float64(2), loaded[0].BaseQty)
}
