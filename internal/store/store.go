// Package store is the PositionStore (C6): an in-memory index over
// positions with active_by_timeframe and all_sorted_by_created_at_desc
// projections, checkpointed through a storage.PositionStore backend
// (filestore, memory, or postgres) on every mutation.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"binrange-core/internal/domain"
	"binrange-core/internal/storage"
)

const maxRetainedClosed = 100

// PositionStore indexes positions by id and checkpoints the retained
// set through a backend after every mutation.
type PositionStore struct {
	mu      sync.RWMutex
	backend storage.PositionStore
	byID    map[string]*domain.Position
}

// Open loads the retained set from backend and builds the in-memory
// index. The retention policy is applied immediately, so a backend
// carrying stale over-retained data is trimmed on open.
func Open(ctx context.Context, backend storage.PositionStore) (*PositionStore, error) {
	loaded, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: load positions: %w", err)
	}

	s := &PositionStore{backend: backend, byID: make(map[string]*domain.Position, len(loaded))}
	for _, p := range loaded {
		s.byID[p.ID] = p
	}
	applyRetention(s.byID)

	if err := s.checkpoint(ctx); err != nil {
		return nil, fmt.Errorf("store: checkpoint after load: %w", err)
	}
	return s, nil
}

// Get returns a clone of the position with id, or nil if absent.
func (s *PositionStore) Get(id string) *domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id].Clone()
}

// ActiveByTimeframe returns the single ACTIVE position for tf, or nil
// (at most one per timeframe).
func (s *PositionStore) ActiveByTimeframe(tf domain.Timeframe) *domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.byID {
		if p.Timeframe == tf && p.Status == domain.StatusActive {
			return p.Clone()
		}
	}
	return nil
}

// AllSortedByCreatedAtDesc returns up to limit positions ordered newest
// first. limit <= 0 means unbounded.
func (s *PositionStore) AllSortedByCreatedAtDesc(limit int) []*domain.Position {
	s.mu.RLock()
	all := make([]*domain.Position, 0, len(s.byID))
	for _, p := range s.byID {
		all = append(all, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Upsert inserts or replaces a position by id, applies the retention
// policy, and checkpoints the resulting set through the backend.
func (s *PositionStore) Upsert(ctx context.Context, pos *domain.Position) error {
	if pos == nil || pos.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	s.byID[pos.ID] = pos.Clone()
	applyRetention(s.byID)
	s.mu.Unlock()

	return s.checkpoint(ctx)
}

// checkpoint writes the full retained set to the backend. Callers must
// not hold s.mu while calling this (the backend call may block on I/O).
func (s *PositionStore) checkpoint(ctx context.Context) error {
	s.mu.RLock()
	snapshot := make([]*domain.Position, 0, len(s.byID))
	for _, p := range s.byID {
		snapshot = append(snapshot, p)
	}
	s.mu.RUnlock()

	if err := s.backend.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("store: save positions: %w", err)
	}
	return nil
}

// applyRetention keeps every ACTIVE position and the newest 100 CLOSED
// positions, dropping the rest.
func applyRetention(byID map[string]*domain.Position) {
	var closed []*domain.Position
	for _, p := range byID {
		if p.Status == domain.StatusClosed {
			closed = append(closed, p)
		}
	}
	if len(closed) <= maxRetainedClosed {
		return
	}

	sort.Slice(closed, func(i, j int) bool { return closed[i].CreatedAt.After(closed[j].CreatedAt) })
	for _, p := range closed[maxRetainedClosed:] {
		delete(byID, p.ID)
	}
}
