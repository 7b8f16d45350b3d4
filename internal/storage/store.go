// Package storage persists accuracy records. Records are append-only.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/pickup-eta/internal/model"
)

// Store is an append-only log of accuracy records.
type Store interface {
	Append(ctx context.Context, rec model.AccuracyRecord) error
	List(ctx context.Context, filter Filter) ([]model.AccuracyRecord, error)
	Close() error
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	VendorID string
	Model    string
	Since    time.Time
	// Limit keeps the most recent records; zero means no limit.
	Limit int
}

func (f Filter) match(r model.AccuracyRecord) bool {
	if f.VendorID != "" && r.VendorID != f.VendorID {
		return false
	}
	if f.Model != "" && r.Model != f.Model {
		return false
	}
	if !f.Since.IsZero() && r.ReportedAt.Before(f.Since) {
		return false
	}
	return true
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []model.AccuracyRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, rec model.AccuracyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// List returns matching records ordered by ReportedAt.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]model.AccuracyRecord, error) {
	s.mu.RLock()
	out := make([]model.AccuracyRecord, 0, len(s.records))
	for _, r := range s.records {
		if filter.match(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].ReportedAt.Before(out[j].ReportedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
