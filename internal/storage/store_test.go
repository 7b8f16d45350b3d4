package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/pickup-eta/internal/model"
)

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Append(ctx, model.AccuracyRecord{VendorID: "A", Model: "xgb", ReportedAt: base.Add(2 * time.Minute)}))
	require.NoError(t, s.Append(ctx, model.AccuracyRecord{VendorID: "B", Model: "xgb", ReportedAt: base}))
	require.NoError(t, s.Append(ctx, model.AccuracyRecord{VendorID: "A", Model: "fallback", ReportedAt: base.Add(time.Minute)}))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "B", all[0].VendorID, "ordered by report time")

	a, _ := s.List(ctx, Filter{VendorID: "A"})
	assert.Len(t, a, 2)

	recent, _ := s.List(ctx, Filter{Limit: 1})
	require.Len(t, recent, 1)
	assert.Equal(t, "xgb", recent[0].Model)

	since, _ := s.List(ctx, Filter{Since: base.Add(90 * time.Second)})
	assert.Len(t, since, 1)

	assert.NoError(t, s.Close())
}
