package fallback

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/pickup-eta/internal/model"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestItem_Deterministic(t *testing.T) {
	est := New(fixedClock)

	first, err := json.Marshal(est.Item("VEN001", "ITM42"))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		got, err := json.Marshal(est.Item("VEN001", "ITM42"))
		require.NoError(t, err)
		assert.Equal(t, first, got, "call %d differs", i)
	}
}

func TestItem_Ranges(t *testing.T) {
	est := New(fixedClock)

	for _, item := range []string{"a", "b", "ITM1", "ITM42", "burrito", "x-y-z"} {
		p := est.Item("VEN001", item)

		assert.GreaterOrEqual(t, p.Breakdown.BaseTime, 5.0)
		assert.LessOrEqual(t, p.Breakdown.BaseTime, 14.0)
		assert.GreaterOrEqual(t, p.Breakdown.QueueEffect, 0.0)
		assert.LessOrEqual(t, p.Breakdown.QueueEffect, 4.0)
		assert.Equal(t, p.Breakdown.BaseTime+p.Breakdown.QueueEffect, p.EstimatedMinutes)
		assert.Equal(t, ItemConfidence, p.Confidence)
		assert.Equal(t, model.SourceFallback, p.Source)
		assert.True(t, p.Fallback)
		assert.Equal(t, 5*time.Minute, p.PickupWindow.Width())
	}
}

func TestItem_UsesHash(t *testing.T) {
	h := Hash("VEN001", "ITM42")
	p := New(fixedClock).Item("VEN001", "ITM42")

	assert.Equal(t, float64(5+h%10), p.Breakdown.BaseTime)
	assert.Equal(t, float64(h%5), p.Breakdown.QueueEffect)
}

func TestAggregate_SafetyMargin(t *testing.T) {
	est := New(fixedClock)
	items := []model.MenuItemFeatures{{ItemID: "a", BasePrepMinutes: 10, Complexity: 2, Quantity: 1}}

	p := est.Aggregate("VEN001", items)

	assert.Equal(t, 15.0, p.EstimatedMinutes)
	assert.Equal(t, 0.0, p.Confidence)
	assert.Equal(t, -1, p.QueuePosition)
	assert.True(t, p.Fallback)
	assert.Equal(t, model.SourceFallback, p.Source)
	assert.Equal(t, fixedNow.Add(15*time.Minute), p.PickupWindow.Center)
}

func TestAggregate_Empty(t *testing.T) {
	p := New(fixedClock).Aggregate("VEN001", nil)

	assert.Equal(t, 0.0, p.EstimatedMinutes)
	assert.Equal(t, fixedNow, p.PickupWindow.Center)
	assert.Equal(t, 5*time.Minute, p.PickupWindow.Width())
}

func TestZeroValueEstimator(t *testing.T) {
	var est Estimator
	p := est.Item("v", "i")
	assert.False(t, p.ComputedAt.IsZero())
}
