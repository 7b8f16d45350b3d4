// Package fallback computes deterministic, dependency-free predictions used
// whenever the ML backend cannot produce a trustworthy result.
package fallback

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/yourorg/pickup-eta/internal/features"
	"github.com/yourorg/pickup-eta/internal/model"
)

const (
	// ItemConfidence is the fixed confidence of a single-item fallback.
	ItemConfidence = 0.7

	// SafetyMargin multiplies total base time for whole-cart fallbacks.
	SafetyMargin = 1.5

	// ModelName labels fallback predictions in accuracy metrics.
	ModelName = "fallback"

	baseMinutes     = 5
	baseSpread      = 10
	queueSpread     = 5
	unknownPosition = -1
)

// Estimator produces fallback predictions. The zero value uses time.Now.
type Estimator struct {
	now func() time.Time
}

// New creates an Estimator using the given clock; nil means time.Now.
func New(now func() time.Time) *Estimator {
	return &Estimator{now: now}
}

func (e *Estimator) clock() time.Time {
	if e == nil || e.now == nil {
		return time.Now()
	}
	return e.now()
}

// Item derives a repeatable single-item estimate from a hash of vendorID:itemID.
// Identical inputs always produce the same base time and queue effect.
func (e *Estimator) Item(vendorID, itemID string) model.Prediction {
	h := Hash(vendorID, itemID)
	base := float64(baseMinutes + h%baseSpread)
	queue := float64(h % queueSpread)
	estimated := base + queue
	now := e.clock()

	return model.Prediction{
		VendorID:         vendorID,
		ItemID:           itemID,
		EstimatedMinutes: estimated,
		Confidence:       ItemConfidence,
		Breakdown: model.Breakdown{
			BaseTime:     base,
			QueueEffect:  queue,
			DemandFactor: 1.0,
			Explanation:  "Using fallback estimation",
		},
		PickupWindow:  model.NewPickupWindow(now, estimated),
		Source:        model.SourceFallback,
		Fallback:      true,
		Model:         ModelName,
		QueuePosition: unknownPosition,
		ComputedAt:    now,
	}
}

// Aggregate estimates a whole cart as total base time plus a fixed safety margin.
// The result carries zero confidence to mark it as non-authoritative.
func (e *Estimator) Aggregate(vendorID string, items []model.MenuItemFeatures) model.Prediction {
	f := features.Extract(items)
	estimated := f.TotalBaseMinutes * SafetyMargin
	now := e.clock()

	return model.Prediction{
		VendorID:         vendorID,
		EstimatedMinutes: estimated,
		Confidence:       0,
		Breakdown: model.Breakdown{
			BaseTime:     f.TotalBaseMinutes,
			DemandFactor: 1.0,
			Explanation:  "Prediction service unavailable, base time with safety margin",
		},
		PickupWindow:  model.NewPickupWindow(now, estimated),
		Source:        model.SourceFallback,
		Fallback:      true,
		Model:         ModelName,
		QueuePosition: unknownPosition,
		ComputedAt:    now,
	}
}

// Hash is the stable key hash behind Item.
func Hash(vendorID, itemID string) uint64 {
	return xxhash.Sum64String(vendorID + ":" + itemID)
}
