// Package aggregate combines item-level predictions into one order-level prediction.
package aggregate

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/pickup-eta/internal/fallback"
	"github.com/yourorg/pickup-eta/internal/model"
)

// ConfidenceDiscount is applied to the least confident component. It is a
// product heuristic, not derived from a queueing model.
const ConfidenceDiscount = 0.9

// ModelName labels aggregated predictions.
const ModelName = "aggregated"

// Engine aggregates item predictions for a cart.
type Engine struct {
	fallback *fallback.Estimator
	discount float64
	now      func() time.Time
}

// New creates an Engine. Missing item predictions are synthesised with est.
func New(est *fallback.Estimator) *Engine {
	return &Engine{
		fallback: est,
		discount: ConfidenceDiscount,
		now:      time.Now,
	}
}

// WithDiscount overrides the confidence discount.
func (e *Engine) WithDiscount(d float64) *Engine {
	e.discount = d
	return e
}

// WithClock overrides the clock used for ComputedAt and the pickup window.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Aggregate combines predictions for items. Items without an entry in preds get
// a deterministic fallback, so a single missing item never fails the order.
// Total time is the sum of item estimates plus the single worst queue effect;
// queue waits are shared, so summing them would double count.
func (e *Engine) Aggregate(vendorID string, items []model.MenuItemFeatures, preds map[string]model.Prediction) model.Prediction {
	if len(items) == 0 {
		return e.fallback.Aggregate(vendorID, nil)
	}

	var (
		totalPrep     float64
		maxQueue      float64
		maxQueueLen   int
		maxPosition   = -1
		demand        = 1.0
		minConfidence = math.Inf(1)
		anyFallback   bool
		rush          bool
		traces        = make([]model.ItemTrace, 0, len(items))
		synthesised   int
	)

	for _, it := range items {
		p, ok := preds[it.ItemID]
		if !ok {
			p = e.fallback.Item(vendorID, it.ItemID)
			synthesised++
		}

		totalPrep += p.EstimatedMinutes
		maxQueue = math.Max(maxQueue, p.Breakdown.QueueEffect)
		minConfidence = math.Min(minConfidence, p.Confidence)
		if p.Breakdown.QueueLength > maxQueueLen {
			maxQueueLen = p.Breakdown.QueueLength
		}
		if p.QueuePosition > maxPosition {
			maxPosition = p.QueuePosition
		}
		if p.Breakdown.DemandFactor > demand {
			demand = p.Breakdown.DemandFactor
		}
		anyFallback = anyFallback || p.Fallback
		rush = rush || p.RushDetected

		name := it.Name
		if name == "" {
			name = it.ItemID
		}
		traces = append(traces, model.ItemTrace{
			ItemID:        it.ItemID,
			Name:          name,
			EstimatedTime: p.EstimatedMinutes,
			Fallback:      p.Fallback,
		})
	}

	estimated := math.Ceil(totalPrep + maxQueue)
	now := e.now()

	if synthesised > 0 {
		logrus.WithFields(logrus.Fields{
			"vendor_id":   vendorID,
			"items":       len(items),
			"synthesised": synthesised,
		}).Debug("Aggregated with fallback item predictions")
	}

	return model.Prediction{
		VendorID:         vendorID,
		EstimatedMinutes: estimated,
		Confidence:       minConfidence * e.discount,
		Breakdown: model.Breakdown{
			BaseTime:     totalPrep,
			QueueEffect:  maxQueue,
			QueueLength:  maxQueueLen,
			DemandFactor: demand,
			Items:        traces,
		},
		PickupWindow:  model.NewPickupWindow(now, estimated),
		Source:        model.SourceAggregated,
		Fallback:      anyFallback,
		Model:         ModelName,
		QueuePosition: maxPosition,
		RushDetected:  rush,
		ComputedAt:    now,
	}
}

// Aggregate is a convenience wrapper for a one-off aggregation at now.
func Aggregate(est *fallback.Estimator, vendorID string, items []model.MenuItemFeatures, preds map[string]model.Prediction, now time.Time) model.Prediction {
	return New(est).WithClock(func() time.Time { return now }).Aggregate(vendorID, items, preds)
}
