// Package model defines the core data structures for the pickup-eta engine.
package model

import (
	"time"
)

// Source identifies which path produced a prediction.
type Source string

// Prediction sources
const (
	SourceML         Source = "ml"
	SourceFallback   Source = "fallback"
	SourceAggregated Source = "aggregated"
	SourceSimulated  Source = "simulated"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceML, SourceFallback, SourceAggregated, SourceSimulated:
		return true
	}
	return false
}

// MenuItemFeatures is an immutable snapshot of one cart line at prediction time.
type MenuItemFeatures struct {
	ItemID          string  `json:"itemId" yaml:"id"`
	Name            string  `json:"name,omitempty" yaml:"name"`
	BasePrepMinutes float64 `json:"basePrepMinutes" yaml:"base_prep_minutes"`
	Complexity      int     `json:"complexity" yaml:"complexity"`
	Quantity        int     `json:"quantity" yaml:"-"`
}

// WithQuantity returns a copy of the features for the given quantity.
func (f MenuItemFeatures) WithQuantity(qty int) MenuItemFeatures {
	f.Quantity = qty
	return f
}

// OrderFeatures are aggregate features derived from an item list.
// They are never persisted independently of the prediction they informed.
type OrderFeatures struct {
	TotalBaseMinutes float64 `json:"totalBaseMinutes"`
	MaxComplexity    int     `json:"maxComplexity"`
	TotalItemCount   int     `json:"totalItemCount"`
}

// ItemTrace explains one item's contribution to an aggregated prediction.
type ItemTrace struct {
	ItemID        string  `json:"itemId"`
	Name          string  `json:"name"`
	EstimatedTime float64 `json:"estimatedTime"`
	Fallback      bool    `json:"isFallback,omitempty"`
}

// Breakdown explains how an estimate was assembled.
type Breakdown struct {
	BaseTime     float64     `json:"baseTime"`
	QueueEffect  float64     `json:"queueEffect"`
	QueueLength  int         `json:"queueLength"`
	DemandFactor float64     `json:"demandFactor"`
	Explanation  string      `json:"explanation,omitempty"`
	Items        []ItemTrace `json:"items,omitempty"`
}

// Prediction is the central value object. Once issued it is superseded by newer
// predictions for the same key, never mutated, with the single exception of the
// live queue patch (see LiveAdjusted).
type Prediction struct {
	ID               string       `json:"id,omitempty"`
	VendorID         string       `json:"vendorId"`
	ItemID           string       `json:"itemId,omitempty"`
	EstimatedMinutes float64      `json:"estimatedMinutes"`
	Confidence       float64      `json:"confidence"`
	Breakdown        Breakdown    `json:"breakdown"`
	PickupWindow     PickupWindow `json:"pickupWindow"`
	Source           Source       `json:"source"`

	// Fallback is set on every fallback-derived value and survives caching and
	// aggregation, so a UI can render reduced confidence.
	Fallback bool `json:"isFallback"`

	// Model is the backend method name, or "fallback"/"aggregated".
	Model         string `json:"model,omitempty"`
	QueuePosition int    `json:"queuePosition"`
	RushDetected  bool   `json:"rushDetected,omitempty"`
	LiveAdjusted  bool   `json:"liveAdjusted,omitempty"`
	Warning       string `json:"warning,omitempty"`

	ComputedAt time.Time `json:"computedAt"`
}

// Clone returns a deep copy so cached values can be handed out safely.
func (p Prediction) Clone() Prediction {
	if p.Breakdown.Items != nil {
		items := make([]ItemTrace, len(p.Breakdown.Items))
		copy(items, p.Breakdown.Items)
		p.Breakdown.Items = items
	}
	return p
}

// VendorLoad is the last known load snapshot for a vendor. Last write wins.
type VendorLoad struct {
	VendorID            string   `json:"vendorId"`
	CurrentActiveOrders int      `json:"currentActiveOrders"`
	QueueLength         int      `json:"queueLength"`
	CapacityUtilization float64  `json:"capacityUtilization"`
	AvgPreparationTime  float64  `json:"avgPreparationTime"`
	WaitTime            *float64 `json:"waitTime,omitempty"`
	Fallback            bool     `json:"isFallback,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// FallbackVendorLoad is served when the load endpoint cannot be reached.
func FallbackVendorLoad(vendorID string) VendorLoad {
	return VendorLoad{
		VendorID:            vendorID,
		CapacityUtilization: 0.5,
		AvgPreparationTime:  10,
		Fallback:            true,
		UpdatedAt:           time.Now(),
	}
}

// AccuracyRecord pairs a prediction with the actual fulfilment time.
// Records are append-only and never revised.
type AccuracyRecord struct {
	VendorID             string    `json:"vendorId"`
	PredictionID         string    `json:"predictionId"`
	Model                string    `json:"model"`
	PredictedMinutes     float64   `json:"predictedMinutes"`
	ActualMinutes        float64   `json:"actualMinutes"`
	AbsoluteErrorMinutes float64   `json:"absoluteErrorMinutes"`
	ReportedAt           time.Time `json:"reportedAt"`
}

// OrderData is the checkout-time input for a detailed prediction.
type OrderData struct {
	VendorID      string             `json:"vendorId"`
	StudentID     string             `json:"studentId,omitempty"`
	Items         []MenuItemFeatures `json:"items"`
	DesiredWindow *PickupWindow      `json:"desiredWindow,omitempty"`
}

// ModelMetrics are the backend-reported quality figures for one model.
type ModelMetrics struct {
	ModelName   string    `json:"modelName"`
	Accuracy    float64   `json:"accuracy"`
	Precision   float64   `json:"precision"`
	Recall      float64   `json:"recall"`
	MeanAbsErr  float64   `json:"meanAbsoluteError,omitempty"`
	Fallback    bool      `json:"isFallback,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// AccuracySummary is the backend's view of prediction accuracy for a vendor.
type AccuracySummary struct {
	VendorID          string             `json:"vendorId"`
	Range             string             `json:"range"`
	OverallAccuracy   float64            `json:"overallAccuracy"`
	RecentAccuracy    float64            `json:"recentAccuracy"`
	ErrorDistribution map[string]float64 `json:"errorDistribution"`
	Fallback          bool               `json:"isFallback,omitempty"`
}

// FallbackAccuracySummary is served when the accuracy endpoint is unreachable.
func FallbackAccuracySummary(vendorID, timeRange string) AccuracySummary {
	return AccuracySummary{
		VendorID:          vendorID,
		Range:             timeRange,
		OverallAccuracy:   0.85,
		RecentAccuracy:    0.88,
		ErrorDistribution: map[string]float64{},
		Fallback:          true,
	}
}
