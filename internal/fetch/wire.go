package fetch

import (
	"fmt"
	"math"
	"time"

	"github.com/yourorg/pickup-eta/internal/features"
	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/validation"
)

// rushDemandFactor is reported when the backend flags a rush.
const rushDemandFactor = 1.2

type predictItem struct {
	MenuItemID      string  `json:"menu_item_id"`
	Quantity        int     `json:"quantity"`
	BasePrepMinutes float64 `json:"base_preparation_time_minutes"`
	Complexity      int     `json:"preparation_complexity"`
}

type predictRequest struct {
	VendorID         string        `json:"vendor_id"`
	StudentID        string        `json:"student_id,omitempty"`
	Items            []predictItem `json:"items"`
	TotalBaseMinutes float64       `json:"total_base_time_minutes"`
	MaxComplexity    int           `json:"max_complexity"`
	TotalItems       int           `json:"total_items"`
}

type predictResponse struct {
	PredictedReadyTime *time.Time `json:"predicted_ready_time"`
	Confidence         *float64   `json:"confidence"`
	EstimatedMinutes   *float64   `json:"estimated_minutes"`
	QueuePosition      *int       `json:"queue_position"`
	Method             string     `json:"method"`
	RushDetected       bool       `json:"rush_detected"`
}

type batchRequest struct {
	VendorID string           `json:"vendor_id"`
	Requests []predictRequest `json:"requests"`
}

type batchEntry struct {
	MenuItemID string `json:"menu_item_id"`
	Error      string `json:"error,omitempty"`
	predictResponse
}

type batchResponse struct {
	Predictions []batchEntry `json:"predictions"`
}

func newPredictRequest(vendorID string, items []model.MenuItemFeatures) (predictRequest, model.OrderFeatures) {
	f := features.Extract(items)
	req := predictRequest{
		VendorID:         vendorID,
		Items:            make([]predictItem, len(items)),
		TotalBaseMinutes: f.TotalBaseMinutes,
		MaxComplexity:    f.MaxComplexity,
		TotalItems:       f.TotalItemCount,
	}
	for i, it := range items {
		req.Items[i] = predictItem{
			MenuItemID:      it.ItemID,
			Quantity:        it.Quantity,
			BasePrepMinutes: it.BasePrepMinutes,
			Complexity:      features.Complexity(it),
		}
	}
	return req, f
}

// toPrediction converts a backend response. estimated_minutes wins over
// predicted_ready_time when both are present.
func toPrediction(endpoint string, r predictResponse, vendorID string, f model.OrderFeatures, now time.Time, opts validation.ValidationOptions) (model.Prediction, error) {
	if r.Confidence == nil {
		return model.Prediction{}, &MalformedResponseError{Endpoint: endpoint, Reason: "missing confidence"}
	}

	var estimated float64
	switch {
	case r.EstimatedMinutes != nil:
		estimated = *r.EstimatedMinutes
	case r.PredictedReadyTime != nil:
		estimated = math.Max(0, r.PredictedReadyTime.Sub(now).Minutes())
	default:
		return model.Prediction{}, &MalformedResponseError{Endpoint: endpoint, Reason: "missing estimated_minutes and predicted_ready_time"}
	}

	if err := validation.CheckEstimate(estimated, *r.Confidence, opts); err != nil {
		return model.Prediction{}, &MalformedResponseError{Endpoint: endpoint, Reason: "out of range", Err: err}
	}

	position := -1
	if r.QueuePosition != nil {
		position = *r.QueuePosition
	}
	demand := 1.0
	if r.RushDetected {
		demand = rushDemandFactor
	}
	queue := math.Max(0, estimated-f.TotalBaseMinutes)
	method := r.Method
	if method == "" {
		method = "ml"
	}

	return model.Prediction{
		VendorID:         vendorID,
		EstimatedMinutes: estimated,
		Confidence:       *r.Confidence,
		Breakdown: model.Breakdown{
			BaseTime:     f.TotalBaseMinutes,
			QueueEffect:  queue,
			QueueLength:  max(position, 0),
			DemandFactor: demand,
			Explanation:  fmt.Sprintf("%.1f min preparation, %.1f min queue", f.TotalBaseMinutes, queue),
		},
		PickupWindow:  model.NewPickupWindow(now, estimated),
		Source:        model.SourceML,
		Model:         method,
		QueuePosition: position,
		RushDetected:  r.RushDetected,
		ComputedAt:    now,
	}, nil
}
