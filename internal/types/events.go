// Package types contains the live channel message types shared by the channel
// and the service that handles its events.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/yourorg/pickup-eta/internal/model"
)

// EventType tags an envelope.
type EventType string

// Inbound events
const (
	EventPredictionUpdate   EventType = "PREDICTION_UPDATE"
	EventVendorLoadUpdate   EventType = "VENDOR_LOAD_UPDATE"
	EventModelMetricsUpdate EventType = "MODEL_METRICS_UPDATE"
	EventDemandSpikeAlert   EventType = "DEMAND_SPIKE_ALERT"
	EventPredictionError    EventType = "PREDICTION_ERROR"
)

// Outbound messages
const (
	EventSubscribeVendor   EventType = "SUBSCRIBE_VENDOR"
	EventUnsubscribeVendor EventType = "UNSUBSCRIBE_VENDOR"
	EventPredictionCreated EventType = "PREDICTION_CREATED"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope encodes payload under the given type.
func NewEnvelope(t EventType, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// Event is one decoded inbound event. The set of implementations is closed.
type Event interface {
	Type() EventType
	Vendor() string
}

// PredictionUpdate carries a backend recompute for one item.
type PredictionUpdate struct {
	VendorID   string           `json:"vendorId"`
	ItemID     string           `json:"itemId"`
	Prediction model.Prediction `json:"prediction"`
}

// VendorLoadUpdate carries a new load snapshot.
type VendorLoadUpdate struct {
	VendorID string           `json:"vendorId"`
	Load     model.VendorLoad `json:"load"`
}

// ModelMetricsUpdate carries backend quality figures for one model.
type ModelMetricsUpdate struct {
	Metrics model.ModelMetrics
}

// DemandSpikeAlert warns that a vendor is about to be overwhelmed.
type DemandSpikeAlert struct {
	VendorID  string    `json:"vendorId"`
	Intensity Intensity `json:"intensity"`
	Message   string    `json:"message,omitempty"`
}

// PredictionError reports a backend failure for a vendor or item.
type PredictionError struct {
	VendorID string `json:"vendorId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
}

func (PredictionUpdate) Type() EventType   { return EventPredictionUpdate }
func (VendorLoadUpdate) Type() EventType   { return EventVendorLoadUpdate }
func (ModelMetricsUpdate) Type() EventType { return EventModelMetricsUpdate }
func (DemandSpikeAlert) Type() EventType   { return EventDemandSpikeAlert }
func (PredictionError) Type() EventType    { return EventPredictionError }

func (e PredictionUpdate) Vendor() string { return e.VendorID }
func (e VendorLoadUpdate) Vendor() string { return e.VendorID }
func (ModelMetricsUpdate) Vendor() string { return "" }
func (e DemandSpikeAlert) Vendor() string { return e.VendorID }
func (e PredictionError) Vendor() string  { return e.VendorID }

// Intensity grades a demand spike.
type Intensity string

// Spike intensities
const (
	IntensityLow      Intensity = "low"
	IntensityMedium   Intensity = "medium"
	IntensityHigh     Intensity = "high"
	IntensityCritical Intensity = "critical"
)

// Severe reports whether the spike must be surfaced to callers.
func (i Intensity) Severe() bool {
	return i == IntensityHigh || i == IntensityCritical
}

// VendorRef is the payload of subscription messages.
type VendorRef struct {
	VendorID string `json:"vendorId"`
}

// PredictionCreated announces a checkout-time prediction to the vendor side.
type PredictionCreated struct {
	VendorID   string           `json:"vendorId"`
	OrderData  model.OrderData  `json:"orderData"`
	Prediction model.Prediction `json:"prediction"`
}

// UnknownEventError is returned for envelope types outside the closed set.
type UnknownEventError struct {
	Type EventType
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// Decode turns an envelope into a typed event.
func Decode(env Envelope, receivedAt time.Time) (Event, error) {
	switch env.Type {
	case EventPredictionUpdate:
		var e PredictionUpdate
		if err := unmarshal(env, &e); err != nil {
			return nil, err
		}
		if e.VendorID == "" || e.ItemID == "" {
			return nil, fmt.Errorf("%s: vendorId and itemId are required", env.Type)
		}
		if e.Prediction.VendorID == "" {
			e.Prediction.VendorID = e.VendorID
		}
		if e.Prediction.ItemID == "" {
			e.Prediction.ItemID = e.ItemID
		}
		return e, nil

	case EventVendorLoadUpdate:
		var e struct {
			VendorID string            `json:"vendorId"`
			Load     *model.VendorLoad `json:"load"`
		}
		if err := unmarshal(env, &e); err != nil {
			return nil, err
		}
		var load model.VendorLoad
		if e.Load != nil {
			load = *e.Load
		} else {
			// flat payload: {vendorId, queueLength, waitTime, ...}
			if err := unmarshal(env, &load); err != nil {
				return nil, err
			}
		}
		if e.VendorID == "" {
			e.VendorID = load.VendorID
		}
		if e.VendorID == "" {
			return nil, fmt.Errorf("%s: vendorId is required", env.Type)
		}
		load.VendorID = e.VendorID
		if load.UpdatedAt.IsZero() {
			load.UpdatedAt = receivedAt
		}
		return VendorLoadUpdate{VendorID: e.VendorID, Load: load}, nil

	case EventModelMetricsUpdate:
		var m model.ModelMetrics
		if err := unmarshal(env, &m); err != nil {
			return nil, err
		}
		if m.ModelName == "" {
			return nil, fmt.Errorf("%s: modelName is required", env.Type)
		}
		if m.LastUpdated.IsZero() {
			m.LastUpdated = receivedAt
		}
		return ModelMetricsUpdate{Metrics: m}, nil

	case EventDemandSpikeAlert:
		var e DemandSpikeAlert
		if err := unmarshal(env, &e); err != nil {
			return nil, err
		}
		if e.VendorID == "" {
			return nil, fmt.Errorf("%s: vendorId is required", env.Type)
		}
		return e, nil

	case EventPredictionError:
		var e PredictionError
		if err := unmarshal(env, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, &UnknownEventError{Type: env.Type}
}

func unmarshal(env Envelope, v interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", env.Type, err)
	}
	return nil
}
