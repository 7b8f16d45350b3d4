// Package accuracy reconciles predicted and actual fulfilment times and keeps
// running error metrics per vendor and per model.
package accuracy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/storage"
	"github.com/yourorg/pickup-eta/internal/telemetry"
)

var (
	ErrUnknownPrediction = errors.New("unknown prediction")
	ErrInvalidActual     = errors.New("actual minutes must be a finite non-negative number")
)

// maxRegistered bounds the number of issued predictions awaiting a report.
const maxRegistered = 10000

// Rating buckets an absolute error for display.
type Rating string

const (
	RatingExcellent        Rating = "excellent"
	RatingGood             Rating = "good"
	RatingNeedsImprovement Rating = "needs improvement"
)

// Classify buckets an absolute error in minutes.
func Classify(errMinutes float64) Rating {
	switch {
	case errMinutes <= 3:
		return RatingExcellent
	case errMinutes <= 5:
		return RatingGood
	default:
		return RatingNeedsImprovement
	}
}

// Metrics are the running figures for one vendor or model.
type Metrics struct {
	TotalReports int       `json:"totalReports"`
	AverageError float64   `json:"averageError"`
	LastReported time.Time `json:"lastReported,omitempty"`
}

// Sink receives every appended record, typically an exporter.
type Sink interface {
	Add(rec model.AccuracyRecord)
}

type running struct {
	mu sync.Mutex
	m  Metrics
}

func (r *running) add(e float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := float64(r.m.TotalReports)
	r.m.AverageError = (r.m.AverageError*n + e) / (n + 1)
	r.m.TotalReports++
	if at.After(r.m.LastReported) {
		r.m.LastReported = at
	}
}

func (r *running) snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}

type issued struct {
	vendorID  string
	model     string
	predicted float64
}

// Tracker ingests accuracy reports. Reports for the same vendor or model are
// serialised; different keys proceed in parallel.
type Tracker struct {
	store   storage.Store
	now     func() time.Time
	metrics *telemetry.Metrics
	sink    Sink

	mu      sync.Mutex
	keys    map[string]*running
	pending map[string]issued
	order   []string
}

// NewTracker returns a tracker appending to store.
func NewTracker(store storage.Store) *Tracker {
	return &Tracker{
		store:   store,
		now:     time.Now,
		keys:    make(map[string]*running),
		pending: make(map[string]issued),
	}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) WithMetrics(m *telemetry.Metrics) *Tracker {
	t.metrics = m
	return t
}

func (t *Tracker) WithSink(s Sink) *Tracker {
	t.sink = s
	return t
}

// Register remembers an issued prediction so it can later be reported by ID.
func (t *Tracker) Register(p model.Prediction) {
	if p.ID == "" {
		return
	}
	name := p.Model
	if name == "" {
		name = string(p.Source)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[p.ID]; !ok {
		t.order = append(t.order, p.ID)
	}
	t.pending[p.ID] = issued{vendorID: p.VendorID, model: name, predicted: p.EstimatedMinutes}

	for len(t.order) > maxRegistered {
		delete(t.pending, t.order[0])
		t.order = t.order[1:]
	}
}

// Report reconciles a registered prediction with the actual fulfilment time.
// A prediction can be reported once.
func (t *Tracker) Report(ctx context.Context, predictionID string, actualMinutes float64) (model.AccuracyRecord, error) {
	t.mu.Lock()
	p, ok := t.pending[predictionID]
	if ok {
		delete(t.pending, predictionID)
	}
	t.mu.Unlock()
	if !ok {
		return model.AccuracyRecord{}, fmt.Errorf("%w: %s", ErrUnknownPrediction, predictionID)
	}

	rec, err := t.record(ctx, predictionID, p.vendorID, p.model, p.predicted, actualMinutes)
	if err != nil {
		// still reportable
		t.mu.Lock()
		t.pending[predictionID] = p
		t.mu.Unlock()
	}
	return rec, err
}

// Record ingests a (predicted, actual) pair that was not registered with the tracker.
func (t *Tracker) Record(ctx context.Context, vendorID, modelName string, predicted, actual float64) (model.AccuracyRecord, error) {
	return t.record(ctx, "", vendorID, modelName, predicted, actual)
}

func (t *Tracker) record(ctx context.Context, predictionID, vendorID, modelName string, predicted, actual float64) (model.AccuracyRecord, error) {
	if actual < 0 || math.IsNaN(actual) || math.IsInf(actual, 0) {
		return model.AccuracyRecord{}, ErrInvalidActual
	}

	rec := model.AccuracyRecord{
		VendorID:             vendorID,
		PredictionID:         predictionID,
		Model:                modelName,
		PredictedMinutes:     predicted,
		ActualMinutes:        actual,
		AbsoluteErrorMinutes: math.Abs(actual - predicted),
		ReportedAt:           t.now(),
	}

	if t.store != nil {
		if err := t.store.Append(ctx, rec); err != nil {
			return model.AccuracyRecord{}, fmt.Errorf("failed to persist accuracy record: %w", err)
		}
	}
	t.apply(rec)

	t.metrics.AccuracyError(modelName, rec.AbsoluteErrorMinutes)
	if t.sink != nil {
		t.sink.Add(rec)
	}

	logrus.WithFields(logrus.Fields{
		"vendor_id":     vendorID,
		"prediction_id": predictionID,
		"model":         modelName,
		"error_minutes": rec.AbsoluteErrorMinutes,
		"rating":        Classify(rec.AbsoluteErrorMinutes),
	}).Debug("Accuracy reported")

	return rec, nil
}

func (t *Tracker) apply(rec model.AccuracyRecord) {
	t.key(vendorKey(rec.VendorID)).add(rec.AbsoluteErrorMinutes, rec.ReportedAt)
	if rec.Model != "" {
		t.key(modelKey(rec.Model)).add(rec.AbsoluteErrorMinutes, rec.ReportedAt)
	}
}

func (t *Tracker) key(k string) *running {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.keys[k]
	if !ok {
		r = &running{}
		t.keys[k] = r
	}
	return r
}

func (t *Tracker) lookup(k string) Metrics {
	t.mu.Lock()
	r, ok := t.keys[k]
	t.mu.Unlock()
	if !ok {
		return Metrics{}
	}
	return r.snapshot()
}

// VendorMetrics returns the running metrics for a vendor.
func (t *Tracker) VendorMetrics(vendorID string) Metrics {
	return t.lookup(vendorKey(vendorID))
}

// ModelMetrics returns the running metrics for a model.
func (t *Tracker) ModelMetrics(name string) Metrics {
	return t.lookup(modelKey(name))
}

// Restore rebuilds running metrics from the store. Call once before serving.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	recs, err := t.store.List(ctx, storage.Filter{})
	if err != nil {
		return 0, fmt.Errorf("failed to restore accuracy metrics: %w", err)
	}
	for _, r := range recs {
		t.apply(r)
	}
	return len(recs), nil
}

func vendorKey(id string) string  { return "vendor:" + id }
func modelKey(name string) string { return "model:" + name }
