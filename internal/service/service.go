// Package service exposes the prediction engine as one explicit object that owns
// the cache, the live subscriptions and the accuracy tracker.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/pickup-eta/internal/accuracy"
	"github.com/yourorg/pickup-eta/internal/aggregate"
	"github.com/yourorg/pickup-eta/internal/cache"
	"github.com/yourorg/pickup-eta/internal/fallback"
	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/telemetry"
	"github.com/yourorg/pickup-eta/internal/types"
	"github.com/yourorg/pickup-eta/internal/validation"
)

// ErrLiveDisabled is returned by subscription calls when no live channel is configured.
var ErrLiveDisabled = errors.New("live updates are not configured")

// Predictor produces predictions from the ML backend, degrading to fallbacks.
type Predictor interface {
	QuickEstimate(ctx context.Context, vendorID, itemID string, quantity int) model.Prediction
	BatchEstimate(ctx context.Context, vendorID string, itemIDs []string) map[string]model.Prediction
	DetailedPrediction(ctx context.Context, order model.OrderData) (model.Prediction, error)
}

// VendorAPI reads vendor-side data.
type VendorAPI interface {
	Load(ctx context.Context, vendorID string) (model.VendorLoad, error)
	Accuracy(ctx context.Context, vendorID, timeRange string) (model.AccuracySummary, error)
}

// Publisher is the outbound side of the live channel.
type Publisher interface {
	Connected() bool
	Subscriptions() []string
	Subscribe(vendorID string) error
	Unsubscribe(vendorID string) error
	Send(t types.EventType, payload interface{}) error
}

// MenuSource lists a vendor's full menu.
type MenuSource interface {
	Items(vendorID string) []model.MenuItemFeatures
}

// Options tunes the service.
type Options struct {
	QuickTTL           time.Duration
	BatchTTL           time.Duration
	SpikeWarningWindow time.Duration
	HistoryLimit       int
	AlertBuffer        int

	// Validation bounds predictions pushed over the live channel.
	Validation validation.ValidationOptions
}

// DefaultOptions returns the standard cache lifetimes and limits.
func DefaultOptions() Options {
	return Options{
		QuickTTL:           cache.QuickTTL,
		BatchTTL:           cache.BatchTTL,
		SpikeWarningWindow: 10 * time.Minute,
		HistoryLimit:       100,
		AlertBuffer:        32,
		Validation:         validation.DefaultValidationOptions(),
	}
}

// AlertKind classifies an Alert.
type AlertKind string

const (
	AlertDemandSpike     AlertKind = "demand_spike"
	AlertPredictionError AlertKind = "prediction_error"
)

// Alert is published for severe demand spikes and backend prediction errors.
type Alert struct {
	Kind      AlertKind       `json:"kind"`
	VendorID  string          `json:"vendorId,omitempty"`
	ItemID    string          `json:"itemId,omitempty"`
	Intensity types.Intensity `json:"intensity,omitempty"`
	Message   string          `json:"message"`
	At        time.Time       `json:"at"`
}

type spike struct {
	until   time.Time
	message string
}

// PredictionService is safe for concurrent use. Construct one per process.
type PredictionService struct {
	opts       Options
	client     Predictor
	fallback   *fallback.Estimator
	aggregator *aggregate.Engine
	cache      *cache.PredictionCache
	tracker    *accuracy.Tracker
	vendors    VendorAPI
	live       Publisher
	menus      MenuSource
	metrics    *telemetry.Metrics
	now        func() time.Time

	loads singleflight.Group

	mu           sync.RWMutex
	vendorLoads  map[string]model.VendorLoad
	modelMetrics map[string]model.ModelMetrics
	spikes       map[string]spike
	history      []model.Prediction

	alerts chan Alert
}

// New creates a service around client. est must be the estimator the client
// falls back to, so aggregated and direct fallbacks agree.
func New(client Predictor, est *fallback.Estimator, c *cache.PredictionCache, tracker *accuracy.Tracker, opts Options) *PredictionService {
	def := DefaultOptions()
	if opts.QuickTTL <= 0 {
		opts.QuickTTL = def.QuickTTL
	}
	if opts.BatchTTL <= 0 {
		opts.BatchTTL = def.BatchTTL
	}
	if opts.SpikeWarningWindow <= 0 {
		opts.SpikeWarningWindow = def.SpikeWarningWindow
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	if opts.AlertBuffer <= 0 {
		opts.AlertBuffer = def.AlertBuffer
	}
	if opts.Validation == (validation.ValidationOptions{}) {
		opts.Validation = def.Validation
	}

	return &PredictionService{
		opts:         opts,
		client:       client,
		fallback:     est,
		aggregator:   aggregate.New(est),
		cache:        c,
		tracker:      tracker,
		now:          time.Now,
		vendorLoads:  make(map[string]model.VendorLoad),
		modelMetrics: make(map[string]model.ModelMetrics),
		spikes:       make(map[string]spike),
		alerts:       make(chan Alert, opts.AlertBuffer),
	}
}

func (s *PredictionService) WithVendorAPI(v VendorAPI) *PredictionService {
	s.vendors = v
	return s
}

// WithMenus lets batch requests that cover a vendor's whole menu use BatchTTL.
func (s *PredictionService) WithMenus(m MenuSource) *PredictionService {
	s.menus = m
	return s
}

// WithLive connects the outbound side of the live channel.
func (s *PredictionService) WithLive(p Publisher) *PredictionService {
	s.live = p
	return s
}

func (s *PredictionService) WithMetrics(m *telemetry.Metrics) *PredictionService {
	s.metrics = m
	return s
}

// WithClock overrides the clock used for spike windows, live updates and the
// aggregation engine.
func (s *PredictionService) WithClock(now func() time.Time) *PredictionService {
	s.now = now
	s.aggregator.WithClock(now)
	return s
}

// Alerts streams severe spikes and prediction errors. Alerts are dropped when
// nobody drains the channel.
func (s *PredictionService) Alerts() <-chan Alert {
	return s.alerts
}

func (s *PredictionService) publish(a Alert) {
	select {
	case s.alerts <- a:
	default:
		logrus.WithFields(logrus.Fields{
			"kind":      a.Kind,
			"vendor_id": a.VendorID,
		}).Warn("Alert buffer full, dropping alert")
	}
}

// issue stamps a fresh prediction with an ID and records it.
func (s *PredictionService) issue(p model.Prediction) model.Prediction {
	p.ID = uuid.NewString()
	if s.tracker != nil {
		s.tracker.Register(p)
	}

	s.mu.Lock()
	s.history = append(s.history, p.Clone())
	if over := len(s.history) - s.opts.HistoryLimit; over > 0 {
		s.history = append([]model.Prediction(nil), s.history[over:]...)
	}
	s.mu.Unlock()
	return p
}

// decorate attaches the vendor's active spike warning, if any.
func (s *PredictionService) decorate(p model.Prediction) model.Prediction {
	s.mu.RLock()
	sp, ok := s.spikes[p.VendorID]
	s.mu.RUnlock()
	if ok && s.now().Before(sp.until) {
		p.Warning = sp.message
	}
	return p
}

// History returns up to limit of the most recently issued predictions, newest first.
func (s *PredictionService) History(limit int) []model.Prediction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	out := make([]model.Prediction, 0, limit)
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.history[i].Clone())
	}
	return out
}

// ClearVendorCache drops every cached prediction of a vendor.
func (s *PredictionService) ClearVendorCache(vendorID string) int {
	n := s.cache.InvalidateVendor(vendorID)
	logrus.WithFields(logrus.Fields{
		"vendor_id": vendorID,
		"removed":   n,
	}).Info("Cleared vendor prediction cache")
	return n
}

// Status summarises the service for the status endpoint.
func (s *PredictionService) Status() map[string]interface{} {
	s.mu.RLock()
	now := s.now()
	spiking := make([]string, 0, len(s.spikes))
	for v, sp := range s.spikes {
		if now.Before(sp.until) {
			spiking = append(spiking, v)
		}
	}
	status := map[string]interface{}{
		"cache":          s.cache.Stats(),
		"history":        len(s.history),
		"known_loads":    len(s.vendorLoads),
		"spiking":        spiking,
		"live_enabled":   s.live != nil,
		"live_connected": s.live != nil && s.live.Connected(),
	}
	s.mu.RUnlock()

	if s.live != nil {
		status["subscriptions"] = s.live.Subscriptions()
	}
	return status
}
