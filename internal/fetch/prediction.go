package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/yourorg/pickup-eta/internal/circuitbreaker"
	"github.com/yourorg/pickup-eta/internal/fallback"
	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/otel"
	"github.com/yourorg/pickup-eta/internal/telemetry"
	"github.com/yourorg/pickup-eta/internal/validation"
)

var (
	errCircuitOpen   = errors.New("circuit open")
	errRateLimited   = errors.New("rate limit budget exceeded")
	errLowConfidence = errors.New("confidence below threshold")
)

const (
	endpointPredict = "/predict"
	endpointBatch   = "/predict/batch"
)

// Catalog resolves item features for a vendor.
type Catalog interface {
	Lookup(vendorID, itemID string) (model.MenuItemFeatures, bool)
}

// Options configures a PredictionClient.
type Options struct {
	BaseURL string
	APIKey  string

	QuickTimeout    time.Duration
	DetailedTimeout time.Duration
	DetailedRetries int

	// Backend results below this confidence are replaced by the fallback
	MinConfidence float64

	// Requests per second towards the backend; zero disables limiting
	RPS   float64
	Burst int

	Validation validation.ValidationOptions
}

// DefaultOptions returns the standard budgets: 2s without retry for browsing,
// 8s with one retry at checkout.
func DefaultOptions(baseURL string) Options {
	return Options{
		BaseURL:         baseURL,
		QuickTimeout:    2 * time.Second,
		DetailedTimeout: 8 * time.Second,
		DetailedRetries: 1,
		MinConfidence:   0.25,
		Validation:      validation.DefaultValidationOptions(),
	}
}

// PredictionClient calls the ML backend and never fails a browse-time request:
// any error resolves to a deterministic fallback.
type PredictionClient struct {
	opts     Options
	quick    *http.Client
	detailed *http.Client
	catalog  Catalog
	fallback *fallback.Estimator
	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewPredictionClient creates a client for the backend at opts.BaseURL.
func NewPredictionClient(opts Options, catalog Catalog, est *fallback.Estimator) *PredictionClient {
	c := &PredictionClient{
		opts:     opts,
		quick:    StandardClient(newRetryClient(0)),
		detailed: StandardClient(newRetryClient(opts.DetailedRetries)),
		catalog:  catalog,
		fallback: est,
		now:      time.Now,
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return c
}

// WithBreaker short-circuits calls while the breaker is open.
func (c *PredictionClient) WithBreaker(cb *circuitbreaker.CircuitBreaker) *PredictionClient {
	c.breaker = cb
	return c
}

// WithMetrics records backend latency and fallbacks.
func (c *PredictionClient) WithMetrics(m *telemetry.Metrics) *PredictionClient {
	c.metrics = m
	return c
}

// WithClock overrides the clock used for ComputedAt.
func (c *PredictionClient) WithClock(now func() time.Time) *PredictionClient {
	c.now = now
	return c
}

// Fallback exposes the estimator used for degraded results.
func (c *PredictionClient) Fallback() *fallback.Estimator {
	return c.fallback
}

// QuickEstimate predicts one menu item at browse time.
func (c *PredictionClient) QuickEstimate(ctx context.Context, vendorID, itemID string, quantity int) model.Prediction {
	if quantity < 1 {
		quantity = 1
	}

	item, ok := c.catalog.Lookup(vendorID, itemID)
	if !ok {
		return c.itemFallback("quick", vendorID, itemID, ErrUnknownItem)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.QuickTimeout)
	defer cancel()

	ctx, span := otel.Tracer().Start(ctx, "fetch.QuickEstimate", trace.WithAttributes(
		attribute.String("vendor.id", vendorID),
		attribute.String("item.id", itemID),
	))
	defer span.End()

	req, f := newPredictRequest(vendorID, []model.MenuItemFeatures{item.WithQuantity(quantity)})
	var resp predictResponse
	if err := c.call(ctx, c.quick, endpointPredict, req, &resp); err != nil {
		otel.RecordError(ctx, err)
		return c.itemFallback("quick", vendorID, itemID, err)
	}

	p, err := c.accept(endpointPredict, resp, vendorID, f)
	if err != nil {
		otel.RecordError(ctx, err)
		return c.itemFallback("quick", vendorID, itemID, err)
	}
	p.ItemID = itemID
	c.metrics.Prediction("quick", string(p.Source))
	return p
}

// BatchEstimate predicts several items of one vendor in a single round trip.
// Items that fail individually are resolved individually.
func (c *PredictionClient) BatchEstimate(ctx context.Context, vendorID string, itemIDs []string) map[string]model.Prediction {
	out := make(map[string]model.Prediction, len(itemIDs))

	known := make([]model.MenuItemFeatures, 0, len(itemIDs))
	features := make(map[string]model.OrderFeatures, len(itemIDs))
	for _, id := range itemIDs {
		if _, seen := out[id]; seen {
			continue
		}
		if _, seen := features[id]; seen {
			continue
		}
		item, ok := c.catalog.Lookup(vendorID, id)
		if !ok {
			out[id] = c.itemFallback("batch", vendorID, id, ErrUnknownItem)
			continue
		}
		known = append(known, item)
		features[id] = model.OrderFeatures{}
	}
	if len(known) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.QuickTimeout)
	defer cancel()

	ctx, span := otel.Tracer().Start(ctx, "fetch.BatchEstimate", trace.WithAttributes(
		attribute.String("vendor.id", vendorID),
		attribute.Int("items", len(known)),
	))
	defer span.End()

	req := batchRequest{VendorID: vendorID, Requests: make([]predictRequest, len(known))}
	for i, it := range known {
		r, f := newPredictRequest(vendorID, []model.MenuItemFeatures{it})
		req.Requests[i] = r
		features[it.ItemID] = f
	}

	var resp batchResponse
	if err := c.call(ctx, c.quick, endpointBatch, req, &resp); err != nil {
		otel.RecordError(ctx, err)
		for _, it := range known {
			out[it.ItemID] = c.itemFallback("batch", vendorID, it.ItemID, err)
		}
		return out
	}

	for _, entry := range resp.Predictions {
		f, wanted := features[entry.MenuItemID]
		if !wanted {
			continue
		}
		if _, done := out[entry.MenuItemID]; done {
			continue
		}
		if entry.Error != "" {
			out[entry.MenuItemID] = c.itemFallback("batch", vendorID, entry.MenuItemID,
				&MalformedResponseError{Endpoint: endpointBatch, Reason: entry.Error})
			continue
		}
		p, err := c.accept(endpointBatch, entry.predictResponse, vendorID, f)
		if err != nil {
			out[entry.MenuItemID] = c.itemFallback("batch", vendorID, entry.MenuItemID, err)
			continue
		}
		p.ItemID = entry.MenuItemID
		c.metrics.Prediction("batch", string(p.Source))
		out[entry.MenuItemID] = p
	}

	for _, it := range known {
		if _, ok := out[it.ItemID]; !ok {
			out[it.ItemID] = c.itemFallback("batch", vendorID, it.ItemID,
				&MalformedResponseError{Endpoint: endpointBatch, Reason: "item missing from batch response"})
		}
	}
	return out
}

// DetailedPrediction predicts a whole order at checkout. The only error is
// ErrInvalidOrder; backend trouble degrades to the whole-cart fallback.
func (c *PredictionClient) DetailedPrediction(ctx context.Context, order model.OrderData) (model.Prediction, error) {
	if err := validation.ValidateOrder(order, c.opts.Validation); err != nil {
		return model.Prediction{}, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}

	items := c.enrich(order.VendorID, order.Items)

	ctx, cancel := context.WithTimeout(ctx, c.opts.DetailedTimeout)
	defer cancel()

	ctx, span := otel.Tracer().Start(ctx, "fetch.DetailedPrediction", trace.WithAttributes(
		attribute.String("vendor.id", order.VendorID),
		attribute.Int("items", len(items)),
	))
	defer span.End()

	req, f := newPredictRequest(order.VendorID, items)
	req.StudentID = order.StudentID

	var resp predictResponse
	err := c.call(ctx, c.detailed, endpointPredict, req, &resp)
	var p model.Prediction
	if err == nil {
		p, err = c.accept(endpointPredict, resp, order.VendorID, f)
	}
	if err != nil {
		otel.RecordError(ctx, err)
		c.logFallback("detailed", order.VendorID, "", err)
		fb := c.fallback.Aggregate(order.VendorID, items)
		c.metrics.Prediction("detailed", string(fb.Source))
		return fb, nil
	}

	c.metrics.Prediction("detailed", string(p.Source))
	return p, nil
}

// enrich fills missing item features from the catalog.
func (c *PredictionClient) enrich(vendorID string, items []model.MenuItemFeatures) []model.MenuItemFeatures {
	out := make([]model.MenuItemFeatures, len(items))
	for i, it := range items {
		if it.BasePrepMinutes == 0 && it.Complexity == 0 {
			if known, ok := c.catalog.Lookup(vendorID, it.ItemID); ok {
				known.Quantity = it.Quantity
				if it.Name != "" {
					known.Name = it.Name
				}
				it = known
			}
		}
		out[i] = it
	}
	return out
}

// call performs one backend request, honouring the breaker and rate limiter.
func (c *PredictionClient) call(ctx context.Context, hc *http.Client, endpoint string, body, out interface{}) error {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return fmt.Errorf("%w: %w", errCircuitOpen, err)
		}
	}
	if c.limiter != nil {
		// Wait fails fast when the token would arrive after the deadline.
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %w", errRateLimited, err)
		}
	}

	start := time.Now()
	err := doJSON(ctx, hc, http.MethodPost, c.opts.BaseURL+endpoint, c.opts.APIKey, body, out)
	status := "ok"
	if err != nil {
		status = reason(err)
	}
	c.metrics.BackendRequest(endpoint, status, time.Since(start).Seconds())

	if c.breaker != nil {
		switch {
		case err == nil:
			c.breaker.RecordSuccess()
		case errors.Is(err, context.Canceled):
			// caller went away; says nothing about backend health
		default:
			c.breaker.RecordFailure(fmt.Sprintf("%s %s", endpoint, status))
		}
	}
	return err
}

// accept converts and validates a response and applies the confidence floor.
func (c *PredictionClient) accept(endpoint string, resp predictResponse, vendorID string, f model.OrderFeatures) (model.Prediction, error) {
	p, err := toPrediction(endpoint, resp, vendorID, f, c.now(), c.opts.Validation)
	if err != nil {
		return model.Prediction{}, err
	}
	if p.Confidence < c.opts.MinConfidence {
		return model.Prediction{}, fmt.Errorf("%w: %.2f < %.2f", errLowConfidence, p.Confidence, c.opts.MinConfidence)
	}
	return p, nil
}

func (c *PredictionClient) itemFallback(operation, vendorID, itemID string, err error) model.Prediction {
	c.logFallback(operation, vendorID, itemID, err)
	p := c.fallback.Item(vendorID, itemID)
	c.metrics.Prediction(operation, string(p.Source))
	return p
}

func (c *PredictionClient) logFallback(operation, vendorID, itemID string, err error) {
	r := reason(err)
	c.metrics.Fallback(operation, r)

	entry := logrus.WithFields(logrus.Fields{
		"operation": operation,
		"vendor_id": vendorID,
		"reason":    r,
	})
	if itemID != "" {
		entry = entry.WithField("item_id", itemID)
	}
	switch r {
	case "unknown_item", "low_confidence", "canceled":
		entry.Debug("Using fallback prediction")
	default:
		entry.WithError(err).Warn("Prediction backend failed, using fallback")
	}
}
