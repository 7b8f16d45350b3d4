package service

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/pickup-eta/internal/accuracy"
	"github.com/yourorg/pickup-eta/internal/model"
)

// warmConcurrency bounds vendors warmed in parallel.
const warmConcurrency = 4

// GetVendorLoad fetches a vendor's current load. Concurrent callers for the
// same vendor share one request. When the vendor API is unreachable the last
// live snapshot is served, or a fallback load if there is none.
func (s *PredictionService) GetVendorLoad(ctx context.Context, vendorID string) model.VendorLoad {
	if s.vendors == nil {
		return s.knownLoad(vendorID)
	}

	v, err, shared := s.loads.Do(vendorID, func() (interface{}, error) {
		load, err := s.vendors.Load(ctx, vendorID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.vendorLoads[vendorID] = load
		s.mu.Unlock()
		return load, nil
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"vendor_id": vendorID,
			"shared":    shared,
		}).Warn("Using cached or fallback vendor load")
		return s.knownLoad(vendorID)
	}
	return v.(model.VendorLoad)
}

func (s *PredictionService) knownLoad(vendorID string) model.VendorLoad {
	s.mu.RLock()
	load, ok := s.vendorLoads[vendorID]
	s.mu.RUnlock()
	if ok {
		return load
	}
	return model.FallbackVendorLoad(vendorID)
}

// GetPredictionAccuracy returns the backend's accuracy summary for a vendor.
func (s *PredictionService) GetPredictionAccuracy(ctx context.Context, vendorID, timeRange string) model.AccuracySummary {
	if timeRange == "" {
		timeRange = "7d"
	}
	if s.vendors == nil {
		return model.FallbackAccuracySummary(vendorID, timeRange)
	}
	summary, err := s.vendors.Accuracy(ctx, vendorID, timeRange)
	if err != nil {
		logrus.WithError(err).WithField("vendor_id", vendorID).Warn("Using fallback accuracy summary")
		return model.FallbackAccuracySummary(vendorID, timeRange)
	}
	return summary
}

// GetModelMetrics returns the latest live-reported metrics for a model.
func (s *PredictionService) GetModelMetrics(name string) model.ModelMetrics {
	s.mu.RLock()
	m, ok := s.modelMetrics[name]
	s.mu.RUnlock()
	if ok {
		return m
	}
	return model.ModelMetrics{ModelName: name, Fallback: true, LastUpdated: s.now()}
}

// ReportAccuracy reconciles an issued prediction with the actual fulfilment time.
func (s *PredictionService) ReportAccuracy(ctx context.Context, predictionID string, actualMinutes float64) (model.AccuracyRecord, error) {
	return s.tracker.Report(ctx, predictionID, actualMinutes)
}

// AccuracyMetrics returns the locally tracked running error for a vendor.
func (s *PredictionService) AccuracyMetrics(vendorID string) accuracy.Metrics {
	return s.tracker.VendorMetrics(vendorID)
}

// Warm primes vendor loads and item predictions, vendor by vendor in parallel.
// menus maps vendor IDs to the item IDs to predict; warmed items live for BatchTTL.
func (s *PredictionService) Warm(ctx context.Context, menus map[string][]string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)

	for vendorID, items := range menus {
		vendorID, items := vendorID, items
		g.Go(func() error {
			s.GetVendorLoad(ctx, vendorID)
			if len(items) > 0 {
				s.batch(ctx, vendorID, items, s.opts.BatchTTL)
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logrus.WithField("vendors", len(menus)).Info("Prediction cache warmed")
	return nil
}
