package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/pickup-eta/internal/cache"
	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/types"
	"github.com/yourorg/pickup-eta/internal/validation"
)

// SubscribeToVendor asks the live channel for a vendor's events. While the
// channel is down the subscription is remembered and sent on reconnect.
func (s *PredictionService) SubscribeToVendor(vendorID string) error {
	if s.live == nil {
		return ErrLiveDisabled
	}
	if err := s.live.Subscribe(vendorID); err != nil {
		logrus.WithError(err).WithField("vendor_id", vendorID).Warn("Failed to subscribe to vendor")
		return err
	}
	return nil
}

// UnsubscribeFromVendor stops live events for a vendor.
func (s *PredictionService) UnsubscribeFromVendor(vendorID string) error {
	if s.live == nil {
		return ErrLiveDisabled
	}
	if err := s.live.Unsubscribe(vendorID); err != nil {
		logrus.WithError(err).WithField("vendor_id", vendorID).Warn("Failed to unsubscribe from vendor")
		return err
	}
	return nil
}

// HandleEvent applies one live event. Events arrive in order on the channel's
// read goroutine.
func (s *PredictionService) HandleEvent(_ context.Context, ev types.Event) {
	switch e := ev.(type) {
	case types.PredictionUpdate:
		s.applyPredictionUpdate(e)

	case types.VendorLoadUpdate:
		s.applyLoad(e.VendorID, e.Load)

	case types.ModelMetricsUpdate:
		m := e.Metrics
		if m.LastUpdated.IsZero() {
			m.LastUpdated = s.now()
		}
		s.mu.Lock()
		s.modelMetrics[m.ModelName] = m
		s.mu.Unlock()

	case types.DemandSpikeAlert:
		s.applySpike(e)

	case types.PredictionError:
		s.applyPredictionError(e)

	default:
		logrus.WithField("type", ev.Type()).Warn("Unhandled live event")
	}
}

// applyPredictionUpdate replaces the single-quantity quick entry for the item.
func (s *PredictionService) applyPredictionUpdate(e types.PredictionUpdate) {
	if e.VendorID == "" || e.ItemID == "" {
		logrus.Warn("Ignoring prediction update without vendor or item")
		return
	}

	p := e.Prediction
	if err := validation.CheckEstimate(p.EstimatedMinutes, p.Confidence, s.opts.Validation); err != nil {
		logrus.WithFields(logrus.Fields{
			"vendor_id": e.VendorID,
			"item_id":   e.ItemID,
		}).WithError(err).Warn("Dropping invalid live prediction update")
		return
	}
	p.VendorID = e.VendorID
	p.ItemID = e.ItemID
	if p.ComputedAt.IsZero() {
		p.ComputedAt = s.now()
	}
	if !p.Source.Valid() {
		p.Source = model.SourceML
	}
	p.PickupWindow = model.NewPickupWindow(p.ComputedAt, p.EstimatedMinutes)

	s.cache.Put(cache.QuickKey(e.VendorID, e.ItemID, 1), e.VendorID, p, s.opts.QuickTTL)
	logrus.WithFields(logrus.Fields{
		"vendor_id":         e.VendorID,
		"item_id":           e.ItemID,
		"estimated_minutes": p.EstimatedMinutes,
	}).Debug("Applied live prediction update")
}

// applyLoad stores the snapshot and patches cached predictions of the vendor.
// Estimates and windows are left alone until the next full prediction.
func (s *PredictionService) applyLoad(vendorID string, load model.VendorLoad) {
	if vendorID == "" {
		vendorID = load.VendorID
	}
	if vendorID == "" {
		logrus.Warn("Ignoring load update without vendor")
		return
	}
	load.VendorID = vendorID
	if load.UpdatedAt.IsZero() {
		load.UpdatedAt = s.now()
	}

	s.mu.Lock()
	s.vendorLoads[vendorID] = load
	s.mu.Unlock()

	patched := s.cache.PatchVendor(vendorID, func(p *model.Prediction) {
		if load.WaitTime != nil {
			p.Breakdown.QueueEffect = *load.WaitTime
		}
		p.Breakdown.QueueLength = load.QueueLength
		p.LiveAdjusted = true
	})

	logrus.WithFields(logrus.Fields{
		"vendor_id":    vendorID,
		"queue_length": load.QueueLength,
		"patched":      patched,
	}).Debug("Applied live vendor load")
}

func (s *PredictionService) applySpike(e types.DemandSpikeAlert) {
	fields := logrus.Fields{
		"vendor_id": e.VendorID,
		"intensity": e.Intensity,
	}
	if !e.Intensity.Severe() {
		logrus.WithFields(fields).Debug("Demand spike below alert threshold")
		return
	}

	msg := e.Message
	if msg == "" {
		msg = "High demand: pickup may take longer than estimated"
	}
	now := s.now()

	s.mu.Lock()
	s.spikes[e.VendorID] = spike{until: now.Add(s.opts.SpikeWarningWindow), message: msg}
	s.mu.Unlock()

	logrus.WithFields(fields).Warn("Demand spike detected")
	s.publish(Alert{
		Kind:      AlertDemandSpike,
		VendorID:  e.VendorID,
		Intensity: e.Intensity,
		Message:   msg,
		At:        now,
	})
}

func (s *PredictionService) applyPredictionError(e types.PredictionError) {
	logrus.WithFields(logrus.Fields{
		"vendor_id": e.VendorID,
		"item_id":   e.ItemID,
		"code":      e.Code,
	}).Warn("Prediction error from live channel: ", e.Message)

	switch {
	case e.VendorID != "" && e.ItemID != "":
		s.cache.Invalidate(cache.QuickKey(e.VendorID, e.ItemID, 1))
	case e.VendorID != "":
		s.cache.InvalidateVendor(e.VendorID)
	}

	s.publish(Alert{
		Kind:     AlertPredictionError,
		VendorID: e.VendorID,
		ItemID:   e.ItemID,
		Message:  e.Message,
		At:       s.now(),
	})
}
