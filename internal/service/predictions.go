package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/pickup-eta/internal/cache"
	"github.com/yourorg/pickup-eta/internal/model"
	"github.com/yourorg/pickup-eta/internal/types"
)

// GetQuickPrediction returns a browse-time estimate for one item. It never fails.
// A request superseded by a newer one for the same item still gets a value, but
// it is neither cached nor registered for accuracy reporting.
func (s *PredictionService) GetQuickPrediction(ctx context.Context, vendorID, itemID string, quantity int) model.Prediction {
	if quantity < 1 {
		quantity = 1
	}
	key := cache.QuickKey(vendorID, itemID, quantity)
	if p, ok := s.lookup(key); ok {
		return s.decorate(p)
	}

	reqCtx, ticket := s.cache.Begin(ctx, key)
	defer s.cache.Done(ticket)

	p := s.client.QuickEstimate(reqCtx, vendorID, itemID, quantity)
	if reqCtx.Err() != nil {
		s.discard(ticket.Key())
		return s.decorate(p)
	}
	p = s.issue(p)
	s.commit(ticket, vendorID, p, s.opts.QuickTTL)
	return s.decorate(p)
}

// GetBatchPredictions estimates several items of one vendor. Items already
// cached are served without a network call; the rest share one backend round
// trip. Results live for QuickTTL unless the request covers the vendor's whole
// menu.
func (s *PredictionService) GetBatchPredictions(ctx context.Context, vendorID string, itemIDs []string) map[string]model.Prediction {
	return s.batch(ctx, vendorID, itemIDs, s.batchTTL(vendorID, itemIDs))
}

func (s *PredictionService) batch(ctx context.Context, vendorID string, itemIDs []string, ttl time.Duration) map[string]model.Prediction {
	out := make(map[string]model.Prediction, len(itemIDs))
	var misses []string
	for _, id := range itemIDs {
		if _, seen := out[id]; seen {
			continue
		}
		if p, ok := s.lookup(cache.QuickKey(vendorID, id, 1)); ok {
			out[id] = s.decorate(p)
			continue
		}
		out[id] = model.Prediction{}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return out
	}

	reqCtx, batchTicket := s.cache.Begin(ctx, cache.BatchKey(vendorID, misses))
	defer s.cache.Done(batchTicket)

	// Per-item tickets let a newer quick request for the same item win.
	tickets := make(map[string]cache.Ticket, len(misses))
	for _, id := range misses {
		_, t := s.cache.Begin(reqCtx, cache.QuickKey(vendorID, id, 1))
		tickets[id] = t
	}
	defer func() {
		for _, t := range tickets {
			s.cache.Done(t)
		}
	}()

	results := s.client.BatchEstimate(reqCtx, vendorID, misses)
	stale := reqCtx.Err() != nil
	if stale {
		s.discard(batchTicket.Key())
	}
	for _, id := range misses {
		p, ok := results[id]
		if !ok {
			p = s.fallback.Item(vendorID, id)
		}
		if stale {
			out[id] = s.decorate(p)
			continue
		}
		p = s.issue(p)
		s.commit(tickets[id], vendorID, p, ttl)
		out[id] = s.decorate(p)
	}
	return out
}

// batchTTL is BatchTTL when itemIDs cover the vendor's whole menu.
func (s *PredictionService) batchTTL(vendorID string, itemIDs []string) time.Duration {
	if s.menus == nil {
		return s.opts.QuickTTL
	}
	menu := s.menus.Items(vendorID)
	if len(menu) == 0 {
		return s.opts.QuickTTL
	}
	requested := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		requested[id] = struct{}{}
	}
	for _, it := range menu {
		if _, ok := requested[it.ItemID]; !ok {
			return s.opts.QuickTTL
		}
	}
	return s.opts.BatchTTL
}

// GetDetailedPrediction predicts a whole order at checkout. The only error is
// fetch.ErrInvalidOrder. When the live channel is up the prediction is
// announced to the vendor side. A response superseded by a newer checkout of
// the same student and cart is returned without an ID and is not announced.
func (s *PredictionService) GetDetailedPrediction(ctx context.Context, order model.OrderData) (model.Prediction, error) {
	reqCtx, ticket := s.cache.Begin(ctx, cache.DetailedKey(order))
	defer s.cache.Done(ticket)

	p, err := s.client.DetailedPrediction(reqCtx, order)
	if err != nil {
		return model.Prediction{}, err
	}
	if reqCtx.Err() != nil || !s.cache.Current(ticket) {
		s.discard(ticket.Key())
		return s.decorate(p), nil
	}
	p = s.issue(p)

	if s.live != nil && s.live.Connected() {
		err := s.live.Send(types.EventPredictionCreated, types.PredictionCreated{
			VendorID:   order.VendorID,
			OrderData:  order,
			Prediction: p,
		})
		if err != nil {
			logrus.WithError(err).WithField("vendor_id", order.VendorID).Warn("Failed to announce prediction")
		}
	}
	return s.decorate(p), nil
}

// GetAggregatedPrediction combines per-item predictions for a cart. Items are
// resolved through the batch path, so cached items cost nothing and misses share
// one backend round trip.
func (s *PredictionService) GetAggregatedPrediction(ctx context.Context, vendorID string, items []model.MenuItemFeatures) model.Prediction {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ItemID)
	}

	var preds map[string]model.Prediction
	if len(ids) > 0 {
		preds = s.GetBatchPredictions(ctx, vendorID, ids)
	}
	return s.aggregate(vendorID, items, preds)
}

// AggregateKnown combines only the item predictions already in the cache. It
// never calls the backend; unknown items use the fallback estimate.
func (s *PredictionService) AggregateKnown(vendorID string, items []model.MenuItemFeatures) model.Prediction {
	preds := make(map[string]model.Prediction, len(items))
	for _, it := range items {
		if p, ok := s.lookup(cache.QuickKey(vendorID, it.ItemID, 1)); ok {
			preds[it.ItemID] = p
		}
	}
	return s.aggregate(vendorID, items, preds)
}

func (s *PredictionService) aggregate(vendorID string, items []model.MenuItemFeatures, preds map[string]model.Prediction) model.Prediction {
	p := s.issue(s.aggregator.Aggregate(vendorID, items, preds))
	s.metrics.Prediction("aggregated", string(p.Source))
	return s.decorate(p)
}

func (s *PredictionService) lookup(key string) (model.Prediction, bool) {
	p, ok := s.cache.Get(key)
	s.metrics.CacheLookup(ok)
	return p, ok
}

// commit caches p unless the ticket was superseded meanwhile.
func (s *PredictionService) commit(t cache.Ticket, vendorID string, p model.Prediction, ttl time.Duration) {
	if !s.cache.Commit(t, vendorID, p, ttl) {
		s.discard(t.Key())
	}
}

func (s *PredictionService) discard(key string) {
	s.metrics.Superseded()
	logrus.WithField("key", key).Debug("Discarded stale prediction: ", cache.ErrSuperseded)
}
