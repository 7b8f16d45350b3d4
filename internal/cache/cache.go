// Package cache provides the in-memory, TTL-bounded prediction cache.
//
// The cache is the only shared mutable prediction state in the engine. Entries
// are stored by value and copied on the way in and out, so readers never observe
// a partially written prediction. Expired entries are evicted lazily on read; a
// janitor may also sweep them in the background.
//
// Requests that populate a key go through Begin/Commit/Done. Begin cancels the
// previous in-flight request for the same key, and Commit only writes if the
// ticket has not been superseded since, so a late response from a stale request
// can never overwrite a newer entry.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/pickup-eta/internal/model"
)

// Default TTLs
const (
	QuickTTL = 30 * time.Second
	BatchTTL = 60 * time.Second
)

// ErrSuperseded marks a request whose key was claimed by a newer request.
var ErrSuperseded = errors.New("request superseded by a newer request for the same key")

// Clock returns the current time.
type Clock func() time.Time

// Entry is a cached prediction with its expiry.
type Entry struct {
	Key       string
	VendorID  string
	Value     model.Prediction
	ExpiresAt time.Time
}

// Ticket identifies one in-flight request for a key.
type Ticket struct {
	key string
	gen uint64
}

// Key returns the cache key the ticket was issued for.
func (t Ticket) Key() string { return t.key }

type inflight struct {
	gen    uint64
	cancel context.CancelFunc
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Entries    int   `json:"entries"`
	Superseded int64 `json:"superseded"`
}

// PredictionCache is safe for concurrent use.
type PredictionCache struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	inflight map[string]inflight
	seq      uint64
	now      Clock

	hits       atomic.Int64
	misses     atomic.Int64
	superseded atomic.Int64
}

// New creates an empty cache; a nil clock means time.Now.
func New(now Clock) *PredictionCache {
	if now == nil {
		now = time.Now
	}
	return &PredictionCache{
		entries:  make(map[string]Entry),
		inflight: make(map[string]inflight),
		now:      now,
	}
}

// Get returns the prediction for key. An entry read at or after its expiry is a miss.
func (c *PredictionCache) Get(key string) (model.Prediction, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return model.Prediction{}, false
	}

	if !c.now().Before(e.ExpiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; a newer Put may have landed.
		if cur, ok := c.entries[key]; ok && !c.now().Before(cur.ExpiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return model.Prediction{}, false
	}

	c.hits.Add(1)
	return e.Value.Clone(), true
}

// Put stores value under key for ttl.
func (c *PredictionCache) Put(key, vendorID string, value model.Prediction, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, vendorID, value, ttl)
}

func (c *PredictionCache) putLocked(key, vendorID string, value model.Prediction, ttl time.Duration) {
	c.entries[key] = Entry{
		Key:       key,
		VendorID:  vendorID,
		Value:     value.Clone(),
		ExpiresAt: c.now().Add(ttl),
	}
}

// Invalidate removes key.
func (c *PredictionCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateVendor removes every entry belonging to vendorID and returns the count.
func (c *PredictionCache) InvalidateVendor(vendorID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.VendorID == vendorID {
			delete(c.entries, k)
			removed++
		}
	}

	logrus.WithFields(logrus.Fields{
		"vendor_id": vendorID,
		"removed":   removed,
	}).Debug("Invalidated vendor predictions")
	return removed
}

// PatchVendor applies fn to a copy of every live entry for vendorID and swaps the
// copy in. Expiry is left unchanged. It returns the number of patched entries.
func (c *PredictionCache) PatchVendor(vendorID string, fn func(p *model.Prediction)) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	patched := 0
	for k, e := range c.entries {
		if e.VendorID != vendorID || !now.Before(e.ExpiresAt) {
			continue
		}
		v := e.Value.Clone()
		fn(&v)
		e.Value = v
		c.entries[k] = e
		patched++
	}
	return patched
}

// Entries returns a snapshot of the live entries for vendorID.
func (c *PredictionCache) Entries(vendorID string) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var out []Entry
	for _, e := range c.entries {
		if e.VendorID == vendorID && now.Before(e.ExpiresAt) {
			e.Value = e.Value.Clone()
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Begin claims key for a new request. Any previous in-flight request for the
// same key is cancelled. The returned context is cancelled when the request is
// superseded or when Done is called.
func (c *PredictionCache) Begin(parent context.Context, key string) (context.Context, Ticket) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.inflight[key]; ok {
		prev.cancel()
		c.superseded.Add(1)
		logrus.WithField("key", key).Debug("Cancelled superseded prediction request")
	}
	c.seq++
	c.inflight[key] = inflight{gen: c.seq, cancel: cancel}
	return ctx, Ticket{key: key, gen: c.seq}
}

// Current reports whether t is still the newest request for its key.
func (c *PredictionCache) Current(t Ticket) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur, ok := c.inflight[t.key]
	return ok && cur.gen == t.gen
}

// Commit stores value if t is still current. A stale ticket is discarded and
// Commit returns false.
func (c *PredictionCache) Commit(t Ticket, vendorID string, value model.Prediction, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.inflight[t.key]
	if !ok || cur.gen != t.gen {
		return false
	}
	c.putLocked(t.key, vendorID, value, ttl)
	return true
}

// Done releases t. It is safe to call after the ticket was superseded.
func (c *PredictionCache) Done(t Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.inflight[t.key]; ok && cur.gen == t.gen {
		cur.cancel()
		delete(c.inflight, t.key)
	}
}

// Sweep removes all expired entries and returns the count.
func (c *PredictionCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps expired entries every interval until ctx is done.
func (c *PredictionCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					logrus.WithField("removed", n).Debug("Cache janitor swept expired predictions")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Len returns the number of stored entries, expired ones included.
func (c *PredictionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cumulative counters.
func (c *PredictionCache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Entries:    c.Len(),
		Superseded: c.superseded.Load(),
	}
}

// QuickKey is the key of a single-item estimate.
func QuickKey(vendorID, itemID string, quantity int) string {
	return fmt.Sprintf("quick:%s:%s:%d", vendorID, itemID, quantity)
}

// DetailedKey is the key of a checkout-time order prediction. It is scoped to
// the student so concurrent checkouts of the same cart do not supersede each
// other. Item order does not affect the key.
func DetailedKey(order model.OrderData) string {
	parts := make([]string, 0, len(order.Items))
	for _, it := range order.Items {
		parts = append(parts, fmt.Sprintf("%s*%d", it.ItemID, it.Quantity))
	}
	sort.Strings(parts)
	key := fmt.Sprintf("detailed:%s:%s:%s", order.VendorID, order.StudentID, strings.Join(parts, ","))
	if w := order.DesiredWindow; w != nil {
		key += fmt.Sprintf(":%d-%d", w.Start.Unix(), w.End.Unix())
	}
	return key
}

// BatchKey is the key of a batch request covering itemIDs.
func BatchKey(vendorID string, itemIDs []string) string {
	ids := append([]string(nil), itemIDs...)
	sort.Strings(ids)
	return fmt.Sprintf("batch:%s:%s", vendorID, strings.Join(ids, ","))
}
