package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/pickup-eta/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func prediction(minutes float64) model.Prediction {
	return model.Prediction{VendorID: "VEN001", EstimatedMinutes: minutes, Source: model.SourceML}
}

func TestCache_TTLBoundary(t *testing.T) {
	clock := newFakeClock()
	c := New(clock.Now)

	c.Put("k", "VEN001", prediction(12), 30000*time.Millisecond)

	clock.Advance(29999 * time.Millisecond)
	got, ok := c.Get("k")
	require.True(t, ok, "read before expiry must hit")
	assert.Equal(t, 12.0, got.EstimatedMinutes)

	clock.Advance(time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "read at exactly ttl must miss")

	c.Put("k2", "VEN001", prediction(3), 30*time.Second)
	clock.Advance(30001 * time.Millisecond)
	_, ok = c.Get("k2")
	assert.False(t, ok, "read after ttl must miss")
	assert.Equal(t, 0, c.Len(), "expired entries are evicted on read")
}

func TestCache_ReturnsCopies(t *testing.T) {
	c := New(nil)
	p := prediction(5)
	p.Breakdown.Items = []model.ItemTrace{{ItemID: "a", EstimatedTime: 5}}
	c.Put("k", "VEN001", p, time.Minute)

	got, ok := c.Get("k")
	require.True(t, ok)
	got.Breakdown.Items[0].EstimatedTime = 100

	again, _ := c.Get("k")
	assert.Equal(t, 5.0, again.Breakdown.Items[0].EstimatedTime)
}

func TestCache_InvalidateVendor(t *testing.T) {
	c := New(nil)
	c.Put(QuickKey("VEN001", "a", 1), "VEN001", prediction(1), time.Minute)
	c.Put(QuickKey("VEN001", "b", 2), "VEN001", prediction(2), time.Minute)
	c.Put(QuickKey("VEN002", "a", 1), "VEN002", prediction(3), time.Minute)

	assert.Equal(t, 2, c.InvalidateVendor("VEN001"))

	_, ok := c.Get(QuickKey("VEN001", "a", 1))
	assert.False(t, ok)
	_, ok = c.Get(QuickKey("VEN002", "a", 1))
	assert.True(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	c := New(nil)
	c.Put("k", "VEN001", prediction(1), time.Minute)
	c.Invalidate("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_PatchVendorKeepsExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New(clock.Now)
	c.Put("k", "VEN001", prediction(12), 30*time.Second)

	clock.Advance(10 * time.Second)
	n := c.PatchVendor("VEN001", func(p *model.Prediction) {
		p.Breakdown.QueueEffect = 6
	})
	assert.Equal(t, 1, n)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 6.0, got.Breakdown.QueueEffect)
	assert.Equal(t, 12.0, got.EstimatedMinutes)

	clock.Advance(20 * time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "patching must not extend the ttl")
}

func TestCache_SupersededCommitIsDiscarded(t *testing.T) {
	c := New(nil)
	key := QuickKey("VEN001", "ITM1", 1)

	ctxA, ticketA := c.Begin(context.Background(), key)
	_, ticketB := c.Begin(context.Background(), key)

	assert.Error(t, ctxA.Err(), "request A is cancelled when B starts")
	assert.False(t, c.Current(ticketA))
	assert.True(t, c.Current(ticketB))

	require.True(t, c.Commit(ticketB, "VEN001", prediction(8), time.Minute))
	c.Done(ticketB)

	// A's response arrives late.
	assert.False(t, c.Commit(ticketA, "VEN001", prediction(99), time.Minute))
	c.Done(ticketA)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, 8.0, got.EstimatedMinutes)
	assert.Equal(t, int64(1), c.Stats().Superseded)
}

func TestCache_StaleTicketAfterRelease(t *testing.T) {
	c := New(nil)
	key := "k"

	_, a := c.Begin(context.Background(), key)
	_, b := c.Begin(context.Background(), key)
	c.Done(b)

	// A new request after B was released must not revive A's ticket.
	_, d := c.Begin(context.Background(), key)
	assert.False(t, c.Commit(a, "VEN001", prediction(1), time.Minute))
	assert.True(t, c.Commit(d, "VEN001", prediction(2), time.Minute))
}

func TestCache_DoneCancelsContext(t *testing.T) {
	c := New(nil)
	ctx, tk := c.Begin(context.Background(), "k")
	c.Done(tk)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestCache_Sweep(t *testing.T) {
	clock := newFakeClock()
	c := New(clock.Now)
	c.Put("short", "VEN001", prediction(1), time.Second)
	c.Put("long", "VEN001", prediction(1), time.Hour)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New(nil)
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%10)
				c.Put(key, "VEN001", prediction(float64(i)), time.Minute)
				c.Get(key)
				c.PatchVendor("VEN001", func(p *model.Prediction) { p.Breakdown.QueueLength = j })
				if j%50 == 0 {
					c.InvalidateVendor("VEN001")
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "quick:VEN001:ITM42:2", QuickKey("VEN001", "ITM42", 2))
	assert.Equal(t, BatchKey("v", []string{"b", "a"}), BatchKey("v", []string{"a", "b"}))

	a := []model.MenuItemFeatures{{ItemID: "x", Quantity: 1}, {ItemID: "y", Quantity: 2}}
	b := []model.MenuItemFeatures{{ItemID: "y", Quantity: 2}, {ItemID: "x", Quantity: 1}}
	assert.Equal(t,
		DetailedKey(model.OrderData{VendorID: "v", StudentID: "s1", Items: a}),
		DetailedKey(model.OrderData{VendorID: "v", StudentID: "s1", Items: b}))
}

func TestDetailedKey_ScopedToStudentAndWindow(t *testing.T) {
	items := []model.MenuItemFeatures{{ItemID: "x", Quantity: 1}}
	alice := model.OrderData{VendorID: "v", StudentID: "alice", Items: items}
	bob := model.OrderData{VendorID: "v", StudentID: "bob", Items: items}
	assert.NotEqual(t, DetailedKey(alice), DetailedKey(bob))

	start := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	withWindow := alice
	withWindow.DesiredWindow = &model.PickupWindow{Start: start, End: start.Add(5 * time.Minute)}
	assert.NotEqual(t, DetailedKey(alice), DetailedKey(withWindow))
}
