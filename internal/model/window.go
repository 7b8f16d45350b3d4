package model

import (
	"math"
	"time"
)

// PickupHalfWidth is half of the pickup window; the window is center ± 2.5m.
const PickupHalfWidth = 150 * time.Second

// PickupWindow is the interval during which a student collects an order.
type PickupWindow struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Center time.Time `json:"center"`
}

// NewPickupWindow centers the window estimatedMinutes after from.
// Negative or non-finite estimates are clamped to zero.
func NewPickupWindow(from time.Time, estimatedMinutes float64) PickupWindow {
	center := from.Add(MinutesToDuration(estimatedMinutes))
	return PickupWindow{
		Start:  center.Add(-PickupHalfWidth),
		End:    center.Add(PickupHalfWidth),
		Center: center,
	}
}

// Width returns End - Start.
func (w PickupWindow) Width() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside the window, bounds included.
func (w PickupWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// MinutesToDuration converts fractional minutes to a duration, saturating at
// the largest representable duration.
func MinutesToDuration(minutes float64) time.Duration {
	if minutes < 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		return 0
	}
	ns := minutes * float64(time.Minute)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}
