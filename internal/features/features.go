// Package features derives order-level features from cart items.
package features

import (
	"github.com/yourorg/pickup-eta/internal/model"
)

// MinComplexity is the complexity floor; unset or lower values are raised to it.
const MinComplexity = 1

// Extract aggregates item features into OrderFeatures.
// Empty input yields {0, 1, 0} so downstream multiplication by complexity is safe.
func Extract(items []model.MenuItemFeatures) model.OrderFeatures {
	f := model.OrderFeatures{MaxComplexity: MinComplexity}
	for _, it := range items {
		f.TotalBaseMinutes += it.BasePrepMinutes * float64(it.Quantity)
		f.TotalItemCount += it.Quantity
		if c := Complexity(it); c > f.MaxComplexity {
			f.MaxComplexity = c
		}
	}
	return f
}

// Complexity returns the item's complexity with the floor applied.
func Complexity(it model.MenuItemFeatures) int {
	if it.Complexity < MinComplexity {
		return MinComplexity
	}
	return it.Complexity
}
