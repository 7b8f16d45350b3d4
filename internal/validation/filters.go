// Package validation checks orders before they reach the prediction backend and
// checks backend estimates before they reach the cache.
package validation

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/pickup-eta/internal/model"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MaxEstimateMinutes is the largest estimate accepted from the backend
	MaxEstimateMinutes float64

	// MaxItems bounds the number of cart lines in one order
	MaxItems int

	// MaxQuantity bounds the quantity of a single cart line
	MaxQuantity int
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxEstimateMinutes: 240,
		MaxItems:           50,
		MaxQuantity:        99,
	}
}

// FieldError describes one rejected field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidateOrder rejects orders that cannot be priced or timed.
func ValidateOrder(order model.OrderData, opts ValidationOptions) error {
	if order.VendorID == "" {
		return &FieldError{Field: "vendorId", Reason: "required"}
	}
	if len(order.Items) == 0 {
		return &FieldError{Field: "items", Reason: "order has no items"}
	}
	if opts.MaxItems > 0 && len(order.Items) > opts.MaxItems {
		return &FieldError{Field: "items", Reason: fmt.Sprintf("%d items exceeds limit of %d", len(order.Items), opts.MaxItems)}
	}
	for i, it := range order.Items {
		if err := validateItem(it, opts); err != nil {
			err.Field = fmt.Sprintf("items[%d].%s", i, err.Field)
			return err
		}
	}
	if w := order.DesiredWindow; w != nil && w.End.Before(w.Start) {
		return &FieldError{Field: "desiredWindow", Reason: "end before start"}
	}
	return nil
}

func validateItem(it model.MenuItemFeatures, opts ValidationOptions) *FieldError {
	switch {
	case it.ItemID == "":
		return &FieldError{Field: "itemId", Reason: "required"}
	case it.Quantity < 1:
		return &FieldError{Field: "quantity", Reason: "must be at least 1"}
	case opts.MaxQuantity > 0 && it.Quantity > opts.MaxQuantity:
		return &FieldError{Field: "quantity", Reason: fmt.Sprintf("exceeds limit of %d", opts.MaxQuantity)}
	case it.BasePrepMinutes < 0 || !finite(it.BasePrepMinutes):
		return &FieldError{Field: "basePrepMinutes", Reason: "must be a non-negative number"}
	case it.Complexity < 0:
		return &FieldError{Field: "complexity", Reason: "must not be negative"}
	}
	return nil
}

// FilterInvalid drops cart lines that cannot be estimated. Quantity zero is
// treated as one, matching how carts are built by the UI.
func FilterInvalid(items []model.MenuItemFeatures) []model.MenuItemFeatures {
	valid := make([]model.MenuItemFeatures, 0, len(items))
	for _, it := range items {
		if it.Quantity == 0 {
			it.Quantity = 1
		}
		if err := validateItem(it, ValidationOptions{}); err != nil {
			logrus.WithFields(logrus.Fields{
				"item_id": it.ItemID,
				"field":   err.Field,
				"reason":  err.Reason,
			}).Debug("Filtered invalid cart line")
			continue
		}
		valid = append(valid, it)
	}
	return valid
}

// CheckEstimate validates the numeric part of a backend estimate.
func CheckEstimate(estimatedMinutes, confidence float64, opts ValidationOptions) error {
	if !finite(estimatedMinutes) || estimatedMinutes < 0 {
		return &FieldError{Field: "estimated_minutes", Reason: fmt.Sprintf("invalid value %v", estimatedMinutes)}
	}
	if opts.MaxEstimateMinutes > 0 && estimatedMinutes > opts.MaxEstimateMinutes {
		return &FieldError{Field: "estimated_minutes", Reason: fmt.Sprintf("%.1f exceeds limit of %.0f", estimatedMinutes, opts.MaxEstimateMinutes)}
	}
	if !finite(confidence) || confidence < 0 || confidence > 1 {
		return &FieldError{Field: "confidence", Reason: fmt.Sprintf("%v outside [0,1]", confidence)}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
