// Package allocation implements the reservation engine: quantity policy,
// pessimistic per-lot reservation, TTL expiry, and cancellation.
//
// Quantity policy is identical for direct fixed-price reservation and for
// offer-derived reservation. Each violated rule has its own error so
// callers can see exactly why a reservation failed.
package allocation

import (
	"errors"

	"github.com/recyx/lot-engine/internal/model"
)

var (
	// ErrNotPositive: quantity must be a positive integer of kilograms.
	ErrNotPositive = errors.New("allocation: quantity must be a positive number of kilograms")

	// ErrBelowMinimum: quantity below the lot's minimum chunk.
	ErrBelowMinimum = errors.New("allocation: quantity below minimum chunk")

	// ErrNotStepMultiple: quantity is not a multiple of the lot's step.
	ErrNotStepMultiple = errors.New("allocation: quantity is not a step multiple")

	// ErrMustBeWholeLot: the lot does not allow partial sale; the
	// quantity must be 100% of the lot.
	ErrMustBeWholeLot = errors.New("allocation: lot does not allow partial sale, quantity must be 100%")

	// ErrExceedsAvailable: quantity exceeds the lot's available quantity.
	ErrExceedsAvailable = errors.New("allocation: quantity exceeds available")
)

// CheckQuantity validates qty against the lot's partial-sale policy and
// its availability snapshot. The availability rule is only a fast
// pre-check here; the store's conditional decrement re-enforces it
// atomically at reservation time, so a stale snapshot can never oversell.
func CheckQuantity(lot *model.Lot, qty int64) error {
	if qty <= 0 {
		return ErrNotPositive
	}
	if lot.AllowPartial {
		if qty < lot.MinChunkKg {
			return ErrBelowMinimum
		}
		if qty%lot.StepKg != 0 {
			return ErrNotStepMultiple
		}
	} else if qty != lot.TotalQtyKg {
		return ErrMustBeWholeLot
	}
	if qty > lot.AvailableQtyKg {
		return ErrExceedsAvailable
	}
	return nil
}
