// Package deal computes and serves the canonical priced snapshot of a
// paid allocation. Pricing is ton-based: prices are per metric ton,
// quantities are stored in kilograms.
//
// All monetary values use shopspring/decimal, never float64.
package deal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/model"
)

var kgPerTon = decimal.NewFromInt(1000)

// Calculator derives deal amounts from an externally configured fee
// schedule. It is a pure function of quantity and unit price; the rates
// come from configuration, never from callers.
type Calculator struct {
	// SaleFeeRate is the marketplace commission as a fraction of the
	// subtotal (0.05 = 5%).
	SaleFeeRate decimal.Decimal

	// TransportFeePerTon is the flat logistics fee charged per ton.
	TransportFeePerTon decimal.Decimal
}

// NewCalculator creates a calculator with the given fee schedule.
func NewCalculator(saleFeeRate, transportFeePerTon decimal.Decimal) Calculator {
	return Calculator{
		SaleFeeRate:        saleFeeRate,
		TransportFeePerTon: transportFeePerTon,
	}
}

// Subtotal computes qty_kg / 1000 × unit_price_per_ton, rounded to cents.
func (c Calculator) Subtotal(qtyKg int64, unitPricePerTon decimal.Decimal) decimal.Decimal {
	tons := decimal.NewFromInt(qtyKg).Div(kgPerTon)
	return tons.Mul(unitPricePerTon).Round(2)
}

// SaleFee computes the commission on a subtotal.
func (c Calculator) SaleFee(subtotal decimal.Decimal) decimal.Decimal {
	return subtotal.Mul(c.SaleFeeRate).Round(2)
}

// TransportFee computes the logistics fee for a quantity.
func (c Calculator) TransportFee(qtyKg int64) decimal.Decimal {
	tons := decimal.NewFromInt(qtyKg).Div(kgPerTon)
	return tons.Mul(c.TransportFeePerTon).Round(2)
}

// Build materializes the deal for a paid allocation. The four monetary
// fields are frozen here; any later correction requires a new superseding
// record, never in-place mutation.
func (c Calculator) Build(allocationID, qtyKg int64, unitPricePerTon decimal.Decimal) *model.Deal {
	subtotal := c.Subtotal(qtyKg, unitPricePerTon)
	return &model.Deal{
		AllocationID:       allocationID,
		QtyKg:              qtyKg,
		UnitPricePerTon:    unitPricePerTon,
		SubtotalAmount:     subtotal,
		SaleFeeAmount:      c.SaleFee(subtotal),
		TransportFeeAmount: c.TransportFee(qtyKg),
		Status:             model.DealPending,
		CreatedAt:          time.Now().UTC(),
	}
}
