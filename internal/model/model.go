// Package model defines the core domain types shared across the lot engine.
// All monetary values use shopspring/decimal, never float64.
// Quantities are integer kilograms; prices are per metric ton.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pricing modes for a lot.
const (
	PriceModeFixed      = "fixed"
	PriceModeNegotiable = "negotiable"
)

// Lot statuses.
const (
	LotOpen      = "open"
	LotMatched   = "matched"
	LotInTransit = "in_transit"
	LotCompleted = "completed"
	LotCancelled = "cancelled"
)

// Offer statuses.
const (
	OfferPending  = "pending"
	OfferAccepted = "accepted"
	OfferRejected = "rejected"
)

// Allocation statuses.
const (
	AllocationReserved  = "reserved"
	AllocationExpired   = "expired"
	AllocationCancelled = "cancelled"
	AllocationPaid      = "paid"
)

// Payment statuses. held → released (settled) or held → refunded
// (reversal); both terminal.
const (
	PaymentHeld     = "held"
	PaymentReleased = "released"
	PaymentRefunded = "refunded"
)

// Deal statuses.
const (
	DealPending   = "pending"
	DealPaid      = "paid"
	DealShipped   = "shipped"
	DealCompleted = "completed"
	DealCancelled = "cancelled"
)

// Shipment statuses, strictly forward in this order.
const (
	ShipmentAssigned  = "assigned"
	ShipmentPicked    = "picked"
	ShipmentInTransit = "in_transit"
	ShipmentDelivered = "delivered"
)

// Lot is a posted quantity of material available for sale.
// TotalQtyKg is immutable after creation; AvailableQtyKg only moves down
// on reservation and back up on reservation expiry/cancellation.
type Lot struct {
	ID              int64            `json:"id" db:"id"`
	OwnerCompanyID  int64            `json:"owner_company_id" db:"owner_company_id"`
	Material        string           `json:"material" db:"material"`
	City            string           `json:"city" db:"city"`
	TotalQtyKg      int64            `json:"total_qty_kg" db:"total_qty_kg"`
	AvailableQtyKg  int64            `json:"available_qty_kg" db:"available_qty_kg"`
	PriceMode       string           `json:"price_mode" db:"price_mode"`
	UnitPricePerTon *decimal.Decimal `json:"unit_price_per_ton,omitempty" db:"unit_price_per_ton"`
	AllowPartial    bool             `json:"allow_partial" db:"allow_partial"`
	MinChunkKg      int64            `json:"min_chunk_kg,omitempty" db:"min_chunk_kg"`
	StepKg          int64            `json:"step_kg,omitempty" db:"step_kg"`
	ReserveTTLMin   int64            `json:"reserve_ttl_minutes,omitempty" db:"reserve_ttl_minutes"`
	Status          string           `json:"status" db:"status"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// Offer is a counterpart bid against a negotiable lot. Terminal once
// accepted or rejected; acceptance spawns an Allocation.
type Offer struct {
	ID              int64           `json:"id" db:"id"`
	LotID           int64           `json:"lot_id" db:"lot_id"`
	BidderCompanyID int64           `json:"bidder_company_id" db:"bidder_company_id"`
	PricePerTon     decimal.Decimal `json:"price_per_ton" db:"price_per_ton"`
	QtyKg           *int64          `json:"qty_kg,omitempty" db:"qty_kg"` // nil = whole remaining lot
	Status          string          `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Allocation is a time-boxed reservation of lot quantity. Quantity is
// decremented from the lot at creation (pessimistic) and restored only on
// expiry or cancellation, never after payment.
type Allocation struct {
	ID             int64      `json:"id" db:"id"`
	LotID          int64      `json:"lot_id" db:"lot_id"`
	OfferID        *int64     `json:"offer_id,omitempty" db:"offer_id"`
	BuyerCompanyID int64      `json:"buyer_company_id" db:"buyer_company_id"`
	QtyKg          int64      `json:"qty_kg" db:"qty_kg"`
	Status         string     `json:"status" db:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"` // nil for all-or-nothing lots
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Payment is an escrow hold against an Allocation. Amount is derived from
// the lot or accepted-offer price, never set by the caller. Reference is
// the opaque id handed to the external escrow provider.
type Payment struct {
	ID             int64           `json:"id" db:"id"`
	AllocationID   int64           `json:"allocation_id" db:"allocation_id"`
	PayerCompanyID int64           `json:"payer_company_id" db:"payer_company_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Status         string          `json:"status" db:"status"`
	Reference      string          `json:"reference" db:"reference"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Deal is the canonical priced snapshot of a paid allocation. The four
// monetary fields are frozen at creation; corrections require a new
// superseding record, never in-place mutation.
type Deal struct {
	ID                 int64           `json:"id" db:"id"`
	AllocationID       int64           `json:"allocation_id" db:"allocation_id"`
	QtyKg              int64           `json:"qty_kg" db:"qty_kg"`
	UnitPricePerTon    decimal.Decimal `json:"unit_price_per_ton" db:"unit_price_per_ton"`
	SubtotalAmount     decimal.Decimal `json:"subtotal_amount" db:"subtotal_amount"`
	SaleFeeAmount      decimal.Decimal `json:"sale_fee_amount" db:"sale_fee_amount"`
	TransportFeeAmount decimal.Decimal `json:"transport_fee_amount" db:"transport_fee_amount"`
	Status             string          `json:"status" db:"status"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Shipment tracks delivery of a deal by a carrier. FinalCost is set only
// when the shipment reaches delivered.
type Shipment struct {
	ID               int64            `json:"id" db:"id"`
	DealID           int64            `json:"deal_id" db:"deal_id"`
	CarrierCompanyID int64            `json:"carrier_company_id" db:"carrier_company_id"`
	Status           string           `json:"status" db:"status"`
	KmEst            decimal.Decimal  `json:"km_est" db:"km_est"`
	QuotedCost       decimal.Decimal  `json:"quoted_cost" db:"quoted_cost"`
	FinalCost        *decimal.Decimal `json:"final_cost,omitempty" db:"final_cost"`
	EtaAt            time.Time        `json:"eta_at" db:"eta_at"`
	TrackingCode     string           `json:"tracking_code" db:"tracking_code"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
}
