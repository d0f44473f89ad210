// Package store defines the persistence interface for the lot engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The store is the concurrency boundary: lot quantity moves only through
// the atomic conditional decrement/increment pair, and every status machine
// advances through compare-and-set transitions, so concurrent requests can
// never both win the same quantity or the same transition.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/model"
)

// Sentinel errors returned by implementations. Services translate these
// into the caller-facing taxonomy.
var (
	// ErrNotFound: referenced row absent.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict: uniqueness collision (second payment for an
	// allocation, second shipment for a deal).
	ErrConflict = errors.New("store: conflict")
	// ErrInsufficient: conditional decrement would push available
	// quantity below zero.
	ErrInsufficient = errors.New("store: insufficient quantity")
	// ErrStale: compare-and-set transition matched no row, the entity
	// was not in the expected from-status.
	ErrStale = errors.New("store: stale transition")
)

// LotFilter narrows ListLots. Zero values mean "no filter".
type LotFilter struct {
	Material string
	City     string
	Status   string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for hot lot reads.
type Store interface {
	// --- Lots ---

	// CreateLot persists a new lot and assigns its id.
	CreateLot(ctx context.Context, lot *model.Lot) error

	// GetLot retrieves a lot by id.
	GetLot(ctx context.Context, id int64) (*model.Lot, error)

	// ListLots returns lots matching the filter, newest first.
	ListLots(ctx context.Context, f LotFilter) ([]model.Lot, error)

	// ReserveLotQuantity atomically decrements available_qty_kg by qty
	// only if the result stays ≥ 0, returning the remaining quantity.
	// Returns ErrInsufficient when the decrement would oversell.
	ReserveLotQuantity(ctx context.Context, lotID, qty int64) (remaining int64, err error)

	// RestoreLotQuantity atomically returns qty to available_qty_kg,
	// capped by total_qty_kg, returning the new available quantity.
	RestoreLotQuantity(ctx context.Context, lotID, qty int64) (remaining int64, err error)

	// TransitionLot moves a lot from one status to another, failing with
	// ErrStale if the lot is not currently in from.
	TransitionLot(ctx context.Context, id int64, from, to string) error

	// SetLotStatus overrides a lot's status unconditionally
	// (administrative use only).
	SetLotStatus(ctx context.Context, id int64, status string) error

	// --- Offers ---

	CreateOffer(ctx context.Context, offer *model.Offer) error
	GetOffer(ctx context.Context, id int64) (*model.Offer, error)
	ListOffersByLot(ctx context.Context, lotID int64) ([]model.Offer, error)

	// TransitionOffer moves an offer between statuses with CAS semantics;
	// a second resolution fails with ErrStale.
	TransitionOffer(ctx context.Context, id int64, from, to string) error

	// --- Allocations ---

	CreateAllocation(ctx context.Context, a *model.Allocation) error
	GetAllocation(ctx context.Context, id int64) (*model.Allocation, error)
	TransitionAllocation(ctx context.Context, id int64, from, to string) error

	// ListExpiredReservations returns reserved allocations whose
	// expires_at is at or before now.
	ListExpiredReservations(ctx context.Context, now time.Time) ([]model.Allocation, error)

	// CountLotAllocations counts a lot's allocations in the given status.
	CountLotAllocations(ctx context.Context, lotID int64, status string) (int, error)

	// --- Payments ---

	// CreatePayment persists a payment; at most one payment may ever
	// exist per allocation (ErrConflict otherwise).
	CreatePayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id int64) (*model.Payment, error)
	GetPaymentByAllocation(ctx context.Context, allocationID int64) (*model.Payment, error)
	TransitionPayment(ctx context.Context, id int64, from, to string) error

	// --- Deals ---

	CreateDeal(ctx context.Context, d *model.Deal) error
	GetDeal(ctx context.Context, id int64) (*model.Deal, error)
	GetDealByAllocation(ctx context.Context, allocationID int64) (*model.Deal, error)
	ListDeals(ctx context.Context) ([]model.Deal, error)
	TransitionDeal(ctx context.Context, id int64, from, to string) error

	// --- Shipments ---

	// CreateShipment persists a shipment; at most one shipment may exist
	// per deal (ErrConflict otherwise).
	CreateShipment(ctx context.Context, sh *model.Shipment) error
	GetShipment(ctx context.Context, id int64) (*model.Shipment, error)
	GetShipmentByDeal(ctx context.Context, dealID int64) (*model.Shipment, error)

	// TransitionShipment advances a shipment with CAS semantics; the
	// final cost is written only together with the delivered transition.
	TransitionShipment(ctx context.Context, id int64, from, to string, finalCost *decimal.Decimal) error
}
