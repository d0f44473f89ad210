package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot paths: lot reads on the marketplace feed and deal
// snapshots. Writes go to the primary store and invalidate the cache.
// Quantity mutations always hit the primary directly: the conditional
// decrement is the concurrency boundary and is never answered from cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Lots ---

func (s *CachedStore) CreateLot(ctx context.Context, lot *model.Lot) error {
	if err := s.primary.CreateLot(ctx, lot); err != nil {
		return err
	}
	s.cacheLot(ctx, lot)
	return nil
}

func (s *CachedStore) GetLot(ctx context.Context, id int64) (*model.Lot, error) {
	data, err := s.rdb.Get(ctx, lotKey(id)).Bytes()
	if err == nil {
		var lot model.Lot
		if json.Unmarshal(data, &lot) == nil {
			return &lot, nil
		}
	}

	lot, err := s.primary.GetLot(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheLot(ctx, lot)
	return lot, nil
}

func (s *CachedStore) ListLots(ctx context.Context, f LotFilter) ([]model.Lot, error) {
	return s.primary.ListLots(ctx, f)
}

func (s *CachedStore) ReserveLotQuantity(ctx context.Context, lotID, qty int64) (int64, error) {
	remaining, err := s.primary.ReserveLotQuantity(ctx, lotID, qty)
	if err == nil {
		s.rdb.Del(ctx, lotKey(lotID))
	}
	return remaining, err
}

func (s *CachedStore) RestoreLotQuantity(ctx context.Context, lotID, qty int64) (int64, error) {
	remaining, err := s.primary.RestoreLotQuantity(ctx, lotID, qty)
	if err == nil {
		s.rdb.Del(ctx, lotKey(lotID))
	}
	return remaining, err
}

func (s *CachedStore) TransitionLot(ctx context.Context, id int64, from, to string) error {
	err := s.primary.TransitionLot(ctx, id, from, to)
	if err == nil {
		s.rdb.Del(ctx, lotKey(id))
	}
	return err
}

func (s *CachedStore) SetLotStatus(ctx context.Context, id int64, status string) error {
	err := s.primary.SetLotStatus(ctx, id, status)
	if err == nil {
		s.rdb.Del(ctx, lotKey(id))
	}
	return err
}

// --- Deals (read-through; immutable amounts make these safe to cache) ---

func (s *CachedStore) CreateDeal(ctx context.Context, d *model.Deal) error {
	if err := s.primary.CreateDeal(ctx, d); err != nil {
		return err
	}
	s.cacheDeal(ctx, d)
	return nil
}

func (s *CachedStore) GetDeal(ctx context.Context, id int64) (*model.Deal, error) {
	data, err := s.rdb.Get(ctx, dealKey(id)).Bytes()
	if err == nil {
		var d model.Deal
		if json.Unmarshal(data, &d) == nil {
			return &d, nil
		}
	}

	d, err := s.primary.GetDeal(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheDeal(ctx, d)
	return d, nil
}

func (s *CachedStore) TransitionDeal(ctx context.Context, id int64, from, to string) error {
	err := s.primary.TransitionDeal(ctx, id, from, to)
	if err == nil {
		s.rdb.Del(ctx, dealKey(id))
	}
	return err
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateOffer(ctx context.Context, o *model.Offer) error {
	return s.primary.CreateOffer(ctx, o)
}

func (s *CachedStore) GetOffer(ctx context.Context, id int64) (*model.Offer, error) {
	return s.primary.GetOffer(ctx, id)
}

func (s *CachedStore) ListOffersByLot(ctx context.Context, lotID int64) ([]model.Offer, error) {
	return s.primary.ListOffersByLot(ctx, lotID)
}

func (s *CachedStore) TransitionOffer(ctx context.Context, id int64, from, to string) error {
	return s.primary.TransitionOffer(ctx, id, from, to)
}

func (s *CachedStore) CreateAllocation(ctx context.Context, a *model.Allocation) error {
	return s.primary.CreateAllocation(ctx, a)
}

func (s *CachedStore) GetAllocation(ctx context.Context, id int64) (*model.Allocation, error) {
	return s.primary.GetAllocation(ctx, id)
}

func (s *CachedStore) TransitionAllocation(ctx context.Context, id int64, from, to string) error {
	return s.primary.TransitionAllocation(ctx, id, from, to)
}

func (s *CachedStore) ListExpiredReservations(ctx context.Context, now time.Time) ([]model.Allocation, error) {
	return s.primary.ListExpiredReservations(ctx, now)
}

func (s *CachedStore) CountLotAllocations(ctx context.Context, lotID int64, status string) (int, error) {
	return s.primary.CountLotAllocations(ctx, lotID, status)
}

func (s *CachedStore) CreatePayment(ctx context.Context, p *model.Payment) error {
	return s.primary.CreatePayment(ctx, p)
}

func (s *CachedStore) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return s.primary.GetPayment(ctx, id)
}

func (s *CachedStore) GetPaymentByAllocation(ctx context.Context, allocationID int64) (*model.Payment, error) {
	return s.primary.GetPaymentByAllocation(ctx, allocationID)
}

func (s *CachedStore) TransitionPayment(ctx context.Context, id int64, from, to string) error {
	return s.primary.TransitionPayment(ctx, id, from, to)
}

func (s *CachedStore) GetDealByAllocation(ctx context.Context, allocationID int64) (*model.Deal, error) {
	return s.primary.GetDealByAllocation(ctx, allocationID)
}

func (s *CachedStore) ListDeals(ctx context.Context) ([]model.Deal, error) {
	return s.primary.ListDeals(ctx)
}

func (s *CachedStore) CreateShipment(ctx context.Context, sh *model.Shipment) error {
	return s.primary.CreateShipment(ctx, sh)
}

func (s *CachedStore) GetShipment(ctx context.Context, id int64) (*model.Shipment, error) {
	return s.primary.GetShipment(ctx, id)
}

func (s *CachedStore) GetShipmentByDeal(ctx context.Context, dealID int64) (*model.Shipment, error) {
	return s.primary.GetShipmentByDeal(ctx, dealID)
}

func (s *CachedStore) TransitionShipment(ctx context.Context, id int64, from, to string, finalCost *decimal.Decimal) error {
	return s.primary.TransitionShipment(ctx, id, from, to, finalCost)
}

// --- Cache helpers ---

func (s *CachedStore) cacheLot(ctx context.Context, lot *model.Lot) {
	if data, err := json.Marshal(lot); err == nil {
		s.rdb.Set(ctx, lotKey(lot.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheDeal(ctx context.Context, d *model.Deal) {
	if data, err := json.Marshal(d); err == nil {
		s.rdb.Set(ctx, dealKey(d.ID), data, s.ttl)
	}
}

func lotKey(id int64) string  { return fmt.Sprintf("lot:%d", id) }
func dealKey(id int64) string { return fmt.Sprintf("deal:%d", id) }
