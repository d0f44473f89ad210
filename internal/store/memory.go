package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). A single
// mutex serialises all mutation, which trivially satisfies the per-lot
// exclusion the conditional decrement requires.
type MemoryStore struct {
	mu          sync.RWMutex
	lots        map[int64]*model.Lot
	offers      map[int64]*model.Offer
	allocations map[int64]*model.Allocation
	payments    map[int64]*model.Payment
	deals       map[int64]*model.Deal
	shipments   map[int64]*model.Shipment
	nextID      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lots:        make(map[int64]*model.Lot),
		offers:      make(map[int64]*model.Offer),
		allocations: make(map[int64]*model.Allocation),
		payments:    make(map[int64]*model.Payment),
		deals:       make(map[int64]*model.Deal),
		shipments:   make(map[int64]*model.Shipment),
	}
}

// id assigns the next identifier. Caller must hold mu.
func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// --- Lots ---

func (s *MemoryStore) CreateLot(_ context.Context, lot *model.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot.ID = s.id()
	cp := *lot
	s.lots[lot.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLot(_ context.Context, id int64) (*model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lot, ok := s.lots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lot
	return &cp, nil
}

func (s *MemoryStore) ListLots(_ context.Context, f LotFilter) ([]model.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lots []model.Lot
	for _, lot := range s.lots {
		if f.Material != "" && lot.Material != f.Material {
			continue
		}
		if f.City != "" && lot.City != f.City {
			continue
		}
		if f.Status != "" && lot.Status != f.Status {
			continue
		}
		lots = append(lots, *lot)
	}
	// Newest first, matching the Postgres ordering.
	for i := 0; i < len(lots); i++ {
		for j := i + 1; j < len(lots); j++ {
			if lots[j].CreatedAt.After(lots[i].CreatedAt) {
				lots[i], lots[j] = lots[j], lots[i]
			}
		}
	}
	return lots, nil
}

func (s *MemoryStore) ReserveLotQuantity(_ context.Context, lotID, qty int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[lotID]
	if !ok {
		return 0, ErrNotFound
	}
	if lot.AvailableQtyKg < qty {
		return lot.AvailableQtyKg, ErrInsufficient
	}
	lot.AvailableQtyKg -= qty
	lot.UpdatedAt = time.Now().UTC()
	return lot.AvailableQtyKg, nil
}

func (s *MemoryStore) RestoreLotQuantity(_ context.Context, lotID, qty int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[lotID]
	if !ok {
		return 0, ErrNotFound
	}
	lot.AvailableQtyKg += qty
	if lot.AvailableQtyKg > lot.TotalQtyKg {
		lot.AvailableQtyKg = lot.TotalQtyKg
	}
	lot.UpdatedAt = time.Now().UTC()
	return lot.AvailableQtyKg, nil
}

func (s *MemoryStore) TransitionLot(_ context.Context, id int64, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[id]
	if !ok {
		return ErrNotFound
	}
	if lot.Status != from {
		return ErrStale
	}
	lot.Status = to
	lot.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetLotStatus(_ context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[id]
	if !ok {
		return ErrNotFound
	}
	lot.Status = status
	lot.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Offers ---

func (s *MemoryStore) CreateOffer(_ context.Context, offer *model.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer.ID = s.id()
	cp := *offer
	s.offers[offer.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOffer(_ context.Context, id int64) (*model.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offer, ok := s.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *offer
	return &cp, nil
}

func (s *MemoryStore) ListOffersByLot(_ context.Context, lotID int64) ([]model.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var offers []model.Offer
	for _, o := range s.offers {
		if o.LotID == lotID {
			offers = append(offers, *o)
		}
	}
	return offers, nil
}

func (s *MemoryStore) TransitionOffer(_ context.Context, id int64, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[id]
	if !ok {
		return ErrNotFound
	}
	if offer.Status != from {
		return ErrStale
	}
	offer.Status = to
	return nil
}

// --- Allocations ---

func (s *MemoryStore) CreateAllocation(_ context.Context, a *model.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = s.id()
	cp := *a
	s.allocations[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAllocation(_ context.Context, id int64) (*model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.allocations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) TransitionAllocation(_ context.Context, id int64, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.allocations[id]
	if !ok {
		return ErrNotFound
	}
	if a.Status != from {
		return ErrStale
	}
	a.Status = to
	return nil
}

func (s *MemoryStore) ListExpiredReservations(_ context.Context, now time.Time) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []model.Allocation
	for _, a := range s.allocations {
		if a.Status == model.AllocationReserved && a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
			expired = append(expired, *a)
		}
	}
	return expired, nil
}

func (s *MemoryStore) CountLotAllocations(_ context.Context, lotID int64, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, a := range s.allocations {
		if a.LotID == lotID && a.Status == status {
			n++
		}
	}
	return n, nil
}

// --- Payments ---

func (s *MemoryStore) CreatePayment(_ context.Context, p *model.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.payments {
		if existing.AllocationID == p.AllocationID {
			return ErrConflict
		}
	}
	p.ID = s.id()
	cp := *p
	s.payments[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPayment(_ context.Context, id int64) (*model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPaymentByAllocation(_ context.Context, allocationID int64) (*model.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.payments {
		if p.AllocationID == allocationID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) TransitionPayment(_ context.Context, id int64, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrStale
	}
	p.Status = to
	return nil
}

// --- Deals ---

func (s *MemoryStore) CreateDeal(_ context.Context, d *model.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d.ID = s.id()
	cp := *d
	s.deals[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDeal(_ context.Context, id int64) (*model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetDealByAllocation(_ context.Context, allocationID int64) (*model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.deals {
		if d.AllocationID == allocationID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListDeals(_ context.Context) ([]model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var deals []model.Deal
	for _, d := range s.deals {
		deals = append(deals, *d)
	}
	return deals, nil
}

func (s *MemoryStore) TransitionDeal(_ context.Context, id int64, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deals[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != from {
		return ErrStale
	}
	d.Status = to
	return nil
}

// --- Shipments ---

func (s *MemoryStore) CreateShipment(_ context.Context, sh *model.Shipment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.shipments {
		if existing.DealID == sh.DealID {
			return ErrConflict
		}
	}
	sh.ID = s.id()
	cp := *sh
	s.shipments[sh.ID] = &cp
	return nil
}

func (s *MemoryStore) GetShipment(_ context.Context, id int64) (*model.Shipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sh, ok := s.shipments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sh
	return &cp, nil
}

func (s *MemoryStore) GetShipmentByDeal(_ context.Context, dealID int64) (*model.Shipment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sh := range s.shipments {
		if sh.DealID == dealID {
			cp := *sh
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) TransitionShipment(_ context.Context, id int64, from, to string, finalCost *decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shipments[id]
	if !ok {
		return ErrNotFound
	}
	if sh.Status != from {
		return ErrStale
	}
	sh.Status = to
	if finalCost != nil {
		fc := *finalCost
		sh.FinalCost = &fc
	}
	return nil
}
