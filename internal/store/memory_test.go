package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/store"
)

func seedLot(t *testing.T, ms *store.MemoryStore, total int64) *model.Lot {
	t.Helper()
	lot := &model.Lot{
		OwnerCompanyID: 1,
		Material:       "PET",
		TotalQtyKg:     total,
		AvailableQtyKg: total,
		PriceMode:      model.PriceModeNegotiable,
		Status:         model.LotOpen,
		CreatedAt:      time.Now().UTC(),
	}
	if err := ms.CreateLot(context.Background(), lot); err != nil {
		t.Fatalf("failed to seed lot: %v", err)
	}
	return lot
}

func TestReserveLotQuantity_ConditionalDecrement(t *testing.T) {
	ms := store.NewMemoryStore()
	lot := seedLot(t, ms, 100)

	remaining, err := ms.ReserveLotQuantity(context.Background(), lot.ID, 60)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if remaining != 40 {
		t.Errorf("remaining = %d, want 40", remaining)
	}

	// The decrement refuses to go negative and reports what is left.
	remaining, err = ms.ReserveLotQuantity(context.Background(), lot.ID, 60)
	if !errors.Is(err, store.ErrInsufficient) {
		t.Fatalf("expected ErrInsufficient, got %v", err)
	}
	if remaining != 40 {
		t.Errorf("remaining = %d, want untouched 40", remaining)
	}

	if _, err := ms.ReserveLotQuantity(context.Background(), 4242, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing lot, got %v", err)
	}
}

func TestRestoreLotQuantity_CappedAtTotal(t *testing.T) {
	ms := store.NewMemoryStore()
	lot := seedLot(t, ms, 100)

	ms.ReserveLotQuantity(context.Background(), lot.ID, 30)

	// Restoring more than was taken clamps at the immutable total.
	remaining, err := ms.RestoreLotQuantity(context.Background(), lot.ID, 500)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if remaining != 100 {
		t.Errorf("remaining = %d, want capped 100", remaining)
	}
}

func TestTransition_CompareAndSet(t *testing.T) {
	ms := store.NewMemoryStore()
	lot := seedLot(t, ms, 100)

	if err := ms.TransitionLot(context.Background(), lot.ID, model.LotOpen, model.LotMatched); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	// The same transition again finds the wrong from-status.
	if err := ms.TransitionLot(context.Background(), lot.ID, model.LotOpen, model.LotMatched); !errors.Is(err, store.ErrStale) {
		t.Errorf("expected ErrStale on repeated transition, got %v", err)
	}
	if err := ms.TransitionLot(context.Background(), 4242, model.LotOpen, model.LotMatched); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreatePayment_OnePerAllocation(t *testing.T) {
	ms := store.NewMemoryStore()

	p := &model.Payment{
		AllocationID:   7,
		PayerCompanyID: 2,
		Amount:         decimal.NewFromInt(100),
		Status:         model.PaymentHeld,
		Reference:      "ref-1",
		CreatedAt:      time.Now().UTC(),
	}
	if err := ms.CreatePayment(context.Background(), p); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dup := &model.Payment{AllocationID: 7, Status: model.PaymentHeld, Reference: "ref-2"}
	if err := ms.CreatePayment(context.Background(), dup); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict on second payment, got %v", err)
	}

	got, err := ms.GetPaymentByAllocation(context.Background(), 7)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.Reference != "ref-1" {
		t.Errorf("reference = %s, want ref-1", got.Reference)
	}
}

func TestCreateShipment_OnePerDeal(t *testing.T) {
	ms := store.NewMemoryStore()

	sh := &model.Shipment{
		DealID:           3,
		CarrierCompanyID: 5,
		Status:           model.ShipmentAssigned,
		KmEst:            decimal.NewFromInt(120),
		QuotedCost:       decimal.NewFromInt(150),
		TrackingCode:     "trk-1",
		CreatedAt:        time.Now().UTC(),
	}
	if err := ms.CreateShipment(context.Background(), sh); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dup := &model.Shipment{DealID: 3, Status: model.ShipmentAssigned}
	if err := ms.CreateShipment(context.Background(), dup); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict on second shipment, got %v", err)
	}
}

func TestTransitionShipment_FinalCostOnlyWhenGiven(t *testing.T) {
	ms := store.NewMemoryStore()

	sh := &model.Shipment{
		DealID:           3,
		CarrierCompanyID: 5,
		Status:           model.ShipmentInTransit,
		CreatedAt:        time.Now().UTC(),
	}
	ms.CreateShipment(context.Background(), sh)

	cost := decimal.NewFromInt(340)
	if err := ms.TransitionShipment(context.Background(), sh.ID, model.ShipmentInTransit, model.ShipmentDelivered, &cost); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	got, _ := ms.GetShipment(context.Background(), sh.ID)
	if got.FinalCost == nil || !got.FinalCost.Equal(cost) {
		t.Errorf("final cost = %v, want 340", got.FinalCost)
	}
}

func TestListExpiredReservations(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	for _, a := range []*model.Allocation{
		{LotID: 1, BuyerCompanyID: 2, QtyKg: 10, Status: model.AllocationReserved, ExpiresAt: &past},
		{LotID: 1, BuyerCompanyID: 3, QtyKg: 10, Status: model.AllocationReserved, ExpiresAt: &future},
		{LotID: 1, BuyerCompanyID: 4, QtyKg: 10, Status: model.AllocationPaid, ExpiresAt: &past},
		{LotID: 1, BuyerCompanyID: 5, QtyKg: 10, Status: model.AllocationReserved}, // no deadline
	} {
		if err := ms.CreateAllocation(context.Background(), a); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	expired, err := ms.ListExpiredReservations(context.Background(), now)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expired = %d allocations, want 1", len(expired))
	}
	if expired[0].BuyerCompanyID != 2 {
		t.Errorf("wrong allocation expired: buyer %d", expired[0].BuyerCompanyID)
	}
}
