package offer_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/allocation"
	"github.com/recyx/lot-engine/internal/apperr"
	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/offer"
	"github.com/recyx/lot-engine/internal/store"
)

func newEnv(t *testing.T) (*offer.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	alloc := allocation.NewService(ms, nil)
	return offer.NewService(ms, alloc), ms
}

func seedNegotiableLot(t *testing.T, ms *store.MemoryStore, total int64, partial bool) *model.Lot {
	t.Helper()
	lot := &model.Lot{
		OwnerCompanyID: 1,
		Material:       "HDPE",
		City:           "Antwerp",
		TotalQtyKg:     total,
		AvailableQtyKg: total,
		PriceMode:      model.PriceModeNegotiable,
		AllowPartial:   partial,
		Status:         model.LotOpen,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if partial {
		lot.MinChunkKg = 100
		lot.StepKg = 100
		lot.ReserveTTLMin = 30
	}
	if err := ms.CreateLot(context.Background(), lot); err != nil {
		t.Fatalf("failed to seed lot: %v", err)
	}
	return lot
}

var (
	owner  = auth.Caller{CompanyID: 1, Role: auth.RoleGenerator}
	bidder = auth.Caller{CompanyID: 2, Role: auth.RoleRecycler}
)

func TestCreate_RejectsFixedPriceLots(t *testing.T) {
	svc, ms := newEnv(t)
	price := decimal.NewFromInt(900)
	lot := &model.Lot{
		OwnerCompanyID:  1,
		Material:        "PET",
		TotalQtyKg:      500,
		AvailableQtyKg:  500,
		PriceMode:       model.PriceModeFixed,
		UnitPricePerTon: &price,
		Status:          model.LotOpen,
		CreatedAt:       time.Now().UTC(),
	}
	ms.CreateLot(context.Background(), lot)

	_, err := svc.Create(context.Background(), bidder, lot.ID, decimal.NewFromInt(800), nil)
	if err == nil {
		t.Fatal("offering on a fixed-price lot should fail")
	}
	if kind, _ := apperr.KindOf(err); kind != apperr.KindValidation {
		t.Errorf("kind = %v, want validation", kind)
	}
}

func TestCreate_RejectsNonPositivePrice(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedNegotiableLot(t, ms, 500, false)

	if _, err := svc.Create(context.Background(), bidder, lot.ID, decimal.Zero, nil); err == nil {
		t.Error("zero price should fail")
	}
	if _, err := svc.Create(context.Background(), bidder, lot.ID, decimal.NewFromInt(-5), nil); err == nil {
		t.Error("negative price should fail")
	}
}

func TestCreate_QuantityRequiresPartialLot(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedNegotiableLot(t, ms, 500, false)

	qty := int64(200)
	_, err := svc.Create(context.Background(), bidder, lot.ID, decimal.NewFromInt(800), &qty)
	if err == nil {
		t.Fatal("partial quantity on an all-or-nothing lot should fail")
	}
	if kind, _ := apperr.KindOf(err); kind != apperr.KindValidation {
		t.Errorf("kind = %v, want validation", kind)
	}
}

func TestResolve_AcceptCreatesAllocationAtOfferTerms(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedNegotiableLot(t, ms, 1000, true)

	qty := int64(400)
	o, err := svc.Create(context.Background(), bidder, lot.ID, decimal.NewFromInt(850), &qty)
	if err != nil {
		t.Fatalf("create offer failed: %v", err)
	}

	resolved, a, err := svc.Resolve(context.Background(), owner, o.ID, true)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if resolved.Status != model.OfferAccepted {
		t.Errorf("offer status = %s, want accepted", resolved.Status)
	}
	if a == nil {
		t.Fatal("acceptance should produce an allocation")
	}
	if a.QtyKg != 400 {
		t.Errorf("allocation qty = %d, want 400", a.QtyKg)
	}
	if a.OfferID == nil || *a.OfferID != o.ID {
		t.Error("allocation should reference the accepted offer")
	}
	if a.BuyerCompanyID != bidder.CompanyID {
		t.Errorf("buyer = %d, want %d", a.BuyerCompanyID, bidder.CompanyID)
	}

	got, _ := ms.GetLot(context.Background(), lot.ID)
	if got.AvailableQtyKg != 600 {
		t.Errorf("available = %d, want 600", got.AvailableQtyKg)
	}
}

func TestResolve_NilQuantityTakesWholeRemainder(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedNegotiableLot(t, ms, 1000, true)

	// Another buyer takes 300 first; the open offer then resolves against
	// what remains, not what existed at offer time.
	alloc := allocation.NewService(ms, nil)
	if _, err := alloc.Reserve(context.Background(), 3, lot.ID, 300, nil); err != nil {
		t.Fatalf("competing reservation failed: %v", err)
	}

	o, _ := svc.Create(context.Background(), bidder, lot.ID, decimal.NewFromInt(850), nil)
	_, a, err := svc.Resolve(context.Background(), owner, o.ID, true)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if a.QtyKg != 700 {
		t.Errorf("allocation qty = %d, want remaining 700", a.QtyKg)
	}
}

func TestResolve_OnlyOwnerMayResolve(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedNegotiableLot(t, ms, 1000, true)

	o, _ := svc.Create(context.Background(), bidder, lot.ID, decimal.NewFromInt(850), nil)

	if _, _, err := svc.Resolve(context.Background(), bidder, o.ID, true); err == nil {
		t.Fatal("bidder resolving their own offer should fail")
	} else if kind, _ := apperr.KindOf(err); kind != apperr.KindAuthorization {
		t.Errorf("kind = %v, want authorization", kind)
	}
}

func TestResolve_SecondResolutionFails(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedNegotiableLot(t, ms, 1000, true)

	o, _ := svc.Create(context.Background(), bidder, lot.ID, decimal.NewFromInt(850), nil)

	if _, _, err := svc.Resolve(context.Background(), owner, o.ID, true); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	// accept-after-accept and reject-after-accept both fail.
	for _, accept := range []bool{true, false} {
		if _, _, err := svc.Resolve(context.Background(), owner, o.ID, accept); err == nil {
			t.Errorf("resolve(accept=%v) after acceptance should fail", accept)
		} else if kind, _ := apperr.KindOf(err); kind != apperr.KindState {
			t.Errorf("kind = %v, want state", kind)
		}
	}
}

func TestResolve_RejectLeavesQuantityUntouched(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedNegotiableLot(t, ms, 1000, true)

	o, _ := svc.Create(context.Background(), bidder, lot.ID, decimal.NewFromInt(850), nil)

	resolved, a, err := svc.Resolve(context.Background(), owner, o.ID, false)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if resolved.Status != model.OfferRejected {
		t.Errorf("offer status = %s, want rejected", resolved.Status)
	}
	if a != nil {
		t.Error("rejection must not produce an allocation")
	}

	got, _ := ms.GetLot(context.Background(), lot.ID)
	if got.AvailableQtyKg != 1000 {
		t.Errorf("available = %d, want 1000", got.AvailableQtyKg)
	}
}

func TestResolve_FailedReservationRollsBackAcceptance(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedNegotiableLot(t, ms, 1000, true)

	qty := int64(800)
	o, _ := svc.Create(context.Background(), bidder, lot.ID, decimal.NewFromInt(850), &qty)

	// Competing reservation drains the quantity before the owner accepts.
	alloc := allocation.NewService(ms, nil)
	if _, err := alloc.Reserve(context.Background(), 3, lot.ID, 500, nil); err != nil {
		t.Fatalf("competing reservation failed: %v", err)
	}

	if _, _, err := svc.Resolve(context.Background(), owner, o.ID, true); err == nil {
		t.Fatal("accepting beyond availability should fail")
	}

	// The offer returns to pending so the owner can reject it cleanly.
	got, _ := ms.GetOffer(context.Background(), o.ID)
	if got.Status != model.OfferPending {
		t.Errorf("offer status = %s, want pending after rollback", got.Status)
	}
	l, _ := ms.GetLot(context.Background(), lot.ID)
	if l.AvailableQtyKg != 500 {
		t.Errorf("available = %d, want 500 (failed acceptance must not consume)", l.AvailableQtyKg)
	}
}
