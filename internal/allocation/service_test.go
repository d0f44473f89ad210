package allocation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/allocation"
	"github.com/recyx/lot-engine/internal/apperr"
	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/store"
)

func newEnv(t *testing.T) (*allocation.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return allocation.NewService(ms, nil), ms
}

// seedLot creates an open partial-sale lot directly in the store.
func seedLot(t *testing.T, ms *store.MemoryStore, total, minChunk, step, ttlMin int64) *model.Lot {
	t.Helper()
	price := decimal.NewFromInt(1200)
	lot := &model.Lot{
		OwnerCompanyID:  1,
		Material:        "PET",
		City:            "Rotterdam",
		TotalQtyKg:      total,
		AvailableQtyKg:  total,
		PriceMode:       model.PriceModeFixed,
		UnitPricePerTon: &price,
		AllowPartial:    true,
		MinChunkKg:      minChunk,
		StepKg:          step,
		ReserveTTLMin:   ttlMin,
		Status:          model.LotOpen,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := ms.CreateLot(context.Background(), lot); err != nil {
		t.Fatalf("failed to seed lot: %v", err)
	}
	return lot
}

func TestReserve_DecrementsAvailability(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	a, err := svc.Reserve(context.Background(), 2, lot.ID, 300, nil)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if a.Status != model.AllocationReserved {
		t.Errorf("status = %s, want reserved", a.Status)
	}
	if a.ExpiresAt == nil {
		t.Fatal("partial-lot reservation should carry a deadline")
	}

	got, _ := ms.GetLot(context.Background(), lot.ID)
	if got.AvailableQtyKg != 700 {
		t.Errorf("available = %d, want 700", got.AvailableQtyKg)
	}
}

func TestReserve_FullQuantityMarksLotMatched(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	if _, err := svc.Reserve(context.Background(), 2, lot.ID, 1000, nil); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	got, _ := ms.GetLot(context.Background(), lot.ID)
	if got.Status != model.LotMatched {
		t.Errorf("lot status = %s, want matched", got.Status)
	}
	if got.AvailableQtyKg != 0 {
		t.Errorf("available = %d, want 0", got.AvailableQtyKg)
	}
}

func TestReserve_RejectsPolicyViolations(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	for _, qty := range []int64{0, 50, 150, 1100} {
		if _, err := svc.Reserve(context.Background(), 2, lot.ID, qty, nil); err == nil {
			t.Errorf("Reserve(%d) should fail", qty)
		} else if kind, _ := apperr.KindOf(err); kind != apperr.KindValidation {
			t.Errorf("Reserve(%d) kind = %v, want validation", qty, kind)
		}
	}

	got, _ := ms.GetLot(context.Background(), lot.ID)
	if got.AvailableQtyKg != 1000 {
		t.Errorf("rejected reservations must not consume quantity: available = %d", got.AvailableQtyKg)
	}
}

// Many buyers racing for one lot must never jointly reserve more than the
// total quantity.
func TestReserve_ConcurrentNoOversell(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	const workers = 20
	var wg sync.WaitGroup
	won := make(chan int64, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(buyer int64) {
			defer wg.Done()
			if _, err := svc.Reserve(context.Background(), buyer, lot.ID, 200, nil); err == nil {
				won <- 200
			}
		}(int64(i + 2))
	}
	wg.Wait()
	close(won)

	var reserved int64
	for q := range won {
		reserved += q
	}
	if reserved != 1000 {
		t.Errorf("total reserved = %d, want exactly 1000 (5 winners)", reserved)
	}

	got, _ := ms.GetLot(context.Background(), lot.ID)
	if got.AvailableQtyKg != 0 {
		t.Errorf("available = %d, want 0", got.AvailableQtyKg)
	}
}

func TestCancel_RestoresQuantityAndReopensLot(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	a, err := svc.Reserve(context.Background(), 2, lot.ID, 1000, nil)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	buyer := auth.Caller{CompanyID: 2, Role: auth.RoleRecycler}
	cancelled, err := svc.Cancel(context.Background(), buyer, a.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != model.AllocationCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	got, _ := ms.GetLot(context.Background(), lot.ID)
	if got.AvailableQtyKg != 1000 {
		t.Errorf("available = %d, want 1000 after cancellation", got.AvailableQtyKg)
	}
	if got.Status != model.LotOpen {
		t.Errorf("lot status = %s, want open after cancellation", got.Status)
	}
}

func TestCancel_OnlyBuyerMayCancel(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	a, _ := svc.Reserve(context.Background(), 2, lot.ID, 200, nil)

	stranger := auth.Caller{CompanyID: 99, Role: auth.RoleRecycler}
	if _, err := svc.Cancel(context.Background(), stranger, a.ID); err == nil {
		t.Fatal("cancel by another company should fail")
	} else if kind, _ := apperr.KindOf(err); kind != apperr.KindAuthorization {
		t.Errorf("kind = %v, want authorization", kind)
	}

	admin := auth.Caller{CompanyID: 99, Role: auth.RoleAdmin}
	if _, err := svc.Cancel(context.Background(), admin, a.ID); err != nil {
		t.Errorf("admin cancel should succeed: %v", err)
	}
}

func TestCancel_Twice(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	a, _ := svc.Reserve(context.Background(), 2, lot.ID, 200, nil)
	buyer := auth.Caller{CompanyID: 2, Role: auth.RoleRecycler}

	if _, err := svc.Cancel(context.Background(), buyer, a.ID); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	if _, err := svc.Cancel(context.Background(), buyer, a.ID); err == nil {
		t.Fatal("second cancel should fail")
	} else if kind, _ := apperr.KindOf(err); kind != apperr.KindState {
		t.Errorf("kind = %v, want state", kind)
	}

	got, _ := ms.GetLot(context.Background(), lot.ID)
	if got.AvailableQtyKg != 1000 {
		t.Errorf("double cancel must not restore twice: available = %d", got.AvailableQtyKg)
	}
}

func TestGet_LazyExpiry(t *testing.T) {
	svc, ms := newEnv(t)
	// Zero TTL (seeded straight into the store, below the lot service's
	// validation) makes the deadline lapse immediately.
	lot := seedLot(t, ms, 1000, 100, 100, 0)

	a, err := svc.Reserve(context.Background(), 2, lot.ID, 400, nil)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	got, err := svc.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != model.AllocationExpired {
		t.Errorf("status = %s, want expired on lazy read", got.Status)
	}

	l, _ := ms.GetLot(context.Background(), lot.ID)
	if l.AvailableQtyKg != 1000 {
		t.Errorf("available = %d, want 1000 after expiry", l.AvailableQtyKg)
	}
}

func TestExpire_RefundsBeforeRestore(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	a, _ := svc.Reserve(context.Background(), 2, lot.ID, 400, nil)

	p := &model.Payment{
		AllocationID:   a.ID,
		PayerCompanyID: 2,
		Amount:         decimal.NewFromInt(480),
		Status:         model.PaymentHeld,
		Reference:      "ref-test",
		CreatedAt:      time.Now().UTC(),
	}
	if err := ms.CreatePayment(context.Background(), p); err != nil {
		t.Fatalf("failed to seed payment: %v", err)
	}

	if err := svc.Expire(context.Background(), a); err != nil {
		t.Fatalf("expire failed: %v", err)
	}

	refunded, _ := ms.GetPayment(context.Background(), p.ID)
	if refunded.Status != model.PaymentRefunded {
		t.Errorf("payment status = %s, want refunded", refunded.Status)
	}

	l, _ := ms.GetLot(context.Background(), lot.ID)
	if l.AvailableQtyKg != 1000 {
		t.Errorf("available = %d, want 1000 after expiry", l.AvailableQtyKg)
	}

	got, _ := ms.GetAllocation(context.Background(), a.ID)
	if got.Status != model.AllocationExpired {
		t.Errorf("allocation status = %s, want expired", got.Status)
	}
}

func TestExpire_ReleasedPaymentBlocksSettlement(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	a, _ := svc.Reserve(context.Background(), 2, lot.ID, 400, nil)

	p := &model.Payment{
		AllocationID:   a.ID,
		PayerCompanyID: 2,
		Amount:         decimal.NewFromInt(480),
		Status:         model.PaymentReleased,
		Reference:      "ref-test",
		CreatedAt:      time.Now().UTC(),
	}
	if err := ms.CreatePayment(context.Background(), p); err != nil {
		t.Fatalf("failed to seed payment: %v", err)
	}

	if err := svc.Expire(context.Background(), a); err == nil {
		t.Fatal("expiring an allocation with released funds should fail")
	} else if kind, _ := apperr.KindOf(err); kind != apperr.KindConflict {
		t.Errorf("kind = %v, want conflict", kind)
	}

	got, _ := ms.GetAllocation(context.Background(), a.ID)
	if got.Status != model.AllocationReserved {
		t.Errorf("allocation must stay reserved, got %s", got.Status)
	}
	l, _ := ms.GetLot(context.Background(), lot.ID)
	if l.AvailableQtyKg != 600 {
		t.Errorf("quantity must not be restored: available = %d", l.AvailableQtyKg)
	}
}

func TestExpire_RacesAreIdempotent(t *testing.T) {
	svc, ms := newEnv(t)
	lot := seedLot(t, ms, 1000, 100, 100, 30)

	a, _ := svc.Reserve(context.Background(), 2, lot.ID, 400, nil)

	if err := svc.Expire(context.Background(), a); err != nil {
		t.Fatalf("first expire failed: %v", err)
	}
	// Second expiry (sweeper racing a lazy read) silently no-ops.
	if err := svc.Expire(context.Background(), a); err != nil {
		t.Fatalf("second expire should no-op, got %v", err)
	}

	l, _ := ms.GetLot(context.Background(), lot.ID)
	if l.AvailableQtyKg != 1000 {
		t.Errorf("double expiry must not restore twice: available = %d", l.AvailableQtyKg)
	}
}
