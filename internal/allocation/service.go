package allocation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/recyx/lot-engine/internal/apperr"
	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/feed"
	"github.com/recyx/lot-engine/internal/metrics"
	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/store"
)

// Service handles allocation operations. Per-lot serialization is
// delegated to the store's atomic conditional decrement; two concurrent
// reservations against the same lot can never both win the same quantity,
// and operations on different lots never block each other.
type Service struct {
	store store.Store
	hub   *feed.Hub
}

// NewService creates a new allocation service.
func NewService(st store.Store, hub *feed.Hub) *Service {
	return &Service{store: st, hub: hub}
}

// Reserve creates a reservation of qty kilograms against a lot. Used both
// for direct fixed-price reservation and (with offerID set) for
// offer-derived reservation after acceptance.
//
// The quantity is decremented from the lot immediately: pessimistic
// reservation, not deferred to payment. Partial-lot reservations carry a
// TTL deadline; all-or-nothing reservations have no expiry and must be
// paid or explicitly cancelled.
func (s *Service) Reserve(ctx context.Context, buyerCompanyID, lotID, qty int64, offerID *int64) (*model.Allocation, error) {
	lot, err := s.store.GetLot(ctx, lotID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("lot %d not found", lotID)
	}
	if err != nil {
		return nil, err
	}
	if lot.Status != model.LotOpen {
		return nil, apperr.State("lot %d is %s, not open for reservation", lotID, lot.Status)
	}

	if err := CheckQuantity(lot, qty); err != nil {
		metrics.ReservationsTotal.WithLabelValues("rejected").Inc()
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid quantity %d kg", qty)
	}

	// The atomic conditional decrement is the real availability check;
	// the policy pre-check above may have run against a stale snapshot.
	remaining, err := s.store.ReserveLotQuantity(ctx, lotID, qty)
	if errors.Is(err, store.ErrInsufficient) {
		metrics.ReservationsTotal.WithLabelValues("oversell").Inc()
		return nil, apperr.Wrap(apperr.KindValidation, ErrExceedsAvailable,
			"invalid quantity %d kg", qty)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("lot %d not found", lotID)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	a := &model.Allocation{
		LotID:          lotID,
		OfferID:        offerID,
		BuyerCompanyID: buyerCompanyID,
		QtyKg:          qty,
		Status:         model.AllocationReserved,
		CreatedAt:      now,
	}
	if lot.AllowPartial {
		deadline := now.Add(time.Duration(lot.ReserveTTLMin) * time.Minute)
		a.ExpiresAt = &deadline
	}

	if err := s.store.CreateAllocation(ctx, a); err != nil {
		// Undo the decrement so the quantity is not stranded.
		if _, restoreErr := s.store.RestoreLotQuantity(ctx, lotID, qty); restoreErr != nil {
			slog.Error("failed to restore quantity after allocation insert failure",
				"lot", lotID, "qty", qty, "err", restoreErr)
		}
		return nil, err
	}

	if remaining == 0 {
		// Fully allocated; stale transition just means another request
		// already moved it.
		if err := s.store.TransitionLot(ctx, lotID, model.LotOpen, model.LotMatched); err != nil &&
			!errors.Is(err, store.ErrStale) {
			slog.Error("failed to mark lot matched", "lot", lotID, "err", err)
		}
	}

	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	slog.Info("allocation reserved",
		"id", a.ID,
		"lot", lotID,
		"buyer", buyerCompanyID,
		"qty_kg", qty,
		"remaining_kg", remaining,
		"expires_at", a.ExpiresAt,
	)

	s.hub.Broadcast(feed.Message{
		Type:           feed.EventAllocationReserved,
		LotID:          lotID,
		AllocationID:   a.ID,
		QtyKg:          qty,
		AvailableQtyKg: remaining,
	})
	return a, nil
}

// Cancel transitions a reserved allocation to cancelled and restores its
// quantity. If a payment is held, the refund happens strictly before the
// restoration becomes visible.
func (s *Service) Cancel(ctx context.Context, caller auth.Caller, id int64) (*model.Allocation, error) {
	a, err := s.store.GetAllocation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("allocation %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	if err := caller.RequireCompany(a.BuyerCompanyID); err != nil {
		return nil, err
	}
	if a.Status != model.AllocationReserved {
		return nil, apperr.State("allocation %d is %s, only reserved allocations can be cancelled", id, a.Status)
	}

	// A released payment on a reserved allocation means an upstream logic
	// error; refuse rather than silently refund or restore.
	if err := s.checkRefundable(ctx, a.ID); err != nil {
		return nil, err
	}

	if err := s.store.TransitionAllocation(ctx, id, model.AllocationReserved, model.AllocationCancelled); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, apperr.State("allocation %d is no longer reserved", id)
		}
		return nil, err
	}

	if err := s.settle(ctx, a, model.AllocationCancelled); err != nil {
		return nil, err
	}

	a.Status = model.AllocationCancelled
	return a, nil
}

// Get returns an allocation, lazily settling TTL expiry: a reserved
// allocation read past its deadline is expired and its quantity restored
// before the read returns, so invariants hold even between sweeps.
func (s *Service) Get(ctx context.Context, id int64) (*model.Allocation, error) {
	a, err := s.store.GetAllocation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("allocation %d not found", id)
	}
	if err != nil {
		return nil, err
	}

	if a.Status == model.AllocationReserved && a.ExpiresAt != nil && !a.ExpiresAt.After(time.Now().UTC()) {
		if err := s.Expire(ctx, a); err != nil {
			slog.Error("lazy expiry failed", "allocation", a.ID, "err", err)
		} else {
			a.Status = model.AllocationExpired
		}
	}
	return a, nil
}

// Expire settles one TTL-lapsed reservation: claim the transition, refund
// any held payment, then restore the quantity. Safe to race with the
// sweeper, cancellation, or a payment hold: whoever wins the CAS settles,
// everyone else no-ops.
func (s *Service) Expire(ctx context.Context, a *model.Allocation) error {
	if err := s.checkRefundable(ctx, a.ID); err != nil {
		return err
	}
	if err := s.store.TransitionAllocation(ctx, a.ID, model.AllocationReserved, model.AllocationExpired); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil // already settled or paid elsewhere
		}
		return err
	}
	metrics.ReservationsExpired.Inc()
	return s.settle(ctx, a, model.AllocationExpired)
}

// settle performs the refund-then-restore sequence after the allocation
// has left reserved. Refund strictly precedes the quantity restoration.
func (s *Service) settle(ctx context.Context, a *model.Allocation, outcome string) error {
	p, err := s.store.GetPaymentByAllocation(ctx, a.ID)
	if err == nil && p.Status == model.PaymentHeld {
		if err := s.store.TransitionPayment(ctx, p.ID, model.PaymentHeld, model.PaymentRefunded); err != nil &&
			!errors.Is(err, store.ErrStale) {
			return err
		}
		metrics.PaymentsTotal.WithLabelValues(model.PaymentRefunded).Inc()
		metrics.EscrowHeld.Dec()
		slog.Info("payment refunded", "payment", p.ID, "allocation", a.ID, "amount", p.Amount.String())
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	remaining, err := s.store.RestoreLotQuantity(ctx, a.LotID, a.QtyKg)
	if err != nil {
		return err
	}

	// Quantity came back; a matched lot reopens for the remainder.
	if err := s.store.TransitionLot(ctx, a.LotID, model.LotMatched, model.LotOpen); err != nil &&
		!errors.Is(err, store.ErrStale) && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	eventType := feed.EventAllocationCancelled
	if outcome == model.AllocationExpired {
		eventType = feed.EventAllocationExpired
	}
	slog.Info("allocation settled",
		"id", a.ID,
		"lot", a.LotID,
		"outcome", outcome,
		"restored_kg", a.QtyKg,
		"available_kg", remaining,
	)
	s.hub.Broadcast(feed.Message{
		Type:           eventType,
		LotID:          a.LotID,
		AllocationID:   a.ID,
		QtyKg:          a.QtyKg,
		AvailableQtyKg: remaining,
	})
	return nil
}

// checkRefundable fails with a conflict if the allocation's payment was
// already released; refunding released funds indicates an upstream logic
// error and must never silently succeed.
func (s *Service) checkRefundable(ctx context.Context, allocationID int64) error {
	p, err := s.store.GetPaymentByAllocation(ctx, allocationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status == model.PaymentReleased {
		return apperr.Conflict("payment %d for allocation %d was already released", p.ID, allocationID)
	}
	return nil
}

// --- HTTP handlers ---

// CreateRequest is the JSON body for POST /api/v1/allocations: a direct
// reservation against a fixed-price lot.
type CreateRequest struct {
	LotID int64 `json:"lot_id"`
	QtyKg int64 `json:"qty_kg"`
}

// HandleCreate handles POST /api/v1/allocations. Direct reservation is
// the fixed-price path; negotiable lots reserve through offer acceptance.
func (s *Service) HandleCreate(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustCaller(r)
	if err := caller.Require(auth.RoleRecycler); err != nil {
		apperr.Write(w, err)
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}

	lot, err := s.store.GetLot(r.Context(), req.LotID)
	if errors.Is(err, store.ErrNotFound) {
		apperr.Write(w, apperr.NotFound("lot %d not found", req.LotID))
		return
	}
	if err != nil {
		apperr.WriteMsg(w, "failed to load lot", http.StatusInternalServerError)
		return
	}
	if lot.PriceMode != model.PriceModeFixed {
		apperr.Write(w, apperr.Validation("lot %d is negotiable; reserve through an accepted offer", req.LotID))
		return
	}

	a, err := s.Reserve(r.Context(), caller.CompanyID, req.LotID, req.QtyKg, nil)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(a)
}

// HandleGet handles GET /api/v1/allocations/{allocationID}.
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "allocationID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid allocation id", http.StatusBadRequest)
		return
	}

	a, err := s.Get(r.Context(), id)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a)
}

// HandleCancel handles POST /api/v1/allocations/{allocationID}/cancel.
func (s *Service) HandleCancel(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustCaller(r)
	if err := caller.Require(auth.RoleRecycler); err != nil {
		apperr.Write(w, err)
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "allocationID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid allocation id", http.StatusBadRequest)
		return
	}

	a, err := s.Cancel(r.Context(), caller, id)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a)
}
