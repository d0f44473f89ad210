// Package payment implements the escrow engine. State machine per
// payment: held → released (settlement) or held → refunded (reversal);
// nothing else. A successful hold is the trigger that promotes the
// allocation to paid and materializes the deal.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/apperr"
	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/deal"
	"github.com/recyx/lot-engine/internal/feed"
	"github.com/recyx/lot-engine/internal/metrics"
	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/store"
)

// Service handles escrow operations.
type Service struct {
	store store.Store
	calc  deal.Calculator
	hub   *feed.Hub
}

// NewService creates a new payment service.
func NewService(st store.Store, calc deal.Calculator, hub *feed.Hub) *Service {
	return &Service{store: st, calc: calc, hub: hub}
}

// HoldResult is the outcome of a successful escrow hold.
type HoldResult struct {
	Payment *model.Payment `json:"payment"`
	Deal    *model.Deal    `json:"deal"`
}

// Hold places escrow funds against a reserved allocation. The amount is
// derived from the lot price (fixed lots) or the accepted offer's price
// (negotiable lots) times quantity, never caller-supplied. At most one
// payment may ever exist per allocation.
func (s *Service) Hold(ctx context.Context, caller auth.Caller, allocationID int64) (*HoldResult, error) {
	if err := caller.Require(auth.RoleRecycler); err != nil {
		return nil, err
	}

	a, err := s.store.GetAllocation(ctx, allocationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("allocation %d not found", allocationID)
	}
	if err != nil {
		return nil, err
	}
	if err := caller.RequireCompany(a.BuyerCompanyID); err != nil {
		return nil, err
	}
	if a.Status != model.AllocationReserved {
		return nil, apperr.State("allocation %d is %s, not reserved", allocationID, a.Status)
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(time.Now().UTC()) {
		// Lapsed but not yet swept; the sweep will settle it.
		return nil, apperr.State("allocation %d has expired", allocationID)
	}

	price, err := s.unitPrice(ctx, a)
	if err != nil {
		return nil, err
	}

	p := &model.Payment{
		AllocationID:   allocationID,
		PayerCompanyID: a.BuyerCompanyID,
		Amount:         s.calc.Subtotal(a.QtyKg, price),
		Status:         model.PaymentHeld,
		Reference:      uuid.New().String(),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("a payment already exists for allocation %d", allocationID)
		}
		return nil, err
	}

	// Promote the allocation. Losing this CAS means the reservation
	// expired or was cancelled between the check and now; the freshly
	// held funds go straight back.
	if err := s.store.TransitionAllocation(ctx, allocationID, model.AllocationReserved, model.AllocationPaid); err != nil {
		if errors.Is(err, store.ErrStale) {
			if rbErr := s.store.TransitionPayment(ctx, p.ID, model.PaymentHeld, model.PaymentRefunded); rbErr != nil {
				slog.Error("failed to refund payment after lost promotion", "payment", p.ID, "err", rbErr)
			}
			return nil, apperr.State("allocation %d is no longer reserved", allocationID)
		}
		return nil, err
	}

	d := s.calc.Build(allocationID, a.QtyKg, price)
	if err := s.store.CreateDeal(ctx, d); err != nil {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(model.PaymentHeld).Inc()
	metrics.EscrowHeld.Inc()
	slog.Info("payment held",
		"payment", p.ID,
		"allocation", allocationID,
		"deal", d.ID,
		"amount", p.Amount.String(),
		"reference", p.Reference,
	)
	s.hub.Broadcast(feed.Message{
		Type:         feed.EventPaymentHeld,
		LotID:        a.LotID,
		AllocationID: allocationID,
		DealID:       d.ID,
	})
	return &HoldResult{Payment: p, Deal: d}, nil
}

// Release settles a held payment to the seller. Requires the settlement
// authority (admin). Terminal.
func (s *Service) Release(ctx context.Context, caller auth.Caller, paymentID int64) (*model.Payment, error) {
	if !caller.IsAdmin() {
		return nil, apperr.Authorization("payment release requires the settlement authority")
	}

	p, err := s.store.GetPayment(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("payment %d not found", paymentID)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != model.PaymentHeld {
		return nil, apperr.State("payment %d is %s, not held", paymentID, p.Status)
	}

	if err := s.store.TransitionPayment(ctx, paymentID, model.PaymentHeld, model.PaymentReleased); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, apperr.State("payment %d is no longer held", paymentID)
		}
		return nil, err
	}
	p.Status = model.PaymentReleased

	// Funds are with the seller; the deal moves to paid if it was still
	// pending settlement.
	if d, err := s.store.GetDealByAllocation(ctx, p.AllocationID); err == nil {
		if err := s.store.TransitionDeal(ctx, d.ID, model.DealPending, model.DealPaid); err != nil &&
			!errors.Is(err, store.ErrStale) {
			slog.Error("failed to mark deal paid", "deal", d.ID, "err", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	metrics.PaymentsTotal.WithLabelValues(model.PaymentReleased).Inc()
	metrics.EscrowHeld.Dec()
	slog.Info("payment released", "payment", paymentID, "amount", p.Amount.String())
	s.hub.Broadcast(feed.Message{
		Type:         feed.EventPaymentReleased,
		AllocationID: p.AllocationID,
	})
	return p, nil
}

// unitPrice resolves the authoritative price for an allocation: the
// accepted offer's price for negotiable lots, the lot's ask otherwise.
func (s *Service) unitPrice(ctx context.Context, a *model.Allocation) (decimal.Decimal, error) {
	if a.OfferID != nil {
		o, err := s.store.GetOffer(ctx, *a.OfferID)
		if err != nil {
			return decimal.Zero, err
		}
		return o.PricePerTon, nil
	}

	lot, err := s.store.GetLot(ctx, a.LotID)
	if err != nil {
		return decimal.Zero, err
	}
	if lot.UnitPricePerTon == nil {
		return decimal.Zero, apperr.State("lot %d has no unit price and allocation %d has no offer", a.LotID, a.ID)
	}
	return *lot.UnitPricePerTon, nil
}

// --- HTTP handlers ---

// HoldRequest is the JSON body for POST /api/v1/payments/hold.
type HoldRequest struct {
	AllocationID int64 `json:"allocation_id"`
}

// HandleHold handles POST /api/v1/payments/hold.
func (s *Service) HandleHold(w http.ResponseWriter, r *http.Request) {
	var req HoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.Hold(r.Context(), auth.MustCaller(r), req.AllocationID)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// HandleRelease handles POST /api/v1/payments/{paymentID}/release.
func (s *Service) HandleRelease(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "paymentID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid payment id", http.StatusBadRequest)
		return
	}

	p, err := s.Release(r.Context(), auth.MustCaller(r), id)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}
