// Package offer implements the negotiation engine for negotiable lots:
// counterpart bids, owner resolution, and the hand-off into the
// allocation engine on acceptance.
package offer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/allocation"
	"github.com/recyx/lot-engine/internal/apperr"
	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/store"
)

// Service handles offer operations.
type Service struct {
	store store.Store
	alloc *allocation.Service
}

// NewService creates a new offer service.
func NewService(st store.Store, alloc *allocation.Service) *Service {
	return &Service{store: st, alloc: alloc}
}

// Create places an offer against a negotiable, open lot. A nil quantity
// means "the whole remaining lot", resolved at acceptance time.
func (s *Service) Create(ctx context.Context, caller auth.Caller, lotID int64, pricePerTon decimal.Decimal, qtyKg *int64) (*model.Offer, error) {
	if err := caller.Require(auth.RoleRecycler); err != nil {
		return nil, err
	}
	if !pricePerTon.IsPositive() {
		return nil, apperr.Validation("price_per_ton must be positive")
	}

	lot, err := s.store.GetLot(ctx, lotID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("lot %d not found", lotID)
	}
	if err != nil {
		return nil, err
	}
	if lot.Status != model.LotOpen {
		return nil, apperr.State("lot %d is %s, not open for offers", lotID, lot.Status)
	}
	if lot.PriceMode != model.PriceModeNegotiable {
		return nil, apperr.Validation("lot %d is fixed-price; reserve it directly", lotID)
	}
	if qtyKg != nil {
		if !lot.AllowPartial {
			return nil, apperr.Validation("lot %d does not allow partial sale; omit qty_kg to bid for the whole lot", lotID)
		}
		if err := allocation.CheckQuantity(lot, *qtyKg); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "invalid quantity %d kg", *qtyKg)
		}
	}

	o := &model.Offer{
		LotID:           lotID,
		BidderCompanyID: caller.CompanyID,
		PricePerTon:     pricePerTon,
		QtyKg:           qtyKg,
		Status:          model.OfferPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateOffer(ctx, o); err != nil {
		return nil, err
	}

	slog.Info("offer created",
		"id", o.ID,
		"lot", lotID,
		"bidder", caller.CompanyID,
		"price_per_ton", pricePerTon.String(),
	)
	return o, nil
}

// Resolve accepts or rejects a pending offer. Only the lot owner (or
// admin) may resolve. Acceptance re-validates the quantity against
// *current* availability and atomically creates the allocation; a second
// resolution of any kind fails with a state error.
func (s *Service) Resolve(ctx context.Context, caller auth.Caller, offerID int64, accept bool) (*model.Offer, *model.Allocation, error) {
	o, err := s.store.GetOffer(ctx, offerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.NotFound("offer %d not found", offerID)
	}
	if err != nil {
		return nil, nil, err
	}

	lot, err := s.store.GetLot(ctx, o.LotID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.NotFound("lot %d not found", o.LotID)
	}
	if err != nil {
		return nil, nil, err
	}
	if err := caller.RequireCompany(lot.OwnerCompanyID); err != nil {
		return nil, nil, err
	}
	if o.Status != model.OfferPending {
		return nil, nil, apperr.State("offer %d already resolved (%s)", offerID, o.Status)
	}

	if !accept {
		if err := s.store.TransitionOffer(ctx, offerID, model.OfferPending, model.OfferRejected); err != nil {
			if errors.Is(err, store.ErrStale) {
				return nil, nil, apperr.State("offer %d already resolved", offerID)
			}
			return nil, nil, err
		}
		o.Status = model.OfferRejected
		slog.Info("offer rejected", "id", offerID, "lot", o.LotID)
		return o, nil, nil
	}

	// Claim the resolution first so a concurrent accept/reject loses the
	// CAS instead of double-reserving.
	if err := s.store.TransitionOffer(ctx, offerID, model.OfferPending, model.OfferAccepted); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, nil, apperr.State("offer %d already resolved", offerID)
		}
		return nil, nil, err
	}

	// A nil quantity means the whole remaining lot, resolved against
	// current availability, not the availability at offer time.
	qty := lot.TotalQtyKg
	if o.QtyKg != nil {
		qty = *o.QtyKg
	} else if lot.AllowPartial {
		qty = lot.AvailableQtyKg
	}

	a, err := s.alloc.Reserve(ctx, o.BidderCompanyID, o.LotID, qty, &o.ID)
	if err != nil {
		// Reservation failed: put the offer back so the owner can retry
		// or reject, and surface why acceptance was not possible.
		if rbErr := s.store.TransitionOffer(ctx, offerID, model.OfferAccepted, model.OfferPending); rbErr != nil {
			slog.Error("failed to roll back offer acceptance", "offer", offerID, "err", rbErr)
		}
		return nil, nil, apperr.Wrap(apperr.KindState, err,
			"offer %d cannot be accepted", offerID)
	}

	o.Status = model.OfferAccepted
	slog.Info("offer accepted",
		"id", offerID,
		"lot", o.LotID,
		"allocation", a.ID,
		"qty_kg", a.QtyKg,
		"price_per_ton", o.PricePerTon.String(),
	)
	return o, a, nil
}

// --- HTTP handlers ---

// CreateRequest is the JSON body for POST /api/v1/offers.
type CreateRequest struct {
	LotID       int64           `json:"lot_id"`
	PricePerTon decimal.Decimal `json:"price_per_ton"`
	QtyKg       *int64          `json:"qty_kg"`
}

// HandleCreate handles POST /api/v1/offers.
func (s *Service) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}

	o, err := s.Create(r.Context(), auth.MustCaller(r), req.LotID, req.PricePerTon, req.QtyKg)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(o)
}

// HandleListByLot handles GET /api/v1/lots/{lotID}/offers. Offers are
// co-visible to the lot owner; bidders see them through their own client
// state, so the listing is owner/admin only.
func (s *Service) HandleListByLot(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustCaller(r)

	lotID, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid lot id", http.StatusBadRequest)
		return
	}

	lot, err := s.store.GetLot(r.Context(), lotID)
	if errors.Is(err, store.ErrNotFound) {
		apperr.Write(w, apperr.NotFound("lot %d not found", lotID))
		return
	}
	if err != nil {
		apperr.WriteMsg(w, "failed to load lot", http.StatusInternalServerError)
		return
	}
	if err := caller.RequireCompany(lot.OwnerCompanyID); err != nil {
		apperr.Write(w, err)
		return
	}

	offers, err := s.store.ListOffersByLot(r.Context(), lotID)
	if err != nil {
		apperr.WriteMsg(w, "failed to list offers", http.StatusInternalServerError)
		return
	}
	if offers == nil {
		offers = []model.Offer{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offers)
}

// ResolveRequest is the JSON body for POST /api/v1/offers/{offerID}/resolve.
type ResolveRequest struct {
	Action string `json:"action"` // "accept" or "reject"
}

// ResolveResponse returns the resolved offer and, on acceptance, the
// allocation it produced.
type ResolveResponse struct {
	Offer      *model.Offer      `json:"offer"`
	Allocation *model.Allocation `json:"allocation,omitempty"`
}

// HandleResolve handles POST /api/v1/offers/{offerID}/resolve.
func (s *Service) HandleResolve(w http.ResponseWriter, r *http.Request) {
	offerID, err := strconv.ParseInt(chi.URLParam(r, "offerID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid offer id", http.StatusBadRequest)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Action != "accept" && req.Action != "reject" {
		apperr.Write(w, apperr.Validation("action must be accept or reject"))
		return
	}

	o, a, err := s.Resolve(r.Context(), auth.MustCaller(r), offerID, req.Action == "accept")
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ResolveResponse{Offer: o, Allocation: a})
}
