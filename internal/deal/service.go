package deal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/recyx/lot-engine/internal/apperr"
	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/store"
)

// Service serves deal queries. Deals are created by the payment engine at
// hold time, never through this surface.
type Service struct {
	store store.Store
}

// NewService creates a new deal query service.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// HandleGet handles GET /api/v1/deals/{dealID}. Visible to the trade
// parties (buyer and lot owner) and admin.
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustCaller(r)

	id, err := strconv.ParseInt(chi.URLParam(r, "dealID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid deal id", http.StatusBadRequest)
		return
	}

	d, err := s.store.GetDeal(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		apperr.Write(w, apperr.NotFound("deal %d not found", id))
		return
	}
	if err != nil {
		apperr.WriteMsg(w, "failed to load deal", http.StatusInternalServerError)
		return
	}

	if !caller.IsAdmin() {
		ok, err := s.isParty(r, d, caller.CompanyID)
		if err != nil {
			apperr.WriteMsg(w, "failed to load deal", http.StatusInternalServerError)
			return
		}
		if !ok {
			apperr.Write(w, apperr.Authorization("caller company %d is not a party to deal %d", caller.CompanyID, id))
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d)
}

// HandleList handles GET /api/v1/deals. Administrative overview.
func (s *Service) HandleList(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustCaller(r)
	if !caller.IsAdmin() {
		apperr.Write(w, apperr.Authorization("deal listing requires admin"))
		return
	}

	deals, err := s.store.ListDeals(r.Context())
	if err != nil {
		apperr.WriteMsg(w, "failed to list deals", http.StatusInternalServerError)
		return
	}
	if deals == nil {
		deals = []model.Deal{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(deals)
}

// isParty reports whether companyID is the buyer or the lot owner of the
// deal's allocation.
func (s *Service) isParty(r *http.Request, d *model.Deal, companyID int64) (bool, error) {
	a, err := s.store.GetAllocation(r.Context(), d.AllocationID)
	if err != nil {
		return false, err
	}
	if a.BuyerCompanyID == companyID {
		return true, nil
	}
	lot, err := s.store.GetLot(r.Context(), a.LotID)
	if err != nil {
		return false, err
	}
	return lot.OwnerCompanyID == companyID, nil
}
