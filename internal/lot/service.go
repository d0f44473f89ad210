// Package lot provides the HTTP handlers and business logic for creating
// and listing material lots. Quantity bookkeeping (total vs. available)
// starts here; every later mutation goes through the store's atomic
// conditional decrement.
package lot

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

	"github.com/recyx/lot-engine/internal/apperr"
	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/feed"
	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/store"
)

// Service handles lot operations.
type Service struct {
	store store.Store
	hub   *feed.Hub
}

// NewService creates a new lot service. Pass nil for hub if feed
// broadcasting is not needed.
func NewService(st store.Store, hub *feed.Hub) *Service {
	return &Service{store: st, hub: hub}
}

// CreateRequest is the JSON body for POST /api/v1/lots.
type CreateRequest struct {
	Material        string           `json:"material"`
	City            string           `json:"city"`
	TotalQtyKg      int64            `json:"total_qty_kg"`
	PriceMode       string           `json:"price_mode"`
	UnitPricePerTon *decimal.Decimal `json:"unit_price_per_ton"`
	AllowPartial    bool             `json:"allow_partial"`
	MinChunkKg      int64            `json:"min_chunk_kg"`
	StepKg          int64            `json:"step_kg"`
	ReserveTTLMin   int64            `json:"reserve_ttl_minutes"`
}

// Create validates the lot spec and persists it with the full quantity
// available. Only generators (or admin) may post lots.
func (s *Service) Create(ctx context.Context, caller auth.Caller, req CreateRequest) (*model.Lot, error) {
	if err := caller.Require(auth.RoleGenerator); err != nil {
		return nil, err
	}
	if req.Material == "" {
		return nil, apperr.Validation("material is required")
	}
	if req.TotalQtyKg <= 0 {
		return nil, apperr.Validation("total_qty_kg must be positive")
	}
	switch req.PriceMode {
	case model.PriceModeFixed:
		if req.UnitPricePerTon == nil || !req.UnitPricePerTon.IsPositive() {
			return nil, apperr.Validation("unit_price_per_ton is required and must be positive for fixed-price lots")
		}
	case model.PriceModeNegotiable:
		if req.UnitPricePerTon != nil && req.UnitPricePerTon.IsNegative() {
			return nil, apperr.Validation("unit_price_per_ton must not be negative")
		}
	default:
		return nil, apperr.Validation("price_mode must be fixed or negotiable")
	}
	if req.AllowPartial {
		if req.MinChunkKg <= 0 {
			return nil, apperr.Validation("min_chunk_kg must be positive when partial sale is allowed")
		}
		if req.StepKg <= 0 {
			return nil, apperr.Validation("step_kg must be positive when partial sale is allowed")
		}
		if req.MinChunkKg > req.TotalQtyKg {
			return nil, apperr.Validation("min_chunk_kg must not exceed total_qty_kg")
		}
		if req.ReserveTTLMin <= 0 {
			return nil, apperr.Validation("reserve_ttl_minutes must be positive when partial sale is allowed")
		}
	} else {
		// Chunk/step/TTL only apply to partial lots.
		req.MinChunkKg, req.StepKg, req.ReserveTTLMin = 0, 0, 0
	}

	now := time.Now().UTC()
	lot := &model.Lot{
		OwnerCompanyID:  caller.CompanyID,
		Material:        req.Material,
		City:            req.City,
		TotalQtyKg:      req.TotalQtyKg,
		AvailableQtyKg:  req.TotalQtyKg,
		PriceMode:       req.PriceMode,
		UnitPricePerTon: req.UnitPricePerTon,
		AllowPartial:    req.AllowPartial,
		MinChunkKg:      req.MinChunkKg,
		StepKg:          req.StepKg,
		ReserveTTLMin:   req.ReserveTTLMin,
		Status:          model.LotOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateLot(ctx, lot); err != nil {
		return nil, err
	}

	slog.Info("lot created",
		"id", lot.ID,
		"owner", lot.OwnerCompanyID,
		"material", lot.Material,
		"total_kg", lot.TotalQtyKg,
		"price_mode", lot.PriceMode,
	)

	s.hub.Broadcast(feed.Message{
		Type:           feed.EventLotCreated,
		LotID:          lot.ID,
		AvailableQtyKg: lot.AvailableQtyKg,
		Status:         lot.Status,
	})
	return lot, nil
}

// --- HTTP handlers ---

// HandleCreate handles POST /api/v1/lots.
func (s *Service) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}

	lot, err := s.Create(r.Context(), auth.MustCaller(r), req)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(lot)
}

// HandleList handles GET /api/v1/lots with optional material/city/status
// query filters. Read-only.
func (s *Service) HandleList(w http.ResponseWriter, r *http.Request) {
	f := store.LotFilter{
		Material: r.URL.Query().Get("material"),
		City:     r.URL.Query().Get("city"),
		Status:   r.URL.Query().Get("status"),
	}
	lots, err := s.store.ListLots(r.Context(), f)
	if err != nil {
		apperr.WriteMsg(w, "failed to list lots", http.StatusInternalServerError)
		return
	}
	if lots == nil {
		lots = []model.Lot{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lots)
}

// HandleGet handles GET /api/v1/lots/{lotID}.
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid lot id", http.StatusBadRequest)
		return
	}

	lot, err := s.store.GetLot(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		apperr.Write(w, apperr.NotFound("lot %d not found", id))
		return
	}
	if err != nil {
		apperr.WriteMsg(w, "failed to load lot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(lot)
}

// statusRequest is the JSON body for the administrative status override.
type statusRequest struct {
	Status string `json:"status"`
}

var validLotStatuses = map[string]bool{
	model.LotOpen:      true,
	model.LotMatched:   true,
	model.LotInTransit: true,
	model.LotCompleted: true,
	model.LotCancelled: true,
}

// HandleSetStatus handles POST /api/v1/lots/{lotID}/status. Lot status is
// normally driven by allocation and deal outcomes; this is the
// administrative override only.
func (s *Service) HandleSetStatus(w http.ResponseWriter, r *http.Request) {
	caller := auth.MustCaller(r)
	if !caller.IsAdmin() {
		apperr.Write(w, apperr.Authorization("lot status override requires admin"))
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "lotID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid lot id", http.StatusBadRequest)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validLotStatuses[req.Status] {
		apperr.Write(w, apperr.Validation("unknown lot status %q", req.Status))
		return
	}

	if err := s.store.SetLotStatus(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			apperr.Write(w, apperr.NotFound("lot %d not found", id))
			return
		}
		apperr.WriteMsg(w, "failed to update lot status", http.StatusInternalServerError)
		return
	}

	slog.Info("lot status overridden", "id", id, "status", req.Status, "admin", caller.CompanyID)
	w.WriteHeader(http.StatusNoContent)
}
