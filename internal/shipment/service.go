// Package shipment coordinates delivery of deals: carrier quotes,
// shipment creation, and the strictly forward status machine
// assigned → picked → in_transit → delivered. Reaching delivered
// completes the deal and, when the lot is fully consumed, the lot.
package shipment

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/apperr"
	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/feed"
	"github.com/recyx/lot-engine/internal/metrics"
	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/store"
)

var kgPerTon = decimal.NewFromInt(1000)

// next holds the only legal transition out of each shipment status.
// Delivered is terminal.
var next = map[string]string{
	model.ShipmentAssigned:  model.ShipmentPicked,
	model.ShipmentPicked:    model.ShipmentInTransit,
	model.ShipmentInTransit: model.ShipmentDelivered,
}

// Rates is the externally configured logistics tariff.
type Rates struct {
	// CostPerKm is the linehaul rate per kilometre.
	CostPerKm decimal.Decimal

	// HandlingPerTon is the flat loading/unloading fee per ton.
	HandlingPerTon decimal.Decimal

	// AvgSpeedKmh drives the ETA estimate.
	AvgSpeedKmh int64
}

// Service coordinates shipments.
type Service struct {
	store store.Store
	hub   *feed.Hub
	rates Rates
}

// NewService creates a new shipment service.
func NewService(st store.Store, hub *feed.Hub, rates Rates) *Service {
	return &Service{store: st, hub: hub, rates: rates}
}

// Quote is a read-only delivery estimate. It never touches deal or
// allocation state and may be requested before any shipment exists.
type Quote struct {
	DealID     int64           `json:"deal_id"`
	KmEst      decimal.Decimal `json:"km_est"`
	QuotedCost decimal.Decimal `json:"quoted_cost"`
	EtaAt      time.Time       `json:"eta_at"`
}

// QuoteDeal estimates distance, cost, and ETA for delivering a deal.
func (s *Service) QuoteDeal(ctx context.Context, dealID int64) (*Quote, error) {
	d, err := s.store.GetDeal(ctx, dealID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("deal %d not found", dealID)
	}
	if err != nil {
		return nil, err
	}

	a, err := s.store.GetAllocation(ctx, d.AllocationID)
	if err != nil {
		return nil, err
	}
	lot, err := s.store.GetLot(ctx, a.LotID)
	if err != nil {
		return nil, err
	}

	km := estimateKm(lot.City)
	return &Quote{
		DealID:     dealID,
		KmEst:      km,
		QuotedCost: s.cost(km, d.QtyKg),
		EtaAt:      s.eta(km),
	}, nil
}

// estimateKm derives a stable distance for a pickup city. Real routing
// is an external collaborator; until it is wired in, the estimate only
// needs to be deterministic so repeated quotes agree.
func estimateKm(city string) decimal.Decimal {
	h := fnv.New32a()
	h.Write([]byte(city))
	return decimal.NewFromInt(int64(h.Sum32()%480) + 20)
}

func (s *Service) cost(km decimal.Decimal, qtyKg int64) decimal.Decimal {
	tons := decimal.NewFromInt(qtyKg).Div(kgPerTon)
	linehaul := km.Mul(s.rates.CostPerKm)
	handling := tons.Mul(s.rates.HandlingPerTon)
	return linehaul.Add(handling).Round(2)
}

func (s *Service) eta(km decimal.Decimal) time.Time {
	hours := km.Div(decimal.NewFromInt(s.rates.AvgSpeedKmh))
	minutes := hours.Mul(decimal.NewFromInt(60)).IntPart()
	// One day of depot handling on top of drive time.
	return time.Now().UTC().Add(24*time.Hour + time.Duration(minutes)*time.Minute)
}

// Create assigns a carrier to a deal. One shipment per deal; the deal
// must not have been cancelled or already moved past settlement.
func (s *Service) Create(ctx context.Context, caller auth.Caller, dealID, carrierCompanyID int64) (*model.Shipment, error) {
	if err := caller.Require(auth.RoleRecycler, auth.RoleGenerator); err != nil {
		return nil, err
	}

	d, err := s.store.GetDeal(ctx, dealID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("deal %d not found", dealID)
	}
	if err != nil {
		return nil, err
	}
	if d.Status != model.DealPending && d.Status != model.DealPaid {
		return nil, apperr.State("deal %d is %s, shipment requires pending or paid", dealID, d.Status)
	}

	q, err := s.QuoteDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	sh := &model.Shipment{
		DealID:           dealID,
		CarrierCompanyID: carrierCompanyID,
		Status:           model.ShipmentAssigned,
		KmEst:            q.KmEst,
		QuotedCost:       q.QuotedCost,
		EtaAt:            q.EtaAt,
		TrackingCode:     uuid.New().String(),
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.CreateShipment(ctx, sh); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict("a shipment already exists for deal %d", dealID)
		}
		return nil, err
	}

	metrics.ShipmentsTotal.WithLabelValues(model.ShipmentAssigned).Inc()
	slog.Info("shipment created",
		"shipment", sh.ID,
		"deal", dealID,
		"carrier", carrierCompanyID,
		"tracking", sh.TrackingCode,
	)
	s.hub.Broadcast(feed.Message{
		Type:       feed.EventShipmentStatus,
		DealID:     dealID,
		ShipmentID: sh.ID,
		Status:     sh.Status,
	})
	return sh, nil
}

// UpdateStatus advances a shipment one step forward. Only the assigned
// carrier (or admin) may advance it; skipping steps or moving backwards
// is rejected. finalCost is accepted only together with delivered.
func (s *Service) UpdateStatus(ctx context.Context, caller auth.Caller, shipmentID int64, newStatus string, finalCost *decimal.Decimal) (*model.Shipment, error) {
	sh, err := s.store.GetShipment(ctx, shipmentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("shipment %d not found", shipmentID)
	}
	if err != nil {
		return nil, err
	}

	if !caller.IsAdmin() {
		if err := caller.Require(auth.RoleCarrier); err != nil {
			return nil, err
		}
		if caller.CompanyID != sh.CarrierCompanyID {
			return nil, apperr.Authorization("shipment %d belongs to another carrier", shipmentID)
		}
	}

	want, ok := next[sh.Status]
	if !ok {
		return nil, apperr.State("shipment %d is %s, a terminal status", shipmentID, sh.Status)
	}
	if newStatus != want {
		return nil, apperr.State("shipment %d is %s, next status is %s", shipmentID, sh.Status, want)
	}
	if finalCost != nil && newStatus != model.ShipmentDelivered {
		return nil, apperr.Validation("final_cost is accepted only with delivered")
	}
	if finalCost != nil && finalCost.Sign() <= 0 {
		return nil, apperr.Validation("final_cost must be positive")
	}

	if err := s.store.TransitionShipment(ctx, shipmentID, sh.Status, newStatus, finalCost); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, apperr.State("shipment %d was advanced concurrently", shipmentID)
		}
		return nil, err
	}
	sh.Status = newStatus
	sh.FinalCost = finalCost

	switch newStatus {
	case model.ShipmentPicked:
		if err := s.store.TransitionDeal(ctx, sh.DealID, model.DealPaid, model.DealShipped); err != nil &&
			!errors.Is(err, store.ErrStale) {
			slog.Error("failed to mark deal shipped", "deal", sh.DealID, "err", err)
		}
	case model.ShipmentInTransit:
		s.markLot(ctx, sh.DealID, model.LotMatched, model.LotInTransit)
	case model.ShipmentDelivered:
		s.completeDeal(ctx, sh.DealID)
	}

	metrics.ShipmentsTotal.WithLabelValues(newStatus).Inc()
	slog.Info("shipment advanced", "shipment", shipmentID, "status", newStatus)
	s.hub.Broadcast(feed.Message{
		Type:       feed.EventShipmentStatus,
		DealID:     sh.DealID,
		ShipmentID: shipmentID,
		Status:     newStatus,
	})
	return sh, nil
}

// completeDeal settles the deal after delivery and closes the lot when
// nothing remains for sale.
func (s *Service) completeDeal(ctx context.Context, dealID int64) {
	// The deal may still sit in pending or paid when goods land (escrow
	// released out of band); complete it from whichever state it is in.
	completed := false
	for _, from := range []string{model.DealShipped, model.DealPaid, model.DealPending} {
		err := s.store.TransitionDeal(ctx, dealID, from, model.DealCompleted)
		if err == nil {
			completed = true
			break
		}
		if !errors.Is(err, store.ErrStale) {
			slog.Error("failed to complete deal", "deal", dealID, "err", err)
			return
		}
	}
	if !completed {
		slog.Error("delivered deal not in a completable state", "deal", dealID)
	}

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		slog.Error("failed to load delivered deal", "deal", dealID, "err", err)
		return
	}
	a, err := s.store.GetAllocation(ctx, d.AllocationID)
	if err != nil {
		slog.Error("failed to load delivered allocation", "allocation", d.AllocationID, "err", err)
		return
	}
	lot, err := s.store.GetLot(ctx, a.LotID)
	if err != nil {
		slog.Error("failed to load delivered lot", "lot", a.LotID, "err", err)
		return
	}
	if lot.AvailableQtyKg != 0 {
		return
	}
	// A still-reserved allocation may yet expire and restore quantity;
	// only a lot with nothing left and nothing pending closes.
	live, err := s.store.CountLotAllocations(ctx, lot.ID, model.AllocationReserved)
	if err != nil {
		slog.Error("failed to count live reservations", "lot", lot.ID, "err", err)
		return
	}
	if live == 0 {
		if err := s.store.SetLotStatus(ctx, lot.ID, model.LotCompleted); err != nil {
			slog.Error("failed to complete lot", "lot", lot.ID, "err", err)
		}
	}
}

// markLot advances the lot backing a deal, ignoring the transition when
// the lot already moved on (partial lots keep selling while one
// allocation ships).
func (s *Service) markLot(ctx context.Context, dealID int64, from, to string) {
	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return
	}
	a, err := s.store.GetAllocation(ctx, d.AllocationID)
	if err != nil {
		return
	}
	if err := s.store.TransitionLot(ctx, a.LotID, from, to); err != nil &&
		!errors.Is(err, store.ErrStale) && !errors.Is(err, store.ErrNotFound) {
		slog.Error("failed to advance lot", "lot", a.LotID, "err", err)
	}
}

// --- HTTP handlers ---

// QuoteRequest is the JSON body for POST /api/v1/shipments/quote.
type QuoteRequest struct {
	DealID int64 `json:"deal_id"`
}

// HandleQuote handles POST /api/v1/shipments/quote.
func (s *Service) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}

	q, err := s.QuoteDeal(r.Context(), req.DealID)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(q)
}

// CreateRequest is the JSON body for POST /api/v1/shipments.
type CreateRequest struct {
	DealID           int64 `json:"deal_id"`
	CarrierCompanyID int64 `json:"carrier_company_id"`
}

// HandleCreate handles POST /api/v1/shipments.
func (s *Service) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CarrierCompanyID <= 0 {
		apperr.Write(w, apperr.Validation("carrier_company_id is required"))
		return
	}

	sh, err := s.Create(r.Context(), auth.MustCaller(r), req.DealID, req.CarrierCompanyID)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sh)
}

// StatusRequest is the JSON body for POST /api/v1/shipments/{shipmentID}/status.
type StatusRequest struct {
	Status    string           `json:"status"`
	FinalCost *decimal.Decimal `json:"final_cost,omitempty"`
}

// HandleUpdateStatus handles POST /api/v1/shipments/{shipmentID}/status.
func (s *Service) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "shipmentID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid shipment id", http.StatusBadRequest)
		return
	}

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteMsg(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sh, err := s.UpdateStatus(r.Context(), auth.MustCaller(r), id, req.Status, req.FinalCost)
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sh)
}

// HandleGet handles GET /api/v1/shipments/{shipmentID}.
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "shipmentID"), 10, 64)
	if err != nil {
		apperr.WriteMsg(w, "invalid shipment id", http.StatusBadRequest)
		return
	}

	sh, err := s.store.GetShipment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		apperr.Write(w, apperr.NotFound("shipment %d not found", id))
		return
	}
	if err != nil {
		apperr.Write(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sh)
}
