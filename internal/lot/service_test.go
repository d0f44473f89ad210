package lot_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/recyx/lot-engine/internal/auth"
	"github.com/recyx/lot-engine/internal/lot"
	"github.com/recyx/lot-engine/internal/model"
	"github.com/recyx/lot-engine/internal/store"
)

func newRouter(t *testing.T) (chi.Router, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := lot.NewService(ms, nil)

	r := chi.NewRouter()
	r.Use(auth.Middleware)
	r.Get("/api/v1/lots", svc.HandleList)
	r.Post("/api/v1/lots", svc.HandleCreate)
	r.Get("/api/v1/lots/{lotID}", svc.HandleGet)
	r.Post("/api/v1/lots/{lotID}/status", svc.HandleSetStatus)
	return r, ms
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any, companyID int64, role string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if companyID > 0 {
		req.Header.Set("X-Company-ID", strconv.FormatInt(companyID, 10))
		req.Header.Set("X-Role", role)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func fixedLotBody(total int64) lot.CreateRequest {
	price := decimal.NewFromInt(1200)
	return lot.CreateRequest{
		Material:        "PET",
		City:            "Rotterdam",
		TotalQtyKg:      total,
		PriceMode:       model.PriceModeFixed,
		UnitPricePerTon: &price,
		AllowPartial:    true,
		MinChunkKg:      100,
		StepKg:          100,
		ReserveTTLMin:   30,
	}
}

func TestHandleCreate_HappyPath(t *testing.T) {
	router, _ := newRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/lots", fixedLotBody(1000), 1, auth.RoleGenerator)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created model.Lot
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.ID == 0 {
		t.Error("expected assigned id")
	}
	if created.AvailableQtyKg != 1000 {
		t.Errorf("available = %d, want full quantity", created.AvailableQtyKg)
	}
	if created.Status != model.LotOpen {
		t.Errorf("status = %s, want open", created.Status)
	}
}

func TestHandleCreate_RequiresIdentity(t *testing.T) {
	router, _ := newRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/lots", fixedLotBody(1000), 0, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without identity headers, got %d", w.Code)
	}
}

func TestHandleCreate_RequiresGeneratorRole(t *testing.T) {
	router, _ := newRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/lots", fixedLotBody(1000), 2, auth.RoleRecycler)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for recycler, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleCreate_ValidationFailures(t *testing.T) {
	router, _ := newRouter(t)

	tests := []struct {
		name   string
		mutate func(*lot.CreateRequest)
	}{
		{"missing material", func(r *lot.CreateRequest) { r.Material = "" }},
		{"zero quantity", func(r *lot.CreateRequest) { r.TotalQtyKg = 0 }},
		{"fixed without price", func(r *lot.CreateRequest) { r.UnitPricePerTon = nil }},
		{"unknown price mode", func(r *lot.CreateRequest) { r.PriceMode = "auction" }},
		{"partial without chunk", func(r *lot.CreateRequest) { r.MinChunkKg = 0 }},
		{"partial without step", func(r *lot.CreateRequest) { r.StepKg = 0 }},
		{"chunk above total", func(r *lot.CreateRequest) { r.MinChunkKg = 5000 }},
		{"partial without ttl", func(r *lot.CreateRequest) { r.ReserveTTLMin = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := fixedLotBody(1000)
			tt.mutate(&body)
			w := doJSON(t, router, "POST", "/api/v1/lots", body, 1, auth.RoleGenerator)
			if w.Code != http.StatusUnprocessableEntity {
				t.Errorf("expected 422, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleList_Filters(t *testing.T) {
	router, _ := newRouter(t)

	pet := fixedLotBody(1000)
	doJSON(t, router, "POST", "/api/v1/lots", pet, 1, auth.RoleGenerator)

	hdpe := fixedLotBody(500)
	hdpe.Material = "HDPE"
	hdpe.City = "Antwerp"
	doJSON(t, router, "POST", "/api/v1/lots", hdpe, 1, auth.RoleGenerator)

	w := doJSON(t, router, "GET", "/api/v1/lots?material=HDPE", nil, 2, auth.RoleRecycler)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var lots []model.Lot
	json.Unmarshal(w.Body.Bytes(), &lots)
	if len(lots) != 1 || lots[0].Material != "HDPE" {
		t.Errorf("filter returned %d lots, want 1 HDPE lot", len(lots))
	}
}

func TestHandleGet_NotFound(t *testing.T) {
	router, _ := newRouter(t)

	w := doJSON(t, router, "GET", "/api/v1/lots/4242", nil, 2, auth.RoleRecycler)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleSetStatus_AdminOnly(t *testing.T) {
	router, _ := newRouter(t)

	w := doJSON(t, router, "POST", "/api/v1/lots", fixedLotBody(1000), 1, auth.RoleGenerator)
	var created model.Lot
	json.Unmarshal(w.Body.Bytes(), &created)
	path := "/api/v1/lots/" + strconv.FormatInt(created.ID, 10) + "/status"

	body := map[string]string{"status": model.LotCancelled}
	if w := doJSON(t, router, "POST", path, body, 1, auth.RoleGenerator); w.Code != http.StatusForbidden {
		t.Errorf("owner override should 403, got %d", w.Code)
	}
	if w := doJSON(t, router, "POST", path, body, 99, auth.RoleAdmin); w.Code != http.StatusNoContent {
		t.Errorf("admin override should 204, got %d: %s", w.Code, w.Body.String())
	}

	if w := doJSON(t, router, "POST", path, map[string]string{"status": "vanished"}, 99, auth.RoleAdmin); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown status should 422, got %d", w.Code)
	}
}
