package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stocklane/backend/internal/barcode"
	"stocklane/backend/internal/cache"
	"stocklane/backend/internal/domain"
	"stocklane/backend/internal/service"
	"stocklane/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, barcode.NewGenerator(repo), cache.NoopProductCache{}, 5*time.Second, 1)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["access_token"] == "" || body["access_token"] == nil {
		t.Fatalf("expected access_token in response, got %v", body)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestProductsRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestListProductsAsSeller(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Products []domain.Product `json:"products"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Products) != 5 {
		t.Fatalf("expected 5 seeded products, got %d", len(body.Products))
	}
}

func TestCreateProductForbiddenForSeller(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.ProductCreateRequest{
		Name: "Eraser", PriceCents: 500, Quantity: 10, CategoryID: 4,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/products", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller create, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCreateProductAsAdmin(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	payload, _ := json.Marshal(domain.ProductCreateRequest{
		Name: "Eraser", PriceCents: 500, Quantity: 30, CategoryID: 4,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/products", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := fmt.Sprintf("PRD-%d-0006", time.Now().UTC().Year())
	if body.Product.Barcode != want {
		t.Fatalf("expected barcode %s, got %s", want, body.Product.Barcode)
	}
	if body.Product.Status != domain.StatusActive {
		t.Fatalf("expected Active for stocked product, got %s", body.Product.Status)
	}
}

func TestPatchUnknownProductReturns404(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	name := "Renamed"
	payload, _ := json.Marshal(domain.ProductUpdateRequest{Name: &name})
	req := httptest.NewRequest(http.MethodPatch, "/api/v1/products/999", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestBarcodeLookupMissReturns200(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products/barcode/PRD-1999-9999", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for barcode miss, got %d", rec.Code)
	}

	var body domain.BarcodeLookupResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Found {
		t.Fatalf("expected found=false for unknown barcode")
	}
}

func TestStatusOverrideEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	csrf := fetchCSRFToken(t, api)

	// Product 5 has zero stock: activating it is an invalid state change.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/products/5/activate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 activating empty product, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/products/1/deactivate", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", csrf)
	rec = httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 deactivating, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Product domain.Product `json:"product"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Product.Status != domain.StatusInactive {
		t.Fatalf("expected Inactive after deactivate, got %s", body.Product.Status)
	}
}

func postSale(t *testing.T, api *API, token, csrf string, req domain.RecordSaleRequest) *httptest.ResponseRecorder {
	t.Helper()

	payload, _ := json.Marshal(req)
	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/sales", bytes.NewReader(payload))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("X-CSRF-Token", csrf)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httpReq)
	return rec
}

func TestRecordSaleEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")
	csrf := fetchCSRFToken(t, api)

	rec := postSale(t, api, token, csrf, domain.RecordSaleRequest{
		TotalCents: 2 * 1500,
		SellerID:   1,
		Lines:      []domain.SaleLine{{ProductID: 1, Quantity: 2, UnitPriceCents: 1500}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = postSale(t, api, token, csrf, domain.RecordSaleRequest{
		TotalCents: 9 * 3900,
		SellerID:   1,
		Lines:      []domain.SaleLine{{ProductID: 4, Quantity: 9, UnitPriceCents: 3900}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on insufficient stock, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = postSale(t, api, token, csrf, domain.RecordSaleRequest{
		TotalCents: 777,
		SellerID:   1,
		Lines:      []domain.SaleLine{{ProductID: 1, Quantity: 1, UnitPriceCents: 1500}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on total mismatch, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestRecordSaleReplayReturns200(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")
	csrf := fetchCSRFToken(t, api)

	saleReq := domain.RecordSaleRequest{
		TotalCents:     900,
		SellerID:       1,
		IdempotencyKey: "replay-http-1",
		Lines:          []domain.SaleLine{{ProductID: 3, Quantity: 1, UnitPriceCents: 900}},
	}

	if rec := postSale(t, api, token, csrf, saleReq); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 on first sale, got %d", rec.Code)
	}

	rec := postSale(t, api, token, csrf, saleReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body domain.RecordSaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.Duplicate {
		t.Fatalf("expected duplicate flag on replay")
	}
}

func TestCategoriesEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Categories []domain.Category `json:"categories"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Categories) != 4 {
		t.Fatalf("expected 4 seeded categories, got %d", len(body.Categories))
	}
}

func TestAuditLogsForbiddenForSeller(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "seller", "seller123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for seller, got %d", rec.Code)
	}
}
