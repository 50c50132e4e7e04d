package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"

	"stockgate/internal/service/inventory/application"
	"stockgate/internal/service/inventory/infrastructure"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := infrastructure.NewMemoryStore()
	contexts := infrastructure.NewMemoryContextRepository()
	service := application.NewInventoryService(store, contexts, otel.Tracer("test"), application.Options{})

	if err := store.Initialize(context.Background(), "sku-1", 100); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	mux := http.NewServeMux()
	NewInventoryHandler(service).RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, payload interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestHandler_ReserveCommitFlow(t *testing.T) {
	server := newTestServer(t)

	resp, body := postJSON(t, server.URL+"/reserve", map[string]interface{}{
		"order_id":    "order-1",
		"customer_id": "cust-1",
		"items":       []map[string]interface{}{{"sku": "sku-1", "quantity": 10}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve status = %d, body = %v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Fatalf("reserve body = %v", body)
	}

	resp, body = postJSON(t, server.URL+"/commit", map[string]interface{}{"order_id": "order-1"})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("commit status = %d, body = %v", resp.StatusCode, body)
	}

	// 重复 commit：状态机拒绝，409
	resp, body = postJSON(t, server.URL+"/commit", map[string]interface{}{"order_id": "order-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double commit status = %d, want 409", resp.StatusCode)
	}
	if body["error"] != "Order reservation is not active (status: committed)" {
		t.Fatalf("double commit error = %v", body["error"])
	}
}

func TestHandler_ErrorStatusMapping(t *testing.T) {
	server := newTestServer(t)

	tests := []struct {
		name       string
		path       string
		payload    map[string]interface{}
		wantStatus int
		wantError  string
	}{
		{
			name: "insufficient stock is 409",
			path: "/reserve",
			payload: map[string]interface{}{
				"order_id": "o1", "customer_id": "c1",
				"items": []map[string]interface{}{{"sku": "sku-1", "quantity": 1000}},
			},
			wantStatus: http.StatusConflict,
			wantError:  "Insufficient stock for SKU sku-1. Available: 100, Requested: 1000",
		},
		{
			name: "unknown sku is 404",
			path: "/reserve",
			payload: map[string]interface{}{
				"order_id": "o2", "customer_id": "c1",
				"items": []map[string]interface{}{{"sku": "sku-ghost", "quantity": 1}},
			},
			wantStatus: http.StatusNotFound,
			wantError:  "SKU sku-ghost not found",
		},
		{
			name:       "missing order id is 400",
			path:       "/reserve",
			payload:    map[string]interface{}{"customer_id": "c1", "items": []map[string]interface{}{{"sku": "sku-1", "quantity": 1}}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown order context is 404",
			path:       "/commit",
			payload:    map[string]interface{}{"order_id": "order-missing"},
			wantStatus: http.StatusNotFound,
			wantError:  "Order reservation context not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postJSON(t, server.URL+tt.path, tt.payload)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %v)", resp.StatusCode, tt.wantStatus, body)
			}
			if body["success"] != false {
				t.Errorf("success = %v, want false", body["success"])
			}
			if tt.wantError != "" && body["error"] != tt.wantError {
				t.Errorf("error = %v, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestHandler_CheckLevels(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/check_levels?skus=sku-1,sku-ghost")
	if err != nil {
		t.Fatalf("GET /check_levels: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Success bool `json:"success"`
		Levels  []struct {
			SKU        string `json:"sku"`
			Available  int64  `json:"available"`
			CanReserve bool   `json:"can_reserve"`
		} `json:"levels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Levels) != 2 {
		t.Fatalf("levels = %+v", body.Levels)
	}
	if body.Levels[0].Available != 100 || !body.Levels[0].CanReserve {
		t.Errorf("sku-1 level = %+v", body.Levels[0])
	}
	if body.Levels[1].CanReserve {
		t.Errorf("uninitialized sku should not be reservable: %+v", body.Levels[1])
	}

	// 没有给出任何 sku 时按参数错误处理
	empty, err := http.Get(server.URL + "/check_levels")
	if err != nil {
		t.Fatalf("GET /check_levels: %v", err)
	}
	empty.Body.Close()
	if empty.StatusCode != http.StatusBadRequest {
		t.Errorf("empty skus status = %d, want 400", empty.StatusCode)
	}
}

func TestHandler_InitializeAndRestock(t *testing.T) {
	server := newTestServer(t)

	resp, body := postJSON(t, server.URL+"/initialize", map[string]interface{}{"sku": "sku-new", "quantity": 5})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("initialize status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = postJSON(t, server.URL+"/restock", map[string]interface{}{"sku": "sku-new", "quantity": 3})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("restock status = %d, body = %v", resp.StatusCode, body)
	}

	details, err := http.Get(server.URL + "/inventory_details?sku=sku-new")
	if err != nil {
		t.Fatalf("GET /inventory_details: %v", err)
	}
	defer details.Body.Close()
	var detail struct {
		Inventory struct {
			Available int64 `json:"Available"`
			Total     int64 `json:"Total"`
		} `json:"inventory"`
	}
	if err := json.NewDecoder(details.Body).Decode(&detail); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if detail.Inventory.Available != 8 || detail.Inventory.Total != 8 {
		t.Errorf("details = %+v", detail.Inventory)
	}
}

func TestHandler_Healthz(t *testing.T) {
	server := newTestServer(t)
	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}
