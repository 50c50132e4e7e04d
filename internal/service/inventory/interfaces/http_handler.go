package interfaces

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"stockgate/internal/pkg/logger"
	"stockgate/internal/service/inventory/application"
	"stockgate/internal/service/inventory/domain"
)

// InventoryHandler 封装了 inventory 服务的 HTTP 处理器
type InventoryHandler struct {
	service *application.InventoryService
}

// NewInventoryHandler 创建一个新的 HTTP 处理器实例
func NewInventoryHandler(service *application.InventoryService) *InventoryHandler {
	return &InventoryHandler{service: service}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *InventoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/reserve", h.handleReserve)
	mux.HandleFunc("/commit", h.handleCommit)
	mux.HandleFunc("/release", h.handleRelease)
	mux.HandleFunc("/initialize", h.handleInitialize)
	mux.HandleFunc("/restock", h.handleRestock)
	mux.HandleFunc("/cleanup_expired", h.handleCleanupExpired)
	mux.HandleFunc("/check_levels", h.handleCheckLevels)
	mux.HandleFunc("/inventory_details", h.handleInventoryDetails)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleReserve 整批预占：全部成功或整批失败。
func (h *InventoryHandler) handleReserve(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req application.ReserveForOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid request body"))
		return
	}

	resp, err := h.service.ReserveForOrder(ctx, &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type orderRequest struct {
	OrderID string `json:"order_id"`
}

func (h *InventoryHandler) handleCommit(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid request body"))
		return
	}

	resp, err := h.service.CommitOrderInventory(ctx, req.OrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *InventoryHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid request body"))
		return
	}

	resp, err := h.service.ReleaseOrderInventory(ctx, req.OrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type stockMutationRequest struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

func (h *InventoryHandler) handleInitialize(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req stockMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid request body"))
		return
	}

	if err := h.service.InitializeInventory(ctx, req.SKU, req.Quantity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sku": req.SKU})
}

func (h *InventoryHandler) handleRestock(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var req stockMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.NewValidationError("invalid request body"))
		return
	}

	if err := h.service.RestockInventory(ctx, req.SKU, req.Quantity); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sku": req.SKU})
}

// handleCleanupExpired 手动触发一次过期预占清扫（正常由后台任务驱动）。
func (h *InventoryHandler) handleCleanupExpired(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	cleaned, err := h.service.CleanupExpiredReservations(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, application.CleanupResponse{Cleaned: cleaned})
}

func (h *InventoryHandler) handleCheckLevels(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	var skus []string
	for _, sku := range strings.Split(r.URL.Query().Get("skus"), ",") {
		if sku = strings.TrimSpace(sku); sku != "" {
			skus = append(skus, sku)
		}
	}
	levels, err := h.service.CheckInventoryLevels(ctx, skus)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "levels": levels})
}

func (h *InventoryHandler) handleInventoryDetails(w http.ResponseWriter, r *http.Request) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	sku := r.URL.Query().Get("sku")
	record, err := h.service.GetInventoryDetails(ctx, sku)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "inventory": record})
}

func (h *InventoryHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError 把业务错误翻译成对应的状态码和 {success:false} 响应体。
// 错误文案是对外契约，这里原样透出，不做二次包装。
func writeError(w http.ResponseWriter, err error) {
	var (
		notFound     *domain.SKUNotFoundError
		insufficient *domain.InsufficientStockError
		invalidState *domain.InvalidStateError
		validation   *domain.ValidationError
	)

	statusCode := http.StatusInternalServerError
	switch {
	case errors.As(err, &validation):
		statusCode = http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, domain.ErrContextNotFound):
		statusCode = http.StatusNotFound
	case errors.As(err, &insufficient), errors.As(err, &invalidState):
		statusCode = http.StatusConflict
	}

	if statusCode == http.StatusInternalServerError {
		logger.Logger().Error().Err(err).Msg("request failed with internal error")
	}

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}
