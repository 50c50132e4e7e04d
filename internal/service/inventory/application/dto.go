package application

import (
	"time"

	"stockgate/internal/service/inventory/domain"
)

// ReserveForOrderRequest 是 checkout 侧发起的整批预占请求。
type ReserveForOrderRequest struct {
	OrderID    string        `json:"order_id"`
	CustomerID string        `json:"customer_id"`
	Items      []domain.Item `json:"items"`
	// TimeoutSeconds <= 0 时使用服务默认值（300 秒）。
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

// ReservationContextDTO 是返回给调用方的上下文视图。
type ReservationContextDTO struct {
	OrderID         string        `json:"order_id"`
	CustomerID      string        `json:"customer_id"`
	Items           []domain.Item `json:"items"`
	ReservationKeys []string      `json:"reservation_keys"`
	Status          string        `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	TimeoutSeconds  int64         `json:"timeout_seconds"`
}

func newReservationContextDTO(orderCtx *domain.OrderReservationContext) *ReservationContextDTO {
	return &ReservationContextDTO{
		OrderID:         orderCtx.OrderID,
		CustomerID:      orderCtx.CustomerID,
		Items:           orderCtx.Items,
		ReservationKeys: orderCtx.ReservationKeys,
		Status:          string(orderCtx.Status),
		CreatedAt:       orderCtx.CreatedAt,
		TimeoutSeconds:  orderCtx.TimeoutSeconds,
	}
}

// ReserveForOrderResponse 只描述成功路径；
// 业务失败以类型化错误返回，由接口层翻译成 {success:false, error:...}。
type ReserveForOrderResponse struct {
	Success            bool                   `json:"success"`
	ReservationContext *ReservationContextDTO `json:"reservation_context,omitempty"`
}

// OrderSettlementResponse 是 commit/release 的结果。
type OrderSettlementResponse struct {
	Success   bool          `json:"success"`
	OrderID   string        `json:"order_id"`
	Committed []domain.Item `json:"committed,omitempty"`
	Released  []domain.Item `json:"released,omitempty"`
}

// CleanupResponse 是一次清扫的结果。
type CleanupResponse struct {
	Cleaned int64 `json:"cleaned"`
}
