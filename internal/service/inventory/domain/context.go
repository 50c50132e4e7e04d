package domain

import (
	"time"
)

// ContextStatus 定义了订单预占上下文的生命周期状态。
// committed / cancelled 都是终态，任何离开终态的流转都被拒绝——
// 这是对支付状态事件重复投递的防线。
type ContextStatus string

const (
	ContextActive    ContextStatus = "active"
	ContextCommitted ContextStatus = "committed"
	ContextCancelled ContextStatus = "cancelled"
)

// OrderReservationContext 是订单级别的聚合根，记录一次 checkout
// 产生了哪些预占记录，以及这批预占整体处于什么状态。
type OrderReservationContext struct {
	OrderID         string        `json:"order_id"`
	CustomerID      string        `json:"customer_id"`
	Items           []Item        `json:"items"`
	ReservationKeys []string      `json:"reservation_keys"`
	Status          ContextStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	TimeoutSeconds  int64         `json:"timeout_seconds"`
}

// NewOrderReservationContext 创建一个处于 active 状态的上下文。
func NewOrderReservationContext(orderID, customerID string, items []Item, reservationKeys []string, timeoutSeconds int64) (*OrderReservationContext, error) {
	if orderID == "" {
		return nil, NewValidationError("order id is required")
	}
	if customerID == "" {
		return nil, NewValidationError("customer id is required")
	}
	if len(items) == 0 {
		return nil, NewValidationError("items must not be empty")
	}

	return &OrderReservationContext{
		OrderID:         orderID,
		CustomerID:      customerID,
		Items:           items,
		ReservationKeys: reservationKeys,
		Status:          ContextActive,
		CreatedAt:       time.Now(),
		TimeoutSeconds:  timeoutSeconds,
	}, nil
}

// IsTerminal 报告上下文是否已进入终态。
func (c *OrderReservationContext) IsTerminal() bool {
	return c.Status != ContextActive
}

// MarkCommitted 把上下文流转到 committed 终态。
func (c *OrderReservationContext) MarkCommitted() error {
	if c.IsTerminal() {
		return NewInvalidStateError(c.Status)
	}
	c.Status = ContextCommitted
	return nil
}

// MarkCancelled 把上下文流转到 cancelled 终态。
func (c *OrderReservationContext) MarkCancelled() error {
	if c.IsTerminal() {
		return NewInvalidStateError(c.Status)
	}
	c.Status = ContextCancelled
	return nil
}
