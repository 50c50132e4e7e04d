package domain

import "context"

// ContextRepository 是订单预占上下文的持久化端口。
type ContextRepository interface {
	// Save 持久化上下文。retentionSeconds 是在预占超时之外额外保留的
	// 事后排查窗口，实现方应以 timeout+retention 设置记录过期。
	Save(ctx context.Context, orderCtx *OrderReservationContext, retentionSeconds int64) error

	// FindByOrderID 按订单号加载上下文；不存在时返回 ErrContextNotFound。
	FindByOrderID(ctx context.Context, orderID string) (*OrderReservationContext, error)

	// ClaimTerminal 原子地把 active 上下文流转到给定终态并返回流转后的
	// 上下文。并发的重复调用只有第一个成功，其余得到 InvalidStateError；
	// 不存在时返回 ErrContextNotFound。
	ClaimTerminal(ctx context.Context, orderID string, target ContextStatus) (*OrderReservationContext, error)
}
