package infrastructure

import (
	"context"
	"sync"
	"time"

	"stockgate/internal/service/inventory/domain"
)

// MemoryContextRepository 是 ContextRepository 的进程内实现。
// 过期采用惰性检查：读到已过保留窗口的上下文按不存在处理。
type MemoryContextRepository struct {
	mu       sync.Mutex
	contexts map[string]*storedContext
	now      func() time.Time
}

type storedContext struct {
	ctx       domain.OrderReservationContext
	expiresAt time.Time
}

func NewMemoryContextRepository() *MemoryContextRepository {
	return &MemoryContextRepository{
		contexts: make(map[string]*storedContext),
		now:      time.Now,
	}
}

func (r *MemoryContextRepository) Save(ctx context.Context, orderCtx *domain.OrderReservationContext, retentionSeconds int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *orderCtx
	r.contexts[orderCtx.OrderID] = &storedContext{
		ctx:       copied,
		expiresAt: r.now().Add(time.Duration(orderCtx.TimeoutSeconds+retentionSeconds) * time.Second),
	}
	return nil
}

func (r *MemoryContextRepository) FindByOrderID(ctx context.Context, orderID string) (*domain.OrderReservationContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.lookup(orderID)
	if stored == nil {
		return nil, domain.ErrContextNotFound
	}
	copied := stored.ctx
	return &copied, nil
}

func (r *MemoryContextRepository) ClaimTerminal(ctx context.Context, orderID string, target domain.ContextStatus) (*domain.OrderReservationContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := r.lookup(orderID)
	if stored == nil {
		return nil, domain.ErrContextNotFound
	}

	// 状态机守卫交给领域实体，仓储只负责在锁内执行流转
	var err error
	switch target {
	case domain.ContextCommitted:
		err = stored.ctx.MarkCommitted()
	case domain.ContextCancelled:
		err = stored.ctx.MarkCancelled()
	default:
		err = domain.NewValidationError("invalid terminal status: " + string(target))
	}
	if err != nil {
		return nil, err
	}
	copied := stored.ctx
	return &copied, nil
}

// lookup 必须在持有 r.mu 时调用。
func (r *MemoryContextRepository) lookup(orderID string) *storedContext {
	stored, ok := r.contexts[orderID]
	if !ok {
		return nil
	}
	if !r.now().Before(stored.expiresAt) {
		delete(r.contexts, orderID)
		return nil
	}
	return stored
}
