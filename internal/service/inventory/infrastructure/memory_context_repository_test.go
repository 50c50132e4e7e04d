package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"

	"stockgate/internal/service/inventory/domain"
)

func savedContext(t *testing.T, repo *MemoryContextRepository, orderID string) *domain.OrderReservationContext {
	t.Helper()
	orderCtx, err := domain.NewOrderReservationContext(orderID, "cust-1",
		[]domain.Item{{SKU: "sku-1", Quantity: 2}}, []string{"res:sku-1:1700000000:1"}, 300)
	if err != nil {
		t.Fatalf("NewOrderReservationContext: %v", err)
	}
	if err := repo.Save(context.Background(), orderCtx, 3600); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return orderCtx
}

func TestMemoryContextRepository_ClaimTerminal(t *testing.T) {
	repo := NewMemoryContextRepository()
	ctx := context.Background()
	savedContext(t, repo, "order-1")

	claimed, err := repo.ClaimTerminal(ctx, "order-1", domain.ContextCommitted)
	if err != nil {
		t.Fatalf("ClaimTerminal: %v", err)
	}
	if claimed.Status != domain.ContextCommitted {
		t.Fatalf("claimed status = %s, want committed", claimed.Status)
	}

	// 重复抢占被实体状态机拒绝，文案原样透出
	_, err = repo.ClaimTerminal(ctx, "order-1", domain.ContextCommitted)
	var invalid *domain.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if got, want := err.Error(), "Order reservation is not active (status: committed)"; got != want {
		t.Errorf("error message = %q, want %q", got, want)
	}

	// 交叉方向同样被拒绝，状态不回退
	_, err = repo.ClaimTerminal(ctx, "order-1", domain.ContextCancelled)
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	stored, err := repo.FindByOrderID(ctx, "order-1")
	if err != nil {
		t.Fatalf("FindByOrderID: %v", err)
	}
	if stored.Status != domain.ContextCommitted {
		t.Errorf("status = %s, want committed", stored.Status)
	}
}

func TestMemoryContextRepository_ClaimTerminalValidatesTarget(t *testing.T) {
	repo := NewMemoryContextRepository()
	savedContext(t, repo, "order-1")

	_, err := repo.ClaimTerminal(context.Background(), "order-1", domain.ContextActive)
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError for non-terminal target, got %v", err)
	}
}

func TestMemoryContextRepository_UnknownOrder(t *testing.T) {
	repo := NewMemoryContextRepository()

	_, err := repo.FindByOrderID(context.Background(), "order-missing")
	if !errors.Is(err, domain.ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound, got %v", err)
	}
	_, err = repo.ClaimTerminal(context.Background(), "order-missing", domain.ContextCancelled)
	if !errors.Is(err, domain.ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound, got %v", err)
	}
}

func TestMemoryContextRepository_RetentionExpiry(t *testing.T) {
	repo := NewMemoryContextRepository()
	current := time.Unix(1700000000, 0)
	repo.now = func() time.Time { return current }

	savedContext(t, repo, "order-1")

	// 保留窗口内可读
	if _, err := repo.FindByOrderID(context.Background(), "order-1"); err != nil {
		t.Fatalf("FindByOrderID: %v", err)
	}

	// 超过 timeout+retention 后按不存在处理
	current = current.Add(time.Duration(300+3600+1) * time.Second)
	_, err := repo.FindByOrderID(context.Background(), "order-1")
	if !errors.Is(err, domain.ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound after retention, got %v", err)
	}
}
