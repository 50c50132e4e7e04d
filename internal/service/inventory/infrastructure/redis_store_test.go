package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	pkgredis "stockgate/internal/pkg/redis"
	"stockgate/internal/service/inventory/domain"
)

// newTestRedisStore 连接 REDIS_ADDR 指定的实例，没有就跳过。
// 所有 SKU 带随机前缀，互相隔离，不需要清库。
func newTestRedisStore(t *testing.T) (*RedisStore, func(sku string) string) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping redis integration test")
	}

	client, err := pkgredis.NewClient(pkgredis.Config{Addr: addr})
	if err != nil {
		t.Fatalf("failed to connect to redis at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })

	store, err := NewRedisStore(client, 3600)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}

	prefix := uuid.New().String()[:8]
	return store, func(sku string) string { return fmt.Sprintf("t%s-%s", prefix, sku) }
}

func TestRedisStore_ReserveCommitLifecycle(t *testing.T) {
	store, sku := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Initialize(ctx, sku("a"), 10); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := store.Initialize(ctx, sku("b"), 5); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	reservations, err := store.CheckAndReserve(ctx, []domain.Item{
		{SKU: sku("a"), Quantity: 4},
		{SKU: sku("b"), Quantity: 2},
	}, time.Minute)
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if len(reservations) != 2 {
		t.Fatalf("expected 2 reservation keys, got %d", len(reservations))
	}

	rec, err := store.GetInventory(ctx, sku("a"))
	if err != nil {
		t.Fatalf("GetInventory: %v", err)
	}
	if rec.Available != 6 || rec.Reserved != 4 {
		t.Fatalf("after reserve: %+v", rec)
	}

	committed, err := store.Commit(ctx, []domain.StockRef{
		{ReservationKey: reservations[sku("a")]},
		{ReservationKey: reservations[sku("b")]},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(committed) != 2 {
		t.Fatalf("committed items: %+v", committed)
	}

	rec, _ = store.GetInventory(ctx, sku("a"))
	if rec.Available != 6 || rec.Reserved != 0 || rec.Sold != 4 {
		t.Fatalf("after commit: %+v", rec)
	}

	// 重复 commit 幂等
	committed, err = store.Commit(ctx, []domain.StockRef{{ReservationKey: reservations[sku("a")]}})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(committed) != 0 {
		t.Fatalf("second commit should settle nothing, got %+v", committed)
	}
}

func TestRedisStore_AllOrNothing(t *testing.T) {
	store, sku := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Initialize(ctx, sku("a"), 10); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := store.Initialize(ctx, sku("b"), 1); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, err := store.CheckAndReserve(ctx, []domain.Item{
		{SKU: sku("a"), Quantity: 5},
		{SKU: sku("b"), Quantity: 2},
	}, time.Minute)

	var insufficient *domain.InsufficientStockError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if insufficient.Available != 1 || insufficient.Requested != 2 {
		t.Fatalf("error detail: %+v", insufficient)
	}

	rec, _ := store.GetInventory(ctx, sku("a"))
	if rec.Available != 10 || rec.Reserved != 0 {
		t.Fatalf("first sku should be untouched after batch failure: %+v", rec)
	}
}

func TestRedisStore_ReleaseRestoresStock(t *testing.T) {
	store, sku := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Initialize(ctx, sku("a"), 10); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	reservations, err := store.CheckAndReserve(ctx, []domain.Item{{SKU: sku("a"), Quantity: 3}}, time.Minute)
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}

	released, err := store.Release(ctx, []domain.StockRef{{ReservationKey: reservations[sku("a")]}})
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(released) != 1 || released[0].Quantity != 3 {
		t.Fatalf("released items: %+v", released)
	}

	rec, _ := store.GetInventory(ctx, sku("a"))
	if rec.Available != 10 || rec.Reserved != 0 || rec.Sold != 0 {
		t.Fatalf("after release: %+v", rec)
	}
}

func TestRedisStore_CleanupExpiredReclaims(t *testing.T) {
	store, sku := newTestRedisStore(t)
	ctx := context.Background()

	if err := store.Initialize(ctx, sku("a"), 10); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// 1 秒超时，宽限窗口保证记录在清扫前仍可读
	if _, err := store.CheckAndReserve(ctx, []domain.Item{{SKU: sku("a"), Quantity: 4}}, time.Second); err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	count, err := store.CleanupExpired(ctx, 100)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if count < 1 {
		t.Fatalf("CleanupExpired reclaimed %d, want >= 1", count)
	}

	rec, _ := store.GetInventory(ctx, sku("a"))
	if rec.Available != 10 || rec.Reserved != 0 {
		t.Fatalf("expired quantity not reclaimed: %+v", rec)
	}
}

func TestRedisStore_RestockUnknownSKU(t *testing.T) {
	store, sku := newTestRedisStore(t)
	ctx := context.Background()

	err := store.Restock(ctx, sku("ghost"), 5)
	var notFound *domain.SKUNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected SKUNotFoundError, got %v", err)
	}
}

func TestSkuFromReservationKey(t *testing.T) {
	tests := []struct {
		key  string
		sku  string
		ok   bool
	}{
		{key: "res:sku-1:1700000000:42", sku: "sku-1", ok: true},
		{key: "res:region:sku-1:1700000000:42", sku: "region:sku-1", ok: true},
		{key: "sku-1:1700000000:42", ok: false},
		{key: "res:1700000000", ok: false},
	}
	for _, tt := range tests {
		sku, ok := skuFromReservationKey(tt.key)
		if ok != tt.ok || sku != tt.sku {
			t.Errorf("skuFromReservationKey(%q) = (%q, %v), want (%q, %v)", tt.key, sku, ok, tt.sku, tt.ok)
		}
	}
}
