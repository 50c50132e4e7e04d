package port

import (
	"context"
	"time"

	"stockgate/internal/service/inventory/domain"
)

// AtomicStore 是库存计数引擎的出站端口。
//
// 所有写操作对任何涉及相同 SKU 的并发调用都是线性化的：
// CheckAndReserve 的"先整批校验、再整批变更"必须被并发调用方
// 观察为一个不可分割的步骤。两种实现：
//   - Redis 适配器把整批逻辑放进单个 Lua 脚本（Redis 单线程执行）；
//   - 内存适配器按固定的全序对整批 SKU 逐个加锁后再校验。
//
// 对同一 SKU 边检查边加锁的增量式写法被明确排除，那会重新引入竞态。
type AtomicStore interface {
	// Initialize 幂等地把 SKU 重置为 available=total=quantity, reserved=sold=0。
	Initialize(ctx context.Context, sku string, quantity int64) error

	// Restock 追加库存: available += delta, total += delta。
	Restock(ctx context.Context, sku string, delta int64) error

	// CheckAndReserve 整批校验并预占。全部成功时返回 sku -> 预占记录键；
	// 任何一个条目不满足时返回 SKUNotFoundError / InsufficientStockError，
	// 且保证整批没有任何变更。
	CheckAndReserve(ctx context.Context, items []domain.Item, timeout time.Duration) (map[string]string, error)

	// Release 释放预占: reserved -= q, available += q。
	// 未知或已终态的键被静默跳过，调用是幂等的。返回实际释放的条目。
	Release(ctx context.Context, refs []domain.StockRef) ([]domain.Item, error)

	// Commit 把预占转为售出: reserved -= q, sold += q，available 不动
	// （预占时已经扣过）。返回实际提交的条目。
	Commit(ctx context.Context, refs []domain.StockRef) ([]domain.Item, error)

	// CheckInventory 只读批量查询；未初始化的 SKU 返回全零。
	CheckInventory(ctx context.Context, skus []string) ([]domain.StockLevel, error)

	// GetInventory 返回单个 SKU 的完整计数器记录。
	GetInventory(ctx context.Context, sku string) (*domain.InventoryRecord, error)

	// CleanupExpired 清扫至多 limit 条已超时但仍 active 的预占，
	// 把占用的库存补偿回 available，返回实际清扫的条数。
	CleanupExpired(ctx context.Context, limit int64) (int64, error)
}
