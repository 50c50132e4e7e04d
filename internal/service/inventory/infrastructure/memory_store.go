package infrastructure

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"stockgate/internal/pkg/logger"
	"stockgate/internal/service/inventory/domain"
)

// MemoryStore 是 port.AtomicStore 的进程内实现，供本地开发和测试使用。
//
// 并发模型：每个 SKU 一把互斥锁，批量操作先对整批 SKU 排序去重，
// 再按字典序逐个加锁——所有批次遵循同一个全序，重叠批次不会死锁，
// 校验阶段和变更阶段在持锁期间完成，对外表现为一个不可分割的步骤。
//
// 锁的层级：shard 锁在前，store 锁在后。持有 store 锁时绝不允许再去
// 拿 shard 锁，否则会和批量路径形成环。
type MemoryStore struct {
	mu           sync.Mutex // 保护三张表的成员关系，不保护计数器
	records      map[string]*skuShard
	reservations map[string]*domain.ReservationRecord
	index        map[string]map[string]struct{}

	seq int64
	now func() time.Time
}

// skuShard 持有单个 SKU 的计数器和它自己的锁。
// 创建之后指针不再被替换，批量路径可以安全地先取指针后加锁。
type skuShard struct {
	mu  sync.Mutex
	rec domain.InventoryRecord
}

// NewMemoryStore 创建一个空的内存引擎。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:      make(map[string]*skuShard),
		reservations: make(map[string]*domain.ReservationRecord),
		index:        make(map[string]map[string]struct{}),
		now:          time.Now,
	}
}

func (s *MemoryStore) Initialize(ctx context.Context, sku string, quantity int64) error {
	if sku == "" {
		return domain.NewValidationError("sku is required")
	}
	if quantity < 0 {
		return domain.NewValidationError("quantity must not be negative")
	}

	s.mu.Lock()
	sh, ok := s.records[sku]
	if !ok {
		sh = &skuShard{rec: domain.InventoryRecord{SKU: sku}}
		s.records[sku] = sh
	}
	s.mu.Unlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.rec.Available = quantity
	sh.rec.Reserved = 0
	sh.rec.Sold = 0
	sh.rec.Total = quantity
	return nil
}

func (s *MemoryStore) Restock(ctx context.Context, sku string, delta int64) error {
	if delta <= 0 {
		return domain.NewValidationError("restock delta must be positive")
	}

	s.mu.Lock()
	sh := s.records[sku]
	s.mu.Unlock()
	if sh == nil {
		return &domain.SKUNotFoundError{SKU: sku}
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.rec.Available += delta
	sh.rec.Total += delta
	return nil
}

func (s *MemoryStore) CheckAndReserve(ctx context.Context, items []domain.Item, timeout time.Duration) (map[string]string, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}

	// 取出整批 shard 指针；未初始化的 SKU 在这里就失败，整批不动
	shards := make(map[string]*skuShard, len(items))
	s.mu.Lock()
	for _, it := range items {
		sh, ok := s.records[it.SKU]
		if !ok {
			s.mu.Unlock()
			return nil, &domain.SKUNotFoundError{SKU: it.SKU}
		}
		shards[it.SKU] = sh
	}
	s.mu.Unlock()

	// 按字典序对整批 SKU 加锁
	order := make([]string, 0, len(items))
	for sku := range shards {
		order = append(order, sku)
	}
	sort.Strings(order)
	for _, sku := range order {
		shards[sku].mu.Lock()
	}
	defer func() {
		for i := len(order) - 1; i >= 0; i-- {
			shards[order[i]].mu.Unlock()
		}
	}()

	// 阶段一：整批校验
	for _, it := range items {
		if avail := shards[it.SKU].rec.Available; avail < it.Quantity {
			return nil, &domain.InsufficientStockError{
				SKU:       it.SKU,
				Available: avail,
				Requested: it.Quantity,
			}
		}
	}

	// 阶段二：整批变更
	now := s.now()
	result := make(map[string]string, len(items))
	created := make([]*domain.ReservationRecord, 0, len(items))
	for _, it := range items {
		sh := shards[it.SKU]
		sh.rec.Available -= it.Quantity
		sh.rec.Reserved += it.Quantity

		seq := atomic.AddInt64(&s.seq, 1)
		key := domain.FormatReservationKey(it.SKU, now, seq)
		created = append(created, &domain.ReservationRecord{
			Key:       key,
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			Status:    domain.ReservationActive,
			CreatedAt: now,
			ExpiresAt: now.Add(timeout),
		})
		result[it.SKU] = key
	}

	s.mu.Lock()
	for _, rec := range created {
		s.reservations[rec.Key] = rec
		idx := s.index[rec.SKU]
		if idx == nil {
			idx = make(map[string]struct{})
			s.index[rec.SKU] = idx
		}
		idx[rec.Key] = struct{}{}
	}
	s.mu.Unlock()

	return result, nil
}

func (s *MemoryStore) Release(ctx context.Context, refs []domain.StockRef) ([]domain.Item, error) {
	var released []domain.Item
	for _, ref := range refs {
		if ref.Keyed() {
			if item, ok := s.settleReservation(ref.ReservationKey, domain.ReservationReleased, false); ok {
				released = append(released, item)
			}
			continue
		}
		if item, ok := s.adjustDirect(ctx, ref, domain.ReservationReleased); ok {
			released = append(released, item)
		}
	}
	return released, nil
}

func (s *MemoryStore) Commit(ctx context.Context, refs []domain.StockRef) ([]domain.Item, error) {
	var committed []domain.Item
	for _, ref := range refs {
		if ref.Keyed() {
			if item, ok := s.settleReservation(ref.ReservationKey, domain.ReservationCommitted, false); ok {
				committed = append(committed, item)
			}
			continue
		}
		if item, ok := s.adjustDirect(ctx, ref, domain.ReservationCommitted); ok {
			committed = append(committed, item)
		}
	}
	return committed, nil
}

// settleReservation 把一条 active 预占带进终态并调整计数器。
// drop 为真时（清扫路径）补偿完成后直接删除记录，模拟物理过期。
// 未知或已终态的键返回 ok=false，调用方按幂等处理。
func (s *MemoryStore) settleReservation(key string, target domain.ReservationStatus, drop bool) (domain.Item, bool) {
	s.mu.Lock()
	rec := s.reservations[key]
	var sh *skuShard
	if rec != nil {
		sh = s.records[rec.SKU]
	}
	s.mu.Unlock()
	if rec == nil || sh == nil {
		return domain.Item{}, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rec.IsActive() {
		return domain.Item{}, false
	}

	rec.Status = target
	sh.rec.Reserved -= rec.Quantity
	switch target {
	case domain.ReservationReleased:
		sh.rec.Available += rec.Quantity
	case domain.ReservationCommitted:
		// available 不动：预占时已经扣减过了
		sh.rec.Sold += rec.Quantity
	}

	if idx := s.index[rec.SKU]; idx != nil {
		delete(idx, key)
	}
	if drop {
		delete(s.reservations, key)
	}
	return domain.Item{SKU: rec.SKU, Quantity: rec.Quantity}, true
}

// adjustDirect 处理没有预占记录背书的管理员直连引用。
// 校验不通过的引用记一条日志后跳过，不影响批次里的其他引用。
func (s *MemoryStore) adjustDirect(ctx context.Context, ref domain.StockRef, target domain.ReservationStatus) (domain.Item, bool) {
	if ref.SKU == "" || ref.Quantity <= 0 {
		return domain.Item{}, false
	}

	s.mu.Lock()
	sh := s.records[ref.SKU]
	s.mu.Unlock()
	if sh == nil {
		logger.Ctx(ctx).Warn().Str("sku", ref.SKU).Msg("direct stock ref for unknown SKU skipped")
		return domain.Item{}, false
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	switch target {
	case domain.ReservationReleased:
		if sh.rec.Reserved < ref.Quantity {
			logger.Ctx(ctx).Warn().Str("sku", ref.SKU).Int64("reserved", sh.rec.Reserved).
				Int64("requested", ref.Quantity).Msg("direct release exceeds reserved, skipped")
			return domain.Item{}, false
		}
		sh.rec.Reserved -= ref.Quantity
		sh.rec.Available += ref.Quantity
	case domain.ReservationCommitted:
		if sh.rec.Available < ref.Quantity {
			logger.Ctx(ctx).Warn().Str("sku", ref.SKU).Int64("available", sh.rec.Available).
				Int64("requested", ref.Quantity).Msg("direct commit exceeds available, skipped")
			return domain.Item{}, false
		}
		sh.rec.Available -= ref.Quantity
		sh.rec.Sold += ref.Quantity
	}
	return domain.Item{SKU: ref.SKU, Quantity: ref.Quantity}, true
}

func (s *MemoryStore) CheckInventory(ctx context.Context, skus []string) ([]domain.StockLevel, error) {
	levels := make([]domain.StockLevel, 0, len(skus))
	for _, sku := range skus {
		s.mu.Lock()
		sh := s.records[sku]
		s.mu.Unlock()

		level := domain.StockLevel{SKU: sku}
		if sh != nil {
			sh.mu.Lock()
			level.Available = sh.rec.Available
			level.Reserved = sh.rec.Reserved
			level.Total = sh.rec.Total
			level.CanReserve = sh.rec.CanReserve()
			sh.mu.Unlock()
		}
		levels = append(levels, level)
	}
	return levels, nil
}

func (s *MemoryStore) GetInventory(ctx context.Context, sku string) (*domain.InventoryRecord, error) {
	s.mu.Lock()
	sh := s.records[sku]
	s.mu.Unlock()
	if sh == nil {
		return nil, &domain.SKUNotFoundError{SKU: sku}
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec := sh.rec
	return &rec, nil
}

func (s *MemoryStore) CleanupExpired(ctx context.Context, limit int64) (int64, error) {
	now := s.now()

	s.mu.Lock()
	due := make([]string, 0)
	for key, rec := range s.reservations {
		if rec.IsActive() && rec.ExpiredAt(now) {
			due = append(due, key)
			if limit > 0 && int64(len(due)) >= limit {
				break
			}
		}
	}
	s.mu.Unlock()

	var count int64
	for _, key := range due {
		if _, ok := s.settleReservation(key, domain.ReservationReleased, true); ok {
			count++
		}
	}
	return count, nil
}

// validateItems 在任何存储访问之前拒绝畸形请求。
func validateItems(items []domain.Item) error {
	if len(items) == 0 {
		return domain.NewValidationError("items must not be empty")
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.SKU == "" {
			return domain.NewValidationError("item sku is required")
		}
		if it.Quantity <= 0 {
			return domain.NewValidationError("item quantity must be positive")
		}
		if _, dup := seen[it.SKU]; dup {
			return domain.NewValidationError("duplicate sku in batch: " + it.SKU)
		}
		seen[it.SKU] = struct{}{}
	}
	return nil
}
