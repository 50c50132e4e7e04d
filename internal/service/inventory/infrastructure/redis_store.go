package infrastructure

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pkgredis "stockgate/internal/pkg/redis"
	"stockgate/internal/service/inventory/domain"
)

// 四类记录的命名空间，互不重叠。
const (
	stockKeyPrefix       = "inventory:stock:"
	reservationKeyPrefix = "inventory:reservation:"
	indexKeyPrefix       = "inventory:resindex:"
	contextKeyPrefix     = "inventory:ordctx:"
	expiryIndexKey       = "inventory:expiry"
	sequenceKey          = "inventory:resseq"
)

const (
	reserveScriptName       = "inventory_reserve"
	restockScriptName       = "inventory_restock"
	releaseKeyedScriptName  = "inventory_release"
	commitKeyedScriptName   = "inventory_commit"
	releaseDirectScriptName = "inventory_release_direct"
	commitDirectScriptName  = "inventory_commit_direct"
	cleanupScriptName       = "inventory_cleanup"
)

// RedisStore 是 port.AtomicStore 的 Redis 实现。
// 每个写操作对应一个 Lua 脚本，整批逻辑在 Redis 内单线程执行。
type RedisStore struct {
	redisClient *pkgredis.Client

	// graceSeconds 是预占记录在超时之后额外存活的窗口。
	// 清扫靠它保证补偿数据在物理过期前始终可读。
	graceSeconds int64
}

// NewRedisStore 创建存储适配器并加载全部脚本。
func NewRedisStore(redisClient *pkgredis.Client, graceSeconds int64) (*RedisStore, error) {
	scripts := map[string]string{
		reserveScriptName:       reserveScript,
		restockScriptName:       restockScript,
		releaseKeyedScriptName:  releaseKeyedScript,
		commitKeyedScriptName:   commitKeyedScript,
		releaseDirectScriptName: releaseDirectScript,
		commitDirectScriptName:  commitDirectScript,
		cleanupScriptName:       cleanupScript,
	}
	for name, content := range scripts {
		if err := redisClient.LoadScriptFromContent(name, content); err != nil {
			return nil, fmt.Errorf("failed to load critical inventory script %q: %w", name, err)
		}
	}
	if graceSeconds <= 0 {
		graceSeconds = 3600
	}
	return &RedisStore{redisClient: redisClient, graceSeconds: graceSeconds}, nil
}

func (s *RedisStore) Initialize(ctx context.Context, sku string, quantity int64) error {
	if sku == "" {
		return domain.NewValidationError("sku is required")
	}
	if quantity < 0 {
		return domain.NewValidationError("quantity must not be negative")
	}

	// HSET 多字段本身就是原子的，幂等覆盖不需要脚本
	err := s.redisClient.GetClient().HSet(ctx, stockKeyPrefix+sku,
		"available", quantity,
		"reserved", 0,
		"sold", 0,
		"total", quantity,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: initialize %s: %v", domain.ErrStoreUnavailable, sku, err)
	}
	return nil
}

func (s *RedisStore) Restock(ctx context.Context, sku string, delta int64) error {
	if delta <= 0 {
		return domain.NewValidationError("restock delta must be positive")
	}

	result, err := s.redisClient.RunScript(ctx, restockScriptName, []string{stockKeyPrefix + sku}, delta)
	if err != nil {
		return fmt.Errorf("%w: restock %s: %v", domain.ErrStoreUnavailable, sku, err)
	}
	if code, _ := result.(int64); code == -1 {
		return &domain.SKUNotFoundError{SKU: sku}
	}
	return nil
}

func (s *RedisStore) CheckAndReserve(ctx context.Context, items []domain.Item, timeout time.Duration) (map[string]string, error) {
	if err := validateItems(items); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, domain.NewValidationError("reservation timeout must be positive")
	}

	n := len(items)
	timeoutSeconds := int64(timeout / time.Second)
	now := time.Now().Unix()

	keys := make([]string, 0, 2*n+2)
	for _, it := range items {
		keys = append(keys, stockKeyPrefix+it.SKU)
	}
	for _, it := range items {
		keys = append(keys, indexKeyPrefix+it.SKU)
	}
	keys = append(keys, expiryIndexKey, sequenceKey)

	args := make([]interface{}, 0, 2*n+6)
	args = append(args, n)
	for _, it := range items {
		args = append(args, it.Quantity)
	}
	args = append(args,
		timeoutSeconds,
		now,
		timeoutSeconds+s.graceSeconds,   // 记录 TTL
		timeoutSeconds+s.graceSeconds+60, // 索引 TTL 略长于它索引的最长预占
		reservationKeyPrefix,
	)
	for _, it := range items {
		args = append(args, it.SKU)
	}

	result, err := s.redisClient.RunScript(ctx, reserveScriptName, keys, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: reserve: %v", domain.ErrStoreUnavailable, err)
	}
	reply, ok := result.([]interface{})
	if !ok || len(reply) == 0 {
		return nil, fmt.Errorf("unexpected result type from reserve script: %T", result)
	}

	switch toInt64(reply[0]) {
	case 1:
		reservations := make(map[string]string, n)
		for i, it := range items {
			member, _ := reply[1+i].(string)
			reservations[it.SKU] = member
		}
		return reservations, nil
	case -1:
		idx := toInt64(reply[1]) - 1
		return nil, &domain.SKUNotFoundError{SKU: items[idx].SKU}
	case 0:
		idx := toInt64(reply[1]) - 1
		return nil, &domain.InsufficientStockError{
			SKU:       items[idx].SKU,
			Available: toInt64(reply[2]),
			Requested: items[idx].Quantity,
		}
	default:
		return nil, fmt.Errorf("unknown result code from reserve script: %v", reply[0])
	}
}

func (s *RedisStore) Release(ctx context.Context, refs []domain.StockRef) ([]domain.Item, error) {
	return s.settle(ctx, refs, releaseKeyedScriptName, releaseDirectScriptName)
}

func (s *RedisStore) Commit(ctx context.Context, refs []domain.StockRef) ([]domain.Item, error) {
	return s.settle(ctx, refs, commitKeyedScriptName, commitDirectScriptName)
}

// settle 逐条处理引用。单条引用的校验和变更在脚本里原子完成；
// 条目之间不需要互相原子——未知/已终态的键本来就按幂等跳过。
func (s *RedisStore) settle(ctx context.Context, refs []domain.StockRef, keyedScript, directScript string) ([]domain.Item, error) {
	var settled []domain.Item
	for _, ref := range refs {
		if ref.Keyed() {
			sku, ok := skuFromReservationKey(ref.ReservationKey)
			if !ok {
				continue
			}
			keys := []string{
				reservationKeyPrefix + ref.ReservationKey,
				stockKeyPrefix + sku,
				indexKeyPrefix + sku,
				expiryIndexKey,
			}
			result, err := s.redisClient.RunScript(ctx, keyedScript, keys, ref.ReservationKey)
			if err != nil {
				return settled, fmt.Errorf("%w: settle %s: %v", domain.ErrStoreUnavailable, ref.ReservationKey, err)
			}
			reply, _ := result.([]interface{})
			if len(reply) == 3 && toInt64(reply[0]) == 1 {
				settledSKU, _ := reply[1].(string)
				settled = append(settled, domain.Item{
					SKU:      settledSKU,
					Quantity: toInt64(reply[2]),
				})
			}
			continue
		}

		if ref.SKU == "" || ref.Quantity <= 0 {
			continue
		}
		result, err := s.redisClient.RunScript(ctx, directScript, []string{stockKeyPrefix + ref.SKU}, ref.Quantity)
		if err != nil {
			return settled, fmt.Errorf("%w: settle direct %s: %v", domain.ErrStoreUnavailable, ref.SKU, err)
		}
		reply, _ := result.([]interface{})
		if len(reply) > 0 && toInt64(reply[0]) == 1 {
			settled = append(settled, domain.Item{SKU: ref.SKU, Quantity: ref.Quantity})
		}
	}
	return settled, nil
}

func (s *RedisStore) CheckInventory(ctx context.Context, skus []string) ([]domain.StockLevel, error) {
	type levelCmd struct {
		sku string
		cmd *goredis.SliceCmd
	}

	pipe := s.redisClient.GetClient().Pipeline()
	cmds := make([]levelCmd, 0, len(skus))
	for _, sku := range skus {
		cmds = append(cmds, levelCmd{
			sku: sku,
			cmd: pipe.HMGet(ctx, stockKeyPrefix+sku, "available", "reserved", "total"),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: check inventory: %v", domain.ErrStoreUnavailable, err)
	}

	levels := make([]domain.StockLevel, 0, len(skus))
	for _, c := range cmds {
		vals := c.cmd.Val()
		level := domain.StockLevel{SKU: c.sku}
		// 未初始化的 SKU: HMGET 返回全 nil，保持零值
		level.Available = parseField(vals, 0)
		level.Reserved = parseField(vals, 1)
		level.Total = parseField(vals, 2)
		level.CanReserve = level.Available > 0
		levels = append(levels, level)
	}
	return levels, nil
}

func (s *RedisStore) GetInventory(ctx context.Context, sku string) (*domain.InventoryRecord, error) {
	fields, err := s.redisClient.GetClient().HGetAll(ctx, stockKeyPrefix+sku).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get inventory %s: %v", domain.ErrStoreUnavailable, sku, err)
	}
	if len(fields) == 0 {
		return nil, &domain.SKUNotFoundError{SKU: sku}
	}

	rec := &domain.InventoryRecord{SKU: sku}
	rec.Available, _ = strconv.ParseInt(fields["available"], 10, 64)
	rec.Reserved, _ = strconv.ParseInt(fields["reserved"], 10, 64)
	rec.Sold, _ = strconv.ParseInt(fields["sold"], 10, 64)
	rec.Total, _ = strconv.ParseInt(fields["total"], 10, 64)
	return rec, nil
}

func (s *RedisStore) CleanupExpired(ctx context.Context, limit int64) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	result, err := s.redisClient.RunScript(ctx, cleanupScriptName,
		[]string{expiryIndexKey},
		time.Now().Unix(), limit, reservationKeyPrefix, stockKeyPrefix, indexKeyPrefix,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup: %v", domain.ErrStoreUnavailable, err)
	}
	return toInt64(result), nil
}

// skuFromReservationKey 从逻辑键 res:<sku>:<ts>:<seq> 里取出 sku。
// SKU 本身允许包含冒号，所以从右往左剥离两段。
func skuFromReservationKey(key string) (string, bool) {
	rest, found := strings.CutPrefix(key, "res:")
	if !found {
		return "", false
	}
	for i := 0; i < 2; i++ {
		idx := strings.LastIndex(rest, ":")
		if idx < 0 {
			return "", false
		}
		rest = rest[:idx]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

func parseField(vals []interface{}, idx int) int64 {
	if idx >= len(vals) || vals[idx] == nil {
		return 0
	}
	if str, ok := vals[idx].(string); ok {
		n, _ := strconv.ParseInt(str, 10, 64)
		return n
	}
	return 0
}
