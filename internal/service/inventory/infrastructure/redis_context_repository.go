package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	pkgredis "stockgate/internal/pkg/redis"
	"stockgate/internal/service/inventory/domain"
)

const claimContextScriptName = "inventory_claim_context"

// RedisContextRepository 把订单预占上下文存成带 TTL 的 hash。
// TTL = 预占超时 + 保留窗口，留给事后排查。
type RedisContextRepository struct {
	redisClient *pkgredis.Client
}

func NewRedisContextRepository(redisClient *pkgredis.Client) (*RedisContextRepository, error) {
	if err := redisClient.LoadScriptFromContent(claimContextScriptName, claimContextScript); err != nil {
		return nil, fmt.Errorf("failed to load context claim script: %w", err)
	}
	return &RedisContextRepository{redisClient: redisClient}, nil
}

func (r *RedisContextRepository) Save(ctx context.Context, orderCtx *domain.OrderReservationContext, retentionSeconds int64) error {
	itemsJSON, err := json.Marshal(orderCtx.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal context items: %w", err)
	}
	keysJSON, err := json.Marshal(orderCtx.ReservationKeys)
	if err != nil {
		return fmt.Errorf("failed to marshal reservation keys: %w", err)
	}

	key := contextKeyPrefix + orderCtx.OrderID
	pipe := r.redisClient.GetClient().TxPipeline()
	pipe.HSet(ctx, key,
		"order_id", orderCtx.OrderID,
		"customer_id", orderCtx.CustomerID,
		"items", string(itemsJSON),
		"reservation_keys", string(keysJSON),
		"status", string(orderCtx.Status),
		"created_at", orderCtx.CreatedAt.Unix(),
		"timeout_seconds", orderCtx.TimeoutSeconds,
	)
	pipe.Expire(ctx, key, time.Duration(orderCtx.TimeoutSeconds+retentionSeconds)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: save context %s: %v", domain.ErrStoreUnavailable, orderCtx.OrderID, err)
	}
	return nil
}

func (r *RedisContextRepository) FindByOrderID(ctx context.Context, orderID string) (*domain.OrderReservationContext, error) {
	fields, err := r.redisClient.GetClient().HGetAll(ctx, contextKeyPrefix+orderID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: find context %s: %v", domain.ErrStoreUnavailable, orderID, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrContextNotFound
	}
	return contextFromFields(fields)
}

func (r *RedisContextRepository) ClaimTerminal(ctx context.Context, orderID string, target domain.ContextStatus) (*domain.OrderReservationContext, error) {
	result, err := r.redisClient.RunScript(ctx, claimContextScriptName,
		[]string{contextKeyPrefix + orderID}, string(target))
	if err != nil {
		return nil, fmt.Errorf("%w: claim context %s: %v", domain.ErrStoreUnavailable, orderID, err)
	}
	reply, ok := result.([]interface{})
	if !ok || len(reply) == 0 {
		return nil, fmt.Errorf("unexpected result type from claim script: %T", result)
	}

	switch toInt64(reply[0]) {
	case 1:
		// 流转成功，字段此后不可变，普通读取即可
		return r.FindByOrderID(ctx, orderID)
	case -1:
		return nil, domain.ErrContextNotFound
	case 0:
		status, _ := reply[1].(string)
		return nil, domain.NewInvalidStateError(domain.ContextStatus(status))
	default:
		return nil, fmt.Errorf("unknown result code from claim script: %v", reply[0])
	}
}

func contextFromFields(fields map[string]string) (*domain.OrderReservationContext, error) {
	orderCtx := &domain.OrderReservationContext{
		OrderID:    fields["order_id"],
		CustomerID: fields["customer_id"],
		Status:     domain.ContextStatus(fields["status"]),
	}
	if err := json.Unmarshal([]byte(fields["items"]), &orderCtx.Items); err != nil {
		return nil, fmt.Errorf("corrupt context items for order %s: %w", orderCtx.OrderID, err)
	}
	if err := json.Unmarshal([]byte(fields["reservation_keys"]), &orderCtx.ReservationKeys); err != nil {
		return nil, fmt.Errorf("corrupt reservation keys for order %s: %w", orderCtx.OrderID, err)
	}
	if createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		orderCtx.CreatedAt = time.Unix(createdAt, 0)
	}
	orderCtx.TimeoutSeconds, _ = strconv.ParseInt(fields["timeout_seconds"], 10, 64)
	return orderCtx, nil
}
