package application

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockgate/internal/pkg/logger"
	"stockgate/internal/service/inventory/domain"
	"stockgate/internal/service/inventory/domain/port"
	"stockgate/internal/service/inventory/infrastructure"
)

// Options 是 InventoryService 的运行参数。
type Options struct {
	DefaultTimeoutSeconds   int64
	ContextRetentionSeconds int64
	SweepBatchSize          int64
}

func (o Options) withDefaults() Options {
	if o.DefaultTimeoutSeconds <= 0 {
		o.DefaultTimeoutSeconds = 300
	}
	if o.ContextRetentionSeconds <= 0 {
		o.ContextRetentionSeconds = 3600
	}
	if o.SweepBatchSize <= 0 {
		o.SweepBatchSize = 100
	}
	return o
}

// InventoryService 是库存预占引擎的门面，外部协作方只和它打交道。
// 它编排原子引擎和上下文仓储：reserve 建立订单级上下文，
// commit/release 由支付状态事件驱动，把上下文带进终态。
type InventoryService struct {
	store    port.AtomicStore
	contexts domain.ContextRepository
	tracer   trace.Tracer
	opts     Options
}

func NewInventoryService(store port.AtomicStore, contexts domain.ContextRepository, tracer trace.Tracer, opts Options) *InventoryService {
	return &InventoryService{
		store:    store,
		contexts: contexts,
		tracer:   tracer,
		opts:     opts.withDefaults(),
	}
}

// ReserveForOrder 为订单整批预占库存。
// 全部条目成功才会建立上下文；任何一个条目不满足时整批不动，
// 原子引擎的失败原因原样向上传递——文案是对外契约的一部分。
func (s *InventoryService) ReserveForOrder(ctx context.Context, req *ReserveForOrderRequest) (*ReserveForOrderResponse, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.ReserveForOrder")
	defer span.End()

	span.SetAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("customer.id", req.CustomerID),
		attribute.Int("items.count", len(req.Items)),
	)

	if req.OrderID == "" {
		return nil, domain.NewValidationError("order id is required")
	}
	if req.CustomerID == "" {
		return nil, domain.NewValidationError("customer id is required")
	}

	timeoutSeconds := req.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = s.opts.DefaultTimeoutSeconds
	}

	reservations, err := s.store.CheckAndReserve(ctx, req.Items, time.Duration(timeoutSeconds)*time.Second)
	if err != nil {
		s.countRejection(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "reservation rejected")
		return nil, err
	}

	// 预占键按请求条目的顺序排列，方便和 items 一一对应
	reservationKeys := make([]string, 0, len(req.Items))
	for _, it := range req.Items {
		reservationKeys = append(reservationKeys, reservations[it.SKU])
	}

	orderCtx, err := domain.NewOrderReservationContext(req.OrderID, req.CustomerID, req.Items, reservationKeys, timeoutSeconds)
	if err != nil {
		s.compensateReservations(ctx, req.OrderID, reservationKeys)
		return nil, err
	}

	if err := s.contexts.Save(ctx, orderCtx, s.opts.ContextRetentionSeconds); err != nil {
		// 上下文存不进去等于这批预占成了孤儿，必须立即回滚
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist reservation context")
		s.compensateReservations(ctx, req.OrderID, reservationKeys)
		return nil, err
	}

	infrastructure.ReservationsTotal.Inc()
	span.AddEvent("All items reserved and context persisted")
	logger.Ctx(ctx).Info().
		Str("order_id", req.OrderID).
		Int("items", len(req.Items)).
		Int64("timeout_seconds", timeoutSeconds).
		Msg("inventory reserved for order")

	return &ReserveForOrderResponse{
		Success:            true,
		ReservationContext: newReservationContextDTO(orderCtx),
	}, nil
}

// CommitOrderInventory 把订单的预占转为售出（支付成功）。
// 先原子地抢占 active→committed 的流转：重复的支付事件只有第一个
// 会走到计数器，其余拿到 InvalidStateError，计数器不被碰第二次。
func (s *InventoryService) CommitOrderInventory(ctx context.Context, orderID string) (*OrderSettlementResponse, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.CommitOrderInventory")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	if orderID == "" {
		return nil, domain.NewValidationError("order id is required")
	}

	orderCtx, err := s.contexts.ClaimTerminal(ctx, orderID, domain.ContextCommitted)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	committed, err := s.store.Commit(ctx, keyedRefs(orderCtx.ReservationKeys))
	if err != nil {
		// 上下文已进入终态但计数器没跟上，这必须人工介入
		span.RecordError(err, trace.WithAttributes(attribute.Bool("critical.error", true)))
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).
			Msg("CRITICAL: context committed but counter commit failed")
		return nil, err
	}

	infrastructure.CommitsTotal.Inc()
	span.AddEvent("Order reservations committed")
	logger.Ctx(ctx).Info().Str("order_id", orderID).Int("reservations", len(committed)).
		Msg("order inventory committed")

	return &OrderSettlementResponse{Success: true, OrderID: orderID, Committed: committed}, nil
}

// ReleaseOrderInventory 取消订单的预占（支付失败/超时/取消）。
func (s *InventoryService) ReleaseOrderInventory(ctx context.Context, orderID string) (*OrderSettlementResponse, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.ReleaseOrderInventory")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	if orderID == "" {
		return nil, domain.NewValidationError("order id is required")
	}

	orderCtx, err := s.contexts.ClaimTerminal(ctx, orderID, domain.ContextCancelled)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	released, err := s.store.Release(ctx, keyedRefs(orderCtx.ReservationKeys))
	if err != nil {
		span.RecordError(err, trace.WithAttributes(attribute.Bool("critical.error", true)))
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).
			Msg("CRITICAL: context cancelled but counter release failed")
		return nil, err
	}

	infrastructure.ReleasesTotal.Inc()
	span.AddEvent("Order reservations released")
	logger.Ctx(ctx).Info().Str("order_id", orderID).Int("reservations", len(released)).
		Msg("order inventory released")

	return &OrderSettlementResponse{Success: true, OrderID: orderID, Released: released}, nil
}

// CheckInventoryLevels 批量查询库存水位，只读。
func (s *InventoryService) CheckInventoryLevels(ctx context.Context, skus []string) ([]domain.StockLevel, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.CheckInventoryLevels")
	defer span.End()
	span.SetAttributes(attribute.Int("skus.count", len(skus)))

	if len(skus) == 0 {
		return nil, domain.NewValidationError("skus must not be empty")
	}
	return s.store.CheckInventory(ctx, skus)
}

// GetInventoryDetails 返回单个 SKU 的完整计数器记录。
func (s *InventoryService) GetInventoryDetails(ctx context.Context, sku string) (*domain.InventoryRecord, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.GetInventoryDetails")
	defer span.End()
	span.SetAttributes(attribute.String("sku", sku))

	if sku == "" {
		return nil, domain.NewValidationError("sku is required")
	}
	return s.store.GetInventory(ctx, sku)
}

// InitializeInventory 建立或重置一个 SKU 的库存。
func (s *InventoryService) InitializeInventory(ctx context.Context, sku string, quantity int64) error {
	ctx, span := s.tracer.Start(ctx, "inventory.InitializeInventory")
	defer span.End()
	span.SetAttributes(attribute.String("sku", sku), attribute.Int64("quantity", quantity))

	if err := s.store.Initialize(ctx, sku, quantity); err != nil {
		span.RecordError(err)
		return err
	}
	logger.Ctx(ctx).Info().Str("sku", sku).Int64("quantity", quantity).Msg("inventory initialized")
	return nil
}

// RestockInventory 追加库存。
func (s *InventoryService) RestockInventory(ctx context.Context, sku string, delta int64) error {
	ctx, span := s.tracer.Start(ctx, "inventory.RestockInventory")
	defer span.End()
	span.SetAttributes(attribute.String("sku", sku), attribute.Int64("delta", delta))

	if err := s.store.Restock(ctx, sku, delta); err != nil {
		span.RecordError(err)
		return err
	}
	logger.Ctx(ctx).Info().Str("sku", sku).Int64("delta", delta).Msg("inventory restocked")
	return nil
}

// CleanupExpiredReservations 清扫已超时的预占，返回本次回收的条数。
// 分批执行，单次调用最多扫 maxSweepBatches 批，避免长时间霸占存储。
func (s *InventoryService) CleanupExpiredReservations(ctx context.Context) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "inventory.CleanupExpiredReservations")
	defer span.End()

	const maxSweepBatches = 100

	var total int64
	for i := 0; i < maxSweepBatches; i++ {
		count, err := s.store.CleanupExpired(ctx, s.opts.SweepBatchSize)
		if err != nil {
			span.RecordError(err)
			return total, err
		}
		total += count
		if count < s.opts.SweepBatchSize {
			break
		}
	}

	if total > 0 {
		infrastructure.ExpiredReclaimedTotal.Add(float64(total))
		logger.Ctx(ctx).Warn().Int64("reclaimed", total).
			Msg("expired reservations swept back to available stock")
	}
	span.SetAttributes(attribute.Int64("reclaimed", total))
	return total, nil
}

// compensateReservations 回滚一批刚建立的预占。
// 回滚失败只能记日志等清扫兜底——预占记录带着到期时间，不会永久泄漏。
func (s *InventoryService) compensateReservations(ctx context.Context, orderID string, reservationKeys []string) {
	ctx, span := s.tracer.Start(ctx, "inventory.compensation.ReleaseReservations")
	defer span.End()

	if _, err := s.store.Release(ctx, keyedRefs(reservationKeys)); err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).
			Msg("compensation release failed; sweeper will reclaim on expiry")
	}
}

func (s *InventoryService) countRejection(err error) {
	var (
		notFound     *domain.SKUNotFoundError
		insufficient *domain.InsufficientStockError
		validation   *domain.ValidationError
	)
	switch {
	case errors.As(err, &insufficient):
		infrastructure.ReservationRejectionsTotal.WithLabelValues(infrastructure.RejectReasonInsufficient).Inc()
	case errors.As(err, &notFound):
		infrastructure.ReservationRejectionsTotal.WithLabelValues(infrastructure.RejectReasonNotFound).Inc()
	case errors.As(err, &validation):
		infrastructure.ReservationRejectionsTotal.WithLabelValues(infrastructure.RejectReasonValidation).Inc()
	}
}

func keyedRefs(reservationKeys []string) []domain.StockRef {
	refs := make([]domain.StockRef, 0, len(reservationKeys))
	for _, key := range reservationKeys {
		if key == "" {
			continue
		}
		refs = append(refs, domain.StockRef{ReservationKey: key})
	}
	return refs
}
