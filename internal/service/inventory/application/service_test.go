package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"

	"stockgate/internal/service/inventory/domain"
	"stockgate/internal/service/inventory/infrastructure"
)

type InventoryServiceSuite struct {
	suite.Suite
	store    *infrastructure.MemoryStore
	contexts *infrastructure.MemoryContextRepository
	service  *InventoryService
}

func (s *InventoryServiceSuite) SetupTest() {
	s.store = infrastructure.NewMemoryStore()
	s.contexts = infrastructure.NewMemoryContextRepository()
	s.service = NewInventoryService(s.store, s.contexts, otel.Tracer("test"), Options{
		DefaultTimeoutSeconds:   300,
		ContextRetentionSeconds: 3600,
		SweepBatchSize:          100,
	})

	ctx := context.Background()
	s.Require().NoError(s.store.Initialize(ctx, "sku-1", 100))
	s.Require().NoError(s.store.Initialize(ctx, "sku-2", 50))
}

func (s *InventoryServiceSuite) reserve(orderID string, items []domain.Item) *ReserveForOrderResponse {
	resp, err := s.service.ReserveForOrder(context.Background(), &ReserveForOrderRequest{
		OrderID:    orderID,
		CustomerID: "cust-1",
		Items:      items,
	})
	s.Require().NoError(err)
	s.Require().True(resp.Success)
	return resp
}

func (s *InventoryServiceSuite) TestReserveThenCommit() {
	resp := s.reserve("order-1", []domain.Item{
		{SKU: "sku-1", Quantity: 10},
		{SKU: "sku-2", Quantity: 5},
	})
	s.Equal(domain.ContextActive, domain.ContextStatus(resp.ReservationContext.Status))
	s.Len(resp.ReservationContext.ReservationKeys, 2)

	settle, err := s.service.CommitOrderInventory(context.Background(), "order-1")
	s.NoError(err)
	s.True(settle.Success)
	s.Len(settle.Committed, 2)

	rec, err := s.store.GetInventory(context.Background(), "sku-1")
	s.NoError(err)
	s.EqualValues(90, rec.Available)
	s.EqualValues(0, rec.Reserved)
	s.EqualValues(10, rec.Sold)

	stored, err := s.contexts.FindByOrderID(context.Background(), "order-1")
	s.NoError(err)
	s.Equal(domain.ContextCommitted, stored.Status)
}

func (s *InventoryServiceSuite) TestReserveThenRelease() {
	s.reserve("order-1", []domain.Item{{SKU: "sku-1", Quantity: 10}})

	settle, err := s.service.ReleaseOrderInventory(context.Background(), "order-1")
	s.NoError(err)
	s.Len(settle.Released, 1)

	rec, err := s.store.GetInventory(context.Background(), "sku-1")
	s.NoError(err)
	s.EqualValues(100, rec.Available)
	s.EqualValues(0, rec.Reserved)
	s.EqualValues(0, rec.Sold)
}

func (s *InventoryServiceSuite) TestInsufficientStockRejectsWholeBatch() {
	_, err := s.service.ReserveForOrder(context.Background(), &ReserveForOrderRequest{
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Items: []domain.Item{
			{SKU: "sku-1", Quantity: 10},
			{SKU: "sku-2", Quantity: 51},
		},
	})
	s.Require().Error(err)
	s.Equal("Insufficient stock for SKU sku-2. Available: 50, Requested: 51", err.Error())

	// 整批失败：sku-1 不能被部分占用
	rec, _ := s.store.GetInventory(context.Background(), "sku-1")
	s.EqualValues(100, rec.Available)

	// 失败的预占不留上下文
	_, err = s.contexts.FindByOrderID(context.Background(), "order-1")
	s.ErrorIs(err, domain.ErrContextNotFound)
}

func (s *InventoryServiceSuite) TestUnknownSKUError() {
	_, err := s.service.ReserveForOrder(context.Background(), &ReserveForOrderRequest{
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Items:      []domain.Item{{SKU: "sku-ghost", Quantity: 1}},
	})
	s.Require().Error(err)
	s.Equal("SKU sku-ghost not found", err.Error())
}

func (s *InventoryServiceSuite) TestDoubleCommitIsRejected() {
	s.reserve("order-1", []domain.Item{{SKU: "sku-1", Quantity: 10}})

	_, err := s.service.CommitOrderInventory(context.Background(), "order-1")
	s.Require().NoError(err)

	_, err = s.service.CommitOrderInventory(context.Background(), "order-1")
	var invalid *domain.InvalidStateError
	s.Require().True(errors.As(err, &invalid))
	s.Equal("Order reservation is not active (status: committed)", err.Error())

	// 重复事件不能让计数器再动一次
	rec, _ := s.store.GetInventory(context.Background(), "sku-1")
	s.EqualValues(10, rec.Sold)
	s.EqualValues(90, rec.Available)
}

func (s *InventoryServiceSuite) TestReleaseAfterCommitIsRejected() {
	s.reserve("order-1", []domain.Item{{SKU: "sku-1", Quantity: 10}})

	_, err := s.service.CommitOrderInventory(context.Background(), "order-1")
	s.Require().NoError(err)

	_, err = s.service.ReleaseOrderInventory(context.Background(), "order-1")
	var invalid *domain.InvalidStateError
	s.True(errors.As(err, &invalid))

	rec, _ := s.store.GetInventory(context.Background(), "sku-1")
	s.EqualValues(10, rec.Sold)
	s.EqualValues(0, rec.Reserved)
}

func (s *InventoryServiceSuite) TestCommitUnknownOrder() {
	_, err := s.service.CommitOrderInventory(context.Background(), "order-missing")
	s.ErrorIs(err, domain.ErrContextNotFound)
	s.Equal("Order reservation context not found", err.Error())
}

func (s *InventoryServiceSuite) TestReserveValidation() {
	_, err := s.service.ReserveForOrder(context.Background(), &ReserveForOrderRequest{
		OrderID:    "",
		CustomerID: "cust-1",
		Items:      []domain.Item{{SKU: "sku-1", Quantity: 1}},
	})
	var validation *domain.ValidationError
	s.True(errors.As(err, &validation))

	_, err = s.service.ReserveForOrder(context.Background(), &ReserveForOrderRequest{
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Items:      nil,
	})
	s.True(errors.As(err, &validation))
}

func (s *InventoryServiceSuite) TestDefaultTimeoutApplied() {
	resp := s.reserve("order-1", []domain.Item{{SKU: "sku-1", Quantity: 1}})
	s.EqualValues(300, resp.ReservationContext.TimeoutSeconds)
}

func (s *InventoryServiceSuite) TestSaveFailureCompensatesReservation() {
	failing := &failingContextRepository{}
	service := NewInventoryService(s.store, failing, otel.Tracer("test"), Options{})

	_, err := service.ReserveForOrder(context.Background(), &ReserveForOrderRequest{
		OrderID:    "order-1",
		CustomerID: "cust-1",
		Items:      []domain.Item{{SKU: "sku-1", Quantity: 10}},
	})
	s.Require().Error(err)

	// 上下文没存成，预占必须被立即回滚
	rec, _ := s.store.GetInventory(context.Background(), "sku-1")
	s.EqualValues(100, rec.Available)
	s.EqualValues(0, rec.Reserved)
}

func (s *InventoryServiceSuite) TestCleanupExpiredReservations() {
	s.reserve("order-1", []domain.Item{{SKU: "sku-1", Quantity: 10}})

	// 没有到期的预占，清扫应为空转
	count, err := s.service.CleanupExpiredReservations(context.Background())
	s.NoError(err)
	s.Zero(count)
}

func (s *InventoryServiceSuite) TestCheckInventoryLevels() {
	levels, err := s.service.CheckInventoryLevels(context.Background(), []string{"sku-1", "sku-ghost"})
	s.NoError(err)
	s.Len(levels, 2)
	s.EqualValues(100, levels[0].Available)
	s.True(levels[0].CanReserve)
	s.False(levels[1].CanReserve)

	_, err = s.service.CheckInventoryLevels(context.Background(), nil)
	var validation *domain.ValidationError
	s.True(errors.As(err, &validation))
}

func TestInventoryServiceSuite(t *testing.T) {
	suite.Run(t, new(InventoryServiceSuite))
}

// failingContextRepository 模拟上下文仓储写入失败。
type failingContextRepository struct{}

func (r *failingContextRepository) Save(ctx context.Context, orderCtx *domain.OrderReservationContext, retentionSeconds int64) error {
	return errors.New("simulated store failure")
}

func (r *failingContextRepository) FindByOrderID(ctx context.Context, orderID string) (*domain.OrderReservationContext, error) {
	return nil, domain.ErrContextNotFound
}

func (r *failingContextRepository) ClaimTerminal(ctx context.Context, orderID string, target domain.ContextStatus) (*domain.OrderReservationContext, error) {
	return nil, domain.ErrContextNotFound
}

func TestSweeperStopsOnContextCancel(t *testing.T) {
	store := infrastructure.NewMemoryStore()
	contexts := infrastructure.NewMemoryContextRepository()
	service := NewInventoryService(store, contexts, otel.Tracer("test"), Options{})

	sweeper := NewSweeper(service, 10*time.Millisecond, NoopLock{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("sweeper returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after context cancel")
	}
}
