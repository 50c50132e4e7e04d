package application

import (
	"context"
	"time"

	"github.com/google/uuid"

	"stockgate/internal/pkg/logger"
)

// SweeperLock 是清扫任务的互斥原语。
// 多副本部署时用 zookeeper 分布式锁实现，保证同一时刻只有一个
// 副本在扫；单副本或内存引擎用 NoopLock 即可。
type SweeperLock interface {
	TryLock() (bool, error)
	Unlock() error
}

// NoopLock 永远拿得到锁。
type NoopLock struct{}

func (NoopLock) TryLock() (bool, error) { return true, nil }
func (NoopLock) Unlock() error          { return nil }

// Sweeper 周期性回收过期预占。
// 过期的预占记录在物理删除前有一段宽限窗口，清扫必须在窗口内
// 把占用的数量补偿回可用库存，否则这部分库存会永久蒸发。
type Sweeper struct {
	service  *InventoryService
	interval time.Duration
	lock     SweeperLock
}

func NewSweeper(service *InventoryService, interval time.Duration, lock SweeperLock) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if lock == nil {
		lock = NoopLock{}
	}
	return &Sweeper{service: service, interval: interval, lock: lock}
}

// Run 阻塞运行直到 ctx 取消。作为后台任务由 bootstrap 托管。
func (s *Sweeper) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().Dur("interval", s.interval).Msg("reservation sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("reservation sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	runID := uuid.New().String()

	acquired, err := s.lock.TryLock()
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("sweep_run_id", runID).
			Msg("failed to acquire sweeper lock")
		return
	}
	if !acquired {
		// 别的副本正在扫
		return
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("sweep_run_id", runID).
				Msg("failed to release sweeper lock")
		}
	}()

	reclaimed, err := s.service.CleanupExpiredReservations(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("sweep_run_id", runID).
			Int64("reclaimed", reclaimed).Msg("sweep run failed")
		return
	}
	if reclaimed > 0 {
		logger.Ctx(ctx).Info().Str("sweep_run_id", runID).
			Int64("reclaimed", reclaimed).Msg("sweep run finished")
	}
}
