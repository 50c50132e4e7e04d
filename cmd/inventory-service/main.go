// cmd/inventory-service/main.go
package main

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"stockgate/internal/pkg/bootstrap"
	"stockgate/internal/pkg/logger"
	pkgredis "stockgate/internal/pkg/redis"
	"stockgate/internal/pkg/zookeeper"
	"stockgate/internal/service/inventory/application"
	"stockgate/internal/service/inventory/domain"
	"stockgate/internal/service/inventory/domain/port"
	"stockgate/internal/service/inventory/infrastructure"
	"stockgate/internal/service/inventory/interfaces"
)

func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	// 1. 按配置选择库存引擎和上下文仓储
	var (
		store       port.AtomicStore
		contexts    domain.ContextRepository
		redisClient *pkgredis.Client
	)
	switch cfg.App.Engine {
	case "memory":
		store = infrastructure.NewMemoryStore()
		contexts = infrastructure.NewMemoryContextRepository()
		logger.Logger().Warn().Msg("running with in-memory engine; state is not durable")
	default:
		var err error
		redisClient, err = pkgredis.NewClient(cfg.Infra.Redis)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to connect to redis")
		}
		store, err = infrastructure.NewRedisStore(redisClient, cfg.App.ReservationGraceSeconds)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to initialize redis store")
		}
		contexts, err = infrastructure.NewRedisContextRepository(redisClient)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to initialize redis context repository")
		}
	}

	// 2. 应用服务
	service := application.NewInventoryService(
		store,
		contexts,
		otel.Tracer(cfg.App.ServiceName),
		application.Options{
			DefaultTimeoutSeconds:   cfg.App.DefaultReservationTimeoutSeconds,
			ContextRetentionSeconds: cfg.App.ContextRetentionSeconds,
			SweepBatchSize:          cfg.App.SweepBatchSize,
		},
	)

	// 3. 清扫任务。多副本部署时用 zookeeper 锁保证单副本执行。
	var sweeperLock application.SweeperLock = application.NoopLock{}
	if cfg.Infra.Zookeeper.Enable {
		zkConn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, 5*time.Second)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to connect to zookeeper")
		}
		defer zkConn.Close()

		sweeperLock, err = zookeeper.NewDistributedLock(zkConn, "inventory-sweeper")
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to create sweeper lock")
		}
	}
	sweeper := application.NewSweeper(service, time.Duration(cfg.App.SweepIntervalSeconds)*time.Second, sweeperLock)

	if redisClient != nil {
		defer redisClient.Close()
	}

	// 4. HTTP 接口 + 后台任务，交给 bootstrap 统一托管
	handler := interfaces.NewInventoryHandler(service)
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: cfg.App.ServiceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		BackgroundTasks: []func(ctx context.Context) error{sweeper.Run},
	})
}
