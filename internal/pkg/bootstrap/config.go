// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"stockgate/internal/pkg/logger"
	"stockgate/internal/pkg/nacos"
	pkgredis "stockgate/internal/pkg/redis"
)

// Config 是整个服务的配置树，来源优先级为：
// 内置默认值 < 本地 YAML 文件 (CONFIG_PATH) < Nacos 配置中心 (NACOS_CONFIG_DATA_ID)。
type Config struct {
	App struct {
		ServiceName string `yaml:"service_name"`
		Port        int    `yaml:"port"`
		// Engine 选择库存引擎实现: "redis" 或 "memory"（本地开发用）
		Engine string `yaml:"engine"`

		DefaultReservationTimeoutSeconds int64 `yaml:"default_reservation_timeout_seconds"`
		// ReservationGraceSeconds 是预占记录在超时后额外保留的时间窗口，
		// 保证清扫任务总能在记录物理过期前读到补偿所需的 sku/数量。
		ReservationGraceSeconds int64 `yaml:"reservation_grace_seconds"`
		ContextRetentionSeconds int64 `yaml:"context_retention_seconds"`
		SweepIntervalSeconds    int64 `yaml:"sweep_interval_seconds"`
		SweepBatchSize          int64 `yaml:"sweep_batch_size"`
	} `yaml:"app"`

	Infra struct {
		Redis  pkgredis.Config `yaml:"redis"`
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Zookeeper struct {
			Enable  bool     `yaml:"enable"`
			Servers []string `yaml:"servers"`
		} `yaml:"zookeeper"`
		Nacos struct {
			Enable bool `yaml:"enable"`
		} `yaml:"nacos"`
	} `yaml:"infra"`
}

var (
	currentConfig Config
	configOnce    sync.Once

	nacosConfigClient *nacos.Client
)

// Init 加载配置。进程启动时调用一次。
func Init() {
	configOnce.Do(loadConfig)
}

// GetCurrentConfig 返回当前生效的配置。
func GetCurrentConfig() Config {
	return currentConfig
}

func loadConfig() {
	cfg := defaultConfig()

	// 1. 本地 YAML 文件
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Logger().Fatal().Err(err).Str("path", path).Msg("failed to read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			logger.Logger().Fatal().Err(err).Str("path", path).Msg("failed to parse config file")
		}
	}

	// 2. Nacos 配置中心（可选，覆盖本地配置）
	if dataId := os.Getenv("NACOS_CONFIG_DATA_ID"); dataId != "" {
		client, err := nacos.NewClient(
			getEnv("NACOS_SERVER_ADDRS", "localhost:8848"),
			os.Getenv("NACOS_NAMESPACE"),
			getEnv("NACOS_GROUP", "DEFAULT_GROUP"),
		)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("failed to create nacos client for config")
		}
		nacosConfigClient = client

		content, err := client.GetConfig(dataId)
		if err != nil {
			logger.Logger().Fatal().Err(err).Str("data_id", dataId).Msg("failed to fetch config from nacos")
		}
		if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
			logger.Logger().Fatal().Err(err).Str("data_id", dataId).Msg("failed to parse nacos config")
		}
		cfg.Infra.Nacos.Enable = true
	}

	// 3. 环境变量覆盖高频调整项
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Infra.Redis.Addr = addr
	}
	if endpoint := os.Getenv("JAEGER_ENDPOINT"); endpoint != "" {
		cfg.Infra.Jaeger.Endpoint = endpoint
	}

	currentConfig = cfg
}

func defaultConfig() Config {
	var cfg Config
	cfg.App.ServiceName = "inventory-service"
	cfg.App.Port = 8084
	cfg.App.Engine = "redis"
	cfg.App.DefaultReservationTimeoutSeconds = 300
	cfg.App.ReservationGraceSeconds = 3600
	cfg.App.ContextRetentionSeconds = 3600
	cfg.App.SweepIntervalSeconds = 30
	cfg.App.SweepBatchSize = 100
	cfg.Infra.Redis.Addr = "localhost:6379"
	cfg.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	return cfg
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
