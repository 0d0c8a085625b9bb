package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 全局配置（yaml 文件 + 环境变量覆盖）
type Config struct {
	Server ServerConfig `yaml:"server"`
	Engine EngineConfig `yaml:"engine"`
	Feed   FeedConfig   `yaml:"feed"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig HTTP/WebSocket 服务配置
type ServerConfig struct {
	Addr        string `yaml:"addr"`        // API 监听地址
	MetricsAddr string `yaml:"metricsAddr"` // expvar/pprof 监听地址（空 = 不启动）
	WSBuffer    int    `yaml:"wsBuffer"`    // 每连接事件队列长度
	OrderBurst  int    `yaml:"orderBurst"`  // 下单限流：单用户突发上限（0 = 不限流）
	OrderRate   int    `yaml:"orderRate"`   // 下单限流：单用户每秒补充令牌数
}

// EngineConfig 交易引擎配置
type EngineConfig struct {
	SlippageBps     float64       `yaml:"slippageBps"`     // 滑点上界（基点）
	MaxExposure     float64       `yaml:"maxExposure"`     // 单账户名义敞口上限（0 = 不限制）
	DefaultLeverage float64       `yaml:"defaultLeverage"` // 默认杠杆
	MaxLeverage     float64       `yaml:"maxLeverage"`     // 最大杠杆
	StaleAfter      time.Duration `yaml:"staleAfter"`      // 行情陈旧阈值
	MetricsDebounce time.Duration `yaml:"metricsDebounce"` // 账户指标事件最小推送间隔（0 = 每 tick 都推）
	InitialBalance  float64       `yaml:"initialBalance"`  // 新账户初始余额
	DailyLossLimit  float64       `yaml:"dailyLossLimit"`  // 熔断：单日最大亏损（0 = 关闭）
	MaxErrorStreak  int           `yaml:"maxErrorStreak"`  // 熔断：连续错误上限（0 = 关闭）
}

// FeedConfig 行情接入配置
type FeedConfig struct {
	WSURL        string        `yaml:"wsUrl"`        // WebSocket 行情源
	RestURL      string        `yaml:"restUrl"`      // REST 行情源（备用轮询，空 = 关闭）
	PollInterval time.Duration `yaml:"pollInterval"` // REST 轮询间隔
	Symbols      []string      `yaml:"symbols"`      // 订阅符号
}

// StoreConfig 持久化配置
type StoreConfig struct {
	DBPath           string        `yaml:"dbPath"`           // SQLite 镜像路径（空 = 纯内存）
	SnapshotDir      string        `yaml:"snapshotDir"`      // Badger 快照目录（空 = 不快照）
	SnapshotInterval time.Duration `yaml:"snapshotInterval"` // 快照间隔
	QueueSize        int           `yaml:"queueSize"`        // 异步落档队列长度
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"outputFile"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:       ":8080",
			WSBuffer:   256,
			OrderBurst: 20,
			OrderRate:  10,
		},
		Engine: EngineConfig{
			SlippageBps:     5,
			DefaultLeverage: 1,
			MaxLeverage:     100,
			StaleAfter:      5 * time.Second,
			MetricsDebounce: 200 * time.Millisecond,
			InitialBalance:  10000,
		},
		Feed: FeedConfig{
			PollInterval: time.Second,
		},
		Store: StoreConfig{
			SnapshotInterval: time.Minute,
			QueueSize:        1024,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
	}
}

// Load 读取 yaml 配置文件并应用环境变量覆盖。
// path 为空时只用默认值 + 环境变量。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "读取配置文件失败: %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "解析配置文件失败: %s", path)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides 环境变量优先级高于配置文件
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOCFD_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("GOCFD_METRICS_ADDR"); v != "" {
		cfg.Server.MetricsAddr = v
	}
	if v := os.Getenv("GOCFD_FEED_WS_URL"); v != "" {
		cfg.Feed.WSURL = v
	}
	if v := os.Getenv("GOCFD_FEED_REST_URL"); v != "" {
		cfg.Feed.RestURL = v
	}
	if v := os.Getenv("GOCFD_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("GOCFD_SNAPSHOT_DIR"); v != "" {
		cfg.Store.SnapshotDir = v
	}
	if v := os.Getenv("GOCFD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GOCFD_SLIPPAGE_BPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.SlippageBps = f
		}
	}
	if v := os.Getenv("GOCFD_MAX_EXPOSURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Engine.MaxExposure = f
		}
	}
	if v := os.Getenv("GOCFD_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.StaleAfter = d
		}
	}
}
