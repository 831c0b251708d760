package config

import (
	"context"
	"errors"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/armodel/internal/prefetch"
	"goflare.io/armodel/internal/quota"
	"goflare.io/armodel/internal/retrier"
	"goflare.io/armodel/models"
	"goflare.io/armodel/pkg/serialization"
	"goflare.io/armodel/store"
)

// Config 模型快取的配置
type Config struct {
	Settings      models.Settings // 初始設定，已存在的 metadata 優先
	FormatVersion int             // 目前的快取格式版本
	Clock         func() time.Time

	StoreConfig       StoreConfig
	MemoryConfig      MemoryConfig
	EvictionConfig    EvictionConfig
	PrefetchConfig    PrefetchConfig
	MaintenanceConfig MaintenanceConfig
	QuotaConfig       QuotaConfig
	ResilienceConfig  ResilienceConfig
	BloomFilterConfig BloomFilterConfig
	Serialization     serialization.Codec
	Logger            *zap.Logger
}

// StoreConfig 選擇持久層。優先順序: Store, Redis, Filesystem, 記憶體
type StoreConfig struct {
	Store          store.Store
	Redis          *redis.Options
	RedisPrefix    string
	Filesystem     billy.Filesystem
	EnableBreakers bool
}

// MemoryConfig 記憶體層配置
type MemoryConfig struct {
	Enabled  bool
	MaxBytes int64
}

// EvictionConfig 淘汰策略配置
type EvictionConfig struct {
	// AccessWeight 每次存取等同的秒數
	AccessWeight float64
}

// PrefetchConfig 預取配置
type PrefetchConfig struct {
	Fetcher    prefetch.Fetcher
	Interval   time.Duration
	Timeout    time.Duration
	QueueLimit int
}

// MaintenanceConfig 定期清理配置
type MaintenanceConfig struct {
	Interval time.Duration
	WaitIdle func(ctx context.Context) error
}

// QuotaConfig 儲存配額估算配置
type QuotaConfig struct {
	Probe quota.Probe
}

// ResilienceConfig 用於設置重試和熔斷器
type ResilienceConfig struct {
	CircuitBreaker gobreaker.Settings
	Retry          retrier.Settings
}

// BloomFilterConfig 用於布隆過濾器的配置
type BloomFilterConfig struct {
	Enabled           bool
	ExpectedItems     uint
	FalsePositiveRate float64
}

// Option 函數類型
type Option func(*Config) error

var (
	ErrInvalidSize     = errors.New("size must be greater than 0")
	ErrInvalidDuration = errors.New("duration must be greater than 0")
	ErrInvalidWeight   = errors.New("access weight must not be negative")
	ErrInvalidVersion  = errors.New("format version must be at least 1")
)

const (
	MB = 1024 * 1024

	DefaultMaxCacheSize        = 100 * MB
	DefaultMaxCacheAge         = 7 * 24 * time.Hour
	DefaultFormatVersion       = 1
	DefaultAccessWeight        = 60
	DefaultMemorySize          = 64 * MB
	DefaultPrefetchInterval    = time.Second
	DefaultPrefetchTimeout     = 30 * time.Second
	DefaultPrefetchQueueLimit  = 256
	DefaultMaintenanceInterval = 24 * time.Hour
)

// NewConfig 創建一個默認的 Config，允許覆蓋特定參數
func NewConfig(options ...Option) (*Config, error) {
	cfg := &Config{
		Settings: models.Settings{
			MaxCacheSizeBytes:  DefaultMaxCacheSize,
			MaxCacheAge:        DefaultMaxCacheAge,
			PrefetchEnabled:    true,
			AutoCleanupEnabled: true,
		},
		FormatVersion: DefaultFormatVersion,
		Clock:         time.Now,
		StoreConfig: StoreConfig{
			RedisPrefix:    "armodel",
			EnableBreakers: true,
		},
		MemoryConfig: MemoryConfig{
			Enabled:  true,
			MaxBytes: DefaultMemorySize,
		},
		EvictionConfig: EvictionConfig{
			AccessWeight: DefaultAccessWeight,
		},
		PrefetchConfig: PrefetchConfig{
			Interval:   DefaultPrefetchInterval,
			Timeout:    DefaultPrefetchTimeout,
			QueueLimit: DefaultPrefetchQueueLimit,
		},
		MaintenanceConfig: MaintenanceConfig{
			Interval: DefaultMaintenanceInterval,
		},
		ResilienceConfig: ResilienceConfig{
			CircuitBreaker: gobreaker.Settings{
				Name:        "StoreCircuitBreaker",
				MaxRequests: 3,
				Interval:    60 * time.Second,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures > 5
				},
			},
			Retry: retrier.Settings{
				MaxAttempts: 3,
				BaseDelay:   100 * time.Millisecond,
				MaxDelay:    time.Second,
				Factor:      2,
				Jitter:      0.1,
				Strategy:    retrier.ExponentialBackoff,
			},
		},
		BloomFilterConfig: BloomFilterConfig{
			Enabled:           true,
			ExpectedItems:     1000,
			FalsePositiveRate: 0.01,
		},
		Serialization: serialization.JSON,
	}

	// 應用所有選項
	for _, option := range options {
		if err := option(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.Logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
	}

	return cfg, nil
}

// WithLogger 設置自定義 Logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) error {
		if logger != nil {
			c.Logger = logger
		}
		return nil
	}
}

// WithStore 使用自定義的持久層
func WithStore(s store.Store) Option {
	return func(c *Config) error {
		if s == nil {
			return errors.New("store cannot be nil")
		}
		c.StoreConfig.Store = s
		return nil
	}
}

// WithRedis 使用 Redis 作為持久層
func WithRedis(opts *redis.Options, prefix string) Option {
	return func(c *Config) error {
		if opts == nil {
			return errors.New("redis options cannot be nil")
		}
		c.StoreConfig.Redis = opts
		if prefix != "" {
			c.StoreConfig.RedisPrefix = prefix
		}
		return nil
	}
}

// WithFilesystem 使用檔案系統作為持久層
func WithFilesystem(fs billy.Filesystem) Option {
	return func(c *Config) error {
		if fs == nil {
			return errors.New("filesystem cannot be nil")
		}
		c.StoreConfig.Filesystem = fs
		return nil
	}
}

// WithCircuitBreaker 設置持久層熔斷器, nil ReadyToTrip 時使用 gobreaker 預設值
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return func(c *Config) error {
		c.StoreConfig.EnableBreakers = true
		c.ResilienceConfig.CircuitBreaker = settings
		return nil
	}
}

// WithoutResilience 關閉持久層的重試與熔斷
func WithoutResilience() Option {
	return func(c *Config) error {
		c.StoreConfig.EnableBreakers = false
		return nil
	}
}

// WithMaxCacheSize 設置快取的最大大小
func WithMaxCacheSize(size int64) Option {
	return func(c *Config) error {
		if size <= 0 {
			return ErrInvalidSize
		}
		c.Settings.MaxCacheSizeBytes = size
		return nil
	}
}

// WithMaxCacheAge 設置快取項目的最大存活時間
func WithMaxCacheAge(age time.Duration) Option {
	return func(c *Config) error {
		if age <= 0 {
			return ErrInvalidDuration
		}
		c.Settings.MaxCacheAge = age
		return nil
	}
}

// WithPrefetch 開關預取
func WithPrefetch(enabled bool) Option {
	return func(c *Config) error {
		c.Settings.PrefetchEnabled = enabled
		return nil
	}
}

// WithAutoCleanup 開關定期清理
func WithAutoCleanup(enabled bool) Option {
	return func(c *Config) error {
		c.Settings.AutoCleanupEnabled = enabled
		return nil
	}
}

// WithFormatVersion 設置快取格式版本
func WithFormatVersion(version int) Option {
	return func(c *Config) error {
		if version < 1 {
			return ErrInvalidVersion
		}
		c.FormatVersion = version
		return nil
	}
}

// WithEvictionWeight 設置每次存取的權重（秒）
func WithEvictionWeight(weight float64) Option {
	return func(c *Config) error {
		if weight < 0 {
			return ErrInvalidWeight
		}
		c.EvictionConfig.AccessWeight = weight
		return nil
	}
}

// WithMemorySize 設置記憶體層大小, 0 表示關閉記憶體層
func WithMemorySize(size int64) Option {
	return func(c *Config) error {
		if size < 0 {
			return ErrInvalidSize
		}
		c.MemoryConfig.Enabled = size > 0
		c.MemoryConfig.MaxBytes = size
		return nil
	}
}

// WithFetcher 設置預取使用的下載器
func WithFetcher(f prefetch.Fetcher) Option {
	return func(c *Config) error {
		c.PrefetchConfig.Fetcher = f
		return nil
	}
}

// WithPrefetchInterval 設置預取項目之間的間隔
func WithPrefetchInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return ErrInvalidDuration
		}
		c.PrefetchConfig.Interval = d
		return nil
	}
}

// WithPrefetchTimeout 設置單一預取的逾時
func WithPrefetchTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return ErrInvalidDuration
		}
		c.PrefetchConfig.Timeout = d
		return nil
	}
}

// WithPrefetchQueueLimit 設置預取佇列上限
func WithPrefetchQueueLimit(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return ErrInvalidSize
		}
		c.PrefetchConfig.QueueLimit = n
		return nil
	}
}

// WithMaintenanceInterval 設置定期清理間隔
func WithMaintenanceInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return ErrInvalidDuration
		}
		c.MaintenanceConfig.Interval = d
		return nil
	}
}

// WithIdleHook 設置清理前等待閒置的函數
func WithIdleHook(wait func(ctx context.Context) error) Option {
	return func(c *Config) error {
		c.MaintenanceConfig.WaitIdle = wait
		return nil
	}
}

// WithQuotaProbe 設置儲存配額探測器
func WithQuotaProbe(p quota.Probe) Option {
	return func(c *Config) error {
		c.QuotaConfig.Probe = p
		return nil
	}
}

// WithBloomFilter 設置布隆過濾器, expectedItems 為 0 時關閉
func WithBloomFilter(expectedItems uint, falsePositiveRate float64) Option {
	return func(c *Config) error {
		if expectedItems > 0 && (falsePositiveRate <= 0 || falsePositiveRate >= 1) {
			return errors.New("false positive rate must be between 0 and 1")
		}
		c.BloomFilterConfig.Enabled = expectedItems > 0
		c.BloomFilterConfig.ExpectedItems = expectedItems
		c.BloomFilterConfig.FalsePositiveRate = falsePositiveRate
		return nil
	}
}

// WithSerialization 設置序列化方式
func WithSerialization(name string) Option {
	return func(c *Config) error {
		codec, err := serialization.ByType(name)
		if err != nil {
			return err
		}
		c.Serialization = codec
		return nil
	}
}

// WithClock 設置時間來源
func WithClock(now func() time.Time) Option {
	return func(c *Config) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		c.Clock = now
		return nil
	}
}
