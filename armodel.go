// Package armodel is a persistent, size-bounded cache for large binary 3D/AR
// model files.
//
// Models live in a persistent store (memory, Redis or a filesystem) with a
// byte-budgeted memory tier in front. When an add would exceed the budget the
// models with the lowest retention score are evicted; the score balances how
// recently and how often a model was read. Models can be prefetched in the
// background, entries written under an older format version are never
// served, and a periodic maintenance pass purges models past their maximum
// age.
package armodel

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"goflare.io/armodel/events"
	"goflare.io/armodel/internal/cache"
	"goflare.io/armodel/internal/config"
	"goflare.io/armodel/internal/prefetch"
	"goflare.io/armodel/internal/quota"
	"goflare.io/armodel/models"
	"goflare.io/armodel/store"
)

type (
	// Fetcher downloads model bytes for prefetching.
	Fetcher = prefetch.Fetcher
	// FetcherFunc adapts a function to Fetcher.
	FetcherFunc = prefetch.FetcherFunc
	// QuotaProbe reports host storage.
	QuotaProbe = quota.Probe
	// QuotaEstimate is what a QuotaProbe returns.
	QuotaEstimate = quota.Estimate

	Stats         = models.Stats
	Settings      = models.Settings
	SettingsPatch = models.SettingsPatch

	Event          = events.Event
	EventKind      = events.Kind
	EventListener  = events.Listener
	SubscriptionID = events.SubscriptionID
)

// Event kinds.
const (
	EventHit      = events.Hit
	EventMiss     = events.Miss
	EventAdd      = events.Add
	EventRemove   = events.Remove
	EventClear    = events.Clear
	EventError    = events.Error
	EventCleanup  = events.Cleanup
	EventPrefetch = events.Prefetch
)

// Option 定義初始化快取的選項
type Option func(*config.Config) error

// WithLogger 設置自定義的日誌記錄器
func WithLogger(logger *zap.Logger) Option {
	return Option(config.WithLogger(logger))
}

// WithStore 使用自定義的持久層
func WithStore(s store.Store) Option {
	return Option(config.WithStore(s))
}

// WithRedis 使用 Redis 作為持久層, prefix 為空時使用 "armodel"
func WithRedis(opts *redis.Options, prefix string) Option {
	return Option(config.WithRedis(opts, prefix))
}

// WithFilesystem 將模型存放於 billy 檔案系統
func WithFilesystem(fs billy.Filesystem) Option {
	return Option(config.WithFilesystem(fs))
}

// WithCircuitBreaker 設置持久層熔斷器
func WithCircuitBreaker(settings gobreaker.Settings) Option {
	return Option(config.WithCircuitBreaker(settings))
}

// WithoutResilience 關閉持久層的重試與熔斷
func WithoutResilience() Option {
	return Option(config.WithoutResilience())
}

// WithMaxCacheSize 設置快取的最大大小（字節）
func WithMaxCacheSize(size int64) Option {
	return Option(config.WithMaxCacheSize(size))
}

// WithMaxCacheAge 設置模型的最大存活時間
func WithMaxCacheAge(age time.Duration) Option {
	return Option(config.WithMaxCacheAge(age))
}

// WithPrefetch 開關預取
func WithPrefetch(enabled bool) Option {
	return Option(config.WithPrefetch(enabled))
}

// WithAutoCleanup 開關定期清理
func WithAutoCleanup(enabled bool) Option {
	return Option(config.WithAutoCleanup(enabled))
}

// WithFormatVersion 設置快取格式版本, 較舊版本的模型會被淘汰
func WithFormatVersion(version int) Option {
	return Option(config.WithFormatVersion(version))
}

// WithEvictionWeight 設置每次存取相當於多少秒的新近度
func WithEvictionWeight(weight float64) Option {
	return Option(config.WithEvictionWeight(weight))
}

// WithMemorySize 設置記憶體層大小, 0 表示關閉
func WithMemorySize(size int64) Option {
	return Option(config.WithMemorySize(size))
}

// WithFetcher 設置預取下載器, 預設使用 HTTP
func WithFetcher(f Fetcher) Option {
	return Option(config.WithFetcher(f))
}

// WithPrefetchInterval 設置預取項目之間的間隔
func WithPrefetchInterval(d time.Duration) Option {
	return Option(config.WithPrefetchInterval(d))
}

// WithPrefetchTimeout 設置單一預取的逾時
func WithPrefetchTimeout(d time.Duration) Option {
	return Option(config.WithPrefetchTimeout(d))
}

// WithPrefetchQueueLimit 設置預取佇列上限
func WithPrefetchQueueLimit(n int) Option {
	return Option(config.WithPrefetchQueueLimit(n))
}

// WithQuotaProbe 設置儲存配額探測器
func WithQuotaProbe(p QuotaProbe) Option {
	return Option(config.WithQuotaProbe(p))
}

// WithDiskQuota 依據 path 所在的磁碟估算配額
func WithDiskQuota(path string) Option {
	return Option(config.WithQuotaProbe(quota.NewDiskProbe(path)))
}

// WithMaintenanceInterval 設置定期清理間隔
func WithMaintenanceInterval(d time.Duration) Option {
	return Option(config.WithMaintenanceInterval(d))
}

// WithIdleHook 設置清理前等待閒置的函數
func WithIdleHook(wait func(ctx context.Context) error) Option {
	return Option(config.WithIdleHook(wait))
}

// WithBloomFilter 設置布隆過濾器, expectedItems 為 0 時關閉
func WithBloomFilter(expectedItems uint, falsePositiveRate float64) Option {
	return Option(config.WithBloomFilter(expectedItems, falsePositiveRate))
}

// WithSerialization 設置序列化方式 ("json" 或 "gob")
func WithSerialization(name string) Option {
	return Option(config.WithSerialization(name))
}

// WithClock 設置時間來源
func WithClock(now func() time.Time) Option {
	return Option(config.WithClock(now))
}

// Cache 模型快取的主要結構體
type Cache struct {
	cache  *cache.Cache
	logger *zap.Logger
}

// New 初始化模型快取，接受多個配置選項
func New(ctx context.Context, opts ...Option) (*Cache, error) {
	options := make([]config.Option, len(opts))
	for i, opt := range opts {
		options[i] = config.Option(opt)
	}

	cfg, err := config.NewConfig(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create config: %w", err)
	}

	c, err := cache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open model cache: %w", err)
	}

	return &Cache{cache: c, logger: cfg.Logger}, nil
}

// GetModel 獲取模型, 未命中時 found 為 false
func (c *Cache) GetModel(ctx context.Context, key, assetType string) (data []byte, found bool, err error) {
	return c.cache.GetModel(ctx, key, assetType)
}

// AddModel 寫入模型, 超出預算時淘汰分數最低的模型
func (c *Cache) AddModel(ctx context.Context, key, assetType string, data []byte) (bool, error) {
	return c.cache.AddModel(ctx, key, assetType, data)
}

// RemoveModel 刪除模型
func (c *Cache) RemoveModel(ctx context.Context, key string) (bool, error) {
	return c.cache.RemoveModel(ctx, key)
}

// ClearCache 清空所有模型
func (c *Cache) ClearCache(ctx context.Context) bool {
	return c.cache.ClearCache(ctx)
}

// PrefetchModel 將模型加入背景預取佇列, priority 介於 1 到 10
func (c *Cache) PrefetchModel(ctx context.Context, key, assetType string, priority int) error {
	return c.cache.PrefetchModel(ctx, key, assetType, priority)
}

// CacheStats 取得快取統計
func (c *Cache) CacheStats(ctx context.Context) Stats {
	return c.cache.CacheStats(ctx)
}

// UpdateSettings 合併部分設定
func (c *Cache) UpdateSettings(ctx context.Context, patch SettingsPatch) bool {
	return c.cache.UpdateSettings(ctx, patch)
}

// AddEventListener 訂閱事件
func (c *Cache) AddEventListener(kind EventKind, listener EventListener) SubscriptionID {
	return c.cache.AddEventListener(kind, listener)
}

// RemoveEventListener 取消訂閱
func (c *Cache) RemoveEventListener(kind EventKind, id SubscriptionID) bool {
	return c.cache.RemoveEventListener(kind, id)
}

// SetOnline 通知網路連線狀態, 離線時暫停預取
func (c *Cache) SetOnline(online bool) {
	c.cache.SetOnline(online)
}

// StopPrefetching 丟棄所有待處理的預取
func (c *Cache) StopPrefetching() int {
	return c.cache.StopPrefetching()
}

// RunMaintenance 立即執行一次清理
func (c *Cache) RunMaintenance(ctx context.Context) bool {
	return c.cache.RunMaintenance(ctx)
}

// RefreshQuota 重新估算儲存配額並調整快取大小
func (c *Cache) RefreshQuota(ctx context.Context) bool {
	return c.cache.RefreshQuota(ctx)
}

// Close 關閉快取，釋放資源
func (c *Cache) Close() error {
	if err := c.cache.Close(); err != nil {
		c.logger.Error("Failed to close model cache", zap.Error(err))
		return err
	}
	// Sync 對 stderr 可能回傳錯誤, 忽略
	_ = c.logger.Sync()
	return nil
}
