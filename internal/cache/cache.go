// Package cache implements the model cache: a size-bounded, versioned store
// of binary model files with a memory tier in front of a persistent store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"goflare.io/armodel/events"
	"goflare.io/armodel/internal/config"
	"goflare.io/armodel/internal/eviction"
	"goflare.io/armodel/internal/filter"
	"goflare.io/armodel/internal/maintenance"
	"goflare.io/armodel/internal/memory"
	"goflare.io/armodel/internal/prefetch"
	"goflare.io/armodel/internal/quota"
	"goflare.io/armodel/internal/retrier"
	"goflare.io/armodel/models"
	"goflare.io/armodel/store"
)

const (
	// touchTimeout bounds the background access update after a hit.
	touchTimeout = 5 * time.Second
	// readTimeout bounds a collapsed persistent read.
	readTimeout = 30 * time.Second
)

// Cache is the model cache facade. It is safe for concurrent use.
type Cache struct {
	config *config.Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	store    store.Store
	memory   *memory.Cache
	filter   *filter.KeyFilter
	eviction *eviction.Manager
	prefetch *prefetch.Worker
	sched    *maintenance.Scheduler
	probe    quota.Probe
	bus      *events.Bus
	metrics  *models.Metrics
	sf       singleflight.Group

	// writeMu serializes every mutation of the size accounting.
	writeMu sync.Mutex

	metaMu sync.RWMutex
	meta   *models.Metadata

	// memMu orders memory tier updates after store commits. gen counts
	// commits; a read populates memory only if no commit happened since
	// it started.
	memMu sync.Mutex
	gen   uint64

	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup // long-running goroutines
	bgMu   sync.Mutex
	bg     sync.WaitGroup // short background tasks
	closed *atomic.Bool
}

// New opens the cache described by cfg. The metadata record is created on
// first use and upgraded when cfg carries a newer format version.
func New(ctx context.Context, cfg *config.Config) (*Cache, error) {
	if cfg == nil {
		var err error
		if cfg, err = config.NewConfig(); err != nil {
			return nil, err
		}
	}

	s, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	mem, err := memory.New(memorySize(cfg), cfg.Logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var kf *filter.KeyFilter
	if cfg.BloomFilterConfig.Enabled {
		kf = filter.New(cfg.BloomFilterConfig.ExpectedItems, cfg.BloomFilterConfig.FalsePositiveRate)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	c := &Cache{
		config:   cfg,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("armodel"),
		now:      cfg.Clock,
		store:    s,
		memory:   mem,
		filter:   kf,
		eviction: eviction.NewManager(cfg.EvictionConfig.AccessWeight),
		probe:    cfg.QuotaConfig.Probe,
		bus:      events.NewBus(cfg.Logger),
		metrics:  models.NewMetrics(),
		ctx:      lifetime,
		cancel:   cancel,
		closed:   atomic.NewBool(false),
	}

	fetcher := cfg.PrefetchConfig.Fetcher
	if fetcher == nil {
		fetcher = prefetch.NewHTTPFetcher(nil)
	}
	c.prefetch = prefetch.NewWorker(fetcher, prefetchSink{c}, prefetch.Options{
		Interval:   cfg.PrefetchConfig.Interval,
		Timeout:    cfg.PrefetchConfig.Timeout,
		QueueLimit: cfg.PrefetchConfig.QueueLimit,
		Hooks: prefetch.Hooks{
			OnFetched: c.onPrefetched,
			OnError:   c.onPrefetchError,
		},
		Logger: cfg.Logger.Named("prefetch"),
	})

	c.sched, err = maintenance.New(c.maintain, maintenance.Options{
		Interval: cfg.MaintenanceConfig.Interval,
		Due:      c.maintenanceDue,
		WaitIdle: cfg.MaintenanceConfig.WaitIdle,
		Logger:   cfg.Logger.Named("maintenance"),
	})
	if err != nil {
		c.shutdown()
		return nil, err
	}

	if err := c.open(ctx); err != nil {
		c.shutdown()
		return nil, err
	}

	c.RefreshQuota(ctx)

	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		c.sched.Run(c.ctx)
	}()

	return c, nil
}

func memorySize(cfg *config.Config) int64 {
	if !cfg.MemoryConfig.Enabled {
		return 0
	}
	return cfg.MemoryConfig.MaxBytes
}

func openStore(cfg *config.Config) (store.Store, error) {
	sc := cfg.StoreConfig

	var s store.Store
	switch {
	case sc.Store != nil:
		s = sc.Store
	case sc.Redis != nil:
		rs, err := store.NewRedisStore(redis.NewClient(sc.Redis), store.RedisConfig{
			Prefix: sc.RedisPrefix,
			Codec:  cfg.Serialization,
		})
		if err != nil {
			return nil, err
		}
		s = rs
	case sc.Filesystem != nil:
		fs, err := store.NewFileStore(sc.Filesystem, cfg.Serialization, cfg.Logger.Named("store"))
		if err != nil {
			return nil, err
		}
		s = fs
	default:
		s = store.NewMemoryStore()
	}

	if !sc.EnableBreakers {
		return s, nil
	}
	r, err := retrier.New(cfg.ResilienceConfig.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrier: %w", err)
	}
	return store.NewResilient(s, cfg.ResilienceConfig.CircuitBreaker, r, cfg.Logger.Named("store")), nil
}

// open loads or creates the metadata record and seeds the key filter.
func (c *Cache) open(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	headers, err := c.store.QueryByIndex(ctx, store.IndexCreatedAt, store.All())
	if err != nil {
		return fmt.Errorf("failed to list cached models: %w", err)
	}

	meta, err := c.store.Metadata(ctx)
	dirty := false
	switch {
	case errors.Is(err, models.ErrNotFound):
		meta = models.NewMetadata(c.config.FormatVersion, c.config.Settings, c.now())
		for _, h := range headers {
			meta.AddSize(h.SizeBytes)
		}
		dirty = true
	case err != nil:
		return fmt.Errorf("failed to read cache metadata: %w", err)
	}

	if meta.FormatVersion < c.config.FormatVersion {
		c.logger.Info("Upgrading cache format version",
			zap.Int("from", meta.FormatVersion),
			zap.Int("to", c.config.FormatVersion))
		meta.FormatVersion = c.config.FormatVersion
		dirty = true
	}

	if dirty {
		if err := c.store.Apply(ctx, store.NewBatch().PutMetadata(meta)); err != nil {
			return fmt.Errorf("failed to write cache metadata: %w", err)
		}
	}
	c.setMeta(meta)

	keys := make([]string, len(headers))
	for i, h := range headers {
		keys[i] = h.Key
	}
	c.filter.Rebuild(keys)

	c.logger.Info("Model cache opened",
		zap.Int("models", len(headers)),
		zap.Int64("size", meta.TotalSizeBytes),
		zap.Int("formatVersion", meta.FormatVersion),
		zap.Float64("evictionWeight", c.eviction.Weight()))
	return nil
}

// Close stops background work and closes the store.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.shutdown()
}

func (c *Cache) shutdown() error {
	c.bgMu.Lock()
	c.closed.Store(true)
	c.bgMu.Unlock()

	c.cancel()
	if c.prefetch != nil {
		c.prefetch.Close()
	}
	c.loops.Wait()
	c.bg.Wait()
	c.memory.Close()
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

// metadata returns the current record, falling back to the last one seen
// when the store cannot be read.
func (c *Cache) metadata(ctx context.Context) *models.Metadata {
	meta, err := c.store.Metadata(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			c.logger.Warn("Failed to read cache metadata", zap.Error(err))
		}
		return c.cachedMeta()
	}
	c.setMeta(meta)
	return meta
}

// metadataForWrite is metadata for callers holding writeMu. A missing record
// is recreated from the last one seen.
func (c *Cache) metadataForWrite(ctx context.Context) (*models.Metadata, error) {
	meta, err := c.store.Metadata(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return c.cachedMeta(), nil
	}
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (c *Cache) cachedMeta() *models.Metadata {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.meta.Clone()
}

func (c *Cache) setMeta(meta *models.Metadata) {
	c.metaMu.Lock()
	c.meta = meta.Clone()
	c.metaMu.Unlock()
}

func (c *Cache) emit(ev events.Event) {
	if c.bus.Listeners(ev.Kind) == 0 {
		return
	}
	ev.Time = c.now()
	c.bus.Emit(ev)
}

// fail logs err, records it on the span and publishes an error event.
func (c *Cache) fail(span trace.Span, op, key string, err error) {
	c.logger.Error("Model cache operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	ev := events.New(events.Error, key)
	ev.Reason = events.ReasonStorage
	ev.Err = fmt.Errorf("%s: %w", op, err)
	c.emit(ev)
}

// generation returns the current commit count.
func (c *Cache) generation() uint64 {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	return c.gen
}

// committed records a store commit: the memory copies of keys are dropped
// and fresh, when set, is cached. Callers hold writeMu.
func (c *Cache) committed(fresh *models.ModelEntry, keys ...string) {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	c.gen++
	for _, key := range keys {
		c.memory.Delete(key)
	}
	if fresh != nil {
		c.memory.Set(fresh)
	}
}

// cleared records a commit that emptied the store.
func (c *Cache) cleared() {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	c.gen++
	c.memory.Clear()
}

// populate caches e in memory unless a commit happened after gen was read.
func (c *Cache) populate(e *models.ModelEntry, gen uint64) bool {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	if c.gen != gen {
		return false
	}
	return c.memory.Set(e)
}

// apply commits b. When the store rejects it, the memory copies of every
// key in b are dropped and the metadata is re-read, since the stored state
// is no longer known. Callers hold writeMu.
func (c *Cache) apply(ctx context.Context, b *store.Batch) error {
	err := c.store.Apply(ctx, b)
	if err == nil {
		return nil
	}
	if b.Clears() {
		c.cleared()
	} else {
		c.committed(nil, b.Keys()...)
	}
	if meta, merr := c.store.Metadata(ctx); merr == nil {
		c.setMeta(meta)
	}
	return err
}

// goBackground runs fn on the cache lifetime unless the cache is closed.
func (c *Cache) goBackground(fn func(ctx context.Context)) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(c.ctx)
	}()
}

// AddEventListener subscribes listener to events of kind.
func (c *Cache) AddEventListener(kind events.Kind, listener events.Listener) events.SubscriptionID {
	return c.bus.Subscribe(kind, listener)
}

// RemoveEventListener cancels a subscription.
func (c *Cache) RemoveEventListener(kind events.Kind, id events.SubscriptionID) bool {
	return c.bus.Unsubscribe(kind, id)
}
