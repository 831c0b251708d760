package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"goflare.io/armodel/events"
	"goflare.io/armodel/internal/config"
	"goflare.io/armodel/internal/prefetch"
	"goflare.io/armodel/internal/quota"
	"goflare.io/armodel/models"
	"goflare.io/armodel/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(c *Cache) *recorder {
	r := &recorder{}
	for _, kind := range events.Kinds {
		c.AddEventListener(kind, func(ev events.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) of(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reasons(kind events.Kind) []string {
	var out []string
	for _, ev := range r.of(kind) {
		out = append(out, ev.Reason)
	}
	return out
}

type harness struct {
	cache  *Cache
	store  *store.MemoryStore
	clock  *fakeClock
	events *recorder
}

func newHarness(t *testing.T, opts ...config.Option) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemoryStore(), opts...)
}

func newHarnessOn(t *testing.T, s *store.MemoryStore, opts ...config.Option) *harness {
	t.Helper()
	clock := newFakeClock()
	base := []config.Option{
		config.WithLogger(zap.NewNop()),
		config.WithStore(s),
		config.WithoutResilience(),
		config.WithClock(clock.Now),
		config.WithPrefetchInterval(time.Millisecond),
	}
	cfg, err := config.NewConfig(append(base, opts...)...)
	require.NoError(t, err)

	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// Let the scheduler finish its startup check before the clock moves.
	require.Eventually(t, func() bool { return c.sched.Checks() > 0 }, time.Second, time.Millisecond)

	return &harness{cache: c, store: s, clock: clock, events: record(c)}
}

func payload(size int) []byte {
	return bytes.Repeat([]byte{0x42}, size)
}

// storedTotal sums the sizes of every entry in s.
func storedTotal(t *testing.T, s store.Store) int64 {
	t.Helper()
	all, err := s.QueryByIndex(context.Background(), store.IndexCreatedAt, store.All())
	require.NoError(t, err)
	var total int64
	for _, e := range all {
		total += e.SizeBytes
	}
	return total
}

func TestCache_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := payload(500)

	ok, err := h.cache.AddModel(ctx, "m1", "hair", data)
	require.NoError(t, err)
	require.True(t, ok)

	got, found, err := h.cache.GetModel(ctx, "m1", "hair")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, data, got)

	removed, err := h.cache.RemoveModel(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, err = h.cache.GetModel(ctx, "m1", "hair")
	require.NoError(t, err)
	assert.False(t, found)

	removed, err = h.cache.RemoveModel(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Len(t, h.events.of(events.Add), 1)
	assert.Len(t, h.events.of(events.Hit), 1)
	assert.Equal(t, []string{events.ReasonNotFound}, h.events.reasons(events.Miss))
	assert.Equal(t, []string{events.ReasonExplicit}, h.events.reasons(events.Remove))
	assert.Zero(t, h.cache.CacheStats(ctx).TotalSizeBytes)
}

func TestCache_ReturnsCopies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := payload(16)

	_, err := h.cache.AddModel(ctx, "m", "glb", data)
	require.NoError(t, err)
	data[0] = 0

	got, found, err := h.cache.GetModel(ctx, "m", "glb")
	require.NoError(t, err)
	require.True(t, found)
	got[1] = 0

	again, _, _ := h.cache.GetModel(ctx, "m", "glb")
	assert.Equal(t, payload(16), again)
}

func TestCache_PersistentHitPopulatesMemory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.cache.AddModel(ctx, "m", "glb", payload(64))
	require.NoError(t, err)
	h.cache.memory.Clear()

	_, found, err := h.cache.GetModel(ctx, "m", "glb")
	require.NoError(t, err)
	require.True(t, found)

	_, ok := h.cache.memory.Get("m")
	assert.True(t, ok)
}

func TestCache_TouchUpdatesAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.cache.AddModel(ctx, "m", "glb", payload(8))
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	_, _, _ = h.cache.GetModel(ctx, "m", "glb")
	h.clock.Advance(time.Minute)
	_, _, _ = h.cache.GetModel(ctx, "m", "glb")
	h.cache.bg.Wait()

	e, err := h.store.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.AccessCount)
	assert.True(t, e.LastAccessedAt.Equal(h.clock.Now()))
}

func TestCache_ReplaceAccountsOldSize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.cache.AddModel(ctx, "m", "glb", payload(100))
	require.NoError(t, err)
	_, err = h.cache.AddModel(ctx, "m", "usdz", payload(300))
	require.NoError(t, err)

	stats := h.cache.CacheStats(ctx)
	assert.Equal(t, int64(300), stats.TotalSizeBytes)
	assert.Equal(t, 1, stats.EntryCount)

	e, err := h.store.Get(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, "usdz", e.AssetType)
}

func TestCache_SizeInvariant(t *testing.T) {
	h := newHarness(t, config.WithMaxCacheSize(5_000))
	ctx := context.Background()

	steps := []func(){
		func() { _, _ = h.cache.AddModel(ctx, "a", "glb", payload(1_000)) },
		func() { _, _ = h.cache.AddModel(ctx, "b", "glb", payload(2_000)) },
		func() { _, _ = h.cache.AddModel(ctx, "a", "glb", payload(1_500)) },
		func() { _, _ = h.cache.AddModel(ctx, "c", "glb", payload(2_500)) },
		func() { _, _ = h.cache.RemoveModel(ctx, "b") },
		func() { _, _ = h.cache.AddModel(ctx, "d", "glb", payload(4_000)) },
		func() { _ = h.cache.RunMaintenance(ctx) },
		func() { _ = h.cache.ClearCache(ctx) },
		func() { _, _ = h.cache.AddModel(ctx, "e", "glb", payload(10)) },
	}

	for i, step := range steps {
		h.clock.Advance(time.Second)
		step()
		assert.Equal(t, storedTotal(t, h.store), h.cache.CacheStats(ctx).TotalSizeBytes, "step %d", i)
	}
}

func TestCache_ConcurrentWritesKeepTotal(t *testing.T) {
	h := newHarness(t, config.WithMaxCacheSize(20_000))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("m-%d", n%6)
			_, _ = h.cache.AddModel(ctx, key, "glb", payload(1_000+n*100))
			if n%4 == 0 {
				_, _ = h.cache.RemoveModel(ctx, key)
			}
			_, _, _ = h.cache.GetModel(ctx, key, "glb")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, storedTotal(t, h.store), h.cache.CacheStats(ctx).TotalSizeBytes)
}

func TestCache_EvictsLowestScoreFirst(t *testing.T) {
	h := newHarness(t, config.WithMaxCacheSize(10_000_000))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		h.clock.Advance(time.Second)
		ok, err := h.cache.AddModel(ctx, fmt.Sprintf("e%d", i), "glb", payload(3_000_000))
		require.NoError(t, err)
		require.True(t, ok)
		assert.LessOrEqual(t, h.cache.CacheStats(ctx).TotalSizeBytes, int64(10_000_000))
	}

	for _, key := range []string{"e1", "e2"} {
		_, found, err := h.cache.GetModel(ctx, key, "glb")
		require.NoError(t, err)
		assert.False(t, found, key)
	}
	for _, key := range []string{"e3", "e4", "e5"} {
		_, found, err := h.cache.GetModel(ctx, key, "glb")
		require.NoError(t, err)
		assert.True(t, found, key)
	}

	assert.Equal(t, []string{events.ReasonEvicted, events.ReasonEvicted}, h.events.reasons(events.Remove))
	cleanups := h.events.of(events.Cleanup)
	require.Len(t, cleanups, 2)
	for _, ev := range cleanups {
		assert.Equal(t, events.ReasonQuota, ev.Reason)
		assert.Equal(t, int64(3_000_000), ev.Details.FreedSpace)
		assert.Equal(t, 1, ev.Details.ModelsRemoved)
	}
	assert.Equal(t, int64(2), h.cache.CacheStats(ctx).Evictions)
}

func TestCache_FrequentModelSurvivesEviction(t *testing.T) {
	h := newHarness(t, config.WithMaxCacheSize(3_000))
	ctx := context.Background()

	_, _ = h.cache.AddModel(ctx, "popular", "glb", payload(1_000))
	h.clock.Advance(time.Second)
	_, _ = h.cache.AddModel(ctx, "idle", "glb", payload(1_000))
	for i := 0; i < 5; i++ {
		_, _, _ = h.cache.GetModel(ctx, "popular", "glb")
	}
	h.cache.bg.Wait()

	h.clock.Advance(time.Second)
	_, err := h.cache.AddModel(ctx, "new", "glb", payload(1_500))
	require.NoError(t, err)

	_, found, _ := h.cache.GetModel(ctx, "popular", "glb")
	assert.True(t, found)
	_, found, _ = h.cache.GetModel(ctx, "idle", "glb")
	assert.False(t, found)
}

func TestCache_OversizedModelReportsQuotaPressure(t *testing.T) {
	h := newHarness(t, config.WithMaxCacheSize(1_000))
	ctx := context.Background()

	_, _ = h.cache.AddModel(ctx, "small", "glb", payload(500))
	ok, err := h.cache.AddModel(ctx, "huge", "glb", payload(2_000))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, int64(2_000), h.cache.CacheStats(ctx).TotalSizeBytes)
	assert.Equal(t, []string{events.ReasonQuota, events.ReasonQuotaPressure}, h.events.reasons(events.Cleanup))

	pressure := h.events.of(events.Cleanup)[1]
	assert.Equal(t, int64(500), pressure.Details.FreedSpace)
}

func TestCache_VersionMismatchInvalidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.cache.AddModel(ctx, "old", "glb", payload(200))
	require.NoError(t, err)

	meta, err := h.store.Metadata(ctx)
	require.NoError(t, err)
	meta.FormatVersion = 2
	require.NoError(t, h.store.Apply(ctx, store.NewBatch().PutMetadata(meta)))

	_, found, err := h.cache.GetModel(ctx, "old", "glb")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = h.store.Get(ctx, "old")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, []string{events.ReasonVersionMismatch}, h.events.reasons(events.Miss))
	assert.Equal(t, []string{events.ReasonVersion}, h.events.reasons(events.Remove))

	stats := h.cache.CacheStats(ctx)
	assert.Zero(t, stats.TotalSizeBytes)
	assert.Equal(t, 2, stats.FormatVersion)
}

func TestCache_ReopenUpgradesFormatVersion(t *testing.T) {
	fs := memfs.New()
	ctx := context.Background()
	clock := newFakeClock()

	open := func(version int) *Cache {
		cfg, err := config.NewConfig(
			config.WithLogger(zap.NewNop()),
			config.WithFilesystem(fs),
			config.WithoutResilience(),
			config.WithClock(clock.Now),
			config.WithFormatVersion(version),
		)
		require.NoError(t, err)
		c, err := New(ctx, cfg)
		require.NoError(t, err)
		return c
	}

	c := open(1)
	_, err := c.AddModel(ctx, "chair", "glb", payload(300))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c = open(1)
	data, found, err := c.GetModel(ctx, "chair", "glb")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, data, 300)
	require.NoError(t, c.Close())

	c = open(2)
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, 2, c.CacheStats(ctx).FormatVersion)

	_, found, err = c.GetModel(ctx, "chair", "glb")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, c.CacheStats(ctx).EntryCount)
}

func TestCache_AgePurge(t *testing.T) {
	h := newHarness(t, config.WithMaxCacheAge(time.Hour))
	ctx := context.Background()

	_, _ = h.cache.AddModel(ctx, "a", "glb", payload(100))
	h.clock.Advance(30 * time.Minute)
	_, _ = h.cache.AddModel(ctx, "b", "glb", payload(250))
	h.clock.Advance(45 * time.Minute)

	require.True(t, h.cache.RunMaintenance(ctx))

	_, found, _ := h.cache.GetModel(ctx, "a", "glb")
	assert.False(t, found)
	_, found, _ = h.cache.GetModel(ctx, "b", "glb")
	assert.True(t, found)

	cleanups := h.events.of(events.Cleanup)
	require.Len(t, cleanups, 1)
	assert.Equal(t, events.ReasonAge, cleanups[0].Reason)
	assert.Equal(t, 1, cleanups[0].Details.ModelsRemoved)
	assert.Equal(t, int64(100), cleanups[0].Details.CleanedSize)

	stats := h.cache.CacheStats(ctx)
	assert.Equal(t, int64(250), stats.TotalSizeBytes)
	assert.True(t, stats.LastCleanupAt.Equal(h.clock.Now()))
}

func TestCache_MaintenancePurgesStaleAndReconciles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.cache.AddModel(ctx, "live", "glb", payload(100))

	stale := models.NewModelEntry("stale", "glb", payload(40), 0, h.clock.Now())
	meta, err := h.store.Metadata(ctx)
	require.NoError(t, err)
	meta.TotalSizeBytes = 9_999
	require.NoError(t, h.store.Apply(ctx, store.NewBatch().Put(stale).PutMetadata(meta)))

	require.True(t, h.cache.RunMaintenance(ctx))

	_, err = h.store.Get(ctx, "stale")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, int64(100), h.cache.CacheStats(ctx).TotalSizeBytes)
	assert.Equal(t, []string{events.ReasonAge, events.ReasonVersion}, h.events.reasons(events.Cleanup))
}

func TestCache_MaintenanceDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.cache.maintenanceDue(ctx))

	h.clock.Advance(25 * time.Hour)
	assert.True(t, h.cache.maintenanceDue(ctx))

	off := false
	require.True(t, h.cache.UpdateSettings(ctx, models.SettingsPatch{AutoCleanupEnabled: &off}))
	assert.False(t, h.cache.maintenanceDue(ctx))
	assert.Zero(t, h.cache.CacheStats(ctx).MaintenanceRuns)

	on := true
	require.True(t, h.cache.UpdateSettings(ctx, models.SettingsPatch{AutoCleanupEnabled: &on}))
	require.Eventually(t, func() bool {
		return h.cache.CacheStats(ctx).MaintenanceRuns == 1
	}, time.Second, time.Millisecond)

	stats := h.cache.CacheStats(ctx)
	assert.NoError(t, stats.MaintenanceError)
	assert.True(t, stats.LastCleanupAt.Equal(h.clock.Now()))
	assert.True(t, stats.Online)
	assert.False(t, stats.PrefetchRunning)
}

func TestCache_ClearCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.cache.AddModel(ctx, "a", "glb", payload(10))
	_, _ = h.cache.AddModel(ctx, "b", "glb", payload(20))
	h.clock.Advance(time.Hour)

	require.True(t, h.cache.ClearCache(ctx))

	stats := h.cache.CacheStats(ctx)
	assert.Zero(t, stats.TotalSizeBytes)
	assert.Zero(t, stats.EntryCount)
	assert.True(t, stats.LastCleanupAt.Equal(h.clock.Now()))

	_, found, _ := h.cache.GetModel(ctx, "a", "glb")
	assert.False(t, found)

	clears := h.events.of(events.Clear)
	require.Len(t, clears, 1)
	assert.Equal(t, int64(30), clears[0].Details.CleanedSize)
}

func TestCache_InvalidArguments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _, err := h.cache.GetModel(ctx, "", "glb")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = h.cache.AddModel(ctx, "", "glb", payload(1))
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = h.cache.AddModel(ctx, "k", "glb", nil)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	_, err = h.cache.RemoveModel(ctx, "")
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	err = h.cache.PrefetchModel(ctx, "", "glb", 5)
	assert.ErrorIs(t, err, models.ErrInvalidArgument)

	zero := int64(0)
	assert.False(t, h.cache.UpdateSettings(ctx, models.SettingsPatch{MaxCacheSizeBytes: &zero}))
}

func TestCache_UpdateSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, _ = h.cache.AddModel(ctx, "a", "glb", payload(1_000))

	limit := int64(500)
	require.True(t, h.cache.UpdateSettings(ctx, models.SettingsPatch{MaxCacheSizeBytes: &limit}))

	stats := h.cache.CacheStats(ctx)
	assert.Equal(t, int64(500), stats.Settings.MaxCacheSizeBytes)
	assert.Equal(t, int64(1_000), stats.TotalSizeBytes, "no retroactive eviction")
	assert.True(t, stats.Settings.PrefetchEnabled)
	assert.Equal(t, float64(200), stats.PercentUsed)

	_, _ = h.cache.AddModel(ctx, "b", "glb", payload(400))
	_, found, _ := h.cache.GetModel(ctx, "a", "glb")
	assert.False(t, found)
}

type failingStore struct {
	*store.MemoryStore
	failGet   *atomic.Bool
	failApply *atomic.Bool
}

var errDiskGone = errors.New("disk gone")

func newFailingStore() *failingStore {
	return &failingStore{
		MemoryStore: store.NewMemoryStore(),
		failGet:     atomic.NewBool(false),
		failApply:   atomic.NewBool(false),
	}
}

func (s *failingStore) Get(ctx context.Context, key string) (*models.ModelEntry, error) {
	if s.failGet.Load() {
		return nil, errDiskGone
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *failingStore) Apply(ctx context.Context, b *store.Batch) error {
	if s.failApply.Load() {
		return errDiskGone
	}
	return s.MemoryStore.Apply(ctx, b)
}

func TestCache_StorageFailures(t *testing.T) {
	fs := newFailingStore()
	cfg, err := config.NewConfig(
		config.WithLogger(zap.NewNop()),
		config.WithStore(fs),
		config.WithoutResilience(),
		config.WithMemorySize(0),
	)
	require.NoError(t, err)
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	rec := record(c)
	ctx := context.Background()

	_, err = c.AddModel(ctx, "a", "glb", payload(10))
	require.NoError(t, err)

	fs.failApply.Store(true)
	ok, err := c.AddModel(ctx, "b", "glb", payload(10))
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := c.RemoveModel(ctx, "a")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.False(t, c.ClearCache(ctx))

	fs.failGet.Store(true)
	_, found, err := c.GetModel(ctx, "a", "glb")
	require.NoError(t, err)
	assert.False(t, found)

	errs := rec.of(events.Error)
	require.Len(t, errs, 4)
	for _, ev := range errs {
		assert.Equal(t, events.ReasonStorage, ev.Reason)
		assert.ErrorIs(t, ev.Err, errDiskGone)
	}
	assert.Equal(t, []string{events.ReasonStorage}, rec.reasons(events.Miss))

	assert.Equal(t, int64(10), c.CacheStats(ctx).TotalSizeBytes)
}

func TestCache_MemoryHitSurvivesStoreOutage(t *testing.T) {
	fs := newFailingStore()
	cfg, err := config.NewConfig(
		config.WithLogger(zap.NewNop()),
		config.WithStore(fs),
		config.WithoutResilience(),
	)
	require.NoError(t, err)
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	_, err = c.AddModel(ctx, "a", "glb", payload(10))
	require.NoError(t, err)

	fs.failGet.Store(true)
	fs.failApply.Store(true)
	_, found, err := c.GetModel(ctx, "a", "glb")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCache_KeyFilterSkipsStore(t *testing.T) {
	fs := newFailingStore()
	cfg, err := config.NewConfig(
		config.WithLogger(zap.NewNop()),
		config.WithStore(fs),
		config.WithoutResilience(),
		config.WithBloomFilter(1000, 0.0001),
	)
	require.NoError(t, err)
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	rec := record(c)

	fs.failGet.Store(true)
	_, found, err := c.GetModel(context.Background(), "never-added", "glb")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, rec.of(events.Error))
	assert.Equal(t, []string{events.ReasonNotFound}, rec.reasons(events.Miss))
}

func TestCache_Prefetch(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	fetcher := prefetch.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[url]++
		if url == "https://cdn/broken.glb" {
			return nil, errors.New("503")
		}
		return []byte("bytes of " + url), nil
	})
	fetched := func(url string) int {
		mu.Lock()
		defer mu.Unlock()
		return calls[url]
	}

	h := newHarness(t, config.WithFetcher(fetcher))
	ctx := context.Background()

	t.Run("cached key is not fetched", func(t *testing.T) {
		_, _ = h.cache.AddModel(ctx, "https://cdn/local.glb", "glb", payload(8))
		require.NoError(t, h.cache.PrefetchModel(ctx, "https://cdn/local.glb", "glb", 5))
		assert.Zero(t, h.cache.CacheStats(ctx).PrefetchPending)
		assert.Zero(t, fetched("https://cdn/local.glb"))
	})

	t.Run("fetches and stores", func(t *testing.T) {
		require.NoError(t, h.cache.PrefetchModel(ctx, "https://cdn/remote.glb", "glb", 99))
		require.Eventually(t, func() bool {
			_, found, _ := h.cache.GetModel(ctx, "https://cdn/remote.glb", "glb")
			return found
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, fetched("https://cdn/remote.glb"))

		require.Eventually(t, func() bool {
			return len(h.events.of(events.Prefetch)) == 2
		}, time.Second, 5*time.Millisecond)
		assert.ElementsMatch(t, []string{events.ReasonQueued, events.ReasonFetched}, h.events.reasons(events.Prefetch))
		assert.Equal(t, int64(1), h.cache.CacheStats(ctx).Prefetched)
		for _, ev := range h.events.of(events.Prefetch) {
			assert.Equal(t, prefetch.MaxPriority, ev.Details.Priority)
		}
	})

	t.Run("duplicates coalesce while offline", func(t *testing.T) {
		h.cache.SetOnline(false)
		require.NoError(t, h.cache.PrefetchModel(ctx, "https://cdn/dup.glb", "glb", 3))
		require.NoError(t, h.cache.PrefetchModel(ctx, "https://cdn/dup.glb", "glb", 7))
		assert.Equal(t, 1, h.cache.CacheStats(ctx).PrefetchPending)

		h.cache.SetOnline(true)
		require.Eventually(t, func() bool {
			_, found, _ := h.cache.GetModel(ctx, "https://cdn/dup.glb", "glb")
			return found
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, fetched("https://cdn/dup.glb"))
	})

	t.Run("failure reported", func(t *testing.T) {
		require.NoError(t, h.cache.PrefetchModel(ctx, "https://cdn/broken.glb", "glb", 5))
		require.Eventually(t, func() bool {
			for _, ev := range h.events.of(events.Error) {
				if ev.Reason == events.ReasonPrefetch && ev.Key == "https://cdn/broken.glb" {
					return true
				}
			}
			return false
		}, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("stop drops pending", func(t *testing.T) {
		h.cache.SetOnline(false)
		require.NoError(t, h.cache.PrefetchModel(ctx, "https://cdn/later.glb", "glb", 5))
		assert.Equal(t, 1, h.cache.StopPrefetching())
		h.cache.SetOnline(true)
		assert.Zero(t, h.cache.CacheStats(ctx).PrefetchPending)
	})

	t.Run("disabled is a no-op", func(t *testing.T) {
		off := false
		require.True(t, h.cache.UpdateSettings(ctx, models.SettingsPatch{PrefetchEnabled: &off}))
		require.NoError(t, h.cache.PrefetchModel(ctx, "https://cdn/skipped.glb", "glb", 5))
		assert.Zero(t, h.cache.CacheStats(ctx).PrefetchPending)
	})
}

func TestCache_QuotaSizesBudget(t *testing.T) {
	probe := quota.ProbeFunc(func(context.Context) (quota.Estimate, error) {
		return quota.Estimate{QuotaBytes: 4000 * quota.MB, UsedBytes: 1000 * quota.MB}, nil
	})
	h := newHarness(t, config.WithQuotaProbe(probe))
	ctx := context.Background()

	_, _ = h.cache.AddModel(ctx, "a", "glb", payload(int(40*quota.MB)))

	stats := h.cache.CacheStats(ctx)
	assert.Equal(t, int64(150*quota.MB), stats.Settings.MaxCacheSizeBytes)
	assert.Equal(t, int64(4000*quota.MB), stats.DeviceQuotaBytes)
	assert.InDelta(t, 1, stats.PercentUsed, 1e-9)
}

func TestCache_UnsupportedQuotaKeepsSettings(t *testing.T) {
	probe := quota.ProbeFunc(func(context.Context) (quota.Estimate, error) {
		return quota.Estimate{}, models.ErrUnsupported
	})
	h := newHarness(t, config.WithQuotaProbe(probe), config.WithMaxCacheSize(12_345))

	assert.False(t, h.cache.RefreshQuota(context.Background()))
	stats := h.cache.CacheStats(context.Background())
	assert.Equal(t, int64(12_345), stats.Settings.MaxCacheSizeBytes)
	assert.Zero(t, stats.DeviceQuotaBytes)
}

func TestCache_EventListeners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var adds atomic.Int64
	id := h.cache.AddEventListener(events.Add, func(events.Event) { adds.Inc() })
	h.cache.AddEventListener(events.Add, func(events.Event) { panic("bad listener") })

	_, err := h.cache.AddModel(ctx, "a", "glb", payload(1))
	require.NoError(t, err)
	assert.Equal(t, int64(1), adds.Load())

	assert.True(t, h.cache.RemoveEventListener(events.Add, id))
	assert.False(t, h.cache.RemoveEventListener(events.Add, id))

	_, _ = h.cache.AddModel(ctx, "b", "glb", payload(1))
	assert.Equal(t, int64(1), adds.Load())
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cache.Close())
	require.NoError(t, h.cache.Close())
}

// gatedStore pauses the next Get, once armed, after it has read the store.
type gatedStore struct {
	*store.MemoryStore
	armed   *atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: store.NewMemoryStore(),
		armed:       atomic.NewBool(false),
		reached:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) Get(ctx context.Context, key string) (*models.ModelEntry, error) {
	e, err := g.MemoryStore.Get(ctx, key)
	if g.armed.CompareAndSwap(true, false) {
		close(g.reached)
		<-g.release
	}
	return e, err
}

func openCache(t *testing.T, opts ...config.Option) *Cache {
	t.Helper()
	base := []config.Option{
		config.WithLogger(zap.NewNop()),
		config.WithoutResilience(),
		config.WithClock(newFakeClock().Now),
	}
	cfg, err := config.NewConfig(append(base, opts...)...)
	require.NoError(t, err)

	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return c.sched.Checks() > 0 }, time.Second, time.Millisecond)
	return c
}

func TestCache_ReadRacingDeleteDoesNotRepopulateMemory(t *testing.T) {
	tests := []struct {
		name   string
		delete func(t *testing.T, c *Cache)
	}{
		{
			name: "remove",
			delete: func(t *testing.T, c *Cache) {
				removed, err := c.RemoveModel(context.Background(), "k")
				require.NoError(t, err)
				require.True(t, removed)
			},
		},
		{
			name: "clear",
			delete: func(t *testing.T, c *Cache) {
				require.True(t, c.ClearCache(context.Background()))
			},
		},
		{
			name: "evict",
			delete: func(t *testing.T, c *Cache) {
				ok, err := c.AddModel(context.Background(), "j", "glb", payload(100))
				require.NoError(t, err)
				require.True(t, ok)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gs := newGatedStore()
			c := openCache(t, config.WithStore(gs), config.WithMaxCacheSize(150))
			ctx := context.Background()

			ok, err := c.AddModel(ctx, "k", "glb", payload(100))
			require.NoError(t, err)
			require.True(t, ok)
			c.memory.Delete("k")

			gs.armed.Store(true)
			done := make(chan bool, 1)
			go func() {
				_, found, _ := c.GetModel(ctx, "k", "glb")
				done <- found
			}()

			<-gs.reached
			tt.delete(t, c)
			close(gs.release)
			assert.True(t, <-done, "read started before the delete")

			_, cached := c.memory.Get("k")
			assert.False(t, cached)

			_, found, err := c.GetModel(ctx, "k", "glb")
			require.NoError(t, err)
			assert.False(t, found)
			assert.Equal(t, storedTotal(t, gs), c.CacheStats(ctx).TotalSizeBytes)
		})
	}
}

func TestCache_CancelledReaderDoesNotFailSharedRead(t *testing.T) {
	gs := newGatedStore()
	c := openCache(t, config.WithStore(gs))
	ctx := context.Background()
	rec := record(c)

	ok, err := c.AddModel(ctx, "k", "glb", payload(10))
	require.NoError(t, err)
	require.True(t, ok)
	c.memory.Delete("k")

	gs.armed.Store(true)
	cancelled, cancel := context.WithCancel(ctx)
	done := make(chan bool, 1)
	go func() {
		_, found, _ := c.GetModel(cancelled, "k", "glb")
		done <- found
	}()

	<-gs.reached
	cancel()
	close(gs.release)

	assert.True(t, <-done)
	assert.Empty(t, rec.of(events.Error))
}

// brokenFS fails to create files its predicate matches while armed.
type brokenFS struct {
	billy.Filesystem
	armed *atomic.Bool
	match func(name string) bool
}

func (f *brokenFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	if f.armed.Load() && f.match(name) {
		return nil, errors.New("disk full")
	}
	return f.Filesystem.OpenFile(name, flag, perm)
}

func TestCache_FailedEvictingAddKeepsAccounting(t *testing.T) {
	fs := &brokenFS{
		Filesystem: memfs.New(),
		armed:      atomic.NewBool(false),
		match: func(name string) bool {
			return strings.HasPrefix(name, "staging") && strings.HasSuffix(name, ".bin")
		},
	}
	c := openCache(t, config.WithFilesystem(fs), config.WithMaxCacheSize(10))
	ctx := context.Background()
	rec := record(c)

	ok, err := c.AddModel(ctx, "a", "glb", payload(6))
	require.NoError(t, err)
	require.True(t, ok)

	fs.armed.Store(true)
	ok, err = c.AddModel(ctx, "b", "glb", payload(6))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, rec.of(events.Error), 1)
	assert.Empty(t, rec.of(events.Remove))

	stats := c.CacheStats(ctx)
	assert.Equal(t, int64(6), stats.TotalSizeBytes)
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, storedTotal(t, c.store), stats.TotalSizeBytes)

	data, found, err := c.GetModel(ctx, "a", "glb")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Len(t, data, 6)

	_, found, err = c.GetModel(ctx, "b", "glb")
	require.NoError(t, err)
	assert.False(t, found)

	fs.armed.Store(false)
	ok, err = c.AddModel(ctx, "b", "glb", payload(6))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, storedTotal(t, c.store), c.CacheStats(ctx).TotalSizeBytes)
}

func TestCache_CloseDuringHits(t *testing.T) {
	gs := newGatedStore()
	c := openCache(t, config.WithStore(gs))
	ctx := context.Background()

	ok, err := c.AddModel(ctx, "k", "glb", payload(32))
	require.NoError(t, err)
	require.True(t, ok)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, _, err := c.GetModel(ctx, "k", "glb")
				assert.NoError(t, err)
				if j%16 == 0 {
					c.memory.Delete("k")
				}
			}
		}()
	}

	require.NoError(t, c.Close())
	wg.Wait()
	assert.NoError(t, c.Close())
}
