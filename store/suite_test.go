package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/armodel/models"
)

var base = time.Unix(1_700_000_000, 0)

func entryAt(key, assetType string, size int, created time.Duration) *models.ModelEntry {
	return models.NewModelEntry(key, assetType, make([]byte, size), 1, base.Add(created))
}

func keysOf(entries []*models.ModelEntry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys
}

// runStoreSuite checks the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = s.Metadata(ctx)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("put and get", func(t *testing.T) {
		s := newStore(t)
		e := models.NewModelEntry("https://cdn/a.glb", "hair", []byte("payload-bytes"), 3, base)
		require.NoError(t, s.Apply(ctx, NewBatch().Put(e)))

		got, err := s.Get(ctx, e.Key)
		require.NoError(t, err)
		assert.Equal(t, e.Data, got.Data)
		assert.Equal(t, "hair", got.AssetType)
		assert.Equal(t, int64(13), got.SizeBytes)
		assert.Equal(t, 3, got.FormatVersion)
		assert.Equal(t, int64(1), got.AccessCount)
		assert.True(t, base.Equal(got.CreatedAt))
		assert.True(t, base.Equal(got.LastAccessedAt))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("replace changes asset type", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Apply(ctx, NewBatch().Put(entryAt("k", "hair", 10, 0))))
		require.NoError(t, s.Apply(ctx, NewBatch().Put(entryAt("k", "shoes", 20, time.Second))))

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, int64(20), got.SizeBytes)

		hair, err := s.QueryByIndex(ctx, IndexAssetType, Equal("hair"))
		require.NoError(t, err)
		assert.Empty(t, hair)

		shoes, err := s.QueryByIndex(ctx, IndexAssetType, Equal("shoes"))
		require.NoError(t, err)
		assert.Equal(t, []string{"k"}, keysOf(shoes))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Apply(ctx, NewBatch().Put(entryAt("a", "hair", 1, 0)).Put(entryAt("b", "hair", 1, 0))))
		require.NoError(t, s.Apply(ctx, NewBatch().Delete("a").Delete("missing")))

		_, err := s.Get(ctx, "a")
		assert.ErrorIs(t, err, models.ErrNotFound)

		all, err := s.QueryByIndex(ctx, IndexCreatedAt, All())
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, keysOf(all))

		hair, err := s.QueryByIndex(ctx, IndexAssetType, Equal("hair"))
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, keysOf(hair))
	})

	t.Run("clear then put in one batch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Apply(ctx, NewBatch().Put(entryAt("a", "hair", 1, 0)).Put(entryAt("b", "eyes", 1, 0))))

		meta := models.NewMetadata(1, models.Settings{MaxCacheSizeBytes: 100}, base)
		meta.TotalSizeBytes = 5
		require.NoError(t, s.Apply(ctx, NewBatch().Clear().Put(entryAt("c", "hair", 5, 0)).PutMetadata(meta)))

		all, err := s.QueryByIndex(ctx, IndexCreatedAt, All())
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, keysOf(all))

		eyes, err := s.QueryByIndex(ctx, IndexAssetType, Equal("eyes"))
		require.NoError(t, err)
		assert.Empty(t, eyes)

		got, err := s.Metadata(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(5), got.TotalSizeBytes)
		assert.Equal(t, int64(100), got.Settings.MaxCacheSizeBytes)
	})

	t.Run("query payload free and ordered", func(t *testing.T) {
		s := newStore(t)
		b := NewBatch().
			Put(entryAt("c", "hair", 1, 2*time.Second)).
			Put(entryAt("a", "hair", 1, 3*time.Second)).
			Put(entryAt("b", "eyes", 1, 2*time.Second)).
			Put(entryAt("d", "hair", 1, time.Second))
		require.NoError(t, s.Apply(ctx, b))

		byCreated, err := s.QueryByIndex(ctx, IndexCreatedAt, All())
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "b", "c", "a"}, keysOf(byCreated))
		for _, e := range byCreated {
			assert.Nil(t, e.Data)
			assert.Equal(t, int64(1), e.SizeBytes)
		}

		before, err := s.QueryByIndex(ctx, IndexCreatedAt, Before(base.Add(3*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, []string{"d", "b", "c"}, keysOf(before))

		hair, err := s.QueryByIndex(ctx, IndexAssetType, Equal("hair"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "c", "d"}, keysOf(hair))
	})

	t.Run("touch never rewinds", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Apply(ctx, NewBatch().Put(entryAt("a", "hair", 1, 0)).Put(entryAt("b", "hair", 1, 0))))

		require.NoError(t, s.Touch(ctx, "a", base.Add(time.Minute)))
		require.NoError(t, s.Touch(ctx, "a", base.Add(time.Second)))
		require.NoError(t, s.Touch(ctx, "missing", base))

		got, err := s.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.AccessCount)
		assert.True(t, base.Add(time.Minute).Equal(got.LastAccessedAt))

		byAccess, err := s.QueryByIndex(ctx, IndexLastAccessed, All())
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, keysOf(byAccess))

		byCount, err := s.QueryByIndex(ctx, IndexAccessCount, Range{Min: 2, Max: 10})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, keysOf(byCount))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("unknown index", func(t *testing.T) {
		s := newStore(t)
		_, err := s.QueryByIndex(ctx, Index("color"), All())
		assert.Error(t, err)
	})
}
