package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"goflare.io/armodel/models"
	"goflare.io/armodel/pkg/serialization"
)

const (
	fieldAssetType      = "assetType"
	fieldData           = "data"
	fieldSize           = "sizeBytes"
	fieldCreatedAt      = "createdAt"
	fieldVersion        = "formatVersion"
	fieldLastAccessedAt = "lastAccessedAt"
	fieldAccessCount    = "accessCount"
)

var headerFields = []string{
	fieldAssetType, fieldSize, fieldCreatedAt, fieldVersion, fieldLastAccessedAt, fieldAccessCount,
}

// touchScript bumps the access count and moves lastAccessedAt forward only.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local at = tonumber(ARGV[1])
local last = tonumber(redis.call('HGET', KEYS[1], 'lastAccessedAt') or '0')
if at > last then
  redis.call('HSET', KEYS[1], 'lastAccessedAt', at)
  redis.call('ZADD', KEYS[2], at, ARGV[2])
end
local n = redis.call('HINCRBY', KEYS[1], 'accessCount', 1)
redis.call('ZADD', KEYS[3], n, ARGV[2])
return 1
`)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Prefix namespaces every key written by the store.
	Prefix string
	// Codec encodes the metadata record.
	Codec serialization.Codec
}

// RedisStore keeps entries as Redis hashes with sorted sets as numeric
// indexes and one set per asset type. Batches run inside MULTI/EXEC.
//
//	<prefix>:model:<key>          hash of entry fields
//	<prefix>:idx:createdAt        zset, score = createdAt (unix ms)
//	<prefix>:idx:lastAccessedAt   zset, score = lastAccessedAt (unix ms)
//	<prefix>:idx:accessCount      zset, score = accessCount
//	<prefix>:idx:type:<assetType> set of keys
//	<prefix>:types                set of known asset types
//	<prefix>:meta:cache-stats     encoded metadata
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	codec  serialization.Codec
}

// NewRedisStore wraps an existing client. Close closes the client.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "armodel"
	}
	if cfg.Codec.NewEncoder == nil || cfg.Codec.NewDecoder == nil {
		cfg.Codec = serialization.JSON
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, codec: cfg.Codec}, nil
}

func (s *RedisStore) modelKey(key string) string { return s.prefix + ":model:" + key }
func (s *RedisStore) indexKey(index Index) string {
	return s.prefix + ":idx:" + string(index)
}
func (s *RedisStore) typeKey(assetType string) string { return s.prefix + ":idx:type:" + assetType }
func (s *RedisStore) typesKey() string                { return s.prefix + ":types" }
func (s *RedisStore) metadataKey() string             { return s.prefix + ":meta:" + models.MetadataKey }

func (s *RedisStore) Get(ctx context.Context, key string) (*models.ModelEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.modelKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}

	e, err := decodeFields(key, func(f string) (string, bool) {
		v, ok := fields[f]
		return v, ok
	})
	if err != nil {
		return nil, err
	}
	e.Data = []byte(fields[fieldData])
	return e, nil
}

func (s *RedisStore) QueryByIndex(ctx context.Context, index Index, r Range) ([]*models.ModelEntry, error) {
	var keys []string
	var err error

	switch index {
	case IndexAssetType:
		keys, err = s.client.SMembers(ctx, s.typeKey(r.Value)).Result()
		sort.Strings(keys)
	case IndexCreatedAt, IndexLastAccessed, IndexAccessCount:
		keys, err = s.client.ZRangeByScore(ctx, s.indexKey(index), &redis.ZRangeBy{
			Min: scoreBound(r.Min, false),
			Max: scoreBound(r.Max, true),
		}).Result()
	default:
		return nil, fmt.Errorf("unknown index %q", index)
	}
	if err != nil {
		return nil, fmt.Errorf("redis index query failed: %w", err)
	}

	return s.headers(ctx, keys)
}

// scoreBound renders a range bound for ZRANGEBYSCORE.
func scoreBound(v int64, exclusive bool) string {
	switch {
	case v == math.MinInt64:
		return "-inf"
	case v == math.MaxInt64:
		return "+inf"
	case exclusive:
		return "(" + strconv.FormatInt(v, 10)
	default:
		return strconv.FormatInt(v, 10)
	}
}

func (s *RedisStore) headers(ctx context.Context, keys []string) ([]*models.ModelEntry, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	if _, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HMGet(ctx, s.modelKey(key), headerFields...)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("redis header pipeline failed: %w", err)
	}

	result := make([]*models.ModelEntry, 0, len(keys))
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) != len(headerFields) || values[0] == nil {
			// removed between the index read and the header read
			continue
		}
		e, err := decodeFields(keys[i], func(f string) (string, bool) {
			for j, name := range headerFields {
				if name == f {
					str, ok := values[j].(string)
					return str, ok
				}
			}
			return "", false
		})
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

func decodeFields(key string, field func(string) (string, bool)) (*models.ModelEntry, error) {
	e := &models.ModelEntry{Key: key}
	e.AssetType, _ = field(fieldAssetType)

	ints := []struct {
		name string
		dst  *int64
	}{
		{fieldSize, &e.SizeBytes},
		{fieldAccessCount, &e.AccessCount},
	}
	for _, f := range ints {
		raw, _ := field(f.name)
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s for %q: %w", f.name, key, err)
		}
		*f.dst = v
	}

	rawVersion, _ := field(fieldVersion)
	version, err := strconv.Atoi(rawVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid %s for %q: %w", fieldVersion, key, err)
	}
	e.FormatVersion = version

	for _, f := range []struct {
		name string
		dst  *time.Time
	}{
		{fieldCreatedAt, &e.CreatedAt},
		{fieldLastAccessedAt, &e.LastAccessedAt},
	} {
		raw, _ := field(f.name)
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s for %q: %w", f.name, key, err)
		}
		*f.dst = time.UnixMilli(ms)
	}
	return e, nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.indexKey(IndexCreatedAt)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard failed: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Metadata(ctx context.Context) (*models.Metadata, error) {
	raw, err := s.client.Get(ctx, s.metadataKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("redis get metadata failed: %w", err)
	}
	var m models.Metadata
	if err := s.codec.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *RedisStore) Touch(ctx context.Context, key string, at time.Time) error {
	keys := []string{s.modelKey(key), s.indexKey(IndexLastAccessed), s.indexKey(IndexAccessCount)}
	if err := touchScript.Run(ctx, s.client, keys, at.UnixMilli(), key).Err(); err != nil {
		return fmt.Errorf("redis touch failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Apply(ctx context.Context, b *Batch) error {
	// Asset types of replaced or deleted entries are read before the
	// transaction so their type sets can be pruned inside it.
	var cleared []string
	var types []string
	if b.clear {
		var err error
		if cleared, err = s.client.ZRange(ctx, s.indexKey(IndexCreatedAt), 0, -1).Result(); err != nil {
			return fmt.Errorf("redis list keys failed: %w", err)
		}
		if types, err = s.client.SMembers(ctx, s.typesKey()).Result(); err != nil {
			return fmt.Errorf("redis list types failed: %w", err)
		}
	}

	previous := make(map[string]string)
	for _, o := range b.ops {
		t, err := s.client.HGet(ctx, s.modelKey(o.key), fieldAssetType).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis hget failed: %w", err)
		}
		if err == nil {
			previous[o.key] = t
		}
	}

	var meta []byte
	if b.meta != nil {
		var err error
		if meta, err = s.codec.Marshal(b.meta); err != nil {
			return err
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if b.clear {
			for _, key := range cleared {
				pipe.Del(ctx, s.modelKey(key))
			}
			for _, t := range types {
				pipe.Del(ctx, s.typeKey(t))
			}
			pipe.Del(ctx,
				s.typesKey(),
				s.indexKey(IndexCreatedAt),
				s.indexKey(IndexLastAccessed),
				s.indexKey(IndexAccessCount))
			previous = map[string]string{}
		}

		for _, o := range b.ops {
			if t, ok := previous[o.key]; ok {
				pipe.SRem(ctx, s.typeKey(t), o.key)
			}
			switch o.kind {
			case opPut:
				s.queuePut(ctx, pipe, o.entry)
				previous[o.key] = o.entry.AssetType
			case opDelete:
				s.queueDelete(ctx, pipe, o.key)
				delete(previous, o.key)
			}
		}

		if meta != nil {
			pipe.Set(ctx, s.metadataKey(), meta, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis batch failed: %w", err)
	}
	return nil
}

func (s *RedisStore) queuePut(ctx context.Context, pipe redis.Pipeliner, e *models.ModelEntry) {
	mk := s.modelKey(e.Key)
	pipe.Del(ctx, mk)
	pipe.HSet(ctx, mk, map[string]any{
		fieldAssetType:      e.AssetType,
		fieldData:           e.Data,
		fieldSize:           e.SizeBytes,
		fieldCreatedAt:      e.CreatedAt.UnixMilli(),
		fieldVersion:        e.FormatVersion,
		fieldLastAccessedAt: e.LastAccessedAt.UnixMilli(),
		fieldAccessCount:    e.AccessCount,
	})
	for _, index := range []Index{IndexCreatedAt, IndexLastAccessed, IndexAccessCount} {
		pipe.ZAdd(ctx, s.indexKey(index), redis.Z{Score: float64(indexValue(e, index)), Member: e.Key})
	}
	pipe.SAdd(ctx, s.typeKey(e.AssetType), e.Key)
	pipe.SAdd(ctx, s.typesKey(), e.AssetType)
}

func (s *RedisStore) queueDelete(ctx context.Context, pipe redis.Pipeliner, key string) {
	pipe.Del(ctx, s.modelKey(key))
	for _, index := range []Index{IndexCreatedAt, IndexLastAccessed, IndexAccessCount} {
		pipe.ZRem(ctx, s.indexKey(index), key)
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
