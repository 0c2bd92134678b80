package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kbflow/internal/logging"
	"kbflow/internal/models"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultMaxChunks = 50
)

// ChunkSource resolves chunk ids to cacheable chunks, keeping only those the owner may use.
type ChunkSource interface {
	ListForCache(ctx context.Context, ownerID string, chunkIDs []string) ([]models.CachedChunk, error)
}

// KnowledgeCache is a per-user, bounded, TTL-backed working set of chunks kept in Redis.
// The set is a sorted set scored by insertion time; chunk bodies are separate keys.
type KnowledgeCache struct {
	rdb       redis.UniversalClient
	source    ChunkSource
	ttl       time.Duration
	maxChunks int
	log       *zap.Logger
	now       func() time.Time
}

func NewKnowledgeCache(rdb redis.UniversalClient, source ChunkSource, ttl time.Duration, maxChunks int, log *zap.Logger) *KnowledgeCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &KnowledgeCache{
		rdb:       rdb,
		source:    source,
		ttl:       ttl,
		maxChunks: maxChunks,
		log:       logging.OrNop(log),
		now:       time.Now,
	}
}

func setKey(ownerID string) string {
	return "knowledge_cache:" + ownerID + ":chunks"
}

func chunkKey(ownerID, chunkID string) string {
	return "knowledge_cache:" + ownerID + ":chunk:" + chunkID
}

// AddChunks caches the given chunks that belong to ready documents of ownerID and
// returns how many were added. Older entries beyond the size bound are evicted.
func (c *KnowledgeCache) AddChunks(ctx context.Context, ownerID string, chunkIDs []string) (int, error) {
	if len(chunkIDs) == 0 {
		return 0, nil
	}
	chunks, err := c.source.ListForCache(ctx, ownerID, chunkIDs)
	if err != nil {
		return 0, fmt.Errorf("load chunks for cache: %w", err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	chunks = inRequestOrder(chunks, chunkIDs)

	now := c.now()
	base := float64(now.UnixMicro())
	pipe := c.rdb.Pipeline()
	for i, ch := range chunks {
		ch.AddedAt = now.UTC()
		body, err := json.Marshal(ch)
		if err != nil {
			return 0, fmt.Errorf("encode cached chunk %s: %w", ch.ID, err)
		}
		pipe.ZAdd(ctx, setKey(ownerID), redis.Z{Score: base + float64(i), Member: ch.ID})
		pipe.Set(ctx, chunkKey(ownerID, ch.ID), body, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("add chunks to cache: %w", err)
	}
	if err := c.trim(ctx, ownerID); err != nil {
		return len(chunks), err
	}
	return len(chunks), nil
}

// trim keeps the newest maxChunks members and refreshes the set TTL. Evicted chunk
// bodies are deleted; any left behind expire on their own.
func (c *KnowledgeCache) trim(ctx context.Context, ownerID string) error {
	key := setKey(ownerID)
	stop := int64(-(c.maxChunks + 1))
	var evicted *redis.StringSliceCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		evicted = p.ZRange(ctx, key, 0, stop)
		p.ZRemRangeByRank(ctx, key, 0, stop)
		p.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("trim cache: %w", err)
	}
	ids := evicted.Val()
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, chunkKey(ownerID, id))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("delete evicted cache entries failed", zap.String("owner_id", ownerID), zap.Error(err))
	}
	c.log.Debug("knowledge cache evicted", zap.String("owner_id", ownerID), zap.Int("evicted", len(ids)))
	return nil
}

// GetCachedChunks returns the live cached chunks oldest first. Backend errors yield an
// empty result so callers can fall back to vector search.
func (c *KnowledgeCache) GetCachedChunks(ctx context.Context, ownerID string) []models.CachedChunk {
	ids, err := c.rdb.ZRange(ctx, setKey(ownerID), 0, -1).Result()
	if err != nil {
		c.log.Warn("read knowledge cache failed", zap.String("owner_id", ownerID), zap.Error(err))
		return []models.CachedChunk{}
	}
	if len(ids) == 0 {
		return []models.CachedChunk{}
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, chunkKey(ownerID, id))
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("read knowledge cache entries failed", zap.String("owner_id", ownerID), zap.Error(err))
		return []models.CachedChunk{}
	}
	out := make([]models.CachedChunk, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var ch models.CachedChunk
		if err := json.Unmarshal([]byte(s), &ch); err != nil {
			c.log.Warn("skip undecodable cache entry", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, ch)
	}
	return out
}

func (c *KnowledgeCache) RemoveChunk(ctx context.Context, ownerID, chunkID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, setKey(ownerID), chunkID)
	pipe.Del(ctx, chunkKey(ownerID, chunkID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove cached chunk: %w", err)
	}
	return nil
}

func (c *KnowledgeCache) ClearCache(ctx context.Context, ownerID string) error {
	ids, err := c.rdb.ZRange(ctx, setKey(ownerID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list cached chunks: %w", err)
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, chunkKey(ownerID, id))
	}
	keys = append(keys, setKey(ownerID))
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}

func (c *KnowledgeCache) Count(ctx context.Context, ownerID string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, setKey(ownerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count cached chunks: %w", err)
	}
	return n, nil
}

func inRequestOrder(chunks []models.CachedChunk, ids []string) []models.CachedChunk {
	byID := make(map[string]models.CachedChunk, len(chunks))
	for _, ch := range chunks {
		byID[ch.ID] = ch
	}
	out := make([]models.CachedChunk, 0, len(chunks))
	for _, id := range ids {
		if ch, ok := byID[id]; ok {
			out = append(out, ch)
			delete(byID, id)
		}
	}
	return out
}
