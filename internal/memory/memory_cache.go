package memory

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// EmbeddingCache memoizes encode_text results keyed by the source
// text, generalizing the teacher's in-process queryEmbeddingCache map
// in internal/sefii/engine.go into an explicit, swappable interface.
type EmbeddingCache interface {
	Get(key string) ([]float64, bool)
	Set(key string, v []float64)
}

// LRUCache is the default bounded in-process cache. The teacher's
// sefii cache was an unbounded map; hashicorp/golang-lru/v2 is the
// idiomatic bounded replacement.
type LRUCache struct {
	inner *lru.Cache[string, []float64]
}

// NewLRUCache builds an LRUCache holding at most size entries.
func NewLRUCache(size int) *LRUCache {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, []float64](size)
	return &LRUCache{inner: c}
}

func (c *LRUCache) Get(key string) ([]float64, bool) { return c.inner.Get(key) }
func (c *LRUCache) Set(key string, v []float64)      { c.inner.Add(key, v) }

// RedisCache is an optional remote cache for query-embedding vectors,
// for deployments that want the cache shared across processes.
// Vectors are serialized as a flat little-endian float64 buffer.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache builds a RedisCache against addr, namespacing keys
// under prefix with the given TTL (0 disables expiry).
func NewRedisCache(addr, password string, db int, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl:    ttl,
		prefix: prefix,
	}
}

func encodeVector(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float64 {
	n := len(buf) / 8
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return out
}

func (c *RedisCache) Get(key string) ([]float64, bool) {
	b, err := c.client.Get(context.Background(), c.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return decodeVector(b), true
}

func (c *RedisCache) Set(key string, v []float64) {
	_ = c.client.Set(context.Background(), c.prefix+key, encodeVector(v), c.ttl).Err()
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error { return c.client.Close() }
