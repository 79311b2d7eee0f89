// Package cache implements the two-tier cache: a per-namespace in-memory
// LRU (L1) over a persistent bbolt key-value store (L2) with TTLs,
// size-aware compression and glob-pattern invalidation.
//
// L2 record layout: a 1-byte encoding tag, an 8-byte little-endian TTL
// deadline (unix nanoseconds, 0 for none), then the encoded payload. The
// encoding tag makes records self-describing, so L1 carries no out-of-band
// metadata.
package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Namespace partitions cache keys; each namespace has its own L1 capacity,
// default TTL and compression policy.
type Namespace string

// The closed namespace set.
const (
	NamespaceDictionary Namespace = "dictionary"
	NamespaceCorpus     Namespace = "corpus"
	NamespaceSemantic   Namespace = "semantic"
	NamespaceTrie       Namespace = "trie"
	NamespaceSearch     Namespace = "search"
	NamespaceLiterature Namespace = "literature"
)

var namespaces = []Namespace{
	NamespaceDictionary,
	NamespaceCorpus,
	NamespaceSemantic,
	NamespaceTrie,
	NamespaceSearch,
	NamespaceLiterature,
}

// ErrUnknownNamespace is returned for keys outside the closed namespace set
// or without a "namespace:subkey" shape.
var ErrUnknownNamespace = errors.New("cache: unknown namespace")

// ErrWriteFailed wraps L2 write failures; L1 is left untouched when it is
// returned.
var ErrWriteFailed = errors.New("cache: write failed")

const (
	defaultL1Capacity = 1000
	defaultL1Bytes    = 64 << 20
	defaultStripes    = 64
)

// defaultTTLs holds the default TTL of every namespace in the closed set.
var defaultTTLs = map[Namespace]time.Duration{
	NamespaceSearch:     time.Hour,
	NamespaceSemantic:   7 * 24 * time.Hour,
	NamespaceCorpus:     30 * 24 * time.Hour,
	NamespaceDictionary: 24 * time.Hour,
	NamespaceTrie:       30 * 24 * time.Hour,
	NamespaceLiterature: 24 * time.Hour,
}

// Config configures a Cache.
type Config struct {
	// Path locates the bbolt file backing L2.
	Path string
	// L1Capacity is the per-namespace LRU entry cap (default 1000).
	L1Capacity int
	// L1Bytes is the per-namespace LRU byte cap (default 64 MiB).
	L1Bytes int64
	// TTLs overrides the per-namespace default TTLs.
	TTLs map[Namespace]time.Duration
	// Stripes sets the write-lock stripe count (default 64).
	Stripes int
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

type l1Entry struct {
	value    []byte
	deadline time.Time
}

type l1Shard struct {
	lru   *lru.Cache[string, l1Entry]
	bytes int64
	cap   int64
	mu    sync.Mutex
}

// Cache is the two-tier cache. Reads are concurrent; writes to the same key
// are serialized through a striped lock table.
type Cache struct {
	db      *bolt.DB
	l1      map[Namespace]*l1Shard
	ttls    map[Namespace]time.Duration
	stripes []sync.Mutex
	logger  *zap.Logger

	statsMu sync.Mutex
	stats   Stats
}

// Stats are cumulative hit/miss counters.
type Stats struct {
	L1Hits  uint64
	L2Hits  uint64
	Misses  uint64
	Sets    uint64
	Expired uint64
}

// Open opens or creates the cache.
func Open(cfg Config) (*Cache, error) {
	if cfg.Path == "" {
		return nil, errors.New("cache: empty path")
	}
	if cfg.L1Capacity <= 0 {
		cfg.L1Capacity = defaultL1Capacity
	}
	if cfg.L1Bytes <= 0 {
		cfg.L1Bytes = defaultL1Bytes
	}
	if cfg.Stripes <= 0 {
		cfg.Stripes = defaultStripes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("cache: open l2: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, ns := range namespaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init buckets: %w", err)
	}

	c := &Cache{
		db:      db,
		l1:      make(map[Namespace]*l1Shard, len(namespaces)),
		ttls:    make(map[Namespace]time.Duration, len(namespaces)),
		stripes: make([]sync.Mutex, cfg.Stripes),
		logger:  cfg.Logger,
	}
	for _, ns := range namespaces {
		shard := &l1Shard{cap: cfg.L1Bytes}
		cache, err := lru.NewWithEvict[string, l1Entry](cfg.L1Capacity, func(key string, e l1Entry) {
			shard.bytes -= int64(len(e.value))
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("cache: l1 init: %w", err)
		}
		shard.lru = cache
		c.l1[ns] = shard

		ttl := defaultTTLs[ns]
		if override, ok := cfg.TTLs[ns]; ok {
			ttl = override
		}
		c.ttls[ns] = ttl
	}
	return c, nil
}

// Close releases the L2 store.
func (c *Cache) Close() error {
	return c.db.Close()
}

// SplitKey parses a structured "namespace:subkey" key.
func SplitKey(key string) (Namespace, string, error) {
	i := strings.IndexByte(key, ':')
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownNamespace, key)
	}
	ns := Namespace(key[:i])
	if _, ok := defaultTTLs[ns]; !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownNamespace, key)
	}
	return ns, key[i+1:], nil
}

// Get returns the value for a key, or ok=false on a miss. Expired entries
// are treated as misses and lazily deleted.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ns, sub, err := SplitKey(key)
	if err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	now := time.Now()
	shard := c.l1[ns]
	shard.mu.Lock()
	if e, ok := shard.lru.Get(key); ok {
		if e.deadline.IsZero() || now.Before(e.deadline) {
			shard.mu.Unlock()
			c.count(func(s *Stats) { s.L1Hits++ })
			return e.value, true, nil
		}
		shard.lru.Remove(key)
		c.count(func(s *Stats) { s.Expired++ })
	}
	shard.mu.Unlock()

	var record []byte
	if err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(ns)).Get([]byte(sub)); v != nil {
			record = make([]byte, len(v))
			copy(record, v)
		}
		return nil
	}); err != nil {
		return nil, false, fmt.Errorf("cache: l2 read: %w", err)
	}
	if record == nil {
		c.count(func(s *Stats) { s.Misses++ })
		return nil, false, nil
	}

	enc, deadline, payload, err := parseRecord(record)
	if err != nil {
		return nil, false, err
	}
	if !deadline.IsZero() && !now.Before(deadline) {
		// Lazy expiry.
		c.count(func(s *Stats) { s.Expired++ })
		if derr := c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(ns)).Delete([]byte(sub))
		}); derr != nil {
			c.logger.Warn("cache: lazy expiry delete failed", zap.String("key", key), zap.Error(derr))
		}
		return nil, false, nil
	}

	value, err := decompress(enc, payload)
	if err != nil {
		return nil, false, err
	}

	c.l1Insert(ns, key, l1Entry{value: value, deadline: deadline})
	c.count(func(s *Stats) { s.L2Hits++ })
	return value, true, nil
}

// Set stores a value with the given TTL; ttl = 0 selects the namespace
// default. L2 is written first; on L2 failure L1 is not updated and
// ErrWriteFailed is returned.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ns, sub, err := SplitKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.ttls[ns]
	}

	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}

	enc := selectEncoding(ns, len(value))
	payload, err := compress(enc, value)
	if err != nil {
		return err
	}
	record := buildRecord(enc, deadline, payload)

	stripe := c.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	if err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ns)).Put([]byte(sub), record)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	c.l1Insert(ns, key, l1Entry{value: stored, deadline: deadline})
	c.count(func(s *Stats) { s.Sets++ })
	return nil
}

// Delete removes a key from both tiers and reports whether it existed in
// L2.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	ns, sub, err := SplitKey(key)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	stripe := c.stripe(key)
	stripe.Lock()
	defer stripe.Unlock()

	shard := c.l1[ns]
	shard.mu.Lock()
	shard.lru.Remove(key)
	shard.mu.Unlock()

	existed := false
	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(ns))
		if b.Get([]byte(sub)) != nil {
			existed = true
		}
		return b.Delete([]byte(sub))
	})
	if err != nil {
		return false, fmt.Errorf("cache: delete: %w", err)
	}
	return existed, nil
}

// InvalidatePattern removes every key matching a glob pattern ('*' and '?')
// from both tiers and returns the number of L2 records removed.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	matcher, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: bad pattern %q: %w", pattern, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	for _, ns := range namespaces {
		shard := c.l1[ns]
		shard.mu.Lock()
		for _, key := range shard.lru.Keys() {
			if matcher.Match(key) {
				shard.lru.Remove(key)
			}
		}
		shard.mu.Unlock()
	}

	count := 0
	err = c.db.Update(func(tx *bolt.Tx) error {
		for _, ns := range namespaces {
			b := tx.Bucket([]byte(ns))
			var doomed [][]byte
			cur := b.Cursor()
			for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
				if matcher.Match(string(ns) + ":" + string(k)) {
					key := make([]byte, len(k))
					copy(key, k)
					doomed = append(doomed, key)
				}
			}
			for _, k := range doomed {
				if err := b.Delete(k); err != nil {
					return err
				}
				count++
			}
		}
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("cache: invalidate: %w", err)
	}
	return count, nil
}

// Stats returns a snapshot of the cumulative counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Cache) count(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

func (c *Cache) l1Insert(ns Namespace, key string, e l1Entry) {
	shard := c.l1[ns]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if old, ok := shard.lru.Peek(key); ok {
		shard.bytes -= int64(len(old.value))
	}
	shard.lru.Add(key, e)
	shard.bytes += int64(len(e.value))
	for shard.bytes > shard.cap && shard.lru.Len() > 0 {
		shard.lru.RemoveOldest()
	}
}

func (c *Cache) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.stripes[h.Sum32()%uint32(len(c.stripes))]
}

func buildRecord(enc Encoding, deadline time.Time, payload []byte) []byte {
	record := make([]byte, 9+len(payload))
	record[0] = byte(enc)
	if !deadline.IsZero() {
		binary.LittleEndian.PutUint64(record[1:], uint64(deadline.UnixNano()))
	}
	copy(record[9:], payload)
	return record
}

func parseRecord(record []byte) (Encoding, time.Time, []byte, error) {
	if len(record) < 9 {
		return 0, time.Time{}, nil, errors.New("cache: short record")
	}
	enc := Encoding(record[0])
	var deadline time.Time
	if nanos := binary.LittleEndian.Uint64(record[1:]); nanos != 0 {
		deadline = time.Unix(0, int64(nanos))
	}
	return enc, deadline, record[9:], nil
}
