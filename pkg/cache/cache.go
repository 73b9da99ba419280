// Package cache implements a size-bounded, compressed key/value cache with
// pluggable eviction policies.
//
// Values are stored zlib-compressed; capacity accounting uses the compressed
// size. All operations on one Cache are serialized by a single mutex.
package cache

import (
	"bytes"
	"compress/zlib"
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy selects which entry is evicted when the cache is over capacity.
type Policy string

const (
	// PolicyLRU evicts the least recently used entry.
	PolicyLRU Policy = "lru"
	// PolicyLFU evicts the entry with the lowest access count.
	PolicyLFU Policy = "lfu"
	// PolicyTTL evicts the earliest-expiring entry, falling back to the least
	// recently used when no entry carries a TTL.
	PolicyTTL Policy = "ttl"
	// PolicyAdaptive evicts the entry with the lowest recency*frequency/size score.
	PolicyAdaptive Policy = "adaptive"
)

// ParsePolicy parses a policy name (case-insensitive).
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyLRU, PolicyLFU, PolicyTTL, PolicyAdaptive:
		return p, nil
	case "":
		return PolicyAdaptive, nil
	default:
		return "", fmt.Errorf("unknown cache policy %q (expected lru, lfu, ttl, adaptive)", s)
	}
}

// Config configures a Cache.
type Config struct {
	// MaxSizeBytes is the capacity in compressed bytes.
	// Default: 1 GiB
	MaxSizeBytes int64

	// Policy is the eviction policy.
	// Default: PolicyAdaptive
	Policy Policy

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	// Logger receives debug output for evictions. Default: no-op.
	Logger *zap.Logger
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		MaxSizeBytes: 1024 * 1024 * 1024,
		Policy:       PolicyAdaptive,
	}
}

type entry struct {
	key          string
	value        []byte
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
	size         int64
	ttl          time.Duration
	metadata     map[string]any
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) > e.ttl
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits             int64   `json:"hit_count"`
	Misses           int64   `json:"miss_count"`
	HitRate          float64 `json:"hit_rate"`
	TotalEntries     int     `json:"total_entries"`
	CurrentSizeBytes int64   `json:"current_size_bytes"`
	MaxSizeBytes     int64   `json:"max_size_bytes"`
	Utilization      float64 `json:"utilization"`
}

// Cache is a size-bounded compressed cache. The zero value is not usable;
// construct with New.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	order  *list.List
	items  map[string]*list.Element
	size   int64
	hits   int64
	misses int64
}

// New creates a cache, applying defaults for zero config values.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = def.MaxSizeBytes
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Cache{
		cfg:   cfg,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

// PutOption customizes a single Put.
type PutOption func(*entry)

// WithTTL sets a time-to-live; the entry is logically absent once older than ttl.
func WithTTL(ttl time.Duration) PutOption {
	return func(e *entry) { e.ttl = ttl }
}

// WithMetadata attaches opaque metadata to the entry.
func WithMetadata(md map[string]any) PutOption {
	return func(e *entry) { e.metadata = maps.Clone(md) }
}

// Get returns the decompressed value for key. An expired entry is removed
// and counted as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	now := c.cfg.Now()
	if e.expired(now) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}

	value, err := decompress(e.value)
	if err != nil {
		c.cfg.Logger.Warn("Dropping unreadable cache entry", zap.String("key", key), zap.Error(err))
		c.removeElement(el)
		c.misses++
		return nil, false
	}

	e.lastAccessed = now
	e.accessCount++
	if c.cfg.Policy != PolicyLFU {
		c.order.MoveToBack(el)
	}
	c.hits++
	return value, true
}

// Put compresses and stores value under key, evicting entries per policy
// until it fits. It returns false when the compressed value alone exceeds
// the cache capacity.
func (c *Cache) Put(key string, value []byte, opts ...PutOption) bool {
	compressed, err := compress(value)
	if err != nil {
		c.cfg.Logger.Warn("Failed to compress cache value", zap.String("key", key), zap.Error(err))
		return false
	}
	size := int64(len(compressed))

	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.cfg.MaxSizeBytes {
		c.cfg.Logger.Debug("Cache value too large",
			zap.String("key", key),
			zap.Int64("size_bytes", size),
			zap.Int64("max_size_bytes", c.cfg.MaxSizeBytes))
		return false
	}

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	for c.size+size > c.cfg.MaxSizeBytes {
		if !c.evictOne() {
			break
		}
	}

	now := c.cfg.Now()
	e := &entry{
		key:          key,
		value:        compressed,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  1,
		size:         size,
	}
	for _, opt := range opts {
		opt(e)
	}
	c.items[key] = c.order.PushBack(e)
	c.size += size
	return true
}

// PutJSON marshals v as JSON and stores it.
func (c *Cache) PutJSON(key string, v any, opts ...PutOption) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("marshal cache value: %w", err)
	}
	return c.Put(key, b, opts...), nil
}

// GetJSON loads key into v. It reports false on a miss.
func (c *Cache) GetJSON(key string, v any) (bool, error) {
	b, ok := c.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("unmarshal cache value: %w", err)
	}
	return true, nil
}

// Contains reports whether key holds an unexpired entry without touching
// counters or recency.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	return ok && !el.Value.(*entry).expired(c.cfg.Now())
}

// Metadata returns a copy of the metadata stored with key.
func (c *Cache) Metadata(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok || el.Value.(*entry).expired(c.cfg.Now()) {
		return nil, false
	}
	return maps.Clone(el.Value.(*entry).metadata), true
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.removeElement(el)
	}
	return ok
}

// Purge removes every expired entry and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*entry).expired(now) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

// Len returns the number of physically stored entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	return Stats{
		Hits:             c.hits,
		Misses:           c.misses,
		HitRate:          float64(c.hits) / float64(max(1, total)),
		TotalEntries:     len(c.items),
		CurrentSizeBytes: c.size,
		MaxSizeBytes:     c.cfg.MaxSizeBytes,
		Utilization:      float64(c.size) / float64(c.cfg.MaxSizeBytes),
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.key)
	c.size -= e.size
}

func (c *Cache) evictOne() bool {
	if c.order.Len() == 0 {
		return false
	}

	var victim *list.Element
	switch c.cfg.Policy {
	case PolicyLFU:
		victim = c.lowest(func(e *entry) float64 { return float64(e.accessCount) })
	case PolicyTTL:
		victim = c.earliestExpiring()
	case PolicyAdaptive:
		now := c.cfg.Now()
		victim = c.lowest(func(e *entry) float64 { return adaptiveScore(e, now) })
	default:
		victim = c.order.Front()
	}

	c.cfg.Logger.Debug("Evicting cache entry",
		zap.String("key", victim.Value.(*entry).key),
		zap.String("policy", string(c.cfg.Policy)))
	c.removeElement(victim)
	return true
}

// lowest returns the first element with the minimum score.
func (c *Cache) lowest(score func(*entry) float64) *list.Element {
	var best *list.Element
	bestScore := math.Inf(1)
	for el := c.order.Front(); el != nil; el = el.Next() {
		if s := score(el.Value.(*entry)); s < bestScore {
			best, bestScore = el, s
		}
	}
	if best == nil {
		return c.order.Front()
	}
	return best
}

func (c *Cache) earliestExpiring() *list.Element {
	var best *list.Element
	var bestAt time.Time
	for el := c.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.ttl <= 0 {
			continue
		}
		at := e.createdAt.Add(e.ttl)
		if best == nil || at.Before(bestAt) {
			best, bestAt = el, at
		}
	}
	if best == nil {
		return c.order.Front()
	}
	return best
}

// adaptiveScore favours recently and frequently used small entries.
func adaptiveScore(e *entry, now time.Time) float64 {
	sinceAccess := max(1, now.Sub(e.lastAccessed).Hours())
	sinceCreate := max(1, now.Sub(e.createdAt).Hours())
	sizeKB := max(1, float64(e.size)/1024)
	return (1 / sinceAccess) * (float64(e.accessCount) / sinceCreate) * (1 / sizeKB)
}

func compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(b []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
