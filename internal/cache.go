package internal

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tier names as they appear in metrics and X-Cache-Status reasoning.
const (
	TierEdge = "edge"
	TierWarm = "warm"
	TierCold = "cold"
)

// tier is one layer of the hierarchical cache. A failing tier must never
// fail the operation; the composition logs and moves on.
type tier interface {
	name() string
	get(ctx context.Context, key string) (value []byte, ttl time.Duration, ok bool)
	set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	delete(ctx context.Context, key string) error
}

// CacheResult is a lookup outcome, including which tier served it.
type CacheResult struct {
	Value []byte
	TTL   time.Duration
	Tier  string
}

// LayeredCache composes the edge, warm, and cold tiers behind one
// read-through/write-through policy. Keys come exclusively from the key
// factory (keys.go); the layers never compose their own.
type LayeredCache struct {
	tiers []tier
	sink  *AnalyticsSink
}

// NewLayeredCache composes the given tiers in consultation order. Nil
// tiers are skipped, so a deployment without a bucket simply runs
// two-tiered.
func NewLayeredCache(sink *AnalyticsSink, tiers ...tier) *LayeredCache {
	c := &LayeredCache{sink: sink}
	for _, t := range tiers {
		if t != nil {
			c.tiers = append(c.tiers, t)
		}
	}
	return c
}

// Lookup consults tiers in order. A hit in a lower tier rehydrates the
// tiers above it with the endpoint's TTL — lazily, one key at a time;
// bulk rehydration bursts are exactly how the cold tier fell over in a
// previous life.
func (c *LayeredCache) Lookup(ctx context.Context, key string) (CacheResult, bool) {
	start := time.Now()
	endpoint := endpointOf(key)

	for i, t := range c.tiers {
		value, ttl, ok := t.get(ctx, key)
		if !ok {
			continue
		}

		if i > 0 {
			refill := EndpointTTL(endpoint)
			for _, upper := range c.tiers[:i] {
				if err := upper.set(ctx, key, value, refill); err != nil {
					Log(ctx).Warn("problem rehydrating tier", "tier", upper.name(), "key", key, "err", err)
				}
			}
			if ttl <= 0 {
				ttl = refill
			}
		}

		c.record(Event{Endpoint: endpoint, Tier: t.name(), Kind: EventHit, LatencyMS: time.Since(start).Milliseconds()})
		return CacheResult{Value: value, TTL: ttl, Tier: t.name()}, true
	}

	c.record(Event{Endpoint: endpoint, Kind: EventMiss, LatencyMS: time.Since(start).Milliseconds()})
	return CacheResult{}, false
}

// Set writes through to every tier in parallel. Tier failures are logged
// and never surfaced; the next read falls through to a tier that took
// the write, or to the source of truth.
func (c *LayeredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	start := time.Now()

	wg := sync.WaitGroup{}
	for _, t := range c.tiers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := t.set(ctx, key, value, ttl); err != nil {
				Log(ctx).Warn("problem writing tier", "tier", t.name(), "key", key, "err", err)
			}
		}()
	}
	wg.Wait()

	c.record(Event{Endpoint: endpointOf(key), Kind: EventSet, LatencyMS: time.Since(start).Milliseconds()})
}

// Delete removes the key from every tier.
func (c *LayeredCache) Delete(ctx context.Context, key string) error {
	var errs error
	for _, t := range c.tiers {
		if err := t.delete(ctx, key); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// Get returns the cached value if any tier holds it.
func (c *LayeredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	r, ok := c.Lookup(ctx, key)
	return r.Value, ok
}

func (c *LayeredCache) record(e Event) {
	if c.sink != nil {
		c.sink.Record(e)
	}
}

// fuzz scales the given duration into the range (d, d*f) so entries
// written together don't expire together.
func fuzz(d time.Duration, f float64) time.Duration {
	if f < 1.0 {
		f += 1.0
	}
	factor := 1.0 + rand.Float64()*(f-1.0)
	return time.Duration(float64(d) * factor)
}

// --- edge tier -------------------------------------------------------------

// edgeTier is the in-process hot tier, backed by ristretto. TTLs are
// capped so the edge converges quickly after upstream data changes.
type edgeTier struct {
	cache  *gocache.Cache[[]byte]
	maxTTL time.Duration
}

var _ tier = (*edgeTier)(nil)

// NewEdgeTier builds the hot tier. maxTTL bounds how stale the edge may
// serve regardless of the endpoint TTL.
func NewEdgeTier(maxTTL time.Duration) (*edgeTier, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     256 << 20, // 256MiB of cached payloads.
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	s := ristretto_store.NewRistretto(rc)
	return &edgeTier{
		cache:  gocache.New[[]byte](s),
		maxTTL: maxTTL,
	}, nil
}

func (t *edgeTier) name() string { return TierEdge }

func (t *edgeTier) get(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	value, ttl, err := t.cache.GetWithTTL(ctx, key)
	if err != nil {
		return nil, 0, false
	}
	return value, ttl, true
}

func (t *edgeTier) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if t.maxTTL > 0 && ttl > t.maxTTL {
		ttl = t.maxTTL
	}
	return t.cache.Set(ctx, key, value, store.WithExpiration(ttl), store.WithCost(int64(len(value))))
}

func (t *edgeTier) delete(ctx context.Context, key string) error {
	return t.cache.Delete(ctx, key)
}

// --- warm tier -------------------------------------------------------------

// pgTier is the shared key-value warm tier.
type pgTier struct {
	db *pgxpool.Pool
}

var _ tier = (*pgTier)(nil)

// NewWarmTier builds the warm tier over an existing pool.
func NewWarmTier(db *pgxpool.Pool) *pgTier {
	return &pgTier{db: db}
}

func (t *pgTier) name() string { return TierWarm }

func (t *pgTier) get(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	var value []byte
	var expires time.Time
	err := t.db.QueryRow(ctx,
		`SELECT value, expires FROM cache WHERE key = $1 AND expires > now()`, key,
	).Scan(&value, &expires)
	if err != nil {
		return nil, 0, false
	}
	return value, time.Until(expires), true
}

func (t *pgTier) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := t.db.Exec(ctx, `
		INSERT INTO cache (key, value, expires) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, expires = $3`,
		key, value, time.Now().Add(ttl),
	)
	return err
}

func (t *pgTier) delete(ctx context.Context, key string) error {
	_, err := t.db.Exec(ctx, `DELETE FROM cache WHERE key = $1`, key)
	return err
}

// --- cold tier -------------------------------------------------------------

// coldTier stores payloads in an object store, addressed by a cold-index
// entry kept in the index tier (normally warm). A read is index lookup
// plus one object fetch; rehydration into the upper tiers is the
// composition's job.
type coldTier struct {
	objects ObjectStore
	index   tier
}

var _ tier = (*coldTier)(nil)

// NewColdTier builds the cold tier. index is where cold-index pointers
// live; it is usually the warm tier.
func NewColdTier(objects ObjectStore, index tier) *coldTier {
	return &coldTier{objects: objects, index: index}
}

func (t *coldTier) name() string { return TierCold }

func (t *coldTier) get(ctx context.Context, key string) ([]byte, time.Duration, bool) {
	name, _, ok := t.index.get(ctx, coldIndexKey(key))
	if !ok {
		return nil, 0, false
	}
	value, err := t.objects.Get(ctx, string(name))
	if err != nil {
		if !errors.Is(err, errObjectNotFound) {
			Log(ctx).Warn("problem reading cold object", "key", key, "err", err)
		}
		return nil, 0, false
	}
	return value, 0, true
}

func (t *coldTier) set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	name := objectName(key)
	if err := t.objects.Put(ctx, name, value); err != nil {
		return err
	}
	return t.index.set(ctx, coldIndexKey(key), []byte(name), _coldIndexTTL)
}

func (t *coldTier) delete(ctx context.Context, key string) error {
	name, _, ok := t.index.get(ctx, coldIndexKey(key))
	if ok {
		_ = t.objects.Delete(ctx, string(name))
	}
	return t.index.delete(ctx, coldIndexKey(key))
}

// objectName derives a stable, URL-safe object name from a cache key.
func objectName(key string) string {
	sum := sha1.Sum([]byte(key))
	return "cache/" + hex.EncodeToString(sum[:])
}

// --- memory tier -----------------------------------------------------------

// memTier is a map-backed tier used in tests and as the warm/index tier
// when no database is configured.
type memTier struct {
	mu      sync.Mutex
	entries map[string]memEntry
	label   string
}

type memEntry struct {
	value   []byte
	expires time.Time
}

var _ tier = (*memTier)(nil)

func newMemTier(label string) *memTier {
	return &memTier{entries: map[string]memEntry{}, label: label}
}

func (t *memTier) name() string { return t.label }

func (t *memTier) get(_ context.Context, key string) ([]byte, time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(t.entries, key)
		return nil, 0, false
	}
	return e.value, time.Until(e.expires), true
}

func (t *memTier) set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl)}
	return nil
}

func (t *memTier) delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
	return nil
}
