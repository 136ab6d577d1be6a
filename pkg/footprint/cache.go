// Package footprint implements FootprintCache (C2): a grid-keyed,
// TTL-honoured, disk-persisted cache of building-footprint polygons in
// front of the map-footprint service.
package footprint

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"contextengine/pkg/model"
)

// Fetcher is the external map-footprint service collaborator:
// fetch_footprints(lat, lon, radius_m) -> list<Footprint>.
type Fetcher interface {
	FetchFootprints(ctx context.Context, lat, lon, radiusM float64) ([]model.Footprint, error)
}

// BlobStore persists opaque cache entries across restarts. pkg/store's
// SQLiteStore satisfies this with its cache table (transparent gzip).
type BlobStore interface {
	GetCache(ctx context.Context, key string) ([]byte, bool)
	SetCache(ctx context.Context, key string, val []byte) error
}

// Options configures the cache. Zero-value fields fall back to the spec's
// defaults via WithDefaults.
type Options struct {
	TTL              time.Duration // 3600s hit TTL
	NegativeCacheTTL time.Duration // 300s backoff on a failed key
	QueryRadiusM     float64       // 150m query radius
	Retries          int           // 2
	RetryBaseDelay   time.Duration // 1.5s x attempt
	RequestTimeout   time.Duration // 25s
}

// WithDefaults fills unset fields with the engine's numeric defaults.
func (o Options) WithDefaults() Options {
	if o.TTL == 0 {
		o.TTL = time.Hour
	}
	if o.NegativeCacheTTL == 0 {
		o.NegativeCacheTTL = 5 * time.Minute
	}
	if o.QueryRadiusM == 0 {
		o.QueryRadiusM = 150
	}
	if o.Retries == 0 {
		o.Retries = 2
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 1500 * time.Millisecond
	}
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 25 * time.Second
	}
	return o
}

type entry struct {
	footprints  []model.Footprint
	fetchedAt   time.Time
	lastFailure time.Time
	hadFailure  bool
}

type inflight struct {
	done       chan struct{}
	footprints []model.Footprint
	failed     bool
}

// Cache is FootprintCache (C2). Shared among concurrent tier invocations
// but serialised internally via mu.
type Cache struct {
	opts    Options
	fetcher Fetcher
	store   BlobStore

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*inflight
}

// New creates a Cache. store may be nil to disable disk persistence.
func New(fetcher Fetcher, store BlobStore, opts Options) *Cache {
	return &Cache{
		opts:     opts.WithDefaults(),
		fetcher:  fetcher,
		store:    store,
		entries:  make(map[string]*entry),
		inflight: make(map[string]*inflight),
	}
}

// cellKey rounds lat/lon to ~111m cells: (round(lat*1e3), round(lon*1e3)).
func cellKey(lat, lon float64) string {
	return fmt.Sprintf("%d:%d", int(math.Round(lat*1e3)), int(math.Round(lon*1e3)))
}

// Fetch returns the footprints near (lat, lon), honouring TTL, negative
// caching, and in-flight request coalescing. failed is true when the
// upstream is degraded and the result (possibly empty, possibly stale) was
// served from a fallback path rather than a fresh hit.
func (c *Cache) Fetch(ctx context.Context, lat, lon float64) (footprints []model.Footprint, failed bool, err error) {
	key := cellKey(lat, lon)
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.fetchedAt) < c.opts.TTL {
			fp := e.footprints
			c.mu.Unlock()
			return fp, false, nil
		}
		// Stale. If this key failed recently, serve it without retrying.
		if e.hadFailure && now.Sub(e.lastFailure) < c.opts.NegativeCacheTTL {
			fp := e.footprints
			c.mu.Unlock()
			return fp, true, nil
		}
	}

	if inf, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-inf.done
		return inf.footprints, inf.failed, nil
	}

	inf := &inflight{done: make(chan struct{})}
	c.inflight[key] = inf
	c.mu.Unlock()

	footprints, failed = c.fetchAndStore(ctx, key, lat, lon)

	inf.footprints, inf.failed = footprints, failed
	close(inf.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	return footprints, failed, nil
}

func (c *Cache) fetchAndStore(ctx context.Context, key string, lat, lon float64) (footprints []model.Footprint, failed bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	result, err := c.fetchWithRetries(fetchCtx, lat, lon)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		slog.Warn("footprint fetch failed", "key", key, "error", err)
		e, hadCache := c.entries[key]
		if hadCache {
			e.hadFailure = true
			e.lastFailure = now
			return e.footprints, true
		}
		c.entries[key] = &entry{hadFailure: true, lastFailure: now}
		return nil, true
	}

	c.entries[key] = &entry{footprints: result, fetchedAt: now}
	if c.store != nil {
		if data, encErr := encodeFootprints(result); encErr == nil {
			if setErr := c.store.SetCache(ctx, "footprint:"+key, data); setErr != nil {
				slog.Warn("failed to persist footprint cache entry", "key", key, "error", setErr)
			}
		}
	}
	return result, false
}

func (c *Cache) fetchWithRetries(ctx context.Context, lat, lon float64) ([]model.Footprint, error) {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result, err := c.fetcher.FetchFootprints(ctx, lat, lon, c.opts.QueryRadiusM)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt == c.opts.Retries {
			break
		}
		delay := time.Duration(attempt+1) * c.opts.RetryBaseDelay
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// LoadFromDisk restores a cache entry's footprints from the blob store
// without marking the entry fresh, so the next Fetch past TTL still
// revalidates against the upstream. It loads only the cell containing
// (lat, lon); Fetch itself never reads the blob store.
func (c *Cache) LoadFromDisk(ctx context.Context, lat, lon float64) {
	if c.store == nil {
		return
	}
	key := cellKey(lat, lon)
	data, ok := c.store.GetCache(ctx, "footprint:"+key)
	if !ok {
		return
	}
	footprints, err := decodeFootprints(data)
	if err != nil {
		slog.Warn("failed to decode persisted footprint cache entry", "key", key, "error", err)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = &entry{footprints: footprints, fetchedAt: time.Time{}} // fetchedAt zero: always stale, just a fallback value
	}
}

func encodeFootprints(fs []model.Footprint) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(fs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeFootprints(data []byte) ([]model.Footprint, error) {
	var fs []model.Footprint
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&fs); err != nil {
		return nil, err
	}
	return fs, nil
}
