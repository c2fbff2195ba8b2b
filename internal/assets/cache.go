// Package assets caches downloaded 3D model binaries by source URL in the
// durable store, with a bounded in-memory tier in front of it.
//
// Concurrent loads of the same URL share one fetch and one write. Without a
// size limit the cache grows until ClearCache; with one, the least recently
// used models are evicted after each write.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"offcache/internal/kv"
	"offcache/internal/logger"
	"offcache/internal/metrics"
)

type Options struct {
	// Client fetches models. Its transport is usually the offline controller.
	Client *http.Client
	Quota  QuotaProvider

	// MaxSize caps the stored payload bytes. Zero means no cap.
	MaxSize int64
	// MaxQuotaFraction caps stored bytes to this share of the device quota.
	MaxQuotaFraction float64
	// MemoryMax bounds the in-memory tier. Zero disables it.
	MemoryMax int64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Cache struct {
	store   *kv.Store
	client  *http.Client
	quota   QuotaProvider
	maxSize int64
	maxFrac float64
	mem     *memCache

	flight singleflight.Group

	// wmu serializes writes to the asset partitions so that ClearCache,
	// eviction and access-time updates never interleave.
	wmu sync.Mutex
	// gen changes under wmu whenever rows are removed. A store read only
	// fills the memory tier if gen is unchanged since before the read.
	gen atomic.Uint64

	// afterStoreRead runs between a hit's store read and the memory fill.
	afterStoreRead func(url string)

	stateMu sync.Mutex
	seq     uint64
	state   LoadState

	log      *zap.Logger
	evictLog *logger.RateLimited
	metrics  *metrics.Metrics
	now      func() time.Time

	wg      sync.WaitGroup
	bgMu    sync.Mutex
	closing bool
}

func New(store *kv.Store, opts Options) *Cache {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "assets"))
	return &Cache{
		store:    store,
		client:   client,
		quota:    opts.Quota,
		maxSize:  opts.MaxSize,
		maxFrac:  opts.MaxQuotaFraction,
		mem:      newMemCache(opts.MemoryMax),
		log:      log,
		evictLog: logger.NewRateLimited(log, time.Minute),
		metrics:  opts.Metrics,
		now:      time.Now,
	}
}

// Close waits for outstanding prefetches. Later prefetches are dropped.
func (c *Cache) Close() {
	c.bgMu.Lock()
	c.closing = true
	c.bgMu.Unlock()
	c.wg.Wait()
}

// GetModel returns the payload for url, fetching and storing it on a miss.
// The row is written before GetModel returns, so an immediate second call is
// a hit. onProgress may be nil. The returned slice is shared with the cache
// and must not be modified.
func (c *Cache) GetModel(ctx context.Context, url, assetType string, onProgress func(int)) ([]byte, error) {
	return c.get(ctx, url, assetType, onProgress, true)
}

// PrefetchModel warms the cache in the background. Failures are logged and
// dropped; they never reach State().Err.
func (c *Cache) PrefetchModel(url, assetType string) {
	if url == "" {
		c.log.Debug("prefetch skipped", zap.Error(ErrEmptyURL))
		return
	}
	c.bgMu.Lock()
	if c.closing {
		c.bgMu.Unlock()
		c.log.Debug("prefetch skipped, cache closed", zap.String("url", url))
		return
	}
	c.wg.Add(1)
	c.bgMu.Unlock()
	go func() {
		defer c.wg.Done()
		if _, err := c.get(context.Background(), url, assetType, nil, false); err != nil {
			c.log.Debug("prefetch failed", zap.String("url", url), zap.Error(err))
		}
	}()
}

func (c *Cache) get(ctx context.Context, url, assetType string, onProgress func(int), trackErr bool) ([]byte, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	seq := c.begin(trackErr)
	report := func(pct int) {
		c.setProgress(seq, pct)
		if onProgress != nil {
			onProgress(pct)
		}
	}

	if payload, ok := c.cached(url); ok {
		c.metrics.AssetRequest("hit")
		c.finish(seq, nil, trackErr)
		report(100)
		return payload, nil
	}

	c.setLoading(seq)
	leader := false
	ch := c.flight.DoChan(url, func() (any, error) {
		leader = true
		// The shared fetch outlives any single waiter.
		return c.load(context.WithoutCancel(ctx), url, assetType, report)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.metrics.AssetRequest("error")
			c.finish(seq, res.Err, trackErr)
			return nil, res.Err
		}
		payload := res.Val.([]byte)
		if leader {
			c.metrics.AssetRequest("miss")
		} else {
			c.metrics.AssetRequest("hit")
			report(100)
		}
		c.finish(seq, nil, trackErr)
		return payload, nil
	case <-ctx.Done():
		c.finish(seq, ctx.Err(), trackErr)
		return nil, ctx.Err()
	}
}

// load is the single-flight body: fetch, store, report completion.
func (c *Cache) load(ctx context.Context, url, assetType string, report func(int)) ([]byte, error) {
	// a flight that finished just before this one started may have stored it
	if payload, ok := c.cached(url); ok {
		report(100)
		return payload, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	report(0)
	payload, err := io.ReadAll(&progressReader{r: resp.Body, total: resp.ContentLength, fn: report})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if err := c.put(ctx, url, assetType, payload); err != nil {
		return nil, err
	}
	report(100)
	return payload, nil
}

// cached looks in memory, then in the store, and records the access.
func (c *Cache) cached(url string) ([]byte, bool) {
	if payload, ok := c.mem.Get(url); ok {
		c.touch(url)
		return payload, true
	}
	gen := c.gen.Load()
	b, err := c.store.Get(partAssets, url)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.log.Warn("asset read failed", zap.String("url", url), zap.Error(err))
		}
		return nil, false
	}
	var row assetRow
	if err := kv.DecodeGob(b, &row); err != nil {
		c.log.Warn("asset row corrupt", zap.String("url", url), zap.Error(err))
		return nil, false
	}
	if c.afterStoreRead != nil {
		c.afterStoreRead(url)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	// a clear or eviction since the read must not resurrect the row in memory
	if c.gen.Load() == gen {
		c.mem.Put(url, row.Payload)
		c.touchLocked(url)
	}
	return row.Payload, true
}

func (c *Cache) put(ctx context.Context, url, assetType string, payload []byte) error {
	now := c.now().UnixNano()
	rowB, err := kv.EncodeGob(assetRow{URL: url, AssetType: assetType, Payload: payload, StoredAt: now})
	if err != nil {
		return fmt.Errorf("encode %s: %w", url, err)
	}
	metaB, err := kv.EncodeGob(assetMeta{AssetType: assetType, SizeBytes: int64(len(payload)), StoredAt: now, LastAccess: now})
	if err != nil {
		return fmt.Errorf("encode %s: %w", url, err)
	}
	var batch kv.Batch
	batch.Put(partAssets, url, rowB)
	batch.Put(partMeta, url, metaB)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.store.Write(&batch); err != nil {
		return fmt.Errorf("store %s: %w", url, err)
	}
	c.mem.Put(url, payload)
	c.enforceLimitLocked(ctx, url)
	return nil
}

// touch refreshes LastAccess for url if its row still exists.
func (c *Cache) touch(url string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.touchLocked(url)
}

func (c *Cache) touchLocked(url string) {
	b, err := c.store.Get(partMeta, url)
	if err != nil {
		return
	}
	var meta assetMeta
	if err := kv.DecodeGob(b, &meta); err != nil {
		return
	}
	meta.LastAccess = c.now().UnixNano()
	mb, err := kv.EncodeGob(meta)
	if err != nil {
		return
	}
	if err := c.store.Put(partMeta, url, mb); err != nil {
		c.log.Debug("touch failed", zap.String("url", url), zap.Error(err))
	}
}

// limit returns the effective byte cap, or 0 when unbounded.
func (c *Cache) limit(ctx context.Context) int64 {
	limit := c.maxSize
	if c.maxFrac > 0 {
		if q := c.deviceQuota(ctx); q > 0 {
			fl := int64(float64(q) * c.maxFrac)
			if limit == 0 || fl < limit {
				limit = fl
			}
		}
	}
	return limit
}

type metaItem struct {
	url  string
	meta assetMeta
}

func (c *Cache) metas() ([]metaItem, int64, error) {
	var (
		items []metaItem
		total int64
	)
	err := c.store.Iterate(partMeta, func(k string, v []byte) error {
		var m assetMeta
		if err := kv.DecodeGob(v, &m); err != nil {
			return nil
		}
		items = append(items, metaItem{url: k, meta: m})
		total += m.SizeBytes
		return nil
	})
	return items, total, err
}

// enforceLimitLocked evicts least recently used rows until the total fits.
// keep is never evicted. Callers hold wmu.
func (c *Cache) enforceLimitLocked(ctx context.Context, keep string) {
	limit := c.limit(ctx)
	if limit <= 0 {
		return
	}
	items, total, err := c.metas()
	if err != nil {
		c.log.Warn("eviction scan failed", zap.Error(err))
		return
	}
	if total <= limit {
		c.metrics.SetAssetBytes(total)
		return
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].meta.LastAccess < items[j].meta.LastAccess
	})

	var batch kv.Batch
	var evicted []string
	for _, it := range items {
		if total <= limit {
			break
		}
		if it.url == keep {
			continue
		}
		batch.Delete(partAssets, it.url)
		batch.Delete(partMeta, it.url)
		evicted = append(evicted, it.url)
		total -= it.meta.SizeBytes
	}
	if len(evicted) > 0 {
		if err := c.store.Write(&batch); err != nil {
			c.log.Warn("eviction failed", zap.Error(err))
			return
		}
		c.gen.Add(1)
		for _, u := range evicted {
			c.mem.Delete(u)
		}
		c.metrics.AssetEvicted(len(evicted))
		c.log.Info("evicted assets", zap.Int("count", len(evicted)), zap.Int64("total", total), zap.Int64("limit", limit))
	}
	if total > limit {
		c.evictLog.Warn("asset larger than cache limit", zap.String("url", keep), zap.Int64("limit", limit))
	}
	c.metrics.SetAssetBytes(total)
}

// ClearCache drops every stored model. Loads in flight finish normally and
// write into the emptied partitions.
func (c *Cache) ClearCache(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	// bumped after the drops, even partial ones, and before the unlock
	defer c.gen.Add(1)
	if err := c.store.Drop(partAssets); err != nil {
		return fmt.Errorf("clear assets: %w", err)
	}
	if err := c.store.Drop(partMeta); err != nil {
		return fmt.Errorf("clear assets: %w", err)
	}
	c.mem.Clear()
	c.metrics.SetAssetBytes(0)
	c.log.Info("asset cache cleared")
	return nil
}

// Stats enumerates the stored rows and queries the quota. An unavailable
// quota reports zero quota and zero percent.
func (c *Cache) Stats(ctx context.Context) (UsageSummary, error) {
	items, total, err := c.metas()
	if err != nil {
		return UsageSummary{}, fmt.Errorf("scan assets: %w", err)
	}
	s := UsageSummary{ModelCount: len(items), TotalSize: total}
	if q := c.deviceQuota(ctx); q > 0 {
		s.DeviceQuota = q
		s.PercentUsed = float64(total) / float64(q) * 100
		if s.PercentUsed > 100 {
			s.PercentUsed = 100
		}
	}
	c.metrics.SetAssetBytes(total)
	return s, nil
}

func (c *Cache) deviceQuota(ctx context.Context) (q int64) {
	if c.quota == nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug("quota provider panicked", zap.Any("panic", r))
			q = 0
		}
	}()
	q, err := c.quota.Quota(ctx)
	if err != nil {
		c.log.Debug("quota unavailable", zap.Error(err))
		return 0
	}
	if q < 0 {
		return 0
	}
	return q
}

// Lookup reads the stored row for url without touching access times.
func (c *Cache) Lookup(url string) (CachedAsset, bool) {
	b, err := c.store.Get(partAssets, url)
	if err != nil {
		return CachedAsset{}, false
	}
	var row assetRow
	if err := kv.DecodeGob(b, &row); err != nil {
		return CachedAsset{}, false
	}
	a := CachedAsset{
		URL:       row.URL,
		AssetType: row.AssetType,
		Payload:   row.Payload,
		SizeBytes: int64(len(row.Payload)),
		StoredAt:  time.Unix(0, row.StoredAt),
	}
	if mb, err := c.store.Get(partMeta, url); err == nil {
		var meta assetMeta
		if kv.DecodeGob(mb, &meta) == nil {
			a.LastAccess = time.Unix(0, meta.LastAccess)
		}
	}
	return a, true
}

// State reports the most recent load.
func (c *Cache) State() LoadState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Cache) begin(trackErr bool) uint64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.seq++
	c.state.Loading = false
	c.state.Progress = 0
	if trackErr {
		c.state.Err = nil
	}
	return c.seq
}

func (c *Cache) setLoading(seq uint64) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if seq == c.seq {
		c.state.Loading = true
	}
}

func (c *Cache) setProgress(seq uint64, pct int) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if seq == c.seq && pct > c.state.Progress {
		c.state.Progress = pct
	}
}

func (c *Cache) finish(seq uint64, err error, trackErr bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if seq != c.seq {
		return
	}
	c.state.Loading = false
	if err == nil {
		c.state.Progress = 100
	} else if trackErr {
		c.state.Err = err
	}
}
