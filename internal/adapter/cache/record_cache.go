package cache

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coocood/freecache"
	"github.com/vmihailenco/msgpack/v5"
	"reviewsearch/internal/domain"
	"reviewsearch/internal/port"
)

// RecordCache is a read-through cache in front of a RecordStore. Records
// are kept msgpack encoded in a freecache arena, so a large cache does not
// add GC pressure. Writes and deletes go to the store first and then
// invalidate.
type RecordCache struct {
	port.RecordStore
	cache *freecache.Cache
	ttl   int

	// gen is bumped by every write. A loader only populates the cache when
	// no write happened while it was reading, so a slow read never
	// resurrects an overwritten record. mu makes the check and the set
	// atomic with respect to invalidate.
	mu  sync.Mutex
	gen atomic.Uint64
}

var _ port.RecordStore = (*RecordCache)(nil)

// NewRecordCache wraps store with a cache of sizeMB megabytes. ttl <= 0
// keeps entries until evicted.
func NewRecordCache(store port.RecordStore, sizeMB int, ttl time.Duration) *RecordCache {
	if sizeMB <= 0 {
		sizeMB = 32
	}
	return &RecordCache{
		RecordStore: store,
		cache:       freecache.NewCache(sizeMB * 1024 * 1024),
		ttl:         int(ttl / time.Second),
	}
}

func (c *RecordCache) Get(ctx context.Context, id domain.ReviewID) (domain.ReviewRecord, error) {
	if rec, ok := c.lookup(id); ok {
		return rec, nil
	}
	gen := c.gen.Load()
	rec, err := c.RecordStore.Get(ctx, id)
	if err != nil {
		return domain.ReviewRecord{}, err
	}
	c.fill(gen, rec)
	return rec, nil
}

func (c *RecordCache) GetMany(ctx context.Context, ids []domain.ReviewID) ([]domain.ReviewRecord, error) {
	found := make(map[domain.ReviewID]domain.ReviewRecord, len(ids))
	var missing []domain.ReviewID
	for _, id := range ids {
		if rec, ok := c.lookup(id); ok {
			found[id] = rec
		} else {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		gen := c.gen.Load()
		loaded, err := c.RecordStore.GetMany(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, rec := range loaded {
			found[rec.ID] = rec
			c.fill(gen, rec)
		}
	}

	out := make([]domain.ReviewRecord, 0, len(found))
	for _, id := range ids {
		if rec, ok := found[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *RecordCache) Put(ctx context.Context, rec domain.ReviewRecord) error {
	err := c.RecordStore.Put(ctx, rec)
	c.invalidate(rec.ID)
	return err
}

func (c *RecordCache) PutBatch(ctx context.Context, recs []domain.ReviewRecord) error {
	err := c.RecordStore.PutBatch(ctx, recs)
	for _, rec := range recs {
		c.invalidate(rec.ID)
	}
	return err
}

func (c *RecordCache) Delete(ctx context.Context, id domain.ReviewID) error {
	err := c.RecordStore.Delete(ctx, id)
	c.invalidate(id)
	return err
}

// HitRate reports the cache hit ratio since creation.
func (c *RecordCache) HitRate() float64 {
	return c.cache.HitRate()
}

func (c *RecordCache) EntryCount() int64 {
	return c.cache.EntryCount()
}

func (c *RecordCache) lookup(id domain.ReviewID) (domain.ReviewRecord, bool) {
	data, err := c.cache.Get(cacheKey(id))
	if err != nil {
		return domain.ReviewRecord{}, false
	}
	var rec domain.ReviewRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		c.cache.Del(cacheKey(id))
		return domain.ReviewRecord{}, false
	}
	return rec, true
}

func (c *RecordCache) fill(gen uint64, rec domain.ReviewRecord) {
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen.Load() != gen {
		return
	}
	// Entries larger than the arena segment are rejected; that only costs
	// a store read.
	_ = c.cache.Set(cacheKey(rec.ID), data, c.ttl)
}

func (c *RecordCache) invalidate(id domain.ReviewID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	c.cache.Del(cacheKey(id))
}

func cacheKey(id domain.ReviewID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}
