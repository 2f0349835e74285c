package memory

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// CachedStore wraps a Store and caches each session's fact list, which
// is read on every model call. Writes go straight through; any write
// that touches facts invalidates the cached entry.
type CachedStore struct {
	Store

	cache *ristretto.Cache

	// gen guards against a slow reader repopulating an entry that was
	// invalidated after its read began.
	mu  sync.Mutex
	gen map[Key]uint64
}

// NewCachedStore returns a fact cache in front of inner holding at most
// maxFacts facts across all sessions.
func NewCachedStore(inner Store, maxFacts int64) (*CachedStore, error) {
	if maxFacts <= 0 {
		maxFacts = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxFacts * 10,
		MaxCost:     maxFacts,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create fact cache: %w", err)
	}
	return &CachedStore{Store: inner, cache: cache, gen: make(map[Key]uint64)}, nil
}

// cacheKey encodes both parts of key unambiguously. Key.String joins
// them with a slash, which either part may contain.
func cacheKey(key Key) string {
	return strconv.Quote(key.UserID) + strconv.Quote(key.SessionID)
}

func (c *CachedStore) generation(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[key]
}

func (c *CachedStore) invalidate(key Key) {
	c.mu.Lock()
	c.gen[key]++
	c.mu.Unlock()
	c.cache.Del(cacheKey(key))
}

// Facts serves from the cache when possible.
func (c *CachedStore) Facts(ctx context.Context, key Key) ([]MemoryFact, error) {
	if v, ok := c.cache.Get(cacheKey(key)); ok {
		return slices.Clone(v.([]MemoryFact)), nil
	}

	gen := c.generation(key)
	facts, err := c.Store.Facts(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen[key] == gen {
		c.cache.Set(cacheKey(key), slices.Clone(facts), max(int64(len(facts)), 1))
	}
	c.mu.Unlock()
	return facts, nil
}

// AppendFacts writes through and drops the cached list.
func (c *CachedStore) AppendFacts(ctx context.Context, key Key, source Source, texts []string) ([]MemoryFact, error) {
	added, err := c.Store.AppendFacts(ctx, key, source, texts)
	c.invalidate(key)
	return added, err
}

// DeleteSession writes through and drops the cached list.
func (c *CachedStore) DeleteSession(ctx context.Context, key Key) error {
	err := c.Store.DeleteSession(ctx, key)
	c.invalidate(key)
	return err
}

// Stats reports the wrapped store's counts, or nil if it keeps none.
func (c *CachedStore) Stats(ctx context.Context) (map[string]int, error) {
	if sr, ok := c.Store.(StatsReporter); ok {
		return sr.Stats(ctx)
	}
	return nil, nil
}

// Wait blocks until pending cache writes are applied.
func (c *CachedStore) Wait() {
	c.cache.Wait()
}

// Close closes the cache and the wrapped store.
func (c *CachedStore) Close() error {
	c.cache.Close()
	return c.Store.Close()
}
