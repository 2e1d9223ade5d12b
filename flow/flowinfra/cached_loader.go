package flowinfra

import (
	"context"
	"time"

	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	c "github.com/patrickmn/go-cache"
)

// CachedLoader memoizes graphs by (flowId, version). Concrete versions are
// immutable and live for ttl; "latest" lookups are re-resolved after latestTTL.
type CachedLoader struct {
	inner     flow.Loader
	cache     *c.Cache
	latestTTL time.Duration
}

var (
	_ flow.Loader      = (*CachedLoader)(nil)
	_ flow.EntryFinder = (*CachedLoader)(nil)
)

const entriesKey = "@entries"

func NewCachedLoader(inner flow.Loader, ttl time.Duration) *CachedLoader {
	if ttl <= 0 {
		ttl = c.NoExpiration
	}
	return &CachedLoader{
		inner:     inner,
		cache:     c.New(ttl, 10*time.Minute),
		latestTTL: 30 * time.Second,
	}
}

func latestKey(id kernel.FlowID) string {
	return id.String() + "@latest"
}

func (l *CachedLoader) Load(ctx context.Context, id kernel.FlowID, version int) (*flow.Graph, error) {
	key := flow.CacheKey(id, version)
	if version <= 0 {
		key = latestKey(id)
	}
	if cached, ok := l.cache.Get(key); ok {
		return cached.(*flow.Graph), nil
	}

	g, err := l.inner.Load(ctx, id, version)
	if err != nil {
		return nil, err
	}

	l.cache.Set(g.Key(), g, c.DefaultExpiration)
	if version <= 0 {
		l.cache.Set(key, g, l.latestTTL)
	}
	return g, nil
}

// FindActiveByEntry returns the entry flows of the inner loader, refreshed
// after latestTTL like "latest" lookups. A loader that cannot list entries
// yields none.
func (l *CachedLoader) FindActiveByEntry(ctx context.Context) ([]*flow.Graph, error) {
	if cached, ok := l.cache.Get(entriesKey); ok {
		return cached.([]*flow.Graph), nil
	}
	finder, ok := l.inner.(flow.EntryFinder)
	if !ok {
		return nil, nil
	}
	graphs, err := finder.FindActiveByEntry(ctx)
	if err != nil {
		return nil, err
	}
	l.cache.Set(entriesKey, graphs, l.latestTTL)
	return graphs, nil
}

// Invalidate drops the cached "latest" pointer for id and the entry list,
// e.g. after a publish.
func (l *CachedLoader) Invalidate(id kernel.FlowID) {
	l.cache.Delete(latestKey(id))
	l.cache.Delete(entriesKey)
}

// Len reports how many entries are cached.
func (l *CachedLoader) Len() int {
	return l.cache.ItemCount()
}
