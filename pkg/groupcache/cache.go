// Package groupcache memoises candidate feature groupings by (metric,
// thresholds) so repeated splits and drags do not hit the grouping service
// again. Entries live until Clear, which callers invoke whenever the universe
// changes.
package groupcache

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sankey_group_cache_lookups_total",
		Help: "Feature group cache lookups by result",
	}, []string{"result"})

	cacheFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sankey_group_cache_fills_total",
		Help: "Feature group cache fills by outcome",
	}, []string{"outcome"})
)

// FetchFunc resolves groups on a cache miss
type FetchFunc func(ctx context.Context) ([]models.FeatureGroup, error)

// Cache is safe for concurrent use.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string][]models.FeatureGroup
	generation uint64
	flight     singleflight.Group
}

// New creates an empty cache
func New() *Cache {
	return &Cache{
		entries: make(map[string][]models.FeatureGroup),
	}
}

// Key builds the lookup key. Threshold order is significant.
func Key(metric string, thresholds []float64) string {
	var b strings.Builder
	b.WriteString(metric)
	b.WriteByte('@')
	for i, t := range thresholds {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	}
	return b.String()
}

// Get returns the cached groups for an exact (metric, thresholds) match
func (c *Cache) Get(metric string, thresholds []float64) ([]models.FeatureGroup, bool) {
	c.mu.RLock()
	groups, ok := c.entries[Key(metric, thresholds)]
	c.mu.RUnlock()

	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}
	cacheLookups.WithLabelValues("hit").Inc()
	return cloneGroups(groups), true
}

// Put inserts or overwrites an entry
func (c *Cache) Put(metric string, thresholds []float64, groups []models.FeatureGroup) {
	stored := cloneGroups(groups)

	c.mu.Lock()
	c.entries[Key(metric, thresholds)] = stored
	c.mu.Unlock()
}

// Clear drops every entry. Fills already in flight will not be stored.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string][]models.FeatureGroup)
	c.generation++
	c.mu.Unlock()
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Generation increments on every Clear
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// GetOrFetch returns the cached entry or runs fetch once per key, sharing the
// result with concurrent callers. Only a complete, successful response is
// stored; an error leaves the cache untouched. The shared fetch does not see
// a caller's cancellation; a cancelled caller stops waiting and the others
// still get the result.
func (c *Cache) GetOrFetch(ctx context.Context, metric string, thresholds []float64, fetch FetchFunc) ([]models.FeatureGroup, error) {
	if groups, ok := c.Get(metric, thresholds); ok {
		return groups, nil
	}

	key := Key(metric, thresholds)
	gen := c.Generation()
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.flight.DoChan(strconv.FormatUint(gen, 10)+"/"+key, func() (interface{}, error) {
		groups, err := fetch(fetchCtx)
		if err != nil {
			cacheFills.WithLabelValues("error").Inc()
			return nil, err
		}

		stored := cloneGroups(groups)
		c.mu.Lock()
		if c.generation == gen {
			c.entries[key] = stored
			cacheFills.WithLabelValues("stored").Inc()
		} else {
			cacheFills.WithLabelValues("stale").Inc()
		}
		c.mu.Unlock()

		return stored, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return cloneGroups(res.Val.([]models.FeatureGroup)), nil
	}
}

func cloneGroups(groups []models.FeatureGroup) []models.FeatureGroup {
	if groups == nil {
		return nil
	}
	out := make([]models.FeatureGroup, len(groups))
	for i, g := range groups {
		ids := make([]int, len(g.FeatureIDs))
		copy(ids, g.FeatureIDs)
		out[i] = models.FeatureGroup{Label: g.Label, FeatureIDs: ids}
	}
	return out
}
