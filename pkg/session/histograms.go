package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gilchrisn/feature-sankey-service/pkg/models"
	"github.com/gilchrisn/feature-sankey-service/pkg/partition"
	"github.com/gilchrisn/feature-sankey-service/pkg/percentile"
)

// prefetchLimit bounds concurrent histogram requests
const prefetchLimit = 4

type histogramEntry struct {
	generation uint64
	histogram  models.Histogram
}

// histogramCache holds per-node histograms, keyed by node then metric
type histogramCache struct {
	entries map[string]map[string]histogramEntry
	mutex   sync.RWMutex
}

func newHistogramCache() *histogramCache {
	return &histogramCache{entries: make(map[string]map[string]histogramEntry)}
}

func (c *histogramCache) get(generation uint64, nodeID, metric string) (models.Histogram, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	e, ok := c.entries[nodeID][metric]
	if !ok || e.generation != generation {
		return models.Histogram{}, false
	}
	return e.histogram, true
}

func (c *histogramCache) put(generation uint64, nodeID, metric string, h models.Histogram) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	byMetric, ok := c.entries[nodeID]
	if !ok {
		byMetric = make(map[string]histogramEntry)
		c.entries[nodeID] = byMetric
	}
	byMetric[metric] = histogramEntry{generation: generation, histogram: h}
}

func (c *histogramCache) invalidate(nodeIDs []string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, id := range nodeIDs {
		delete(c.entries, id)
	}
}

func (c *histogramCache) clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = make(map[string]map[string]histogramEntry)
}

// scoreCache holds universe-wide scores per metric
type scoreCache struct {
	generation uint64
	scores     map[string]map[int]float64
	mutex      sync.Mutex
}

func newScoreCache() *scoreCache {
	return &scoreCache{scores: make(map[string]map[int]float64)}
}

func (c *scoreCache) get(generation uint64, metric string) (map[int]float64, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.generation != generation {
		return nil, false
	}
	s, ok := c.scores[metric]
	return s, ok
}

func (c *scoreCache) put(generation uint64, metric string, scores map[int]float64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if generation < c.generation {
		return
	}
	if generation > c.generation {
		c.generation = generation
		c.scores = make(map[string]map[int]float64)
	}
	c.scores[metric] = scores
}

func (c *scoreCache) clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.scores = make(map[string]map[int]float64)
}

// Histogram returns the distribution of metric over the node's features
func (s *Session) Histogram(ctx context.Context, nodeID, metric string) (models.Histogram, error) {
	snap, err := s.loadedSnapshot()
	if err != nil {
		return models.Histogram{}, err
	}
	return s.histogram(ctx, snap, nodeID, metric)
}

func (s *Session) histogram(ctx context.Context, snap snapshot, nodeID, metric string) (models.Histogram, error) {
	if h, ok := s.histograms.get(snap.generation, nodeID, metric); ok {
		return h, nil
	}

	node, ok := snap.tree.Node(nodeID)
	if !ok {
		return models.Histogram{}, fmt.Errorf("%w: %s", partition.ErrNodeNotFound, nodeID)
	}

	var ids []int
	if node.ParentID != "" {
		ids = node.FeatureIDs
	}
	h, err := s.provider.RequestHistogram(ctx, snap.filters, metric, ids)
	if err != nil {
		s.logger.Error().Err(err).
			Str("node_id", nodeID).
			Str("metric", metric).
			Msg("Failed to fetch histogram")
		return models.Histogram{}, fmt.Errorf("fetch histogram: %w", err)
	}

	if node.ParentID == "" && h.Scores != nil {
		s.scores.put(snap.generation, metric, h.Scores)
	}
	h.Scores = nil
	s.histograms.put(snap.generation, nodeID, metric, h)
	return h, nil
}

// universeScores returns every in-scope feature's score for metric
func (s *Session) universeScores(ctx context.Context, snap snapshot, metric string) (map[int]float64, error) {
	if scores, ok := s.scores.get(snap.generation, metric); ok {
		return scores, nil
	}
	h, err := s.provider.RequestHistogram(ctx, snap.filters, metric, nil)
	if err != nil {
		return nil, err
	}
	scores := h.Scores
	if scores == nil {
		scores = map[int]float64{}
	}
	s.scores.put(snap.generation, metric, scores)

	h.Scores = nil
	s.histograms.put(snap.generation, partition.RootID, metric, h)
	return scores, nil
}

// PrefetchHistograms loads histograms for several nodes concurrently. The
// returned map holds the error of every node that failed.
func (s *Session) PrefetchHistograms(ctx context.Context, metric string, nodeIDs []string) (map[string]error, error) {
	snap, err := s.loadedSnapshot()
	if err != nil {
		return nil, err
	}

	var (
		failed = make(map[string]error)
		mu     sync.Mutex
		g      errgroup.Group
	)
	g.SetLimit(prefetchLimit)
	for _, id := range nodeIDs {
		g.Go(func() error {
			if _, err := s.histogram(ctx, snap, id, metric); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed, ctx.Err()
}

// HandleSet is what a threshold editor needs to show a node's handles
type HandleSet struct {
	NodeID      string    `json:"nodeId"`
	Metric      string    `json:"metric"`
	Thresholds  []float64 `json:"thresholds"`
	Percentiles []float64 `json:"percentiles"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
}

// Handles returns the current handle positions of a range split, or of a
// leaf with recorded defaults.
func (s *Session) Handles(ctx context.Context, nodeID string) (HandleSet, error) {
	snap, err := s.loadedSnapshot()
	if err != nil {
		return HandleSet{}, err
	}
	node, ok := snap.tree.Node(nodeID)
	if !ok {
		return HandleSet{}, fmt.Errorf("%w: %s", partition.ErrNodeNotFound, nodeID)
	}

	var metric string
	var thresholds, stored []float64
	switch {
	case node.Mode == models.SplitPattern:
		return HandleSet{}, fmt.Errorf("%w: %s", partition.ErrPatternSplit, nodeID)
	case !node.IsLeaf():
		metric, thresholds, stored = node.Metric, node.Thresholds, node.Percentiles
	case node.Defaults != nil && node.Defaults.Metric != "":
		metric, thresholds, stored = node.Defaults.Metric, node.Defaults.Thresholds, node.Defaults.Percentiles
	default:
		return HandleSet{}, fmt.Errorf("%w: %s", partition.ErrNotSplit, nodeID)
	}

	h, err := s.histogram(ctx, snap, nodeID, metric)
	if err != nil {
		return HandleSet{}, err
	}
	conv := percentile.FromHistogram(h)
	lo, hi := conv.Domain()
	return HandleSet{
		NodeID:      nodeID,
		Metric:      metric,
		Thresholds:  append([]float64(nil), thresholds...),
		Percentiles: percentile.InitialPercentiles(conv, stored, thresholds),
		Min:         lo,
		Max:         hi,
	}, nil
}

// PreviewCounts reports how many of the node's features each bucket would
// hold if ts were committed. The last element counts features with no score.
func (s *Session) PreviewCounts(ctx context.Context, nodeID, metric string, ts []percentile.Threshold) ([]int, error) {
	snap, err := s.loadedSnapshot()
	if err != nil {
		return nil, err
	}
	node, ok := snap.tree.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", partition.ErrNodeNotFound, nodeID)
	}
	m := stageMetric(node, metric)
	if m == "" {
		return nil, fmt.Errorf("%w: metric is required", partition.ErrInvalidStage)
	}

	values, _, err := s.resolve(ctx, snap, nodeID, m, ts)
	if err != nil {
		return nil, err
	}
	scores, err := s.universeScores(ctx, snap, m)
	if err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}
	return snap.tree.Preview(nodeID, partition.ScoreBuckets(scores, values))
}
