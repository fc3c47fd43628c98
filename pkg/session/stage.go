package session

import (
	"context"
	"fmt"

	"github.com/gilchrisn/feature-sankey-service/pkg/models"
	"github.com/gilchrisn/feature-sankey-service/pkg/partition"
	"github.com/gilchrisn/feature-sankey-service/pkg/percentile"
)

// ApplyFilters fetches the universe for filters and re-roots the tree on it.
// Every cache is cleared because cached groups reference the old universe.
func (s *Session) ApplyFilters(ctx context.Context, filters models.Filters) error {
	universe, err := s.provider.Universe(ctx, filters)
	if err != nil {
		s.logger.Error().Err(err).Str("filters", filters.Key()).Msg("Failed to load universe")
		return fmt.Errorf("load universe: %w", err)
	}

	err = s.submit(ctx, "apply_filters", func(st *state) error {
		st.tree.Reset(universe)
		st.universe = universe
		st.filters = filters
		st.generation++
		st.loaded = true

		s.groups.Clear()
		s.histograms.clear()
		s.scores.clear()
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("filters", filters.Key()).
		Int("feature_count", len(universe)).
		Msg("Universe loaded")
	return nil
}

// Reset discards every stage. The universe and the group cache survive.
func (s *Session) Reset(ctx context.Context) error {
	if _, err := s.loadedSnapshot(); err != nil {
		return err
	}
	err := s.submit(ctx, "reset", func(st *state) error {
		st.tree.Reset(st.universe)
		st.generation++
		s.histograms.clear()
		return nil
	})
	if err == nil {
		s.logger.Info().Msg("Tree reset to root")
	}
	return err
}

// AddStage splits a leaf. Range stages take their thresholds from, in order:
// cfg.Thresholds, cfg.Percentiles converted through the node histogram, the
// node's recorded defaults, then the configured default percentiles. A
// failed group fetch leaves the node a leaf.
func (s *Session) AddStage(ctx context.Context, nodeID string, cfg models.StageConfig) (partition.Node, error) {
	snap, err := s.loadedSnapshot()
	if err != nil {
		return partition.Node{}, err
	}
	node, ok := snap.tree.Node(nodeID)
	if !ok {
		return partition.Node{}, fmt.Errorf("%w: %s", partition.ErrNodeNotFound, nodeID)
	}
	if !node.IsLeaf() {
		return partition.Node{}, fmt.Errorf("%w: %s", partition.ErrAlreadySplit, nodeID)
	}

	if cfg.EffectiveMode() == models.SplitRange {
		if cfg, err = s.resolveStage(ctx, snap, node, cfg); err != nil {
			return partition.Node{}, err
		}
		if err := partition.ValidateThresholds(cfg.Thresholds, cfg.Percentiles); err != nil {
			return partition.Node{}, err
		}
	}

	log := s.logger.With().Str("node_id", nodeID).Str("metric", cfg.Metric).Logger()

	groups, err := s.groups.GetOrFetch(ctx, cfg.CacheMetric(), cfg.Thresholds, func(ctx context.Context) ([]models.FeatureGroup, error) {
		return s.provider.RequestGroups(ctx, snap.filters, cfg)
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch feature groups")
		return partition.Node{}, fmt.Errorf("fetch groups: %w", err)
	}

	var updated partition.Node
	err = s.submit(ctx, "add_stage", func(st *state) error {
		if st.generation != snap.generation {
			return ErrStaleUniverse
		}
		if err := st.tree.AddStage(nodeID, cfg, groups); err != nil {
			return err
		}
		updated, _ = st.tree.Node(nodeID)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("Add stage rejected")
		return partition.Node{}, err
	}

	log.Info().
		Floats64("thresholds", updated.Thresholds).
		Int("children", len(updated.Children)).
		Msg("Stage added")
	return updated, nil
}

func (s *Session) resolveStage(ctx context.Context, snap snapshot, node partition.Node, cfg models.StageConfig) (models.StageConfig, error) {
	if len(cfg.Thresholds) > 0 {
		if len(cfg.Percentiles) != len(cfg.Thresholds) {
			cfg.Percentiles = nil
		}
		return cfg, nil
	}

	if d := node.Defaults; len(cfg.Percentiles) == 0 && d != nil && (d.Metric == "" || d.Metric == cfg.Metric) {
		cfg.Thresholds = append([]float64(nil), d.Thresholds...)
		cfg.Percentiles = append([]float64(nil), d.Percentiles...)
		return cfg, nil
	}

	pcts := cfg.Percentiles
	if len(pcts) == 0 {
		pcts = s.defaults
	}
	h, err := s.histogram(ctx, snap, node.ID, cfg.Metric)
	if err != nil {
		return cfg, fmt.Errorf("resolve default thresholds: %w", err)
	}
	conv := percentile.FromHistogram(h)
	if conv.Degenerate() {
		cfg.Thresholds, cfg.Percentiles = degenerateThresholds(conv.ToMetrics(pcts))
		return cfg, nil
	}
	cfg.Thresholds = conv.ToMetrics(pcts)
	cfg.Percentiles = append([]float64(nil), pcts...)
	return cfg, nil
}

// degenerateThresholds handles a node whose scores span a single value. Every
// percentile converts to that value there, so equal neighbours collapse into
// one threshold and the handles are spaced evenly.
func degenerateThresholds(values []float64) ([]float64, []float64) {
	distinct := make([]float64, 0, len(values))
	for _, v := range values {
		if len(distinct) > 0 && v == distinct[len(distinct)-1] {
			continue
		}
		distinct = append(distinct, v)
	}
	pcts := make([]float64, len(distinct))
	for i := range pcts {
		pcts[i] = float64(i+1) / float64(len(distinct)+1)
	}
	return distinct, pcts
}

// RemoveStage collapses the node's subtree
func (s *Session) RemoveStage(ctx context.Context, nodeID string) (partition.Node, error) {
	if _, err := s.loadedSnapshot(); err != nil {
		return partition.Node{}, err
	}

	var updated partition.Node
	err := s.submit(ctx, "remove_stage", func(st *state) error {
		removed := subtreeIDs(st.tree, nodeID)
		if err := st.tree.RemoveStage(nodeID); err != nil {
			return err
		}
		s.histograms.invalidate(removed[1:])
		updated, _ = st.tree.Node(nodeID)
		return nil
	})
	if err != nil {
		return partition.Node{}, err
	}

	s.logger.Info().Str("node_id", nodeID).Msg("Stage removed")
	return updated, nil
}

// CommitThresholds applies a threshold edit to a node. Split nodes have their
// features redistributed by the universe-wide scores of the node's metric;
// leaves record the values as defaults for a later stage.
func (s *Session) CommitThresholds(ctx context.Context, nodeID, metric string, ts []percentile.Threshold) (partition.Node, error) {
	snap, err := s.loadedSnapshot()
	if err != nil {
		return partition.Node{}, err
	}
	node, ok := snap.tree.Node(nodeID)
	if !ok {
		return partition.Node{}, fmt.Errorf("%w: %s", partition.ErrNodeNotFound, nodeID)
	}
	if node.Mode == models.SplitPattern {
		return partition.Node{}, fmt.Errorf("%w: %s", partition.ErrPatternSplit, nodeID)
	}

	m := stageMetric(node, metric)
	if m == "" {
		return partition.Node{}, fmt.Errorf("%w: metric is required", partition.ErrInvalidStage)
	}
	values, pcts, err := s.resolve(ctx, snap, nodeID, m, ts)
	if err != nil {
		return partition.Node{}, err
	}

	var membership partition.Membership
	if !node.IsLeaf() {
		scores, err := s.universeScores(ctx, snap, m)
		if err != nil {
			return partition.Node{}, fmt.Errorf("load scores: %w", err)
		}
		membership = partition.ScoreBuckets(scores, values)
	}

	upd := partition.ThresholdUpdate{Metric: m, Thresholds: values, Percentiles: pcts}
	var updated partition.Node
	err = s.submit(ctx, "commit_thresholds", func(st *state) error {
		if st.generation != snap.generation {
			return ErrStaleUniverse
		}
		affected := subtreeIDs(st.tree, nodeID)
		if err := st.tree.UpdateThreshold(nodeID, upd, membership); err != nil {
			return err
		}
		// The node keeps its features; descendants may not
		s.histograms.invalidate(affected[1:])
		updated, _ = st.tree.Node(nodeID)
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("node_id", nodeID).Msg("Threshold commit rejected")
		return partition.Node{}, err
	}

	s.logger.Info().
		Str("node_id", nodeID).
		Str("metric", m).
		Floats64("thresholds", values).
		Msg("Thresholds committed")
	return updated, nil
}

// stageMetric is the metric thresholds on node are expressed in
func stageMetric(node partition.Node, requested string) string {
	if node.Metric != "" {
		return node.Metric
	}
	if requested != "" {
		return requested
	}
	if node.Defaults != nil {
		return node.Defaults.Metric
	}
	return ""
}

// resolve converts tagged thresholds to metric values and handle positions.
// Percentiles need the node histogram; metric-only input converts best effort.
func (s *Session) resolve(ctx context.Context, snap snapshot, nodeID, metric string, ts []percentile.Threshold) ([]float64, []float64, error) {
	if len(ts) == 0 {
		return nil, nil, fmt.Errorf("%w: no thresholds given", partition.ErrInvalidThresholds)
	}

	needConverter := false
	for _, t := range ts {
		if t.Kind() == percentile.KindPercentile {
			needConverter = true
			break
		}
	}

	h, err := s.histogram(ctx, snap, nodeID, metric)
	if err != nil {
		if needConverter {
			return nil, nil, fmt.Errorf("convert percentiles: %w", err)
		}
		values := make([]float64, len(ts))
		for i, t := range ts {
			values[i] = t.Value()
		}
		return values, nil, nil
	}

	conv := percentile.FromHistogram(h)
	if conv.Degenerate() {
		values, pcts := degenerateThresholds(percentile.Metrics(conv, ts))
		return values, pcts, nil
	}
	return percentile.Metrics(conv, ts), percentile.Percentiles(conv, ts), nil
}

// subtreeIDs lists id and its descendants, id first
func subtreeIDs(t *partition.Tree, id string) []string {
	var ids []string
	t.Walk(id, func(n partition.Node) bool {
		ids = append(ids, n.ID)
		return true
	})
	if len(ids) == 0 {
		ids = []string{id}
	}
	return ids
}
