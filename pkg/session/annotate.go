package session

import (
	"context"
	"fmt"

	"github.com/gilchrisn/feature-sankey-service/pkg/partition"
	"github.com/gilchrisn/feature-sankey-service/pkg/tagging"
)

// MatchSelection returns the features of a node that a threshold group
// selects. An empty nodeID means the whole universe.
func (s *Session) MatchSelection(ctx context.Context, groupID, nodeID string) ([]int, error) {
	snap, err := s.loadedSnapshot()
	if err != nil {
		return nil, err
	}
	g, err := s.selections.Get(groupID)
	if err != nil {
		return nil, err
	}

	candidates := snap.universe
	if nodeID != "" {
		node, ok := snap.tree.Node(nodeID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", partition.ErrNodeNotFound, nodeID)
		}
		candidates = node.FeatureIDs
	}

	scores := make(map[string]map[int]float64)
	for _, sel := range g.Selections {
		if _, ok := scores[sel.Metric]; ok {
			continue
		}
		ms, err := s.universeScores(ctx, snap, sel.Metric)
		if err != nil {
			return nil, fmt.Errorf("load scores: %w", err)
		}
		scores[sel.Metric] = ms
	}
	return s.selections.Match(groupID, candidates, scores)
}

// TagPreview lists the features of a node scoring at or above threshold on
// metric that carry no tag of the category's kind yet.
func (s *Session) TagPreview(ctx context.Context, category, nodeID, metric string, threshold float64) ([]tagging.Candidate, error) {
	scores, err := s.featureScores(ctx, nodeID, metric)
	if err != nil {
		return nil, err
	}
	return s.tags.Preview(category, scores, threshold)
}

// ApplyTagPreview tags what TagPreview would return
func (s *Session) ApplyTagPreview(ctx context.Context, category, nodeID, metric string, threshold float64) ([]tagging.Candidate, error) {
	scores, err := s.featureScores(ctx, nodeID, metric)
	if err != nil {
		return nil, err
	}
	applied, err := s.tags.ApplyPreview(category, scores, threshold)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("category", category).
		Str("node_id", nodeID).
		Int("tagged", len(applied)).
		Msg("Auto-tag applied")
	return applied, nil
}

// featureScores keys a node's metric scores by tag item
func (s *Session) featureScores(ctx context.Context, nodeID, metric string) (map[string]float64, error) {
	snap, err := s.loadedSnapshot()
	if err != nil {
		return nil, err
	}
	if nodeID == "" {
		nodeID = partition.RootID
	}
	node, ok := snap.tree.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", partition.ErrNodeNotFound, nodeID)
	}
	all, err := s.universeScores(ctx, snap, metric)
	if err != nil {
		return nil, fmt.Errorf("load scores: %w", err)
	}

	out := make(map[string]float64, len(node.FeatureIDs))
	for _, id := range node.FeatureIDs {
		if v, ok := all[id]; ok {
			out[tagging.FeatureKey(id)] = v
		}
	}
	return out, nil
}
