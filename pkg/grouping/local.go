package grouping

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/gilchrisn/feature-sankey-service/pkg/featurestore"
	"github.com/gilchrisn/feature-sankey-service/pkg/models"
	"github.com/gilchrisn/feature-sankey-service/pkg/percentile"
)

// LocalProvider answers from the feature store in-process
type LocalProvider struct {
	store *featurestore.Store
	bins  int
}

func NewLocalProvider(store *featurestore.Store, bins int) *LocalProvider {
	return &LocalProvider{store: store, bins: bins}
}

func (p *LocalProvider) Universe(ctx context.Context, filters models.Filters) ([]int, error) {
	return p.store.Universe(ctx, filters)
}

func (p *LocalProvider) Metrics(ctx context.Context) ([]string, error) {
	return p.store.Metrics(ctx)
}

func (p *LocalProvider) RequestGroups(ctx context.Context, filters models.Filters, stage models.StageConfig) ([]models.FeatureGroup, error) {
	universe, err := p.store.Universe(ctx, filters)
	if err != nil {
		return nil, err
	}

	switch stage.EffectiveMode() {
	case models.SplitRange:
		return p.rangeGroups(ctx, universe, stage)
	case models.SplitPattern:
		return p.patternGroups(ctx, universe, stage)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, stage.Mode)
	}
}

func (p *LocalProvider) rangeGroups(ctx context.Context, universe []int, stage models.StageConfig) ([]models.FeatureGroup, error) {
	th := stage.Thresholds
	if len(th) == 0 {
		return nil, fmt.Errorf("%w: range stage needs thresholds", ErrInvalidRequest)
	}
	for i := 1; i < len(th); i++ {
		if th[i] <= th[i-1] {
			return nil, fmt.Errorf("%w: thresholds not ascending: %v", ErrInvalidRequest, th)
		}
	}

	scores, err := p.store.Scores(ctx, stage.Metric, universe)
	if err != nil {
		return nil, err
	}

	groups := make([]models.FeatureGroup, len(th)+1)
	for b := range groups {
		groups[b] = models.FeatureGroup{Label: models.RangeLabel(th, b), FeatureIDs: []int{}}
	}
	for _, id := range universe {
		v, ok := scores[id]
		if !ok || math.IsNaN(v) {
			continue
		}
		b := sort.Search(len(th), func(i int) bool { return th[i] > v })
		groups[b].FeatureIDs = append(groups[b].FeatureIDs, id)
	}
	return groups, nil
}

func (p *LocalProvider) patternGroups(ctx context.Context, universe []int, stage models.StageConfig) ([]models.FeatureGroup, error) {
	if len(stage.Patterns) == 0 {
		return nil, fmt.Errorf("%w: pattern stage needs patterns", ErrInvalidRequest)
	}

	scores := make(map[string]map[int]float64)
	for _, pat := range stage.Patterns {
		for _, c := range pat.Conditions {
			if _, done := scores[c.Metric]; done {
				continue
			}
			s, err := p.store.Scores(ctx, c.Metric, universe)
			if err != nil {
				return nil, err
			}
			scores[c.Metric] = s
		}
	}

	groups := make([]models.FeatureGroup, 0, len(stage.Patterns))
	for _, pat := range stage.Patterns {
		g := models.FeatureGroup{Label: pat.Label, FeatureIDs: []int{}}
		for _, id := range universe {
			if matchesAll(pat.Conditions, scores, id) {
				g.FeatureIDs = append(g.FeatureIDs, id)
			}
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func matchesAll(conds []models.Condition, scores map[string]map[int]float64, id int) bool {
	for _, c := range conds {
		v, ok := scores[c.Metric][id]
		if !ok || !c.Matches(v) {
			return false
		}
	}
	return true
}

func (p *LocalProvider) RequestHistogram(ctx context.Context, filters models.Filters, metric string, featureIDs []int) (models.Histogram, error) {
	ids := featureIDs
	if ids == nil {
		universe, err := p.store.Universe(ctx, filters)
		if err != nil {
			return models.Histogram{}, err
		}
		ids = universe
	}

	scores, err := p.store.Scores(ctx, metric, ids)
	if err != nil {
		return models.Histogram{}, err
	}
	return percentile.BuildHistogram(metric, scores, p.bins)
}
