package partition

import (
	"math"
	"sort"

	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

// Membership maps a feature to the bucket (child slot) it belongs to under
// one stage. ok is false for features that match no bucket; those are dropped
// from every child.
type Membership interface {
	Bucket(featureID int) (bucket int, ok bool)
	Buckets() int
}

type scoreBuckets struct {
	scores     map[int]float64
	thresholds []float64
}

// ScoreBuckets assigns features by metric score with contiguous-bucket
// semantics: bucket i holds [thresholds[i-1], thresholds[i]). A value equal to
// a boundary lands in the upper bucket. Features without a finite score match
// nothing.
func ScoreBuckets(scores map[int]float64, thresholds []float64) Membership {
	t := make([]float64, len(thresholds))
	copy(t, thresholds)
	return &scoreBuckets{scores: scores, thresholds: t}
}

func (s *scoreBuckets) Bucket(featureID int) (int, bool) {
	v, ok := s.scores[featureID]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return sort.Search(len(s.thresholds), func(i int) bool { return s.thresholds[i] > v }), true
}

func (s *scoreBuckets) Buckets() int { return len(s.thresholds) + 1 }

type groupBuckets struct {
	index map[int]int
	n     int
}

// GroupBuckets assigns each feature to the first group that lists it. Groups
// from the service may overlap; first match wins so siblings stay disjoint.
func GroupBuckets(groups []models.FeatureGroup) Membership {
	size := 0
	for _, g := range groups {
		size += len(g.FeatureIDs)
	}

	index := make(map[int]int, size)
	for i, g := range groups {
		for _, id := range g.FeatureIDs {
			if _, taken := index[id]; !taken {
				index[id] = i
			}
		}
	}
	return &groupBuckets{index: index, n: len(groups)}
}

func (g *groupBuckets) Bucket(featureID int) (int, bool) {
	b, ok := g.index[featureID]
	return b, ok
}

func (g *groupBuckets) Buckets() int { return g.n }

// assign splits ids into per-bucket lists, preserving the input order
func assign(ids []int, m Membership) [][]int {
	buckets := make([][]int, m.Buckets())
	for _, id := range ids {
		b, ok := m.Bucket(id)
		if !ok || b < 0 || b >= len(buckets) {
			continue
		}
		buckets[b] = append(buckets[b], id)
	}
	return buckets
}
