package percentile

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

// DefaultBins is used when BuildHistogram is given a non-positive bin count
const DefaultBins = 50

var ErrNoScores = errors.New("percentile: no finite scores")

// BuildHistogram bins the finite scores into equal-width bins spanning
// [min, max]. The maximum lands in the last bin. All-equal scores produce a
// single zero-width bin.
func BuildHistogram(metric string, scores map[int]float64, bins int) (models.Histogram, error) {
	if bins <= 0 {
		bins = DefaultBins
	}

	kept := make(map[int]float64, len(scores))
	values := make([]float64, 0, len(scores))
	for id, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		kept[id] = v
		values = append(values, v)
	}
	if len(values) == 0 {
		return models.Histogram{}, fmt.Errorf("%w for metric %s", ErrNoScores, metric)
	}
	sort.Float64s(values)

	lo, hi := values[0], values[len(values)-1]
	stats := models.Statistics{
		Min:    lo,
		Max:    hi,
		Mean:   stat.Mean(values, nil),
		Median: stat.Quantile(0.5, stat.Empirical, values, nil),
		Count:  len(values),
	}

	if lo == hi {
		return models.Histogram{
			Metric:     metric,
			BinEdges:   []float64{lo, hi},
			Counts:     []int{len(values)},
			Statistics: stats,
			Scores:     kept,
		}, nil
	}

	edges := floats.Span(make([]float64, bins+1), lo, hi)
	// stat.Histogram wants the top divider strictly above the data
	dividers := make([]float64, len(edges))
	copy(dividers, edges)
	dividers[len(dividers)-1] = math.Nextafter(hi, math.Inf(1))

	raw := stat.Histogram(nil, dividers, values, nil)
	counts := make([]int, len(raw))
	for i, c := range raw {
		counts[i] = int(c)
	}

	return models.Histogram{
		Metric:     metric,
		BinEdges:   edges,
		Counts:     counts,
		Statistics: stats,
		Scores:     kept,
	}, nil
}

// FromHistogram builds the converter for a histogram's domain
func FromHistogram(h models.Histogram) *Converter {
	if len(h.BinEdges) > 0 {
		return NewConverter(h.BinEdges)
	}
	if h.Statistics.Count > 0 {
		return NewConverter([]float64{h.Statistics.Min, h.Statistics.Max})
	}
	return NewConverter(nil)
}
