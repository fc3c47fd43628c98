// Package percentile converts threshold values between metric units and the
// normalised [0,1] position used to place drag handles, and builds the
// histograms those conversions are derived from.
package percentile

import (
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"gonum.org/v1/gonum/floats"
)

// Midpoint is the position reported for every value of a degenerate domain
const Midpoint = 0.5

// Converter maps between a metric domain [min, max] and [0, 1] by linear
// interpolation. A domain of zero width (or no finite edges) is degenerate:
// every metric value maps to Midpoint and every percentile to min.
type Converter struct {
	min, max float64
	valid    bool
}

// NewConverter builds a converter over the full range of the bin edges
func NewConverter(binEdges []float64) *Converter {
	finite := make([]float64, 0, len(binEdges))
	for _, e := range binEdges {
		if !math.IsNaN(e) && !math.IsInf(e, 0) {
			finite = append(finite, e)
		}
	}
	if len(finite) == 0 {
		return &Converter{}
	}
	return &Converter{min: floats.Min(finite), max: floats.Max(finite), valid: true}
}

// Domain returns the metric bounds
func (c *Converter) Domain() (min, max float64) { return c.min, c.max }

// Degenerate reports whether the domain has zero width
func (c *Converter) Degenerate() bool {
	return !c.valid || c.max-c.min <= 0
}

// MetricToPercentile returns v's position in the domain, clamped to [0, 1]
func (c *Converter) MetricToPercentile(v float64) float64 {
	if c.Degenerate() || math.IsNaN(v) {
		return Midpoint
	}
	return clamp((v-c.min)/(c.max-c.min), 0, 1)
}

// PercentileToMetric is the inverse of MetricToPercentile
func (c *Converter) PercentileToMetric(p float64) float64 {
	if c.Degenerate() || math.IsNaN(p) {
		return c.min
	}
	return c.min + clamp(p, 0, 1)*(c.max-c.min)
}

// ToPercentiles converts a threshold vector to handle positions
func (c *Converter) ToPercentiles(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = c.MetricToPercentile(v)
	}
	return out
}

// ToMetrics converts handle positions to metric thresholds
func (c *Converter) ToMetrics(ps []float64) []float64 {
	out := make([]float64, len(ps))
	for i, p := range ps {
		out[i] = c.PercentileToMetric(p)
	}
	return out
}

// InitialPercentiles places the handles of a newly split node. Stored
// percentiles are applied directly when there is one per threshold (or no
// thresholds at all); otherwise the metric thresholds are converted.
func InitialPercentiles(c *Converter, stored, thresholds []float64) []float64 {
	if len(stored) > 0 && (len(thresholds) == 0 || len(stored) == len(thresholds)) {
		out := make([]float64, len(stored))
		for i, p := range stored {
			out[i] = clamp(p, 0, 1)
		}
		return out
	}
	return c.ToPercentiles(thresholds)
}

// Kind tells which unit a Threshold value is expressed in
type Kind uint8

const (
	KindMetric Kind = iota
	KindPercentile
)

func (k Kind) String() string {
	if k == KindPercentile {
		return "percentile"
	}
	return "metric"
}

// Threshold is a boundary value tagged with its unit, so a percentile is never
// read as a metric value or the reverse.
type Threshold struct {
	kind  Kind
	value float64
}

// Metric tags v as a raw metric value
func Metric(v float64) Threshold { return Threshold{kind: KindMetric, value: v} }

// Percentile tags p as a normalised [0,1] position
func Percentile(p float64) Threshold { return Threshold{kind: KindPercentile, value: p} }

func (t Threshold) Kind() Kind { return t.kind }

func (t Threshold) Value() float64 { return t.value }

func (t Threshold) String() string { return fmt.Sprintf("%s(%g)", t.kind, t.value) }

// ToMetric returns the value in metric units under c
func (t Threshold) ToMetric(c *Converter) float64 {
	if t.kind == KindPercentile {
		return c.PercentileToMetric(t.value)
	}
	return t.value
}

// ToPercentile returns the value as a [0,1] position under c
func (t Threshold) ToPercentile(c *Converter) float64 {
	if t.kind == KindMetric {
		return c.MetricToPercentile(t.value)
	}
	return clamp(t.value, 0, 1)
}

type thresholdJSON struct {
	Kind  string  `json:"kind"`
	Value float64 `json:"value"`
}

func (t Threshold) MarshalJSON() ([]byte, error) {
	return json.Marshal(thresholdJSON{Kind: t.kind.String(), Value: t.value})
}

func (t *Threshold) UnmarshalJSON(data []byte) error {
	var raw thresholdJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "metric", "":
		*t = Metric(raw.Value)
	case "percentile":
		*t = Percentile(raw.Value)
	default:
		return fmt.Errorf("unknown threshold kind %q", raw.Kind)
	}
	return nil
}

// Metrics resolves tagged thresholds to metric values
func Metrics(c *Converter, ts []Threshold) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = t.ToMetric(c)
	}
	return out
}

// Percentiles resolves tagged thresholds to handle positions
func Percentiles(c *Converter, ts []Threshold) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = t.ToPercentile(c)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
