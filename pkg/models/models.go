package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FeatureGroup is one labeled candidate subset returned by the grouping service
type FeatureGroup struct {
	Label      string `json:"label"`
	FeatureIDs []int  `json:"featureIds"`
}

// Range is an inclusive metric interval used by filters and selections
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether v lies in [Min, Max]
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Filters restricts the universe: metric -> inclusive range
type Filters map[string]Range

// Key returns a canonical string for the filter set
func (f Filters) Key() string {
	metrics := make([]string, 0, len(f))
	for m := range f {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	var b strings.Builder
	for i, m := range metrics {
		if i > 0 {
			b.WriteByte(';')
		}
		r := f[m]
		fmt.Fprintf(&b, "%s=%s:%s", m, formatFloat(r.Min), formatFloat(r.Max))
	}
	return b.String()
}

// SplitMode selects how a stage turns a metric into child buckets
type SplitMode string

const (
	// SplitRange splits on ordered numeric thresholds into contiguous buckets
	SplitRange SplitMode = "range"
	// SplitPattern takes bucket membership straight from labeled predicate groups
	SplitPattern SplitMode = "pattern"
)

// Valid reports whether the mode is known
func (m SplitMode) Valid() bool {
	return m == SplitRange || m == SplitPattern
}

// Condition is a single predicate of a pattern
type Condition struct {
	Metric string  `json:"metric" validate:"required"`
	Op     string  `json:"op" validate:"oneof=>= <"`
	Value  float64 `json:"value"`
}

// Matches reports whether a metric value satisfies the condition
func (c Condition) Matches(v float64) bool {
	if c.Op == "<" {
		return v < c.Value
	}
	return v >= c.Value
}

// Pattern is a labeled conjunction of conditions
type Pattern struct {
	Label      string      `json:"label" validate:"required"`
	Conditions []Condition `json:"conditions" validate:"required,min=1,dive"`
}

// StageConfig describes one split of a node
type StageConfig struct {
	Metric      string    `json:"metric" validate:"required"`
	Mode        SplitMode `json:"mode"`
	Thresholds  []float64 `json:"thresholds,omitempty"`
	Percentiles []float64 `json:"percentiles,omitempty"`
	Patterns    []Pattern `json:"patterns,omitempty" validate:"omitempty,dive"`
}

// EffectiveMode defaults an empty mode to range splitting
func (c StageConfig) EffectiveMode() SplitMode {
	if c.Mode == "" {
		return SplitRange
	}
	return c.Mode
}

// CacheMetric is the metric half of the group cache key. Pattern stages fold
// their pattern definitions into it so two pattern sets never share an entry.
func (c StageConfig) CacheMetric() string {
	if c.EffectiveMode() != SplitPattern {
		return c.Metric
	}

	var b strings.Builder
	b.WriteString(c.Metric)
	b.WriteString("#pattern")
	for _, p := range c.Patterns {
		b.WriteByte('|')
		b.WriteString(p.Label)
		for _, cond := range p.Conditions {
			fmt.Fprintf(&b, ",%s%s%s", cond.Metric, cond.Op, formatFloat(cond.Value))
		}
	}
	return b.String()
}

// Statistics summarises a metric distribution
type Statistics struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	Count  int     `json:"count"`
}

// Histogram is the histogram/statistics service payload for one metric
type Histogram struct {
	Metric     string          `json:"metric"`
	BinEdges   []float64       `json:"binEdges"`
	Counts     []int           `json:"counts"`
	Statistics Statistics      `json:"statistics"`
	Scores     map[int]float64 `json:"scores,omitempty"`
}

// APIResponse is the JSON envelope used by every HTTP endpoint
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// RangeLabel describes bucket b of a contiguous threshold split: "< t0",
// "t0 to t1", ..., ">= tn".
func RangeLabel(thresholds []float64, bucket int) string {
	switch {
	case len(thresholds) == 0:
		return "all"
	case bucket <= 0:
		return fmt.Sprintf("< %.2f", thresholds[0])
	case bucket >= len(thresholds):
		return fmt.Sprintf(">= %.2f", thresholds[len(thresholds)-1])
	default:
		return fmt.Sprintf("%.2f to %.2f", thresholds[bucket-1], thresholds[bucket])
	}
}
