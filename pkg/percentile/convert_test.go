package percentile

import (
	"math"
	"reflect"
	"testing"

	"github.com/goccy/go-json"
	"pgregory.net/rapid"
)

const tolerance = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) <= tolerance }

func TestConverterLinear(t *testing.T) {
	c := NewConverter([]float64{2, 3, 4, 5, 6})

	tests := []struct {
		metric, pct float64
	}{
		{2, 0},
		{4, 0.5},
		{6, 1},
		{3, 0.25},
	}
	for _, tt := range tests {
		if got := c.MetricToPercentile(tt.metric); !near(got, tt.pct) {
			t.Errorf("MetricToPercentile(%v) = %v, want %v", tt.metric, got, tt.pct)
		}
		if got := c.PercentileToMetric(tt.pct); !near(got, tt.metric) {
			t.Errorf("PercentileToMetric(%v) = %v, want %v", tt.pct, got, tt.metric)
		}
	}
}

func TestConverterClamps(t *testing.T) {
	c := NewConverter([]float64{0, 10})
	if got := c.MetricToPercentile(-5); got != 0 {
		t.Errorf("below range = %v", got)
	}
	if got := c.MetricToPercentile(50); got != 1 {
		t.Errorf("above range = %v", got)
	}
	if got := c.PercentileToMetric(1.5); got != 10 {
		t.Errorf("p > 1 = %v", got)
	}
	if got := c.PercentileToMetric(-1); got != 0 {
		t.Errorf("p < 0 = %v", got)
	}
}

func TestConverterDegenerate(t *testing.T) {
	t.Run("ZeroWidth", func(t *testing.T) {
		c := NewConverter([]float64{3, 3, 3})
		if !c.Degenerate() {
			t.Fatal("expected degenerate domain")
		}
		if got := c.MetricToPercentile(3); got != Midpoint {
			t.Errorf("MetricToPercentile = %v", got)
		}
		if got := c.MetricToPercentile(100); got != Midpoint {
			t.Errorf("MetricToPercentile off-domain = %v", got)
		}
		if got := c.PercentileToMetric(0.9); got != 3 {
			t.Errorf("PercentileToMetric = %v", got)
		}
	})

	t.Run("NoEdges", func(t *testing.T) {
		c := NewConverter(nil)
		if got := c.MetricToPercentile(1); got != Midpoint {
			t.Errorf("MetricToPercentile = %v", got)
		}
		if got := c.PercentileToMetric(0.2); got != 0 {
			t.Errorf("PercentileToMetric = %v", got)
		}
	})

	t.Run("NonFiniteEdgesIgnored", func(t *testing.T) {
		c := NewConverter([]float64{math.Inf(-1), 1, math.NaN(), 3})
		lo, hi := c.Domain()
		if lo != 1 || hi != 3 {
			t.Errorf("domain = [%v, %v]", lo, hi)
		}
	})
}

func TestRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lo := rapid.Float64Range(-1e3, 1e3).Draw(t, "lo")
		width := rapid.Float64Range(1e-3, 1e3).Draw(t, "width")
		c := NewConverter([]float64{lo, lo + width})

		p := rapid.Float64Range(0, 1).Draw(t, "p")
		if got := c.MetricToPercentile(c.PercentileToMetric(p)); math.Abs(got-p) > 1e-6 {
			t.Fatalf("percentile round trip %v -> %v", p, got)
		}

		v := rapid.Float64Range(lo, lo+width).Draw(t, "v")
		if got := c.PercentileToMetric(c.MetricToPercentile(v)); math.Abs(got-v) > 1e-6*math.Max(1, math.Abs(v)) {
			t.Fatalf("metric round trip %v -> %v", v, got)
		}
	})
}

func TestInitialPercentiles(t *testing.T) {
	c := NewConverter([]float64{0, 2})

	t.Run("StoredWins", func(t *testing.T) {
		got := InitialPercentiles(c, []float64{0.1, 0.9}, []float64{0.5, 1.5})
		if !reflect.DeepEqual(got, []float64{0.1, 0.9}) {
			t.Errorf("got %v", got)
		}
	})
	t.Run("ConvertsThresholds", func(t *testing.T) {
		got := InitialPercentiles(c, nil, []float64{0.5, 1.5})
		if !reflect.DeepEqual(got, []float64{0.25, 0.75}) {
			t.Errorf("got %v", got)
		}
	})
	t.Run("MismatchedStoredIgnored", func(t *testing.T) {
		got := InitialPercentiles(c, []float64{0.3}, []float64{1, 2})
		if !reflect.DeepEqual(got, []float64{0.5, 1}) {
			t.Errorf("got %v", got)
		}
	})
}

func TestThresholdTagging(t *testing.T) {
	c := NewConverter([]float64{10, 20})

	m := Metric(15)
	p := Percentile(0.25)

	if m.Kind() != KindMetric || p.Kind() != KindPercentile {
		t.Fatal("wrong kinds")
	}
	if got := m.ToPercentile(c); !near(got, 0.5) {
		t.Errorf("metric -> percentile = %v", got)
	}
	if got := m.ToMetric(c); got != 15 {
		t.Errorf("metric -> metric = %v", got)
	}
	if got := p.ToMetric(c); !near(got, 12.5) {
		t.Errorf("percentile -> metric = %v", got)
	}
	if got := Metrics(c, []Threshold{p, m}); !near(got[0], 12.5) || got[1] != 15 {
		t.Errorf("Metrics = %v", got)
	}

	data, err := json.Marshal([]Threshold{m, p})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `[{"kind":"metric","value":15},{"kind":"percentile","value":0.25}]` {
		t.Errorf("json = %s", data)
	}

	var decoded []Threshold
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded[0] != m || decoded[1] != p {
		t.Errorf("decoded %v", decoded)
	}

	var bad Threshold
	if err := json.Unmarshal([]byte(`{"kind":"ratio","value":1}`), &bad); err == nil {
		t.Error("expected error for unknown kind")
	}
}
