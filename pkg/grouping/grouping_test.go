package grouping

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gilchrisn/feature-sankey-service/pkg/featurestore"
	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

func newLocal(t *testing.T) *LocalProvider {
	t.Helper()
	store, err := featurestore.Open(filepath.Join(t.TempDir(), "features.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var records []featurestore.Record
	for i := 1; i <= 10; i++ {
		records = append(records, featurestore.Record{
			FeatureID: i,
			Scores: map[string]float64{
				"scoreA": float64(i) / 10,
				"scoreB": float64(11-i) / 10,
			},
		})
	}
	require.NoError(t, store.Insert(context.Background(), records))
	return NewLocalProvider(store, 5)
}

func groupIDs(groups []models.FeatureGroup) [][]int {
	out := make([][]int, len(groups))
	for i, g := range groups {
		out[i] = g.FeatureIDs
	}
	return out
}

func TestLocalRangeGroups(t *testing.T) {
	p := newLocal(t)
	ctx := context.Background()

	groups, err := p.RequestGroups(ctx, nil, models.StageConfig{Metric: "scoreA", Thresholds: []float64{0.5}})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "< 0.50", groups[0].Label)
	assert.Equal(t, ">= 0.50", groups[1].Label)
	assert.Equal(t, [][]int{{1, 2, 3, 4}, {5, 6, 7, 8, 9, 10}}, groupIDs(groups))

	// Empty buckets are still returned so bucket positions line up
	groups, err = p.RequestGroups(ctx, models.Filters{"scoreA": {Min: 0, Max: 0.3}},
		models.StageConfig{Metric: "scoreA", Thresholds: []float64{0.2, 0.9}})
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}, {2, 3}, {}}, groupIDs(groups))

	_, err = p.RequestGroups(ctx, nil, models.StageConfig{Metric: "scoreA", Thresholds: []float64{0.5, 0.2}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = p.RequestGroups(ctx, nil, models.StageConfig{Metric: "nope", Thresholds: []float64{0.5}})
	assert.ErrorIs(t, err, featurestore.ErrUnknownMetric)
}

func TestLocalPatternGroups(t *testing.T) {
	p := newLocal(t)
	stage := models.StageConfig{
		Metric: "combo",
		Mode:   models.SplitPattern,
		Patterns: []models.Pattern{
			{Label: "A high, B high", Conditions: []models.Condition{
				{Metric: "scoreA", Op: ">=", Value: 0.4},
				{Metric: "scoreB", Op: ">=", Value: 0.4},
			}},
			{Label: "A low", Conditions: []models.Condition{
				{Metric: "scoreA", Op: "<", Value: 0.4},
			}},
		},
	}

	groups, err := p.RequestGroups(context.Background(), nil, stage)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, []int{4, 5, 6, 7}, groups[0].FeatureIDs)
	assert.Equal(t, []int{1, 2, 3}, groups[1].FeatureIDs)
}

func TestLocalHistogram(t *testing.T) {
	p := newLocal(t)
	ctx := context.Background()

	h, err := p.RequestHistogram(ctx, nil, "scoreA", []int{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, h.Statistics.Count)
	assert.InDelta(t, 0.1, h.Statistics.Min, 1e-12)
	assert.Len(t, h.Scores, 3)

	h, err = p.RequestHistogram(ctx, models.Filters{"scoreB": {Min: 0, Max: 0.5}}, "scoreA", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, h.Statistics.Count)
	assert.Len(t, h.Counts, 5)
}

type fakeService struct {
	failures int32
	calls    int32
	status   int
}

func (f *fakeService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(models.APIResponse{Success: true, Message: "ok", Data: data})
	}

	mux.HandleFunc("/api/v1/features/groups", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&f.calls, 1)
		if n <= atomic.LoadInt32(&f.failures) {
			w.WriteHeader(f.status)
			json.NewEncoder(w).Encode(models.APIResponse{Success: false, Error: "upstream exploded"})
			return
		}
		var req GroupsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		write(w, GroupsResponse{Groups: []models.FeatureGroup{
			{Label: req.Stage.Metric + "-low", FeatureIDs: []int{1, 2}},
			{Label: req.Stage.Metric + "-high", FeatureIDs: []int{3}},
		}})
	})
	mux.HandleFunc("/api/v1/features/universe", func(w http.ResponseWriter, r *http.Request) {
		write(w, UniverseResponse{FeatureIDs: []int{1, 2, 3}})
	})
	mux.HandleFunc("/api/v1/features/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "message": "metrics disabled"}`))
	})
	mux.HandleFunc("/api/v1/features/histogram", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true, "data": {"metric": 12}}`))
	})
	return mux
}

func newClient(t *testing.T, f *fakeService, retries int) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(ClientOptions{
		BaseURL:    srv.URL + "/",
		Timeout:    2 * time.Second,
		MaxRetries: retries,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return c
}

func TestHTTPClientGroups(t *testing.T) {
	f := &fakeService{}
	c := newClient(t, f, 3)

	groups, err := c.RequestGroups(context.Background(), nil, models.StageConfig{Metric: "m", Thresholds: []float64{0.5}})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "m-low", groups[0].Label)
	assert.Equal(t, []int{3}, groups[1].FeatureIDs)

	ids, err := c.Universe(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	f := &fakeService{failures: 2, status: http.StatusServiceUnavailable}
	c := newClient(t, f, 3)

	groups, err := c.RequestGroups(context.Background(), nil, models.StageConfig{Metric: "m"})
	require.NoError(t, err)
	assert.Len(t, groups, 2)
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.calls))
}

func TestHTTPClientGivesUp(t *testing.T) {
	f := &fakeService{failures: 100, status: http.StatusBadGateway}
	c := newClient(t, f, 2)

	_, err := c.RequestGroups(context.Background(), nil, models.StageConfig{Metric: "m"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.EqualValues(t, 3, atomic.LoadInt32(&f.calls))
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	f := &fakeService{failures: 100, status: http.StatusBadRequest}
	c := newClient(t, f, 5)

	_, err := c.RequestGroups(context.Background(), nil, models.StageConfig{Metric: "m"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "upstream exploded")
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.calls))
}

func TestHTTPClientBadResponses(t *testing.T) {
	c := newClient(t, &fakeService{}, 0)

	_, err := c.Metrics(context.Background())
	assert.ErrorIs(t, err, ErrBadResponse)
	assert.Contains(t, err.Error(), "metrics disabled")

	_, err = c.RequestHistogram(context.Background(), nil, "m", nil)
	assert.ErrorIs(t, err, ErrBadResponse)
}

func TestHTTPClientCancelled(t *testing.T) {
	f := &fakeService{failures: 100, status: http.StatusInternalServerError}
	c := newClient(t, f, 1000)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.RequestGroups(ctx, nil, models.StageConfig{Metric: "m"})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestNewHTTPClientRequiresURL(t *testing.T) {
	_, err := NewHTTPClient(ClientOptions{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
