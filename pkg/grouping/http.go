package grouping

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sankey_grouping_requests_total",
		Help: "Grouping service requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sankey_grouping_request_duration_seconds",
		Help:    "Grouping service request latency including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

const apiPrefix = "/api/v1/features"

// ClientOptions configures HTTPClient
type ClientOptions struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	Burst      int
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// HTTPClient talks to a remote grouping service. Requests are rate limited,
// bounded by a per-attempt timeout and retried with exponential backoff on
// transport errors and 5xx responses.
type HTTPClient struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	limiter    *rate.Limiter
	http       *http.Client
	logger     zerolog.Logger

	// newBackOff is replaced in tests to avoid real sleeps
	newBackOff func() backoff.BackOff
}

func NewHTTPClient(opts ClientOptions) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrInvalidRequest)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		limiter:    rate.NewLimiter(limit, opts.Burst),
		http:       client,
		logger:     opts.Logger.With().Str("component", "grouping_client").Logger(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}, nil
}

func (c *HTTPClient) Universe(ctx context.Context, filters models.Filters) ([]int, error) {
	var out UniverseResponse
	if err := c.do(ctx, http.MethodPost, "/universe", UniverseRequest{Filters: filters}, &out); err != nil {
		return nil, err
	}
	if out.FeatureIDs == nil {
		out.FeatureIDs = []int{}
	}
	return out.FeatureIDs, nil
}

func (c *HTTPClient) RequestGroups(ctx context.Context, filters models.Filters, stage models.StageConfig) ([]models.FeatureGroup, error) {
	var out GroupsResponse
	if err := c.do(ctx, http.MethodPost, "/groups", GroupsRequest{Filters: filters, Stage: stage}, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

func (c *HTTPClient) RequestHistogram(ctx context.Context, filters models.Filters, metric string, featureIDs []int) (models.Histogram, error) {
	var out models.Histogram
	req := HistogramRequest{Filters: filters, Metric: metric, FeatureIDs: featureIDs}
	if err := c.do(ctx, http.MethodPost, "/histogram", req, &out); err != nil {
		return models.Histogram{}, err
	}
	return out, nil
}

func (c *HTTPClient) Metrics(ctx context.Context) ([]string, error) {
	var out MetricsResponse
	if err := c.do(ctx, http.MethodGet, "/metrics", nil, &out); err != nil {
		return nil, err
	}
	return out.Metrics, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// statusError is a non-2xx response
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.msg)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint string, body, out any) error {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrInvalidRequest, err)
		}
	}

	attempt := 0
	var data []byte
	op := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		b, err := c.attempt(ctx, method, endpoint, payload)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && se.code < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		data = b
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().
			Err(err).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Grouping request failed, retrying")
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		var se *statusError
		switch {
		case errors.As(err, &se) && se.code < 500:
			return fmt.Errorf("%w: %s %s: %v", ErrInvalidRequest, method, endpoint, err)
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %s %s: %v", ErrServiceUnavailable, method, endpoint, ctx.Err())
		default:
			return fmt.Errorf("%w: %s %s after %d attempts: %v", ErrServiceUnavailable, method, endpoint, attempt, err)
		}
	}

	if err := decodeEnvelope(data, out); err != nil {
		requestsTotal.WithLabelValues(endpoint, "bad_response").Inc()
		return err
	}
	requestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

// attempt performs one request under the per-attempt timeout
func (c *HTTPClient) attempt(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+endpoint, body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		var env envelope
		if json.Unmarshal(data, &env) == nil && env.Error != "" {
			msg = env.Error
		}
		return nil, &statusError{code: resp.StatusCode, msg: msg}
	}
	return data, nil
}

func decodeEnvelope(data []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if !env.Success {
		return fmt.Errorf("%w: %s", ErrBadResponse, firstNonEmpty(env.Error, env.Message, "request unsuccessful"))
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", ErrBadResponse, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
