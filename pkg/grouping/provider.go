// Package grouping is the boundary to the feature grouping and histogram
// service. Provider is implemented locally over the feature store and remotely
// over HTTP.
package grouping

import (
	"context"
	"errors"

	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

var (
	// ErrServiceUnavailable wraps transport failures and 5xx responses once
	// retries are exhausted
	ErrServiceUnavailable = errors.New("grouping: service unavailable")
	// ErrBadResponse covers undecodable bodies and unsuccessful envelopes
	ErrBadResponse = errors.New("grouping: bad response")
	// ErrInvalidRequest is returned for requests the service rejects
	ErrInvalidRequest = errors.New("grouping: invalid request")
)

// Provider supplies the universe, candidate groups and histograms
type Provider interface {
	Universe(ctx context.Context, filters models.Filters) ([]int, error)
	// RequestGroups returns one group per bucket for range stages (in bucket
	// order, possibly empty) and one group per pattern for pattern stages.
	RequestGroups(ctx context.Context, filters models.Filters, stage models.StageConfig) ([]models.FeatureGroup, error)
	// RequestHistogram describes metric over featureIDs, or over the filtered
	// universe when featureIDs is nil. Scores carries the per-item values.
	RequestHistogram(ctx context.Context, filters models.Filters, metric string, featureIDs []int) (models.Histogram, error)
	Metrics(ctx context.Context) ([]string, error)
}

// UniverseRequest is the body of POST /features/universe
type UniverseRequest struct {
	Filters models.Filters `json:"filters"`
}

type UniverseResponse struct {
	FeatureIDs []int `json:"featureIds"`
}

// GroupsRequest is the body of POST /features/groups
type GroupsRequest struct {
	Filters models.Filters     `json:"filters"`
	Stage   models.StageConfig `json:"stage" validate:"required"`
}

type GroupsResponse struct {
	Groups []models.FeatureGroup `json:"groups"`
}

// HistogramRequest is the body of POST /features/histogram
type HistogramRequest struct {
	Filters    models.Filters `json:"filters"`
	Metric     string         `json:"metric" validate:"required"`
	FeatureIDs []int          `json:"featureIds,omitempty"`
}

type MetricsResponse struct {
	Metrics []string `json:"metrics"`
}
