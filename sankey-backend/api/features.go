package api

import (
	"net/http"

	"github.com/gilchrisn/feature-sankey-service/pkg/grouping"
	"github.com/gilchrisn/feature-sankey-service/sankey-backend/utils"
)

// The /features endpoints expose the grouping provider over HTTP, in the
// shape grouping.HTTPClient consumes.

// FeatureUniverse returns the feature ids that pass the filters
func (h *Handlers) FeatureUniverse(w http.ResponseWriter, r *http.Request) {
	var req grouping.UniverseRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	ids, err := h.features.Universe(r.Context(), req.Filters)
	if err != nil {
		writeError(w, "Universe query failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Universe computed", grouping.UniverseResponse{FeatureIDs: ids})
}

// FeatureGroups returns candidate groups for a stage over the filtered universe
func (h *Handlers) FeatureGroups(w http.ResponseWriter, r *http.Request) {
	var req grouping.GroupsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	groups, err := h.features.RequestGroups(r.Context(), req.Filters, req.Stage)
	if err != nil {
		writeError(w, "Grouping failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Groups computed", grouping.GroupsResponse{Groups: groups})
}

// FeatureHistogram returns a metric histogram over a feature set
func (h *Handlers) FeatureHistogram(w http.ResponseWriter, r *http.Request) {
	var req grouping.HistogramRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	hist, err := h.features.RequestHistogram(r.Context(), req.Filters, req.Metric, req.FeatureIDs)
	if err != nil {
		writeError(w, "Histogram failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Histogram computed", hist)
}

// FeatureMetrics lists the known metrics
func (h *Handlers) FeatureMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.features.Metrics(r.Context())
	if err != nil {
		writeError(w, "Metrics query failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Metrics retrieved successfully", grouping.MetricsResponse{Metrics: metrics})
}
