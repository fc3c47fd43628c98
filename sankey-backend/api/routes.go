package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRoutes(router *mux.Router, handlers *Handlers) {
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API version prefix
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", handlers.HealthCheck).Methods("GET")

	// Session management endpoints
	sessions := api.PathPrefix("/sessions").Subrouter()
	sessions.HandleFunc("", handlers.ListSessions).Methods("GET")
	sessions.HandleFunc("", handlers.CreateSession).Methods("POST")
	sessions.HandleFunc("/{sessionId}", handlers.GetSession).Methods("GET")
	sessions.HandleFunc("/{sessionId}", handlers.DeleteSession).Methods("DELETE")
	sessions.HandleFunc("/{sessionId}/filters", handlers.ApplyFilters).Methods("PUT")
	sessions.HandleFunc("/{sessionId}/reset", handlers.ResetTree).Methods("POST")
	sessions.HandleFunc("/{sessionId}/tree", handlers.GetTree).Methods("GET")
	sessions.HandleFunc("/{sessionId}/layout", handlers.GetLayout).Methods("GET")

	// Node endpoints
	nodes := sessions.PathPrefix("/{sessionId}/nodes/{nodeId}").Subrouter()
	nodes.HandleFunc("/stage", handlers.AddStage).Methods("POST")
	nodes.HandleFunc("/stage", handlers.RemoveStage).Methods("DELETE")
	nodes.HandleFunc("/thresholds", handlers.CommitThresholds).Methods("PUT")
	nodes.HandleFunc("/preview", handlers.PreviewThresholds).Methods("POST")
	nodes.HandleFunc("/histogram", handlers.GetHistogram).Methods("GET")
	nodes.HandleFunc("/handles", handlers.GetHandles).Methods("GET")
	nodes.HandleFunc("/drag", handlers.DragSocket).Methods("GET")

	// Threshold group endpoints
	selections := sessions.PathPrefix("/{sessionId}/selections").Subrouter()
	selections.HandleFunc("", handlers.ListSelections).Methods("GET")
	selections.HandleFunc("/draft", handlers.StartDraft).Methods("POST")
	selections.HandleFunc("/draft", handlers.CancelDraft).Methods("DELETE")
	selections.HandleFunc("/draft/selections", handlers.AddDraftSelection).Methods("POST")
	selections.HandleFunc("/draft/finish", handlers.FinishDraft).Methods("POST")
	selections.HandleFunc("/{groupId}", handlers.UpdateGroup).Methods("PATCH")
	selections.HandleFunc("/{groupId}", handlers.DeleteGroup).Methods("DELETE")
	selections.HandleFunc("/{groupId}/selections/{index:[0-9]+}", handlers.RemoveGroupSelection).Methods("DELETE")
	selections.HandleFunc("/{groupId}/match", handlers.MatchGroup).Methods("GET")

	// Tag endpoints
	tags := sessions.PathPrefix("/{sessionId}/tags").Subrouter()
	tags.HandleFunc("", handlers.ListTags).Methods("GET")
	tags.HandleFunc("", handlers.AddTag).Methods("POST")
	tags.HandleFunc("", handlers.RemoveTag).Methods("DELETE")
	tags.HandleFunc("/preview", handlers.PreviewTags).Methods("POST")

	// Feature service endpoints, consumed by grouping.HTTPClient
	features := api.PathPrefix("/features").Subrouter()
	features.HandleFunc("/universe", handlers.FeatureUniverse).Methods("POST")
	features.HandleFunc("/groups", handlers.FeatureGroups).Methods("POST")
	features.HandleFunc("/histogram", handlers.FeatureHistogram).Methods("POST")
	features.HandleFunc("/metrics", handlers.FeatureMetrics).Methods("GET")

	api.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Preflight is answered by the CORS handler
	}).Methods("OPTIONS")
}
