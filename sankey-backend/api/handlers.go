package api

import (
	"bytes"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/gilchrisn/feature-sankey-service/pkg/grouping"
	"github.com/gilchrisn/feature-sankey-service/pkg/layout"
	"github.com/gilchrisn/feature-sankey-service/pkg/models"
	"github.com/gilchrisn/feature-sankey-service/pkg/partition"
	"github.com/gilchrisn/feature-sankey-service/pkg/percentile"
	"github.com/gilchrisn/feature-sankey-service/pkg/selection"
	"github.com/gilchrisn/feature-sankey-service/pkg/session"
	"github.com/gilchrisn/feature-sankey-service/pkg/tagging"
	"github.com/gilchrisn/feature-sankey-service/sankey-backend/service"
	"github.com/gilchrisn/feature-sankey-service/sankey-backend/utils"
)

// DragSettings configures the drag websocket
type DragSettings struct {
	Epsilon       float64
	FrameInterval time.Duration
}

// Handlers contains HTTP request handlers
type Handlers struct {
	sessions *service.SessionService
	features grouping.Provider
	drag     DragSettings
	started  time.Time
}

// NewHandlers creates new API handlers. features serves the /features
// endpoints and is usually the local store-backed provider.
func NewHandlers(sessions *service.SessionService, features grouping.Provider, drag DragSettings) *Handlers {
	return &Handlers{
		sessions: sessions,
		features: features,
		drag:     drag,
		started:  time.Now(),
	}
}

type FiltersRequest struct {
	Filters models.Filters `json:"filters"`
}

type ThresholdsRequest struct {
	Metric     string                 `json:"metric"`
	Thresholds []percentile.Threshold `json:"thresholds" validate:"min=1"`
}

type DraftRequest struct {
	Name string `json:"name"`
}

type GroupUpdateRequest struct {
	Name   *string `json:"name,omitempty"`
	Hidden *bool   `json:"hidden,omitempty"`
}

type TagRequest struct {
	Category string `json:"category" validate:"required"`
	Item     string `json:"item" validate:"required"`
}

type TagPreviewRequest struct {
	Category  string  `json:"category" validate:"required"`
	NodeID    string  `json:"nodeId"`
	Metric    string  `json:"metric" validate:"required"`
	Threshold float64 `json:"threshold"`
	Apply     bool    `json:"apply"`
}

// HealthCheck reports service liveness
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccessResponse(w, "Service is healthy", map[string]interface{}{
		"status":   "ok",
		"sessions": len(h.sessions.List()),
		"uptime":   time.Since(h.started).Round(time.Second).String(),
	})
}

// session resolves the {sessionId} path variable, writing a 404 on failure
func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sessionID := mux.Vars(r)["sessionId"]
	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		writeError(w, "Session not found", err)
		return nil, false
	}
	return sess, true
}

// CreateSession starts a session over the filtered universe
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req FiltersRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, &req) {
		return
	}

	sess, err := h.sessions.Create(r.Context(), req.Filters)
	if err != nil {
		log.Error().Err(err).Msg("Session creation failed")
		writeError(w, "Session creation failed", err)
		return
	}

	info, err := h.sessions.Info(sess.ID())
	if err != nil {
		writeError(w, "Session creation failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Session created successfully", info)
}

// ListSessions lists all sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccessResponse(w, "Sessions retrieved successfully", h.sessions.List())
}

// GetSession retrieves a session summary
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.sessions.Info(mux.Vars(r)["sessionId"])
	if err != nil {
		writeError(w, "Session not found", err)
		return
	}
	utils.WriteSuccessResponse(w, "Session retrieved successfully", info)
}

// DeleteSession stops a session
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(mux.Vars(r)["sessionId"]); err != nil {
		writeError(w, "Session deletion failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Session deleted successfully", nil)
}

// ApplyFilters replaces the session universe
func (h *Handlers) ApplyFilters(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req FiltersRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := sess.ApplyFilters(r.Context(), req.Filters); err != nil {
		writeError(w, "Applying filters failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Filters applied", layout.Compile(sess.Tree()))
}

// ResetTree discards every stage
func (h *Handlers) ResetTree(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Reset(r.Context()); err != nil {
		writeError(w, "Reset failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Tree reset", layout.Compile(sess.Tree()))
}

// GetTree returns every node in pre-order
func (h *Handlers) GetTree(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	tree := sess.Tree()
	nodes := make([]partition.Node, 0, tree.Len())
	tree.Walk(partition.RootID, func(n partition.Node) bool {
		nodes = append(nodes, n)
		return true
	})
	utils.WriteSuccessResponse(w, "Tree retrieved successfully", nodes)
}

// GetLayout compiles the tree, or the subtree under ?root=, to nodes and
// links. ?format=svg renders a snapshot instead.
func (h *Handlers) GetLayout(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	tree := sess.Tree()
	l := layout.Compile(tree)
	if root := r.URL.Query().Get("root"); root != "" {
		var err error
		if l, err = layout.CompileSubtree(tree, root); err != nil {
			writeError(w, "Layout failed", err)
			return
		}
	}

	if r.URL.Query().Get("format") != "svg" {
		utils.WriteSuccessResponse(w, "Layout compiled successfully", l)
		return
	}

	opts := layout.DefaultOptions()
	if width, err := strconv.ParseFloat(r.URL.Query().Get("width"), 64); err == nil && width > 0 {
		opts.Width = width
	}
	if height, err := strconv.ParseFloat(r.URL.Query().Get("height"), 64); err == nil && height > 0 {
		opts.Height = height
	}

	var buf bytes.Buffer
	if err := layout.RenderSVG(&buf, layout.Arrange(l, opts)); err != nil {
		utils.WriteErrorResponse(w, http.StatusBadRequest, "SVG rendering failed", err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// AddStage splits a leaf
func (h *Handlers) AddStage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var cfg models.StageConfig
	if !decodeAndValidate(w, r, &cfg) {
		return
	}

	nodeID := mux.Vars(r)["nodeId"]
	node, err := sess.AddStage(r.Context(), nodeID, cfg)
	if err != nil {
		log.Error().
			Str("session_id", sess.ID()).
			Str("node_id", nodeID).
			Err(err).
			Msg("Add stage failed")
		writeError(w, "Add stage failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Stage added", nodeResponse(sess, node.ID))
}

// RemoveStage collapses a node's subtree
func (h *Handlers) RemoveStage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	node, err := sess.RemoveStage(r.Context(), mux.Vars(r)["nodeId"])
	if err != nil {
		writeError(w, "Remove stage failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Stage removed", nodeResponse(sess, node.ID))
}

// CommitThresholds applies a threshold edit
func (h *Handlers) CommitThresholds(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ThresholdsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	node, err := sess.CommitThresholds(r.Context(), mux.Vars(r)["nodeId"], req.Metric, req.Thresholds)
	if err != nil {
		writeError(w, "Threshold commit failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Thresholds committed", nodeResponse(sess, node.ID))
}

// PreviewThresholds reports bucket sizes for working thresholds
func (h *Handlers) PreviewThresholds(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req ThresholdsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	counts, err := sess.PreviewCounts(r.Context(), mux.Vars(r)["nodeId"], req.Metric, req.Thresholds)
	if err != nil {
		writeError(w, "Preview failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Preview computed", map[string]interface{}{"counts": counts})
}

// GetHistogram returns a node's distribution of ?metric=
func (h *Handlers) GetHistogram(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		utils.WriteErrorResponse(w, http.StatusBadRequest, "metric query parameter is required", nil)
		return
	}

	hist, err := sess.Histogram(r.Context(), mux.Vars(r)["nodeId"], metric)
	if err != nil {
		writeError(w, "Histogram unavailable", err)
		return
	}
	utils.WriteSuccessResponse(w, "Histogram retrieved successfully", hist)
}

// GetHandles returns a node's handle positions
func (h *Handlers) GetHandles(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	hs, err := sess.Handles(r.Context(), mux.Vars(r)["nodeId"])
	if err != nil {
		writeError(w, "Handles unavailable", err)
		return
	}
	utils.WriteSuccessResponse(w, "Handles retrieved successfully", hs)
}

// ListSelections lists threshold groups and the open draft
func (h *Handlers) ListSelections(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	m := sess.Selections()
	resp := map[string]interface{}{"groups": m.List()}
	if draft, open := m.Draft(); open {
		resp["draft"] = draft
	}
	utils.WriteSuccessResponse(w, "Selections retrieved successfully", resp)
}

// StartDraft opens a new threshold group
func (h *Handlers) StartDraft(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req DraftRequest
	if r.ContentLength != 0 && !decodeAndValidate(w, r, &req) {
		return
	}
	draft, err := sess.Selections().Start(req.Name)
	if err != nil {
		writeError(w, "Could not start group", err)
		return
	}
	utils.WriteSuccessResponse(w, "Group draft started", draft)
}

// AddDraftSelection adds histogram bars to the open draft
func (h *Handlers) AddDraftSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var sel selection.Selection
	if !decodeAndValidate(w, r, &sel) {
		return
	}
	if err := sess.Selections().AddToDraft(sel); err != nil {
		writeError(w, "Could not add selection", err)
		return
	}
	draft, _ := sess.Selections().Draft()
	utils.WriteSuccessResponse(w, "Selection added", draft)
}

// FinishDraft saves the open draft as a group
func (h *Handlers) FinishDraft(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	g, err := sess.Selections().Finish()
	if err != nil {
		writeError(w, "Could not finish group", err)
		return
	}
	utils.WriteSuccessResponse(w, "Group created", g)
}

// CancelDraft discards the open draft
func (h *Handlers) CancelDraft(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Selections().CancelDraft()
	utils.WriteSuccessResponse(w, "Group draft cancelled", nil)
}

// UpdateGroup renames or hides a group
func (h *Handlers) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req GroupUpdateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	groupID := mux.Vars(r)["groupId"]
	m := sess.Selections()
	if req.Name != nil {
		if err := m.Rename(groupID, *req.Name); err != nil {
			writeError(w, "Group update failed", err)
			return
		}
	}
	if req.Hidden != nil {
		if err := m.SetHidden(groupID, *req.Hidden); err != nil {
			writeError(w, "Group update failed", err)
			return
		}
	}
	g, err := m.Get(groupID)
	if err != nil {
		writeError(w, "Group update failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Group updated", g)
}

// DeleteGroup removes a group
func (h *Handlers) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Selections().Delete(mux.Vars(r)["groupId"]); err != nil {
		writeError(w, "Group deletion failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Group deleted", nil)
}

// RemoveGroupSelection drops one selection; a group left empty is deleted
func (h *Handlers) RemoveGroupSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["index"])
	if err != nil {
		utils.WriteErrorResponse(w, http.StatusBadRequest, "Invalid selection index", err)
		return
	}
	if err := sess.Selections().Remove(vars["groupId"], idx); err != nil {
		writeError(w, "Selection removal failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Selection removed", nil)
}

// MatchGroup lists the features a group selects, optionally within ?node=
func (h *Handlers) MatchGroup(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	ids, err := sess.MatchSelection(r.Context(), mux.Vars(r)["groupId"], r.URL.Query().Get("node"))
	if err != nil {
		writeError(w, "Group match failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Group matched", map[string]interface{}{
		"featureIds": ids,
		"count":      len(ids),
	})
}

// ListTags returns tag counts, or the items of ?category=
func (h *Handlers) ListTags(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if category := r.URL.Query().Get("category"); category != "" {
		items, err := sess.Tags().Tags(category)
		if err != nil {
			writeError(w, "Tags unavailable", err)
			return
		}
		utils.WriteSuccessResponse(w, "Tags retrieved successfully", items)
		return
	}
	utils.WriteSuccessResponse(w, "Tags retrieved successfully", map[string]interface{}{
		"categories": tagging.Categories,
		"counts":     sess.Tags().Counts(),
	})
}

// AddTag tags one item
func (h *Handlers) AddTag(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req TagRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := sess.Tags().Tag(req.Category, req.Item); err != nil {
		writeError(w, "Tagging failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Item tagged", req)
}

// RemoveTag untags one item
func (h *Handlers) RemoveTag(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req TagRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if err := sess.Tags().Untag(req.Category, req.Item); err != nil {
		writeError(w, "Untagging failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Item untagged", req)
}

// PreviewTags lists (and with apply=true tags) the features a score
// threshold selects
func (h *Handlers) PreviewTags(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req TagPreviewRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	run := sess.TagPreview
	if req.Apply {
		run = sess.ApplyTagPreview
	}
	candidates, err := run(r.Context(), req.Category, req.NodeID, req.Metric, req.Threshold)
	if err != nil {
		writeError(w, "Tag preview failed", err)
		return
	}
	utils.WriteSuccessResponse(w, "Tag preview computed", candidates)
}

func nodeResponse(sess *session.Session, nodeID string) map[string]interface{} {
	node, _ := sess.Node(nodeID)
	return map[string]interface{}{
		"node":   node,
		"layout": sess.Layout(),
	}
}
