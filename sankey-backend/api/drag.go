package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gilchrisn/feature-sankey-service/pkg/drag"
	"github.com/gilchrisn/feature-sankey-service/pkg/layout"
	"github.com/gilchrisn/feature-sankey-service/pkg/partition"
	"github.com/gilchrisn/feature-sankey-service/pkg/percentile"
	"github.com/gilchrisn/feature-sankey-service/pkg/session"
)

const defaultFrameInterval = 16 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 64 * 1024,
}

// dragMessage is a pointer event from the client
type dragMessage struct {
	Type   string  `json:"type"` // down, move, up, cancel
	Handle int     `json:"handle"`
	Value  float64 `json:"value"`
}

// dragEvent is sent to the client
type dragEvent struct {
	Type    string          `json:"type"` // state, preview, commit, error
	State   string          `json:"state,omitempty"`
	Handles []float64       `json:"handles,omitempty"`
	Counts  []int           `json:"counts,omitempty"`
	Node    *partition.Node `json:"node,omitempty"`
	Layout  *layout.Layout  `json:"layout,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// dragChannel connects one websocket to one node's drag controller. Handle
// values are percentiles.
type dragChannel struct {
	ctx     context.Context
	conn    *websocket.Conn
	writeMu sync.Mutex
	sess    *session.Session
	nodeID  string
	metric  string
	ctrl    *drag.Controller
	logger  zerolog.Logger

	// Releases are applied one at a time by commitLoop. Only the latest
	// release waiting behind an in-flight commit is kept.
	commitMu   sync.Mutex
	nextCommit []float64
	wake       chan struct{}
	commits    sync.WaitGroup
}

// DragSocket upgrades to a websocket that drives the threshold handles of
// one node: pointer events in, coalesced previews and commit results out.
func (h *Handlers) DragSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	nodeID := mux.Vars(r)["nodeId"]
	hs, err := sess.Handles(r.Context(), nodeID)
	if err != nil {
		writeError(w, "Node has no thresholds to drag", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade drag websocket")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	ch := &dragChannel{
		ctx:    ctx,
		conn:   conn,
		sess:   sess,
		nodeID: nodeID,
		metric: hs.Metric,
		logger: log.With().Str("session_id", sess.ID()).Str("node_id", nodeID).Logger(),
		wake:   make(chan struct{}, 1),
	}
	defer ch.commits.Wait()
	defer cancel()

	ch.ctrl, err = drag.New(hs.Percentiles, drag.Options{
		Epsilon:   h.drag.Epsilon,
		OnPreview: ch.preview,
		OnCommit:  ch.commit,
	})
	if err != nil {
		ch.send(dragEvent{Type: "error", Error: err.Error()})
		return
	}

	interval := h.drag.FrameInterval
	if interval <= 0 {
		interval = defaultFrameInterval
	}
	go ch.ctrl.Run(ctx, interval)
	ch.commits.Add(1)
	go ch.commitLoop()

	ch.logger.Info().Str("metric", hs.Metric).Msg("Drag channel opened")
	ch.sendState()

	for {
		var msg dragMessage
		if err := conn.ReadJSON(&msg); err != nil {
			ch.logger.Info().Err(err).Msg("Drag channel closed")
			return
		}
		if err := ch.handle(msg); err != nil {
			ch.send(dragEvent{Type: "error", Error: err.Error()})
		}
	}
}

func (ch *dragChannel) handle(msg dragMessage) error {
	switch msg.Type {
	case "down":
		if err := ch.ctrl.PointerDown(msg.Handle); err != nil {
			return err
		}
		ch.sendState()
	case "move":
		if _, err := ch.ctrl.PointerMove(msg.Value); err != nil {
			return err
		}
	case "up":
		if _, err := ch.ctrl.PointerUp(); err != nil {
			return err
		}
		ch.sendState()
	case "cancel":
		if err := ch.ctrl.Cancel(); err != nil {
			return err
		}
		ch.sendState()
	default:
		ch.send(dragEvent{Type: "error", Error: "unknown message type " + msg.Type})
	}
	return nil
}

// preview runs at most once per frame with the working values
func (ch *dragChannel) preview(values []float64) {
	counts, err := ch.sess.PreviewCounts(ch.ctx, ch.nodeID, ch.metric, asPercentiles(values))
	if err != nil {
		ch.logger.Warn().Err(err).Msg("Drag preview failed")
		counts = nil
	}
	ch.send(dragEvent{Type: "preview", Handles: values, Counts: counts})
}

// commit queues the released values for commitLoop, replacing any release
// that has not started yet.
func (ch *dragChannel) commit(values []float64) {
	ch.commitMu.Lock()
	ch.nextCommit = values
	ch.commitMu.Unlock()

	select {
	case ch.wake <- struct{}{}:
	default:
	}
}

func (ch *dragChannel) takeCommit() []float64 {
	ch.commitMu.Lock()
	defer ch.commitMu.Unlock()
	values := ch.nextCommit
	ch.nextCommit = nil
	return values
}

// commitLoop applies releases in the order they were made
func (ch *dragChannel) commitLoop() {
	defer ch.commits.Done()
	for {
		select {
		case <-ch.ctx.Done():
			return
		case <-ch.wake:
		}
		for values := ch.takeCommit(); values != nil && ch.ctx.Err() == nil; values = ch.takeCommit() {
			ch.apply(values)
		}
	}
}

func (ch *dragChannel) apply(values []float64) {
	node, err := ch.sess.CommitThresholds(ch.ctx, ch.nodeID, ch.metric, asPercentiles(values))
	if ch.ctrl.Superseded(values) {
		// A later release owns the handles; its commit reports the outcome
		ch.logger.Debug().Err(err).Floats64("percentiles", values).Msg("Drag commit superseded")
		return
	}
	if err != nil {
		ch.logger.Warn().Err(err).Msg("Drag commit failed")
		ch.ctrl.CommitFailed()
		ch.send(dragEvent{Type: "error", State: ch.ctrl.State().String(), Handles: ch.ctrl.Handles(), Error: err.Error()})
		return
	}

	confirmed := node.Percentiles
	if node.IsLeaf() && node.Defaults != nil {
		confirmed = node.Defaults.Percentiles
	}
	if !ch.ctrl.Sync(confirmed) {
		if ch.ctrl.Superseded(values) {
			return
		}
		// The tree holds something else; show what it holds
		ch.logger.Warn().Floats64("percentiles", confirmed).Msg("Committed values did not match the drag")
		ch.ctrl.CommitFailed()
		ch.ctrl.Sync(confirmed)
	}
	l := ch.sess.Layout()
	ch.send(dragEvent{
		Type:    "commit",
		State:   ch.ctrl.State().String(),
		Handles: ch.ctrl.Handles(),
		Node:    &node,
		Layout:  &l,
	})
}

func (ch *dragChannel) sendState() {
	ch.send(dragEvent{Type: "state", State: ch.ctrl.State().String(), Handles: ch.ctrl.Handles()})
}

func (ch *dragChannel) send(ev dragEvent) {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	if err := ch.conn.WriteJSON(ev); err != nil {
		ch.logger.Debug().Err(err).Str("event", ev.Type).Msg("Failed to write drag event")
	}
}

func asPercentiles(values []float64) []percentile.Threshold {
	ts := make([]percentile.Threshold, len(values))
	for i, v := range values {
		ts[i] = percentile.Percentile(v)
	}
	return ts
}
