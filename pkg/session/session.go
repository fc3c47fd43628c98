// Package session holds the application state of one exploration session:
// the universe, the partition tree and the caches built around it.
//
// Every tree mutation runs on a single goroutine (Run). Network work such as
// fetching groups or histograms happens on the caller's goroutine first; the
// resulting command is stamped with the generation it was computed against
// and rejected with ErrStaleUniverse if filters were applied or the tree was
// reset in between. Readers work on immutable snapshots.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/gilchrisn/feature-sankey-service/pkg/groupcache"
	"github.com/gilchrisn/feature-sankey-service/pkg/grouping"
	"github.com/gilchrisn/feature-sankey-service/pkg/layout"
	"github.com/gilchrisn/feature-sankey-service/pkg/models"
	"github.com/gilchrisn/feature-sankey-service/pkg/partition"
	"github.com/gilchrisn/feature-sankey-service/pkg/selection"
	"github.com/gilchrisn/feature-sankey-service/pkg/tagging"
)

var (
	ErrStaleUniverse = errors.New("session: universe changed while the operation was in flight")
	ErrClosed        = errors.New("session: closed")
	ErrNoUniverse    = errors.New("session: no filters applied yet")
)

var treeMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sankey_tree_mutations_total",
	Help: "Partition tree mutations by operation and result",
}, []string{"op", "result"})

// Options configures a Session
type Options struct {
	ID                 string
	Provider           grouping.Provider
	DefaultPercentiles []float64
	Logger             zerolog.Logger
}

// state is owned by the Run goroutine
type state struct {
	tree       *partition.Tree
	universe   []int
	filters    models.Filters
	generation uint64
	loaded     bool
}

// snapshot is an immutable view published after every command
type snapshot struct {
	tree       *partition.Tree
	universe   []int
	filters    models.Filters
	generation uint64
	loaded     bool
}

type command struct {
	op    string
	apply func(st *state) error
	reply chan error
}

// Session is safe for concurrent use once Start has been called
type Session struct {
	id       string
	provider grouping.Provider
	defaults []float64
	logger   zerolog.Logger

	cmds   chan command
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	st *state

	snapMu sync.RWMutex
	snap   snapshot

	groups     *groupcache.Cache
	histograms *histogramCache
	scores     *scoreCache
	selections *selection.Manager
	tags       *tagging.Store
}

// New creates a session. Call Start before use and ApplyFilters to load a
// universe.
func New(opts Options) *Session {
	defaults := opts.DefaultPercentiles
	if len(defaults) == 0 {
		defaults = []float64{0.5}
	}
	tree := partition.New(nil)
	s := &Session{
		id:         opts.ID,
		provider:   opts.Provider,
		defaults:   append([]float64(nil), defaults...),
		logger:     opts.Logger.With().Str("session_id", opts.ID).Logger(),
		cmds:       make(chan command),
		done:       make(chan struct{}),
		st:         &state{tree: tree},
		groups:     groupcache.New(),
		histograms: newHistogramCache(),
		scores:     newScoreCache(),
		selections: selection.NewManager(),
		tags:       tagging.NewStore(),
	}
	s.snap = snapshot{tree: tree.Clone()}
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Start runs the command loop until Close
func (s *Session) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

// Close stops the command loop and waits for it to exit
func (s *Session) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		} else {
			close(s.done)
		}
	})
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			err := cmd.apply(s.st)
			result := "ok"
			if err != nil {
				result = "error"
			} else {
				s.publish()
			}
			treeMutations.WithLabelValues(cmd.op, result).Inc()
			cmd.reply <- err
		}
	}
}

// submit hands fn to the command loop and waits for its result
func (s *Session) submit(ctx context.Context, op string, fn func(st *state) error) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- command{op: op, apply: fn, reply: reply}:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) publish() {
	snap := snapshot{
		tree:       s.st.tree.Clone(),
		universe:   s.st.universe,
		filters:    s.st.filters,
		generation: s.st.generation,
		loaded:     s.st.loaded,
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}

func (s *Session) snapshot() snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

func (s *Session) loadedSnapshot() (snapshot, error) {
	snap := s.snapshot()
	if !snap.loaded {
		return snap, ErrNoUniverse
	}
	return snap, nil
}

// Tree returns a private copy of the current tree
func (s *Session) Tree() *partition.Tree {
	return s.snapshot().tree.Clone()
}

// Node returns the current state of one node
func (s *Session) Node(id string) (partition.Node, bool) {
	return s.snapshot().tree.Node(id)
}

// Layout compiles the current tree
func (s *Session) Layout() layout.Layout {
	return layout.Compile(s.snapshot().tree)
}

// Filters returns the applied filters
func (s *Session) Filters() models.Filters {
	f := s.snapshot().filters
	out := make(models.Filters, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// UniverseSize returns the number of features in scope
func (s *Session) UniverseSize() int {
	return len(s.snapshot().universe)
}

// Selections returns the session's threshold groups
func (s *Session) Selections() *selection.Manager { return s.selections }

// Tags returns the session's tag store
func (s *Session) Tags() *tagging.Store { return s.tags }

// CachedGroupings reports how many candidate groupings are cached
func (s *Session) CachedGroupings() int { return s.groups.Len() }
