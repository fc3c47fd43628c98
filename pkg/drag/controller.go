// Package drag implements the threshold-handle state machine for one node:
// Idle, Dragging one handle, and Committing while the committed tree catches
// up with the values that were sent.
package drag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	ErrDragActive  = errors.New("drag: a handle is already being dragged")
	ErrNotDragging = errors.New("drag: no handle is being dragged")
	ErrHandleIndex = errors.New("drag: handle index out of range")
	ErrUnordered   = errors.New("drag: values must be finite and strictly ascending")
)

// DefaultEpsilon is the minimum separation between neighbouring handles
const DefaultEpsilon = 0.01

// syncTolerance absorbs float noise from the metric/percentile round trip
const syncTolerance = 1e-9

// State of the controller
type State int

const (
	Idle State = iota
	Dragging
	Committing
)

func (s State) String() string {
	switch s {
	case Dragging:
		return "dragging"
	case Committing:
		return "committing"
	default:
		return "idle"
	}
}

// Options configures a Controller. Min and Max bound every handle; the zero
// value of both means the percentile domain [0, 1].
type Options struct {
	Epsilon float64
	Min     float64
	Max     float64

	// OnPreview receives working values, at most once per Tick
	OnPreview func(values []float64)
	// OnCommit receives the final values on pointer-up
	OnCommit func(values []float64)
	// Attach installs document-level pointer listeners for the duration of a
	// drag and returns the func that removes them.
	Attach func() (detach func())
}

// Controller tracks the handles of one node
type Controller struct {
	mu sync.Mutex

	eps      float64
	min, max float64
	onCommit func([]float64)
	attach   func() func()

	state     State
	active    int
	committed []float64
	working   []float64
	pending   []float64
	detach    func()
	dragSeq   int

	preview *Coalescer[[]float64]
}

// New creates an idle controller showing the committed values. Values closer
// than epsilon are pushed apart.
func New(committed []float64, opts Options) (*Controller, error) {
	if opts.Epsilon <= 0 {
		opts.Epsilon = DefaultEpsilon
	}
	if opts.Min == 0 && opts.Max == 0 {
		opts.Max = 1
	}
	if opts.Max < opts.Min {
		return nil, fmt.Errorf("%w: domain [%v, %v]", ErrUnordered, opts.Min, opts.Max)
	}
	if err := checkOrdered(committed); err != nil {
		return nil, err
	}
	committed, err := spread(committed, opts.Epsilon, opts.Min, opts.Max)
	if err != nil {
		return nil, err
	}

	return &Controller{
		eps:       opts.Epsilon,
		min:       opts.Min,
		max:       opts.Max,
		onCommit:  opts.OnCommit,
		attach:    opts.Attach,
		active:    -1,
		committed: committed,
		preview:   NewCoalescer(opts.OnPreview),
	}, nil
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active returns the dragged handle index, or -1
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Handles returns the values to render: the working copy while dragging, the
// values awaiting confirmation while committing, else the committed values.
func (c *Controller) Handles() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.displayed())
}

// Committed returns the last values confirmed by Sync
func (c *Controller) Committed() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.committed)
}

func (c *Controller) displayed() []float64 {
	switch {
	case c.state == Dragging:
		return c.working
	case c.pending != nil:
		return c.pending
	default:
		return c.committed
	}
}

// PointerDown starts dragging handle i. Starting a drag while an earlier
// commit is unconfirmed is allowed; the drag begins from the sent values.
func (c *Controller) PointerDown(i int) error {
	c.mu.Lock()
	if c.state == Dragging {
		c.mu.Unlock()
		return ErrDragActive
	}
	base := c.displayed()
	if i < 0 || i >= len(base) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrHandleIndex, i, len(base))
	}
	c.working = clone(base)
	c.state = Dragging
	c.active = i
	c.dragSeq++
	seq := c.dragSeq
	attach := c.attach
	c.mu.Unlock()

	if attach == nil {
		return nil
	}
	detach := attach()

	c.mu.Lock()
	if c.state == Dragging && c.dragSeq == seq {
		c.detach = detach
		detach = nil
	}
	c.mu.Unlock()

	// The drag ended while listeners were being attached
	if detach != nil {
		detach()
	}
	return nil
}

// PointerMove moves the active handle toward v. The value is clamped so the
// handle stays at least epsilon from its neighbours and inside the domain.
// It returns the value actually applied.
func (c *Controller) PointerMove(v float64) (float64, error) {
	c.mu.Lock()
	if c.state != Dragging {
		c.mu.Unlock()
		return 0, ErrNotDragging
	}
	i := c.active
	lo, hi := c.min, c.max
	if i > 0 {
		lo = c.working[i-1] + c.eps
	}
	if i < len(c.working)-1 {
		hi = c.working[i+1] - c.eps
	}

	applied := c.working[i]
	if lo <= hi && !math.IsNaN(v) {
		applied = math.Max(lo, math.Min(hi, v))
	}
	changed := applied != c.working[i]
	c.working[i] = applied
	snapshot := clone(c.working)
	c.mu.Unlock()

	if changed {
		c.preview.Push(snapshot)
	}
	return applied, nil
}

// PointerUp ends the drag, flushes the last preview and commits the working
// values. They are shown until Sync confirms them or CommitFailed is called.
func (c *Controller) PointerUp() ([]float64, error) {
	c.mu.Lock()
	if c.state != Dragging {
		c.mu.Unlock()
		return nil, ErrNotDragging
	}
	values := clone(c.working)
	c.pending = clone(values)
	c.working = nil
	c.state = Committing
	c.active = -1
	detach := c.detach
	c.detach = nil
	onCommit := c.onCommit
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	c.preview.Tick()
	if onCommit != nil {
		onCommit(clone(values))
	}
	return values, nil
}

// Cancel abandons the drag without committing. Handles return to the values
// shown before the drag started.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.state != Dragging {
		c.mu.Unlock()
		return ErrNotDragging
	}
	c.working = nil
	c.active = -1
	c.state = Idle
	if c.pending != nil {
		c.state = Committing
	}
	restored := clone(c.displayed())
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()

	if detach != nil {
		detach()
	}
	c.preview.Drop()
	c.preview.Push(restored)
	c.preview.Tick()
	return nil
}

// Sync delivers thresholds derived from the committed tree. While a commit is
// unconfirmed, values that differ from the sent ones are stale and ignored;
// the matching update clears the guard. It reports whether values were
// accepted.
func (c *Controller) Sync(values []float64) bool {
	if checkOrdered(values) != nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	shown, err := spread(values, c.eps, c.min, c.max)
	if err != nil {
		return false
	}
	if c.pending != nil {
		if !equal(c.pending, values) {
			return false
		}
		c.pending = nil
		if c.state == Committing {
			c.state = Idle
		}
	}
	c.committed = shown
	return true
}

// Superseded reports whether sent has been replaced by a later release that
// is still awaiting confirmation.
func (c *Controller) Superseded(sent []float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil && !equal(c.pending, sent)
}

// CommitFailed drops the unconfirmed values and shows the committed ones again
func (c *Controller) CommitFailed() {
	c.mu.Lock()
	c.pending = nil
	if c.state == Committing {
		c.state = Idle
	}
	restored := clone(c.displayed())
	c.mu.Unlock()

	c.preview.Push(restored)
	c.preview.Tick()
}

// Tick flushes a pending preview
func (c *Controller) Tick() bool { return c.preview.Tick() }

// Run flushes previews every interval until ctx is done
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	c.preview.Run(ctx, interval)
}

func checkOrdered(values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %v", ErrUnordered, values)
		}
		if i > 0 && v <= values[i-1] {
			return fmt.Errorf("%w: %v", ErrUnordered, values)
		}
	}
	return nil
}

// spread returns a copy of ascending values moved into [lo, hi] with
// neighbours at least eps apart. Values that already satisfy that are
// returned unchanged.
func spread(values []float64, eps, lo, hi float64) ([]float64, error) {
	out := clone(values)
	n := len(out)
	if n == 0 {
		return out, nil
	}
	if float64(n-1)*eps > hi-lo {
		return nil, fmt.Errorf("%w: %d handles do not fit %v apart in [%v, %v]", ErrUnordered, n, eps, lo, hi)
	}
	out[0] = math.Max(out[0], lo)
	for i := 1; i < n; i++ {
		out[i] = math.Max(out[i], out[i-1]+eps)
	}
	out[n-1] = math.Min(out[n-1], hi)
	for i := n - 2; i >= 0; i-- {
		out[i] = math.Min(out[i], out[i+1]-eps)
	}
	return out, nil
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > syncTolerance*math.Max(1, math.Abs(a[i])) {
			return false
		}
	}
	return true
}

func clone(in []float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	copy(out, in)
	return out
}
