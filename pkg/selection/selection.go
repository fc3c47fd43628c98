// Package selection manages threshold groups: named, coloured collections of
// histogram bin selections that users build by hand, independent of the
// partition tree.
package selection

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gilchrisn/feature-sankey-service/pkg/featureset"
	"github.com/gilchrisn/feature-sankey-service/pkg/models"
)

var (
	ErrGroupNotFound  = errors.New("selection: group not found")
	ErrDraftActive    = errors.New("selection: a group is already being created")
	ErrNoDraft        = errors.New("selection: no group is being created")
	ErrEmptyGroup     = errors.New("selection: group has no selections")
	ErrSelectionIndex = errors.New("selection: selection index out of range")
	ErrInvalid        = errors.New("selection: invalid selection")
)

// Palette is cycled through as groups are created
var Palette = []string{
	"#4e79a7", "#f28e2b", "#e15759", "#76b7b2", "#59a14f",
	"#edc948", "#b07aa1", "#ff9da7", "#9c755f", "#bab0ac",
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(validateRange, models.Range{})
}

func validateRange(sl validator.StructLevel) {
	r := sl.Current().Interface().(models.Range)
	if r.Min > r.Max {
		sl.ReportError(r.Max, "Max", "max", "gtefield", "Min")
	}
}

// Selection is a set of histogram bars picked on one metric, with the metric
// range they cover
type Selection struct {
	Metric     string       `json:"metric" validate:"required"`
	BarIndices []int        `json:"barIndices" validate:"dive,gte=0"`
	Range      models.Range `json:"thresholdRange"`
}

// Group is a named threshold group
type Group struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Color      string      `json:"color"`
	Hidden     bool        `json:"hidden"`
	Selections []Selection `json:"selections"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Manager holds the groups of one session
type Manager struct {
	groups  map[string]*Group
	order   []string
	draft   *Group
	created int
	mutex   sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{groups: make(map[string]*Group)}
}

// Start opens a draft group. Only one draft may exist at a time.
func (m *Manager) Start(name string) (Group, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.draft != nil {
		return Group{}, ErrDraftActive
	}
	if name == "" {
		name = fmt.Sprintf("Group %d", m.created+1)
	}
	m.draft = &Group{
		ID:         uuid.New().String(),
		Name:       name,
		Color:      Palette[m.created%len(Palette)],
		Selections: []Selection{},
		CreatedAt:  time.Now(),
	}
	return copyGroup(m.draft), nil
}

// Draft returns the open draft
func (m *Manager) Draft() (Group, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.draft == nil {
		return Group{}, false
	}
	return copyGroup(m.draft), true
}

// AddToDraft appends a selection to the open draft
func (m *Manager) AddToDraft(sel Selection) error {
	if err := check(sel); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.draft == nil {
		return ErrNoDraft
	}
	m.draft.Selections = append(m.draft.Selections, copySelection(sel))
	return nil
}

// Finish turns the draft into a group. A draft without selections is kept
// open and ErrEmptyGroup is returned.
func (m *Manager) Finish() (Group, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.draft == nil {
		return Group{}, ErrNoDraft
	}
	if len(m.draft.Selections) == 0 {
		return Group{}, ErrEmptyGroup
	}
	g := m.draft
	m.draft = nil
	m.groups[g.ID] = g
	m.order = append(m.order, g.ID)
	m.created++
	return copyGroup(g), nil
}

// CancelDraft discards the draft, if any
func (m *Manager) CancelDraft() {
	m.mutex.Lock()
	m.draft = nil
	m.mutex.Unlock()
}

// Add appends a selection to an existing group
func (m *Manager) Add(groupID string, sel Selection) error {
	if err := check(sel); err != nil {
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	g.Selections = append(g.Selections, copySelection(sel))
	return nil
}

// Remove deletes the selection at idx. Removing the last selection deletes
// the group.
func (m *Manager) Remove(groupID string, idx int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	if idx < 0 || idx >= len(g.Selections) {
		return fmt.Errorf("%w: %d of %d", ErrSelectionIndex, idx, len(g.Selections))
	}
	g.Selections = append(g.Selections[:idx], g.Selections[idx+1:]...)
	if len(g.Selections) == 0 {
		m.deleteLocked(groupID)
	}
	return nil
}

func (m *Manager) Rename(groupID, name string) error {
	return m.update(groupID, func(g *Group) { g.Name = name })
}

func (m *Manager) SetHidden(groupID string, hidden bool) error {
	return m.update(groupID, func(g *Group) { g.Hidden = hidden })
}

func (m *Manager) update(groupID string, fn func(g *Group)) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	fn(g)
	return nil
}

// Delete removes a group
func (m *Manager) Delete(groupID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	m.deleteLocked(groupID)
	return nil
}

func (m *Manager) deleteLocked(groupID string) {
	delete(m.groups, groupID)
	for i, id := range m.order {
		if id == groupID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// Get returns a copy of a group
func (m *Manager) Get(groupID string) (Group, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	g, ok := m.groups[groupID]
	if !ok {
		return Group{}, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
	}
	return copyGroup(g), nil
}

// List returns the groups in creation order
func (m *Manager) List() []Group {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]Group, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, copyGroup(m.groups[id]))
	}
	return out
}

// Match returns the candidates the group selects, in ascending order.
// Selections on the same metric are ORed; different metrics are ANDed. A
// candidate without a score for a required metric does not match.
func (m *Manager) Match(groupID string, candidates []int, scores map[string]map[int]float64) ([]int, error) {
	g, err := m.Get(groupID)
	if err != nil {
		return nil, err
	}

	byMetric := make(map[string][]models.Range)
	for _, sel := range g.Selections {
		byMetric[sel.Metric] = append(byMetric[sel.Metric], sel.Range)
	}
	metrics := make([]string, 0, len(byMetric))
	for metric := range byMetric {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	matched := featureset.Sorted(candidates)
	for _, metric := range metrics {
		metricScores := scores[metric]
		var hits []int
		for _, id := range matched {
			v, ok := metricScores[id]
			if !ok {
				continue
			}
			for _, r := range byMetric[metric] {
				if r.Contains(v) {
					hits = append(hits, id)
					break
				}
			}
		}
		matched = hits
	}
	if matched == nil {
		matched = []int{}
	}
	return matched, nil
}

func check(sel Selection) error {
	if err := validate.Struct(sel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func copySelection(s Selection) Selection {
	s.BarIndices = append([]int(nil), s.BarIndices...)
	return s
}

func copyGroup(g *Group) Group {
	c := *g
	c.Selections = make([]Selection, len(g.Selections))
	for i, s := range g.Selections {
		c.Selections[i] = copySelection(s)
	}
	return c
}
