// Package tagging holds manual feature and pair tags, and previews the items a
// score threshold would auto-tag.
package tagging

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var ErrUnknownCategory = errors.New("tagging: unknown category")

// Kind is what a category tags
type Kind string

const (
	KindFeature Kind = "feature"
	KindPair    Kind = "pair"
)

// Category is a tag an item can carry. Categories of the same kind are
// mutually exclusive.
type Category struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

var Categories = []Category{
	{Name: "Fragmented", Kind: KindFeature},
	{Name: "Monosemantic", Kind: KindFeature},
	{Name: "Well-Explained", Kind: KindPair},
	{Name: "Need Revision", Kind: KindPair},
}

// FeatureKey is the item key of a feature
func FeatureKey(featureID int) string {
	return fmt.Sprintf("%d", featureID)
}

// PairKey is the item key of a feature/explanation pair
func PairKey(featureID int, explainer string) string {
	return fmt.Sprintf("%d|%s", featureID, explainer)
}

// Candidate is an item an auto-tag threshold would select
type Candidate struct {
	Item  string  `json:"item"`
	Score float64 `json:"score"`
}

// Store holds the tags of one session
type Store struct {
	byItem map[string]string // item -> category name, per kind
	kinds  map[string]Kind
	mutex  sync.RWMutex
}

func NewStore() *Store {
	kinds := make(map[string]Kind, len(Categories))
	for _, c := range Categories {
		kinds[c.Name] = c.Kind
	}
	return &Store{byItem: make(map[string]string), kinds: kinds}
}

func (s *Store) kind(category string) (Kind, error) {
	k, ok := s.kinds[category]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return k, nil
}

func slot(k Kind, item string) string { return string(k) + ":" + item }

// Tag puts item in category, replacing any other tag of the same kind
func (s *Store) Tag(category, item string) error {
	k, err := s.kind(category)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	s.byItem[slot(k, item)] = category
	s.mutex.Unlock()
	return nil
}

// Untag removes item from category. Untagging an untagged item is a no-op.
func (s *Store) Untag(category, item string) error {
	k, err := s.kind(category)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.byItem[slot(k, item)] == category {
		delete(s.byItem, slot(k, item))
	}
	return nil
}

// TagOf returns the item's tag of the given kind
func (s *Store) TagOf(k Kind, item string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	c, ok := s.byItem[slot(k, item)]
	return c, ok
}

// Tags returns the items in category, sorted
func (s *Store) Tags(category string) ([]string, error) {
	k, err := s.kind(category)
	if err != nil {
		return nil, err
	}
	prefix := string(k) + ":"

	s.mutex.RLock()
	defer s.mutex.RUnlock()
	items := []string{}
	for key, c := range s.byItem {
		if c == category {
			items = append(items, key[len(prefix):])
		}
	}
	sort.Strings(items)
	return items, nil
}

// Preview lists the items scoring at or above threshold that carry no tag of
// the category's kind yet, highest score first.
func (s *Store) Preview(category string, scores map[string]float64, threshold float64) ([]Candidate, error) {
	k, err := s.kind(category)
	if err != nil {
		return nil, err
	}

	s.mutex.RLock()
	out := []Candidate{}
	for item, score := range scores {
		if math.IsNaN(score) || score < threshold {
			continue
		}
		if _, tagged := s.byItem[slot(k, item)]; tagged {
			continue
		}
		out = append(out, Candidate{Item: item, Score: score})
	}
	s.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Item < out[j].Item
	})
	return out, nil
}

// ApplyPreview tags every previewed item and returns them
func (s *Store) ApplyPreview(category string, scores map[string]float64, threshold float64) ([]Candidate, error) {
	candidates, err := s.Preview(category, scores, threshold)
	if err != nil {
		return nil, err
	}
	k, _ := s.kind(category)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	applied := candidates[:0]
	for _, c := range candidates {
		// Skip items tagged by hand since the preview was taken
		if _, tagged := s.byItem[slot(k, c.Item)]; tagged {
			continue
		}
		s.byItem[slot(k, c.Item)] = category
		applied = append(applied, c)
	}
	return applied, nil
}

// Counts returns the number of items per category
func (s *Store) Counts() map[string]int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	counts := make(map[string]int, len(Categories))
	for _, c := range Categories {
		counts[c.Name] = 0
	}
	for _, c := range s.byItem {
		counts[c]++
	}
	return counts
}
