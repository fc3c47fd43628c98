package tagging

import (
	"errors"
	"reflect"
	"testing"
)

func TestTagAndUntag(t *testing.T) {
	s := NewStore()

	if err := s.Tag("Fragmented", FeatureKey(3)); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	s.Tag("Fragmented", FeatureKey(1))
	s.Tag("Well-Explained", PairKey(1, "llama"))

	items, _ := s.Tags("Fragmented")
	if !reflect.DeepEqual(items, []string{"1", "3"}) {
		t.Errorf("Fragmented = %v", items)
	}

	// Categories of one kind exclude each other; other kinds are independent
	s.Tag("Monosemantic", FeatureKey(1))
	if c, _ := s.TagOf(KindFeature, "1"); c != "Monosemantic" {
		t.Errorf("feature 1 tag = %q", c)
	}
	if c, _ := s.TagOf(KindPair, "1|llama"); c != "Well-Explained" {
		t.Errorf("pair tag = %q", c)
	}

	// Untag only clears the named category
	s.Untag("Fragmented", FeatureKey(1))
	if _, ok := s.TagOf(KindFeature, "1"); !ok {
		t.Error("Untag of a different category removed the tag")
	}
	s.Untag("Monosemantic", FeatureKey(1))
	if _, ok := s.TagOf(KindFeature, "1"); ok {
		t.Error("tag not removed")
	}

	counts := s.Counts()
	if counts["Fragmented"] != 1 || counts["Well-Explained"] != 1 || counts["Need Revision"] != 0 {
		t.Errorf("counts = %v", counts)
	}
}

func TestUnknownCategory(t *testing.T) {
	s := NewStore()
	if err := s.Tag("Shiny", "1"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("Tag err = %v", err)
	}
	if _, err := s.Preview("Shiny", nil, 0); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("Preview err = %v", err)
	}
}

func TestPreview(t *testing.T) {
	s := NewStore()
	s.Tag("Fragmented", "2")

	scores := map[string]float64{"1": 0.9, "2": 0.95, "3": 0.4, "4": 0.9, "5": 0.6}
	got, err := s.Preview("Monosemantic", scores, 0.6)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	want := []Candidate{{"1", 0.9}, {"4", 0.9}, {"5", 0.6}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Preview = %v, want %v", got, want)
	}
	if items, _ := s.Tags("Monosemantic"); len(items) != 0 {
		t.Error("Preview must not tag")
	}

	applied, err := s.ApplyPreview("Monosemantic", scores, 0.6)
	if err != nil {
		t.Fatalf("ApplyPreview: %v", err)
	}
	if len(applied) != 3 {
		t.Errorf("applied = %v", applied)
	}
	items, _ := s.Tags("Monosemantic")
	if !reflect.DeepEqual(items, []string{"1", "4", "5"}) {
		t.Errorf("Monosemantic = %v", items)
	}

	again, _ := s.Preview("Monosemantic", scores, 0.6)
	if len(again) != 0 {
		t.Errorf("tagged items previewed again: %v", again)
	}
}
