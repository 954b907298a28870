package indicator

import (
	"fmt"
	"testing"
)

func fp(v float64) *float64 { return &v }

func TestParseFilter(t *testing.T) {
	tests := []struct {
		in   string
		want Filter
	}{
		{"all", AllFilter},
		{"", AllFilter},
		{"twelve_step", CategoryFilter("twelve_step")},
		{"secular", CategoryFilter("secular")},
		{"other", CategoryFilter("other")},
		{"region:CA", RegionFilter("CA")},
		{"region:NY", RegionFilter("NY")},
		// Unrecognized strings fall back to the all filter rather than
		// erroring; a typo degrades to an unfiltered view.
		{"twelvestep", AllFilter},
		{"region:", AllFilter},
		{"bogus", AllFilter},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseFilter(tt.in)
			if got != tt.want {
				t.Errorf("ParseFilter(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFilterStringRoundTrip(t *testing.T) {
	for _, f := range []Filter{AllFilter, CategoryFilter("secular"), RegionFilter("TX")} {
		if got := ParseFilter(f.String()); got != f {
			t.Errorf("round trip failed for %+v: encoded %q, decoded %+v", f, f.String(), got)
		}
	}
}

func TestSelect(t *testing.T) {
	points := []Point{
		{ID: "1", Latitude: fp(37), Longitude: fp(-122), Category: "secular", Region: "CA"},
		{ID: "2", Latitude: fp(38), Longitude: fp(-121), Category: "twelve_step", Region: "CA"},
		{ID: "3", Latitude: fp(40), Longitude: fp(-74), Category: "mystery", Region: "NY"},
	}

	t.Run("all returns input unchanged", func(t *testing.T) {
		got := Select(points, AllFilter)
		if len(got) != 3 {
			t.Fatalf("expected all 3 points, got %d", len(got))
		}
	})

	t.Run("category", func(t *testing.T) {
		got := Select(points, CategoryFilter("secular"))
		if len(got) != 1 || got[0].ID != "1" {
			t.Fatalf("expected point 1, got %+v", got)
		}
	})

	t.Run("unknown category matches the other bucket", func(t *testing.T) {
		got := Select(points, CategoryFilter(CategoryOther))
		if len(got) != 1 || got[0].ID != "3" {
			t.Fatalf("expected point 3, got %+v", got)
		}
	})

	t.Run("region", func(t *testing.T) {
		got := Select(points, RegionFilter("CA"))
		if len(got) != 2 {
			t.Fatalf("expected 2 CA points, got %d", len(got))
		}
	})
}

func TestActiveRegions(t *testing.T) {
	var points []Point
	for i := 0; i < 60; i++ {
		points = append(points, Point{ID: fmt.Sprintf("ca%d", i), Region: "CA"})
	}
	for i := 0; i < 50; i++ {
		points = append(points, Point{ID: fmt.Sprintf("ny%d", i), Region: "NY"})
	}
	for i := 0; i < 5; i++ {
		points = append(points, Point{ID: fmt.Sprintf("wy%d", i), Region: "WY"})
	}
	points = append(points, Point{ID: "blank"})

	got := ActiveRegions(points, RegionThreshold)
	// CA exceeds the threshold; NY sits exactly at it and is excluded.
	if len(got) != 1 || got[0] != "CA" {
		t.Errorf("ActiveRegions = %v, want [CA]", got)
	}
}

func TestBaseFilters(t *testing.T) {
	filters := BaseFilters()
	if filters[0] != AllFilter {
		t.Error("first base filter must be the all filter")
	}
	// all + closed categories + other
	want := len(Categories) + 2
	if len(filters) != want {
		t.Errorf("expected %d base filters, got %d", want, len(filters))
	}
}
