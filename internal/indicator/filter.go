package indicator

import (
	"sort"
	"strings"
)

// FilterKind discriminates the closed set of filter variants.
type FilterKind int

const (
	FilterAll FilterKind = iota
	FilterCategory
	FilterRegion
)

// RegionPrefix marks region filters in their encoded string form.
const RegionPrefix = "region:"

// RegionThreshold is the minimum number of points a region must have in the
// full corpus before a dedicated region filter is generated for it. Bounds
// filter fan-out for sparsely represented regions.
const RegionThreshold = 50

// Filter selects the subset of points one cluster set is computed for. It is
// decoded once at the boundary so the aggregation path never re-parses
// strings.
type Filter struct {
	Kind     FilterKind
	Category string
	Region   string
}

// AllFilter matches every point.
var AllFilter = Filter{Kind: FilterAll}

// CategoryFilter selects points with the given category tag.
func CategoryFilter(tag string) Filter {
	return Filter{Kind: FilterCategory, Category: tag}
}

// RegionFilter selects points with the given region code.
func RegionFilter(code string) Filter {
	return Filter{Kind: FilterRegion, Region: code}
}

// ParseFilter decodes a filter string: "all", a known category tag, or
// "region:<code>". Anything unrecognized decodes to the all filter. The
// permissive fallback is deliberate: a typo in a filter name degrades to an
// unfiltered view instead of silently losing data.
func ParseFilter(s string) Filter {
	if s == "" || s == "all" {
		return AllFilter
	}
	if code, ok := strings.CutPrefix(s, RegionPrefix); ok && code != "" {
		return RegionFilter(code)
	}
	for _, c := range Categories {
		if s == c {
			return CategoryFilter(c)
		}
	}
	if s == CategoryOther {
		return CategoryFilter(CategoryOther)
	}
	return AllFilter
}

// String encodes the filter back to its persisted form.
func (f Filter) String() string {
	switch f.Kind {
	case FilterCategory:
		return f.Category
	case FilterRegion:
		return RegionPrefix + f.Region
	default:
		return "all"
	}
}

// Match reports whether a point belongs to the filter's subset.
func (f Filter) Match(p Point) bool {
	switch f.Kind {
	case FilterCategory:
		return NormalizeCategory(p.Category) == f.Category
	case FilterRegion:
		return p.Region == f.Region
	default:
		return true
	}
}

// Select returns the points matching the filter. The all filter returns the
// input slice unchanged.
func Select(points []Point, f Filter) []Point {
	if f.Kind == FilterAll {
		return points
	}
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if f.Match(p) {
			out = append(out, p)
		}
	}
	return out
}

// BaseFilters returns the fixed filter set every rebuild computes: the all
// filter plus one filter per category (including the other bucket).
func BaseFilters() []Filter {
	filters := make([]Filter, 0, len(Categories)+2)
	filters = append(filters, AllFilter)
	for _, c := range Categories {
		filters = append(filters, CategoryFilter(c))
	}
	filters = append(filters, CategoryFilter(CategoryOther))
	return filters
}

// ActiveRegions returns region codes whose point count in the full corpus
// exceeds the threshold, sorted for a deterministic rebuild order.
func ActiveRegions(points []Point, threshold int) []string {
	counts := make(map[string]int)
	for _, p := range points {
		if p.Region != "" {
			counts[p.Region]++
		}
	}
	regions := make([]string, 0, len(counts))
	for code, n := range counts {
		if n > threshold {
			regions = append(regions, code)
		}
	}
	sort.Strings(regions)
	return regions
}
