package indicator

import (
	"sort"

	"github.com/meetmap/server/internal/grid"
)

// accumulator collects running sums for one grid cell while points are
// folded in. Centroid and primary region are derived at finalize time.
type accumulator struct {
	latBucket  float64
	lngBucket  float64
	sumLat     float64
	sumLng     float64
	count      int
	byCategory map[string]int
	byRegion   map[string]int
	pointIDs   []string
}

// Aggregate folds the given points into clusters at one tier for one filter.
// Points without coordinates are skipped. When captureLinks is true the
// returned map carries point ID to grid key for every constituent point;
// callers must only set it for the finest tier under the all filter, since a
// point has exactly one canonical finest-tier cluster no matter how many
// filtered views it appears in.
func Aggregate(points []Point, f Filter, tier int, captureLinks bool) ([]Cluster, map[string]string) {
	cells := make(map[string]*accumulator)
	order := make([]string, 0)

	for _, p := range points {
		if !p.HasCoordinates() {
			continue
		}
		lat, lng := *p.Latitude, *p.Longitude
		key := grid.Key(tier, lat, lng)

		acc, ok := cells[key]
		if !ok {
			acc = &accumulator{
				latBucket:  grid.Bucket(tier, lat),
				lngBucket:  grid.Bucket(tier, lng),
				byCategory: make(map[string]int),
				byRegion:   make(map[string]int),
			}
			cells[key] = acc
			order = append(order, key)
		}

		acc.sumLat += lat
		acc.sumLng += lng
		acc.count++
		acc.byCategory[NormalizeCategory(p.Category)]++
		if p.Region != "" {
			acc.byRegion[p.Region]++
		}
		if captureLinks {
			acc.pointIDs = append(acc.pointIDs, p.ID)
		}
	}

	sort.Strings(order)

	clusters := make([]Cluster, 0, len(cells))
	var links map[string]string
	if captureLinks {
		links = make(map[string]string)
	}

	filterStr := f.String()
	for _, key := range order {
		acc := cells[key]
		centroidLat := acc.sumLat / float64(acc.count)
		centroidLng := acc.sumLng / float64(acc.count)

		clusters = append(clusters, Cluster{
			GridKey:       key,
			Tier:          tier,
			Filter:        filterStr,
			CentroidLat:   centroidLat,
			CentroidLng:   centroidLng,
			Count:         acc.count,
			ByCategory:    acc.byCategory,
			PrimaryRegion: primaryRegion(acc.byRegion),
			Bounds:        grid.CellBounds(tier, acc.latBucket, acc.lngBucket),
			ParentGridKey: grid.ParentKey(tier, centroidLat, centroidLng),
		})

		for _, id := range acc.pointIDs {
			links[id] = key
		}
	}

	return clusters, links
}

// primaryRegion picks the region with the highest count. Ties break on map
// iteration order; which region wins a tie is not guaranteed across runs.
func primaryRegion(byRegion map[string]int) string {
	best := ""
	bestCount := 0
	for code, n := range byRegion {
		if n > bestCount {
			best = code
			bestCount = n
		}
	}
	return best
}

// AggregateFilter runs the fold across every tier for one filter, finest to
// coarsest. Each tier is computed independently from the raw points, so
// ordering does not affect cluster contents, but the finest tier must run
// before per-tier state is reused and one fixed order keeps runs comparable.
// The returned link map is non-nil only for the all filter.
func AggregateFilter(points []Point, f Filter) ([]Cluster, map[string]string) {
	selected := Select(points, f)

	var all []Cluster
	var links map[string]string
	for tier := grid.FinestTier; tier >= 1; tier-- {
		capture := tier == grid.FinestTier && f.Kind == FilterAll
		clusters, tierLinks := Aggregate(selected, f, tier, capture)
		all = append(all, clusters...)
		if capture {
			links = tierLinks
		}
	}
	return all, links
}
