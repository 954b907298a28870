// Package indicator holds the domain model for the spatial indicator
// pipeline: meeting points, grid clusters, and the per-tier aggregation that
// turns one into the other.
package indicator

import "github.com/meetmap/server/internal/grid"

// Meeting categories form a small closed set; anything else is normalized to
// CategoryOther so per-category tallies stay bounded.
var Categories = []string{
	"twelve_step",
	"secular",
	"faith_based",
	"wellness",
}

// CategoryOther is the bucket for category values outside the closed set.
const CategoryOther = "other"

// NormalizeCategory maps a raw category tag onto the closed set.
func NormalizeCategory(tag string) string {
	for _, c := range Categories {
		if tag == c {
			return c
		}
	}
	return CategoryOther
}

// Point is one meeting record as read from the external store. The store
// owns it; the pipeline only reads coordinates, category, and region, and
// writes back GridKey (the finest-tier cluster the point belongs to) at the
// end of a rebuild.
type Point struct {
	ID        string   `json:"_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Category  string   `json:"category"`
	Region    string   `json:"region"`
	GridKey   string   `json:"grid_key,omitempty"`
}

// HasCoordinates reports whether the point can participate in clustering.
// Points without both coordinates are excluded silently; a meeting with no
// location is a data gap, not a pipeline error.
func (p Point) HasCoordinates() bool {
	return p.Latitude != nil && p.Longitude != nil
}

// Cluster is one pre-aggregated indicator record: the summary of every point
// that falls in one grid cell, for one tier and one filter. Clusters are
// immutable once persisted; a rebuild replaces the full set.
type Cluster struct {
	GridKey       string         `json:"grid_key"`
	Tier          int            `json:"tier"`
	Filter        string         `json:"filter"`
	CentroidLat   float64        `json:"centroid_lat"`
	CentroidLng   float64        `json:"centroid_lng"`
	Count         int            `json:"count"`
	ByCategory    map[string]int `json:"by_category"`
	PrimaryRegion string         `json:"primary_region,omitempty"`
	Bounds        grid.Bounds    `json:"bounds"`
	ParentGridKey string         `json:"parent_grid_key,omitempty"`
}
