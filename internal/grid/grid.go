// Package grid maps coordinates to stable grid-cell identities across the
// five aggregation tiers used by the indicator pipeline.
package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Tier describes one aggregation level: its grid cell size in coordinate
// degrees and the map zoom range it serves.
type Tier struct {
	Level    int
	CellSize float64
	MinZoom  int
	MaxZoom  int
}

// Tiers is the fixed tier configuration, ordered coarsest (tier 1) to finest
// (tier 5). Cell sizes strictly decrease toward the finest tier. Changing
// these values invalidates every persisted grid key, so they are compiled in
// rather than configured.
var Tiers = [5]Tier{
	{Level: 1, CellSize: 5.0, MinZoom: 0, MaxZoom: 4},
	{Level: 2, CellSize: 2.5, MinZoom: 5, MaxZoom: 6},
	{Level: 3, CellSize: 1.0, MinZoom: 7, MaxZoom: 8},
	{Level: 4, CellSize: 0.5, MinZoom: 9, MaxZoom: 10},
	{Level: 5, CellSize: 0.25, MinZoom: 11, MaxZoom: 12},
}

// FinestTier is the only tier whose clusters are linked back onto points.
const FinestTier = 5

// keyPrecision is the number of fractional digits in a grid key. Two digits
// exceed the least significant digit of the smallest cell size (0.25), so two
// rounded buckets format to the same key iff they are the same bucket.
const keyPrecision = 2

// CellSize returns the cell size for a tier. Panics on a tier outside 1..5;
// tiers come from the fixed table, never from user input.
func CellSize(tier int) float64 {
	return Tiers[tier-1].CellSize
}

// Bucket rounds a coordinate to the tier's grid, returning the bucket value
// the coordinate falls in.
func Bucket(tier int, coord float64) float64 {
	cs := CellSize(tier)
	return math.Round(coord/cs) * cs
}

// Key returns the stable identity of the grid cell containing (lat, lng) at
// the given tier, formatted as "tier:latBucket:lngBucket".
func Key(tier int, lat, lng float64) string {
	return FormatKey(tier, Bucket(tier, lat), Bucket(tier, lng))
}

// FormatKey formats already-bucketed coordinates into a grid key. Adding
// zero first collapses IEEE negative zero, which would otherwise format as
// "-0.00" and split the cell straddling the equator or prime meridian.
func FormatKey(tier int, latBucket, lngBucket float64) string {
	latBucket += 0
	lngBucket += 0
	return fmt.Sprintf("%d:%.*f:%.*f", tier, keyPrecision, latBucket, keyPrecision, lngBucket)
}

// ParentKey returns the key of the cell this position rolls up into at the
// next coarser tier, or "" at tier 1. The position is expected to be a
// cluster centroid, not a bucket value: a centroid near a coarse-cell border
// should attach to the parent cell it actually sits in.
func ParentKey(tier int, lat, lng float64) string {
	if tier <= 1 {
		return ""
	}
	return Key(tier-1, lat, lng)
}

// ParseKey splits a grid key back into its tier and bucket values.
func ParseKey(key string) (tier int, latBucket, lngBucket float64, err error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("malformed grid key %q", key)
	}
	tier, err = strconv.Atoi(parts[0])
	if err != nil || tier < 1 || tier > len(Tiers) {
		return 0, 0, 0, fmt.Errorf("invalid tier in grid key %q", key)
	}
	latBucket, err = strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid lat bucket in grid key %q", key)
	}
	lngBucket, err = strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid lng bucket in grid key %q", key)
	}
	return tier, latBucket, lngBucket, nil
}

// Bounds is a geographic bounding box.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// Contains reports whether (lat, lng) falls inside the box, edges inclusive.
func (b Bounds) Contains(lat, lng float64) bool {
	return lat <= b.North && lat >= b.South && lng <= b.East && lng >= b.West
}

// CellBounds returns the geographic extent of a grid cell: bucket center
// plus/minus half the cell size on each axis. This is a property of the cell
// itself, independent of where constituent points cluster inside it.
func CellBounds(tier int, latBucket, lngBucket float64) Bounds {
	half := CellSize(tier) / 2
	return Bounds{
		North: latBucket + half,
		South: latBucket - half,
		East:  lngBucket + half,
		West:  lngBucket - half,
	}
}

// TierForZoom maps a client zoom level to the tier whose clusters should be
// rendered at that zoom. Returns 0 above the finest configured range, meaning
// the client should render raw points instead of clusters.
func TierForZoom(zoom int) int {
	for _, t := range Tiers {
		if zoom <= t.MaxZoom {
			return t.Level
		}
	}
	return 0
}
