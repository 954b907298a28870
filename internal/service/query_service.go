// Package service provides business logic for the indicator server.
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meetmap/server/internal/cache"
	"github.com/meetmap/server/internal/grid"
	"github.com/meetmap/server/internal/indicator"
)

// ClusterReader is the read-side subset of the document store client.
type ClusterReader interface {
	QueryClusters(ctx context.Context, tier int, filter string, bounds *grid.Bounds) ([]indicator.Cluster, error)
	QueryChildren(ctx context.Context, parentGridKey, filter string) ([]indicator.Cluster, error)
	QueryPoints(ctx context.Context, gridKey string) ([]indicator.Point, error)
}

// QueryServiceConfig contains query service configuration.
type QueryServiceConfig struct {
	Reader ClusterReader
	Cache  *cache.Manager
}

// QueryService serves cluster and point lookups for the map frontend.
// Every result is marshaled once and cached as bytes; the handlers write
// the payload straight through.
type QueryService struct {
	reader ClusterReader
	cache  *cache.Manager
}

// NewQueryService creates a new query service.
func NewQueryService(cfg QueryServiceConfig) *QueryService {
	return &QueryService{
		reader: cfg.Reader,
		cache:  cfg.Cache,
	}
}

// ClustersFor returns the marshaled clusters for a tier, filter and optional
// viewport bounds. The filter string is normalized before it reaches the
// store, so unknown filters fall back to the unfiltered view.
func (s *QueryService) ClustersFor(ctx context.Context, tier int, filter string, bounds *grid.Bounds) ([]byte, error) {
	if tier < 1 || tier > grid.FinestTier {
		return nil, fmt.Errorf("invalid tier: %d", tier)
	}
	f := indicator.ParseFilter(filter)

	key := cache.ViewportKey(tier, f.String(), bounds)
	if data, ok := s.cache.GetViewport(key); ok {
		return data, nil
	}

	clusters, err := s.reader.QueryClusters(ctx, tier, f.String(), bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to query clusters: %w", err)
	}

	data, err := marshalClusters(clusters)
	if err != nil {
		return nil, err
	}
	s.cache.SetViewport(key, data)
	return data, nil
}

// ChildrenOf returns the marshaled child clusters of a parent cell, one tier
// finer, under the same filter.
func (s *QueryService) ChildrenOf(ctx context.Context, parentGridKey, filter string) ([]byte, error) {
	if _, _, _, err := grid.ParseKey(parentGridKey); err != nil {
		return nil, fmt.Errorf("invalid grid key %q: %w", parentGridKey, err)
	}
	f := indicator.ParseFilter(filter)

	key := cache.ChildrenKey(parentGridKey, f.String())
	if data, ok := s.cache.GetLookup(key); ok {
		return data, nil
	}

	clusters, err := s.reader.QueryChildren(ctx, parentGridKey, f.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}

	data, err := marshalClusters(clusters)
	if err != nil {
		return nil, err
	}
	s.cache.SetLookup(key, data)
	return data, nil
}

// PointsIn returns the marshaled raw points linked to a finest-tier cell.
// Only finest-tier cells carry point links, so coarser keys are rejected.
func (s *QueryService) PointsIn(ctx context.Context, gridKey string) ([]byte, error) {
	tier, _, _, err := grid.ParseKey(gridKey)
	if err != nil {
		return nil, fmt.Errorf("invalid grid key %q: %w", gridKey, err)
	}
	if tier != grid.FinestTier {
		return nil, fmt.Errorf("points are only linked at tier %d, got tier %d", grid.FinestTier, tier)
	}

	key := cache.PointsKey(gridKey)
	if data, ok := s.cache.GetLookup(key); ok {
		return data, nil
	}

	points, err := s.reader.QueryPoints(ctx, gridKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}
	if points == nil {
		points = []indicator.Point{}
	}

	data, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal points: %w", err)
	}
	s.cache.SetLookup(key, data)
	return data, nil
}

// TierInfo describes the tier the frontend should request at a zoom level.
type TierInfo struct {
	Zoom     int     `json:"zoom"`
	Tier     int     `json:"tier"`
	CellSize float64 `json:"cell_size,omitempty"`
	Raw      bool    `json:"raw"`
}

// TierForZoom maps a map zoom level to the tier the client should query.
// Raw is set beyond the finest tier, where the frontend switches from
// clusters to individual points.
func (s *QueryService) TierForZoom(zoom int) TierInfo {
	tier := grid.TierForZoom(zoom)
	info := TierInfo{Zoom: zoom, Tier: tier, Raw: tier == 0}
	if tier > 0 {
		info.CellSize = grid.Tiers[tier-1].CellSize
	}
	return info
}

func marshalClusters(clusters []indicator.Cluster) ([]byte, error) {
	if clusters == nil {
		clusters = []indicator.Cluster{}
	}
	data, err := json.Marshal(clusters)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal clusters: %w", err)
	}
	return data, nil
}
