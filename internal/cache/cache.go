// Package cache provides caching for indicator query payloads.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meetmap/server/internal/grid"
)

// Config contains cache configuration.
type Config struct {
	ViewportSizeMB  int
	ViewportTTL     time.Duration
	LookupCacheSize int
}

// Manager caches marshaled query results between the API and the external
// store. Viewport queries churn with map panning and get a TTL cache;
// children and point lookups are keyed exactly, so an LRU is enough.
type Manager struct {
	viewport *bigcache.BigCache
	lookups  *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	viewportConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.ViewportTTL,
		CleanWindow:        cfg.ViewportTTL / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       256 * 1024,
		HardMaxCacheSize:   cfg.ViewportSizeMB,
		Verbose:            false,
	}

	viewport, err := bigcache.New(context.Background(), viewportConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create viewport cache: %w", err)
	}

	lookups, err := lru.New[string, []byte](cfg.LookupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup cache: %w", err)
	}

	return &Manager{
		viewport: viewport,
		lookups:  lookups,
	}, nil
}

// GetViewport retrieves a cached viewport query result.
func (m *Manager) GetViewport(key string) ([]byte, bool) {
	data, err := m.viewport.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetViewport stores a viewport query result.
func (m *Manager) SetViewport(key string, data []byte) error {
	return m.viewport.Set(key, data)
}

// GetLookup retrieves a cached children or points lookup.
func (m *Manager) GetLookup(key string) ([]byte, bool) {
	return m.lookups.Get(key)
}

// SetLookup stores a children or points lookup.
func (m *Manager) SetLookup(key string, data []byte) {
	m.lookups.Add(key, data)
}

// Flush drops every cached payload. Called when a rebuild completes so
// readers never serve clusters from the replaced generation longer than
// one request.
func (m *Manager) Flush() {
	m.viewport.Reset()
	m.lookups.Purge()
}

// ViewportKey generates a cache key for a tier+filter+bounds query.
func ViewportKey(tier int, filter string, bounds *grid.Bounds) string {
	if bounds == nil {
		return fmt.Sprintf("vp:%d:%s:all", tier, filter)
	}
	return fmt.Sprintf("vp:%d:%s:%.4f/%.4f/%.4f/%.4f",
		tier, filter, bounds.North, bounds.South, bounds.East, bounds.West)
}

// ChildrenKey generates a cache key for a child-cluster lookup.
func ChildrenKey(parentGridKey, filter string) string {
	return "ch:" + parentGridKey + ":" + filter
}

// PointsKey generates a cache key for a finest-cell points lookup.
func PointsKey(gridKey string) string {
	return "pt:" + gridKey
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"viewport_cache_len": m.viewport.Len(),
		"viewport_cache_cap": m.viewport.Capacity(),
		"lookup_cache_len":   m.lookups.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.viewport.Close()
}
