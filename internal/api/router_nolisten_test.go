package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/meetmap/server/internal/cache"
	"github.com/meetmap/server/internal/service"
)

func TestTierEndpoint_NoListen(t *testing.T) {
	cacheManager, err := cache.NewManager(cache.Config{
		ViewportSizeMB:  8,
		ViewportTTL:     1 * time.Minute,
		LookupCacheSize: 10,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	query := service.NewQueryService(service.QueryServiceConfig{
		Reader: &fakeStore{},
		Cache:  cacheManager,
	})

	router := NewRouter(RouterConfig{
		Query:       query,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/indicators/tier?zoom=8", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected %d, got %d: %s", http.StatusOK, rec.Code, rec.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if got, _ := payload["tier"].(float64); got != 3 {
		t.Fatalf("unexpected tier: got %v want 3", got)
	}
	if got, _ := payload["cell_size"].(float64); got != 1.0 {
		t.Fatalf("unexpected cell_size: got %v want 1.0", got)
	}
}
