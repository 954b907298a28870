// Package api provides HTTP handlers for the MeetMap indicator server.
package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/meetmap/server/internal/cache"
	"github.com/meetmap/server/internal/grid"
	"github.com/meetmap/server/internal/job"
	"github.com/meetmap/server/internal/runstore"
	"github.com/meetmap/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Query        *service.QueryService
	Rebuilder    *job.Rebuilder
	Runs         *runstore.Store
	Cache        *cache.Manager
	SnapshotPath string
	CORSOrigins  []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/indicators", func(r chi.Router) {
		r.Post("/rebuild", rebuildHandler(cfg.Rebuilder))
		r.Get("/job", jobStatusHandler(cfg.Rebuilder))
		r.Get("/runs", runsHandler(cfg.Runs))
		r.Get("/runs/{runID}", runHandler(cfg.Runs))
		r.Get("/clusters", clustersHandler(cfg.Query))
		r.Get("/clusters/{gridKey}/children", childrenHandler(cfg.Query))
		r.Get("/clusters/{gridKey}/points", pointsHandler(cfg.Query))
		r.Get("/tier", tierHandler(cfg.Query))
		r.Get("/export", exportHandler(cfg.SnapshotPath))
		r.Get("/stats", statsHandler(cfg.Cache))
	})

	return r
}

// rebuildHandler triggers a full indicator rebuild in the background.
func rebuildHandler(rb *job.Rebuilder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rb == nil {
			http.Error(w, "rebuilder not configured", http.StatusNotImplemented)
			return
		}

		opts := job.Options{
			IncludeRegionFilters: parseBool(r.URL.Query(), "regions", true),
			Force:                parseBool(r.URL.Query(), "force", false),
		}

		runID, err := rb.Start(opts)
		if err != nil {
			if errors.Is(err, job.ErrAlreadyRunning) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"accepted": false,
					"reason":   "rebuild already running",
				})
				return
			}
			http.Error(w, "failed to start rebuild: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accepted": true,
			"run_id":   runID,
		})
	}
}

func jobStatusHandler(rb *job.Rebuilder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rb == nil {
			http.Error(w, "rebuilder not configured", http.StatusNotImplemented)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rb.Controller().Snapshot())
	}
}

func runsHandler(runs *runstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runs == nil {
			http.Error(w, "run history not configured", http.StatusNotImplemented)
			return
		}

		limit := 0
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			v, err := strconv.Atoi(limitStr)
			if err != nil || v <= 0 {
				http.Error(w, "invalid limit parameter", http.StatusBadRequest)
				return
			}
			if v > 200 {
				v = 200
			}
			limit = v
		}

		items, err := runs.ListRuns(limit)
		if err != nil {
			http.Error(w, "failed to list runs: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"runs":  items,
			"total": len(items),
		})
	}
}

func runHandler(runs *runstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runs == nil {
			http.Error(w, "run history not configured", http.StatusNotImplemented)
			return
		}

		run, err := runs.GetRun(chi.URLParam(r, "runID"))
		if err != nil {
			http.Error(w, "failed to load run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	}
}

func clustersHandler(svc *service.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tier, err := strconv.Atoi(r.URL.Query().Get("tier"))
		if err != nil {
			http.Error(w, "invalid tier parameter", http.StatusBadRequest)
			return
		}

		bounds, err := parseBounds(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		data, err := svc.ClustersFor(r.Context(), tier, r.URL.Query().Get("filter"), bounds)
		if err != nil {
			status := http.StatusInternalServerError
			if strings.Contains(err.Error(), "invalid tier") {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func childrenHandler(svc *service.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gridKey, err := url.PathUnescape(chi.URLParam(r, "gridKey"))
		if err != nil {
			http.Error(w, "invalid grid key", http.StatusBadRequest)
			return
		}

		data, err := svc.ChildrenOf(r.Context(), gridKey, r.URL.Query().Get("filter"))
		if err != nil {
			status := http.StatusInternalServerError
			if strings.Contains(err.Error(), "invalid grid key") {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func pointsHandler(svc *service.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gridKey, err := url.PathUnescape(chi.URLParam(r, "gridKey"))
		if err != nil {
			http.Error(w, "invalid grid key", http.StatusBadRequest)
			return
		}

		data, err := svc.PointsIn(r.Context(), gridKey)
		if err != nil {
			status := http.StatusInternalServerError
			msg := err.Error()
			if strings.Contains(msg, "invalid grid key") || strings.Contains(msg, "only linked at tier") {
				status = http.StatusBadRequest
			}
			http.Error(w, msg, status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func tierHandler(svc *service.QueryService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zoom, err := strconv.Atoi(r.URL.Query().Get("zoom"))
		if err != nil || zoom < 0 {
			http.Error(w, "invalid zoom parameter", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(svc.TierForZoom(zoom))
	}
}

// exportHandler serves the latest cluster snapshot written by the rebuild.
func exportHandler(snapshotPath string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if snapshotPath == "" {
			http.Error(w, "snapshot export not configured", http.StatusNotImplemented)
			return
		}

		info, err := os.Stat(snapshotPath)
		if err != nil || info.IsDir() {
			http.Error(w, "no snapshot available", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/zstd")
		w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(snapshotPath))
		http.ServeFile(w, r, snapshotPath)
	}
}

func statsHandler(mgr *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if mgr == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mgr.Stats())
	}
}

// parseBounds extracts an optional viewport from north/south/east/west query
// params. Either all four are present or the query is unbounded. Viewports
// that cross the antimeridian (east < west) are not supported; clients must
// split them into two requests.
func parseBounds(query url.Values) (*grid.Bounds, error) {
	keys := []string{"north", "south", "east", "west"}
	present := 0
	vals := make(map[string]float64, 4)
	for _, k := range keys {
		raw := strings.TrimSpace(query.Get(k))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("invalid " + k + " parameter")
		}
		vals[k] = v
		present++
	}

	if present == 0 {
		return nil, nil
	}
	if present != len(keys) {
		return nil, errors.New("bounds require north, south, east and west")
	}
	if vals["north"] < vals["south"] {
		return nil, errors.New("north must be >= south")
	}
	if vals["east"] < vals["west"] {
		return nil, errors.New("east must be >= west")
	}

	return &grid.Bounds{
		North: vals["north"],
		South: vals["south"],
		East:  vals["east"],
		West:  vals["west"],
	}, nil
}

func parseBool(query url.Values, key string, def bool) bool {
	raw := strings.TrimSpace(query.Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
