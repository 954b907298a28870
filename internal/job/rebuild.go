package job

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/meetmap/server/internal/indicator"
	"github.com/meetmap/server/internal/runstore"
	"github.com/meetmap/server/internal/store"
)

// Store is the slice of the store adapter the rebuild needs.
type Store interface {
	FetchPoints(ctx context.Context, onPage func(fetched int)) ([]indicator.Point, error)
	PurgeClusters(ctx context.Context, filter string) error
	CreateClusters(ctx context.Context, clusters []indicator.Cluster) store.BatchResult
	UpdatePointLinks(ctx context.Context, links map[string]string) store.BatchResult
}

// Options control one rebuild request.
type Options struct {
	IncludeRegionFilters bool
	Force                bool
}

// Config contains rebuilder settings.
type Config struct {
	Workers      int    // concurrent per-filter aggregations (default 4)
	SnapshotPath string // zstd snapshot of the cluster set; empty disables it
}

// Rebuilder drives the full purge-then-repopulate pipeline as a background
// task. Only one rebuild runs at a time, enforced by the controller's
// check-and-set; the guard is released unconditionally, even on panic.
type Rebuilder struct {
	store Store
	ctrl  *Controller
	runs  *runstore.Store // optional run history; nil disables it
	cfg   Config

	// Invalidate is called after a successful rebuild so read-side caches
	// can drop stale cluster payloads.
	Invalidate func()
}

// NewRebuilder creates a rebuilder. runs may be nil.
func NewRebuilder(s Store, ctrl *Controller, runs *runstore.Store, cfg Config) *Rebuilder {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Rebuilder{store: s, ctrl: ctrl, runs: runs, cfg: cfg}
}

// Controller exposes the job state for status polling.
func (r *Rebuilder) Controller() *Controller {
	return r.ctrl
}

// Start launches a rebuild in the background and returns its run ID, or
// ErrAlreadyRunning when one is in flight and opts.Force is unset. The
// trigger returns immediately; callers poll the controller for progress.
func (r *Rebuilder) Start(opts Options) (string, error) {
	runID, err := r.begin(opts)
	if err != nil {
		return "", err
	}
	go r.run(context.Background(), runID, opts)
	return runID, nil
}

// RunSync executes a rebuild on the calling goroutine. Used by tests and
// one-shot invocations that want join semantics instead of fire-and-forget.
func (r *Rebuilder) RunSync(ctx context.Context, opts Options) (string, error) {
	runID, err := r.begin(opts)
	if err != nil {
		return "", err
	}
	r.run(ctx, runID, opts)
	if snap := r.ctrl.Snapshot(); snap.Phase == PhaseFailed {
		return runID, fmt.Errorf("rebuild %s failed: %v", runID, snap.Errors)
	}
	return runID, nil
}

// begin acquires the single-run guard and records the run's start.
func (r *Rebuilder) begin(opts Options) (string, error) {
	runID, err := r.ctrl.Start(opts.Force)
	if err != nil {
		return "", err
	}
	if r.runs != nil {
		if err := r.runs.CreateRun(&runstore.Run{
			ID:             runID,
			IncludeRegions: opts.IncludeRegionFilters,
			Forced:         opts.Force,
			StartedAt:      time.Now(),
		}); err != nil {
			log.Printf("[Rebuild] failed to record run %s: %v", runID, err)
		}
	}
	return runID, nil
}

func (r *Rebuilder) run(ctx context.Context, runID string, opts Options) {
	start := time.Now()
	var err error

	// The guard release must be unconditional: a panic anywhere in the
	// pipeline must never leave the job permanently running.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("rebuild panicked: %v", rec)
		}
		r.finish(runID, opts, err, time.Since(start))
	}()

	err = r.execute(ctx, runID, opts)
}

func (r *Rebuilder) execute(ctx context.Context, runID string, opts Options) error {
	// Fetching: pull the whole corpus, paginated. Progress ramps toward the
	// purge mark without knowing the total up front.
	r.ctrl.SetPhase(runID, PhaseFetching, 1)
	points, err := r.store.FetchPoints(ctx, func(fetched int) {
		r.ctrl.SetPointCount(runID, fetched)
		r.ctrl.SetProgress(runID, 15*float64(fetched)/float64(fetched+2000))
	})
	if err != nil {
		return fmt.Errorf("fetch points: %w", err)
	}
	r.ctrl.SetPointCount(runID, len(points))
	log.Printf("[Rebuild] fetched %d points", len(points))

	// Purging: failure here is fatal. Repopulating on top of a surviving
	// cluster set would duplicate records.
	r.ctrl.SetPhase(runID, PhasePurging, 15)
	if err := r.store.PurgeClusters(ctx, ""); err != nil {
		return fmt.Errorf("purge clusters: %w", err)
	}

	// Clustering: filters are independent over shared immutable input, so
	// they run on a bounded worker pool.
	r.ctrl.SetPhase(runID, PhaseClustering, 20)
	filters := indicator.BaseFilters()
	if opts.IncludeRegionFilters {
		for _, code := range indicator.ActiveRegions(points, indicator.RegionThreshold) {
			filters = append(filters, indicator.RegionFilter(code))
		}
	}

	clusters, links, err := r.clusterAll(runID, points, filters)
	if err != nil {
		return err
	}
	log.Printf("[Rebuild] %d filters produced %d clusters, %d point links",
		len(filters), len(clusters), len(links))

	// Persisting: chunk failures are non-fatal and reported, not retried.
	r.ctrl.SetPhase(runID, PhasePersisting, 60)
	res := r.store.CreateClusters(ctx, clusters)
	for _, msg := range res.Errors {
		r.ctrl.AddError(runID, msg)
	}
	r.ctrl.SetIndicatorCount(runID, res.Succeeded)
	if res.Failed > 0 {
		log.Printf("[Rebuild] persisted %d/%d clusters (%d failed)", res.Succeeded, res.Attempted, res.Failed)
	}

	// LinkingPoints: same partial-failure policy.
	r.ctrl.SetPhase(runID, PhaseLinkingPoints, 90)
	lres := r.store.UpdatePointLinks(ctx, links)
	for _, msg := range lres.Errors {
		r.ctrl.AddError(runID, msg)
	}
	r.ctrl.SetPointUpdateCount(runID, lres.Succeeded)

	if r.cfg.SnapshotPath != "" {
		if err := WriteSnapshot(r.cfg.SnapshotPath, runID, clusters); err != nil {
			// Snapshot export is a convenience; its failure never fails a run.
			log.Printf("[Rebuild] snapshot write failed: %v", err)
			r.ctrl.AddError(runID, fmt.Sprintf("snapshot: %v", err))
		}
	}

	if r.Invalidate != nil {
		r.Invalidate()
	}
	return nil
}

// clusterAll aggregates every filter across all tiers on a bounded worker
// pool and returns the combined cluster set plus the finest-tier all-filter
// point links.
func (r *Rebuilder) clusterAll(runID string, points []indicator.Point, filters []indicator.Filter) ([]indicator.Cluster, map[string]string, error) {
	jobs := make(chan indicator.Filter, len(filters))
	for _, f := range filters {
		jobs <- f
	}
	close(jobs)

	var (
		mu        sync.Mutex
		clusters  []indicator.Cluster
		links     map[string]string
		done      int
		workerErr error
	)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A panicking worker records the failure and exits; the buffered
			// channel lets the remaining workers drain the queue.
			defer func() {
				if rec := recover(); rec != nil {
					mu.Lock()
					workerErr = fmt.Errorf("clustering panicked: %v", rec)
					mu.Unlock()
				}
			}()
			for f := range jobs {
				cs, ls := indicator.AggregateFilter(points, f)
				mu.Lock()
				clusters = append(clusters, cs...)
				if ls != nil {
					links = ls
				}
				done++
				r.ctrl.SetProgress(runID, 20+40*float64(done)/float64(len(filters)))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if workerErr != nil {
		return nil, nil, workerErr
	}

	// Worker interleaving scrambles append order; sort so persistence chunks
	// and snapshots are stable across runs of the same input.
	sort.Slice(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.Filter != b.Filter {
			return a.Filter < b.Filter
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		return a.GridKey < b.GridKey
	})

	return clusters, links, nil
}

func (r *Rebuilder) finish(runID string, opts Options, err error, elapsed time.Duration) {
	status := runstore.StatusCompleted
	if err != nil {
		status = runstore.StatusFailed
		log.Printf("[Rebuild] run %s failed after %s: %v", runID, elapsed.Round(time.Millisecond), err)
		r.ctrl.Fail(runID, err)
	} else {
		log.Printf("[Rebuild] run %s completed in %s", runID, elapsed.Round(time.Millisecond))
		r.ctrl.Complete(runID)
	}

	if r.runs == nil {
		return
	}
	finished := time.Now()
	rec := runstore.Run{
		ID:             runID,
		Status:         status,
		IncludeRegions: opts.IncludeRegionFilters,
		Forced:         opts.Force,
		FinishedAt:     &finished,
		DurationMs:     elapsed.Milliseconds(),
	}
	// If a forced restart replaced this run, the controller's counters
	// belong to the new run; record only what is still attributable.
	if snap := r.ctrl.Snapshot(); snap.RunID == runID {
		rec.PointCount = snap.PointCount
		rec.IndicatorCount = snap.IndicatorCount
		rec.PointUpdateCount = snap.PointUpdateCount
		rec.Errors = snap.Errors
	} else if err != nil {
		rec.Errors = []string{err.Error()}
	}
	if recErr := r.runs.FinishRun(&rec); recErr != nil {
		log.Printf("[Rebuild] failed to record finish for run %s: %v", runID, recErr)
	}
}
