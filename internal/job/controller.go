// Package job runs the full indicator rebuild: fetch every point, purge the
// old cluster set, re-aggregate across all filters and tiers, and persist the
// result, tracking progress in a single guarded state object.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase labels the stage a rebuild is in.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseFetching      Phase = "fetching"
	PhasePurging       Phase = "purging"
	PhaseClustering    Phase = "clustering"
	PhasePersisting    Phase = "persisting"
	PhaseLinkingPoints Phase = "linking_points"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
)

// ErrAlreadyRunning is returned when a rebuild is requested while one is in
// flight and no override was supplied.
var ErrAlreadyRunning = errors.New("rebuild already running")

// State is the snapshot callers poll while a rebuild runs. Counts reflect
// successful writes, not attempts; Errors accumulates non-fatal chunk
// failures.
type State struct {
	RunID            string     `json:"run_id,omitempty"`
	Running          bool       `json:"running"`
	Phase            Phase      `json:"phase"`
	Progress         float64    `json:"progress"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	PointCount       int        `json:"point_count"`
	IndicatorCount   int        `json:"indicator_count"`
	PointUpdateCount int        `json:"point_update_count"`
	Errors           []string   `json:"errors,omitempty"`
	LastDurationMs   int64      `json:"last_duration_ms,omitempty"`
}

// Controller owns rebuild state behind one mutex. Every read and every field
// mutation holds the lock, so status pollers always see a coherent snapshot,
// and the start check-and-set is atomic relative to other starters.
type Controller struct {
	mu    sync.Mutex
	state State
}

// NewController returns a controller in the idle state. State is in-memory
// only; a process restart resets it, which is why interrupted runs are
// reconciled from the run history at startup instead.
func NewController() *Controller {
	return &Controller{state: State{Phase: PhaseIdle}}
}

// Start transitions to a fresh running state and returns the new run ID.
// While a run is in flight it fails with ErrAlreadyRunning unless force is
// set, in which case the stale state is discarded and a new run begins. The
// superseded run's goroutine may still be alive; every mutation below is
// scoped to a run ID, so its writes become no-ops once it is replaced.
func (c *Controller) Start(force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Running && !force {
		return "", ErrAlreadyRunning
	}

	now := time.Now()
	c.state = State{
		RunID:          uuid.NewString(),
		Running:        true,
		Phase:          PhaseFetching,
		StartedAt:      &now,
		LastDurationMs: c.state.LastDurationMs,
	}
	return c.state.RunID, nil
}

// SetPhase moves the run to a new phase. Progress only moves forward;
// pollers must never observe it decreasing.
func (c *Controller) SetPhase(runID string, p Phase, progress float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID != c.state.RunID {
		return
	}
	c.state.Phase = p
	if progress > c.state.Progress {
		c.state.Progress = progress
	}
}

// SetProgress advances the progress percentage, clamped to be non-decreasing.
func (c *Controller) SetProgress(runID string, progress float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID != c.state.RunID {
		return
	}
	if progress > c.state.Progress {
		c.state.Progress = progress
	}
}

// SetPointCount records how many points the fetch has produced so far.
func (c *Controller) SetPointCount(runID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID != c.state.RunID {
		return
	}
	c.state.PointCount = n
}

// SetIndicatorCount records how many cluster records were persisted.
func (c *Controller) SetIndicatorCount(runID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID != c.state.RunID {
		return
	}
	c.state.IndicatorCount = n
}

// SetPointUpdateCount records how many point link-backs succeeded.
func (c *Controller) SetPointUpdateCount(runID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID != c.state.RunID {
		return
	}
	c.state.PointUpdateCount = n
}

// AddError appends a non-fatal error message to the run.
func (c *Controller) AddError(runID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID != c.state.RunID {
		return
	}
	c.state.Errors = append(c.state.Errors, msg)
}

// Complete freezes the run as successful and releases the running guard.
func (c *Controller) Complete(runID string) {
	c.finish(runID, PhaseCompleted, "")
}

// Fail freezes the run as failed, recording the fatal error, and releases
// the running guard.
func (c *Controller) Fail(runID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.finish(runID, PhaseFailed, msg)
}

// finish releases the guard only when runID still owns the state. A run
// superseded by a forced restart must not flip Running off under the run
// that replaced it.
func (c *Controller) finish(runID string, phase Phase, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if runID != c.state.RunID {
		return
	}

	now := time.Now()
	c.state.Running = false
	c.state.Phase = phase
	c.state.FinishedAt = &now
	if phase == PhaseCompleted {
		c.state.Progress = 100
	}
	if errMsg != "" {
		c.state.Errors = append(c.state.Errors, errMsg)
	}
	if c.state.StartedAt != nil {
		c.state.LastDurationMs = now.Sub(*c.state.StartedAt).Milliseconds()
	}
}

// Snapshot returns a copy of the current state, safe to read after release.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.state
	if len(c.state.Errors) > 0 {
		snap.Errors = append([]string(nil), c.state.Errors...)
	}
	return snap
}
