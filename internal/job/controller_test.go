package job

import (
	"errors"
	"testing"
)

func TestControllerStartGuard(t *testing.T) {
	c := NewController()

	runID, err := c.Start(false)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if runID == "" {
		t.Fatal("expected a run ID")
	}

	if _, err := c.Start(false); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start: expected ErrAlreadyRunning, got %v", err)
	}

	// The rejected start must leave the in-flight run untouched.
	snap := c.Snapshot()
	if snap.RunID != runID || !snap.Running {
		t.Errorf("in-flight state disturbed by rejected start: %+v", snap)
	}

	// Force override discards the stale run and begins a new one.
	forcedID, err := c.Start(true)
	if err != nil {
		t.Fatalf("forced start: %v", err)
	}
	if forcedID == runID {
		t.Error("forced start must produce a new run ID")
	}
}

func TestControllerStartAfterCompletion(t *testing.T) {
	c := NewController()
	runID, err := c.Start(false)
	if err != nil {
		t.Fatal(err)
	}
	c.Complete(runID)
	if _, err := c.Start(false); err != nil {
		t.Errorf("start after completion: %v", err)
	}
}

func TestControllerProgressMonotonic(t *testing.T) {
	c := NewController()
	runID, _ := c.Start(false)

	c.SetProgress(runID, 30)
	c.SetProgress(runID, 10) // must not regress
	if got := c.Snapshot().Progress; got != 30 {
		t.Errorf("progress = %v, want 30", got)
	}

	c.SetPhase(runID, PhasePersisting, 5) // phase change must not regress either
	snap := c.Snapshot()
	if snap.Progress != 30 {
		t.Errorf("progress after phase change = %v, want 30", snap.Progress)
	}
	if snap.Phase != PhasePersisting {
		t.Errorf("phase = %v, want persisting", snap.Phase)
	}
}

func TestControllerComplete(t *testing.T) {
	c := NewController()
	runID, _ := c.Start(false)
	c.SetPointCount(runID, 100)
	c.Complete(runID)

	snap := c.Snapshot()
	if snap.Running {
		t.Error("completed run still marked running")
	}
	if snap.Phase != PhaseCompleted {
		t.Errorf("phase = %v, want completed", snap.Phase)
	}
	if snap.Progress != 100 {
		t.Errorf("progress = %v, want 100", snap.Progress)
	}
	if snap.FinishedAt == nil {
		t.Error("missing finish timestamp")
	}
}

func TestControllerIgnoresSupersededRun(t *testing.T) {
	c := NewController()
	oldID, _ := c.Start(false)
	newID, err := c.Start(true)
	if err != nil {
		t.Fatalf("forced start: %v", err)
	}

	// Writes from the replaced run must all be no-ops.
	c.SetPhase(oldID, PhasePersisting, 80)
	c.SetProgress(oldID, 90)
	c.SetPointCount(oldID, 42)
	c.SetIndicatorCount(oldID, 7)
	c.SetPointUpdateCount(oldID, 7)
	c.AddError(oldID, "stale chunk failure")
	c.Complete(oldID)

	snap := c.Snapshot()
	if snap.RunID != newID || !snap.Running {
		t.Fatalf("superseded run polluted live state: %+v", snap)
	}
	if snap.Phase != PhaseFetching || snap.Progress != 0 {
		t.Errorf("phase/progress = %v/%v, want fetching/0", snap.Phase, snap.Progress)
	}
	if snap.PointCount != 0 || snap.IndicatorCount != 0 || len(snap.Errors) != 0 {
		t.Errorf("counters leaked from superseded run: %+v", snap)
	}

	// Complete from the dead run must not release the guard.
	if _, err := c.Start(false); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("guard released by superseded run: %v", err)
	}

	c.Complete(newID)
	if c.Snapshot().Running {
		t.Error("live run could not complete")
	}
}

func TestControllerFailReleasesGuard(t *testing.T) {
	c := NewController()
	runID, _ := c.Start(false)
	c.Fail(runID, errors.New("store unreachable"))

	snap := c.Snapshot()
	if snap.Running {
		t.Error("failed run still marked running")
	}
	if snap.Phase != PhaseFailed {
		t.Errorf("phase = %v, want failed", snap.Phase)
	}
	if len(snap.Errors) != 1 || snap.Errors[0] != "store unreachable" {
		t.Errorf("errors = %v", snap.Errors)
	}
	if _, err := c.Start(false); err != nil {
		t.Errorf("start after failure: %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewController()
	runID, _ := c.Start(false)
	c.AddError(runID, "first")

	snap := c.Snapshot()
	c.AddError(runID, "second")

	if len(snap.Errors) != 1 {
		t.Errorf("snapshot errors mutated after the fact: %v", snap.Errors)
	}
}
