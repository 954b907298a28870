package runstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndFinishRun(t *testing.T) {
	s := newTestStore(t)

	started := time.Now().Add(-time.Minute)
	if err := s.CreateRun(&Run{ID: "r1", IncludeRegions: true, StartedAt: started}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("run not found")
	}
	if got.Status != StatusRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if !got.IncludeRegions || got.Forced {
		t.Errorf("options not persisted: %+v", got)
	}

	finished := time.Now()
	err = s.FinishRun(&Run{
		ID: "r1", Status: StatusCompleted,
		PointCount: 1200, IndicatorCount: 340, PointUpdateCount: 1100,
		Errors:     []string{"chunk 3 failed"},
		FinishedAt: &finished, DurationMs: 4200,
	})
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err = s.GetRun("r1")
	if err != nil {
		t.Fatalf("GetRun after finish: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.PointCount != 1200 || got.IndicatorCount != 340 || got.PointUpdateCount != 1100 {
		t.Errorf("counts not persisted: %+v", got)
	}
	if len(got.Errors) != 1 || got.Errors[0] != "chunk 3 failed" {
		t.Errorf("errors = %v", got.Errors)
	}
	if got.FinishedAt == nil {
		t.Error("missing finished timestamp")
	}
	if got.DurationMs != 4200 {
		t.Errorf("duration = %d, want 4200", got.DurationMs)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetRun("nope")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing run, got %+v", got)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.CreateRun(&Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("CreateRun(%s): %v", id, err)
		}
	}

	runs, err := s.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "new" || runs[1].ID != "mid" {
		t.Errorf("unexpected order: %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestMarkRunningAsFailed(t *testing.T) {
	s := newTestStore(t)

	s.CreateRun(&Run{ID: "interrupted", StartedAt: time.Now()})
	finished := time.Now()
	s.CreateRun(&Run{ID: "done", StartedAt: time.Now()})
	s.FinishRun(&Run{ID: "done", Status: StatusCompleted, FinishedAt: &finished})

	n, err := s.MarkRunningAsFailed("server restarted")
	if err != nil {
		t.Fatalf("MarkRunningAsFailed: %v", err)
	}
	if n != 1 {
		t.Errorf("marked %d runs, want 1", n)
	}

	got, _ := s.GetRun("interrupted")
	if got.Status != StatusFailed {
		t.Errorf("interrupted run status = %q, want failed", got.Status)
	}
	if len(got.Errors) != 1 || got.Errors[0] != "server restarted" {
		t.Errorf("errors = %v", got.Errors)
	}

	done, _ := s.GetRun("done")
	if done.Status != StatusCompleted {
		t.Errorf("completed run must be untouched, got %q", done.Status)
	}
}
