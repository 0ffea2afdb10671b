package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"extractd/internal/apperrors"
	"extractd/internal/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestJob(sessionID string) *job.Job {
	return &job.Job{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		ProjectID:   "proj-1",
		Type:        job.TypeExtraction,
		Status:      job.StatusPending,
		TotalSteps:  7,
		DocumentIDs: []string{"doc-1", "doc-2"},
		CreatedAt:   time.Now().UTC(),
	}
}

func mustCreate(t *testing.T, s *Store, j *job.Job) {
	t.Helper()
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob("sess-1")
	j.UserID = "user-1"
	j.TargetFields = []byte(`{"fields":["amount"]}`)
	j.Callback = &job.Callback{URL: "https://example.com/hook", Events: []string{"job.completed"}, Key: "secret"}
	mustCreate(t, s, j)

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.SessionID != "sess-1" || got.UserID != "user-1" {
		t.Errorf("got session=%q user=%q", got.SessionID, got.UserID)
	}
	if got.Status != job.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if len(got.DocumentIDs) != 2 || got.DocumentIDs[0] != "doc-1" {
		t.Errorf("DocumentIDs = %v", got.DocumentIDs)
	}
	if string(got.TargetFields) != `{"fields":["amount"]}` {
		t.Errorf("TargetFields = %s", got.TargetFields)
	}
	if got.Callback == nil || got.Callback.URL != "https://example.com/hook" || got.Callback.Key != "secret" {
		t.Errorf("Callback = %+v", got.Callback)
	}
	if got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("timestamps should be unset, got started=%v completed=%v", got.StartedAt, got.CompletedAt)
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "nope")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
}

func TestCompareAndSwapStatus(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob("sess-cas")
	mustCreate(t, s, j)

	ok, err := s.CompareAndSwapStatus(ctx, j.ID, job.StatusPending, job.StatusRunning, job.Update{})
	if err != nil || !ok {
		t.Fatalf("swap pending->running = (%v, %v), want (true, nil)", ok, err)
	}

	// Stale swap: the expected status no longer matches.
	ok, err = s.CompareAndSwapStatus(ctx, j.ID, job.StatusPending, job.StatusCancelled, job.Update{})
	if err != nil {
		t.Fatalf("stale swap error = %v", err)
	}
	if ok {
		t.Error("stale swap succeeded, want rejection")
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != job.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not stamped on swap to running")
	}
}

func TestCompareAndSwapAppliesUpdate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob("sess-upd")
	mustCreate(t, s, j)
	if ok, _ := s.CompareAndSwapStatus(ctx, j.ID, job.StatusPending, job.StatusRunning, job.Update{}); !ok {
		t.Fatal("swap to running rejected")
	}

	progress, records := 100, 42
	ok, err := s.CompareAndSwapStatus(ctx, j.ID, job.StatusRunning, job.StatusCompleted, job.Update{
		Progress:         &progress,
		RecordsProcessed: &records,
		Result:           []byte(`{"success":true}`),
	})
	if err != nil || !ok {
		t.Fatalf("swap running->completed = (%v, %v)", ok, err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Progress != 100 || got.RecordsProcessed != 42 {
		t.Errorf("progress=%d records=%d, want 100/42", got.Progress, got.RecordsProcessed)
	}
	if string(got.Result) != `{"success":true}` {
		t.Errorf("Result = %s", got.Result)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped on terminal swap")
	}
}

func TestStartedAtSetOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob("sess-once")
	mustCreate(t, s, j)

	if ok, _ := s.CompareAndSwapStatus(ctx, j.ID, job.StatusPending, job.StatusRunning, job.Update{}); !ok {
		t.Fatal("first swap to running rejected")
	}
	first, _ := s.GetJob(ctx, j.ID)

	// Pause and resume; started_at must keep its original value.
	if ok, _ := s.CompareAndSwapStatus(ctx, j.ID, job.StatusRunning, job.StatusPaused, job.Update{}); !ok {
		t.Fatal("swap to paused rejected")
	}
	time.Sleep(10 * time.Millisecond)
	if ok, _ := s.CompareAndSwapStatus(ctx, j.ID, job.StatusPaused, job.StatusRunning, job.Update{}); !ok {
		t.Fatal("swap back to running rejected")
	}

	second, _ := s.GetJob(ctx, j.ID)
	if second.StartedAt == nil || !second.StartedAt.Equal(*first.StartedAt) {
		t.Errorf("StartedAt changed on resume: %v -> %v", first.StartedAt, second.StartedAt)
	}
}

func TestUpdateProgress(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob("sess-prog")
	mustCreate(t, s, j)

	// Not running yet: progress updates are dropped.
	ok, err := s.UpdateProgress(ctx, j.ID, 10, "Uploading", 0)
	if err != nil {
		t.Fatalf("UpdateProgress() error = %v", err)
	}
	if ok {
		t.Error("progress applied to pending job")
	}

	if ok, _ := s.CompareAndSwapStatus(ctx, j.ID, job.StatusPending, job.StatusRunning, job.Update{}); !ok {
		t.Fatal("swap to running rejected")
	}

	if ok, _ := s.UpdateProgress(ctx, j.ID, 40, "Parsing", 5); !ok {
		t.Fatal("progress rejected for running job")
	}
	// Monotonic: a late lower percentage never regresses the stored value.
	if ok, _ := s.UpdateProgress(ctx, j.ID, 25, "Parsing", 3); !ok {
		t.Fatal("second progress rejected")
	}

	got, _ := s.GetJob(ctx, j.ID)
	if got.Progress != 40 {
		t.Errorf("Progress = %d, want 40 (monotonic)", got.Progress)
	}
	if got.RecordsProcessed != 5 {
		t.Errorf("RecordsProcessed = %d, want 5 (monotonic)", got.RecordsProcessed)
	}
	if got.CurrentStep != "Parsing" {
		t.Errorf("CurrentStep = %q", got.CurrentStep)
	}
}

func TestActiveJobForSession(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	active, err := s.ActiveJobForSession(ctx, "sess-active")
	if err != nil {
		t.Fatalf("ActiveJobForSession() error = %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active job, got %+v", active)
	}

	done := newTestJob("sess-active")
	mustCreate(t, s, done)
	if ok, _ := s.CompareAndSwapStatus(ctx, done.ID, job.StatusPending, job.StatusRunning, job.Update{}); !ok {
		t.Fatal("swap rejected")
	}
	if ok, _ := s.CompareAndSwapStatus(ctx, done.ID, job.StatusRunning, job.StatusCompleted, job.Update{}); !ok {
		t.Fatal("swap rejected")
	}

	// Terminal jobs don't count as active.
	if active, _ = s.ActiveJobForSession(ctx, "sess-active"); active != nil {
		t.Fatalf("completed job reported active: %+v", active)
	}

	pending := newTestJob("sess-active")
	mustCreate(t, s, pending)
	active, _ = s.ActiveJobForSession(ctx, "sess-active")
	if active == nil || active.ID != pending.ID {
		t.Errorf("active = %+v, want job %s", active, pending.ID)
	}
}

func TestListActiveOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	low := newTestJob("sess-a")
	low.Priority = 1
	low.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	high := newTestJob("sess-b")
	high.Priority = 5
	high.CreatedAt = time.Now().UTC().Add(-1 * time.Minute)
	mustCreate(t, s, low)
	mustCreate(t, s, high)

	jobs, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	if jobs[0].ID != high.ID {
		t.Errorf("highest priority not first: got %s", jobs[0].ID)
	}
}

func TestJobsForSessionNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	older := newTestJob("sess-hist")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := newTestJob("sess-hist")
	other := newTestJob("sess-other")
	mustCreate(t, s, older)
	mustCreate(t, s, newer)
	mustCreate(t, s, other)

	jobs, err := s.JobsForSession(ctx, "sess-hist")
	if err != nil {
		t.Fatalf("JobsForSession() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("len = %d, want 2", len(jobs))
	}
	if jobs[0].ID != newer.ID || jobs[1].ID != older.ID {
		t.Errorf("order = [%s, %s], want newest first", jobs[0].ID, jobs[1].ID)
	}
}

func TestAppendAndReadLogs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newTestJob("sess-logs")
	mustCreate(t, s, j)

	for _, line := range []string{"STEP 1/7: Uploading", "PROGRESS: 20%", "RECORD 1"} {
		if err := s.AppendLog(ctx, j.ID, line); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}

	lines, err := s.Logs(ctx, j.ID)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("len = %d, want 3", len(lines))
	}
	if lines[0].Line != "STEP 1/7: Uploading" || lines[2].Line != "RECORD 1" {
		t.Errorf("append order not preserved: %+v", lines)
	}
}

func TestAddDependencies(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestJob("sess-dep")
	b := newTestJob("sess-dep")
	mustCreate(t, s, a)
	mustCreate(t, s, b)

	if err := s.AddDependencies(ctx, b.ID, []string{a.ID}); err != nil {
		t.Fatalf("AddDependencies() error = %v", err)
	}
	// Duplicate edges are ignored.
	if err := s.AddDependencies(ctx, b.ID, []string{a.ID}); err != nil {
		t.Fatalf("duplicate AddDependencies() error = %v", err)
	}

	unmet, err := s.UnmetDependencies(ctx, b.ID)
	if err != nil {
		t.Fatalf("UnmetDependencies() error = %v", err)
	}
	if len(unmet) != 1 || unmet[0] != a.ID {
		t.Errorf("unmet = %v, want [%s]", unmet, a.ID)
	}

	if ok, _ := s.CompareAndSwapStatus(ctx, a.ID, job.StatusPending, job.StatusRunning, job.Update{}); !ok {
		t.Fatal("swap rejected")
	}
	if ok, _ := s.CompareAndSwapStatus(ctx, a.ID, job.StatusRunning, job.StatusCompleted, job.Update{}); !ok {
		t.Fatal("swap rejected")
	}

	unmet, _ = s.UnmetDependencies(ctx, b.ID)
	if len(unmet) != 0 {
		t.Errorf("unmet after completion = %v, want empty", unmet)
	}
}

func TestAddDependenciesRejectsUnknownJob(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	j := newTestJob("sess-dep-unknown")
	mustCreate(t, s, j)

	err := s.AddDependencies(context.Background(), j.ID, []string{"ghost"})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("AddDependencies() error = %v, want ErrNotFound", err)
	}
}

func TestAddDependenciesRejectsSelfAndCycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := newTestJob("sess-cycle")
	b := newTestJob("sess-cycle2")
	c := newTestJob("sess-cycle3")
	mustCreate(t, s, a)
	mustCreate(t, s, b)
	mustCreate(t, s, c)

	if err := s.AddDependencies(ctx, a.ID, []string{a.ID}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("self-dependency error = %v, want ErrValidation", err)
	}

	// a -> b -> c, then c -> a closes the loop.
	if err := s.AddDependencies(ctx, a.ID, []string{b.ID}); err != nil {
		t.Fatalf("AddDependencies(a->b) error = %v", err)
	}
	if err := s.AddDependencies(ctx, b.ID, []string{c.ID}); err != nil {
		t.Fatalf("AddDependencies(b->c) error = %v", err)
	}
	if err := s.AddDependencies(ctx, c.ID, []string{a.ID}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("cycle error = %v, want ErrValidation", err)
	}
}

func TestCacheEntryLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j := newTestJob("sess-cache")
	mustCreate(t, s, j)

	if err := s.PutCacheEntry(ctx, j.ID, "result", []byte(`{"v":1}`), now.Add(time.Hour)); err != nil {
		t.Fatalf("PutCacheEntry() error = %v", err)
	}

	payload, ok, err := s.GetCacheEntry(ctx, j.ID, "result", now)
	if err != nil || !ok {
		t.Fatalf("GetCacheEntry() = (%v, %v)", ok, err)
	}
	if string(payload) != `{"v":1}` {
		t.Errorf("payload = %s", payload)
	}

	// Writing over a live entry is a no-op.
	if err := s.PutCacheEntry(ctx, j.ID, "result", []byte(`{"v":2}`), now.Add(2*time.Hour)); err != nil {
		t.Fatalf("second PutCacheEntry() error = %v", err)
	}
	payload, _, _ = s.GetCacheEntry(ctx, j.ID, "result", now)
	if string(payload) != `{"v":1}` {
		t.Errorf("live entry overwritten: %s", payload)
	}

	// Past the expiry the entry is invisible and may be replaced.
	future := now.Add(3 * time.Hour)
	if _, ok, _ := s.GetCacheEntry(ctx, j.ID, "result", future); ok {
		t.Error("expired entry still served")
	}
	if err := s.PutCacheEntry(ctx, j.ID, "result", []byte(`{"v":3}`), future.Add(time.Hour)); err != nil {
		t.Fatalf("replace expired PutCacheEntry() error = %v", err)
	}
	payload, ok, _ = s.GetCacheEntry(ctx, j.ID, "result", future)
	if !ok || string(payload) != `{"v":3}` {
		t.Errorf("replaced entry = (%s, %v), want {\"v\":3}", payload, ok)
	}
}

func TestPurgeExpiredCache(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j := newTestJob("sess-purge")
	mustCreate(t, s, j)

	if err := s.PutCacheEntry(ctx, j.ID, "dead", []byte(`1`), now.Add(-time.Minute)); err != nil {
		t.Fatalf("PutCacheEntry() error = %v", err)
	}
	if err := s.PutCacheEntry(ctx, j.ID, "live", []byte(`2`), now.Add(time.Hour)); err != nil {
		t.Fatalf("PutCacheEntry() error = %v", err)
	}

	n, err := s.PurgeExpiredCache(ctx, now)
	if err != nil {
		t.Fatalf("PurgeExpiredCache() error = %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, ok, _ := s.GetCacheEntry(ctx, j.ID, "live", now); !ok {
		t.Error("live entry purged")
	}
}

func TestDeleteTerminalBefore(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := newTestJob("sess-ret")
	mustCreate(t, s, old)
	if ok, _ := s.CompareAndSwapStatus(ctx, old.ID, job.StatusPending, job.StatusRunning, job.Update{}); !ok {
		t.Fatal("swap rejected")
	}
	if ok, _ := s.CompareAndSwapStatus(ctx, old.ID, job.StatusRunning, job.StatusCompleted, job.Update{}); !ok {
		t.Fatal("swap rejected")
	}
	if err := s.AppendLog(ctx, old.ID, "done"); err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}

	fresh := newTestJob("sess-ret2")
	mustCreate(t, s, fresh)

	// Cutoff after the old job completed: old goes, pending fresh stays.
	n, err := s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("DeleteTerminalBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, old.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("old job still present, err = %v", err)
	}
	if _, err := s.GetJob(ctx, fresh.ID); err != nil {
		t.Errorf("fresh job deleted: %v", err)
	}
	if lines, _ := s.Logs(ctx, old.ID); len(lines) != 0 {
		t.Errorf("logs survived retention sweep: %v", lines)
	}
}
