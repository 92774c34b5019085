package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/adorevd/prreview/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleEvent(prID int64) models.PREvent {
	return models.PREvent{
		EventKind:    models.EventCreated,
		PRID:         prID,
		RepositoryID: "repo-1",
		SourceBranch: "refs/heads/feature",
		TargetBranch: "refs/heads/main",
		SourceCommit: "abc123",
		TargetCommit: "def456",
		ReceivedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Enqueue(ctx, sampleEvent(1))
	if err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	if entry.ID == "" {
		t.Fatal("Enqueue() returned empty ID")
	}

	_, ok, err := s.Dequeue(ctx, "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = (_, %v, %v), want (_, true, nil)", ok, err)
	}

	_, ok, err = s.Dequeue(ctx, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() = %v", err)
	}
	if ok {
		t.Fatal("Dequeue() should not return a job still within its visibility window")
	}

	if err := s.Ack(ctx, entry.ID); err != nil {
		t.Fatalf("Ack() = %v", err)
	}
}

func TestEnqueueDedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	event := sampleEvent(2)

	first, err := s.Enqueue(ctx, event)
	if err != nil {
		t.Fatalf("Enqueue() first = %v", err)
	}
	second, err := s.Enqueue(ctx, event)
	if err != nil {
		t.Fatalf("Enqueue() second = %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("duplicate Enqueue() produced distinct entries: %s vs %s", first.ID, second.ID)
	}
}

func TestDequeueBecomesVisibleAfterTimeout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Enqueue(ctx, sampleEvent(3))

	_, ok, err := s.Dequeue(ctx, "worker-a", -time.Second)
	if err != nil || !ok {
		t.Fatalf("first Dequeue() = (_, %v, %v)", ok, err)
	}

	_, ok, err = s.Dequeue(ctx, "worker-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Dequeue() after expired visibility = (_, %v, %v), want ok=true", ok, err)
	}
}

func TestClaimPRExclusivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.ClaimPR(ctx, 42, "agent-a")
	if err != nil || !res.OK {
		t.Fatalf("first ClaimPR() = %+v, %v, want OK", res, err)
	}

	res, err = s.ClaimPR(ctx, 42, "agent-b")
	if err != nil {
		t.Fatalf("second ClaimPR() = %v", err)
	}
	if res.OK || res.PreviousAgentID != "agent-a" {
		t.Fatalf("second ClaimPR() = %+v, want OK=false holder=agent-a", res)
	}

	if err := s.ReleasePR(ctx, 42, "agent-a"); err != nil {
		t.Fatalf("ReleasePR() = %v", err)
	}

	res, err = s.ClaimPR(ctx, 42, "agent-b")
	if err != nil || !res.OK {
		t.Fatalf("ClaimPR() after release = %+v, %v, want OK", res, err)
	}
}

func TestPutGetState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	blob := models.AgentStateBlob{
		AgentID: "agent-1",
		PRID:    7,
		Phase:   models.PhaseDiff,
		Findings: []models.LineFinding{
			{Path: "main.go", Line: 10, Severity: models.SeverityWarning, Category: models.CategoryBug, Message: "nil check missing"},
		},
	}
	if err := s.PutState(ctx, "agent-1", blob); err != nil {
		t.Fatalf("PutState() = %v", err)
	}

	got, err := s.GetState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetState() = %v", err)
	}
	if got.PRID != blob.PRID || got.Phase != blob.Phase || len(got.Findings) != 1 {
		t.Fatalf("GetState() = %+v, want round-trip of %+v", got, blob)
	}
}

func TestGetStateNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetState(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("GetState() = %v, want ErrNotFound", err)
	}
}

func TestWatermarkRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetWatermark(ctx, "repo-1", 1); err != ErrNotFound {
		t.Fatalf("GetWatermark() before set = %v, want ErrNotFound", err)
	}

	if err := s.SetWatermark(ctx, "repo-1", 1, 5); err != nil {
		t.Fatalf("SetWatermark() = %v", err)
	}
	got, err := s.GetWatermark(ctx, "repo-1", 1)
	if err != nil || got != 5 {
		t.Fatalf("GetWatermark() = (%d, %v), want (5, nil)", got, err)
	}

	if err := s.SetWatermark(ctx, "repo-1", 1, 9); err != nil {
		t.Fatalf("SetWatermark() overwrite = %v", err)
	}
	got, _ = s.GetWatermark(ctx, "repo-1", 1)
	if got != 9 {
		t.Fatalf("GetWatermark() after overwrite = %d, want 9", got)
	}
}

func TestDueTimeouts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s.ScheduleTimeout(ctx, "agent-past", now.Add(-time.Minute))
	s.ScheduleTimeout(ctx, "agent-future", now.Add(time.Hour))

	due, err := s.DueTimeouts(ctx, now)
	if err != nil {
		t.Fatalf("DueTimeouts() = %v", err)
	}
	if len(due) != 1 || due[0] != "agent-past" {
		t.Fatalf("DueTimeouts() = %v, want [agent-past]", due)
	}
}

func TestAgentRecordRoundTripAndRunningFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	running := models.AgentRecord{
		AgentID: "agent-running", PRID: 1, RepositoryID: "repo-1",
		Phase: models.PhaseDiff, StartedAt: now, Deadline: now.Add(10 * time.Minute),
		Status: models.AgentRunning,
	}
	done := models.AgentRecord{
		AgentID: "agent-done", PRID: 2, RepositoryID: "repo-1",
		Phase: models.PhaseDone, StartedAt: now, Deadline: now.Add(10 * time.Minute),
		Status: models.AgentCompleted,
	}

	if err := s.UpsertAgentRecord(ctx, running); err != nil {
		t.Fatalf("UpsertAgentRecord(running) = %v", err)
	}
	if err := s.UpsertAgentRecord(ctx, done); err != nil {
		t.Fatalf("UpsertAgentRecord(done) = %v", err)
	}

	got, err := s.GetAgentRecord(ctx, "agent-running")
	if err != nil {
		t.Fatalf("GetAgentRecord() = %v", err)
	}
	if got.Status != models.AgentRunning || got.Phase != models.PhaseDiff {
		t.Fatalf("GetAgentRecord() = %+v, want matching running record", got)
	}

	runningRecords, err := s.RunningAgentRecords(ctx)
	if err != nil {
		t.Fatalf("RunningAgentRecords() = %v", err)
	}
	if len(runningRecords) != 1 || runningRecords[0].AgentID != "agent-running" {
		t.Fatalf("RunningAgentRecords() = %+v, want only agent-running", runningRecords)
	}
}

func TestGetAgentRecordNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetAgentRecord(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("GetAgentRecord() = %v, want ErrNotFound", err)
	}
}
