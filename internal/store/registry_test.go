package store

import (
	"context"
	"testing"
	"time"

	"github.com/adorevd/prreview/internal/models"
)

func sampleRepository(id string) models.Repository {
	return models.Repository{
		ID: id, Organization: "acme", Project: "widgets", Name: "api",
		URL: "https://dev.azure.com/acme/widgets/_git/api-" + id,
	}
}

func TestRepositoryCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	repo := sampleRepository("r1")
	if err := s.AddRepository(ctx, repo); err != nil {
		t.Fatalf("AddRepository() = %v", err)
	}

	got, err := s.GetRepository(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRepository() = %v", err)
	}
	if got.Name != "api" || got.CreatedAt.IsZero() {
		t.Fatalf("GetRepository() = %+v, want populated row", got)
	}

	repo.HookID = "hook-1"
	if err := s.AddRepository(ctx, repo); err != nil {
		t.Fatalf("AddRepository() update = %v", err)
	}
	got, err = s.GetRepository(ctx, "r1")
	if err != nil || got.HookID != "hook-1" {
		t.Fatalf("GetRepository() after update = (%+v, %v), want hook-1", got, err)
	}

	repo2 := sampleRepository("r2")
	repo2.Name = "web"
	if err := s.AddRepository(ctx, repo2); err != nil {
		t.Fatalf("AddRepository() r2 = %v", err)
	}
	all, err := s.ListRepositories(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListRepositories() = (%v, %v), want 2 entries", all, err)
	}

	if err := s.RemoveRepository(ctx, "r1"); err != nil {
		t.Fatalf("RemoveRepository() = %v", err)
	}
	if _, err := s.GetRepository(ctx, "r1"); err != ErrNotFound {
		t.Fatalf("GetRepository() after remove = %v, want ErrNotFound", err)
	}
}

func TestServiceHookCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	reg := models.ServiceHookRegistration{
		RepositoryID: "r1", HookID: "hook-1", WebhookURL: "https://example.com/webhooks/azure-devops/pr",
		EventType: "git.pullrequest.updated", RegisteredAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.RegisterHook(ctx, reg); err != nil {
		t.Fatalf("RegisterHook() = %v", err)
	}

	hooks, err := s.ListHooks(ctx, "r1")
	if err != nil || len(hooks) != 1 || hooks[0].HookID != "hook-1" {
		t.Fatalf("ListHooks() = (%+v, %v), want one hook-1 entry", hooks, err)
	}

	if err := s.UnregisterHook(ctx, "r1", "hook-1"); err != nil {
		t.Fatalf("UnregisterHook() = %v", err)
	}
	hooks, err = s.ListHooks(ctx, "r1")
	if err != nil || len(hooks) != 0 {
		t.Fatalf("ListHooks() after unregister = (%+v, %v), want empty", hooks, err)
	}
}

func TestAgentExecutionMetricCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	m := models.AgentExecutionMetric{
		AgentID: "agent-1", PRID: 7, RepositoryID: "r1", StartTime: start,
		PhaseTimings:   map[models.Phase]int64{models.PhaseLineAnalysis: 1200},
		FilesAnalyzed:  3,
		FindingsPosted: 2,
		Status:         models.AgentRunning,
	}
	if err := s.RecordExecution(ctx, m); err != nil {
		t.Fatalf("RecordExecution() = %v", err)
	}

	got, err := s.GetExecution(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetExecution() = %v", err)
	}
	if got.FilesAnalyzed != 3 || got.PhaseTimings[models.PhaseLineAnalysis] != 1200 {
		t.Fatalf("GetExecution() = %+v, want files=3 timings populated", got)
	}
	if !got.EndTime.IsZero() {
		t.Fatalf("GetExecution() EndTime = %v, want zero before completion", got.EndTime)
	}

	m.EndTime = start.Add(5 * time.Second)
	m.DurationMS = 5000
	m.Status = models.AgentCompleted
	if err := s.RecordExecution(ctx, m); err != nil {
		t.Fatalf("RecordExecution() update = %v", err)
	}

	got, err = s.GetExecution(ctx, "agent-1")
	if err != nil || got.EndTime.IsZero() || got.Status != models.AgentCompleted {
		t.Fatalf("GetExecution() after completion = (%+v, %v), want completed with EndTime", got, err)
	}

	if err := s.RecordExecution(ctx, models.AgentExecutionMetric{
		AgentID: "agent-2", PRID: 7, RepositoryID: "r1", StartTime: start.Add(time.Minute), Status: models.AgentRunning,
	}); err != nil {
		t.Fatalf("RecordExecution() agent-2 = %v", err)
	}

	all, err := s.ListExecutions(ctx, 7)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListExecutions() = (%+v, %v), want 2 entries", all, err)
	}
	if all[0].AgentID != "agent-2" {
		t.Fatalf("ListExecutions()[0] = %s, want most recent (agent-2) first", all[0].AgentID)
	}

	if _, err := s.GetExecution(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("GetExecution() missing = %v, want ErrNotFound", err)
	}
}

func TestCommentFingerprintAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	posted := time.Now().UTC().Truncate(time.Second)
	if err := s.RecordCommentFingerprint(ctx, 9, "fp-1", "a.go", 12, posted); err != nil {
		t.Fatalf("RecordCommentFingerprint() = %v", err)
	}
	// Re-recording the same fingerprint (e.g. a retried publish) must not error.
	if err := s.RecordCommentFingerprint(ctx, 9, "fp-1", "a.go", 12, posted); err != nil {
		t.Fatalf("RecordCommentFingerprint() re-record = %v", err)
	}
	if err := s.MarkFingerprintResolution(ctx, 9, "fp-1", "resolved"); err != nil {
		t.Fatalf("MarkFingerprintResolution() = %v", err)
	}
}
