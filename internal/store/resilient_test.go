package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/resilience"
)

// countingStore wraps a Store and fails the first N calls to Enqueue with a
// Transient error before delegating to backend, to exercise the retry path
// without a real unreachable backend.
type countingStore struct {
	Store
	failures int
	calls    int
}

func (c *countingStore) Enqueue(ctx context.Context, event models.PREvent) (models.JobQueueEntry, error) {
	c.calls++
	if c.calls <= c.failures {
		return models.JobQueueEntry{}, errorkind.Wrap(errorkind.Transient, errorkind.ErrStoreUnavailable)
	}
	return c.Store.Enqueue(ctx, event)
}

func (c *countingStore) GetWatermark(ctx context.Context, repositoryID string, prID int64) (int64, error) {
	c.calls++
	return 0, errorkind.Wrap(errorkind.Permanent, errors.New("boom"))
}

func TestWithResilienceRetriesTransientFailures(t *testing.T) {
	backend := newTestStore(t)
	failing := &countingStore{Store: backend, failures: 2}
	resilient := WithResilience(failing)

	entry, err := resilient.Enqueue(context.Background(), sampleEvent(1))
	if err != nil {
		t.Fatalf("Enqueue() = %v, want success after retries", err)
	}
	if entry.ID == "" {
		t.Fatal("Enqueue() returned empty ID")
	}
	if failing.calls != 3 {
		t.Fatalf("Enqueue() called backend %d times, want 3 (2 failures + 1 success)", failing.calls)
	}
}

func TestWithResilienceDoesNotRetryPermanentFailures(t *testing.T) {
	backend := newTestStore(t)
	failing := &countingStore{Store: backend}
	resilient := WithResilience(failing)

	_, err := resilient.GetWatermark(context.Background(), "repo-1", 1)
	if err == nil {
		t.Fatal("GetWatermark() = nil, want permanent error surfaced")
	}
	if failing.calls != 1 {
		t.Fatalf("GetWatermark() called backend %d times, want 1 (no retry on permanent error)", failing.calls)
	}
}

func TestWithResilienceOpensCircuitAfterRepeatedFailures(t *testing.T) {
	backend := newTestStore(t)
	failing := &countingStore{Store: backend, failures: 1000}
	resilient := WithResilience(failing).(*resilientStore)
	resilient.retryCfg.MaxAttempts = 1

	for i := 0; i < 5; i++ {
		resilient.Enqueue(context.Background(), sampleEvent(int64(i)))
	}
	if resilient.cb.State() != resilience.Open {
		t.Fatalf("circuit state = %v, want open after repeated failures", resilient.cb.State())
	}
}

func TestWithResilienceDelegatesCleanly(t *testing.T) {
	backend := newTestStore(t)
	resilient := WithResilience(backend)
	ctx := context.Background()

	if err := resilient.PutState(ctx, "agent-1", models.AgentStateBlob{AgentID: "agent-1", PRID: 1}); err != nil {
		t.Fatalf("PutState() = %v", err)
	}
	got, err := resilient.GetState(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetState() = %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Fatalf("GetState() = %+v, want AgentID agent-1", got)
	}

	result, err := resilient.ClaimPR(ctx, 42, "agent-1")
	if err != nil || !result.OK {
		t.Fatalf("ClaimPR() = (%+v, %v), want OK", result, err)
	}
	if err := resilient.ReleasePR(ctx, 42, "agent-1"); err != nil {
		t.Fatalf("ReleasePR() = %v", err)
	}

	if err := resilient.SetWatermark(ctx, "repo-1", 1, 5); err != nil {
		t.Fatalf("SetWatermark() = %v", err)
	}
	iter, err := resilient.GetWatermark(ctx, "repo-1", 1)
	if err != nil || iter != 5 {
		t.Fatalf("GetWatermark() = (%d, %v), want (5, nil)", iter, err)
	}

	if err := resilient.ScheduleTimeout(ctx, "agent-1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("ScheduleTimeout() = %v", err)
	}
	due, err := resilient.DueTimeouts(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueTimeouts() = %v", err)
	}
	found := false
	for _, id := range due {
		if id == "agent-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("DueTimeouts() = %v, want agent-1 present", due)
	}
}
