package observability

import (
	"context"
	"testing"
	"time"
)

func TestRecordersAreSafeBeforeInit(t *testing.T) {
	// Instruments are nil until InitMetrics runs; every Record* call must
	// no-op rather than panic so a daemon that skips metrics setup (e.g. in
	// tests) doesn't crash on the review agent's hot path.
	ctx := context.Background()
	RecordPhaseDuration(ctx, "PARSE", "repo-1", 5*time.Millisecond)
	RecordAgentRun(ctx, "completed", "repo-1")
	RecordClaimContention(ctx, "repo-1")
	RecordBreakerTransition(ctx, "platform", "open")
}

func TestInitMeterProviderAndMetrics(t *testing.T) {
	ctx := context.Background()
	handler, err := InitMeterProvider(ctx, "prreview-test")
	if err != nil {
		t.Fatalf("InitMeterProvider() = %v", err)
	}
	if handler == nil {
		t.Fatal("InitMeterProvider() returned nil handler")
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics() = %v", err)
	}
	// Safe to call again; sync.Once guards re-registration.
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics() second call = %v", err)
	}

	SetQueueDepthFunc(func() int64 { return 3 })
	defer SetQueueDepthFunc(nil)

	RecordPhaseDuration(ctx, "PARSE", "repo-1", 5*time.Millisecond)
	RecordAgentRun(ctx, "completed", "repo-1")
	RecordClaimContention(ctx, "repo-1")
	RecordBreakerTransition(ctx, "platform", "open")
}
