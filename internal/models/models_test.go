package models

import "testing"

func TestPREventDedupKeyPrefersIterationID(t *testing.T) {
	iter := int64(7)
	e := PREvent{PRID: 42, SourceCommit: "abc123", IterationID: &iter, EventKind: EventUpdated}
	if got, want := e.DedupKey(), "42/7/updated"; got != want {
		t.Fatalf("DedupKey() = %q, want %q", got, want)
	}
}

func TestPREventDedupKeyFallsBackToSourceCommit(t *testing.T) {
	e := PREvent{PRID: 42, SourceCommit: "abc123", EventKind: EventCreated}
	if got, want := e.DedupKey(), "42/abc123/created"; got != want {
		t.Fatalf("DedupKey() = %q, want %q", got, want)
	}
}

func TestPREventDedupKeyDistinguishesEventKind(t *testing.T) {
	base := PREvent{PRID: 1, SourceCommit: "x"}
	created := base
	created.EventKind = EventCreated
	updated := base
	updated.EventKind = EventUpdated

	if created.DedupKey() == updated.DedupKey() {
		t.Fatalf("expected distinct dedup keys for created vs updated, got %q for both", created.DedupKey())
	}
}
