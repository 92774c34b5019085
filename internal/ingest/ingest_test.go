package ingest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func testStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ingest.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createdPayload(repoID string, prID int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"eventType":   "git.pullrequest.created",
		"createdDate": "2026-08-03T12:00:00Z",
		"resource": map[string]any{
			"pullRequestId": prID,
			"sourceRefName": "refs/heads/feature/x",
			"targetRefName": "refs/heads/main",
			"repository":    map[string]any{"id": repoID},
			"lastMergeSourceCommit": map[string]any{"commitId": "c-src"},
			"lastMergeTargetCommit": map[string]any{"commitId": "c-tgt"},
		},
	})
	return body
}

func TestAcceptEnqueuesRecognizedEvent(t *testing.T) {
	s := testStore(t)
	ing := New(s, nil, nil, testLogger())

	event, err := ing.Accept(context.Background(), createdPayload("repo-1", 42))
	if err != nil {
		t.Fatalf("Accept() = %v", err)
	}
	if event.PRID != 42 || event.RepositoryID != "repo-1" {
		t.Fatalf("Accept() = %+v, want PRID 42 repo-1", event)
	}

	entry, ok, err := s.Dequeue(context.Background(), "worker-1", 0)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = %v, %v, %v", entry, ok, err)
	}
	if entry.Event.PRID != 42 {
		t.Fatalf("Dequeue() event = %+v, want PRID 42", entry.Event)
	}
}

func TestAcceptRejectsUnrecognizedEventType(t *testing.T) {
	s := testStore(t)
	ing := New(s, nil, nil, testLogger())

	payload := []byte(`{"eventType":"git.push","resource":{"pullRequestId":1,"repository":{"id":"repo-1"}}}`)
	_, err := ing.Accept(context.Background(), payload)
	if err == nil {
		t.Fatalf("Accept() = nil error, want rejection")
	}
}

func TestHandlerRejectsUnrecognizedEventType(t *testing.T) {
	s := testStore(t)
	ing := New(s, nil, nil, testLogger())

	payload := []byte(`{"eventType":"git.push","resource":{"pullRequestId":1,"repository":{"id":"repo-1"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/azure-devops/pr", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	ing.Handler()(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandlerRejectsSignatureMismatch(t *testing.T) {
	s := testStore(t)
	secret := []byte("shh-its-a-secret")
	ing := New(s, nil, secret, testLogger())

	payload := createdPayload("repo-1", 7)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/azure-devops/pr", bytes.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString([]byte("not-the-real-digest-000000000000")))
	rec := httptest.NewRecorder()
	ing.Handler()(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandlerAcceptsValidSignature(t *testing.T) {
	s := testStore(t)
	secret := []byte("shh-its-a-secret")
	ing := New(s, nil, secret, testLogger())

	payload := createdPayload("repo-1", 8)
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/azure-devops/pr", bytes.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", sig)
	rec := httptest.NewRecorder()
	ing.Handler()(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s, want %d", rec.Code, rec.Body.String(), http.StatusOK)
	}
}

func TestAcceptSoftDropsUnregisteredRepository(t *testing.T) {
	s := testStore(t)
	ing := New(s, s, nil, testLogger())

	event, err := ing.Accept(context.Background(), createdPayload("unregistered-repo", 9))
	if err != nil {
		t.Fatalf("Accept() = %v, want soft accept", err)
	}
	if event.RepositoryID != "unregistered-repo" {
		t.Fatalf("Accept() = %+v", event)
	}

	_, ok, err := s.Dequeue(context.Background(), "worker-1", 0)
	if err != nil {
		t.Fatalf("Dequeue() = %v", err)
	}
	if ok {
		t.Fatalf("Dequeue() returned an entry, want none enqueued for an unregistered repository")
	}
}

func TestAcceptEnqueuesForRegisteredRepository(t *testing.T) {
	s := testStore(t)
	ing := New(s, s, nil, testLogger())

	repo := models.Repository{ID: "repo-reg", Organization: "acme", Project: "widgets", Name: "api"}
	if err := s.AddRepository(context.Background(), repo); err != nil {
		t.Fatalf("AddRepository() = %v", err)
	}

	if _, err := ing.Accept(context.Background(), createdPayload("repo-reg", 10)); err != nil {
		t.Fatalf("Accept() = %v", err)
	}

	_, ok, err := s.Dequeue(context.Background(), "worker-1", 0)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = %v, %v, want an enqueued entry", ok, err)
	}
}

func TestAcceptDeduplicatesRepeatDelivery(t *testing.T) {
	s := testStore(t)
	ing := New(s, nil, nil, testLogger())

	payload := createdPayload("repo-1", 11)
	first, err := ing.Accept(context.Background(), payload)
	if err != nil {
		t.Fatalf("Accept() first = %v", err)
	}
	second, err := ing.Accept(context.Background(), payload)
	if err != nil {
		t.Fatalf("Accept() second = %v", err)
	}
	if first.DedupKey() != second.DedupKey() {
		t.Fatalf("dedup keys differ: %q vs %q", first.DedupKey(), second.DedupKey())
	}

	entry, ok, err := s.Dequeue(context.Background(), "worker-1", 0)
	if err != nil || !ok {
		t.Fatalf("Dequeue() = %v, %v, %v", entry, ok, err)
	}
	if err := s.Ack(context.Background(), entry.ID); err != nil {
		t.Fatalf("Ack() = %v", err)
	}
	if _, ok2, _ := s.Dequeue(context.Background(), "worker-1", 0); ok2 {
		t.Fatalf("Dequeue() returned a second entry, want the repeat delivery deduplicated")
	}
}
