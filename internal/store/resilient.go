package store

import (
	"context"
	"time"

	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/resilience"
)

// resilientStore wraps a backend Store with the State Store circuit
// breaker and retry budget, the same do(ctx, fn) shape ADOClient uses for
// the Platform Client. Every backend already tags its own errors
// Transient/errorkind.ErrStoreUnavailable on a connectivity failure (see
// wrapExecErr in sqlite.go); this decorator is what actually retries those
// and, after repeated failures, fails fast via the breaker.
type resilientStore struct {
	backend  Store
	cb       *resilience.CircuitBreaker
	retryCfg resilience.BackoffConfig
}

// WithResilience wraps backend so every call runs through a dedicated
// state-store circuit breaker and the resilience kit's retry loop. Daemon
// bootstrap should wrap whichever backend (SQLite or Postgres) it opens
// with this before handing the Store to the review agent, orchestrator,
// or ingestor.
func WithResilience(backend Store) Store {
	return &resilientStore{
		backend:  backend,
		cb:       resilience.NewStateStoreBreaker(),
		retryCfg: resilience.DefaultBackoffConfig(),
	}
}

// Breaker exposes the state store's circuit breaker so callers can attach
// an observability sink after construction. Only reachable via a type
// assertion on the Store WithResilience returns.
func (s *resilientStore) Breaker() *resilience.CircuitBreaker {
	return s.cb
}

func (s *resilientStore) do(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.cb.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, s.retryCfg, fn)
	})
}

func (s *resilientStore) Enqueue(ctx context.Context, event models.PREvent) (models.JobQueueEntry, error) {
	var entry models.JobQueueEntry
	err := s.do(ctx, func(ctx context.Context) error {
		var innerErr error
		entry, innerErr = s.backend.Enqueue(ctx, event)
		return innerErr
	})
	return entry, err
}

func (s *resilientStore) Dequeue(ctx context.Context, workerID string, visibilityTimeout time.Duration) (models.JobQueueEntry, bool, error) {
	var (
		entry models.JobQueueEntry
		ok    bool
	)
	err := s.do(ctx, func(ctx context.Context) error {
		var innerErr error
		entry, ok, innerErr = s.backend.Dequeue(ctx, workerID, visibilityTimeout)
		return innerErr
	})
	return entry, ok, err
}

func (s *resilientStore) Ack(ctx context.Context, entryID string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.backend.Ack(ctx, entryID) })
}

func (s *resilientStore) ClaimPR(ctx context.Context, prID int64, agentID string) (ClaimResult, error) {
	var result ClaimResult
	err := s.do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = s.backend.ClaimPR(ctx, prID, agentID)
		return innerErr
	})
	return result, err
}

func (s *resilientStore) ReleasePR(ctx context.Context, prID int64, agentID string) error {
	return s.do(ctx, func(ctx context.Context) error { return s.backend.ReleasePR(ctx, prID, agentID) })
}

func (s *resilientStore) PutState(ctx context.Context, agentID string, blob models.AgentStateBlob) error {
	return s.do(ctx, func(ctx context.Context) error { return s.backend.PutState(ctx, agentID, blob) })
}

func (s *resilientStore) GetState(ctx context.Context, agentID string) (models.AgentStateBlob, error) {
	var blob models.AgentStateBlob
	err := s.do(ctx, func(ctx context.Context) error {
		var innerErr error
		blob, innerErr = s.backend.GetState(ctx, agentID)
		return innerErr
	})
	return blob, err
}

func (s *resilientStore) SetWatermark(ctx context.Context, repositoryID string, prID int64, iterationID int64) error {
	return s.do(ctx, func(ctx context.Context) error {
		return s.backend.SetWatermark(ctx, repositoryID, prID, iterationID)
	})
}

func (s *resilientStore) GetWatermark(ctx context.Context, repositoryID string, prID int64) (int64, error) {
	var iter int64
	err := s.do(ctx, func(ctx context.Context) error {
		var innerErr error
		iter, innerErr = s.backend.GetWatermark(ctx, repositoryID, prID)
		return innerErr
	})
	return iter, err
}

func (s *resilientStore) ScheduleTimeout(ctx context.Context, agentID string, at time.Time) error {
	return s.do(ctx, func(ctx context.Context) error { return s.backend.ScheduleTimeout(ctx, agentID, at) })
}

func (s *resilientStore) DueTimeouts(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := s.do(ctx, func(ctx context.Context) error {
		var innerErr error
		ids, innerErr = s.backend.DueTimeouts(ctx, now)
		return innerErr
	})
	return ids, err
}

func (s *resilientStore) UpsertAgentRecord(ctx context.Context, rec models.AgentRecord) error {
	return s.do(ctx, func(ctx context.Context) error { return s.backend.UpsertAgentRecord(ctx, rec) })
}

func (s *resilientStore) GetAgentRecord(ctx context.Context, agentID string) (models.AgentRecord, error) {
	var rec models.AgentRecord
	err := s.do(ctx, func(ctx context.Context) error {
		var innerErr error
		rec, innerErr = s.backend.GetAgentRecord(ctx, agentID)
		return innerErr
	})
	return rec, err
}

func (s *resilientStore) RunningAgentRecords(ctx context.Context) ([]models.AgentRecord, error) {
	var recs []models.AgentRecord
	err := s.do(ctx, func(ctx context.Context) error {
		var innerErr error
		recs, innerErr = s.backend.RunningAgentRecords(ctx)
		return innerErr
	})
	return recs, err
}

func (s *resilientStore) Close() error {
	return s.backend.Close()
}

var _ Store = (*resilientStore)(nil)
