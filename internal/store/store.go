// Package store implements the State Store (C2): a durable KV + queue +
// sorted-set façade backing the job queue, per-agent state checkpoints,
// PR ownership claims, and iteration watermarks. Two backends implement
// the same Store interface: an embedded modernc.org/sqlite database for
// single-process deployments, and a jackc/pgx/v5-backed Postgres database
// for clustered deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/adorevd/prreview/internal/models"
)

// ErrNotFound is returned by get_state/get_watermark when no value exists
// for the requested key.
var ErrNotFound = errors.New("store: not found")

// ClaimResult is returned by ClaimPR.
type ClaimResult struct {
	OK              bool
	PreviousAgentID string
}

// Store is the contract every backend implements. All methods fail with
// errorkind-tagged errors (Transient wrapping errorkind.ErrStoreUnavailable)
// when the backend is unreachable after the resilience kit's retry budget
// is exhausted.
type Store interface {
	// Enqueue appends a PR event to the durable job queue.
	Enqueue(ctx context.Context, event models.PREvent) (models.JobQueueEntry, error)

	// Dequeue claims up to one queued entry not currently visible (i.e.
	// not already claimed and still within its visibility window),
	// marking it invisible until visibilityTimeout elapses. Returns
	// (entry, true, nil) on success, (zero, false, nil) when the queue is
	// empty.
	Dequeue(ctx context.Context, workerID string, visibilityTimeout time.Duration) (models.JobQueueEntry, bool, error)

	// Ack removes an entry from the queue after successful processing.
	Ack(ctx context.Context, entryID string) error

	// ClaimPR attempts to claim exclusive ownership of a PR's review run
	// for agentID. Succeeds (OK=true) iff no other agent currently holds
	// a "running" claim; otherwise returns the holder's agent ID.
	ClaimPR(ctx context.Context, prID int64, agentID string) (ClaimResult, error)

	// ReleasePR releases agentID's claim on prID. No-op if agentID is not
	// the current holder.
	ReleasePR(ctx context.Context, prID int64, agentID string) error

	// PutState upserts the checkpointed state blob for agentID with a
	// 24h TTL, last-write-wins.
	PutState(ctx context.Context, agentID string, blob models.AgentStateBlob) error

	// GetState returns the checkpointed state blob for agentID, or
	// ErrNotFound if absent or expired.
	GetState(ctx context.Context, agentID string) (models.AgentStateBlob, error)

	// SetWatermark atomically records the last successfully reviewed
	// iteration for (repositoryID, prID).
	SetWatermark(ctx context.Context, repositoryID string, prID int64, iterationID int64) error

	// GetWatermark returns the last reviewed iteration for
	// (repositoryID, prID), or ErrNotFound if none recorded.
	GetWatermark(ctx context.Context, repositoryID string, prID int64) (int64, error)

	// ScheduleTimeout registers a deadline for agentID in the timeout
	// sorted-set.
	ScheduleTimeout(ctx context.Context, agentID string, at time.Time) error

	// DueTimeouts returns every agent ID whose scheduled deadline is at
	// or before now, for supervisor polling.
	DueTimeouts(ctx context.Context, now time.Time) ([]string, error)

	// UpsertAgentRecord writes or updates the named agent's record.
	UpsertAgentRecord(ctx context.Context, rec models.AgentRecord) error

	// GetAgentRecord returns an agent's record, or ErrNotFound.
	GetAgentRecord(ctx context.Context, agentID string) (models.AgentRecord, error)

	// RunningAgentRecords returns every record with Status == AgentRunning,
	// used at boot to recover agents orphaned by a prior crash.
	RunningAgentRecords(ctx context.Context) ([]models.AgentRecord, error)

	// Close releases the backend's resources.
	Close() error
}
