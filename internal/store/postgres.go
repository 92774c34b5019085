package store

import (
	_ "embed"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
)

// pgSchemaName isolates this module's tables inside a shared Postgres
// database, the way a clustered deployment typically pools one database
// across several services.
const pgSchemaName = "prreview"

//go:embed schemas/postgres_v1.sql
var pgSchemaSQL string

// PgPoolConfig configures the pgx connection pool backing PostgresStore.
type PgPoolConfig struct {
	ConnectTimeout  time.Duration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPgPoolConfig returns sensible defaults for a clustered deployment.
func DefaultPgPoolConfig() PgPoolConfig {
	return PgPoolConfig{
		ConnectTimeout:  5 * time.Second,
		MaxConns:        8,
		MinConns:        0,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// PostgresStore is the clustered Store backend, shared by every
// orchestrator process in a multi-node deployment.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to connString, pins every connection's search_path
// to pgSchemaName (creating the schema on first use), and applies the
// embedded schema.
func OpenPostgres(ctx context.Context, connString string, cfg PgPoolConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Critical, fmt.Errorf("parse state store connection string: %w", err))
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "SET search_path TO "+pgSchemaName); err != nil {
			if _, createErr := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgSchemaName); createErr != nil {
				return createErr
			}
			_, err = conn.Exec(ctx, "SET search_path TO "+pgSchemaName)
		}
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Critical, fmt.Errorf("connect state store: %w", err))
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errorkind.Wrap(errorkind.Critical, fmt.Errorf("ping state store: %w", err))
	}

	if _, err := pool.Exec(ctx, pgSchemaSQL); err != nil {
		pool.Close()
		return nil, errorkind.Wrap(errorkind.Critical, fmt.Errorf("initialize state store schema: %w", err))
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func wrapPgErr(err error) error {
	if err == nil {
		return nil
	}
	return errorkind.Wrap(errorkind.Transient, fmt.Errorf("%w: %v", errorkind.ErrStoreUnavailable, err))
}

func (s *PostgresStore) Enqueue(ctx context.Context, event models.PREvent) (models.JobQueueEntry, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	var iterVal any
	if event.IterationID != nil {
		iterVal = *event.IterationID
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_queue (
			id, event_kind, pr_id, repository_id, source_branch, target_branch,
			source_commit, target_commit, iteration_id, received_at, visible_at,
			dedup_key, enqueued_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT(dedup_key) DO NOTHING
	`, id, string(event.EventKind), event.PRID, event.RepositoryID, event.SourceBranch, event.TargetBranch,
		event.SourceCommit, event.TargetCommit, iterVal, event.ReceivedAt, now, event.DedupKey(), now)
	if err != nil {
		return models.JobQueueEntry{}, wrapPgErr(err)
	}

	var existingID string
	err = s.pool.QueryRow(ctx, `SELECT id FROM job_queue WHERE dedup_key = $1`, event.DedupKey()).Scan(&existingID)
	if err != nil {
		return models.JobQueueEntry{}, wrapPgErr(err)
	}
	return models.JobQueueEntry{ID: existingID, Event: event, Attempts: 0, VisibleAt: now}, nil
}

func (s *PostgresStore) Dequeue(ctx context.Context, workerID string, visibilityTimeout time.Duration) (models.JobQueueEntry, bool, error) {
	now := time.Now().UTC()
	nextVisible := now.Add(visibilityTimeout)

	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET claimed_by = $1, visible_at = $2, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM job_queue
			WHERE visible_at <= $3
			ORDER BY enqueued_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
	`, workerID, nextVisible, now)
	if err != nil {
		return models.JobQueueEntry{}, false, wrapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return models.JobQueueEntry{}, false, nil
	}

	var entry models.JobQueueEntry
	var event models.PREvent
	var eventKind string
	var iterID *int64

	err = s.pool.QueryRow(ctx, `
		SELECT id, event_kind, pr_id, repository_id, source_branch, target_branch,
		       source_commit, target_commit, iteration_id, received_at, attempts, visible_at
		FROM job_queue
		WHERE claimed_by = $1
		ORDER BY enqueued_at DESC
		LIMIT 1
	`, workerID).Scan(&entry.ID, &eventKind, &event.PRID, &event.RepositoryID, &event.SourceBranch, &event.TargetBranch,
		&event.SourceCommit, &event.TargetCommit, &iterID, &event.ReceivedAt, &entry.Attempts, &entry.VisibleAt)
	if err != nil {
		return models.JobQueueEntry{}, false, wrapPgErr(err)
	}
	event.EventKind = models.EventKind(eventKind)
	event.IterationID = iterID
	entry.Event = event
	return entry, true, nil
}

func (s *PostgresStore) Ack(ctx context.Context, entryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM job_queue WHERE id = $1`, entryID)
	return wrapPgErr(err)
}

func (s *PostgresStore) ClaimPR(ctx context.Context, prID int64, agentID string) (ClaimResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ClaimResult{}, wrapPgErr(err)
	}
	defer tx.Rollback(ctx)

	var holder string
	err = tx.QueryRow(ctx, `SELECT agent_id FROM pr_claims WHERE pr_id = $1 AND status = 'running'`, prID).Scan(&holder)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, `
			INSERT INTO pr_claims (pr_id, agent_id, status) VALUES ($1, $2, 'running')
			ON CONFLICT(pr_id) DO UPDATE SET agent_id = excluded.agent_id, status = 'running'
		`, prID, agentID); err != nil {
			return ClaimResult{}, wrapPgErr(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return ClaimResult{}, wrapPgErr(err)
		}
		return ClaimResult{OK: true}, nil
	case err != nil:
		return ClaimResult{}, wrapPgErr(err)
	default:
		tx.Commit(ctx)
		return ClaimResult{OK: false, PreviousAgentID: holder}, nil
	}
}

func (s *PostgresStore) ReleasePR(ctx context.Context, prID int64, agentID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE pr_claims SET status = 'released' WHERE pr_id = $1 AND agent_id = $2`, prID, agentID)
	return wrapPgErr(err)
}

func (s *PostgresStore) PutState(ctx context.Context, agentID string, blob models.AgentStateBlob) error {
	raw, err := json.Marshal(blob)
	if err != nil {
		return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("marshal agent state blob: %w", err))
	}
	expiresAt := time.Now().UTC().Add(24 * time.Hour)
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_state_blobs (agent_id, blob, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT(agent_id) DO UPDATE SET blob = excluded.blob, expires_at = excluded.expires_at
	`, agentID, raw, expiresAt)
	return wrapPgErr(err)
}

func (s *PostgresStore) GetState(ctx context.Context, agentID string) (models.AgentStateBlob, error) {
	var raw []byte
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT blob, expires_at FROM agent_state_blobs WHERE agent_id = $1`, agentID).Scan(&raw, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AgentStateBlob{}, ErrNotFound
	}
	if err != nil {
		return models.AgentStateBlob{}, wrapPgErr(err)
	}
	if time.Now().UTC().After(expiresAt) {
		return models.AgentStateBlob{}, ErrNotFound
	}
	var blob models.AgentStateBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return models.AgentStateBlob{}, errorkind.Wrap(errorkind.Permanent, fmt.Errorf("unmarshal agent state blob: %w", err))
	}
	return blob, nil
}

func (s *PostgresStore) SetWatermark(ctx context.Context, repositoryID string, prID int64, iterationID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watermarks (repository_id, pr_id, last_reviewed_iteration) VALUES ($1, $2, $3)
		ON CONFLICT(repository_id, pr_id) DO UPDATE SET last_reviewed_iteration = excluded.last_reviewed_iteration
	`, repositoryID, prID, iterationID)
	return wrapPgErr(err)
}

func (s *PostgresStore) GetWatermark(ctx context.Context, repositoryID string, prID int64) (int64, error) {
	var iter int64
	err := s.pool.QueryRow(ctx, `
		SELECT last_reviewed_iteration FROM watermarks WHERE repository_id = $1 AND pr_id = $2
	`, repositoryID, prID).Scan(&iter)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, wrapPgErr(err)
	}
	return iter, nil
}

func (s *PostgresStore) ScheduleTimeout(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO timeouts (agent_id, deadline) VALUES ($1, $2)
		ON CONFLICT(agent_id) DO UPDATE SET deadline = excluded.deadline
	`, agentID, at.UTC())
	return wrapPgErr(err)
}

func (s *PostgresStore) DueTimeouts(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT agent_id FROM timeouts WHERE deadline <= $1`, now.UTC())
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapPgErr(err)
		}
		ids = append(ids, id)
	}
	return ids, wrapPgErr(rows.Err())
}

func (s *PostgresStore) UpsertAgentRecord(ctx context.Context, rec models.AgentRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_records (agent_id, pr_id, repository_id, phase, started_at, deadline, ended_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(agent_id) DO UPDATE SET
			phase = excluded.phase, deadline = excluded.deadline,
			ended_at = excluded.ended_at, status = excluded.status
	`, rec.AgentID, rec.PRID, rec.RepositoryID, string(rec.Phase), rec.StartedAt, rec.Deadline, rec.EndedAt, string(rec.Status))
	return wrapPgErr(err)
}

func (s *PostgresStore) GetAgentRecord(ctx context.Context, agentID string) (models.AgentRecord, error) {
	rec, err := scanPgAgentRecord(s.pool.QueryRow(ctx, `
		SELECT agent_id, pr_id, repository_id, phase, started_at, deadline, ended_at, status
		FROM agent_records WHERE agent_id = $1
	`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AgentRecord{}, ErrNotFound
	}
	if err != nil {
		return models.AgentRecord{}, wrapPgErr(err)
	}
	return rec, nil
}

func (s *PostgresStore) RunningAgentRecords(ctx context.Context) ([]models.AgentRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, pr_id, repository_id, phase, started_at, deadline, ended_at, status
		FROM agent_records WHERE status = 'running'
	`)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var out []models.AgentRecord
	for rows.Next() {
		rec, err := scanPgAgentRecord(rows)
		if err != nil {
			return nil, wrapPgErr(err)
		}
		out = append(out, rec)
	}
	return out, wrapPgErr(rows.Err())
}

type pgRowScanner interface {
	Scan(dest ...any) error
}

func scanPgAgentRecord(row pgRowScanner) (models.AgentRecord, error) {
	var rec models.AgentRecord
	var phase, status string
	var endedAt *time.Time
	if err := row.Scan(&rec.AgentID, &rec.PRID, &rec.RepositoryID, &phase, &rec.StartedAt, &rec.Deadline, &endedAt, &status); err != nil {
		return models.AgentRecord{}, err
	}
	rec.Phase = models.Phase(phase)
	rec.Status = models.AgentStatus(status)
	rec.EndedAt = endedAt
	return rec, nil
}

var _ Store = (*PostgresStore)(nil)
