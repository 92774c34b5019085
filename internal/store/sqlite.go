package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
)

//go:embed schemas/sqlite_v1.sql
var sqliteSchema string

const sqliteTimeLayout = time.RFC3339Nano

// SQLiteStore is the embedded, single-process Store backend.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at dbPath in WAL mode with a
// busy timeout, then applies the idempotent schema.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errorkind.Wrapf(errorkind.Critical, "create state store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Critical, fmt.Errorf("open state store: %w", err))
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errorkind.Wrap(errorkind.Critical, fmt.Errorf("initialize state store schema: %w", err))
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func wrapExecErr(err error) error {
	if err == nil {
		return nil
	}
	return errorkind.Wrap(errorkind.Transient, fmt.Errorf("%w: %v", errorkind.ErrStoreUnavailable, err))
}

func (s *SQLiteStore) Enqueue(ctx context.Context, event models.PREvent) (models.JobQueueEntry, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	var iterVal any
	if event.IterationID != nil {
		iterVal = *event.IterationID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_queue (
			id, event_kind, pr_id, repository_id, source_branch, target_branch,
			source_commit, target_commit, iteration_id, received_at, visible_at,
			dedup_key, enqueued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING
	`, id, string(event.EventKind), event.PRID, event.RepositoryID, event.SourceBranch, event.TargetBranch,
		event.SourceCommit, event.TargetCommit, iterVal, event.ReceivedAt.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout),
		event.DedupKey(), now.Format(sqliteTimeLayout))
	if err != nil {
		return models.JobQueueEntry{}, wrapExecErr(err)
	}

	var existingID string
	err = s.db.QueryRowContext(ctx, `SELECT id FROM job_queue WHERE dedup_key = ?`, event.DedupKey()).Scan(&existingID)
	if err != nil {
		return models.JobQueueEntry{}, wrapExecErr(err)
	}

	return models.JobQueueEntry{ID: existingID, Event: event, Attempts: 0, VisibleAt: now}, nil
}

func (s *SQLiteStore) Dequeue(ctx context.Context, workerID string, visibilityTimeout time.Duration) (models.JobQueueEntry, bool, error) {
	now := time.Now().UTC()
	nowStr := now.Format(sqliteTimeLayout)
	nextVisible := now.Add(visibilityTimeout).Format(sqliteTimeLayout)

	result, err := s.db.ExecContext(ctx, `
		UPDATE job_queue
		SET claimed_by = ?, visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM job_queue
			WHERE visible_at <= ?
			ORDER BY enqueued_at
			LIMIT 1
		)
	`, workerID, nextVisible, nowStr)
	if err != nil {
		return models.JobQueueEntry{}, false, wrapExecErr(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return models.JobQueueEntry{}, false, wrapExecErr(err)
	}
	if affected == 0 {
		return models.JobQueueEntry{}, false, nil
	}

	var entry models.JobQueueEntry
	var event models.PREvent
	var eventKind string
	var iterID sql.NullInt64
	var receivedAt, visibleAtStr string

	err = s.db.QueryRowContext(ctx, `
		SELECT id, event_kind, pr_id, repository_id, source_branch, target_branch,
		       source_commit, target_commit, iteration_id, received_at, attempts, visible_at
		FROM job_queue
		WHERE claimed_by = ?
		ORDER BY enqueued_at DESC
		LIMIT 1
	`, workerID).Scan(&entry.ID, &eventKind, &event.PRID, &event.RepositoryID, &event.SourceBranch, &event.TargetBranch,
		&event.SourceCommit, &event.TargetCommit, &iterID, &receivedAt, &entry.Attempts, &visibleAtStr)
	if err != nil {
		return models.JobQueueEntry{}, false, wrapExecErr(err)
	}

	event.EventKind = models.EventKind(eventKind)
	if iterID.Valid {
		v := iterID.Int64
		event.IterationID = &v
	}
	event.ReceivedAt, _ = time.Parse(sqliteTimeLayout, receivedAt)
	entry.VisibleAt, _ = time.Parse(sqliteTimeLayout, visibleAtStr)
	entry.Event = event
	return entry, true, nil
}

func (s *SQLiteStore) Ack(ctx context.Context, entryID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_queue WHERE id = ?`, entryID)
	return wrapExecErr(err)
}

func (s *SQLiteStore) ClaimPR(ctx context.Context, prID int64, agentID string) (ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimResult{}, wrapExecErr(err)
	}
	defer tx.Rollback()

	var holder string
	err = tx.QueryRowContext(ctx, `SELECT agent_id FROM pr_claims WHERE pr_id = ? AND status = 'running'`, prID).Scan(&holder)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pr_claims (pr_id, agent_id, status) VALUES (?, ?, 'running')
			ON CONFLICT(pr_id) DO UPDATE SET agent_id = excluded.agent_id, status = 'running'
		`, prID, agentID); err != nil {
			return ClaimResult{}, wrapExecErr(err)
		}
		if err := tx.Commit(); err != nil {
			return ClaimResult{}, wrapExecErr(err)
		}
		return ClaimResult{OK: true}, nil
	case err != nil:
		return ClaimResult{}, wrapExecErr(err)
	default:
		tx.Commit()
		return ClaimResult{OK: false, PreviousAgentID: holder}, nil
	}
}

func (s *SQLiteStore) ReleasePR(ctx context.Context, prID int64, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pr_claims SET status = 'released' WHERE pr_id = ? AND agent_id = ?
	`, prID, agentID)
	return wrapExecErr(err)
}

func (s *SQLiteStore) PutState(ctx context.Context, agentID string, blob models.AgentStateBlob) error {
	raw, err := json.Marshal(blob)
	if err != nil {
		return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("marshal agent state blob: %w", err))
	}
	expiresAt := time.Now().UTC().Add(24 * time.Hour).Format(sqliteTimeLayout)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_state_blobs (agent_id, blob, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET blob = excluded.blob, expires_at = excluded.expires_at
	`, agentID, string(raw), expiresAt)
	return wrapExecErr(err)
}

func (s *SQLiteStore) GetState(ctx context.Context, agentID string) (models.AgentStateBlob, error) {
	var raw string
	var expiresAt string
	err := s.db.QueryRowContext(ctx, `SELECT blob, expires_at FROM agent_state_blobs WHERE agent_id = ?`, agentID).Scan(&raw, &expiresAt)
	if err == sql.ErrNoRows {
		return models.AgentStateBlob{}, ErrNotFound
	}
	if err != nil {
		return models.AgentStateBlob{}, wrapExecErr(err)
	}
	if exp, perr := time.Parse(sqliteTimeLayout, expiresAt); perr == nil && time.Now().UTC().After(exp) {
		return models.AgentStateBlob{}, ErrNotFound
	}
	var blob models.AgentStateBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return models.AgentStateBlob{}, errorkind.Wrap(errorkind.Permanent, fmt.Errorf("unmarshal agent state blob: %w", err))
	}
	return blob, nil
}

func (s *SQLiteStore) SetWatermark(ctx context.Context, repositoryID string, prID int64, iterationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (repository_id, pr_id, last_reviewed_iteration) VALUES (?, ?, ?)
		ON CONFLICT(repository_id, pr_id) DO UPDATE SET last_reviewed_iteration = excluded.last_reviewed_iteration
	`, repositoryID, prID, iterationID)
	return wrapExecErr(err)
}

func (s *SQLiteStore) GetWatermark(ctx context.Context, repositoryID string, prID int64) (int64, error) {
	var iter int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_reviewed_iteration FROM watermarks WHERE repository_id = ? AND pr_id = ?
	`, repositoryID, prID).Scan(&iter)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, wrapExecErr(err)
	}
	return iter, nil
}

func (s *SQLiteStore) ScheduleTimeout(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timeouts (agent_id, deadline) VALUES (?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET deadline = excluded.deadline
	`, agentID, at.UTC().Format(sqliteTimeLayout))
	return wrapExecErr(err)
}

func (s *SQLiteStore) DueTimeouts(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM timeouts WHERE deadline <= ?`, now.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return nil, wrapExecErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapExecErr(err)
		}
		ids = append(ids, id)
	}
	return ids, wrapExecErr(rows.Err())
}

func (s *SQLiteStore) UpsertAgentRecord(ctx context.Context, rec models.AgentRecord) error {
	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.UTC().Format(sqliteTimeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_records (agent_id, pr_id, repository_id, phase, started_at, deadline, ended_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			phase = excluded.phase, deadline = excluded.deadline,
			ended_at = excluded.ended_at, status = excluded.status
	`, rec.AgentID, rec.PRID, rec.RepositoryID, string(rec.Phase), rec.StartedAt.UTC().Format(sqliteTimeLayout),
		rec.Deadline.UTC().Format(sqliteTimeLayout), endedAt, string(rec.Status))
	return wrapExecErr(err)
}

func (s *SQLiteStore) GetAgentRecord(ctx context.Context, agentID string) (models.AgentRecord, error) {
	rec, err := scanAgentRecordRow(s.db.QueryRowContext(ctx, `
		SELECT agent_id, pr_id, repository_id, phase, started_at, deadline, ended_at, status
		FROM agent_records WHERE agent_id = ?
	`, agentID))
	if err == sql.ErrNoRows {
		return models.AgentRecord{}, ErrNotFound
	}
	if err != nil {
		return models.AgentRecord{}, wrapExecErr(err)
	}
	return rec, nil
}

func (s *SQLiteStore) RunningAgentRecords(ctx context.Context) ([]models.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, pr_id, repository_id, phase, started_at, deadline, ended_at, status
		FROM agent_records WHERE status = 'running'
	`)
	if err != nil {
		return nil, wrapExecErr(err)
	}
	defer rows.Close()

	var out []models.AgentRecord
	for rows.Next() {
		rec, err := scanAgentRecordRow(rows)
		if err != nil {
			return nil, wrapExecErr(err)
		}
		out = append(out, rec)
	}
	return out, wrapExecErr(rows.Err())
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentRecordRow(row rowScanner) (models.AgentRecord, error) {
	var rec models.AgentRecord
	var phase, status, startedAt, deadline string
	var endedAt sql.NullString
	if err := row.Scan(&rec.AgentID, &rec.PRID, &rec.RepositoryID, &phase, &startedAt, &deadline, &endedAt, &status); err != nil {
		return models.AgentRecord{}, err
	}
	rec.Phase = models.Phase(phase)
	rec.Status = models.AgentStatus(status)
	rec.StartedAt, _ = time.Parse(sqliteTimeLayout, startedAt)
	rec.Deadline, _ = time.Parse(sqliteTimeLayout, deadline)
	if endedAt.Valid {
		t, _ := time.Parse(sqliteTimeLayout, endedAt.String)
		rec.EndedAt = &t
	}
	return rec, nil
}

var _ Store = (*SQLiteStore)(nil)
