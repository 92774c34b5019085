package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
)

func (s *SQLiteStore) AddRepository(ctx context.Context, repo models.Repository) error {
	now := time.Now().UTC().Format(sqliteTimeLayout)
	var hookID any
	if repo.HookID != "" {
		hookID = repo.HookID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (id, organization, project, name, url, hook_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization = excluded.organization, project = excluded.project, name = excluded.name,
			url = excluded.url, hook_id = excluded.hook_id, updated_at = excluded.updated_at
	`, repo.ID, repo.Organization, repo.Project, repo.Name, repo.URL, hookID, now, now)
	return wrapExecErr(err)
}

func (s *SQLiteStore) RemoveRepository(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	return wrapExecErr(err)
}

func (s *SQLiteStore) GetRepository(ctx context.Context, id string) (models.Repository, error) {
	repo, err := scanRepositoryRow(s.db.QueryRowContext(ctx, `
		SELECT id, organization, project, name, url, hook_id, created_at, updated_at
		FROM repositories WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return models.Repository{}, ErrNotFound
	}
	if err != nil {
		return models.Repository{}, wrapExecErr(err)
	}
	return repo, nil
}

func (s *SQLiteStore) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization, project, name, url, hook_id, created_at, updated_at
		FROM repositories ORDER BY organization, project, name
	`)
	if err != nil {
		return nil, wrapExecErr(err)
	}
	defer rows.Close()

	var out []models.Repository
	for rows.Next() {
		repo, err := scanRepositoryRow(rows)
		if err != nil {
			return nil, wrapExecErr(err)
		}
		out = append(out, repo)
	}
	return out, wrapExecErr(rows.Err())
}

func scanRepositoryRow(row rowScanner) (models.Repository, error) {
	var repo models.Repository
	var hookID sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&repo.ID, &repo.Organization, &repo.Project, &repo.Name, &repo.URL, &hookID, &createdAt, &updatedAt); err != nil {
		return models.Repository{}, err
	}
	repo.HookID = hookID.String
	repo.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
	repo.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
	return repo, nil
}

func (s *SQLiteStore) RegisterHook(ctx context.Context, reg models.ServiceHookRegistration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_hooks (repository_id, hook_id, webhook_url, event_type, registered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(repository_id, hook_id) DO UPDATE SET
			webhook_url = excluded.webhook_url, event_type = excluded.event_type, registered_at = excluded.registered_at
	`, reg.RepositoryID, reg.HookID, reg.WebhookURL, reg.EventType, reg.RegisteredAt.UTC().Format(sqliteTimeLayout))
	return wrapExecErr(err)
}

func (s *SQLiteStore) UnregisterHook(ctx context.Context, repositoryID, hookID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM service_hooks WHERE repository_id = ? AND hook_id = ?
	`, repositoryID, hookID)
	return wrapExecErr(err)
}

func (s *SQLiteStore) ListHooks(ctx context.Context, repositoryID string) ([]models.ServiceHookRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repository_id, hook_id, webhook_url, event_type, registered_at
		FROM service_hooks WHERE repository_id = ? ORDER BY registered_at
	`, repositoryID)
	if err != nil {
		return nil, wrapExecErr(err)
	}
	defer rows.Close()

	var out []models.ServiceHookRegistration
	for rows.Next() {
		var reg models.ServiceHookRegistration
		var registeredAt string
		if err := rows.Scan(&reg.RepositoryID, &reg.HookID, &reg.WebhookURL, &reg.EventType, &registeredAt); err != nil {
			return nil, wrapExecErr(err)
		}
		reg.RegisteredAt, _ = time.Parse(sqliteTimeLayout, registeredAt)
		out = append(out, reg)
	}
	return out, wrapExecErr(rows.Err())
}

func (s *SQLiteStore) RecordExecution(ctx context.Context, m models.AgentExecutionMetric) error {
	timings, err := json.Marshal(m.PhaseTimings)
	if err != nil {
		return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("marshal phase timings: %w", err))
	}
	var endTime any
	if !m.EndTime.IsZero() {
		endTime = m.EndTime.UTC().Format(sqliteTimeLayout)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_executions (
			agent_id, pr_id, repository_id, start_time, end_time, duration_ms, phase_timings,
			files_analyzed, findings_posted, duplicates_skipped, resolutions_marked, api_calls, api_errors, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			end_time = excluded.end_time, duration_ms = excluded.duration_ms, phase_timings = excluded.phase_timings,
			files_analyzed = excluded.files_analyzed, findings_posted = excluded.findings_posted,
			duplicates_skipped = excluded.duplicates_skipped, resolutions_marked = excluded.resolutions_marked,
			api_calls = excluded.api_calls, api_errors = excluded.api_errors, status = excluded.status
	`, m.AgentID, m.PRID, m.RepositoryID, m.StartTime.UTC().Format(sqliteTimeLayout), endTime, m.DurationMS, string(timings),
		m.FilesAnalyzed, m.FindingsPosted, m.DuplicatesSkipped, m.ResolutionsMarked, m.APICalls, m.APIErrors, string(m.Status))
	return wrapExecErr(err)
}

func (s *SQLiteStore) GetExecution(ctx context.Context, agentID string) (models.AgentExecutionMetric, error) {
	m, err := scanExecutionRow(s.db.QueryRowContext(ctx, `
		SELECT agent_id, pr_id, repository_id, start_time, end_time, duration_ms, phase_timings,
		       files_analyzed, findings_posted, duplicates_skipped, resolutions_marked, api_calls, api_errors, status
		FROM agent_executions WHERE agent_id = ?
	`, agentID))
	if err == sql.ErrNoRows {
		return models.AgentExecutionMetric{}, ErrNotFound
	}
	if err != nil {
		return models.AgentExecutionMetric{}, wrapExecErr(err)
	}
	return m, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, prID int64) ([]models.AgentExecutionMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, pr_id, repository_id, start_time, end_time, duration_ms, phase_timings,
		       files_analyzed, findings_posted, duplicates_skipped, resolutions_marked, api_calls, api_errors, status
		FROM agent_executions WHERE pr_id = ? ORDER BY start_time DESC
	`, prID)
	if err != nil {
		return nil, wrapExecErr(err)
	}
	defer rows.Close()

	var out []models.AgentExecutionMetric
	for rows.Next() {
		m, err := scanExecutionRow(rows)
		if err != nil {
			return nil, wrapExecErr(err)
		}
		out = append(out, m)
	}
	return out, wrapExecErr(rows.Err())
}

func scanExecutionRow(row rowScanner) (models.AgentExecutionMetric, error) {
	var m models.AgentExecutionMetric
	var startTime string
	var endTime sql.NullString
	var timings string
	var status string
	if err := row.Scan(&m.AgentID, &m.PRID, &m.RepositoryID, &startTime, &endTime, &m.DurationMS, &timings,
		&m.FilesAnalyzed, &m.FindingsPosted, &m.DuplicatesSkipped, &m.ResolutionsMarked, &m.APICalls, &m.APIErrors, &status); err != nil {
		return models.AgentExecutionMetric{}, err
	}
	m.StartTime, _ = time.Parse(sqliteTimeLayout, startTime)
	if endTime.Valid {
		m.EndTime, _ = time.Parse(sqliteTimeLayout, endTime.String)
	}
	m.Status = models.AgentStatus(status)
	if err := json.Unmarshal([]byte(timings), &m.PhaseTimings); err != nil {
		return models.AgentExecutionMetric{}, err
	}
	return m, nil
}

func (s *SQLiteStore) RecordCommentFingerprint(ctx context.Context, prID int64, fingerprint, path string, line int, postedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comment_fingerprints (pr_id, fingerprint, path, line, posted_at, resolution)
		VALUES (?, ?, ?, ?, ?, 'unknown')
		ON CONFLICT(pr_id, fingerprint) DO UPDATE SET path = excluded.path, line = excluded.line, posted_at = excluded.posted_at
	`, prID, fingerprint, path, line, postedAt.UTC().Format(sqliteTimeLayout))
	return wrapExecErr(err)
}

func (s *SQLiteStore) MarkFingerprintResolution(ctx context.Context, prID int64, fingerprint, resolution string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE comment_fingerprints SET resolution = ? WHERE pr_id = ? AND fingerprint = ?
	`, resolution, prID, fingerprint)
	return wrapExecErr(err)
}

var _ Registry = (*SQLiteStore)(nil)
