package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
)

func (s *PostgresStore) AddRepository(ctx context.Context, repo models.Repository) error {
	now := time.Now().UTC()
	var hookID any
	if repo.HookID != "" {
		hookID = repo.HookID
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO repositories (id, organization, project, name, url, hook_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(id) DO UPDATE SET
			organization = excluded.organization, project = excluded.project, name = excluded.name,
			url = excluded.url, hook_id = excluded.hook_id, updated_at = excluded.updated_at
	`, repo.ID, repo.Organization, repo.Project, repo.Name, repo.URL, hookID, now, now)
	return wrapPgErr(err)
}

func (s *PostgresStore) RemoveRepository(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	return wrapPgErr(err)
}

func (s *PostgresStore) GetRepository(ctx context.Context, id string) (models.Repository, error) {
	repo, err := scanPgRepository(s.pool.QueryRow(ctx, `
		SELECT id, organization, project, name, url, hook_id, created_at, updated_at
		FROM repositories WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Repository{}, ErrNotFound
	}
	if err != nil {
		return models.Repository{}, wrapPgErr(err)
	}
	return repo, nil
}

func (s *PostgresStore) ListRepositories(ctx context.Context) ([]models.Repository, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization, project, name, url, hook_id, created_at, updated_at
		FROM repositories ORDER BY organization, project, name
	`)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var out []models.Repository
	for rows.Next() {
		repo, err := scanPgRepository(rows)
		if err != nil {
			return nil, wrapPgErr(err)
		}
		out = append(out, repo)
	}
	return out, wrapPgErr(rows.Err())
}

func scanPgRepository(row pgRowScanner) (models.Repository, error) {
	var repo models.Repository
	var hookID *string
	if err := row.Scan(&repo.ID, &repo.Organization, &repo.Project, &repo.Name, &repo.URL, &hookID, &repo.CreatedAt, &repo.UpdatedAt); err != nil {
		return models.Repository{}, err
	}
	if hookID != nil {
		repo.HookID = *hookID
	}
	return repo, nil
}

func (s *PostgresStore) RegisterHook(ctx context.Context, reg models.ServiceHookRegistration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO service_hooks (repository_id, hook_id, webhook_url, event_type, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(repository_id, hook_id) DO UPDATE SET
			webhook_url = excluded.webhook_url, event_type = excluded.event_type, registered_at = excluded.registered_at
	`, reg.RepositoryID, reg.HookID, reg.WebhookURL, reg.EventType, reg.RegisteredAt.UTC())
	return wrapPgErr(err)
}

func (s *PostgresStore) UnregisterHook(ctx context.Context, repositoryID, hookID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM service_hooks WHERE repository_id = $1 AND hook_id = $2`, repositoryID, hookID)
	return wrapPgErr(err)
}

func (s *PostgresStore) ListHooks(ctx context.Context, repositoryID string) ([]models.ServiceHookRegistration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT repository_id, hook_id, webhook_url, event_type, registered_at
		FROM service_hooks WHERE repository_id = $1 ORDER BY registered_at
	`, repositoryID)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var out []models.ServiceHookRegistration
	for rows.Next() {
		var reg models.ServiceHookRegistration
		if err := rows.Scan(&reg.RepositoryID, &reg.HookID, &reg.WebhookURL, &reg.EventType, &reg.RegisteredAt); err != nil {
			return nil, wrapPgErr(err)
		}
		out = append(out, reg)
	}
	return out, wrapPgErr(rows.Err())
}

func (s *PostgresStore) RecordExecution(ctx context.Context, m models.AgentExecutionMetric) error {
	timings, err := json.Marshal(m.PhaseTimings)
	if err != nil {
		return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("marshal phase timings: %w", err))
	}
	var endTime any
	if !m.EndTime.IsZero() {
		endTime = m.EndTime.UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_executions (
			agent_id, pr_id, repository_id, start_time, end_time, duration_ms, phase_timings,
			files_analyzed, findings_posted, duplicates_skipped, resolutions_marked, api_calls, api_errors, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT(agent_id) DO UPDATE SET
			end_time = excluded.end_time, duration_ms = excluded.duration_ms, phase_timings = excluded.phase_timings,
			files_analyzed = excluded.files_analyzed, findings_posted = excluded.findings_posted,
			duplicates_skipped = excluded.duplicates_skipped, resolutions_marked = excluded.resolutions_marked,
			api_calls = excluded.api_calls, api_errors = excluded.api_errors, status = excluded.status
	`, m.AgentID, m.PRID, m.RepositoryID, m.StartTime.UTC(), endTime, m.DurationMS, timings,
		m.FilesAnalyzed, m.FindingsPosted, m.DuplicatesSkipped, m.ResolutionsMarked, m.APICalls, m.APIErrors, string(m.Status))
	return wrapPgErr(err)
}

func (s *PostgresStore) GetExecution(ctx context.Context, agentID string) (models.AgentExecutionMetric, error) {
	m, err := scanPgExecution(s.pool.QueryRow(ctx, `
		SELECT agent_id, pr_id, repository_id, start_time, end_time, duration_ms, phase_timings,
		       files_analyzed, findings_posted, duplicates_skipped, resolutions_marked, api_calls, api_errors, status
		FROM agent_executions WHERE agent_id = $1
	`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AgentExecutionMetric{}, ErrNotFound
	}
	if err != nil {
		return models.AgentExecutionMetric{}, wrapPgErr(err)
	}
	return m, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, prID int64) ([]models.AgentExecutionMetric, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, pr_id, repository_id, start_time, end_time, duration_ms, phase_timings,
		       files_analyzed, findings_posted, duplicates_skipped, resolutions_marked, api_calls, api_errors, status
		FROM agent_executions WHERE pr_id = $1 ORDER BY start_time DESC
	`, prID)
	if err != nil {
		return nil, wrapPgErr(err)
	}
	defer rows.Close()

	var out []models.AgentExecutionMetric
	for rows.Next() {
		m, err := scanPgExecution(rows)
		if err != nil {
			return nil, wrapPgErr(err)
		}
		out = append(out, m)
	}
	return out, wrapPgErr(rows.Err())
}

func scanPgExecution(row pgRowScanner) (models.AgentExecutionMetric, error) {
	var m models.AgentExecutionMetric
	var endTime *time.Time
	var timings []byte
	var status string
	if err := row.Scan(&m.AgentID, &m.PRID, &m.RepositoryID, &m.StartTime, &endTime, &m.DurationMS, &timings,
		&m.FilesAnalyzed, &m.FindingsPosted, &m.DuplicatesSkipped, &m.ResolutionsMarked, &m.APICalls, &m.APIErrors, &status); err != nil {
		return models.AgentExecutionMetric{}, err
	}
	if endTime != nil {
		m.EndTime = *endTime
	}
	m.Status = models.AgentStatus(status)
	if err := json.Unmarshal(timings, &m.PhaseTimings); err != nil {
		return models.AgentExecutionMetric{}, err
	}
	return m, nil
}

func (s *PostgresStore) RecordCommentFingerprint(ctx context.Context, prID int64, fingerprint, path string, line int, postedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comment_fingerprints (pr_id, fingerprint, path, line, posted_at, resolution)
		VALUES ($1, $2, $3, $4, $5, 'unknown')
		ON CONFLICT(pr_id, fingerprint) DO UPDATE SET path = excluded.path, line = excluded.line, posted_at = excluded.posted_at
	`, prID, fingerprint, path, line, postedAt.UTC())
	return wrapPgErr(err)
}

func (s *PostgresStore) MarkFingerprintResolution(ctx context.Context, prID int64, fingerprint, resolution string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE comment_fingerprints SET resolution = $1 WHERE pr_id = $2 AND fingerprint = $3
	`, resolution, prID, fingerprint)
	return wrapPgErr(err)
}

var _ Registry = (*PostgresStore)(nil)
