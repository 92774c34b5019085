package store

import (
	"context"
	"time"

	"github.com/adorevd/prreview/internal/models"
)

// Registry is the contract for the admin-surface and ingestor-facing
// tables that are not part of a review agent's runtime state: monitored
// repositories, their registered service hooks, and the durable
// execution-metric projection of completed agent runs. Kept separate from
// Store because nothing here is on a review agent's hot path — both
// backends implement Registry alongside Store against the same database.
type Registry interface {
	// AddRepository inserts or updates a monitored repository.
	AddRepository(ctx context.Context, repo models.Repository) error

	// RemoveRepository deletes a monitored repository by ID.
	RemoveRepository(ctx context.Context, id string) error

	// GetRepository returns a repository by ID, or ErrNotFound.
	GetRepository(ctx context.Context, id string) (models.Repository, error)

	// ListRepositories returns every monitored repository.
	ListRepositories(ctx context.Context) ([]models.Repository, error)

	// RegisterHook records a newly created service hook.
	RegisterHook(ctx context.Context, reg models.ServiceHookRegistration) error

	// UnregisterHook removes a previously recorded service hook.
	UnregisterHook(ctx context.Context, repositoryID, hookID string) error

	// ListHooks returns every service hook registered for repositoryID.
	ListHooks(ctx context.Context, repositoryID string) ([]models.ServiceHookRegistration, error)

	// RecordExecution upserts the durable projection of one agent run.
	RecordExecution(ctx context.Context, m models.AgentExecutionMetric) error

	// GetExecution returns one agent run's execution metric, or ErrNotFound.
	GetExecution(ctx context.Context, agentID string) (models.AgentExecutionMetric, error)

	// ListExecutions returns every recorded execution for a PR, most
	// recent first.
	ListExecutions(ctx context.Context, prID int64) ([]models.AgentExecutionMetric, error)

	// RecordCommentFingerprint durably audits one posted finding comment
	// alongside the Comment Ledger's own in-band marker, so the admin
	// surface can inspect posting history without a round trip to the
	// platform. Upserts with resolution left at 'unknown'.
	RecordCommentFingerprint(ctx context.Context, prID int64, fingerprint, path string, line int, postedAt time.Time) error

	// MarkFingerprintResolution records the Comment Ledger's resolved/open
	// verdict for a previously audited fingerprint.
	MarkFingerprintResolution(ctx context.Context, prID int64, fingerprint, resolution string) error
}
