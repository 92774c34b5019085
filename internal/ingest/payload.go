package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adorevd/prreview/internal/models"
)

// adoWebhook mirrors the subset of an Azure DevOps service hook delivery
// this module actually reads. Grounded on the field-extraction list the
// original webhook handler used (app/api/webhooks.py's handle_pr_webhook):
// eventType, resource.pullRequestId, resource.repository.id,
// resource.sourceRefName, resource.targetRefName, plus the commit pair and
// (on updates) the iteration id that same handler never needed because it
// relied on a later fetch, but which is carried here when present so a
// resumed watermark lookup isn't the only signal available.
type adoWebhook struct {
	EventType   string `json:"eventType"`
	CreatedDate string `json:"createdDate"`
	Resource    struct {
		PullRequestID int64  `json:"pullRequestId"`
		SourceRefName string `json:"sourceRefName"`
		TargetRefName string `json:"targetRefName"`
		Repository    struct {
			ID string `json:"id"`
		} `json:"repository"`
		LastMergeSourceCommit struct {
			CommitID string `json:"commitId"`
		} `json:"lastMergeSourceCommit"`
		LastMergeTargetCommit struct {
			CommitID string `json:"commitId"`
		} `json:"lastMergeTargetCommit"`
		// IterationID is only ever present on a pull request iteration
		// notification in practice; absent, the Review Agent's
		// FETCH_META/LOAD_WATERMARK phases resolve the current
		// iteration directly from the Platform Client instead.
		IterationID *int64 `json:"iterationId,omitempty"`
	} `json:"resource"`
}

var eventTypeToKind = map[string]models.EventKind{
	"git.pullrequest.created": models.EventCreated,
	"git.pullrequest.updated": models.EventUpdated,
}

// mapPayload implements accept()'s payload-to-PREvent mapping and its
// "rejects unknown event_kind" validation.
func mapPayload(raw []byte) (models.PREvent, error) {
	var w adoWebhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.PREvent{}, fmt.Errorf("decode webhook payload: %w", err)
	}

	kind, ok := eventTypeToKind[w.EventType]
	if !ok {
		return models.PREvent{}, fmt.Errorf("unrecognized eventType %q", w.EventType)
	}
	if w.Resource.PullRequestID == 0 {
		return models.PREvent{}, fmt.Errorf("missing resource.pullRequestId")
	}
	if w.Resource.Repository.ID == "" {
		return models.PREvent{}, fmt.Errorf("missing resource.repository.id")
	}

	receivedAt := time.Now().UTC()
	if w.CreatedDate != "" {
		if t, err := time.Parse(time.RFC3339, w.CreatedDate); err == nil {
			receivedAt = t
		}
	}

	return models.PREvent{
		EventKind:    kind,
		PRID:         w.Resource.PullRequestID,
		RepositoryID: w.Resource.Repository.ID,
		SourceBranch: strings.TrimPrefix(w.Resource.SourceRefName, "refs/heads/"),
		TargetBranch: strings.TrimPrefix(w.Resource.TargetRefName, "refs/heads/"),
		SourceCommit: w.Resource.LastMergeSourceCommit.CommitID,
		TargetCommit: w.Resource.LastMergeTargetCommit.CommitID,
		IterationID:  w.Resource.IterationID,
		ReceivedAt:   receivedAt,
	}, nil
}
