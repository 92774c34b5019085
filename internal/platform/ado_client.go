package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/resilience"
)

const adoAPIVersion = "7.1"

// ADOClient is the Client implementation backed by the Azure DevOps REST
// API. Every call runs through cb (the platform circuit breaker) and the
// resilience kit's retry loop, and carries a 30s outbound deadline.
type ADOClient struct {
	httpClient   *http.Client
	baseURL      string
	organization string
	project      string
	auth         AuthProvider
	cb           *resilience.CircuitBreaker
	retryCfg     resilience.BackoffConfig
}

// NewADOClient constructs a Platform Client for the given organization and
// project, authenticating via auth.
func NewADOClient(baseURL, organization, project string, auth AuthProvider) *ADOClient {
	return &ADOClient{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		baseURL:      baseURL,
		organization: organization,
		project:      project,
		auth:         auth,
		cb:           resilience.NewPlatformBreaker(),
		retryCfg:     resilience.DefaultBackoffConfig(),
	}
}

// Breaker exposes the client's circuit breaker so callers can attach an
// observability sink after construction.
func (c *ADOClient) Breaker() *resilience.CircuitBreaker {
	return c.cb
}

// do executes fn protected by the circuit breaker and retry budget.
func (c *ADOClient) do(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.cb.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, c.retryCfg, fn)
	})
}

func (c *ADOClient) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errorkind.Wrap(errorkind.Permanent, fmt.Errorf("encode request body: %w", err))
		}
		reqBody = bytes.NewReader(raw)
	}

	u := c.baseURL + path
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", adoAPIVersion)
	u += "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Permanent, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	authHeader, err := c.auth.AuthHeader(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Transient, fmt.Errorf("platform request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Transient, fmt.Errorf("read platform response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errorkind.Wrap(ClassifyHTTPStatus(resp.StatusCode), fmt.Errorf("platform %s %s: %d %s", method, path, resp.StatusCode, respBody))
	}
	return respBody, nil
}

func (c *ADOClient) repoPath(repositoryID string, suffix string) string {
	return fmt.Sprintf("/%s/%s/_apis/git/repositories/%s%s", c.organization, c.project, repositoryID, suffix)
}

type adoPRResponse struct {
	PullRequestID int64  `json:"pullRequestId"`
	Title         string `json:"title"`
	SourceRefName string `json:"sourceRefName"`
	TargetRefName string `json:"targetRefName"`
	CreatedBy     struct {
		UniqueName string `json:"uniqueName"`
	} `json:"createdBy"`
	Repository struct {
		ID string `json:"id"`
	} `json:"repository"`
	LastMergeSourceCommit struct {
		CommitID string `json:"commitId"`
	} `json:"lastMergeSourceCommit"`
	LastMergeTargetCommit struct {
		CommitID string `json:"commitId"`
	} `json:"lastMergeTargetCommit"`
}

func (c *ADOClient) GetPR(ctx context.Context, prID int64) (PRMetadata, error) {
	var meta PRMetadata
	err := c.do(ctx, func(ctx context.Context) error {
		raw, err := c.request(ctx, http.MethodGet,
			fmt.Sprintf("/%s/%s/_apis/git/pullrequests/%d", c.organization, c.project, prID), nil, nil)
		if err != nil {
			return err
		}
		var parsed adoPRResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("decode pull request: %w", err))
		}
		meta = PRMetadata{
			PRID:         parsed.PullRequestID,
			RepositoryID: parsed.Repository.ID,
			Title:        parsed.Title,
			SourceBranch: parsed.SourceRefName,
			TargetBranch: parsed.TargetRefName,
			SourceCommit: parsed.LastMergeSourceCommit.CommitID,
			TargetCommit: parsed.LastMergeTargetCommit.CommitID,
			CreatedBy:    parsed.CreatedBy.UniqueName,
		}
		return nil
	})
	return meta, err
}

type adoIterationsResponse struct {
	Value []struct {
		ID                    int64     `json:"id"`
		CreatedDate           time.Time `json:"createdDate"`
		SourceRefCommit       struct {
			CommitID string `json:"commitId"`
		} `json:"sourceRefCommit"`
		TargetRefCommit struct {
			CommitID string `json:"commitId"`
		} `json:"targetRefCommit"`
	} `json:"value"`
}

func (c *ADOClient) ListIterations(ctx context.Context, prID int64) ([]Iteration, error) {
	var out []Iteration
	err := c.do(ctx, func(ctx context.Context) error {
		raw, err := c.request(ctx, http.MethodGet,
			fmt.Sprintf("/%s/%s/_apis/git/pullrequests/%d/iterations", c.organization, c.project, prID), nil, nil)
		if err != nil {
			return err
		}
		var parsed adoIterationsResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("decode iterations: %w", err))
		}
		out = make([]Iteration, 0, len(parsed.Value))
		for _, v := range parsed.Value {
			out = append(out, Iteration{
				ID:           v.ID,
				SourceCommit: v.SourceRefCommit.CommitID,
				TargetCommit: v.TargetRefCommit.CommitID,
				CreatedAt:    v.CreatedDate,
			})
		}
		return nil
	})
	return out, err
}

type adoChangesResponse struct {
	ChangeEntries []struct {
		Item struct {
			Path string `json:"path"`
		} `json:"item"`
		ChangeType string `json:"changeType"`
		// Patch carries the unified diff text for this file against the
		// iteration's base, when the server computed one (edits only).
		Patch string `json:"patch"`
	} `json:"changeEntries"`
}

func (c *ADOClient) GetIterationChanges(ctx context.Context, prID, iterationID int64) ([]FileChange, error) {
	var out []FileChange
	err := c.do(ctx, func(ctx context.Context) error {
		q := url.Values{"$includeContentMetadata": {"true"}, "compareVersion": {"patch"}}
		raw, err := c.request(ctx, http.MethodGet,
			fmt.Sprintf("/%s/%s/_apis/git/pullrequests/%d/iterations/%d/changes", c.organization, c.project, prID, iterationID), q, nil)
		if err != nil {
			return err
		}
		var parsed adoChangesResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("decode iteration changes: %w", err))
		}
		out = make([]FileChange, 0, len(parsed.ChangeEntries))
		for _, e := range parsed.ChangeEntries {
			out = append(out, FileChange{Path: e.Item.Path, Kind: FileChangeKind(e.ChangeType), Patch: e.Patch})
		}
		return nil
	})
	return out, err
}

func (c *ADOClient) GetFile(ctx context.Context, repositoryID, path, commit string) (string, error) {
	var content string
	err := c.do(ctx, func(ctx context.Context) error {
		q := url.Values{"path": {path}, "version": {commit}, "versionType": {"commit"}, "includeContent": {"true"}}
		raw, err := c.request(ctx, http.MethodGet, c.repoPath(repositoryID, "/items"), q, nil)
		if err != nil {
			return err
		}
		content = string(raw)
		return nil
	})
	return content, err
}

type adoThreadsResponse struct {
	Value []adoThread `json:"value"`
}

type adoThread struct {
	ID           int64 `json:"id"`
	ThreadContext struct {
		FilePath   string `json:"filePath"`
		RightFileStart struct {
			Line int `json:"line"`
		} `json:"rightFileStart"`
	} `json:"threadContext"`
	Status   string   `json:"status"`
	Comments []struct {
		Content string `json:"content"`
	} `json:"comments"`
}

func toThread(t adoThread) Thread {
	comments := make([]string, 0, len(t.Comments))
	for _, c := range t.Comments {
		comments = append(comments, c.Content)
	}
	return Thread{
		ID:        t.ID,
		Path:      t.ThreadContext.FilePath,
		Line:      t.ThreadContext.RightFileStart.Line,
		Status:    ThreadStatus(t.Status),
		Comments:  comments,
		IsPRLevel: t.ThreadContext.FilePath == "",
	}
}

func (c *ADOClient) ListThreads(ctx context.Context, prID int64) ([]Thread, error) {
	var out []Thread
	err := c.do(ctx, func(ctx context.Context) error {
		raw, err := c.request(ctx, http.MethodGet,
			fmt.Sprintf("/%s/%s/_apis/git/pullrequests/%d/threads", c.organization, c.project, prID), nil, nil)
		if err != nil {
			return err
		}
		var parsed adoThreadsResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("decode threads: %w", err))
		}
		out = make([]Thread, 0, len(parsed.Value))
		for _, t := range parsed.Value {
			out = append(out, toThread(t))
		}
		return nil
	})
	return out, err
}

func (c *ADOClient) CreateThread(ctx context.Context, prID int64, path string, line int, body string, status ThreadStatus) (Thread, error) {
	var thread Thread
	err := c.do(ctx, func(ctx context.Context) error {
		payload := map[string]any{
			"status": status,
			"comments": []map[string]any{
				{"content": body, "commentType": "text"},
			},
		}
		if path != "" {
			payload["threadContext"] = map[string]any{
				"filePath":       path,
				"rightFileStart": map[string]int{"line": line, "offset": 1},
				"rightFileEnd":   map[string]int{"line": line, "offset": 1},
			}
		}
		raw, err := c.request(ctx, http.MethodPost,
			fmt.Sprintf("/%s/%s/_apis/git/pullrequests/%d/threads", c.organization, c.project, prID), nil, payload)
		if err != nil {
			return err
		}
		var parsed adoThread
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("decode created thread: %w", err))
		}
		thread = toThread(parsed)
		return nil
	})
	return thread, err
}

func (c *ADOClient) UpdateThread(ctx context.Context, prID, threadID int64, status ThreadStatus) error {
	return c.do(ctx, func(ctx context.Context) error {
		_, err := c.request(ctx, http.MethodPatch,
			fmt.Sprintf("/%s/%s/_apis/git/pullrequests/%d/threads/%d", c.organization, c.project, prID, threadID),
			nil, map[string]any{"status": status})
		return err
	})
}

type adoHookResponse struct {
	ID string `json:"id"`
}

func (c *ADOClient) RegisterHook(ctx context.Context, repositoryID, webhookURL string) (string, error) {
	var hookID string
	err := c.do(ctx, func(ctx context.Context) error {
		payload := map[string]any{
			"publisherId": "tfs",
			"eventType":   "git.pullrequest.created",
			"resourceVersion": "1.0",
			"consumerId":      "webHooks",
			"consumerActionId": "httpRequest",
			"publisherInputs": map[string]string{
				"repository": repositoryID,
				"projectId":  c.project,
			},
			"consumerInputs": map[string]string{"url": webhookURL},
		}
		raw, err := c.request(ctx, http.MethodPost, fmt.Sprintf("/%s/_apis/hooks/subscriptions", c.organization), nil, payload)
		if err != nil {
			return err
		}
		var parsed adoHookResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return errorkind.Wrap(errorkind.Permanent, fmt.Errorf("decode hook registration: %w", err))
		}
		hookID = parsed.ID
		return nil
	})
	return hookID, err
}

func (c *ADOClient) UnregisterHook(ctx context.Context, repositoryID, hookID string) error {
	return c.do(ctx, func(ctx context.Context) error {
		_, err := c.request(ctx, http.MethodDelete, fmt.Sprintf("/%s/_apis/hooks/subscriptions/%s", c.organization, hookID), nil, nil)
		return err
	})
}

var _ Client = (*ADOClient)(nil)
