// Package platform implements the Platform Client (C1): the only code in
// this module that speaks to Azure DevOps. Every operation is idempotent
// at the semantic level and runs inside the resilience kit's retry and
// circuit breaker wrappers.
package platform

import (
	"context"
	"time"
)

// ThreadStatus mirrors Azure DevOps pull request thread status values.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadFixed    ThreadStatus = "fixed"
	ThreadClosed   ThreadStatus = "closed"
	ThreadPending  ThreadStatus = "pending"
)

// PRMetadata is the subset of pull request metadata the core needs.
type PRMetadata struct {
	PRID             int64
	RepositoryID     string
	Title            string
	SourceBranch     string
	TargetBranch     string
	CurrentIteration int64
	SourceCommit     string
	TargetCommit     string
	CreatedBy        string
}

// Iteration is one entry in a pull request's iteration history.
type Iteration struct {
	ID           int64
	SourceCommit string
	TargetCommit string
	CreatedAt    time.Time
}

// FileChangeKind mirrors Azure DevOps's per-file change type.
type FileChangeKind string

const (
	FileChangeAdd    FileChangeKind = "add"
	FileChangeEdit   FileChangeKind = "edit"
	FileChangeDelete FileChangeKind = "delete"
)

// FileChange is one file's entry in an iteration's change summary. Patch
// holds the unified diff text for the file against the iteration's base,
// empty for FileChangeAdd (the differ takes the whole file instead).
type FileChange struct {
	Path  string
	Kind  FileChangeKind
	Patch string
}

// Thread is an existing pull request comment thread.
type Thread struct {
	ID         int64
	Path       string
	Line       int
	Status     ThreadStatus
	Comments   []string
	IsPRLevel  bool
}

// Client is the contract the review agent and ingestor depend on. The
// concrete implementation is ADOClient; tests substitute a fake.
type Client interface {
	GetPR(ctx context.Context, prID int64) (PRMetadata, error)
	ListIterations(ctx context.Context, prID int64) ([]Iteration, error)
	GetIterationChanges(ctx context.Context, prID, iterationID int64) ([]FileChange, error)
	GetFile(ctx context.Context, repositoryID, path, commit string) (string, error)
	ListThreads(ctx context.Context, prID int64) ([]Thread, error)
	CreateThread(ctx context.Context, prID int64, path string, line int, body string, status ThreadStatus) (Thread, error)
	UpdateThread(ctx context.Context, prID, threadID int64, status ThreadStatus) error
	RegisterHook(ctx context.Context, repositoryID, webhookURL string) (hookID string, err error)
	UnregisterHook(ctx context.Context, repositoryID, hookID string) error
}
