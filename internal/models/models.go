// Package models holds the data shapes shared across the ingestor, state
// store, review agent, and admin surfaces. None of these types carry
// behavior beyond small invariants checks; persistence and transformation
// live in the packages that own each concern.
package models

import (
	"strconv"
	"time"
)

// EventKind is the kind of Azure DevOps pull request event accepted by the
// ingestor.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
)

// Repository is a monitored Azure DevOps repository. Created and mutated
// only through the admin surface; consumed by the ingestor to reject
// events for repositories it does not know about.
type Repository struct {
	ID           string
	Organization string
	Project      string
	Name         string
	URL          string
	HookID       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PREvent is the internal shape a webhook payload is normalized into.
// Produced by the ingestor, consumed exactly once by a review agent run.
type PREvent struct {
	EventKind      EventKind
	PRID           int64
	RepositoryID   string
	SourceBranch   string
	TargetBranch   string
	SourceCommit   string
	TargetCommit   string
	IterationID    *int64
	ReceivedAt     time.Time
}

// DedupKey identifies duplicate deliveries of the same logical event so the
// ingestor can drop re-sent webhooks.
func (e PREvent) DedupKey() string {
	iter := e.SourceCommit
	if e.IterationID != nil {
		iter = strconv.FormatInt(*e.IterationID, 10)
	}
	return strconv.FormatInt(e.PRID, 10) + "/" + iter + "/" + string(e.EventKind)
}

// AgentStatus is the lifecycle state of a review agent run.
type AgentStatus string

const (
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentTimeout   AgentStatus = "timeout"
)

// Phase is one step of the review agent's state machine.
type Phase string

const (
	PhaseInit             Phase = "INIT"
	PhaseFetchMeta        Phase = "FETCH_META"
	PhaseLoadWatermark    Phase = "LOAD_WATERMARK"
	PhaseDiff             Phase = "DIFF"
	PhaseFullList         Phase = "FULL_LIST"
	PhaseParse            Phase = "PARSE"
	PhaseLineAnalysis     Phase = "LINE_ANALYSIS"
	PhaseArchAnalysis     Phase = "ARCH_ANALYSIS"
	PhaseResolutionCheck  Phase = "RESOLUTION_CHECK"
	PhasePublish          Phase = "PUBLISH"
	PhaseDone             Phase = "DONE"
	PhaseError            Phase = "ERROR"
)

// AgentRecord tracks one review-agent run. Invariant: for any PRID, at most
// one record with Status == AgentRunning exists at a time (enforced by the
// state store's claim_pr CAS operation).
type AgentRecord struct {
	AgentID      string
	PRID         int64
	RepositoryID string
	Phase        Phase
	StartedAt    time.Time
	Deadline     time.Time
	EndedAt      *time.Time
	Status       AgentStatus
}

// FileKind distinguishes how a file participates in a change delta. Deleted
// files never appear in a ChangeDelta.
type FileKind string

const (
	FileAdded    FileKind = "added"
	FileModified FileKind = "modified"
)

// LineRange is an inclusive [Start, End] line span, 1-indexed.
type LineRange struct {
	Start int
	End   int
}

// FileSlice is one file's contribution to a ChangeDelta: the changed line
// ranges (already padded to context bands and merged) plus the file
// content at the target revision.
type FileSlice struct {
	Path          string
	Kind          FileKind
	LineRanges    []LineRange
	TargetContent string
}

// ChangeDelta is the ordered set of file slices touched by an iteration.
// Invariants: every range lies within TargetContent's line bounds; Added
// files carry exactly one range covering the whole file.
type ChangeDelta struct {
	Files []FileSlice
}

// Severity is a LineFinding's severity level.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Category classifies what kind of issue a finding describes.
type Category string

const (
	CategoryCodeSmell     Category = "code_smell"
	CategoryBug           Category = "bug"
	CategorySecurity      Category = "security"
	CategoryBestPractice  Category = "best_practice"
	CategoryArchitecture  Category = "architecture"
)

// LineFinding is one analyzer-produced, line-anchored review comment.
// Fingerprint is the duplicate-suppression key computed by the comment
// ledger as H(path, line, category, normalized(message)).
type LineFinding struct {
	Path        string
	Line        int
	Severity    Severity
	Category    Category
	Message     string
	Suggestion  string
	Example     string
	Fingerprint string
}

// SummaryFinding is the single architectural-review comment for a PR
// iteration, posted at most once per iteration.
type SummaryFinding struct {
	Message             string
	SolidViolations     []string
	IdentifiedPatterns  []string
	SuggestedPatterns   []string
	ArchitecturalIssues []string
}

// ErrorRecord is one recoverable error observed during an agent run,
// retained in the state blob for diagnostics even after the phase that
// raised it moves on.
type ErrorRecord struct {
	Phase     Phase
	Message   string
	Kind      string
	Timestamp time.Time
}

// AgentStateBlob is the full checkpointed state of a review agent,
// persisted after every phase transition so the orchestrator can resume a
// crashed or cancelled run from its last completed phase.
type AgentStateBlob struct {
	AgentID               string
	PRID                  int64
	PRMetadata            map[string]any
	IterationID           int64
	LastReviewedIteration *int64
	ChangeDelta           *ChangeDelta
	ParsedFiles           map[string]string
	Findings              []LineFinding
	Summary               *SummaryFinding
	Errors                []ErrorRecord
	Phase                 Phase
	StartedAt             time.Time
	Timings               map[Phase]time.Duration
}

// JobQueueEntry wraps a PREvent with queue bookkeeping: retry count and the
// time at which it becomes visible again after a crash or nack.
type JobQueueEntry struct {
	ID        string
	Event     PREvent
	Attempts  int
	VisibleAt time.Time
}

// PluginRule is the per-file-extension analyzer configuration row: which
// rule sets apply, and the prompt/context template to use. Extensions with
// no matching row fall back to a default {rule_set: ["general"], ...} row.
type PluginRule struct {
	Extension       string
	RuleSet         []string
	SystemPrompt    string
	ContextTemplate string
}

// AgentExecutionMetric is the durable projection of one agent run's
// execution record, queryable without replaying the full state blob.
type AgentExecutionMetric struct {
	AgentID           string
	PRID              int64
	RepositoryID      string
	StartTime         time.Time
	EndTime           time.Time
	DurationMS        int64
	PhaseTimings      map[Phase]int64
	FilesAnalyzed     int
	FindingsPosted    int
	DuplicatesSkipped int
	ResolutionsMarked int
	APICalls          int
	APIErrors         int
	Status            AgentStatus
}

// ServiceHookRegistration is one registered Azure DevOps service hook,
// created by register_hook and removed by unregister_hook so hooks can be
// re-registered after a configuration change without re-deriving webhook
// URLs from scratch.
type ServiceHookRegistration struct {
	RepositoryID string
	HookID       string
	WebhookURL   string
	EventType    string
	RegisteredAt time.Time
}
