// Package reviewagent implements the Review Agent (C5): a per-PR state
// machine that drives one review end-to-end, checkpointing to the State
// Store after every phase so a crashed or preempted run can resume (or be
// cleanly finalized) from its last completed phase rather than losing
// work. The loop shape and persist-then-continue discipline are adapted
// from the daemon worker's processJob structure; nothing here talks to a
// platform or an analyzer directly except through the collaborators in
// Deps.
package reviewagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adorevd/prreview/internal/analyzer"
	"github.com/adorevd/prreview/internal/diff"
	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/ledger"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/observability"
	"github.com/adorevd/prreview/internal/platform"
	"github.com/adorevd/prreview/internal/plugin"
	"github.com/adorevd/prreview/internal/resilience"
	"github.com/adorevd/prreview/internal/store"
)

// cleanupTimeout bounds how long DONE/ERROR cleanup (watermark, agent
// record, PR claim release) is allowed to take once a run is finishing,
// independent of the run's own deadline having already expired.
const cleanupTimeout = 10 * time.Second

// Deps bundles a Review Agent's collaborators. Every field but Registry,
// Semaphore and Logger is required; Registry may be nil, and Semaphore and
// Logger fall back to sensible defaults in New.
type Deps struct {
	Platform platform.Client
	Store    store.Store
	Differ   *diff.Differ
	Ledger   *ledger.Ledger
	Analyzer analyzer.Analyzer
	Plugins  *plugin.Table

	// Registry, if set, receives a durable comment-fingerprint audit
	// record alongside every finding the Comment Ledger posts or
	// resolves, and the finalized AgentExecutionMetric when a run ends.
	// Optional: a Store that only implements the narrower Store
	// interface still runs a complete review, just without the
	// agent_executions/comment_fingerprints projections.
	Registry store.Registry

	// Semaphore bounds concurrent analyzer calls during LINE_ANALYSIS.
	// Defaults to resilience.DefaultSemaphoreSize if nil.
	Semaphore *resilience.Semaphore

	// Logger receives structured phase-transition and error events.
	// Defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// Agent runs one pull request review to completion. Not safe for concurrent
// use; the orchestrator's claim_pr protocol guarantees at most one Agent
// runs for a given PR at a time.
type Agent struct {
	id       string
	event    models.PREvent
	deadline time.Time
	deps     Deps

	pr    platform.PRMetadata
	state models.AgentStateBlob
	metric models.AgentExecutionMetric
}

// New constructs an Agent for event, checkpointing under agentID and bound
// by deadline. The caller is responsible for having already claimed the PR
// via the state store before spawning this Agent.
func New(agentID string, event models.PREvent, deadline time.Time, deps Deps) *Agent {
	if deps.Semaphore == nil {
		deps.Semaphore = resilience.NewSemaphore(resilience.DefaultSemaphoreSize)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Agent{
		id:       agentID,
		event:    event,
		deadline: deadline,
		deps:     deps,
		state: models.AgentStateBlob{
			AgentID: agentID,
			PRID:    event.PRID,
			Phase:   models.PhaseInit,
			Timings: map[models.Phase]time.Duration{},
		},
		metric: models.AgentExecutionMetric{
			AgentID:      agentID,
			PRID:         event.PRID,
			RepositoryID: event.RepositoryID,
		},
	}
}

// Resume rehydrates an Agent from a previously checkpointed state blob,
// such as one returned by the state store's GetState.
func Resume(agentID string, event models.PREvent, deadline time.Time, deps Deps, blob models.AgentStateBlob) *Agent {
	a := New(agentID, event, deadline, deps)
	a.state = blob
	if a.state.Timings == nil {
		a.state.Timings = map[models.Phase]time.Duration{}
	}
	return a
}

// Run drives the phase loop to completion. It returns nil on a run that
// ends in DONE and a non-nil error when the run ends in ERROR (status
// failed or timeout) —
// callers should not treat a non-nil error as "nothing was persisted";
// state and the agent record are always written before Run returns.
func (a *Agent) Run(ctx context.Context) error {
	runCtx, cancel := context.WithDeadline(ctx, a.deadline)
	defer cancel()

	if a.state.StartedAt.IsZero() {
		a.state.StartedAt = time.Now()
	}
	a.metric.StartTime = a.state.StartedAt

	for {
		select {
		case <-runCtx.Done():
			return a.abort()
		default:
		}

		prevPhase := a.state.Phase
		phaseStart := time.Now()

		var err error
		switch prevPhase {
		case models.PhaseInit:
			err = a.runInit(runCtx)
		case models.PhaseFetchMeta:
			err = a.runFetchMeta(runCtx)
		case models.PhaseLoadWatermark:
			err = a.runLoadWatermark(runCtx)
		case models.PhaseDiff:
			err = a.runDiff(runCtx)
		case models.PhaseFullList:
			err = a.runFullList(runCtx)
		case models.PhaseParse:
			err = a.runParse(runCtx)
		case models.PhaseLineAnalysis:
			err = a.runLineAnalysis(runCtx)
		case models.PhaseArchAnalysis:
			err = a.runArchAnalysis(runCtx)
		case models.PhaseResolutionCheck:
			err = a.runResolutionCheck(runCtx)
		case models.PhasePublish:
			err = a.runPublish(runCtx)
		case models.PhaseDone:
			return a.finish(models.AgentCompleted)
		case models.PhaseError:
			return a.finish(models.AgentFailed)
		default:
			err = fmt.Errorf("reviewagent: unknown phase %q", prevPhase)
		}

		phaseElapsed := time.Since(phaseStart)
		a.state.Timings[prevPhase] += phaseElapsed
		observability.RecordPhaseDuration(runCtx, string(prevPhase), a.repositoryID(), phaseElapsed)

		if err != nil {
			a.recordError(prevPhase, err)
			a.state.Phase = models.PhaseError
		}

		a.deps.Logger.Info("phase transition",
			"agent_id", a.id, "pr_id", a.event.PRID, "from", prevPhase, "to", a.state.Phase)
		a.persist(runCtx)
	}
}

// abort handles a deadline exceeded or parent-context-cancelled exit: it
// classifies the outcome (timeout vs. preempted), transitions to ERROR,
// and runs the same cleanup DONE would have, per SPEC_FULL.md's
// cancellation semantics ("exits within 10s").
func (a *Agent) abort() error {
	status := models.AgentFailed
	if !time.Now().Before(a.deadline) {
		status = models.AgentTimeout
	}
	a.recordError(a.state.Phase, fmt.Errorf("reviewagent: run interrupted in phase %s", a.state.Phase))
	a.state.Phase = models.PhaseError
	return a.finish(status)
}

func (a *Agent) recordError(phase models.Phase, err error) {
	a.state.Errors = append(a.state.Errors, models.ErrorRecord{
		Phase:     phase,
		Message:   err.Error(),
		Kind:      errorkind.Of(err).String(),
		Timestamp: time.Now(),
	})
	a.metric.APIErrors++
}

// repositoryID returns the best-known repository id even if FETCH_META
// never completed (e.g. an INIT-time validation failure).
func (a *Agent) repositoryID() string {
	if a.pr.RepositoryID != "" {
		return a.pr.RepositoryID
	}
	return a.event.RepositoryID
}

func (a *Agent) persist(ctx context.Context) {
	if err := a.deps.Store.PutState(ctx, a.id, a.state); err != nil {
		a.deps.Logger.Error("persist agent state failed", "agent_id", a.id, "error", err)
	}
	rec := models.AgentRecord{
		AgentID:      a.id,
		PRID:         a.event.PRID,
		RepositoryID: a.repositoryID(),
		Phase:        a.state.Phase,
		StartedAt:    a.state.StartedAt,
		Deadline:     a.deadline,
		Status:       models.AgentRunning,
	}
	if err := a.deps.Store.UpsertAgentRecord(ctx, rec); err != nil {
		a.deps.Logger.Error("persist agent record failed", "agent_id", a.id, "error", err)
	}
}

// finish runs DONE/ERROR's shared cleanup: advance the watermark on
// success only, write the terminal agent record, release the PR claim,
// finalize the execution metric, and persist the final state blob. Uses
// its own bounded context so cleanup still completes if the run's own
// deadline has already expired.
func (a *Agent) finish(status models.AgentStatus) error {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	now := time.Now()
	a.metric.EndTime = now
	a.metric.DurationMS = now.Sub(a.state.StartedAt).Milliseconds()
	a.metric.Status = status
	a.metric.PhaseTimings = durationsToMillis(a.state.Timings)
	observability.RecordAgentRun(ctx, string(status), a.repositoryID())

	if status == models.AgentCompleted {
		if err := a.deps.Store.SetWatermark(ctx, a.repositoryID(), a.event.PRID, a.state.IterationID); err != nil {
			a.deps.Logger.Error("set watermark failed", "agent_id", a.id, "error", err)
		}
	}

	rec := models.AgentRecord{
		AgentID:      a.id,
		PRID:         a.event.PRID,
		RepositoryID: a.repositoryID(),
		Phase:        a.state.Phase,
		StartedAt:    a.state.StartedAt,
		Deadline:     a.deadline,
		EndedAt:      &now,
		Status:       status,
	}
	if err := a.deps.Store.UpsertAgentRecord(ctx, rec); err != nil {
		a.deps.Logger.Error("finalize agent record failed", "agent_id", a.id, "error", err)
	}
	if err := a.deps.Store.ReleasePR(ctx, a.event.PRID, a.id); err != nil {
		a.deps.Logger.Error("release pr claim failed", "agent_id", a.id, "error", err)
	}
	if err := a.deps.Store.PutState(ctx, a.id, a.state); err != nil {
		a.deps.Logger.Error("persist final agent state failed", "agent_id", a.id, "error", err)
	}
	if a.deps.Registry != nil {
		if err := a.deps.Registry.RecordExecution(ctx, a.metric); err != nil {
			a.deps.Logger.Error("record execution metric failed", "agent_id", a.id, "error", err)
		}
	}

	a.deps.Logger.Info("run finished",
		"agent_id", a.id, "pr_id", a.event.PRID, "status", status, "errors", len(a.state.Errors))

	if status == models.AgentFailed || status == models.AgentTimeout {
		return fmt.Errorf("reviewagent: run ended %s for pr %d: %d error(s) recorded", status, a.event.PRID, len(a.state.Errors))
	}
	return nil
}

// State returns the agent's current checkpointed state, for tests and for
// the orchestrator's supervisory logging.
func (a *Agent) State() models.AgentStateBlob { return a.state }

// Metric returns the execution metric accumulated so far.
func (a *Agent) Metric() models.AgentExecutionMetric { return a.metric }

func durationsToMillis(d map[models.Phase]time.Duration) map[models.Phase]int64 {
	out := make(map[models.Phase]int64, len(d))
	for k, v := range d {
		out[k] = v.Milliseconds()
	}
	return out
}
