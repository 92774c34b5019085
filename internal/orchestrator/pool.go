// Package orchestrator implements the Orchestrator (C6): a bounded worker
// pool that dequeues PR events from the state store, claims exclusive
// ownership of the target PR, and spawns a Review Agent to drive the
// review to completion. The pool shape — fixed goroutine count, a
// sync.Once-guarded start/stop, an atomic.Int32 active-worker gauge, and a
// mutex-guarded map of in-flight cancellation handles — is adapted from
// the daemon worker pool this project's review pipeline is modeled on.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adorevd/prreview/internal/analyzer"
	"github.com/adorevd/prreview/internal/diff"
	"github.com/adorevd/prreview/internal/ledger"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/observability"
	"github.com/adorevd/prreview/internal/platform"
	"github.com/adorevd/prreview/internal/plugin"
	"github.com/adorevd/prreview/internal/resilience"
	"github.com/adorevd/prreview/internal/reviewagent"
	"github.com/adorevd/prreview/internal/store"
)

const (
	// DefaultNumWorkers is the default pool size (spec.md's fixed worker
	// pool, default 3).
	DefaultNumWorkers = 3

	// agentDeadline is the per-agent wall clock budget handed to every
	// spawned Review Agent.
	agentDeadline = 10 * time.Minute

	// visibilityTimeout must exceed agentDeadline: an agent still legally
	// running should never have its queue entry redelivered to a second
	// worker out from under it.
	visibilityTimeout = agentDeadline + 30*time.Second

	// cancelWaitTimeout bounds how long dispatch waits for a preempted
	// agent to release its PR claim before force-releasing it.
	cancelWaitTimeout = 10 * time.Second

	supervisorInterval  = time.Second
	dequeuePollInterval = 2 * time.Second
	dequeueErrorBackoff = 5 * time.Second
)

// Deps bundles the collaborators handed to every spawned Review Agent.
type Deps struct {
	Store    store.Store
	Platform platform.Client
	Differ   *diff.Differ
	Ledger   *ledger.Ledger
	Analyzer analyzer.Analyzer
	Plugins  *plugin.Table

	// Registry, if set, is handed to every spawned agent for the durable
	// agent_executions/comment_fingerprints projections. Left nil, a
	// Store that also implements store.Registry (both backends do) is
	// detected automatically in New.
	Registry store.Registry

	// Semaphore bounds concurrent analyzer calls within a single agent's
	// LINE_ANALYSIS phase. Shared across agents so the process-wide
	// analyzer concurrency stays bounded regardless of how many PRs are
	// under review at once.
	Semaphore *resilience.Semaphore

	Logger *slog.Logger
}

func (d Deps) toAgentDeps() reviewagent.Deps {
	return reviewagent.Deps{
		Platform:  d.Platform,
		Store:     d.Store,
		Differ:    d.Differ,
		Ledger:    d.Ledger,
		Analyzer:  d.Analyzer,
		Plugins:   d.Plugins,
		Registry:  d.Registry,
		Semaphore: d.Semaphore,
		Logger:    d.Logger,
	}
}

// runningAgent tracks one in-flight Review Agent for local cancellation.
type runningAgent struct {
	cancel context.CancelFunc
	done   chan struct{}
	prID   int64
}

// Pool is a bounded worker pool dispatching Review Agent runs. Not safe
// for reuse after Stop.
type Pool struct {
	deps       Deps
	numWorkers int
	logger     *slog.Logger

	activeWorkers atomic.Int32
	stopCh        chan struct{}
	readyCh       chan struct{}
	startOnce     sync.Once
	stopOnce      sync.Once
	wg            sync.WaitGroup

	mu      sync.Mutex
	running map[string]*runningAgent
}

// New constructs a Pool with numWorkers workers (DefaultNumWorkers if <= 0).
func New(deps Deps, numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}
	if deps.Registry == nil {
		if reg, ok := deps.Store.(store.Registry); ok {
			deps.Registry = reg
		}
	}
	if deps.Semaphore == nil {
		deps.Semaphore = resilience.NewSemaphore(resilience.DefaultSemaphoreSize)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pool{
		deps:       deps,
		numWorkers: numWorkers,
		logger:     deps.Logger,
		stopCh:     make(chan struct{}),
		readyCh:    make(chan struct{}),
		running:    make(map[string]*runningAgent),
	}
}

// ActiveWorkers reports how many workers are currently processing a job.
func (p *Pool) ActiveWorkers() int { return int(p.activeWorkers.Load()) }

// NumWorkers reports the pool's fixed worker count.
func (p *Pool) NumWorkers() int { return p.numWorkers }

// Start recovers orphaned agent records left behind by a prior crash, then
// spawns the fixed worker pool and the timeout supervisor. Safe to call
// multiple times; only the first call does anything.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		if err := p.recoverOnBoot(ctx); err != nil {
			p.logger.Error("boot recovery failed", "error", err)
		}
		p.wg.Add(p.numWorkers + 1)
		close(p.readyCh)
		for i := 0; i < p.numWorkers; i++ {
			go p.worker(ctx, i)
		}
		go p.supervise(ctx)
	})
}

// Stop signals every worker and the supervisor to exit and waits for them.
// Safe to call multiple times.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		select {
		case <-p.readyCh:
			p.wg.Wait()
		default:
		}
	})
}

// recoverOnBoot finalizes agent records left in status=running whose
// deadline has already elapsed: a crash mid-run means nothing will ever
// call finish() for them, so no timeout/failed status or claim release
// would otherwise happen. Records whose deadline has not yet passed are
// deliberately left alone — the queue entry backing them was never acked,
// so it is redelivered once its own visibility window expires, and
// dispatch's claim-preemption path (see claimWithPreemption) cleans up the
// stale claim at that point via STALE_AGENT_KILLED.
func (p *Pool) recoverOnBoot(ctx context.Context) error {
	recs, err := p.deps.Store.RunningAgentRecords(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list running agent records: %w", err)
	}
	now := time.Now()
	for _, rec := range recs {
		if now.Before(rec.Deadline) {
			continue
		}
		ended := now
		rec.Status = models.AgentTimeout
		rec.EndedAt = &ended
		if err := p.deps.Store.UpsertAgentRecord(ctx, rec); err != nil {
			p.logger.Error("recover: finalize agent record failed", "agent_id", rec.AgentID, "error", err)
			continue
		}
		if err := p.deps.Store.ReleasePR(ctx, rec.PRID, rec.AgentID); err != nil {
			p.logger.Error("recover: release pr claim failed", "agent_id", rec.AgentID, "error", err)
		}
		p.logger.Info("recovered orphaned agent past deadline",
			"agent_id", rec.AgentID, "pr_id", rec.PRID)
	}
	return nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	workerID := fmt.Sprintf("worker-%d", id)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		entry, ok, err := p.deps.Store.Dequeue(ctx, workerID, visibilityTimeout)
		if err != nil {
			p.logger.Error("dequeue failed", "worker_id", workerID, "error", err)
			p.sleep(dequeueErrorBackoff)
			continue
		}
		if !ok {
			p.sleep(dequeuePollInterval)
			continue
		}

		p.activeWorkers.Add(1)
		p.dispatch(ctx, workerID, entry)
		p.activeWorkers.Add(-1)
	}
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

// dispatch claims the PR for a new agent (preempting any stale claim),
// spawns and runs the agent to completion, and acks the queue entry.
func (p *Pool) dispatch(ctx context.Context, workerID string, entry models.JobQueueEntry) {
	event := entry.Event
	agentID := uuid.NewString()

	if !p.claimWithPreemption(ctx, event.PRID, event.RepositoryID, agentID) {
		p.logger.Warn("could not claim pr, leaving entry for redelivery",
			"worker_id", workerID, "pr_id", event.PRID)
		return
	}

	deadline := time.Now().Add(agentDeadline)
	if err := p.deps.Store.ScheduleTimeout(ctx, agentID, deadline); err != nil {
		p.logger.Error("schedule timeout failed", "agent_id", agentID, "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.registerRunning(agentID, event.PRID, cancel, done)

	ag := reviewagent.New(agentID, event, deadline, p.deps.toAgentDeps())
	runErr := ag.Run(runCtx)

	close(done)
	p.unregisterRunning(agentID)
	cancel()

	if runErr != nil {
		p.logger.Warn("agent run ended in error",
			"agent_id", agentID, "pr_id", event.PRID, "error", runErr)
	}
	if err := p.deps.Store.Ack(ctx, entry.ID); err != nil {
		p.logger.Error("ack failed", "worker_id", workerID, "entry_id", entry.ID, "error", err)
	}
}

// claimWithPreemption implements §4.3's dispatch protocol: claim, and on
// conflict, cancel the current holder and wait up to cancelWaitTimeout for
// it to release before retrying. Two attempts total — one initial claim
// plus one retry after preemption.
func (p *Pool) claimWithPreemption(ctx context.Context, prID int64, repositoryID, agentID string) bool {
	for attempt := 0; attempt < 2; attempt++ {
		result, err := p.deps.Store.ClaimPR(ctx, prID, agentID)
		if err != nil {
			p.logger.Error("claim_pr failed", "pr_id", prID, "error", err)
			return false
		}
		if result.OK {
			return true
		}
		observability.RecordClaimContention(ctx, repositoryID)
		if result.PreviousAgentID == "" {
			return false
		}
		p.preempt(ctx, result.PreviousAgentID, prID)
	}
	return false
}

// preempt cancels prevAgentID's run if it is local to this pool and waits
// for it to release the claim, force-releasing it after cancelWaitTimeout.
func (p *Pool) preempt(ctx context.Context, prevAgentID string, prID int64) {
	p.mu.Lock()
	entry, tracked := p.running[prevAgentID]
	p.mu.Unlock()

	if tracked {
		entry.cancel()
		select {
		case <-entry.done:
			return
		case <-time.After(cancelWaitTimeout):
		}
	}

	p.logger.Warn("STALE_AGENT_KILLED", "agent_id", prevAgentID, "pr_id", prID)
	if err := p.deps.Store.ReleasePR(ctx, prID, prevAgentID); err != nil {
		p.logger.Error("force release failed", "agent_id", prevAgentID, "pr_id", prID, "error", err)
	}
}

func (p *Pool) registerRunning(agentID string, prID int64, cancel context.CancelFunc, done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[agentID] = &runningAgent{cancel: cancel, done: done, prID: prID}
}

func (p *Pool) unregisterRunning(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, agentID)
}

// supervise wakes every supervisorInterval and delivers cancellation to
// any agent whose scheduled deadline has elapsed, per §4.3 responsibility
// 3. Locally tracked agents are cancelled directly; agents scheduled by a
// process that has since died are finalized the same way recoverOnBoot
// finalizes them.
func (p *Pool) supervise(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweepTimeouts(ctx)
		}
	}
}

func (p *Pool) sweepTimeouts(ctx context.Context) {
	ids, err := p.deps.Store.DueTimeouts(ctx, time.Now())
	if err != nil {
		p.logger.Error("due_timeouts failed", "error", err)
		return
	}
	for _, id := range ids {
		p.mu.Lock()
		entry, tracked := p.running[id]
		p.mu.Unlock()

		if tracked {
			entry.cancel()
			continue
		}
		p.finalizeOrphan(ctx, id)
	}
}

// finalizeOrphan marks a due-but-untracked agent record timeout and
// releases its claim: it was scheduled by a process that is no longer
// alive to run its own deadline check.
func (p *Pool) finalizeOrphan(ctx context.Context, agentID string) {
	rec, err := p.deps.Store.GetAgentRecord(ctx, agentID)
	if err != nil {
		return
	}
	if rec.Status != models.AgentRunning {
		return
	}
	now := time.Now()
	rec.Status = models.AgentTimeout
	rec.EndedAt = &now
	if err := p.deps.Store.UpsertAgentRecord(ctx, rec); err != nil {
		p.logger.Error("finalize orphan failed", "agent_id", agentID, "error", err)
		return
	}
	if err := p.deps.Store.ReleasePR(ctx, rec.PRID, agentID); err != nil {
		p.logger.Error("release orphan claim failed", "agent_id", agentID, "error", err)
	}
	p.logger.Warn("orphaned agent past its scheduled deadline", "agent_id", agentID, "pr_id", rec.PRID)
}
