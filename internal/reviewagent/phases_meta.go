package reviewagent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/store"
)

// maxDiffAttempts bounds DIFF's own retries against an unrecoverable
// response, per SPEC_FULL.md §4.4: "If C3 fails twice, fall back to full
// review and log DIFF_FALLBACK." This is independent of (and on top of)
// the retrying the Platform Client already does internally for transient
// errors.
const maxDiffAttempts = 2

func (a *Agent) runInit(ctx context.Context) error {
	if a.event.PRID == 0 {
		return fmt.Errorf("reviewagent: invalid event: missing pr id")
	}
	a.state.StartedAt = time.Now()
	a.state.Phase = models.PhaseFetchMeta
	return nil
}

func (a *Agent) runFetchMeta(ctx context.Context) error {
	pr, err := a.deps.Platform.GetPR(ctx, a.event.PRID)
	if err != nil {
		return err
	}
	a.pr = pr
	a.metric.APICalls++
	a.state.IterationID = pr.CurrentIteration
	a.state.PRMetadata = map[string]any{
		"title":          pr.Title,
		"source_branch":  pr.SourceBranch,
		"target_branch":  pr.TargetBranch,
		"repository_id":  pr.RepositoryID,
		"source_commit":  pr.SourceCommit,
		"target_commit":  pr.TargetCommit,
	}

	if a.event.EventKind == models.EventCreated {
		a.state.Phase = models.PhaseFullList
		return nil
	}
	a.state.Phase = models.PhaseLoadWatermark
	return nil
}

func (a *Agent) runLoadWatermark(ctx context.Context) error {
	iter, err := a.deps.Store.GetWatermark(ctx, a.pr.RepositoryID, a.pr.PRID)
	if errors.Is(err, store.ErrNotFound) {
		a.deps.Logger.Info("no watermark on file, falling back to full review",
			"agent_id", a.id, "pr_id", a.event.PRID)
		a.state.Phase = models.PhaseFullList
		return nil
	}
	if err != nil {
		return err
	}
	a.state.LastReviewedIteration = &iter
	a.state.Phase = models.PhaseDiff
	return nil
}

func (a *Agent) runDiff(ctx context.Context) error {
	var (
		delta models.ChangeDelta
		err   error
	)
	for attempt := 0; attempt < maxDiffAttempts; attempt++ {
		delta, err = a.deps.Differ.Diff(ctx, a.pr, *a.state.LastReviewedIteration, a.state.IterationID)
		if err == nil {
			break
		}
		if errors.Is(err, errorkind.ErrPriorIterUnknown) {
			break
		}
	}
	if err != nil {
		a.deps.Logger.Warn("DIFF_FALLBACK",
			"agent_id", a.id, "pr_id", a.event.PRID, "reason", err)
		a.recordError(models.PhaseDiff, err)
		a.state.Phase = models.PhaseFullList
		return nil
	}
	a.state.ChangeDelta = &delta
	a.state.Phase = models.PhaseParse
	return nil
}

func (a *Agent) runFullList(ctx context.Context) error {
	delta, err := a.deps.Differ.FullList(ctx, a.pr, a.state.IterationID)
	if err != nil {
		return err
	}
	a.state.ChangeDelta = &delta
	a.state.Phase = models.PhaseParse
	return nil
}
