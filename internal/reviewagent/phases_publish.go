package reviewagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/ledger"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/platform"
)

// runResolutionCheck is update-only: a first-ever review has no prior
// threads to reconcile. Marking a thread fixed on affirmative verdict is
// the only status change the Platform Client contract exposes for an
// existing thread (there is no separate reply-only operation), so
// "append a short reply" from SPEC_FULL.md §4.4 is folded into the status
// transition itself rather than posting a second comment.
func (a *Agent) runResolutionCheck(ctx context.Context) error {
	if a.event.EventKind != models.EventUpdated || a.state.LastReviewedIteration == nil {
		a.state.Phase = models.PhasePublish
		return nil
	}

	result, err := a.deps.Ledger.ClassifyPrior(ctx, a.pr, a.state.Findings, a.state.ParsedFiles)
	if err != nil {
		a.deps.Logger.Warn("resolution check failed", "agent_id", a.id, "error", err)
		a.state.Errors = append(a.state.Errors, models.ErrorRecord{
			Phase: models.PhaseResolutionCheck, Message: err.Error(),
			Kind: errorkind.Of(err).String(), Timestamp: time.Now(),
		})
		a.state.Phase = models.PhasePublish
		return nil
	}

	for _, th := range result.Resolved {
		if err := a.deps.Platform.UpdateThread(ctx, a.pr.PRID, th.ID, platform.ThreadFixed); err != nil {
			a.deps.Logger.Warn("failed to mark thread fixed",
				"agent_id", a.id, "thread_id", th.ID, "error", err)
			continue
		}
		a.metric.ResolutionsMarked++

		if a.deps.Registry != nil {
			if fp, ok := ledger.ThreadFingerprint(th); ok {
				if err := a.deps.Registry.MarkFingerprintResolution(ctx, a.pr.PRID, fp, "resolved"); err != nil {
					a.deps.Logger.Warn("record fingerprint resolution failed",
						"agent_id", a.id, "thread_id", th.ID, "error", err)
				}
			}
		}
	}

	a.state.Phase = models.PhasePublish
	return nil
}

func (a *Agent) runPublish(ctx context.Context) error {
	result, err := a.deps.Ledger.FilterNew(ctx, a.pr, a.state.Findings)
	if err != nil {
		return err
	}
	a.metric.DuplicatesSkipped += result.SkippedDuplicates

	for _, f := range result.ToPost {
		if _, err := a.deps.Platform.CreateThread(ctx, a.pr.PRID, f.Path, f.Line, ledger.Body(f), platform.ThreadActive); err != nil {
			a.deps.Logger.Warn("failed to publish finding",
				"agent_id", a.id, "path", f.Path, "line", f.Line, "error", err)
			a.state.Errors = append(a.state.Errors, models.ErrorRecord{
				Phase: models.PhasePublish, Message: err.Error(),
				Kind: errorkind.Of(err).String(), Timestamp: time.Now(),
			})
			continue
		}
		a.metric.FindingsPosted++

		if a.deps.Registry != nil {
			if err := a.deps.Registry.RecordCommentFingerprint(ctx, a.pr.PRID, f.Fingerprint, f.Path, f.Line, time.Now()); err != nil {
				a.deps.Logger.Warn("record comment fingerprint failed",
					"agent_id", a.id, "path", f.Path, "line", f.Line, "error", err)
			}
		}
	}

	if a.state.Summary != nil {
		if _, err := a.deps.Platform.CreateThread(ctx, a.pr.PRID, "", 0, summaryBody(*a.state.Summary), platform.ThreadActive); err != nil {
			a.deps.Logger.Warn("failed to publish architecture summary", "agent_id", a.id, "error", err)
		} else {
			a.metric.FindingsPosted++
		}
	}

	a.state.Phase = models.PhaseDone
	return nil
}

// summaryBody renders a SummaryFinding into the PR-level thread body. Has
// no ledger.Body analogue since a summary carries no fingerprint or
// per-line identity to dedupe against — SPEC_FULL.md caps it at one per
// iteration by construction (ARCH_ANALYSIS produces at most one).
func summaryBody(s models.SummaryFinding) string {
	var b strings.Builder
	b.WriteString("**Architecture review**\n\n")
	b.WriteString(s.Message)

	writeList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n\n%s:\n", title)
		for _, it := range items {
			fmt.Fprintf(&b, "- %s\n", it)
		}
	}
	writeList("SOLID violations", s.SolidViolations)
	writeList("Identified patterns", s.IdentifiedPatterns)
	writeList("Suggested patterns", s.SuggestedPatterns)
	writeList("Architectural issues", s.ArchitecturalIssues)
	return b.String()
}
