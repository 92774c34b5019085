package reviewagent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adorevd/prreview/internal/models"
)

// isBinary applies the simple null-byte heuristic Go's own net/http and
// git itself use to distinguish binary from text content, since the delta
// never carries a separate content-type hint.
func isBinary(content string) bool {
	return strings.ContainsRune(content, 0)
}

func (a *Agent) runParse(ctx context.Context) error {
	if a.state.ChangeDelta == nil || len(a.state.ChangeDelta.Files) == 0 {
		a.state.ParsedFiles = map[string]string{}
		a.state.Phase = models.PhaseLineAnalysis
		return nil
	}

	parsed := make(map[string]string, len(a.state.ChangeDelta.Files))
	for _, f := range a.state.ChangeDelta.Files {
		if isBinary(f.TargetContent) {
			a.deps.Logger.Info("skipping binary file", "agent_id", a.id, "path", f.Path)
			a.state.Errors = append(a.state.Errors, models.ErrorRecord{
				Phase:     models.PhaseParse,
				Message:   fmt.Sprintf("binary file skipped: %s", f.Path),
				Kind:      "skipped",
				Timestamp: time.Now(),
			})
			continue
		}
		// A plugin row is always available (C11 guarantees a "*" fallback);
		// the lookup itself happens per-file in LINE_ANALYSIS where the
		// rule set is actually needed, not here.
		parsed[f.Path] = f.TargetContent
	}

	a.state.ParsedFiles = parsed
	a.metric.FilesAnalyzed = len(parsed)
	a.state.Phase = models.PhaseLineAnalysis
	return nil
}
