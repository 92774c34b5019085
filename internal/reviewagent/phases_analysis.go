package reviewagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adorevd/prreview/internal/analyzer"
	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/plugin"
)

// fileAnalysisResult is one file's outcome from a LINE_ANALYSIS submission,
// collected into an index-aligned slice so concurrent goroutines never
// race on a shared findings slice — the same shape dshills-prism's chunked
// reviewer uses to merge per-chunk results back in submission order.
type fileAnalysisResult struct {
	path     string
	findings []models.LineFinding
	err      error
}

func (a *Agent) runLineAnalysis(ctx context.Context) error {
	if a.state.ChangeDelta == nil || len(a.state.ParsedFiles) == 0 {
		a.state.Findings = nil
		a.state.Phase = models.PhaseArchAnalysis
		return nil
	}

	files := a.state.ChangeDelta.Files
	results := make([]fileAnalysisResult, len(files))

	var wg sync.WaitGroup
	for i, f := range files {
		content, ok := a.state.ParsedFiles[f.Path]
		if !ok {
			continue // skipped at PARSE (binary)
		}
		wg.Add(1)
		go func(i int, f models.FileSlice, content string) {
			defer wg.Done()
			results[i] = a.analyzeFile(ctx, f, content)
		}(i, f, content)
	}
	wg.Wait()

	var all []models.LineFinding
	submitted, failed := 0, 0
	for i, r := range results {
		if r.path == "" {
			continue
		}
		submitted++
		if r.err != nil {
			failed++
			a.deps.Logger.Warn("line analysis failed for file",
				"agent_id", a.id, "path", r.path, "error", r.err)
			a.state.Errors = append(a.state.Errors, models.ErrorRecord{
				Phase: models.PhaseLineAnalysis, Message: r.err.Error(),
				Kind: errorkind.Of(r.err).String(), Timestamp: time.Now(),
			})
			continue
		}
		ranges := files[i].LineRanges
		for _, finding := range r.findings {
			if !lineInRanges(finding.Line, ranges) {
				continue // outside the delta: cannot comment off-delta reliably
			}
			all = append(all, finding)
		}
	}

	a.state.Findings = all
	if failed > 0 && failed == submitted && ctx.Err() == nil {
		return fmt.Errorf("reviewagent: analyzer failed for all %d file(s)", failed)
	}
	a.state.Phase = models.PhaseArchAnalysis
	return nil
}

// analyzeFile acquires the shared semaphore, builds one Chunk per line
// range in f, and submits them all in a single batched Analyze call.
func (a *Agent) analyzeFile(ctx context.Context, f models.FileSlice, content string) fileAnalysisResult {
	if err := a.deps.Semaphore.Acquire(ctx); err != nil {
		return fileAnalysisResult{path: f.Path, err: err}
	}
	defer a.deps.Semaphore.Release()

	rule := a.deps.Plugins.Lookup(f.Path)
	chunks := make([]analyzer.Chunk, 0, len(f.LineRanges))
	for _, r := range f.LineRanges {
		chunks = append(chunks, analyzer.Chunk{
			Path:      f.Path,
			StartLine: r.Start,
			Content:   extractLines(content, r.Start, r.End),
		})
	}

	findings, err := a.deps.Analyzer.Analyze(ctx, chunks, rule.RuleSet)
	return fileAnalysisResult{path: f.Path, findings: findings, err: err}
}

// extractLines returns the 1-indexed inclusive [start, end] line span of
// content, clamped to content's actual bounds.
func extractLines(content string, start, end int) string {
	lines := strings.Split(content, "\n")
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end || start > len(lines) {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

func lineInRanges(line int, ranges []models.LineRange) bool {
	for _, r := range ranges {
		if line >= r.Start && line <= r.End {
			return true
		}
	}
	return false
}

func (a *Agent) runArchAnalysis(ctx context.Context) error {
	files := a.state.ChangeDelta
	if files == nil || len(files.Files) == 0 {
		// Optional on update events where the delta is small — here,
		// empty entirely.
		a.state.Phase = models.PhaseResolutionCheck
		return nil
	}

	chunks := make([]analyzer.Chunk, 0, len(files.Files))
	for _, f := range files.Files {
		content, ok := a.state.ParsedFiles[f.Path]
		if !ok {
			continue
		}
		chunks = append(chunks, analyzer.Chunk{Path: f.Path, StartLine: 1, Content: content})
	}
	if len(chunks) == 0 {
		a.state.Phase = models.PhaseResolutionCheck
		return nil
	}

	ruleSet := archRuleSet(a.deps.Plugins, files.Files)
	summary, err := a.deps.Analyzer.AnalyzeArchitecture(ctx, chunks, ruleSet)
	if err != nil {
		a.deps.Logger.Warn("architecture analysis failed", "agent_id", a.id, "error", err)
		a.state.Errors = append(a.state.Errors, models.ErrorRecord{
			Phase: models.PhaseArchAnalysis, Message: err.Error(),
			Kind: errorkind.Of(err).String(), Timestamp: time.Now(),
		})
		a.state.Phase = models.PhaseResolutionCheck
		return nil
	}

	a.state.Summary = summary
	a.state.Phase = models.PhaseResolutionCheck
	return nil
}

// archRuleSet unions the rule sets of every extension touched by the
// delta, so the architectural pass sees every language-specific rule that
// applies to at least one changed file.
func archRuleSet(t *plugin.Table, files []models.FileSlice) []string {
	seen := make(map[string]bool)
	var rules []string
	for _, f := range files {
		for _, r := range t.Lookup(f.Path).RuleSet {
			if !seen[r] {
				seen[r] = true
				rules = append(rules, r)
			}
		}
	}
	return rules
}
