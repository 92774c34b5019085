// Package ledger implements the Comment Ledger (C4): suppressing duplicate
// findings against already-posted active threads, and classifying prior
// findings as resolved or still-open against the current iteration's code.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/adorevd/prreview/internal/analyzer"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/platform"
)

// marker is the hidden tag appended to every thread body this module
// creates, so a later run can recover the (category, fingerprint) identity
// of an active thread from platform.Thread alone. Azure DevOps threads
// have no structured metadata field for this, so it travels in the body
// text instead, the way bots commonly embed dedup keys in comment text.
const markerPrefix = "<!-- prreview:"

// Fingerprint computes the duplicate-suppression key for a finding, per
// SPEC_FULL.md's LineFinding definition: H(path, line, category,
// normalized(message)). Normalization folds case and collapses whitespace
// so a cosmetic rewording of the same message doesn't produce a distinct
// fingerprint.
func Fingerprint(path string, line int, category models.Category, message string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(message)), " ")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d\x00%s\x00%s", path, line, category, normalized)))
	return hex.EncodeToString(sum[:])
}

func marker(category models.Category, fingerprint string) string {
	return fmt.Sprintf("%scategory=%s;fingerprint=%s -->", markerPrefix, category, fingerprint)
}

func parseMarker(body string) (category models.Category, fingerprint string, ok bool) {
	start := strings.Index(body, markerPrefix)
	if start < 0 {
		return "", "", false
	}
	end := strings.Index(body[start:], "-->")
	if end < 0 {
		return "", "", false
	}
	tag := body[start+len(markerPrefix) : start+end]
	for _, field := range strings.Split(tag, ";") {
		kv := strings.SplitN(strings.TrimSpace(field), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "category":
			category = models.Category(kv[1])
		case "fingerprint":
			fingerprint = kv[1]
		}
	}
	if category == "" || fingerprint == "" {
		return "", "", false
	}
	return category, fingerprint, true
}

// Body renders the comment text the core should post for finding,
// including the hidden identity marker this package relies on later.
func Body(f models.LineFinding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s): %s", f.Category, f.Severity, f.Message)
	if f.Suggestion != "" {
		fmt.Fprintf(&b, "\n\nSuggestion: %s", f.Suggestion)
	}
	if f.Example != "" {
		fmt.Fprintf(&b, "\n\n```\n%s\n```", f.Example)
	}
	b.WriteString("\n\n")
	b.WriteString(marker(f.Category, f.Fingerprint))
	return b.String()
}

type dedupKey struct {
	path     string
	line     int
	category models.Category
}

// FilterResult is filter_new's output.
type FilterResult struct {
	ToPost            []models.LineFinding
	SkippedDuplicates int
}

// Ledger implements the Comment Ledger operations against a Platform
// Client and an external Analyzer (used only for fix verification).
type Ledger struct {
	client   platform.Client
	analyzer analyzer.Analyzer
}

// New constructs a Ledger.
func New(client platform.Client, an analyzer.Analyzer) *Ledger {
	return &Ledger{client: client, analyzer: an}
}

// FilterNew implements filter_new: fetches active threads on pr, drops any
// finding whose (path, line, category) matches an existing active thread,
// and deduplicates within findings itself by fingerprint. Every returned
// finding has Fingerprint populated.
func (l *Ledger) FilterNew(ctx context.Context, pr platform.PRMetadata, findings []models.LineFinding) (FilterResult, error) {
	threads, err := l.client.ListThreads(ctx, pr.PRID)
	if err != nil {
		return FilterResult{}, err
	}

	active := make(map[dedupKey]bool)
	for _, th := range threads {
		if th.Status != platform.ThreadActive {
			continue
		}
		category, _, ok := threadMarker(th)
		if !ok {
			continue
		}
		active[dedupKey{th.Path, th.Line, category}] = true
	}

	result := FilterResult{}
	seenThisRun := make(map[string]bool, len(findings))
	for _, f := range findings {
		if f.Fingerprint == "" {
			f.Fingerprint = Fingerprint(f.Path, f.Line, f.Category, f.Message)
		}
		if seenThisRun[f.Fingerprint] {
			result.SkippedDuplicates++
			continue
		}
		seenThisRun[f.Fingerprint] = true

		if active[dedupKey{f.Path, f.Line, f.Category}] {
			result.SkippedDuplicates++
			continue
		}
		result.ToPost = append(result.ToPost, f)
	}
	return result, nil
}

// ClassificationResult is classify_prior's output: the threads confirmed
// resolved (caller should transition them to fixed) and those left open.
type ClassificationResult struct {
	Resolved []platform.Thread
	Open     []platform.Thread
}

// ClassifyPrior implements classify_prior: for every active, non-PR-level
// thread this module previously posted whose fingerprint no longer
// appears in currentFindings, asks the analyzer to judge whether
// currentSources (current code keyed by path) shows the issue fixed. Only
// an affirmative, bounded-confidence judgment (analyzer.ResolutionResolved)
// moves a thread to Resolved; everything else — including a missing
// current source or an analyzer error on that thread — stays Open, per the
// conservative bias SPEC_FULL.md §4.6 requires.
func (l *Ledger) ClassifyPrior(ctx context.Context, pr platform.PRMetadata, currentFindings []models.LineFinding, currentSources map[string]string) (ClassificationResult, error) {
	threads, err := l.client.ListThreads(ctx, pr.PRID)
	if err != nil {
		return ClassificationResult{}, err
	}

	currentFP := make(map[string]bool, len(currentFindings))
	for _, f := range currentFindings {
		fp := f.Fingerprint
		if fp == "" {
			fp = Fingerprint(f.Path, f.Line, f.Category, f.Message)
		}
		currentFP[fp] = true
	}

	var result ClassificationResult
	for _, th := range threads {
		if th.Status != platform.ThreadActive || th.IsPRLevel {
			continue
		}
		category, fingerprint, ok := threadMarker(th)
		if !ok {
			result.Open = append(result.Open, th)
			continue
		}
		if currentFP[fingerprint] {
			result.Open = append(result.Open, th)
			continue
		}

		currentContext, ok := currentSources[th.Path]
		if !ok {
			result.Open = append(result.Open, th)
			continue
		}

		prior := models.LineFinding{Path: th.Path, Line: th.Line, Category: category}
		resolution, err := l.analyzer.VerifyFix(ctx, prior, currentContext)
		if err != nil || resolution != analyzer.ResolutionResolved {
			result.Open = append(result.Open, th)
			continue
		}
		result.Resolved = append(result.Resolved, th)
	}
	return result, nil
}

func threadMarker(th platform.Thread) (category models.Category, fingerprint string, ok bool) {
	for _, c := range th.Comments {
		if category, fingerprint, ok = parseMarker(c); ok {
			return category, fingerprint, true
		}
	}
	return "", "", false
}

// ThreadFingerprint exposes a thread's embedded fingerprint for callers
// that need to audit a resolution decision (e.g. the comment fingerprint
// table) without re-deriving it from a finding.
func ThreadFingerprint(th platform.Thread) (fingerprint string, ok bool) {
	_, fingerprint, ok = threadMarker(th)
	return fingerprint, ok
}
