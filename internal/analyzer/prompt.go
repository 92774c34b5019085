package analyzer

import (
	"fmt"
	"strings"

	"github.com/adorevd/prreview/internal/models"
)

// buildAnalyzePrompt renders chunks and ruleSet into the instruction text
// sent to the agent for an Analyze call, ending with an explicit
// request for a single JSON object so the response can be parsed back
// into []models.LineFinding without a second round trip.
func buildAnalyzePrompt(chunks []Chunk, ruleSet []string) string {
	var b strings.Builder
	b.WriteString("You are reviewing a set of changed code slices against the following rules: ")
	b.WriteString(strings.Join(ruleSet, ", "))
	b.WriteString(".\n\n")

	for _, c := range chunks {
		fmt.Fprintf(&b, "File: %s (starting at line %d)\n", c.Path, c.StartLine)
		if c.Context != "" {
			b.WriteString("Context:\n")
			b.WriteString(c.Context)
			b.WriteString("\n")
		}
		b.WriteString("Content:\n")
		b.WriteString(c.Content)
		b.WriteString("\n\n")
	}

	b.WriteString("Reply with exactly one JSON object of the form " +
		`{"findings":[{"path":"...","line":N,"severity":"info|warning|error",` +
		`"category":"code_smell|bug|security|best_practice|architecture",` +
		`"message":"...","suggestion":"...","example":"..."}]}` +
		" and nothing else. line is absolute within the file, not relative to the chunk. " +
		"Omit a finding entirely rather than guess; an empty findings array is a valid answer.")
	return b.String()
}

// buildArchPrompt renders the whole delta into the instruction text for an
// AnalyzeArchitecture call, asking for at most one structural/
// cross-file finding.
func buildArchPrompt(chunks []Chunk, ruleSet []string) string {
	var b strings.Builder
	b.WriteString("You are reviewing a whole pull request delta for cross-file architectural " +
		"concerns (SOLID violations, pattern misuse, structural issues), not per-line bugs. Rules in scope: ")
	b.WriteString(strings.Join(ruleSet, ", "))
	b.WriteString(".\n\n")

	for _, c := range chunks {
		fmt.Fprintf(&b, "File: %s\n", c.Path)
		b.WriteString(c.Content)
		b.WriteString("\n\n")
	}

	b.WriteString("Reply with exactly one JSON object of the form " +
		`{"summary":null}` + " if there is nothing worth a single PR-level comment, or " +
		`{"summary":{"message":"...","solid_violations":["..."],"identified_patterns":["..."],` +
		`"suggested_patterns":["..."],"architectural_issues":["..."]}}` +
		" and nothing else. At most one summary; do not repeat per-line issues already reviewable inline.")
	return b.String()
}

// buildVerifyPrompt renders a prior finding and the current code at that
// location into the instruction text for a VerifyFix call.
func buildVerifyPrompt(prior models.LineFinding, currentContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A previous review flagged this issue in %s around line %d:\n", prior.Path, prior.Line)
	fmt.Fprintf(&b, "  [%s/%s] %s\n\n", prior.Severity, prior.Category, prior.Message)
	b.WriteString("The current code at that location now reads:\n")
	b.WriteString(currentContext)
	b.WriteString("\n\n")
	b.WriteString("Reply with exactly one JSON object of the form " +
		`{"resolution":"resolved|unresolved|unknown"}` +
		` and nothing else. Use "resolved" only if you are confident the issue no longer applies; ` +
		`use "unknown" rather than guess.`)
	return b.String()
}
