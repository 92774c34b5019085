// Package analyzer defines the external analyzer contract (the review
// agent's only collaborator for actual code understanding) and a registry
// of concrete backends. The core never reasons about code itself; it
// prepares chunks and rule sets, hands them to an Analyzer, and interprets
// the structured findings that come back.
package analyzer

import (
	"context"
	"fmt"

	"github.com/adorevd/prreview/internal/models"
)

// Chunk is one unit of code handed to the analyzer: Context carries
// whatever surrounding material (enclosing definition, imports, K lines of
// padding) the review agent extracted for a delta range, Content is the
// exact source text to review, and Path/StartLine anchor findings back to
// the file so the caller can translate analyzer line numbers (relative to
// Content) into absolute file lines.
type Chunk struct {
	Path      string
	StartLine int
	Context   string
	Content   string
}

// Resolution is analyzer's verdict on whether a previously reported
// finding has been addressed by later changes.
type Resolution string

const (
	ResolutionResolved   Resolution = "resolved"
	ResolutionUnresolved Resolution = "unresolved"
	ResolutionUnknown    Resolution = "unknown"
)

// Analyzer is the contract the review agent's LINE_ANALYSIS and
// ARCH_ANALYSIS phases depend on, and the one the comment ledger's
// classify_prior operation calls into for fix verification. The concrete
// implementation is out of scope for its internal reasoning: it may be a
// hosted model, a local agent process, or a stub in tests.
type Analyzer interface {
	// Analyze reviews chunks against ruleSet and returns the findings it
	// produces. Findings referencing a Path/Line outside any chunk's range
	// are the caller's responsibility to discard.
	Analyze(ctx context.Context, chunks []Chunk, ruleSet []string) ([]models.LineFinding, error)
	// VerifyFix judges whether currentContext (the same location's
	// surrounding code in the current iteration) shows priorFinding's issue
	// has been addressed. A conservative caller only treats
	// ResolutionResolved as authoritative; anything else keeps the thread
	// open.
	VerifyFix(ctx context.Context, priorFinding models.LineFinding, currentContext string) (Resolution, error)
	// AnalyzeArchitecture reviews the whole delta for cross-file and
	// structural concerns and returns at most one SummaryFinding (nil if it
	// finds nothing worth a PR-level comment).
	AnalyzeArchitecture(ctx context.Context, chunks []Chunk, ruleSet []string) (*models.SummaryFinding, error)
}

// Config parametrizes a backend construction: Command/Args select the
// subprocess for a local agent backend, Timeout bounds a single Analyze or
// VerifyFix call.
type Config struct {
	Command string
	Args    []string
	Model   string
	Timeout int // seconds
}

// registry holds the available analyzer backends. Backends register
// themselves from an init() in their own file.
var registry = map[string]func(Config) (Analyzer, error){}

// Register adds a named analyzer constructor to the registry. Intended to
// be called from package init().
func Register(name string, ctor func(Config) (Analyzer, error)) {
	registry[name] = ctor
}

// Get constructs the named analyzer backend.
func Get(name string, cfg Config) (Analyzer, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown analyzer backend %q", name)
	}
	return ctor(cfg)
}
