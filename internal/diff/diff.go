// Package diff implements the Iteration Differ (C3): computing the Change
// Delta between a pull request's last-reviewed iteration and its current
// iteration, so the review agent only analyzes lines genuinely new since
// the last run.
package diff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/platform"
)

// contextBand is the fixed number of surrounding lines included on each
// side of a changed range, for LLM context.
const contextBand = 3

// Differ computes Change Deltas via a Platform Client.
type Differ struct {
	client platform.Client
}

// New returns a Differ backed by client.
func New(client platform.Client) *Differ {
	return &Differ{client: client}
}

// Diff computes the Change Delta for pr between priorIterationID and
// currentIterationID. Returns an error wrapping errorkind.ErrPriorIterUnknown
// (Permanent) if the prior iteration no longer exists on the platform, or a
// Transient error if the platform is temporarily unreachable.
func (d *Differ) Diff(ctx context.Context, pr platform.PRMetadata, priorIterationID, currentIterationID int64) (models.ChangeDelta, error) {
	priorFiles, err := d.client.GetIterationChanges(ctx, pr.PRID, priorIterationID)
	if err != nil {
		if errorkind.Of(err) == errorkind.Permanent {
			return models.ChangeDelta{}, errorkind.Wrap(errorkind.Permanent, fmt.Errorf("%w: %v", errorkind.ErrPriorIterUnknown, err))
		}
		return models.ChangeDelta{}, err
	}
	currentFiles, err := d.client.GetIterationChanges(ctx, pr.PRID, currentIterationID)
	if err != nil {
		return models.ChangeDelta{}, err
	}

	priorByPath := make(map[string]platform.FileChange, len(priorFiles))
	for _, f := range priorFiles {
		priorByPath[f.Path] = f
	}

	var slices []models.FileSlice
	for _, cur := range currentFiles {
		if cur.Kind == platform.FileChangeDelete {
			continue
		}
		prior, inPrior := priorByPath[cur.Path]

		if !inPrior {
			content, err := d.client.GetFile(ctx, pr.RepositoryID, cur.Path, pr.TargetCommit)
			if err != nil {
				return models.ChangeDelta{}, err
			}
			slices = append(slices, models.FileSlice{
				Path:          cur.Path,
				Kind:          models.FileAdded,
				LineRanges:    []models.LineRange{wholeFileRange(content)},
				TargetContent: content,
			})
			continue
		}

		priorHunks, err := parseHunks(prior.Patch)
		if err != nil {
			return models.ChangeDelta{}, errorkind.Wrap(errorkind.Partial, fmt.Errorf("parse prior diff for %s: %w", cur.Path, err))
		}
		curHunks, err := parseHunks(cur.Patch)
		if err != nil {
			return models.ChangeDelta{}, errorkind.Wrap(errorkind.Partial, fmt.Errorf("parse diff for %s: %w", cur.Path, err))
		}

		newHunks := newHunksOnly(priorHunks, curHunks)
		if len(newHunks) == 0 {
			continue
		}

		content, err := d.client.GetFile(ctx, pr.RepositoryID, cur.Path, pr.TargetCommit)
		if err != nil {
			return models.ChangeDelta{}, err
		}

		ranges := paddedRanges(newHunks, wholeFileRange(content).End)
		if len(ranges) == 0 {
			continue
		}

		slices = append(slices, models.FileSlice{
			Path:          cur.Path,
			Kind:          models.FileModified,
			LineRanges:    ranges,
			TargetContent: content,
		})
	}

	return models.ChangeDelta{Files: slices}, nil
}

// FullList computes the Change Delta for the entire current iteration,
// treating every non-deleted file as a whole-file addition. Used when no
// usable prior iteration exists: a first review, or DIFF's own fallback
// path after a PRIOR_ITER_UNKNOWN or repeated failure.
func (d *Differ) FullList(ctx context.Context, pr platform.PRMetadata, iterationID int64) (models.ChangeDelta, error) {
	files, err := d.client.GetIterationChanges(ctx, pr.PRID, iterationID)
	if err != nil {
		return models.ChangeDelta{}, err
	}

	var slices []models.FileSlice
	for _, f := range files {
		if f.Kind == platform.FileChangeDelete {
			continue
		}
		content, err := d.client.GetFile(ctx, pr.RepositoryID, f.Path, pr.TargetCommit)
		if err != nil {
			return models.ChangeDelta{}, err
		}
		slices = append(slices, models.FileSlice{
			Path:          f.Path,
			Kind:          models.FileAdded,
			LineRanges:    []models.LineRange{wholeFileRange(content)},
			TargetContent: content,
		})
	}
	return models.ChangeDelta{Files: slices}, nil
}

func wholeFileRange(content string) models.LineRange {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	n := len(lines)
	if n == 0 {
		n = 1
	}
	return models.LineRange{Start: 1, End: n}
}

// hunkFact is one element of the (path, line_range, content_hash) tuple set
// a unified diff's hunks are compared over. Path is implicit: hunkFacts are
// always compared within a single file.
type hunkFact struct {
	Start, End int
	Hash       string
}

// parseHunks parses a unified diff into its per-hunk facts, keyed by the
// hunk's unpadded new-side line range and a content hash of the hunk body.
// Two hunks at the same line range with different content (the range was
// edited again) hash differently and are therefore treated as distinct.
func parseHunks(patch string) ([]hunkFact, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, nil
	}
	fileDiff, err := godiff.ParseFileDiff([]byte(patch))
	if err != nil {
		return nil, err
	}

	facts := make([]hunkFact, 0, len(fileDiff.Hunks))
	for _, hunk := range fileDiff.Hunks {
		facts = append(facts, hunkFact{
			Start: int(hunk.NewStartLine),
			End:   int(hunk.NewStartLine+hunk.NewLines) - 1,
			Hash:  ContentHash(string(hunk.Body)),
		})
	}
	return facts, nil
}

// newHunksOnly returns the set difference cur - prior over (line_range,
// content_hash) tuples: hunks present in cur whose exact range and content
// did not already appear in prior. This is what keeps a file's
// already-reviewed line ranges from resurfacing on every later iteration
// that touches an unrelated part of the same file.
func newHunksOnly(prior, cur []hunkFact) []hunkFact {
	if len(prior) == 0 {
		return cur
	}
	seen := make(map[hunkFact]struct{}, len(prior))
	for _, f := range prior {
		seen[f] = struct{}{}
	}
	var out []hunkFact
	for _, f := range cur {
		if _, ok := seen[f]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}

// paddedRanges converts hunk facts to line ranges padded by contextBand on
// each side and merged when overlapping.
func paddedRanges(facts []hunkFact, totalLines int) []models.LineRange {
	var ranges []models.LineRange
	for _, f := range facts {
		start := f.Start - contextBand
		end := f.End + contextBand
		if start < 1 {
			start = 1
		}
		if totalLines > 0 && end > totalLines {
			end = totalLines
		}
		if end < start {
			continue
		}
		ranges = append(ranges, models.LineRange{Start: start, End: end})
	}
	return mergeRanges(ranges)
}

// mergeRanges sorts and coalesces overlapping or touching ranges.
func mergeRanges(ranges []models.LineRange) []models.LineRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	merged := []models.LineRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End+1 {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// ContentHash returns a stable hex digest used to detect whether a file's
// content changed between two iterations without re-fetching both blobs.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
