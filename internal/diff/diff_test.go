package diff

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/platform"
)

type fakeClient struct {
	changes map[int64][]platform.FileChange
	files   map[string]string
	err     error
}

func (f *fakeClient) GetPR(ctx context.Context, prID int64) (platform.PRMetadata, error) {
	return platform.PRMetadata{}, nil
}

func (f *fakeClient) ListIterations(ctx context.Context, prID int64) ([]platform.Iteration, error) {
	return nil, nil
}

func (f *fakeClient) GetIterationChanges(ctx context.Context, prID, iterationID int64) ([]platform.FileChange, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.changes[iterationID], nil
}

func (f *fakeClient) GetFile(ctx context.Context, repositoryID, path, commit string) (string, error) {
	return f.files[path], nil
}

func (f *fakeClient) ListThreads(ctx context.Context, prID int64) ([]platform.Thread, error) {
	return nil, nil
}

func (f *fakeClient) CreateThread(ctx context.Context, prID int64, path string, line int, body string, status platform.ThreadStatus) (platform.Thread, error) {
	return platform.Thread{}, nil
}

func (f *fakeClient) UpdateThread(ctx context.Context, prID, threadID int64, status platform.ThreadStatus) error {
	return nil
}

func (f *fakeClient) RegisterHook(ctx context.Context, repositoryID, webhookURL string) (string, error) {
	return "", nil
}

func (f *fakeClient) UnregisterHook(ctx context.Context, repositoryID, hookID string) error {
	return nil
}

var _ platform.Client = (*fakeClient)(nil)

const samplePatch = `--- a/main.go
+++ b/main.go
@@ -10,3 +10,4 @@ func main() {
 line10
 line11
+line12
 line13
`

// unrelatedPriorPatch touches lines 1-2, nowhere near samplePatch's hunk at
// lines 10-13, so it never collides with samplePatch's hunk facts.
const unrelatedPriorPatch = `--- a/main.go
+++ b/main.go
@@ -1,2 +1,2 @@
-line1
+line1-edited
 line2
`

// twoHunkPatch repeats samplePatch's hunk (lines 10-13, identical body) and
// adds a second, unrelated hunk at lines 21-22.
const twoHunkPatch = `--- a/main.go
+++ b/main.go
@@ -10,3 +10,4 @@ func main() {
 line10
 line11
+line12
 line13
@@ -20,1 +21,2 @@ func other() {
 line20
+line21new
`

func TestDiffClassifiesAddedFile(t *testing.T) {
	client := &fakeClient{
		changes: map[int64][]platform.FileChange{
			1: {},
			2: {{Path: "new.go", Kind: platform.FileChangeAdd}},
		},
		files: map[string]string{"new.go": "a\nb\nc\n"},
	}
	d := New(client)

	delta, err := d.Diff(context.Background(), platform.PRMetadata{PRID: 1}, 1, 2)
	if err != nil {
		t.Fatalf("Diff() = %v", err)
	}
	if len(delta.Files) != 1 || delta.Files[0].Kind != "added" {
		t.Fatalf("Diff() = %+v, want one added file", delta.Files)
	}
	if delta.Files[0].LineRanges[0].Start != 1 || delta.Files[0].LineRanges[0].End != 3 {
		t.Fatalf("added file range = %+v, want whole file", delta.Files[0].LineRanges[0])
	}
}

func TestDiffClassifiesModifiedFileWithPaddedRange(t *testing.T) {
	lines := make([]byte, 0)
	for i := 1; i <= 30; i++ {
		lines = append(lines, []byte("l\n")...)
	}
	client := &fakeClient{
		changes: map[int64][]platform.FileChange{
			1: {{Path: "main.go", Kind: platform.FileChangeEdit, Patch: unrelatedPriorPatch}},
			2: {{Path: "main.go", Kind: platform.FileChangeEdit, Patch: samplePatch}},
		},
		files: map[string]string{"main.go": string(lines)},
	}
	d := New(client)

	delta, err := d.Diff(context.Background(), platform.PRMetadata{PRID: 1}, 1, 2)
	if err != nil {
		t.Fatalf("Diff() = %v", err)
	}
	if len(delta.Files) != 1 {
		t.Fatalf("Diff() = %+v, want one modified file", delta.Files)
	}
	r := delta.Files[0].LineRanges[0]
	if r.Start != 7 || r.End != 16 {
		t.Fatalf("modified range = %+v, want {7 16} (hunk padded by %d)", r, contextBand)
	}
}

func TestDiffRetainsOnlyHunksNewSincePrior(t *testing.T) {
	lines := make([]byte, 0)
	for i := 1; i <= 30; i++ {
		lines = append(lines, []byte("l\n")...)
	}
	client := &fakeClient{
		changes: map[int64][]platform.FileChange{
			// prior iteration already covered the hunk at lines 10-13.
			1: {{Path: "main.go", Kind: platform.FileChangeEdit, Patch: samplePatch}},
			// current iteration repeats that same hunk verbatim and adds a
			// second hunk at lines 21-22.
			2: {{Path: "main.go", Kind: platform.FileChangeEdit, Patch: twoHunkPatch}},
		},
		files: map[string]string{"main.go": string(lines)},
	}
	d := New(client)

	delta, err := d.Diff(context.Background(), platform.PRMetadata{PRID: 1}, 1, 2)
	if err != nil {
		t.Fatalf("Diff() = %v", err)
	}
	if len(delta.Files) != 1 {
		t.Fatalf("Diff() = %+v, want one modified file", delta.Files)
	}
	// Only the new hunk (lines 21-22, padded by contextBand) should survive;
	// the repeated hunk at lines 10-13 must not resurface as "new".
	got := delta.Files[0].LineRanges
	want := []models.LineRange{{Start: 18, End: 25}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("LineRanges mismatch (-want +got):\n%s", diff)
	}
}

func TestDiffSkipsUnchangedFile(t *testing.T) {
	client := &fakeClient{
		changes: map[int64][]platform.FileChange{
			1: {{Path: "main.go", Kind: platform.FileChangeEdit, Patch: samplePatch}},
			2: {{Path: "main.go", Kind: platform.FileChangeEdit, Patch: samplePatch}},
		},
	}
	d := New(client)

	delta, err := d.Diff(context.Background(), platform.PRMetadata{PRID: 1}, 1, 2)
	if err != nil {
		t.Fatalf("Diff() = %v", err)
	}
	if len(delta.Files) != 0 {
		t.Fatalf("Diff() = %+v, want no files", delta.Files)
	}
}

func TestDiffIgnoresDeletedFile(t *testing.T) {
	client := &fakeClient{
		changes: map[int64][]platform.FileChange{
			1: {{Path: "gone.go", Kind: platform.FileChangeEdit, Patch: "x"}},
			2: {{Path: "gone.go", Kind: platform.FileChangeDelete}},
		},
	}
	d := New(client)

	delta, err := d.Diff(context.Background(), platform.PRMetadata{PRID: 1}, 1, 2)
	if err != nil {
		t.Fatalf("Diff() = %v", err)
	}
	if len(delta.Files) != 0 {
		t.Fatalf("Diff() = %+v, want deleted file ignored", delta.Files)
	}
}

func TestDiffWrapsPermanentErrorAsPriorIterUnknown(t *testing.T) {
	client := &fakeClient{err: errorkind.Wrap(errorkind.Permanent, errors.New("iteration not found"))}
	d := New(client)

	_, err := d.Diff(context.Background(), platform.PRMetadata{PRID: 1}, 1, 2)
	if !errors.Is(err, errorkind.ErrPriorIterUnknown) {
		t.Fatalf("Diff() = %v, want wrapping ErrPriorIterUnknown", err)
	}
}

func TestDiffPropagatesTransientError(t *testing.T) {
	transient := errorkind.Wrap(errorkind.Transient, errors.New("timeout"))
	client := &fakeClient{err: transient}
	d := New(client)

	_, err := d.Diff(context.Background(), platform.PRMetadata{PRID: 1}, 1, 2)
	if !errorkind.IsTransient(err) {
		t.Fatalf("Diff() = %v, want transient error propagated unchanged", err)
	}
}

func TestFullListTreatsEveryFileAsAdded(t *testing.T) {
	client := &fakeClient{
		changes: map[int64][]platform.FileChange{
			3: {
				{Path: "a.go", Kind: platform.FileChangeEdit, Patch: "irrelevant"},
				{Path: "b.go", Kind: platform.FileChangeAdd},
				{Path: "gone.go", Kind: platform.FileChangeDelete},
			},
		},
		files: map[string]string{"a.go": "1\n2\n3\n", "b.go": "x\n"},
	}
	d := New(client)

	delta, err := d.FullList(context.Background(), platform.PRMetadata{PRID: 1}, 3)
	if err != nil {
		t.Fatalf("FullList() = %v", err)
	}
	if len(delta.Files) != 2 {
		t.Fatalf("FullList() = %+v, want deleted file excluded", delta.Files)
	}
	for _, f := range delta.Files {
		if f.Kind != models.FileAdded {
			t.Fatalf("file %s kind = %s, want added", f.Path, f.Kind)
		}
	}
}

func TestMergeRangesCoalescesOverlapping(t *testing.T) {
	got := mergeRanges([]models.LineRange{{Start: 10, End: 20}, {Start: 18, End: 25}, {Start: 40, End: 45}})
	want := []models.LineRange{{Start: 10, End: 25}, {Start: 40, End: 45}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mergeRanges() mismatch (-want +got):\n%s", diff)
	}
}

func TestContentHashStable(t *testing.T) {
	if ContentHash("hello") != ContentHash("hello") {
		t.Fatal("ContentHash() not stable for identical input")
	}
	if ContentHash("hello") == ContentHash("world") {
		t.Fatal("ContentHash() collided for distinct input")
	}
}
