package analyzer

import (
	"context"
	"testing"

	"github.com/coder/acp-go-sdk"

	"github.com/adorevd/prreview/internal/models"
)

func TestDecodeJSONResponseExact(t *testing.T) {
	var resp verifyResponse
	if err := decodeJSONResponse(`{"resolution":"resolved"}`, &resp); err != nil {
		t.Fatalf("decodeJSONResponse() = %v", err)
	}
	if resp.Resolution != "resolved" {
		t.Fatalf("Resolution = %q, want resolved", resp.Resolution)
	}
}

func TestDecodeJSONResponseWithPrefaceText(t *testing.T) {
	raw := "Sure, here is my answer.\n\n" + `{"resolution":"unresolved"}`
	var resp verifyResponse
	if err := decodeJSONResponse(raw, &resp); err != nil {
		t.Fatalf("decodeJSONResponse() = %v", err)
	}
	if resp.Resolution != "unresolved" {
		t.Fatalf("Resolution = %q, want unresolved", resp.Resolution)
	}
}

func TestDecodeJSONResponseNoJSON(t *testing.T) {
	var resp verifyResponse
	if err := decodeJSONResponse("no json here at all", &resp); err == nil {
		t.Fatal("decodeJSONResponse() = nil error, want error for non-JSON input")
	}
}

func TestBuildAnalyzePromptIncludesChunksAndRules(t *testing.T) {
	prompt := buildAnalyzePrompt([]Chunk{
		{Path: "a.go", StartLine: 10, Context: "func f() {", Content: "  x := 1"},
	}, []string{"general", "go-idioms"})

	for _, want := range []string{"a.go", "general", "go-idioms", "x := 1", "findings"} {
		if !contains(prompt, want) {
			t.Fatalf("buildAnalyzePrompt() missing %q in:\n%s", want, prompt)
		}
	}
}

func TestBuildVerifyPromptIncludesPriorFindingAndContext(t *testing.T) {
	prior := models.LineFinding{Path: "a.go", Line: 12, Severity: models.SeverityWarning, Category: models.CategoryBug, Message: "off by one"}
	prompt := buildVerifyPrompt(prior, "for i := 0; i <= n; i++ {")

	for _, want := range []string{"a.go", "off by one", "for i := 0", "resolution"} {
		if !contains(prompt, want) {
			t.Fatalf("buildVerifyPrompt() missing %q in:\n%s", want, prompt)
		}
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestAnalyzerClientReadTextFileServesInMemoryContent(t *testing.T) {
	c := &analyzerClient{fileContents: map[string]string{"a.go": "one\ntwo\nthree"}}

	resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "a.go"})
	if err != nil {
		t.Fatalf("ReadTextFile() = %v", err)
	}
	if resp.Content != "one\ntwo\nthree" {
		t.Fatalf("Content = %q, want full content", resp.Content)
	}
}

func TestAnalyzerClientReadTextFileUnknownPath(t *testing.T) {
	c := &analyzerClient{fileContents: map[string]string{}}

	if _, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "missing.go"}); err == nil {
		t.Fatal("ReadTextFile() = nil error, want error for content outside the reviewed chunk")
	}
}

func TestAnalyzerClientReadTextFileWindow(t *testing.T) {
	c := &analyzerClient{fileContents: map[string]string{"a.go": "one\ntwo\nthree\nfour"}}
	line := 2
	limit := 2

	resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "a.go", Line: &line, Limit: &limit})
	if err != nil {
		t.Fatalf("ReadTextFile() = %v", err)
	}
	if resp.Content != "two\nthree" {
		t.Fatalf("Content = %q, want %q", resp.Content, "two\nthree")
	}
}

func TestAnalyzerClientWriteTextFileDenied(t *testing.T) {
	c := &analyzerClient{}
	if _, err := c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{Path: "a.go", Content: "x"}); err == nil {
		t.Fatal("WriteTextFile() = nil error, want denial")
	}
}

func TestAnalyzerClientCreateTerminalDenied(t *testing.T) {
	c := &analyzerClient{}
	if _, err := c.CreateTerminal(context.Background(), acp.CreateTerminalRequest{}); err == nil {
		t.Fatal("CreateTerminal() = nil error, want denial")
	}
}

func TestAnalyzerClientRequestPermissionCancels(t *testing.T) {
	c := &analyzerClient{}
	if _, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{}); err != nil {
		t.Fatalf("RequestPermission() = %v, want no error (cancels rather than fails)", err)
	}
}
