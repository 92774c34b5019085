package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/resilience"
)

const (
	defaultACPCommand = "acp-agent"
	defaultTimeout    = 60 * time.Second
)

func init() {
	Register("acp", func(cfg Config) (Analyzer, error) {
		return NewACPAnalyzer(cfg), nil
	})
}

// ACPAnalyzer talks to an external code-review agent over the Agent Client
// Protocol. Every Analyze or VerifyFix call spawns a fresh subprocess and
// session: the agent never needs state carried between calls, and a fresh
// process bounds a wedged agent to a single call's timeout.
//
// Unlike an interactive coding agent, this analyzer never modifies a
// checkout and has no checkout to modify: chunk content arrives inline in
// the prompt and any file the agent re-reads is served from that same
// in-memory content, never the filesystem. Write and terminal requests are
// always refused.
type ACPAnalyzer struct {
	Command string
	Args    []string
	Model   string
	Timeout time.Duration

	cb       *resilience.CircuitBreaker
	retryCfg resilience.BackoffConfig
}

// NewACPAnalyzer constructs an ACPAnalyzer. An empty cfg.Command falls back
// to the default agent binary name.
func NewACPAnalyzer(cfg Config) *ACPAnalyzer {
	command := cfg.Command
	if command == "" {
		command = defaultACPCommand
	}
	timeout := defaultTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return &ACPAnalyzer{
		Command:  command,
		Args:     cfg.Args,
		Model:    cfg.Model,
		Timeout:  timeout,
		cb:       resilience.NewAnalyzerBreaker(),
		retryCfg: resilience.DefaultBackoffConfig(),
	}
}

// Breaker exposes the analyzer's circuit breaker so callers can attach an
// observability sink after construction.
func (a *ACPAnalyzer) Breaker() *resilience.CircuitBreaker {
	return a.cb
}

// analyzeResponse is the JSON shape the review prompt instructs the agent
// to reply with for an Analyze call.
type analyzeResponse struct {
	Findings []struct {
		Path       string `json:"path"`
		Line       int    `json:"line"`
		Severity   string `json:"severity"`
		Category   string `json:"category"`
		Message    string `json:"message"`
		Suggestion string `json:"suggestion"`
		Example    string `json:"example"`
	} `json:"findings"`
}

// verifyResponse is the JSON shape for a VerifyFix call.
type verifyResponse struct {
	Resolution string `json:"resolution"`
}

// archResponse is the JSON shape for an AnalyzeArchitecture call. A nil
// Summary means the analyzer found nothing worth a PR-level comment.
type archResponse struct {
	Summary *struct {
		Message             string   `json:"message"`
		SolidViolations     []string `json:"solid_violations"`
		IdentifiedPatterns  []string `json:"identified_patterns"`
		SuggestedPatterns   []string `json:"suggested_patterns"`
		ArchitecturalIssues []string `json:"architectural_issues"`
	} `json:"summary"`
}

func (a *ACPAnalyzer) Analyze(ctx context.Context, chunks []Chunk, ruleSet []string) ([]models.LineFinding, error) {
	prompt := buildAnalyzePrompt(chunks, ruleSet)
	contents := chunkContents(chunks)

	var findings []models.LineFinding
	err := a.call(ctx, prompt, contents, func(raw string) error {
		var resp analyzeResponse
		if err := decodeJSONResponse(raw, &resp); err != nil {
			return errorkind.Wrap(errorkind.Partial, fmt.Errorf("decode analyzer response: %w", err))
		}
		findings = make([]models.LineFinding, 0, len(resp.Findings))
		for _, f := range resp.Findings {
			findings = append(findings, models.LineFinding{
				Path:       f.Path,
				Line:       f.Line,
				Severity:   models.Severity(f.Severity),
				Category:   models.Category(f.Category),
				Message:    f.Message,
				Suggestion: f.Suggestion,
				Example:    f.Example,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}

func (a *ACPAnalyzer) VerifyFix(ctx context.Context, priorFinding models.LineFinding, currentContext string) (Resolution, error) {
	prompt := buildVerifyPrompt(priorFinding, currentContext)
	contents := map[string]string{priorFinding.Path: currentContext}

	var resolution Resolution
	err := a.call(ctx, prompt, contents, func(raw string) error {
		var resp verifyResponse
		if err := decodeJSONResponse(raw, &resp); err != nil {
			return errorkind.Wrap(errorkind.Partial, fmt.Errorf("decode analyzer response: %w", err))
		}
		switch Resolution(resp.Resolution) {
		case ResolutionResolved:
			resolution = ResolutionResolved
		case ResolutionUnresolved:
			resolution = ResolutionUnresolved
		default:
			resolution = ResolutionUnknown
		}
		return nil
	})
	if err != nil {
		return ResolutionUnknown, err
	}
	return resolution, nil
}

func (a *ACPAnalyzer) AnalyzeArchitecture(ctx context.Context, chunks []Chunk, ruleSet []string) (*models.SummaryFinding, error) {
	prompt := buildArchPrompt(chunks, ruleSet)
	contents := chunkContents(chunks)

	var summary *models.SummaryFinding
	err := a.call(ctx, prompt, contents, func(raw string) error {
		var resp archResponse
		if err := decodeJSONResponse(raw, &resp); err != nil {
			return errorkind.Wrap(errorkind.Partial, fmt.Errorf("decode analyzer response: %w", err))
		}
		if resp.Summary == nil {
			return nil
		}
		summary = &models.SummaryFinding{
			Message:             resp.Summary.Message,
			SolidViolations:     resp.Summary.SolidViolations,
			IdentifiedPatterns:  resp.Summary.IdentifiedPatterns,
			SuggestedPatterns:   resp.Summary.SuggestedPatterns,
			ArchitecturalIssues: resp.Summary.ArchitecturalIssues,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// call runs one ACP session against prompt, wrapped by the retry and
// circuit-breaker kit shared with the platform client, and hands the
// agent's final response text to decode.
func (a *ACPAnalyzer) call(ctx context.Context, prompt string, fileContents map[string]string, decode func(string) error) error {
	return a.cb.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, a.retryCfg, func(ctx context.Context) error {
			raw, err := a.runSession(ctx, prompt, fileContents)
			if err != nil {
				return err
			}
			return decode(raw)
		})
	})
}

func (a *ACPAnalyzer) runSession(ctx context.Context, prompt string, fileContents map[string]string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", errorkind.Wrap(errorkind.Transient, fmt.Errorf("acp stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return "", errorkind.Wrap(errorkind.Transient, fmt.Errorf("acp stdout pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return "", errorkind.Wrap(errorkind.Transient, fmt.Errorf("start acp analyzer: %w", err))
	}
	defer func() {
		if cmd.Process != nil && (cmd.ProcessState == nil || !cmd.ProcessState.Exited()) {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
	}()

	client := &analyzerClient{fileContents: fileContents, result: &bytes.Buffer{}}
	conn := acp.NewClientSideConnection(client, stdin, stdout)

	if _, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: false},
		},
	}); err != nil {
		return "", errorkind.Wrap(errorkind.Transient, fmt.Errorf("initialize acp session: %w", err))
	}

	sessionResp, err := conn.NewSession(ctx, acp.NewSessionRequest{McpServers: []acp.McpServer{}})
	if err != nil {
		return "", errorkind.Wrap(errorkind.Transient, fmt.Errorf("create acp session: %w", err))
	}
	client.sessionID = sessionResp.SessionId

	if a.Model != "" {
		if _, err := conn.SetSessionModel(ctx, acp.SetSessionModelRequest{
			SessionId: sessionResp.SessionId, ModelId: acp.ModelId(a.Model),
		}); err != nil {
			return "", errorkind.Wrap(errorkind.Permanent, fmt.Errorf("set analyzer model: %w", err))
		}
	}

	promptResp, err := conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionResp.SessionId,
		Prompt:    []acp.ContentBlock{acp.TextBlock(prompt)},
	})
	if err != nil {
		return "", errorkind.Wrap(errorkind.Transient, fmt.Errorf("send analyzer prompt: %w", err))
	}
	if promptResp.StopReason != acp.StopReasonEndTurn {
		return "", errorkind.Wrap(errorkind.Partial, fmt.Errorf("analyzer stopped early: %s", promptResp.StopReason))
	}

	return client.resultString(), nil
}

// analyzerClient implements acp.Client for a review session. It never
// grants write or terminal access: the analyzer's job is to read the
// chunk it was given and answer in JSON, nothing else.
type analyzerClient struct {
	sessionID acp.SessionId

	fileContents map[string]string

	mu     sync.Mutex
	result *bytes.Buffer
}

func (c *analyzerClient) resultString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result.String()
}

func (c *analyzerClient) ReadTextFile(ctx context.Context, params acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	content, ok := c.fileContents[params.Path]
	if !ok {
		return acp.ReadTextFileResponse{}, fmt.Errorf("no content available for %s outside the reviewed chunk", params.Path)
	}
	if params.Line == nil && params.Limit == nil {
		return acp.ReadTextFileResponse{Content: content}, nil
	}
	lines := strings.Split(content, "\n")
	start := 0
	if params.Line != nil && *params.Line > 1 {
		start = *params.Line - 1
	}
	if start > len(lines) {
		start = len(lines)
	}
	end := len(lines)
	if params.Limit != nil && start+*params.Limit < end {
		end = start + *params.Limit
	}
	return acp.ReadTextFileResponse{Content: strings.Join(lines[start:end], "\n")}, nil
}

func (c *analyzerClient) WriteTextFile(ctx context.Context, params acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, fmt.Errorf("write not permitted: analyzer runs read-only")
}

func (c *analyzerClient) RequestPermission(ctx context.Context, params acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
}

func (c *analyzerClient) SessionUpdate(ctx context.Context, params acp.SessionNotification) error {
	if params.Update.AgentMessageChunk == nil || params.Update.AgentMessageChunk.Content.Text == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.WriteString(params.Update.AgentMessageChunk.Content.Text.Text)
	return nil
}

func (c *analyzerClient) CreateTerminal(ctx context.Context, params acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal execution not permitted for the review analyzer")
}

func (c *analyzerClient) KillTerminalCommand(ctx context.Context, params acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("no terminals are ever created")
}

func (c *analyzerClient) TerminalOutput(ctx context.Context, params acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, fmt.Errorf("no terminals are ever created")
}

func (c *analyzerClient) ReleaseTerminal(ctx context.Context, params acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("no terminals are ever created")
}

func (c *analyzerClient) WaitForTerminalExit(ctx context.Context, params acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("no terminals are ever created")
}

var _ acp.Client = (*analyzerClient)(nil)

// decodeJSONResponse extracts the last top-level JSON object in raw: agents
// often preface structured output with reasoning text even when told not
// to, so this looks for the final '{' that produces valid JSON rather than
// requiring the whole response to be JSON.
func decodeJSONResponse(raw string, v any) error {
	trimmed := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}
	idx := strings.LastIndex(trimmed, "{")
	for idx >= 0 {
		if err := json.Unmarshal([]byte(trimmed[idx:]), v); err == nil {
			return nil
		}
		idx = strings.LastIndex(trimmed[:idx], "{")
	}
	return fmt.Errorf("no valid JSON object found in analyzer response")
}

func chunkContents(chunks []Chunk) map[string]string {
	m := make(map[string]string, len(chunks))
	for _, c := range chunks {
		m[c.Path] = c.Content
	}
	return m
}
