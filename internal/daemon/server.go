package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adorevd/prreview/internal/ingest"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/observability"
	"github.com/adorevd/prreview/internal/orchestrator"
	"github.com/adorevd/prreview/internal/store"
)

// hookRegistrar is the slice of platform.Client the hooks admin surface
// needs. Narrowed from the full interface so tests can fake just this and
// so Server doesn't take on a dependency on every platform operation.
type hookRegistrar interface {
	RegisterHook(ctx context.Context, repositoryID, webhookURL string) (hookID string, err error)
	UnregisterHook(ctx context.Context, repositoryID, hookID string) error
}

// Server is the daemon's HTTP surface: the webhook ingest endpoint (§4.1/
// §6), the admin REST API backed by the registration table, health, and
// Prometheus metrics. Shape follows a coding-agent daemon's api server —
// one net/http.ServeMux, a single *http.Server, Start/Stop around a
// worker pool — generalized from "job queue" handlers to "repository
// registration and agent execution" handlers.
type Server struct {
	store         store.Store
	registry      store.Registry
	platform      hookRegistrar
	pool          *orchestrator.Pool
	ingestor      *ingest.Ingestor
	configWatcher *ConfigWatcher
	eventLog      *observability.EventLog
	metricsHandler http.Handler
	logger        *slog.Logger

	httpServer *http.Server
	startTime  time.Time
}

// Options bundles the collaborators Server wires together. Only Store is
// required; the rest default to harmless no-ops so tests can build a
// minimal Server.
type Options struct {
	Store          store.Store
	Registry       store.Registry
	Platform       hookRegistrar
	Pool           *orchestrator.Pool
	Ingestor       *ingest.Ingestor
	ConfigWatcher  *ConfigWatcher
	EventLog       *observability.EventLog
	MetricsHandler http.Handler
	Addr           string
	Logger         *slog.Logger
}

// NewServer builds the daemon's mux and wraps it in an *http.Server bound
// to opts.Addr (resolved to a concrete port later by Start via
// FindAvailablePort).
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:          opts.Store,
		registry:       opts.Registry,
		platform:       opts.Platform,
		pool:           opts.Pool,
		ingestor:       opts.Ingestor,
		configWatcher:  opts.ConfigWatcher,
		eventLog:       opts.EventLog,
		metricsHandler: opts.MetricsHandler,
		logger:         logger,
		startTime:      time.Now(),
	}

	mux := http.NewServeMux()
	if s.ingestor != nil {
		mux.HandleFunc("/webhooks/azure-devops/pr", s.ingestor.Handler())
	}
	mux.HandleFunc("/repositories", s.handleRepositories)
	mux.HandleFunc("/repositories/", s.handleRepositoryOrHooks)
	mux.HandleFunc("/agents", s.handleAgents)
	mux.HandleFunc("/agents/", s.handleAgentByID)
	mux.HandleFunc("/health", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}

	s.httpServer = &http.Server{Addr: opts.Addr, Handler: mux}
	return s
}

// Start resolves an available port, starts the orchestrator pool and
// config watcher, writes the runtime discovery file, and blocks serving
// HTTP until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.configWatcher != nil {
		if err := s.configWatcher.Start(ctx); err != nil {
			s.logger.Warn("config watcher failed to start", "error", err)
		}
	}

	addr, port, err := FindAvailablePort(s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("find available port: %w", err)
	}
	s.httpServer.Addr = addr

	if err := WriteRuntime(addr, port); err != nil {
		s.logger.Warn("failed to write runtime info", "error", err)
	}

	if s.pool != nil {
		s.pool.Start(ctx)
	}

	observability.SetQueueDepthFunc(s.queueDepth)

	s.logger.Info("daemon listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down: config watcher, HTTP server,
// worker pool, event log, in that order.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	observability.SetQueueDepthFunc(nil)
	RemoveRuntime()

	if s.configWatcher != nil {
		s.configWatcher.Stop()
	}

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = err
		s.logger.Error("http server shutdown error", "error", err)
	}

	if s.pool != nil {
		s.pool.Stop()
	}
	if s.eventLog != nil {
		s.eventLog.Close()
	}

	return shutdownErr
}

// queueDepth is a placeholder-free queue depth source for the metrics
// gauge: store.Store exposes queue state only through Dequeue's side
// effects, so the daemon has no non-destructive count to poll. This
// reports -1, which the gauge exports as-is; a negative value marks the
// depth as unavailable.
func (s *Server) queueDepth() int64 {
	return -1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// --- Admin surface: repositories ---

type addRepositoryRequest struct {
	ID           string `json:"id"`
	Organization string `json:"organization"`
	Project      string `json:"project"`
	Name         string `json:"name"`
	URL          string `json:"url"`
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registration table not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		repos, err := s.registry.ListRepositories(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, repos)

	case http.MethodPost:
		var req addRepositoryRequest
		body := http.MaxBytesReader(w, r.Body, 8*1024)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ID == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		repo := models.Repository{ID: req.ID, Organization: req.Organization, Project: req.Project, Name: req.Name, URL: req.URL}
		if err := s.registry.AddRepository(r.Context(), repo); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, repo)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRepositoryOrHooks dispatches "/repositories/{id}" to
// handleRepositoryByID and "/repositories/{id}/hooks[/{hookID}]" to the
// hooks handlers, since both share the ServeMux "/repositories/" prefix
// pattern.
func (s *Server) handleRepositoryOrHooks(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/repositories/")
	if id, hookRest, ok := strings.Cut(rest, "/hooks"); ok {
		s.handleHooks(w, r, id, strings.TrimPrefix(hookRest, "/"))
		return
	}
	s.handleRepositoryByID(w, r, rest)
}

func (s *Server) handleRepositoryByID(w http.ResponseWriter, r *http.Request, id string) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registration table not configured")
		return
	}

	if id == "" {
		writeError(w, http.StatusNotFound, "missing repository id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		repo, err := s.registry.GetRepository(r.Context(), id)
		if err != nil {
			s.writeRegistryLookupErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, repo)

	case http.MethodDelete:
		if err := s.registry.RemoveRepository(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Admin surface: service hooks ---

type registerHookRequest struct {
	WebhookURL string `json:"webhook_url"`
	EventType  string `json:"event_type"`
}

// handleHooks serves GET/POST "/repositories/{id}/hooks" and DELETE
// "/repositories/{id}/hooks/{hookID}". Registration/unregistration calls
// through to the platform client (creating or deleting the actual Azure
// DevOps service hook subscription) before persisting the change in the
// registration table, so the two never drift.
func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request, repositoryID, hookID string) {
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registration table not configured")
		return
	}
	if repositoryID == "" {
		writeError(w, http.StatusNotFound, "missing repository id")
		return
	}

	switch r.Method {
	case http.MethodGet:
		hooks, err := s.registry.ListHooks(r.Context(), repositoryID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, hooks)

	case http.MethodPost:
		if s.platform == nil {
			writeError(w, http.StatusServiceUnavailable, "platform client not configured")
			return
		}
		var req registerHookRequest
		body := http.MaxBytesReader(w, r.Body, 8*1024)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.WebhookURL == "" {
			writeError(w, http.StatusBadRequest, "webhook_url is required")
			return
		}
		newHookID, err := s.platform.RegisterHook(r.Context(), repositoryID, req.WebhookURL)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		reg := models.ServiceHookRegistration{
			RepositoryID: repositoryID,
			HookID:       newHookID,
			WebhookURL:   req.WebhookURL,
			EventType:    req.EventType,
			RegisteredAt: time.Now(),
		}
		if err := s.registry.RegisterHook(r.Context(), reg); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, reg)

	case http.MethodDelete:
		if hookID == "" {
			writeError(w, http.StatusNotFound, "missing hook id")
			return
		}
		if s.platform != nil {
			if err := s.platform.UnregisterHook(r.Context(), repositoryID, hookID); err != nil {
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
		}
		if err := s.registry.UnregisterHook(r.Context(), repositoryID, hookID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Admin surface: agents ---

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	agents, err := s.store.RunningAgentRecords(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type agentDetail struct {
	models.AgentRecord
	Execution *models.AgentExecutionMetric `json:"execution,omitempty"`
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/agents/")
	if id == "" {
		writeError(w, http.StatusNotFound, "missing agent id")
		return
	}

	rec, err := s.store.GetAgentRecord(r.Context(), id)
	if err != nil {
		s.writeRegistryLookupErr(w, err)
		return
	}

	detail := agentDetail{AgentRecord: rec}
	if s.registry != nil {
		if exec, err := s.registry.GetExecution(r.Context(), id); err == nil {
			detail.Execution = &exec
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) writeRegistryLookupErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Health ---

type componentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

type healthStatus struct {
	Healthy    bool              `json:"healthy"`
	Uptime     string            `json:"uptime"`
	Components []componentHealth `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	allHealthy := true
	var components []componentHealth

	storeHealthy := true
	storeMessage := ""
	if _, err := s.store.RunningAgentRecords(r.Context()); err != nil {
		storeHealthy = false
		storeMessage = err.Error()
		allHealthy = false
	}
	components = append(components, componentHealth{Name: "state_store", Healthy: storeHealthy, Message: storeMessage})

	if s.pool != nil {
		components = append(components, componentHealth{
			Name:    "orchestrator",
			Healthy: true,
			Message: fmt.Sprintf("%d/%d workers active", s.pool.ActiveWorkers(), s.pool.NumWorkers()),
		})
	}

	writeJSON(w, http.StatusOK, healthStatus{
		Healthy:    allHealthy,
		Uptime:     formatDuration(time.Since(s.startTime)),
		Components: components,
	})
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
