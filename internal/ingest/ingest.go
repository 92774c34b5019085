// Package ingest implements the Ingestor (C7): the HTTP-facing sink that
// turns an Azure DevOps service hook delivery into a PR event enqueued on
// the state store. Modeled on the daemon HTTP server's handler idiom —
// net/http.ServeMux, a decode-validate-respond handler shape, and a shared
// writeJSON/writeError pair — generalized from "enqueue a coding-agent job"
// to "enqueue a PR review event."
package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/adorevd/prreview/internal/errorkind"
	"github.com/adorevd/prreview/internal/models"
	"github.com/adorevd/prreview/internal/store"
)

// maxBodySize bounds a webhook delivery; Azure DevOps pull request payloads
// are a few KB, so this generously covers a large description/title while
// still rejecting anything pathological.
const maxBodySize = 64 * 1024

// receiveTimeout is the accept() budget SPEC_FULL.md requires: the handler
// must ack within this window regardless of downstream outcome.
const receiveTimeout = 5 * time.Second

// ErrRejected and ErrUnauthorized classify accept()'s two documented
// failure modes for callers that want to distinguish them (e.g. metrics).
var (
	ErrRejected     = errors.New("ingest: malformed or unrecognized payload")
	ErrUnauthorized = errors.New("ingest: signature mismatch")
)

// Ingestor accepts Azure DevOps service hook deliveries and enqueues them
// onto the state store, rejecting events for repositories that are not in
// the registration table and deduplicating by PREvent.DedupKey.
type Ingestor struct {
	store  store.Store
	reg    store.Registry
	secret []byte
	logger *slog.Logger
}

// New constructs an Ingestor. secret may be nil/empty, in which case
// signature verification is skipped entirely (SPEC_FULL.md: "otherwise
// accepts"). reg is optional; a nil Registry accepts events for every
// repository, matching a deployment that has not yet adopted the
// registration table.
func New(st store.Store, reg store.Registry, secret []byte, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{store: st, reg: reg, secret: secret, logger: logger}
}

// Handler returns the net/http.ServeMux-compatible handler for
// POST /webhooks/azure-devops/pr.
func (i *Ingestor) Handler() http.HandlerFunc {
	return i.handleWebhook
}

func (i *Ingestor) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), receiveTimeout)
	defer cancel()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if err := i.verifySignature(r.Header.Get("X-Hub-Signature-256"), raw); err != nil {
		i.logger.Warn("INGEST_UNAUTHORIZED", "error", err)
		writeError(w, http.StatusUnauthorized, "signature mismatch")
		return
	}

	event, err := i.Accept(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			i.logger.Warn("INGEST_REJECTED", "error", err)
			writeError(w, http.StatusBadRequest, "malformed payload")
			return
		}
		i.logger.Error("ingest accept failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, acceptResponse{PRID: event.PRID, RepositoryID: event.RepositoryID})
}

type acceptResponse struct {
	PRID         int64  `json:"pr_id"`
	RepositoryID string `json:"repository_id"`
}

// verifySignature checks an HMAC-SHA256 hex digest of body against the
// configured secret using a constant-time compare. Skipped entirely when
// no secret is configured.
func (i *Ingestor) verifySignature(header string, body []byte) error {
	if len(i.secret) == 0 {
		return nil
	}
	if header == "" {
		return ErrUnauthorized
	}
	const prefix = "sha256="
	digest := header
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		digest = header[len(prefix):]
	}
	want, err := hex.DecodeString(digest)
	if err != nil {
		return ErrUnauthorized
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(body)
	got := mac.Sum(nil)
	if !hmac.Equal(want, got) {
		return ErrUnauthorized
	}
	return nil
}

// Accept implements accept(): map, validate, check the registration table,
// dedup, and enqueue. Exported directly so callers other than the HTTP
// handler (tests, an alternate transport) can drive the same logic.
func (i *Ingestor) Accept(ctx context.Context, payload []byte) (models.PREvent, error) {
	event, err := mapPayload(payload)
	if err != nil {
		return models.PREvent{}, errorkind.Wrap(errorkind.Permanent, fmt.Errorf("%w: %v", ErrRejected, err))
	}

	if i.reg != nil {
		if _, err := i.reg.GetRepository(ctx, event.RepositoryID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				i.logger.Info("ignoring event for unregistered repository",
					"repository_id", event.RepositoryID, "pr_id", event.PRID)
				return event, nil
			}
			return models.PREvent{}, err
		}
	}

	if _, err := i.store.Enqueue(ctx, event); err != nil {
		return models.PREvent{}, err
	}
	return event, nil
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
