// Package errorkind classifies errors into the taxonomy the core relies on
// for retry, circuit-breaking, and cleanup decisions: transient, permanent,
// partial, and critical.
package errorkind

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the four error classes the core distinguishes.
type Kind int

const (
	// Unknown is the zero value; callers should treat it like Permanent
	// (fail fast) since no retry policy has been established for it.
	Unknown Kind = iota
	Transient
	Permanent
	Partial
	Critical
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Partial:
		return "partial"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// classified wraps an error with a Kind so errors.As can recover it after
// crossing package boundaries.
type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Wrap tags err with kind. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// Wrapf tags a newly formatted error with kind.
func Wrapf(kind Kind, format string, args ...any) error {
	return &classified{kind: kind, err: fmt.Errorf(format, args...)}
}

// Of returns the Kind attached to err via Wrap/Wrapf, or Unknown if none.
func Of(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return Unknown
}

// IsTransient reports whether err should be retried by the resilience kit.
func IsTransient(err error) bool { return Of(err) == Transient }

// IsPermanent reports whether err should short-circuit the current phase.
func IsPermanent(err error) bool { return Of(err) == Permanent }

// IsCritical reports whether err should drive the Review Agent into ERROR.
func IsCritical(err error) bool { return Of(err) == Critical }

// Sentinel errors named by the ingestor and state store contracts.
var (
	ErrIngestRejected     = errors.New("INGEST_REJECTED")
	ErrIngestUnauthorized = errors.New("INGEST_UNAUTHORIZED")
	ErrStoreUnavailable   = errors.New("STORE_UNAVAILABLE")
	ErrCircuitOpen        = errors.New("CIRCUIT_OPEN")
	ErrPriorIterUnknown   = errors.New("PRIOR_ITER_UNKNOWN")
)

// ClassifyHTTPStatus maps a platform HTTP status code to a Kind, per
// spec.md §4.7: 401/403/404 are permanent, 429/502/503 and timeouts are
// transient, and so is every other 5xx. Everything else below 500 defaults
// to Permanent (fail fast) since an unrecognized 4xx is not known to be
// safe to retry.
func ClassifyHTTPStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return Permanent
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return Transient
	default:
		if status >= 500 {
			return Transient
		}
		return Permanent
	}
}
