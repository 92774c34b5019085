package errorkind

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapAndOf(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(Transient, base)

	if got := Of(wrapped); got != Transient {
		t.Fatalf("Of() = %v, want %v", got, Transient)
	}
	if !errors.Is(wrapped, base) {
		t.Fatalf("errors.Is(wrapped, base) = false, want true")
	}
	if !IsTransient(wrapped) {
		t.Fatalf("IsTransient() = false, want true")
	}
	if IsPermanent(wrapped) {
		t.Fatalf("IsPermanent() = true, want false")
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(Critical, nil); err != nil {
		t.Fatalf("Wrap(_, nil) = %v, want nil", err)
	}
}

func TestOfUnwrapped(t *testing.T) {
	if got := Of(errors.New("plain")); got != Unknown {
		t.Fatalf("Of(plain) = %v, want Unknown", got)
	}
}

func TestWrapfPropagatesFormatting(t *testing.T) {
	err := Wrapf(Critical, "phase %s failed: %d", "PUBLISH", 3)
	if got, want := err.Error(), "phase PUBLISH failed: 3"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if got := Of(err); got != Critical {
		t.Fatalf("Of() = %v, want %v", got, Critical)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Unknown:   "unknown",
		Transient: "transient",
		Permanent: "permanent",
		Partial:   "partial",
		Critical:  "critical",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, Permanent},
		{http.StatusForbidden, Permanent},
		{http.StatusNotFound, Permanent},
		{http.StatusTooManyRequests, Transient},
		{http.StatusBadGateway, Transient},
		{http.StatusServiceUnavailable, Transient},
		{http.StatusGatewayTimeout, Transient},
		{http.StatusInternalServerError, Transient},
		{http.StatusBadRequest, Permanent},
		{http.StatusOK, Permanent},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			if got := ClassifyHTTPStatus(tc.status); got != tc.want {
				t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tc.status, got, tc.want)
			}
		})
	}
}

func TestWrapChaining(t *testing.T) {
	inner := Wrap(Permanent, errors.New("inner"))
	outer := fmt.Errorf("outer context: %w", inner)

	if got := Of(outer); got != Permanent {
		t.Fatalf("Of(outer) = %v, want %v (Of must see through fmt.Errorf wrapping)", got, Permanent)
	}
}
