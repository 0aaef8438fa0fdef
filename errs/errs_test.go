package errs

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
)

func TestWrap_IsKindAndCause(t *testing.T) {
	err := Wrap(ErrCacheRead, "cache.FindByID", sql.ErrConnDone)

	if !errors.Is(err, ErrCacheRead) {
		t.Errorf("errors.Is(err, ErrCacheRead) = false, want true")
	}
	if !errors.Is(err, sql.ErrConnDone) {
		t.Errorf("errors.Is(err, sql.ErrConnDone) = false, want true")
	}
	if errors.Is(err, ErrCacheWrite) {
		t.Errorf("errors.Is(err, ErrCacheWrite) = true, want false")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(ErrCacheWrite, "op", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestWrap_SameKindNotStacked(t *testing.T) {
	inner := New(ErrNotFound, "cache.FindByID", "id x")
	outer := Wrap(ErrNotFound, "datastore.FindByID", inner)
	if outer != error(inner) {
		t.Errorf("Wrap re-wrapped an error of the same kind: %v", outer)
	}
}

func TestNetwork_StatusCode(t *testing.T) {
	err := fmt.Errorf("push: %w", Network("network.Execute", 404, "EntityNotFound"))

	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork kind")
	}
	if got := StatusCode(err); got != 404 {
		t.Errorf("StatusCode() = %d, want 404", got)
	}
	if got := KindOf(err); got != ErrNetwork {
		t.Errorf("KindOf() = %v, want ErrNetwork", got)
	}
}

func TestError_Message(t *testing.T) {
	err := Network("network.Execute", 401, "InvalidCredentials")
	want := "network.Execute: network request failed (status 401): InvalidCredentials"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", New(ErrNetworkUnavailable, "op", ""), true},
		{"server error", Network("op", 503, ""), true},
		{"throttled", Network("op", 429, ""), true},
		{"client error", Network("op", 400, ""), false},
		{"cache", New(ErrCacheWrite, "op", ""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
