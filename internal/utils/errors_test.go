package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestAppErrorFormatting(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{NewAppError("run cycle", "cycle failed", errors.New("boom")), "run cycle: cycle failed: boom"},
		{NewAppError("status", "", ErrNotConfigured), "status: not configured"},
		{NewAppError("approve", "unknown id", nil), "approve: unknown id"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
}

func TestAppErrorChain(t *testing.T) {
	err := fmt.Errorf("scheduler: %w", NewAppError("run cycle", "controller", ErrNotConfigured))
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured in chain")
	}
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Op != "run cycle" {
		t.Fatalf("expected AppError for run cycle, got %v", err)
	}
}
