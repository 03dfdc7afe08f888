package main

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/haulflow/dispatch_backend/workflow"
)

func TestIntakeBackoffDoublesAndCaps(t *testing.T) {
	cfg := intakeRetryConfig{
		maxAttempts: 6,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	if got := intakeBackoff(0, cfg); got != cfg.baseBackoff {
		t.Fatalf("attempt 0 should use base backoff, got %s", got)
	}
	if got := intakeBackoff(1, cfg); got != 5*time.Second {
		t.Fatalf("attempt 1 = %s, want 5s", got)
	}
	if got := intakeBackoff(2, cfg); got != 10*time.Second {
		t.Fatalf("attempt 2 = %s, want 10s", got)
	}
	if got := intakeBackoff(3, cfg); got != 20*time.Second {
		t.Fatalf("attempt 3 = %s, want 20s", got)
	}
	// Deep attempt counts clamp at the cap.
	if got := intakeBackoff(10, cfg); got != cfg.maxBackoff {
		t.Fatalf("attempt 10 = %s, want cap %s", got, cfg.maxBackoff)
	}
}

func TestClassifyIntakeFailure(t *testing.T) {
	cfg := intakeRetryConfig{
		maxAttempts: 6,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	tests := []struct {
		name     string
		attempts int
		err      error
		want     intakeFailureRoute
	}{
		{"transient with budget left", 1, errors.New("extraction 503"), routeRetry},
		{"transient at the cap", 6, errors.New("extraction 503"), routeTerminal},
		{"in-flight marker refusal", 1, workflow.ErrIdempotencyInProgress, routeNotReady},
		{"wrapped in-flight refusal", 1, fmt.Errorf("pipeline: %w", workflow.ErrIdempotencyInProgress), routeNotReady},
		// A crashed worker's marker lives ~5m; the whole default budget of
		// backoffs fits inside that window, so the refusal MUST NOT count
		// against the budget even at the cap.
		{"in-flight refusal at the cap", 6, workflow.ErrIdempotencyInProgress, routeNotReady},
	}
	for _, tc := range tests {
		if got := classifyIntakeFailure(tc.attempts, tc.err, cfg); got != tc.want {
			t.Errorf("%s: route %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestIntakeRetryConfigDefaults(t *testing.T) {
	cfg := getIntakeRetryConfig()
	if cfg.maxAttempts <= 0 {
		t.Fatal("maxAttempts must be positive")
	}
	if cfg.baseBackoff <= 0 || cfg.maxBackoff < cfg.baseBackoff {
		t.Fatalf("backoff bounds inconsistent: base %s, max %s", cfg.baseBackoff, cfg.maxBackoff)
	}
}
