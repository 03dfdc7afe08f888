package main

import (
	"context"
	"errors"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/haulflow/dispatch_backend/models"
	"github.com/haulflow/dispatch_backend/workflow"
	"github.com/sirupsen/logrus"
)

type intakeRetryConfig struct {
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func getIntakeRetryConfig() intakeRetryConfig {
	cfg := intakeRetryConfig{
		maxAttempts: 6,
		baseBackoff: 5 * time.Second,
		maxBackoff:  10 * time.Minute,
	}

	if v := os.Getenv("INTAKE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxAttempts = n
		}
	}
	if v := os.Getenv("INTAKE_BASE_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.baseBackoff = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("INTAKE_MAX_BACKOFF_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxBackoff = time.Duration(n) * time.Second
		}
	}

	return cfg
}

func intakeBackoff(attempt int, cfg intakeRetryConfig) time.Duration {
	if attempt <= 0 {
		return cfg.baseBackoff
	}
	// base * 2^(attempt-1), capped.
	exp := float64(attempt - 1)
	delay := time.Duration(float64(cfg.baseBackoff) * math.Pow(2, exp))
	if delay > cfg.maxBackoff {
		return cfg.maxBackoff
	}
	return delay
}

type intakeFailureRoute int

const (
	// routeRetry goes back to PENDING with backoff; the attempt stays spent.
	routeRetry intakeFailureRoute = iota
	// routeTerminal is FAILED for good: the attempt budget is exhausted.
	routeTerminal
	// routeNotReady refunds the attempt: another worker's in-flight marker
	// refused the run, so no work happened. Crashed-worker markers age out
	// within minutes; counting these waits would burn the whole budget first.
	routeNotReady
)

func classifyIntakeFailure(attempts int, procErr error, cfg intakeRetryConfig) intakeFailureRoute {
	if errors.Is(procErr, workflow.ErrIdempotencyInProgress) {
		return routeNotReady
	}
	if attempts >= cfg.maxAttempts {
		return routeTerminal
	}
	return routeRetry
}

// markQueueItemFailure routes a transient processing error: back to PENDING with
// backoff while the attempt budget lasts, terminal FAILED once it is spent.
// Returns whether the item is now terminal.
func markQueueItemFailure(ctx context.Context, logger *logrus.Logger, item *models.QueueItem, procErr error) bool {
	cfg := getIntakeRetryConfig()
	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}

	route := classifyIntakeFailure(item.Attempts, procErr, cfg)
	switch route {
	case routeTerminal:
		_ = models.FailQueueItem(ctx, item.ID, errMsg)
	case routeNotReady:
		nextAttemptAt := time.Now().UTC().Add(intakeBackoff(item.Attempts, cfg))
		_ = models.RequeueQueueItemUnattempted(ctx, item.ID, errMsg, nextAttemptAt)
	default:
		nextAttemptAt := time.Now().UTC().Add(intakeBackoff(item.Attempts, cfg))
		_ = models.ReleaseQueueItemForRetry(ctx, item.ID, errMsg, nextAttemptAt)
	}

	if logger != nil {
		entry := logger.WithFields(logrus.Fields{
			"field":         "LoadIntake",
			"tenant_id":     item.TenantId,
			"queue_item_id": item.ID,
			"attempts":      item.Attempts,
			"terminal":      route == routeTerminal,
		})
		if route == routeNotReady {
			entry.Warn("intake processing deferred: " + errMsg)
		} else {
			entry.Error("intake processing failed: " + errMsg)
		}
	}
	return route == routeTerminal
}

func markQueueItemSuccess(ctx context.Context, logger *logrus.Logger, item *models.QueueItem) {
	_ = models.CompleteQueueItem(ctx, item.ID)
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":         "LoadIntake",
			"tenant_id":     item.TenantId,
			"queue_item_id": item.ID,
			"attempts":      item.Attempts,
		}).Info("intake processed successfully")
	}
}
