package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/extraction"
	"github.com/haulflow/dispatch_backend/geo"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/haulflow/dispatch_backend/utils"
	"github.com/haulflow/dispatch_backend/workflow"
	"github.com/sirupsen/logrus"
)

// IntakeProcessor pulls claimed batches off the queue and runs each item through
// the intake pipeline. Multiple instances partition the pending set via the
// skip-locked claim; no coordination beyond the database is needed.
type IntakeProcessor struct {
	Logger    *logrus.Logger
	Extractor extraction.Extractor
	Geocoder  geo.Geocoder
	Checker   workflow.CreditChecker

	WorkerID  string
	BatchSize int
	Interval  time.Duration
	LockTTL   time.Duration
}

func NewIntakeProcessor(logger *logrus.Logger, extractor extraction.Extractor, geocoder geo.Geocoder, checker workflow.CreditChecker) *IntakeProcessor {
	p := &IntakeProcessor{
		Logger:    logger,
		Extractor: extractor,
		Geocoder:  geocoder,
		Checker:   checker,
		WorkerID:  "intake-" + time.Now().Format("20060102-150405.000"),
		BatchSize: 50,
		Interval:  2 * time.Second,
		LockTTL:   30 * time.Second,
	}
	if v := strings.TrimSpace(os.Getenv("INTAKE_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.BatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("INTAKE_POLL_INTERVAL_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Interval = time.Duration(n) * time.Millisecond
		}
	}
	if v := strings.TrimSpace(os.Getenv("INTAKE_LOCK_TTL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.LockTTL = time.Duration(n) * time.Second
		}
	}
	return p
}

func shouldRunIntakeProcessor() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv("INTAKE_PROCESSING")))
	if val == "false" {
		return false
	}
	return true
}

func intakeBacklogCutoff() time.Duration {
	if v := strings.TrimSpace(os.Getenv("INTAKE_BACKLOG_CUTOFF_HOURS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return time.Duration(n) * time.Hour
		}
	}
	return 48 * time.Hour
}

func (p *IntakeProcessor) Run(ctx context.Context) {
	if p == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.processOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}

func (p *IntakeProcessor) processOnce(ctx context.Context) {
	cfg := getIntakeRetryConfig()
	claimed, err := models.ClaimQueueBatch(ctx, p.WorkerID, models.ClaimGuardrails{
		BatchSize:           p.BatchSize,
		MaxAttempts:         cfg.maxAttempts,
		LeaseTimeout:        p.LockTTL,
		BacklogCutoff:       intakeBacklogCutoff(),
		CutoffExemptTenants: config.BacklogCutoffExemptTenants(),
	})
	if err != nil {
		config.LogError(p.Logger, "main", "IntakeProcessor.processOnce", "claim batch", p.WorkerID, err)
		return
	}

	for i := range claimed {
		item := &claimed[i]
		procCtx := utils.SetTenantIdInContext(ctx, item.TenantId)
		procCtx = utils.SetActorNameInContext(procCtx, "System")
		procCtx = utils.SetWorkerIdInContext(procCtx, p.WorkerID)
		procCtx = utils.SetCorrelationIdInContext(procCtx, item.CorrelationId)

		if err := workflow.ProcessClaimedItem(procCtx, p.Logger, p.Extractor, p.Geocoder, p.Checker, item); err != nil {
			markQueueItemFailure(procCtx, p.Logger, item, err)
			continue
		}
		markQueueItemSuccess(procCtx, p.Logger, item)
	}
}
