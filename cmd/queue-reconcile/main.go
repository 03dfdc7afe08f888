// queue-reconcile drains queue items older than the worker's backlog cutoff.
// The steady-state intake loop deliberately skips old backlog (a restart after a
// long outage must not storm-reprocess); this tool is the explicit, operator-run
// path for working that backlog off in controlled batches.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/queue-reconcile
//
// Env:
//   RECONCILE_BATCH_SIZE    batch per claim cycle (default 50)
//   RECONCILE_MAX_BATCHES   stop after this many batches, 0 = run to empty (default 0)
//   INTAKE_BACKLOG_CUTOFF_HOURS  must match the worker's setting (default 48)
package main

import (
	"context"
	"fmt"
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

func intEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func main() {
	ctx := context.Background()
	logger := config.GetLogger()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	extractor, err := extraction.NewHTTPExtractor()
	if err != nil {
		fmt.Fprintf(os.Stderr, "extractor not configured: %v\n", err)
		os.Exit(1)
	}
	geocoder, err := geo.NewHTTPGeocoder()
	if err != nil {
		fmt.Fprintf(os.Stderr, "geocoder not configured: %v\n", err)
		os.Exit(1)
	}
	checker, err := workflow.NewHTTPCreditChecker()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "credit"}).Warn("credit checker not configured; matching proceeds ungated: " + err.Error())
		checker = nil
	}

	batchSize := intEnv("RECONCILE_BATCH_SIZE", 50)
	maxBatches := intEnv("RECONCILE_MAX_BATCHES", 0)
	cutoffHours := intEnv("INTAKE_BACKLOG_CUTOFF_HOURS", 48)
	workerId := "reconcile-" + time.Now().Format("20060102-150405.000")

	guardrails := models.ClaimGuardrails{
		BatchSize:        batchSize,
		MaxAttempts:      6,
		LeaseTimeout:     30 * time.Second,
		BacklogCutoff:    time.Duration(cutoffHours) * time.Hour,
		TargetOldBacklog: true,
		// Exempt tenants keep old items on the normal claim path; grabbing them
		// here too would race the steady-state workers over the same backlog.
		CutoffExemptTenants: config.BacklogCutoffExemptTenants(),
	}

	total := 0
	for batch := 1; ; batch++ {
		claimed, err := models.ClaimQueueBatch(ctx, workerId, guardrails)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim failed: %v\n", err)
			os.Exit(1)
		}
		if len(claimed) == 0 {
			break
		}

		for i := range claimed {
			item := &claimed[i]
			procCtx := utils.SetTenantIdInContext(ctx, item.TenantId)
			procCtx = utils.SetActorNameInContext(procCtx, "Reconcile")
			procCtx = utils.SetWorkerIdInContext(procCtx, workerId)
			procCtx = utils.SetCorrelationIdInContext(procCtx, item.CorrelationId)

			if err := workflow.ProcessClaimedItem(procCtx, logger, extractor, geocoder, checker, item); err != nil {
				errMsg := err.Error()
				_ = models.ReleaseQueueItemForRetry(procCtx, item.ID, errMsg, time.Now().UTC().Add(time.Minute))
				logger.WithFields(logrus.Fields{
					"field":         "QueueReconcile",
					"tenant_id":     item.TenantId,
					"queue_item_id": item.ID,
				}).Error("reconcile processing failed: " + errMsg)
				continue
			}
			total++
		}

		logger.WithFields(logrus.Fields{
			"field":   "QueueReconcile",
			"batch":   batch,
			"claimed": len(claimed),
		}).Info("reconcile batch processed")

		if maxBatches > 0 && batch >= maxBatches {
			break
		}
	}

	fmt.Printf("reconcile complete: %d items processed\n", total)
}
