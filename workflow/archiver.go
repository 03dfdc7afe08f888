package workflow

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/sirupsen/logrus"
)

// Archiver drains terminal queue rows into the cold table in small batches so the
// hot table stays claim-fast. Safe to run on multiple instances: the batch move is
// skip-locked and conflict-tolerant.
type Archiver struct {
	Logger    *logrus.Logger
	Interval  time.Duration
	BatchSize int
	// RetainFor keeps terminal rows hot for this long after processing.
	RetainFor time.Duration
}

func NewArchiver(logger *logrus.Logger) *Archiver {
	a := &Archiver{
		Logger:    logger,
		Interval:  5 * time.Minute,
		BatchSize: 200,
		RetainFor: 7 * 24 * time.Hour,
	}
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_INTERVAL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			a.Interval = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			a.BatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_RETAIN_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			a.RetainFor = time.Duration(n) * 24 * time.Hour
		}
	}
	return a
}

func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runOnce(ctx)
		}
	}
}

// runOnce keeps moving batches until the current pass finds nothing to archive.
func (a *Archiver) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-a.RetainFor)
	total := 0
	for {
		n, err := models.ArchiveQueueBatch(ctx, cutoff, a.BatchSize)
		if err != nil {
			config.LogError(a.Logger, "workflow", "Archiver.runOnce", "archive batch", cutoff, err)
			return
		}
		total += n
		if n < a.BatchSize {
			break
		}
	}
	if total > 0 && a.Logger != nil {
		a.Logger.WithFields(logrus.Fields{
			"field":    "Archiver",
			"archived": total,
		}).Info("queue archive pass complete")
	}
}

// RunMatchExpirySweep deactivates matches whose pickup date has passed, per
// tenant, on a slow loop. UNDECIDED matches for yesterday's loads are noise.
func RunMatchExpirySweep(ctx context.Context, logger *logrus.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tenantIds, err := models.ListActiveTenantIds(ctx)
			if err != nil {
				config.LogError(logger, "workflow", "RunMatchExpirySweep", "list tenants", nil, err)
				continue
			}
			for _, tenantId := range tenantIds {
				expired, err := models.ExpireMatchesByPickup(ctx, tenantId, time.Now().UTC())
				if err != nil {
					config.LogError(logger, "workflow", "RunMatchExpirySweep", "expire matches", tenantId, err)
					continue
				}
				if len(expired) > 0 && logger != nil {
					logger.WithFields(logrus.Fields{
						"field":     "MatchExpiry",
						"tenant_id": tenantId,
						"expired":   len(expired),
					}).Info("expired stale matches")
				}
			}
		}
	}
}
