package workflow

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/haulflow/dispatch_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func backfillLookback() time.Duration {
	if v := strings.TrimSpace(os.Getenv("BACKFILL_LOOKBACK_HOURS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Hour
		}
	}
	return 72 * time.Hour
}

// RunInitialBackfill performs the one-time bounded backfill for a tenant when its
// cursor is fresh. Already-processed items inside the lookback window are put back
// on the queue so matching sees them; everything older is fenced off behind the
// floor and never revisited. The whole routine is idempotent: re-running after a
// crash converges on the same floor, and reprocessed items dedup against the
// content store and match upserts.
func RunInitialBackfill(ctx context.Context, logger *logrus.Logger, tenantId string) error {
	cursor, err := models.EnsureMatchCursor(ctx, tenantId)
	if err != nil {
		return err
	}
	if cursor.BackfillDone {
		return nil
	}

	// Best-effort: keep concurrent workers from double-requeueing the same
	// window. The backfill_done flag in MySQL stays authoritative.
	if release, lockErr := utils.TenantLock(ctx, tenantId, "backfill", "workflow", "RunInitialBackfill"); lockErr == nil {
		defer release()
	}

	db := config.GetDB()
	windowStart := time.Now().UTC().Add(-backfillLookback())

	// Floor = oldest item inside the window. With nothing in the window the floor
	// fences the entire existing backlog.
	var floorId int
	var minRow struct{ MinId *int }
	if err := db.WithContext(ctx).Model(&models.QueueItem{}).
		Select("MIN(id) AS min_id").
		Where("tenant_id = ? AND queued_at >= ?", tenantId, windowStart).
		Scan(&minRow).Error; err != nil {
		return err
	}
	if minRow.MinId != nil {
		floorId = *minRow.MinId
	} else {
		var maxRow struct{ MaxId *int }
		if err := db.WithContext(ctx).Model(&models.QueueItem{}).
			Select("MAX(id) AS max_id").
			Where("tenant_id = ?", tenantId).
			Scan(&maxRow).Error; err != nil {
			return err
		}
		if maxRow.MaxId != nil {
			floorId = *maxRow.MaxId + 1
		}
	}

	// Re-queue DONE items in the window so the normal claim path matches them.
	// Their SUCCEEDED processing markers go in the same transaction: a completed
	// item's marker would otherwise skip the pipeline on reclaim and no match
	// could ever be seeded for it.
	var requeued int64
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []int
		if err := tx.Model(&models.QueueItem{}).
			Where("tenant_id = ? AND status = ? AND id >= ? AND queued_at >= ?",
				tenantId, models.QueueStatusDone, floorId, windowStart).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Model(&models.QueueItem{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":          models.QueueStatusPending,
				"attempts":        0,
				"processed_at":    nil,
				"next_attempt_at": nil,
				"last_error":      gorm.Expr("NULL"),
			})
		if res.Error != nil {
			return res.Error
		}
		requeued = res.RowsAffected
		messageIds := make([]string, 0, len(ids))
		for _, id := range ids {
			messageIds = append(messageIds, intakeMessageId(id))
		}
		return ClearIdempotencyKeys(tx, tenantId, intakeHandlerName, messageIds)
	})
	if err != nil {
		return err
	}

	if err := models.MarkBackfillDone(ctx, tenantId, floorId); err != nil {
		return err
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":     "Backfill",
			"tenant_id": tenantId,
			"floor_id":  floorId,
			"requeued":  requeued,
		}).Info("initial backfill complete")
	}
	return nil
}

// RunBackfillForActiveTenants sweeps tenants whose cursor lacks the backfill flag.
// Called once at worker startup; a no-op for every tenant after the first run.
func RunBackfillForActiveTenants(ctx context.Context, logger *logrus.Logger) error {
	tenantIds, err := models.ListActiveTenantIds(ctx)
	if err != nil {
		return err
	}
	for _, tenantId := range tenantIds {
		if err := RunInitialBackfill(ctx, logger, tenantId); err != nil {
			config.LogError(logger, "workflow", "RunBackfillForActiveTenants", "backfill", tenantId, err)
		}
	}
	return nil
}
