package workflow

import (
	"context"
	"fmt"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/extraction"
	"github.com/haulflow/dispatch_backend/geo"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/haulflow/dispatch_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const intakeHandlerName = "load-intake"

func intakeMessageId(itemId int) string {
	return fmt.Sprintf("queue-item-%d", itemId)
}

// releaseForRetry flips the in-flight marker to FAILED before surfacing a
// transient error. Leaving it STARTED would make every retry bounce off
// ErrIdempotencyInProgress until the stale window passes, quietly burning the
// whole attempt budget on a single hiccup.
func releaseForRetry(db *gorm.DB, tenantId, messageId string, cause error) error {
	_ = MarkIdempotencyFailed(db, tenantId, intakeHandlerName, messageId, cause)
	return cause
}

// ProcessClaimedItem runs one claimed queue item through the full intake
// pipeline: extraction, content dedup, the floor gate, the broker credit gate,
// and match evaluation, then checkpoints the tenant cursor.
//
// Error contract: a returned error means the failure is transient and the caller
// decides retry vs terminal via the attempt budget. Permanent conditions (email
// is not a load, malformed body) are terminal-failed here and return nil.
func ProcessClaimedItem(ctx context.Context, logger *logrus.Logger, extractor extraction.Extractor, geocoder geo.Geocoder, checker CreditChecker, item *models.QueueItem) error {
	db := config.GetDB().WithContext(ctx)

	messageId := intakeMessageId(item.ID)
	skip, err := BeginIdempotency(db, item.TenantId, intakeHandlerName, messageId)
	if err != nil {
		return err
	}
	if skip {
		// A previous run finished the work but died before marking the queue row.
		return models.CompleteQueueItem(ctx, item.ID)
	}

	cursor, err := models.EnsureMatchCursor(ctx, item.TenantId)
	if err != nil {
		return releaseForRetry(db, item.TenantId, messageId, err)
	}
	if item.ID < cursor.FloorItemId {
		// Below the floor: fenced-off history, never re-matched.
		if err := MarkIdempotencySucceeded(db, item.TenantId, intakeHandlerName, messageId); err != nil {
			return releaseForRetry(db, item.TenantId, messageId, err)
		}
		return models.CompleteQueueItem(ctx, item.ID)
	}

	rawPayload, err := item.RawPayloadBytes(ctx)
	if err != nil {
		return releaseForRetry(db, item.TenantId, messageId, err)
	}

	load, err := extractor.ExtractLoad(ctx, item.TenantId, rawPayload)
	if err != nil {
		if extraction.IsPermanent(err) {
			// Not a load / unfixably malformed. Retrying cannot help.
			_ = MarkIdempotencyFailed(db, item.TenantId, intakeHandlerName, messageId, err)
			return models.FailQueueItem(ctx, item.ID, err.Error())
		}
		return releaseForRetry(db, item.TenantId, messageId, err)
	}

	outcome, content, err := models.CheckAndRecordContent(ctx, load)
	if err != nil {
		return releaseForRetry(db, item.TenantId, messageId, err)
	}
	if outcome == models.DedupOutcomeIneligible && config.StrictDedupEligibility() {
		msg := "load rejected: missing fields required for dedup (strict mode)"
		_ = MarkIdempotencyFailed(db, item.TenantId, intakeHandlerName, messageId, fmt.Errorf("%s", msg))
		return models.FailQueueItem(ctx, item.ID, msg)
	}
	if logger != nil && outcome == models.DedupOutcomeDuplicate {
		logger.WithFields(logrus.Fields{
			"field":         "LoadIntake",
			"tenant_id":     item.TenantId,
			"queue_item_id": item.ID,
			"fingerprint":   content.Fingerprint,
			"receipt_count": content.ReceiptCount,
		}).Info("duplicate load content; matching continues per tenant")
	}

	// Broker credit gates matching. A load with no normalizable broker identity
	// skips the gate rather than blocking intake.
	creditApproved := true
	if brokerKey := load.BrokerKey(); brokerKey != "" && checker != nil {
		workerId, _ := utils.GetWorkerIdFromContext(ctx)
		creditApproved, err = EnsureBrokerCredit(ctx, logger, checker, item.TenantId, brokerKey, workerId)
		if err != nil {
			return releaseForRetry(db, item.TenantId, messageId, err)
		}
	}

	if creditApproved {
		if _, err := MatchLoad(ctx, logger, geocoder, item, load); err != nil {
			return releaseForRetry(db, item.TenantId, messageId, err)
		}
	} else if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":         "LoadIntake",
			"tenant_id":     item.TenantId,
			"queue_item_id": item.ID,
			"broker_key":    load.BrokerKey(),
		}).Info("broker credit declined; load completes without matches")
	}

	if err := models.AdvanceMatchCursor(ctx, item.TenantId, item.ID, item.QueuedAt); err != nil {
		return releaseForRetry(db, item.TenantId, messageId, err)
	}
	if err := MarkIdempotencySucceeded(db, item.TenantId, intakeHandlerName, messageId); err != nil {
		return releaseForRetry(db, item.TenantId, messageId, err)
	}
	return models.CompleteQueueItem(ctx, item.ID)
}
