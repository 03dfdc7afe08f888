package models

import (
	"context"
	"errors"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type QueueItemStatus string

const (
	QueueStatusPending    QueueItemStatus = "PENDING"
	QueueStatusProcessing QueueItemStatus = "PROCESSING"
	QueueStatusDone       QueueItemStatus = "DONE"
	QueueStatusFailed     QueueItemStatus = "FAILED"
)

// QueueItem is one inbound load-notification email reference. Workers compete for
// PENDING rows via skip-locked batch claims; a row is never mutated by two workers
// at once. Unique constraint: (tenant_id, source_message_id) — connector
// re-deliveries are absorbed as no-ops.
type QueueItem struct {
	ID              int             `gorm:"primary_key" json:"id"`
	TenantId        string          `gorm:"size:64;not null;index;index:uniq_queue_source,unique" json:"tenant_id"`
	SourceMessageId string          `gorm:"size:255;not null;index:uniq_queue_source,unique" json:"source_message_id"`
	ThreadId        *string         `gorm:"size:255;index" json:"thread_id"`
	RawPayload      []byte          `gorm:"type:mediumblob" json:"raw_payload"`
	PayloadObject   *string         `gorm:"size:512" json:"payload_object"`
	Status          QueueItemStatus `gorm:"type:enum('PENDING','PROCESSING','DONE','FAILED');not null;default:'PENDING';index;index:idx_queue_claim,priority:1" json:"status"`
	Attempts        int             `gorm:"not null;default:0" json:"attempts"`
	QueuedAt        time.Time       `gorm:"not null;index;index:idx_queue_claim,priority:2" json:"queued_at"`
	ClaimedAt       *time.Time      `json:"claimed_at"`
	ProcessedAt     *time.Time      `gorm:"index" json:"processed_at"`
	LockedAt        *time.Time      `gorm:"index" json:"locked_at"`
	LockedBy        *string         `gorm:"size:100" json:"locked_by"`
	NextAttemptAt   *time.Time      `gorm:"index" json:"next_attempt_at"`
	LastError       *string         `gorm:"type:text" json:"last_error"`
	CorrelationId   string          `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewQueueItem struct {
	TenantId        string    `json:"tenant_id" binding:"required"`
	SourceMessageId string    `json:"source_message_id" binding:"required"`
	ThreadId        string    `json:"thread_id"`
	RawPayload      []byte    `json:"raw_payload"`
	PayloadObject   string    `json:"payload_object"`
	ReceivedAt      time.Time `json:"received_at"`
}

// EnqueueInbound inserts a queue item for an inbound message. A duplicate
// (tenant, source_message_id) is an idempotent no-op: the existing row is returned
// and created=false. Large payloads are offloaded to cloud storage when configured.
func EnqueueInbound(ctx context.Context, input *NewQueueItem) (*QueueItem, bool, error) {
	if input.TenantId == "" || input.SourceMessageId == "" {
		return nil, false, errors.New("tenant_id and source_message_id are required")
	}
	db := config.GetDB()

	item := QueueItem{
		TenantId:        input.TenantId,
		SourceMessageId: input.SourceMessageId,
		Status:          QueueStatusPending,
		QueuedAt:        input.ReceivedAt,
		RawPayload:      input.RawPayload,
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now().UTC()
	}
	if input.ThreadId != "" {
		item.ThreadId = &input.ThreadId
	}
	if input.PayloadObject != "" {
		item.PayloadObject = &input.PayloadObject
		item.RawPayload = nil
	} else if len(input.RawPayload) > 0 && utils.GetStorageProvider() == utils.StorageProviderGCS {
		objectName, err := utils.SaveRawPayloadToGCS(ctx, input.TenantId, input.SourceMessageId, input.RawPayload)
		if err == nil {
			item.PayloadObject = &objectName
			item.RawPayload = nil
		}
		// Offload failure falls back to the inline payload; ingress must not drop mail.
	}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		item.CorrelationId = cid
	}

	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		if !utils.IsDuplicateKeyErr(err) {
			return nil, false, err
		}
		var existing QueueItem
		if qerr := db.WithContext(ctx).
			Where("tenant_id = ? AND source_message_id = ?", input.TenantId, input.SourceMessageId).
			First(&existing).Error; qerr != nil {
			return nil, false, qerr
		}
		return &existing, false, nil
	}
	return &item, true, nil
}

// ClaimGuardrails bound what a claim cycle may pick up.
type ClaimGuardrails struct {
	BatchSize    int
	MaxAttempts  int
	LeaseTimeout time.Duration
	// BacklogCutoff leaves items older than the window unclaimed so a restart after a
	// long outage does not storm-reprocess the whole backlog. Zero disables the cutoff.
	BacklogCutoff time.Duration
	// TargetOldBacklog inverts the cutoff: only items OLDER than the window are
	// eligible. Used by the explicit reconciliation path (cmd/queue-reconcile).
	TargetOldBacklog bool
	// CutoffExemptTenants opt out of the cutoff entirely: their old items stay on
	// the normal claim path (and the reconciliation path leaves them alone).
	CutoffExemptTenants []string
}

// ClaimQueueBatch atomically claims up to BatchSize pending items for workerId.
//
// A single transaction:
//  1. reaps items stuck in PROCESSING past the lease timeout (crash/hang): back to
//     PENDING below the attempt cap, terminal FAILED at the cap;
//  2. selects eligible PENDING rows FOR UPDATE SKIP LOCKED in enqueue order, so
//     concurrent workers partition the pending set without blocking;
//  3. marks each selected row PROCESSING with lease stamp and attempts+1.
//
// No other worker can observe or claim a returned row until its lease expires.
func ClaimQueueBatch(ctx context.Context, workerId string, g ClaimGuardrails) ([]QueueItem, error) {
	db := config.GetDB()
	now := time.Now().UTC()
	staleBefore := now.Add(-g.LeaseTimeout)

	var claimed []QueueItem
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := reapExpiredLeases(tx, now, staleBefore, g.MaxAttempts); err != nil {
			return err
		}

		q := tx.
			Where("status = ?", QueueStatusPending).
			Where("attempts < ?", g.MaxAttempts).
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now)
		if g.BacklogCutoff > 0 {
			cutoff := now.Add(-g.BacklogCutoff)
			switch {
			case g.TargetOldBacklog && len(g.CutoffExemptTenants) > 0:
				q = q.Where("queued_at < ? AND tenant_id NOT IN ?", cutoff, g.CutoffExemptTenants)
			case g.TargetOldBacklog:
				q = q.Where("queued_at < ?", cutoff)
			case len(g.CutoffExemptTenants) > 0:
				q = q.Where("(queued_at >= ? OR tenant_id IN ?)", cutoff, g.CutoffExemptTenants)
			default:
				q = q.Where("queued_at >= ?", cutoff)
			}
		}
		q = q.
			Order("id ASC").
			Limit(g.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}
		for i := range claimed {
			claimed[i].Status = QueueStatusProcessing
			claimed[i].ClaimedAt = &now
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &workerId
			claimed[i].Attempts = claimed[i].Attempts + 1
			if err := tx.Model(&QueueItem{}).
				Where("id = ?", claimed[i].ID).
				Updates(map[string]interface{}{
					"status":     QueueStatusProcessing,
					"claimed_at": claimed[i].ClaimedAt,
					"locked_at":  claimed[i].LockedAt,
					"locked_by":  claimed[i].LockedBy,
					"attempts":   gorm.Expr("attempts + 1"),
					"last_error": nil,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// reapExpiredLeases is the self-healing precondition of every claim cycle: no
// external watchdog needed. Attempts are NOT bumped here — the increment happens
// when the reclaimed item is picked up again, so one reclaim costs exactly one
// attempt.
func reapExpiredLeases(tx *gorm.DB, now, staleBefore time.Time, maxAttempts int) error {
	leaseMsg := "lease expired; reclaimed from stalled worker"
	if err := tx.Model(&QueueItem{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at <= ? AND attempts < ?",
			QueueStatusProcessing, staleBefore, maxAttempts).
		Updates(map[string]interface{}{
			"status":     QueueStatusPending,
			"locked_at":  nil,
			"locked_by":  nil,
			"last_error": &leaseMsg,
		}).Error; err != nil {
		return err
	}

	deadMsg := "lease expired at max attempts"
	return tx.Model(&QueueItem{}).
		Where("status = ? AND locked_at IS NOT NULL AND locked_at <= ? AND attempts >= ?",
			QueueStatusProcessing, staleBefore, maxAttempts).
		Updates(map[string]interface{}{
			"status":       QueueStatusFailed,
			"processed_at": &now,
			"locked_at":    nil,
			"locked_by":    nil,
			"last_error":   &deadMsg,
		}).Error
}

// CompleteQueueItem marks an item terminal DONE. Idempotent: completing an item
// that already reached a terminal status is a no-op, not an error.
func CompleteQueueItem(ctx context.Context, id int) error {
	db := config.GetDB()
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND status = ?", id, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":          QueueStatusDone,
			"processed_at":    &now,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
			"last_error":      nil,
		}).Error
}

// ReleaseQueueItemForRetry puts a transiently failed item back to PENDING with a
// backoff window. Terminal failure is FailQueueItem.
func ReleaseQueueItemForRetry(ctx context.Context, id int, errMsg string, nextAttemptAt time.Time) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND status = ?", id, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":          QueueStatusPending,
			"next_attempt_at": &nextAttemptAt,
			"locked_at":       nil,
			"locked_by":       nil,
			"last_error":      &errMsg,
		}).Error
}

// RequeueQueueItemUnattempted puts a claimed item back without spending an
// attempt. Used when processing was refused because another worker still holds
// the in-flight marker: the item was never actually worked on, so charging the
// attempt budget would let a single crashed worker drive it terminal while the
// marker ages out.
func RequeueQueueItemUnattempted(ctx context.Context, id int, errMsg string, nextAttemptAt time.Time) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND status = ?", id, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":          QueueStatusPending,
			"attempts":        gorm.Expr("GREATEST(attempts - 1, 0)"),
			"next_attempt_at": &nextAttemptAt,
			"locked_at":       nil,
			"locked_by":       nil,
			"last_error":      &errMsg,
		}).Error
}

// FailQueueItem marks an item terminal FAILED, surfaced for manual inspection.
// Idempotent like CompleteQueueItem.
func FailQueueItem(ctx context.Context, id int, errMsg string) error {
	db := config.GetDB()
	now := time.Now().UTC()
	return db.WithContext(ctx).Model(&QueueItem{}).
		Where("id = ? AND status = ?", id, QueueStatusProcessing).
		Updates(map[string]interface{}{
			"status":          QueueStatusFailed,
			"processed_at":    &now,
			"next_attempt_at": nil,
			"locked_at":       nil,
			"locked_by":       nil,
			"last_error":      &errMsg,
		}).Error
}

// ReplayFailedQueueItems resets FAILED items back to PENDING with a clean attempt
// budget (admin ops path).
func ReplayFailedQueueItems(ctx context.Context, ids []int) (int64, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&QueueItem{}).
		Where("id IN ? AND status = ?", ids, QueueStatusFailed).
		Updates(map[string]interface{}{
			"status":          QueueStatusPending,
			"attempts":        0,
			"next_attempt_at": nil,
			"processed_at":    nil,
			"last_error":      nil,
		})
	return res.RowsAffected, res.Error
}

// RawPayloadBytes resolves the item payload, following the storage pointer when
// the payload was offloaded.
func (item *QueueItem) RawPayloadBytes(ctx context.Context) ([]byte, error) {
	if len(item.RawPayload) > 0 {
		return item.RawPayload, nil
	}
	if item.PayloadObject != nil && *item.PayloadObject != "" {
		return utils.FetchRawPayloadFromGCS(ctx, *item.PayloadObject)
	}
	return nil, errors.New("queue item has no payload")
}

// QueueDepthByStatus powers the administrative surface.
func QueueDepthByStatus(ctx context.Context) (map[QueueItemStatus]int64, error) {
	db := config.GetDB()
	type row struct {
		Status QueueItemStatus
		N      int64
	}
	var rows []row
	err := db.WithContext(ctx).Model(&QueueItem{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[QueueItemStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// ListFailedQueueItems returns terminal failures for inspection, newest first.
func ListFailedQueueItems(ctx context.Context, limit int) ([]QueueItem, error) {
	db := config.GetDB()
	var items []QueueItem
	err := db.WithContext(ctx).
		Where("status = ?", QueueStatusFailed).
		Order("processed_at DESC").
		Limit(limit).
		Find(&items).Error
	return items, err
}
