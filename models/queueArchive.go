package models

import (
	"context"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueueItemArchive is the cold copy of a terminal queue item. Same shape as
// QueueItem plus the archive timestamp; the original row id is preserved so audit
// references stay resolvable.
type QueueItemArchive struct {
	ID              int             `gorm:"primary_key;autoIncrement:false" json:"id"`
	TenantId        string          `gorm:"size:64;not null;index" json:"tenant_id"`
	SourceMessageId string          `gorm:"size:255;not null" json:"source_message_id"`
	ThreadId        *string         `gorm:"size:255" json:"thread_id"`
	PayloadObject   *string         `gorm:"size:512" json:"payload_object"`
	Status          QueueItemStatus `gorm:"type:enum('PENDING','PROCESSING','DONE','FAILED');not null" json:"status"`
	Attempts        int             `gorm:"not null" json:"attempts"`
	QueuedAt        time.Time       `gorm:"not null;index" json:"queued_at"`
	ProcessedAt     *time.Time      `json:"processed_at"`
	LastError       *string         `gorm:"type:text" json:"last_error"`
	CorrelationId   string          `gorm:"size:64" json:"correlation_id"`
	ArchivedAt      time.Time       `gorm:"not null;index" json:"archived_at"`
}

// ArchiveQueueBatch moves one bounded batch of terminal rows older than cutoff
// into the cold table.
//
// The delete targets exactly the ids that were selected and copied — never a
// second, independently computed set — so a row crossing the cutoff between
// selection and deletion can neither be lost nor double-archived. The skip-locked
// select keeps the batch from blocking concurrent claim cycles. Run repeatedly in
// small batches; one huge transaction would hold locks on a hot table.
func ArchiveQueueBatch(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	db := config.GetDB()
	now := time.Now().UTC()

	archived := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch []QueueItem
		if err := tx.
			Where("status IN ?", []QueueItemStatus{QueueStatusDone, QueueStatusFailed}).
			Where("processed_at IS NOT NULL AND processed_at < ?", cutoff).
			Order("id ASC").
			Limit(batchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]int, 0, len(batch))
		cold := make([]QueueItemArchive, 0, len(batch))
		for _, item := range batch {
			ids = append(ids, item.ID)
			cold = append(cold, QueueItemArchive{
				ID:              item.ID,
				TenantId:        item.TenantId,
				SourceMessageId: item.SourceMessageId,
				ThreadId:        item.ThreadId,
				PayloadObject:   item.PayloadObject,
				Status:          item.Status,
				Attempts:        item.Attempts,
				QueuedAt:        item.QueuedAt,
				ProcessedAt:     item.ProcessedAt,
				LastError:       item.LastError,
				CorrelationId:   item.CorrelationId,
				ArchivedAt:      now,
			})
		}

		// Re-archiving after a partially failed earlier run must not error out.
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cold).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", ids).Delete(&QueueItem{}).Error; err != nil {
			return err
		}
		archived = len(ids)
		return nil
	})
	return archived, err
}
