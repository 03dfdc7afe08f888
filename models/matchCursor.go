package models

import (
	"context"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/utils"
	"gorm.io/gorm"
)

// MatchCursor is the per-tenant floor/checkpoint for matching. FloorItemId is the
// oldest queue item matching may ever reconsider; it only moves forward, so a
// restart never rescans the whole historical table.
type MatchCursor struct {
	ID                  int        `gorm:"primary_key" json:"id"`
	TenantId            string     `gorm:"size:64;not null;uniqueIndex" json:"tenant_id"`
	FloorItemId         int        `gorm:"not null;default:0" json:"floor_item_id"`
	LastProcessedItemId int        `gorm:"not null;default:0" json:"last_processed_item_id"`
	LastProcessedAt     *time.Time `json:"last_processed_at"`
	BackfillDone        bool       `gorm:"not null;default:false" json:"backfill_done"`
	CreatedAt           time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// EnsureMatchCursor creates the cursor row for a tenant if missing. A concurrent
// create resolving to a duplicate key is fine — the row exists either way.
func EnsureMatchCursor(ctx context.Context, tenantId string) (*MatchCursor, error) {
	db := config.GetDB()
	cursor := MatchCursor{TenantId: tenantId}
	if err := db.WithContext(ctx).Create(&cursor).Error; err != nil {
		if !utils.IsDuplicateKeyErr(err) {
			return nil, err
		}
	}
	var existing MatchCursor
	if err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func GetMatchCursor(ctx context.Context, tenantId string) (*MatchCursor, error) {
	db := config.GetDB()
	var cursor MatchCursor
	if err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		First(&cursor).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &cursor, nil
}

// AdvanceMatchCursor is a monotonic compare-and-set: an update that would move the
// checkpoint backward matches zero rows and is silently ignored. Safe under
// concurrent advances from competing workers.
func AdvanceMatchCursor(ctx context.Context, tenantId string, itemId int, processedAt time.Time) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MatchCursor{}).
		Where("tenant_id = ? AND last_processed_item_id < ?", tenantId, itemId).
		Updates(map[string]interface{}{
			"last_processed_item_id": itemId,
			"last_processed_at":      &processedAt,
		}).Error
}

// RaiseMatchFloor lifts the floor. Same monotonic guard as AdvanceMatchCursor: the
// floor never decreases, even across process restarts.
func RaiseMatchFloor(ctx context.Context, tenantId string, floorItemId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MatchCursor{}).
		Where("tenant_id = ? AND floor_item_id < ?", tenantId, floorItemId).
		Update("floor_item_id", floorItemId).Error
}

// MarkBackfillDone flips the one-time flag after the initial bounded backfill.
// GREATEST keeps the floor monotonic against a concurrent RaiseMatchFloor: the
// flag still flips, but an already-raised floor never comes back down.
func MarkBackfillDone(ctx context.Context, tenantId string, floorItemId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Model(&MatchCursor{}).
		Where("tenant_id = ? AND backfill_done = 0", tenantId).
		Updates(map[string]interface{}{
			"backfill_done": true,
			"floor_item_id": gorm.Expr("GREATEST(floor_item_id, ?)", floorItemId),
		}).Error
}
