package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type MatchStatus string

const (
	MatchStatusUndecided MatchStatus = "UNDECIDED"
	MatchStatusActive    MatchStatus = "ACTIVE"
	MatchStatusSkipped   MatchStatus = "SKIPPED"
	MatchStatusBid       MatchStatus = "BID"
	MatchStatusWaitlist  MatchStatus = "WAITLIST"
)

// LoadMatch links one deduplicated load item to one hunt plan (and its vehicle).
// Unique on (queue_item_id, hunt_plan_id): re-running matching over the same item
// is idempotent. The same canonical content arriving under a different queue item
// intentionally produces a separate match — that is how multi-match duplicate
// detection across re-deliveries is surfaced.
type LoadMatch struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"size:64;not null;index" json:"tenant_id"`
	QueueItemId   int             `gorm:"not null;index:uniq_match_pair,unique" json:"queue_item_id"`
	HuntPlanId    int             `gorm:"not null;index:uniq_match_pair,unique" json:"hunt_plan_id"`
	VehicleId     int             `gorm:"not null;index" json:"vehicle_id"`
	Fingerprint   *string         `gorm:"size:72;index" json:"fingerprint"`
	BrokerKey     string          `gorm:"size:255;index" json:"broker_key"`
	DistanceMiles float64         `gorm:"not null" json:"distance_miles"`
	MatchScore    decimal.Decimal `gorm:"type:decimal(14,4);not null" json:"match_score"`
	MatchStatus   MatchStatus     `gorm:"type:enum('UNDECIDED','ACTIVE','SKIPPED','BID','WAITLIST');not null;default:'UNDECIDED';index" json:"match_status"`
	IsActive      *bool           `gorm:"not null;default:true;index" json:"is_active"`
	PickupDate    *time.Time      `gorm:"index" json:"pickup_date"`
	ReceivedAt    time.Time       `gorm:"not null;index" json:"received_at"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewLoadMatch struct {
	TenantId      string
	QueueItemId   int
	HuntPlanId    int
	VehicleId     int
	Fingerprint   string
	BrokerKey     string
	DistanceMiles float64
	MatchScore    decimal.Decimal
	PickupDate    *time.Time
	ReceivedAt    time.Time
}

// UpsertMatch creates the match and its CREATED audit row atomically. A duplicate
// (queue_item_id, hunt_plan_id) is confirmation of a prior run: the existing row
// comes back with created=false and nothing is written.
func UpsertMatch(ctx context.Context, input *NewLoadMatch) (*LoadMatch, bool, error) {
	db := config.GetDB()

	match := LoadMatch{
		TenantId:      input.TenantId,
		QueueItemId:   input.QueueItemId,
		HuntPlanId:    input.HuntPlanId,
		VehicleId:     input.VehicleId,
		BrokerKey:     input.BrokerKey,
		DistanceMiles: input.DistanceMiles,
		MatchScore:    input.MatchScore,
		MatchStatus:   MatchStatusUndecided,
		IsActive:      utils.NewTrue(),
		PickupDate:    input.PickupDate,
		ReceivedAt:    input.ReceivedAt,
	}
	if input.Fingerprint != "" {
		match.Fingerprint = &input.Fingerprint
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&match).Error; err != nil {
			return err
		}
		details := fmt.Sprintf("matched plan %d at %.1f mi", input.HuntPlanId, input.DistanceMiles)
		return appendMatchAction(tx, input.TenantId, match.ID, "matcher", MatchActionCreated, details)
	})
	if err == nil {
		return &match, true, nil
	}
	if !utils.IsDuplicateKeyErr(err) {
		return nil, false, err
	}

	var existing LoadMatch
	if qerr := db.WithContext(ctx).
		Where("queue_item_id = ? AND hunt_plan_id = ?", input.QueueItemId, input.HuntPlanId).
		First(&existing).Error; qerr != nil {
		return nil, false, qerr
	}
	return &existing, false, nil
}

var matchTransitions = map[MatchStatus][]MatchStatus{
	MatchStatusUndecided: {MatchStatusActive, MatchStatusSkipped, MatchStatusBid, MatchStatusWaitlist},
	MatchStatusActive:    {MatchStatusSkipped, MatchStatusBid, MatchStatusWaitlist},
	MatchStatusWaitlist:  {MatchStatusActive, MatchStatusSkipped, MatchStatusBid},
}

func canTransition(from, to MatchStatus) bool {
	for _, allowed := range matchTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SetMatchStatus drives the dispatcher-facing state machine. The audit entry is
// appended in the same transaction as the state change.
func SetMatchStatus(ctx context.Context, id int, status MatchStatus, details string) (*LoadMatch, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	actor, _ := utils.GetActorNameFromContext(ctx)
	if actor == "" {
		actor = "system"
	}

	db := config.GetDB()
	var match LoadMatch
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ?", tenantId).First(&match, id).Error; err != nil {
			return utils.ErrorRecordNotFound
		}
		if match.MatchStatus == status {
			return nil
		}
		if !canTransition(match.MatchStatus, status) {
			return fmt.Errorf("cannot transition match from %s to %s", match.MatchStatus, status)
		}
		if err := tx.Model(&LoadMatch{}).
			Where("id = ?", match.ID).
			Update("match_status", status).Error; err != nil {
			return err
		}
		match.MatchStatus = status
		logDetails := details
		if logDetails == "" {
			logDetails = string(status)
		}
		return appendMatchAction(tx, tenantId, match.ID, actor, MatchActionStatusSet, logDetails)
	})
	if err != nil {
		return nil, err
	}
	return &match, nil
}

// DeactivateMatch soft-deletes: matches are never physically removed.
func DeactivateMatch(ctx context.Context, id int, actor, reason string) error {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return err
	}
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&LoadMatch{}).
			Where("id = ? AND tenant_id = ? AND is_active = 1", id, tenantId).
			Update("is_active", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Already inactive: deactivation is idempotent.
			return nil
		}
		return appendMatchAction(tx, tenantId, id, actor, MatchActionDeactivated, reason)
	})
}

// AddMatchNote appends a free-form audit entry without touching state.
func AddMatchNote(ctx context.Context, id int, note string) error {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return err
	}
	if note == "" {
		return errors.New("note is required")
	}
	actor, _ := utils.GetActorNameFromContext(ctx)
	if actor == "" {
		actor = "system"
	}
	if err := utils.ValidateResourceId[LoadMatch](ctx, tenantId, id); err != nil {
		return err
	}
	db := config.GetDB()
	return appendMatchAction(db.WithContext(ctx), tenantId, id, actor, MatchActionNote, note)
}

// ListActiveMatches is the dispatcher read surface: active, non-expired matches,
// newest-received first, tenant-scoped.
func ListActiveMatches(ctx context.Context, limit int) ([]*LoadMatch, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	db := config.GetDB()
	var matches []*LoadMatch
	err = db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = 1", tenantId).
		Where("(pickup_date IS NULL OR pickup_date >= ?)", now.Truncate(24*time.Hour)).
		Order("received_at DESC, id DESC").
		Limit(limit).
		Find(&matches).Error
	return matches, err
}

// ListMatchActions returns the audit trail for one match, oldest first.
func ListMatchActions(ctx context.Context, matchId int) ([]*MatchActionLog, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	var entries []*MatchActionLog
	err = db.WithContext(ctx).
		Where("tenant_id = ? AND match_id = ?", tenantId, matchId).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

// ExpireMatchesByPickup deactivates this tenant's matches whose pickup date has
// passed. Returns the ids it deactivated so each gets an audit entry.
func ExpireMatchesByPickup(ctx context.Context, tenantId string, before time.Time) ([]int, error) {
	db := config.GetDB()
	var expired []int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&LoadMatch{}).
			Where("tenant_id = ? AND is_active = 1 AND pickup_date IS NOT NULL AND pickup_date < ?", tenantId, before).
			Pluck("id", &expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		if err := tx.Model(&LoadMatch{}).
			Where("id IN ?", expired).
			Update("is_active", false).Error; err != nil {
			return err
		}
		for _, id := range expired {
			if err := appendMatchAction(tx, tenantId, id, "expiry-sweep", MatchActionDeactivated, "load pickup date passed"); err != nil {
				return err
			}
		}
		return nil
	})
	return expired, err
}
