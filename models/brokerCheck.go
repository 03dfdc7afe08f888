package models

import (
	"context"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/utils"
	"gorm.io/gorm"
)

// BrokerCreditCheck serializes the side-effecting broker credit verification:
// exactly one decision row exists per (tenant, broker, window), and its inserter
// is the leader responsible for performing the external check. Losers read the
// decision the winner records instead of redoing the call.
type BrokerCreditCheck struct {
	ID             int        `gorm:"primary_key" json:"id"`
	TenantId       string     `gorm:"size:64;not null;index:uniq_credit_window,unique" json:"tenant_id"`
	BrokerKey      string     `gorm:"size:255;not null;index:uniq_credit_window,unique" json:"broker_key"`
	WindowStart    time.Time  `gorm:"not null;index:uniq_credit_window,unique" json:"window_start"`
	LeaderWorkerId string     `gorm:"size:100;not null" json:"leader_worker_id"`
	// LeaderClaimedAt is the staleness clock for takeover. It must only move when
	// leadership changes hands: contender-count bumps auto-refresh updated_at, so
	// updated_at cannot tell a live leader from a crashed one under contention.
	LeaderClaimedAt time.Time  `gorm:"not null" json:"leader_claimed_at"`
	Decided         bool       `gorm:"not null;default:false;index" json:"decided"`
	CreditApproved  *bool      `json:"credit_approved"`
	DecisionNote    *string    `gorm:"type:text" json:"decision_note"`
	DecidedAt       *time.Time `json:"decided_at"`
	// ContenderCount records how many workers lost this election (observability).
	ContenderCount int       `gorm:"not null;default:0" json:"contender_count"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// CreditWindowStart buckets a timestamp into the election window.
func CreditWindowStart(t time.Time, window time.Duration) time.Time {
	return t.UTC().Truncate(window)
}

// TryBecomeCreditLeader attempts the unique decision-row insert. Winning means
// this worker must perform the credit check and record the outcome. Losing is not
// an error: the loser gets the existing row back (contender counter bumped) and
// should await the decision.
func TryBecomeCreditLeader(ctx context.Context, tenantId, brokerKey string, windowStart time.Time, workerId string) (bool, *BrokerCreditCheck, error) {
	db := config.GetDB()

	row := BrokerCreditCheck{
		TenantId:        tenantId,
		BrokerKey:       brokerKey,
		WindowStart:     windowStart,
		LeaderWorkerId:  workerId,
		LeaderClaimedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(&row).Error; err == nil {
		return true, &row, nil
	} else if !utils.IsDuplicateKeyErr(err) {
		return false, nil, err
	}

	// Lost the race: count the contention, hand back the winner's row.
	if err := db.WithContext(ctx).Model(&BrokerCreditCheck{}).
		Where("tenant_id = ? AND broker_key = ? AND window_start = ?", tenantId, brokerKey, windowStart).
		Update("contender_count", gorm.Expr("contender_count + 1")).Error; err != nil {
		return false, nil, err
	}

	var existing BrokerCreditCheck
	if err := db.WithContext(ctx).
		Where("tenant_id = ? AND broker_key = ? AND window_start = ?", tenantId, brokerKey, windowStart).
		First(&existing).Error; err != nil {
		return false, nil, err
	}
	return false, &existing, nil
}

// SeizeCreditLeadership conditionally takes over an undecided election whose
// leader has not refreshed its claim since staleBefore. Returns whether this
// worker won the takeover; losing means another contender (or the original
// leader) got there first.
func SeizeCreditLeadership(ctx context.Context, rowId int, workerId string, staleBefore time.Time) (bool, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).Model(&BrokerCreditCheck{}).
		Where("id = ? AND decided = 0 AND leader_claimed_at <= ?", rowId, staleBefore).
		Updates(map[string]interface{}{
			"leader_worker_id":  workerId,
			"leader_claimed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// RecordCreditDecision writes the leader's outcome so contenders can read it.
func RecordCreditDecision(ctx context.Context, id int, approved bool, note string) error {
	db := config.GetDB()
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"decided":         true,
		"credit_approved": approved,
		"decided_at":      &now,
	}
	if note != "" {
		updates["decision_note"] = &note
	}
	return db.WithContext(ctx).Model(&BrokerCreditCheck{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// GetCreditDecision fetches the current row; decided=false means the leader is
// still working (or crashed — see AwaitCreditDecision's timeout).
func GetCreditDecision(ctx context.Context, tenantId, brokerKey string, windowStart time.Time) (*BrokerCreditCheck, error) {
	db := config.GetDB()
	var row BrokerCreditCheck
	if err := db.WithContext(ctx).
		Where("tenant_id = ? AND broker_key = ? AND window_start = ?", tenantId, brokerKey, windowStart).
		First(&row).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &row, nil
}

// CreditContentionStats powers the administrative surface: how often elections
// are contested.
type CreditContentionStats struct {
	Windows          int64 `json:"windows"`
	ContestedWindows int64 `json:"contested_windows"`
	TotalContenders  int64 `json:"total_contenders"`
	UndecidedWindows int64 `json:"undecided_windows"`
}

func GetCreditContentionStats(ctx context.Context) (*CreditContentionStats, error) {
	db := config.GetDB()
	var stats CreditContentionStats
	if err := db.WithContext(ctx).Model(&BrokerCreditCheck{}).
		Count(&stats.Windows).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&BrokerCreditCheck{}).
		Where("contender_count > 0").
		Count(&stats.ContestedWindows).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&BrokerCreditCheck{}).
		Select("COALESCE(SUM(contender_count), 0)").
		Scan(&stats.TotalContenders).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(&BrokerCreditCheck{}).
		Where("decided = 0").
		Count(&stats.UndecidedWindows).Error; err != nil {
		return nil, err
	}
	return &stats, nil
}
