package models

import (
	"time"

	"gorm.io/gorm"
)

type MatchActionType string

const (
	MatchActionCreated     MatchActionType = "CREATED"
	MatchActionStatusSet   MatchActionType = "STATUS_SET"
	MatchActionDeactivated MatchActionType = "DEACTIVATED"
	MatchActionNote        MatchActionType = "NOTE"
)

// MatchActionLog is the immutable audit trail for a match. Rows are only ever
// appended; there is no update or delete path in normal operation.
type MatchActionLog struct {
	ID         int             `gorm:"primary_key" json:"id"`
	TenantId   string          `gorm:"size:64;not null;index" json:"tenant_id"`
	MatchId    int             `gorm:"not null;index" json:"match_id"`
	Actor      string          `gorm:"size:100;not null" json:"actor"`
	ActionType MatchActionType `gorm:"type:enum('CREATED','STATUS_SET','DEACTIVATED','NOTE');not null" json:"action_type"`
	Details    string          `gorm:"type:text" json:"details"`
	CreatedAt  time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

// appendMatchAction writes one audit row inside the caller's transaction, so a
// state change and its log entry commit or roll back together.
func appendMatchAction(tx *gorm.DB, tenantId string, matchId int, actor string, action MatchActionType, details string) error {
	entry := MatchActionLog{
		TenantId:   tenantId,
		MatchId:    matchId,
		Actor:      actor,
		ActionType: action,
		Details:    details,
	}
	return tx.Create(&entry).Error
}
