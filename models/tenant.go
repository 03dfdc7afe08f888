package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/utils"
)

// Tenant is one dispatching company. Every tenant-scoped table carries tenant_id
// and is filtered by the tenant guard plugin.
type Tenant struct {
	ID        uuid.UUID `gorm:"primary_key;type:char(36)" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email     string    `gorm:"size:100;not null" json:"email" binding:"required"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewTenant struct {
	Name  string `json:"name" binding:"required"`
	Email string `json:"email" binding:"required,email"`
}

func CreateTenant(ctx context.Context, input *NewTenant) (*Tenant, error) {
	db := config.GetDB()
	tenant := Tenant{
		ID:       uuid.New(),
		Name:     input.Name,
		Email:    input.Email,
		IsActive: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&tenant).Error; err != nil {
		return nil, err
	}

	// A fresh tenant starts with an empty match cursor so backfill runs exactly once.
	if _, err := EnsureMatchCursor(ctx, tenant.ID.String()); err != nil {
		return nil, err
	}
	return &tenant, nil
}

func GetTenant(ctx context.Context, id string) (*Tenant, error) {
	db := config.GetDB()
	var tenant Tenant
	if err := db.WithContext(ctx).Where("id = ?", id).First(&tenant).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &tenant, nil
}

// ListActiveTenantIds is used by workers to enumerate tenants for backfill and
// match-expiry sweeps. Bypasses tenant scoping by construction (no tenant in ctx).
func ListActiveTenantIds(ctx context.Context) ([]string, error) {
	db := config.GetDB()
	var ids []string
	err := db.WithContext(ctx).Model(&Tenant{}).
		Where("is_active = 1").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func requireTenantId(ctx context.Context) (string, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return "", errors.New("tenant id is required")
	}
	return tenantId, nil
}
