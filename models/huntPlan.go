package models

import (
	"context"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/utils"
)

// HuntPlan is a tenant-defined standing search: match inbound loads whose origin
// falls within RadiusMiles of the plan's zip and whose size fits the plan's
// vehicle.
type HuntPlan struct {
	ID          int         `gorm:"primary_key" json:"id"`
	TenantId    string      `gorm:"size:64;not null;index" json:"tenant_id"`
	Name        string      `gorm:"size:100;not null" json:"name" binding:"required"`
	VehicleId   int         `gorm:"not null;index" json:"vehicle_id"`
	Vehicle     *Vehicle    `gorm:"foreignKey:VehicleId" json:"vehicle,omitempty"`
	OriginZip   string      `gorm:"size:10;not null" json:"origin_zip"`
	RadiusMiles int         `gorm:"not null;default:100" json:"radius_miles"`
	VehicleSize VehicleSize `gorm:"type:enum('CARGO_VAN','SPRINTER','SMALL_STRAIGHT','LARGE_STRAIGHT','TRACTOR');not null" json:"vehicle_size"`
	Enabled     *bool       `gorm:"not null;default:true;index" json:"enabled"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewHuntPlan struct {
	Name        string      `json:"name" binding:"required" validate:"required"`
	VehicleId   int         `json:"vehicle_id" binding:"required" validate:"required,gt=0"`
	OriginZip   string      `json:"origin_zip" binding:"required" validate:"required,len=5"`
	RadiusMiles int         `json:"radius_miles" validate:"omitempty,gt=0,lte=500"`
	VehicleSize VehicleSize `json:"vehicle_size" binding:"required" validate:"required"`
}

func (input *NewHuntPlan) validate(ctx context.Context, tenantId string) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	return utils.ValidateResourceId[Vehicle](ctx, tenantId, input.VehicleId)
}

func CreateHuntPlan(ctx context.Context, input *NewHuntPlan) (*HuntPlan, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, tenantId); err != nil {
		return nil, err
	}

	radius := input.RadiusMiles
	if radius <= 0 {
		radius = 100
	}

	db := config.GetDB()
	plan := HuntPlan{
		TenantId:    tenantId,
		Name:        input.Name,
		VehicleId:   input.VehicleId,
		OriginZip:   input.OriginZip,
		RadiusMiles: radius,
		VehicleSize: input.VehicleSize,
		Enabled:     utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func UpdateHuntPlan(ctx context.Context, id int, input *NewHuntPlan) (*HuntPlan, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := utils.FetchModel[HuntPlan](ctx, tenantId, id)
	if err != nil {
		return nil, err
	}
	if err := input.validate(ctx, tenantId); err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(plan).Updates(map[string]interface{}{
		"name":         input.Name,
		"vehicle_id":   input.VehicleId,
		"origin_zip":   input.OriginZip,
		"radius_miles": input.RadiusMiles,
		"vehicle_size": input.VehicleSize,
	}).Error; err != nil {
		return nil, err
	}
	return plan, nil
}

func ToggleHuntPlan(ctx context.Context, id int, enabled bool) (*HuntPlan, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := utils.FetchModel[HuntPlan](ctx, tenantId, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(plan).
		Update("enabled", enabled).Error; err != nil {
		return nil, err
	}
	return plan, nil
}

func GetHuntPlan(ctx context.Context, id int) (*HuntPlan, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchModel[HuntPlan](ctx, tenantId, id, "Vehicle")
}

// ListEnabledHuntPlans returns the matching candidates for one tenant: enabled
// plans whose vehicle is active.
func ListEnabledHuntPlans(ctx context.Context, tenantId string) ([]*HuntPlan, error) {
	db := config.GetDB()
	var plans []*HuntPlan
	err := db.WithContext(ctx).
		Joins("JOIN vehicles ON vehicles.id = hunt_plans.vehicle_id AND vehicles.is_active = 1").
		Where("hunt_plans.tenant_id = ? AND hunt_plans.enabled = 1", tenantId).
		Preload("Vehicle").
		Find(&plans).Error
	return plans, err
}
