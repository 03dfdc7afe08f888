package models

import (
	"context"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/utils"
)

type VehicleSize string

const (
	VehicleSizeCargoVan      VehicleSize = "CARGO_VAN"
	VehicleSizeSprinter      VehicleSize = "SPRINTER"
	VehicleSizeSmallStraight VehicleSize = "SMALL_STRAIGHT"
	VehicleSizeLargeStraight VehicleSize = "LARGE_STRAIGHT"
	VehicleSizeTractor       VehicleSize = "TRACTOR"
)

// Vehicle is a dispatchable resource. Hunt plans reference one vehicle; inactive
// vehicles take their plans out of matching without deleting anything.
type Vehicle struct {
	ID        int         `gorm:"primary_key" json:"id"`
	TenantId  string      `gorm:"size:64;not null;index" json:"tenant_id"`
	UnitName  string      `gorm:"size:100;not null" json:"unit_name" binding:"required"`
	Size      VehicleSize `gorm:"type:enum('CARGO_VAN','SPRINTER','SMALL_STRAIGHT','LARGE_STRAIGHT','TRACTOR');not null" json:"size"`
	HomeZip   string      `gorm:"size:10" json:"home_zip"`
	IsActive  *bool       `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewVehicle struct {
	UnitName string      `json:"unit_name" binding:"required" validate:"required"`
	Size     VehicleSize `json:"size" binding:"required" validate:"required"`
	HomeZip  string      `json:"home_zip" validate:"omitempty,len=5"`
}

func CreateVehicle(ctx context.Context, input *NewVehicle) (*Vehicle, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if err := utils.ValidateUnique[Vehicle](ctx, tenantId, "unit_name", input.UnitName, 0); err != nil {
		return nil, err
	}

	db := config.GetDB()
	vehicle := Vehicle{
		TenantId: tenantId,
		UnitName: input.UnitName,
		Size:     input.Size,
		HomeZip:  input.HomeZip,
		IsActive: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&vehicle).Error; err != nil {
		return nil, err
	}
	return &vehicle, nil
}

func GetVehicle(ctx context.Context, id int) (*Vehicle, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	return utils.FetchModel[Vehicle](ctx, tenantId, id)
}

func ToggleActiveVehicle(ctx context.Context, id int, isActive bool) (*Vehicle, error) {
	tenantId, err := requireTenantId(ctx)
	if err != nil {
		return nil, err
	}
	vehicle, err := utils.FetchModel[Vehicle](ctx, tenantId, id)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(vehicle).
		Update("is_active", isActive).Error; err != nil {
		return nil, err
	}
	return vehicle, nil
}
