package utils

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs go-playground/validator on any tagged input struct.
func ValidateStruct(input interface{}) error {
	return validate.Struct(input)
}

// check if id exists, using ctx's tenant_id in WHERE, return RecordNotFound Error
func ValidateResourceId[T any](ctx context.Context, tenantId string, id interface{}) error {

	count, err := ResourceCountWhere[T](ctx, tenantId, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

// check uniqueness of a column value within a tenant, excluding one id (0 = none)
func ValidateUnique[T any](ctx context.Context, tenantId string, column string, value interface{}, excludeId int) error {
	count, err := ResourceCountWhere[T](ctx, tenantId, column+" = ? AND id <> ?", value, excludeId)
	if err != nil {
		return err
	}
	if count > 0 {
		return errors.New(column + " already exists")
	}
	return nil
}
