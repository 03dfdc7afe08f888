package utils

import (
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

// IsDuplicateKeyErr reports MySQL error 1062 (duplicate entry on a unique key).
// Callers treat it as confirmation of a prior success, not failure: duplicate
// ingress, concurrent first-sighting of a fingerprint and lost leader elections
// all surface here.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
