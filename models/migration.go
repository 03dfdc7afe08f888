package models

import (
	"log"

	"github.com/haulflow/dispatch_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Tenant{},
		&QueueItem{}, &QueueItemArchive{},
		&CanonicalLoadContent{},
		&MatchCursor{},
		&Vehicle{}, &HuntPlan{},
		&LoadMatch{}, &MatchActionLog{},
		&BrokerCreditCheck{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
