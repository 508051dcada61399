package models

import (
	"log"

	"github.com/mmdatafocus/invoice_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Supplier{},
		&Invoice{},
		&AuditEvent{},
		&Recommendation{},
		&ModelTraining{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
