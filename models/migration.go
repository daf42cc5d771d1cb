package models

import (
	"log"

	"bitbucket.org/mmdatafocus/loans_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&LoanApplication{}, &Folder{}, &File{},
		&Customer{}, &Employee{}, &User{},
		&Notification{}, &Setting{}, &History{},
		&WorkflowEventRecord{}, &CleanupRollbackRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
