package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&Outlet{}, &Product{},
		&InventoryPosition{}, &OutletSale{},
		&Transfer{}, &TransferLine{},
		&SyncRecord{},
		&AdvisorDecision{},
	)
}
