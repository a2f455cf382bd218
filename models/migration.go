package models

import (
	"log"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"gorm.io/gorm"
)

// AppendOnlyTables never accept UPDATE or DELETE through gorm.
var AppendOnlyTables = []string{"material_usage_entries", "sku_inventory_logs"}

func MigrateTable() {
	db := config.GetDB()

	if err := Migrate(db); err != nil {
		log.Fatal(err)
	}
	if err := InstallLedgerGuard(db); err != nil {
		log.Fatal(err)
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PurchaseLot{},
		&MaterialUsageEntry{},
		&Sku{}, &SkuMaterialRatio{}, &SkuInventoryLog{},
		&MaterialProjection{},
		&LedgerAnomaly{},
	)
}

// InstallLedgerGuard registers the callbacks that refuse edits to the ledger and audit tables.
func InstallLedgerGuard(db *gorm.DB) error {
	if _, ok := db.Config.Plugins["ledger_guard"]; ok {
		return nil
	}
	return db.Use(config.NewLedgerGuardPlugin(AppendOnlyTables...))
}
