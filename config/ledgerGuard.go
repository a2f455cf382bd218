package config

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// LedgerGuardPlugin rejects UPDATE and DELETE statements against append-only tables.
//
// NOTE:
// - This does NOT apply to Raw/Exec SQL. Repository code never issues those for guarded tables.
// - Corrections are appended as offsetting rows, never edits.
type LedgerGuardPlugin struct {
	tables map[string]bool
}

func NewLedgerGuardPlugin(appendOnlyTables ...string) *LedgerGuardPlugin {
	p := &LedgerGuardPlugin{tables: map[string]bool{}}
	for _, t := range appendOnlyTables {
		p.tables[strings.ToLower(t)] = true
	}
	return p
}

func (p *LedgerGuardPlugin) Name() string { return "ledger_guard" }

func (p *LedgerGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("ledger_guard:update", p.guard("update")); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("ledger_guard:delete", p.guard("delete")); err != nil {
		return err
	}
	return nil
}

func (p *LedgerGuardPlugin) guard(op string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		if db == nil || db.Statement == nil {
			return
		}
		table := db.Statement.Table
		if table == "" && db.Statement.Schema != nil {
			table = db.Statement.Schema.Table
		}
		if !p.tables[strings.ToLower(table)] {
			return
		}
		_ = db.AddError(fmt.Errorf("ledger guard: %s on append-only table %q is not allowed", op, table))
	}
}
