package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MaterialUsageEntry is one signed ledger line: positive consumes a lot, negative returns to it.
// Rows are never updated or deleted; corrections are offsetting entries.
type MaterialUsageEntry struct {
	ID                string          `gorm:"type:char(36);primary_key" json:"id"`
	Seq               int64           `gorm:"autoIncrement;uniqueIndex;index:idx_usage_lot_seq,priority:2;not null" json:"seq"`
	LotId             int             `gorm:"index:idx_usage_lot_seq,priority:1;not null" json:"lot_id"`
	SkuId             int             `gorm:"index;not null" json:"sku_id"`
	ProductionEventId string          `gorm:"type:char(36);index;not null" json:"production_event_id"`
	QuantityDelta     int             `gorm:"not null" json:"quantity_delta"`
	UnitCost          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	TotalCost         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_cost"`
	CorrelationId     string          `gorm:"size:64" json:"correlation_id,omitempty"`
	CreatedAt         time.Time       `gorm:"not null" json:"created_at"`
}

func (MaterialUsageEntry) TableName() string { return "material_usage_entries" }

func (e *MaterialUsageEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (e *MaterialUsageEntry) BeforeUpdate(tx *gorm.DB) error { return ErrLedgerImmutable }

func (e *MaterialUsageEntry) BeforeDelete(tx *gorm.DB) error { return ErrLedgerImmutable }

// IsReturn reports whether the entry gives material back to the lot.
func (e *MaterialUsageEntry) IsReturn() bool { return e.QuantityDelta < 0 }

// UsageCursor marks the last entry a reader has seen, so listing can resume after a restart.
// Seq is assigned by the database in insert order, so it never ties the way timestamps can.
type UsageCursor struct {
	Seq int64 `json:"seq"`
}

// CursorOf returns the position right after e.
func CursorOf(e *MaterialUsageEntry) *UsageCursor {
	return &UsageCursor{Seq: e.Seq}
}

// After reports whether e was appended after the cursor.
func (c *UsageCursor) After(e *MaterialUsageEntry) bool {
	if c == nil {
		return true
	}
	return e.Seq > c.Seq
}
