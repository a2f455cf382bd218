package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SkuInventoryLog is the audit row written by every inventory action.
// The chain runs over available_quantity: each row's QuantityBefore equals the previous row's QuantityAfter.
type SkuInventoryLog struct {
	ID             string          `gorm:"type:char(36);primary_key" json:"id"`
	SkuId          int             `gorm:"uniqueIndex:idx_sku_log_seq,priority:1;not null" json:"sku_id"`
	Sequence       int             `gorm:"uniqueIndex:idx_sku_log_seq,priority:2;not null" json:"sequence"`
	Action         InventoryAction `gorm:"size:10;not null" json:"action"`
	QuantityChange int             `gorm:"not null" json:"quantity_change"`
	QuantityBefore int             `gorm:"not null" json:"quantity_before"`
	QuantityAfter  int             `gorm:"not null" json:"quantity_after"`
	TotalBefore    int             `gorm:"not null" json:"total_before"`
	TotalAfter     int             `gorm:"not null" json:"total_after"`
	ReasonCode     DestroyReason   `gorm:"size:10" json:"reason_code,omitempty"`
	Note           string          `gorm:"size:255" json:"note,omitempty"`
	ReferenceIds   datatypes.JSON  `json:"reference_ids"`
	CreatedBy      string          `gorm:"size:100" json:"created_by"`
	CorrelationId  string          `gorm:"size:64" json:"correlation_id,omitempty"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
}

func (l *SkuInventoryLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

func (l *SkuInventoryLog) BeforeUpdate(tx *gorm.DB) error { return ErrLedgerImmutable }

func (l *SkuInventoryLog) BeforeDelete(tx *gorm.DB) error { return ErrLedgerImmutable }

// SetReferenceIds stores the touched lot ids as a JSON array ([] when none).
func (l *SkuInventoryLog) SetReferenceIds(lotIds []int) error {
	if lotIds == nil {
		lotIds = []int{}
	}
	b, err := json.Marshal(lotIds)
	if err != nil {
		return err
	}
	l.ReferenceIds = datatypes.JSON(b)
	return nil
}

func (l *SkuInventoryLog) LotIds() ([]int, error) {
	if len(l.ReferenceIds) == 0 {
		return []int{}, nil
	}
	var ids []int
	if err := json.Unmarshal(l.ReferenceIds, &ids); err != nil {
		return nil, fmt.Errorf("decode reference ids of log %s: %w", l.ID, err)
	}
	return ids, nil
}

// VerifyLogChain checks one SKU's log rows, ordered by sequence.
func VerifyLogChain(entries []*SkuInventoryLog) error {
	for i, e := range entries {
		if e.QuantityBefore+e.QuantityChange != e.QuantityAfter {
			return fmt.Errorf("%w: sku %d seq %d: %d%+d != %d",
				ErrBrokenLogChain, e.SkuId, e.Sequence, e.QuantityBefore, e.QuantityChange, e.QuantityAfter)
		}
		if e.QuantityAfter < 0 || e.TotalAfter < 0 {
			return fmt.Errorf("%w: sku %d seq %d: negative counter", ErrBrokenLogChain, e.SkuId, e.Sequence)
		}
		if i == 0 {
			if e.Sequence != 1 || e.QuantityBefore != 0 || e.TotalBefore != 0 {
				return fmt.Errorf("%w: sku %d: chain does not start at zero", ErrBrokenLogChain, e.SkuId)
			}
			continue
		}
		prev := entries[i-1]
		if e.SkuId != prev.SkuId {
			return fmt.Errorf("%w: mixed skus %d and %d", ErrBrokenLogChain, prev.SkuId, e.SkuId)
		}
		if e.Sequence != prev.Sequence+1 {
			return fmt.Errorf("%w: sku %d: sequence %d follows %d", ErrBrokenLogChain, e.SkuId, e.Sequence, prev.Sequence)
		}
		if e.QuantityBefore != prev.QuantityAfter || e.TotalBefore != prev.TotalAfter {
			return fmt.Errorf("%w: sku %d seq %d: before %d != previous after %d",
				ErrBrokenLogChain, e.SkuId, e.Sequence, e.QuantityBefore, prev.QuantityAfter)
		}
	}
	return nil
}
