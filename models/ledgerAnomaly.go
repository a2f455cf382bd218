package models

import "time"

// LedgerAnomaly queues an inconsistent lot for manual reconciliation. The ledger itself is never rewritten.
type LedgerAnomaly struct {
	ID              int           `gorm:"primary_key" json:"id"`
	LotId           int           `gorm:"index;not null" json:"lot_id"`
	InitialQuantity int           `gorm:"not null" json:"initial_quantity"`
	NetUsed         int           `gorm:"not null" json:"net_used"`
	DetectedBy      string        `gorm:"size:100" json:"detected_by"`
	Status          AnomalyStatus `gorm:"size:10;index;not null;default:OPEN" json:"status"`
	CreatedAt       time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

func NewLedgerAnomaly(e *InconsistentLedgerError, detectedBy string) *LedgerAnomaly {
	return &LedgerAnomaly{
		LotId:           e.LotId,
		InitialQuantity: e.InitialQuantity,
		NetUsed:         e.NetUsed,
		DetectedBy:      detectedBy,
		Status:          AnomalyStatusOpen,
	}
}
