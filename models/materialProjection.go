package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// MaterialProjection is the denormalized listing row of a purchase lot.
// It is a cache: BuildMaterialProjection over the lot and the ledger can always recreate it.
type MaterialProjection struct {
	LotId             int             `gorm:"primaryKey;autoIncrement:false" json:"lot_id"`
	Code              string          `gorm:"size:50;not null" json:"code"`
	MaterialKind      MaterialKind    `gorm:"size:20;index;not null" json:"material_kind"`
	UnitLabel         string          `gorm:"size:10;not null" json:"unit_label"`
	Attributes        datatypes.JSON  `json:"attributes"`
	InitialQuantity   int             `gorm:"not null" json:"initial_quantity"`
	NetUsed           int             `gorm:"not null" json:"net_used"`
	RemainingQuantity int             `gorm:"not null" json:"remaining_quantity"`
	Anomaly           bool            `gorm:"not null" json:"anomaly"`
	UnitCost          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	TotalCost         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_cost"`
	RemainingCost     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"remaining_cost"`
	Status            LotStatus       `gorm:"size:10;not null" json:"status"`
	Checksum          string          `gorm:"size:64;not null" json:"checksum"`
}

// canonicalProjection fixes field order and number formatting so equal inputs hash equally
// whether the row came from memory or from a decimal(20,4) column.
type canonicalProjection struct {
	LotId             int             `json:"lot_id"`
	Code              string          `json:"code"`
	MaterialKind      MaterialKind    `json:"material_kind"`
	UnitLabel         string          `json:"unit_label"`
	Attributes        json.RawMessage `json:"attributes"`
	InitialQuantity   int             `json:"initial_quantity"`
	NetUsed           int             `json:"net_used"`
	RemainingQuantity int             `json:"remaining_quantity"`
	Anomaly           bool            `json:"anomaly"`
	UnitCost          string          `json:"unit_cost"`
	TotalCost         string          `json:"total_cost"`
	RemainingCost     string          `json:"remaining_cost"`
	Status            LotStatus       `json:"status"`
}

// BuildMaterialProjection derives the row from the lot and its computed balance. It reads nothing else.
func BuildMaterialProjection(lot *PurchaseLot, bal LotBalance) (*MaterialProjection, error) {
	if lot == nil {
		return nil, ErrLotNotFound
	}
	if bal.LotId != lot.ID || bal.InitialQuantity != lot.InitialQuantity {
		return nil, fmt.Errorf("balance of lot %d does not belong to lot %d", bal.LotId, lot.ID)
	}
	spec, err := lot.Spec()
	if err != nil {
		return nil, err
	}
	attrs, err := canonicalAttributes(lot.Attributes)
	if err != nil {
		return nil, fmt.Errorf("canonicalize attributes of lot %d: %w", lot.ID, err)
	}
	p := &MaterialProjection{
		LotId:             lot.ID,
		Code:              lot.Code,
		MaterialKind:      spec.Kind(),
		UnitLabel:         spec.UnitLabel(),
		Attributes:        datatypes.JSON(attrs),
		InitialQuantity:   lot.InitialQuantity,
		NetUsed:           bal.NetUsed,
		RemainingQuantity: bal.Remaining,
		Anomaly:           bal.Anomaly,
		UnitCost:          lot.UnitCost,
		TotalCost:         lot.TotalCost,
		RemainingCost:     lot.LineCost(bal.Remaining),
		Status:            LotStatusFor(bal.Remaining),
	}
	p.Checksum, err = p.ComputeChecksum()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CanonicalBytes is the stable encoding the checksum is taken over.
func (p *MaterialProjection) CanonicalBytes() ([]byte, error) {
	attrs, err := canonicalAttributes(p.Attributes)
	if err != nil {
		return nil, err
	}
	return json.Marshal(canonicalProjection{
		LotId:             p.LotId,
		Code:              p.Code,
		MaterialKind:      p.MaterialKind,
		UnitLabel:         p.UnitLabel,
		Attributes:        attrs,
		InitialQuantity:   p.InitialQuantity,
		NetUsed:           p.NetUsed,
		RemainingQuantity: p.RemainingQuantity,
		Anomaly:           p.Anomaly,
		UnitCost:          p.UnitCost.StringFixed(4),
		TotalCost:         p.TotalCost.StringFixed(4),
		RemainingCost:     p.RemainingCost.StringFixed(4),
		Status:            p.Status,
	})
}

func (p *MaterialProjection) ComputeChecksum() (string, error) {
	b, err := p.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Stale reports whether the stored row no longer matches a freshly built one.
func (p *MaterialProjection) Stale(fresh *MaterialProjection) bool {
	return p == nil || fresh == nil || p.Checksum != fresh.Checksum
}
