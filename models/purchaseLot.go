package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PurchaseLot is one raw-material purchase batch. Quantity and cost facts never change after insert;
// only Status moves, and it is a convenience flag derived from the ledger.
type PurchaseLot struct {
	ID              int             `gorm:"primary_key" json:"id"`
	Code            string          `gorm:"size:50;uniqueIndex;not null" json:"code"`
	MaterialKind    MaterialKind    `gorm:"size:20;index;not null" json:"material_kind"`
	InitialQuantity int             `gorm:"not null" json:"initial_quantity"`
	UnitCost        decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_cost"`
	TotalCost       decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"total_cost"`
	Status          LotStatus       `gorm:"size:10;index;not null;default:ACTIVE" json:"status"`
	Attributes      datatypes.JSON  `json:"attributes"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeUpdate rejects any change to the purchase facts; status is the only mutable column.
func (lot *PurchaseLot) BeforeUpdate(tx *gorm.DB) error {
	if tx == nil || tx.Statement == nil {
		return nil
	}
	if tx.Statement.Changed("Code", "MaterialKind", "InitialQuantity", "UnitCost", "TotalCost", "Attributes") {
		return ErrLotImmutable
	}
	return nil
}

// Spec decodes the tagged variant for this lot.
func (lot *PurchaseLot) Spec() (MaterialSpec, error) {
	return DecodeMaterialSpec(lot.MaterialKind, lot.InitialQuantity, lot.Attributes)
}

// LineCost prices a signed quantity at this lot's unit cost.
func (lot *PurchaseLot) LineCost(qty int) decimal.Decimal {
	return lot.UnitCost.Mul(decimal.NewFromInt(int64(qty)))
}

type NewPurchaseLot struct {
	Code            string          `json:"code" validate:"required,max=50"`
	MaterialKind    MaterialKind    `json:"material_kind" validate:"required"`
	InitialQuantity int             `json:"initial_quantity" validate:"gt=0"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	Attributes      json.RawMessage `json:"attributes,omitempty"`
}

// NewPurchaseLotFromSpec builds the input from a typed variant.
func NewPurchaseLotFromSpec(code string, spec MaterialSpec, unitCost decimal.Decimal) (*NewPurchaseLot, error) {
	attrs, err := encodeSpecAttributes(spec)
	if err != nil {
		return nil, err
	}
	return &NewPurchaseLot{
		Code:            code,
		MaterialKind:    spec.Kind(),
		InitialQuantity: spec.Units(),
		UnitCost:        unitCost,
		Attributes:      attrs,
	}, nil
}

func (input *NewPurchaseLot) validate() (MaterialSpec, error) {
	input.Code = strings.TrimSpace(input.Code)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if !input.MaterialKind.IsValid() {
		return nil, fmt.Errorf("invalid material kind %q", input.MaterialKind)
	}
	if input.UnitCost.IsNegative() {
		return nil, fmt.Errorf("unit cost cannot be negative")
	}
	spec, err := DecodeMaterialSpec(input.MaterialKind, input.InitialQuantity, input.Attributes)
	if err != nil {
		return nil, err
	}
	return spec, nil
}

// ToPurchaseLot validates the input and returns the row to insert.
func (input *NewPurchaseLot) ToPurchaseLot() (*PurchaseLot, error) {
	spec, err := input.validate()
	if err != nil {
		return nil, err
	}
	attrs, err := encodeSpecAttributes(spec)
	if err != nil {
		return nil, err
	}
	lot := &PurchaseLot{
		Code:            input.Code,
		MaterialKind:    spec.Kind(),
		InitialQuantity: spec.Units(),
		UnitCost:        input.UnitCost,
		Status:          LotStatusActive,
		Attributes:      datatypes.JSON(attrs),
	}
	lot.TotalCost = lot.LineCost(lot.InitialQuantity)
	return lot, nil
}
