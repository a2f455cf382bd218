package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/utils"
)

// Sku is a sellable unit assembled from purchase lots. Its counters move only through inventory actions.
type Sku struct {
	ID                int                `gorm:"primary_key" json:"id"`
	Code              string             `gorm:"size:50;uniqueIndex;not null" json:"code"`
	TotalQuantity     int                `gorm:"not null;default:0" json:"total_quantity"`
	AvailableQuantity int                `gorm:"not null;default:0" json:"available_quantity"`
	Version           int                `gorm:"not null;default:1" json:"version"`
	MaterialRatios    []SkuMaterialRatio `gorm:"foreignKey:SkuId" json:"material_ratios"`
	CreatedAt         time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

// SkuMaterialRatio is one line of the per-unit recipe, fixed when the SKU is first created.
type SkuMaterialRatio struct {
	ID              int `gorm:"primary_key" json:"id"`
	SkuId           int `gorm:"uniqueIndex:idx_sku_lot;not null" json:"sku_id"`
	LotId           int `gorm:"uniqueIndex:idx_sku_lot;not null" json:"lot_id"`
	QuantityPerUnit int `gorm:"not null" json:"quantity_per_unit"`
}

// RatioFor returns the per-unit consumption of lotId, or 0 when the lot is not in the recipe.
func (s *Sku) RatioFor(lotId int) int {
	for _, r := range s.MaterialRatios {
		if r.LotId == lotId {
			return r.QuantityPerUnit
		}
	}
	return 0
}

// RecipeLotIds returns the recipe's lot ids in ascending order (the lock order).
func (s *Sku) RecipeLotIds() []int {
	ids := make([]int, 0, len(s.MaterialRatios))
	for _, r := range s.MaterialRatios {
		ids = append(ids, r.LotId)
	}
	return utils.SortedUnique(ids)
}

// RecipeLine is one chosen lot in a create request.
type RecipeLine struct {
	LotId           int `json:"lot_id" validate:"gt=0"`
	QuantityPerUnit int `json:"quantity_per_unit" validate:"gt=0"`
}

type NewSku struct {
	Code     string       `json:"code" validate:"required,max=50"`
	Quantity int          `json:"quantity"`
	Recipe   []RecipeLine `json:"recipe" validate:"dive"`
}

// ToRatios validates the recipe and returns it sorted by lot id.
func (input *NewSku) ToRatios() ([]SkuMaterialRatio, error) {
	input.Code = strings.TrimSpace(input.Code)
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	if input.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if len(input.Recipe) == 0 {
		return nil, ErrEmptyRecipe
	}
	seen := make(map[int]bool, len(input.Recipe))
	ratios := make([]SkuMaterialRatio, 0, len(input.Recipe))
	for _, line := range input.Recipe {
		if seen[line.LotId] {
			return nil, fmt.Errorf("recipe lists lot %d more than once", line.LotId)
		}
		seen[line.LotId] = true
		ratios = append(ratios, SkuMaterialRatio{LotId: line.LotId, QuantityPerUnit: line.QuantityPerUnit})
	}
	sort.Slice(ratios, func(i, j int) bool { return ratios[i].LotId < ratios[j].LotId })
	return ratios, nil
}
