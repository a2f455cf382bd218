package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterialSpec_RoundTripThroughPurchaseLot(t *testing.T) {
	specs := []models.MaterialSpec{
		models.LooseBeadsSpec{Beads: 48, DiameterMm: decimal.RequireFromString("6.5")},
		models.BraceletSpec{Pieces: 12, BeadsPerPiece: 20},
		models.AccessorySpec{Pieces: 30, Finish: "gold"},
		models.FinishedGoodSpec{Pieces: 5},
	}
	for _, spec := range specs {
		t.Run(string(spec.Kind()), func(t *testing.T) {
			input, err := models.NewPurchaseLotFromSpec("LOT-"+string(spec.Kind()), spec, decimal.RequireFromString("0.25"))
			require.NoError(t, err)
			lot, err := input.ToPurchaseLot()
			require.NoError(t, err)

			assert.Equal(t, spec.Kind(), lot.MaterialKind)
			assert.Equal(t, spec.Units(), lot.InitialQuantity)
			assert.Equal(t, models.LotStatusActive, lot.Status)
			assert.True(t, lot.TotalCost.Equal(decimal.RequireFromString("0.25").Mul(decimal.NewFromInt(int64(spec.Units())))))

			decoded, err := lot.Spec()
			require.NoError(t, err)
			assert.Equal(t, spec.UnitLabel(), decoded.UnitLabel())
			assert.Equal(t, spec.Units(), decoded.Units())
		})
	}
}

func TestMaterialSpec_UnitLabels(t *testing.T) {
	assert.Equal(t, models.UnitLabelBeads, models.LooseBeadsSpec{}.UnitLabel())
	assert.Equal(t, models.UnitLabelPieces, models.BraceletSpec{}.UnitLabel())
	assert.Equal(t, models.UnitLabelPieces, models.AccessorySpec{}.UnitLabel())
	assert.Equal(t, models.UnitLabelPieces, models.FinishedGoodSpec{}.UnitLabel())
}

func TestDecodeMaterialSpec_KeepsKindSpecificFields(t *testing.T) {
	spec, err := models.DecodeMaterialSpec(models.MaterialKindBracelet, 4, []byte(`{"beads_per_piece": 18}`))
	require.NoError(t, err)
	bracelet, ok := spec.(models.BraceletSpec)
	require.True(t, ok, "expected BraceletSpec, got %T", spec)
	assert.Equal(t, models.Pieces(4), bracelet.Pieces)
	assert.Equal(t, 18, bracelet.BeadsPerPiece)

	_, err = models.DecodeMaterialSpec(models.MaterialKind("Weight"), 1, nil)
	assert.Error(t, err)
}

func TestNewPurchaseLot_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		input models.NewPurchaseLot
	}{
		{name: "zero quantity", input: models.NewPurchaseLot{Code: "A", MaterialKind: models.MaterialKindLooseBeads, InitialQuantity: 0}},
		{name: "missing code", input: models.NewPurchaseLot{Code: "  ", MaterialKind: models.MaterialKindLooseBeads, InitialQuantity: 5}},
		{name: "unknown kind", input: models.NewPurchaseLot{Code: "A", MaterialKind: "Weight", InitialQuantity: 5}},
		{name: "negative cost", input: models.NewPurchaseLot{Code: "A", MaterialKind: models.MaterialKindAccessory, InitialQuantity: 5, UnitCost: decimal.NewFromInt(-1)}},
		{name: "malformed attributes", input: models.NewPurchaseLot{Code: "A", MaterialKind: models.MaterialKindAccessory, InitialQuantity: 5, Attributes: []byte(`[1,2]`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			input := tc.input
			_, err := input.ToPurchaseLot()
			assert.Error(t, err)
		})
	}
}

func TestParseDestroyReason_ClosedSet(t *testing.T) {
	for _, code := range []string{"GIFT", "LOST", "REWORK", "OTHER"} {
		_, err := models.ParseDestroyReason(code)
		assert.NoError(t, err, code)
	}
	// Free text never maps to a policy, even when it mentions one.
	for _, text := range []string{"gift", "given as a gift", "rework needed", ""} {
		_, err := models.ParseDestroyReason(text)
		assert.Error(t, err, text)
	}
}

func TestParseInventoryAction(t *testing.T) {
	a, err := models.ParseInventoryAction(" restock ")
	require.NoError(t, err)
	assert.Equal(t, models.InventoryActionRestock, a)
	assert.True(t, a.ConsumesMaterial())
	assert.False(t, models.InventoryActionSell.ConsumesMaterial())

	_, err = models.ParseInventoryAction("MOVE")
	assert.Error(t, err)
}

func TestNewSku_ToRatios(t *testing.T) {
	input := &models.NewSku{Code: "BR-1", Quantity: 2, Recipe: []models.RecipeLine{{LotId: 9, QuantityPerUnit: 1}, {LotId: 3, QuantityPerUnit: 4}}}
	ratios, err := input.ToRatios()
	require.NoError(t, err)
	require.Len(t, ratios, 2)
	assert.Equal(t, 3, ratios[0].LotId)
	assert.Equal(t, 9, ratios[1].LotId)

	_, err = (&models.NewSku{Code: "BR-1", Quantity: 0, Recipe: input.Recipe}).ToRatios()
	assert.True(t, errors.Is(err, models.ErrInvalidQuantity))

	_, err = (&models.NewSku{Code: "BR-1", Quantity: 1}).ToRatios()
	assert.True(t, errors.Is(err, models.ErrEmptyRecipe))

	_, err = (&models.NewSku{Code: "BR-1", Quantity: 1, Recipe: []models.RecipeLine{{LotId: 1, QuantityPerUnit: 1}, {LotId: 1, QuantityPerUnit: 2}}}).ToRatios()
	assert.Error(t, err)

	_, err = (&models.NewSku{Code: "BR-1", Quantity: 1, Recipe: []models.RecipeLine{{LotId: 1, QuantityPerUnit: 0}}}).ToRatios()
	assert.Error(t, err)
}
