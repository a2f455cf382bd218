package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/material_ledger/models"
)

// CreatePurchaseLot records a purchase batch. Its quantity and cost never change afterwards.
func (e *Engine) CreatePurchaseLot(ctx context.Context, input *models.NewPurchaseLot) (*models.PurchaseLot, error) {
	lot, err := input.ToPurchaseLot()
	if err != nil {
		return nil, err
	}
	_, err = e.execute(ctx, "CreatePurchaseLot", "", func(ctx context.Context, tx models.InventoryTx, res *ActionResult) error {
		if err := tx.CreatePurchaseLot(ctx, lot); err != nil {
			return err
		}
		res.TouchedLots = []int{lot.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lot, nil
}
