package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"bitbucket.org/mmdatafocus/material_ledger/models"
	"bitbucket.org/mmdatafocus/material_ledger/utils"
	"github.com/google/uuid"
)

// InventoryActionRequest is the single entry point for SKU mutations.
// SkuCode and Recipe are read for CREATE only; ReasonCode and LotSelection for DESTROY only.
type InventoryActionRequest struct {
	SkuId        int                    `json:"sku_id"`
	Action       models.InventoryAction `json:"action" validate:"required"`
	Quantity     int                    `json:"quantity"`
	ReasonCode   models.DestroyReason   `json:"reason_code,omitempty"`
	LotSelection []LotSelection         `json:"lot_selection,omitempty"`
	Note         string                 `json:"note,omitempty" validate:"max=255"`
	SkuCode      string                 `json:"sku_code,omitempty"`
	Recipe       []models.RecipeLine    `json:"recipe,omitempty"`
}

// Apply dispatches on the action and returns the audit entry it wrote.
func (e *Engine) Apply(ctx context.Context, req InventoryActionRequest) (*models.SkuInventoryLog, error) {
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, err
	}
	var (
		res *ActionResult
		err error
	)
	switch req.Action {
	case models.InventoryActionCreate:
		res, err = e.CreateSku(ctx, &models.NewSku{Code: req.SkuCode, Quantity: req.Quantity, Recipe: req.Recipe}, req.Note)
	case models.InventoryActionAdjust:
		res, err = e.AdjustSku(ctx, req.SkuId, req.Quantity, req.Note)
	case models.InventoryActionRestock:
		res, err = e.RestockSku(ctx, req.SkuId, req.Quantity, req.Note)
	case models.InventoryActionSell:
		res, err = e.SellSku(ctx, req.SkuId, req.Quantity, req.Note)
	case models.InventoryActionDestroy:
		res, err = e.DestroySku(ctx, req.SkuId, req.Quantity, req.ReasonCode, req.LotSelection, req.Note)
	default:
		return nil, fmt.Errorf("invalid inventory action %q", req.Action)
	}
	if err != nil {
		return nil, err
	}
	return res.Log, nil
}

// CreateSku produces the first units of a SKU and fixes its per-unit recipe for good.
func (e *Engine) CreateSku(ctx context.Context, input *models.NewSku, note string) (*ActionResult, error) {
	ratios, err := input.ToRatios()
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, "CreateSku", "sku:code:"+input.Code, func(ctx context.Context, tx models.InventoryTx, res *ActionResult) error {
		if _, err := tx.GetSkuByCode(ctx, input.Code); err == nil {
			return fmt.Errorf("%w: %s", models.ErrSkuAlreadyExists, input.Code)
		} else if !errors.Is(err, models.ErrSkuNotFound) {
			return err
		}
		sku := &models.Sku{
			Code:              input.Code,
			TotalQuantity:     input.Quantity,
			AvailableQuantity: input.Quantity,
			Version:           1,
			MaterialRatios:    ratios,
		}
		if err := tx.CreateSku(ctx, sku); err != nil {
			return err
		}
		eventId := uuid.NewString()
		if err := e.consume(ctx, tx, sku, input.Quantity, eventId, res); err != nil {
			return err
		}
		return e.writeLog(ctx, tx, res, sku, eventId, models.InventoryActionCreate, 0, 0, "", note, sku.RecipeLotIds())
	})
}

// AdjustSku produces qty more units at the fixed recipe.
func (e *Engine) AdjustSku(ctx context.Context, skuId, qty int, note string) (*ActionResult, error) {
	return e.produce(ctx, models.InventoryActionAdjust, skuId, qty, note)
}

// RestockSku is AdjustSku recorded under the RESTOCK action.
func (e *Engine) RestockSku(ctx context.Context, skuId, qty int, note string) (*ActionResult, error) {
	return e.produce(ctx, models.InventoryActionRestock, skuId, qty, note)
}

func (e *Engine) produce(ctx context.Context, action models.InventoryAction, skuId, qty int, note string) (*ActionResult, error) {
	if qty <= 0 {
		return nil, models.ErrInvalidQuantity
	}
	return e.execute(ctx, string(action), skuLockKey(skuId), func(ctx context.Context, tx models.InventoryTx, res *ActionResult) error {
		sku, err := tx.GetSku(ctx, skuId)
		if err != nil {
			return err
		}
		if len(sku.MaterialRatios) == 0 {
			return fmt.Errorf("%w: sku %d", models.ErrEmptyRecipe, sku.ID)
		}
		totalBefore, availableBefore, version := sku.TotalQuantity, sku.AvailableQuantity, sku.Version
		eventId := uuid.NewString()
		if err := e.consume(ctx, tx, sku, qty, eventId, res); err != nil {
			return err
		}
		sku.TotalQuantity += qty
		sku.AvailableQuantity += qty
		if err := tx.UpdateSkuCounters(ctx, sku, version); err != nil {
			return err
		}
		return e.writeLog(ctx, tx, res, sku, eventId, action, totalBefore, availableBefore, "", note, sku.RecipeLotIds())
	})
}

// SellSku takes units off sale. The units still exist, so total and the ledger are untouched.
func (e *Engine) SellSku(ctx context.Context, skuId, qty int, note string) (*ActionResult, error) {
	if qty <= 0 {
		return nil, models.ErrInvalidQuantity
	}
	return e.execute(ctx, "SellSku", skuLockKey(skuId), func(ctx context.Context, tx models.InventoryTx, res *ActionResult) error {
		sku, err := tx.GetSku(ctx, skuId)
		if err != nil {
			return err
		}
		if qty > sku.AvailableQuantity {
			return fmt.Errorf("%w: sku %d has %d available, requested %d",
				models.ErrInsufficientSkuQuantity, sku.ID, sku.AvailableQuantity, qty)
		}
		totalBefore, availableBefore, version := sku.TotalQuantity, sku.AvailableQuantity, sku.Version
		sku.AvailableQuantity -= qty
		if err := tx.UpdateSkuCounters(ctx, sku, version); err != nil {
			return err
		}
		return e.writeLog(ctx, tx, res, sku, uuid.NewString(), models.InventoryActionSell, totalBefore, availableBefore, "", note, nil)
	})
}

// DestroySku removes units and returns material according to the reason's policy.
func (e *Engine) DestroySku(ctx context.Context, skuId, qty int, reason models.DestroyReason, selection []LotSelection, note string) (*ActionResult, error) {
	if qty <= 0 {
		return nil, models.ErrInvalidQuantity
	}
	if !reason.IsValid() {
		return nil, fmt.Errorf("invalid destroy reason %q", reason)
	}
	return e.execute(ctx, "DestroySku", skuLockKey(skuId), func(ctx context.Context, tx models.InventoryTx, res *ActionResult) error {
		sku, err := tx.GetSku(ctx, skuId)
		if err != nil {
			return err
		}
		if qty > sku.AvailableQuantity || qty > sku.TotalQuantity {
			return fmt.Errorf("%w: sku %d has %d available, requested %d",
				models.ErrInsufficientSkuQuantity, sku.ID, sku.AvailableQuantity, qty)
		}
		held, err := tx.SkuLotNetConsumed(ctx, sku.ID)
		if err != nil {
			return err
		}
		candidates := make([]CandidateLot, 0, len(sku.MaterialRatios))
		for _, r := range sku.MaterialRatios {
			candidates = append(candidates, CandidateLot{LotId: r.LotId, QuantityPerUnit: r.QuantityPerUnit, NetConsumed: held[r.LotId]})
		}
		plan, err := ResolveDestroyPolicy(reason, qty, candidates, selection)
		if err != nil {
			return err
		}

		totalBefore, availableBefore, version := sku.TotalQuantity, sku.AvailableQuantity, sku.Version
		eventId := uuid.NewString()
		lotIds := PlanLotIds(plan)
		if len(plan) > 0 {
			lots, err := tx.LockPurchaseLots(ctx, lotIds)
			if err != nil {
				return err
			}
			byId := make(map[int]*models.PurchaseLot, len(lots))
			for _, lot := range lots {
				byId[lot.ID] = lot
			}
			ref := e.usageRef(ctx, sku.ID, eventId)
			for _, draft := range plan {
				entry, before, err := RecordReturn(ctx, tx, byId[draft.LotId], ref, draft.Quantity)
				res.observe(before)
				if err != nil {
					return err
				}
				res.Usage = append(res.Usage, entry)
			}
			res.TouchedLots = lotIds
		}

		sku.TotalQuantity -= qty
		sku.AvailableQuantity -= qty
		if err := tx.UpdateSkuCounters(ctx, sku, version); err != nil {
			return err
		}
		return e.writeLog(ctx, tx, res, sku, eventId, models.InventoryActionDestroy, totalBefore, availableBefore, reason, note, lotIds)
	})
}

// consume locks the recipe lots in id order and appends ratio x units to each.
// The first lot that cannot supply its share fails the whole action.
func (e *Engine) consume(ctx context.Context, tx models.InventoryTx, sku *models.Sku, units int, eventId string, res *ActionResult) error {
	lotIds := sku.RecipeLotIds()
	lots, err := tx.LockPurchaseLots(ctx, lotIds)
	if err != nil {
		return err
	}
	ref := e.usageRef(ctx, sku.ID, eventId)
	for _, lot := range lots {
		entry, before, err := RecordUsage(ctx, tx, lot, ref, sku.RatioFor(lot.ID)*units)
		res.observe(before)
		if err != nil {
			return err
		}
		res.Usage = append(res.Usage, entry)
	}
	res.TouchedLots = lotIds
	return nil
}

func (e *Engine) usageRef(ctx context.Context, skuId int, eventId string) UsageRef {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	return UsageRef{SkuId: skuId, ProductionEventId: eventId, CorrelationId: cid, At: e.now()}
}

// writeLog appends the audit row. The SKU version after the write doubles as the per-SKU sequence,
// so (sku_id, sequence) is unique exactly when the version check held.
func (e *Engine) writeLog(ctx context.Context, tx models.InventoryTx, res *ActionResult, sku *models.Sku, eventId string,
	action models.InventoryAction, totalBefore, availableBefore int, reason models.DestroyReason, note string, lotIds []int) error {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	entry := &models.SkuInventoryLog{
		ID:             eventId,
		SkuId:          sku.ID,
		Sequence:       sku.Version,
		Action:         action,
		QuantityChange: sku.AvailableQuantity - availableBefore,
		QuantityBefore: availableBefore,
		QuantityAfter:  sku.AvailableQuantity,
		TotalBefore:    totalBefore,
		TotalAfter:     sku.TotalQuantity,
		ReasonCode:     reason,
		Note:           note,
		CreatedBy:      utils.ActorFromContext(ctx),
		CorrelationId:  cid,
		CreatedAt:      e.now(),
	}
	if err := entry.SetReferenceIds(lotIds); err != nil {
		return err
	}
	if err := tx.AppendSkuLog(ctx, entry); err != nil {
		return err
	}
	res.Sku = sku
	res.Log = entry
	return nil
}

func skuLockKey(skuId int) string {
	return "sku:" + strconv.Itoa(skuId)
}
