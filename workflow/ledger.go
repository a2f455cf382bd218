package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/google/uuid"
)

const usagePageSize = 500

// UsageRef ties ledger entries to the SKU and the action that produced them.
type UsageRef struct {
	SkuId             int
	ProductionEventId string
	CorrelationId     string
	At                time.Time
}

// lotBalanceInTx recomputes a lot's balance inside tx. Callers lock the lot first.
func lotBalanceInTx(ctx context.Context, tx models.InventoryTx, lot *models.PurchaseLot) (models.LotBalance, error) {
	nets, err := tx.LotNetUsed(ctx, []int{lot.ID})
	if err != nil {
		return models.LotBalance{}, err
	}
	return models.BalanceFromNetUsed(lot.ID, lot.InitialQuantity, nets[lot.ID]), nil
}

// RecordUsage appends a positive entry consuming qty from lot. The lot must already be locked by tx.
// The returned balance is the one observed before the append, also on error, so anomalies can be reported.
func RecordUsage(ctx context.Context, tx models.InventoryTx, lot *models.PurchaseLot, ref UsageRef, qty int) (*models.MaterialUsageEntry, models.LotBalance, error) {
	if qty <= 0 {
		return nil, models.LotBalance{}, models.ErrInvalidQuantity
	}
	before, err := lotBalanceInTx(ctx, tx, lot)
	if err != nil {
		return nil, before, err
	}
	if !before.CanSupply(qty) {
		return nil, before, &models.InsufficientStockError{
			LotId:     lot.ID,
			LotCode:   lot.Code,
			Required:  qty,
			Remaining: before.Remaining,
		}
	}
	entry, err := appendEntry(ctx, tx, lot, ref, qty)
	if err != nil {
		return nil, before, err
	}
	if err := syncLotStatus(ctx, tx, lot, before.Remaining-qty); err != nil {
		return nil, before, err
	}
	return entry, before, nil
}

// RecordReturn appends a negative entry giving qty back to lot. A SKU can never return more than it
// still holds from the lot. The lot must already be locked by tx.
func RecordReturn(ctx context.Context, tx models.InventoryTx, lot *models.PurchaseLot, ref UsageRef, qty int) (*models.MaterialUsageEntry, models.LotBalance, error) {
	if qty <= 0 {
		return nil, models.LotBalance{}, models.ErrInvalidQuantity
	}
	before, err := lotBalanceInTx(ctx, tx, lot)
	if err != nil {
		return nil, before, err
	}
	held, err := tx.SkuLotNetConsumed(ctx, ref.SkuId)
	if err != nil {
		return nil, before, err
	}
	if qty > held[lot.ID] {
		return nil, before, &models.OverReturnError{LotId: lot.ID, Requested: qty, Allowed: max(0, held[lot.ID])}
	}
	entry, err := appendEntry(ctx, tx, lot, ref, -qty)
	if err != nil {
		return nil, before, err
	}
	after := models.BalanceFromNetUsed(lot.ID, lot.InitialQuantity, before.NetUsed-qty)
	if err := syncLotStatus(ctx, tx, lot, after.Remaining); err != nil {
		return nil, before, err
	}
	return entry, before, nil
}

func appendEntry(ctx context.Context, tx models.InventoryTx, lot *models.PurchaseLot, ref UsageRef, delta int) (*models.MaterialUsageEntry, error) {
	at := ref.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	entry := &models.MaterialUsageEntry{
		ID:                uuid.NewString(),
		LotId:             lot.ID,
		SkuId:             ref.SkuId,
		ProductionEventId: ref.ProductionEventId,
		QuantityDelta:     delta,
		UnitCost:          lot.UnitCost,
		TotalCost:         lot.LineCost(delta),
		CorrelationId:     ref.CorrelationId,
		CreatedAt:         at,
	}
	if err := tx.AppendUsageEntries(ctx, []*models.MaterialUsageEntry{entry}); err != nil {
		return nil, fmt.Errorf("append usage entry for lot %d: %w", lot.ID, err)
	}
	return entry, nil
}

// syncLotStatus keeps the USED flag in step with the balance in the same transaction.
func syncLotStatus(ctx context.Context, tx models.InventoryTx, lot *models.PurchaseLot, remaining int) error {
	status := models.LotStatusFor(remaining)
	if status == lot.Status {
		return nil
	}
	if err := tx.SetLotStatus(ctx, lot.ID, status); err != nil {
		return err
	}
	lot.Status = status
	return nil
}

// RemainingQuantity returns max(0, initial - net used) for the lot and flags anomalies.
// An anomaly is queued for reconciliation and never blocks the read.
func (e *Engine) RemainingQuantity(ctx context.Context, lotId int) (models.LotBalance, error) {
	lot, err := e.Store.GetPurchaseLot(ctx, lotId)
	if err != nil {
		return models.LotBalance{}, err
	}
	nets, err := e.Store.LotNetUsed(ctx, []int{lotId})
	if err != nil {
		return models.LotBalance{}, err
	}
	bal := models.BalanceFromNetUsed(lot.ID, lot.InitialQuantity, nets[lot.ID])
	e.reportAnomalies(ctx, "RemainingQuantity", []models.LotBalance{bal})
	return bal, nil
}

// ListUsageEntries returns one page of a lot's ledger in append order and the cursor for
// the next page; next is nil at the end. Passing a saved cursor resumes where a reader stopped.
func (e *Engine) ListUsageEntries(ctx context.Context, lotId int, after *models.UsageCursor, limit int) (entries []*models.MaterialUsageEntry, next *models.UsageCursor, err error) {
	if _, err := e.Store.GetPurchaseLot(ctx, lotId); err != nil {
		return nil, nil, err
	}
	if limit <= 0 || limit > usagePageSize {
		limit = usagePageSize
	}
	entries, err = e.Store.ListUsageEntries(ctx, lotId, after, limit)
	if err != nil {
		return nil, nil, err
	}
	if len(entries) == limit {
		next = models.CursorOf(entries[len(entries)-1])
	}
	return entries, next, nil
}

// EachUsageEntry walks the whole ledger of a lot page by page, starting after from (nil for the start).
func (e *Engine) EachUsageEntry(ctx context.Context, lotId int, from *models.UsageCursor, fn func(*models.MaterialUsageEntry) error) error {
	cursor := from
	for {
		page, next, err := e.ListUsageEntries(ctx, lotId, cursor, usagePageSize)
		if err != nil {
			return err
		}
		for _, entry := range page {
			if err := fn(entry); err != nil {
				return err
			}
		}
		if next == nil {
			return nil
		}
		cursor = next
	}
}
