package workflow

import (
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/material_ledger/models"
)

func TestRecordUsageThenReturnRestoresBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lot := env.beadLot(t, "BEADS-5", 5)
	ref := UsageRef{SkuId: 7, ProductionEventId: "evt-1"}

	if err := env.store.Transaction(ctx, func(tx models.InventoryTx) error {
		lots, err := tx.LockPurchaseLots(ctx, []int{lot.ID})
		if err != nil {
			return err
		}
		entry, before, err := RecordUsage(ctx, tx, lots[0], ref, 5)
		if err != nil {
			return err
		}
		if before.Remaining != 5 || entry.QuantityDelta != 5 {
			t.Errorf("unexpected usage: before=%+v entry=%+v", before, entry)
		}
		if !entry.TotalCost.Equal(lot.LineCost(5)) {
			t.Errorf("expected cost %s, got %s", lot.LineCost(5), entry.TotalCost)
		}
		return nil
	}); err != nil {
		t.Fatalf("usage: %v", err)
	}
	used, _ := env.store.GetPurchaseLot(ctx, lot.ID)
	if used.Status != models.LotStatusUsed {
		t.Fatalf("expected USED after consuming everything, got %s", used.Status)
	}

	if err := env.store.Transaction(ctx, func(tx models.InventoryTx) error {
		lots, err := tx.LockPurchaseLots(ctx, []int{lot.ID})
		if err != nil {
			return err
		}
		entry, _, err := RecordReturn(ctx, tx, lots[0], ref, 5)
		if err != nil {
			return err
		}
		if entry.QuantityDelta != -5 || !entry.TotalCost.IsNegative() {
			t.Errorf("expected a negative return entry, got %+v", entry)
		}
		return nil
	}); err != nil {
		t.Fatalf("return: %v", err)
	}

	if got := env.remaining(t, lot.ID); got != 5 {
		t.Fatalf("expected remaining back at 5, got %d", got)
	}
	active, _ := env.store.GetPurchaseLot(ctx, lot.ID)
	if active.Status != models.LotStatusActive {
		t.Fatalf("expected ACTIVE after the return, got %s", active.Status)
	}
	if got := env.usageCount(t, lot.ID); got != 2 {
		t.Fatalf("expected both entries kept, got %d", got)
	}
}

func TestRecordReturnCannotExceedWhatTheSkuHolds(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lot := env.beadLot(t, "BEADS-10", 10)
	sku := env.sku(t, "BR-1", 1, line(lot.ID, 2))

	err := env.store.Transaction(ctx, func(tx models.InventoryTx) error {
		lots, err := tx.LockPurchaseLots(ctx, []int{lot.ID})
		if err != nil {
			return err
		}
		_, _, err = RecordReturn(ctx, tx, lots[0], UsageRef{SkuId: sku.ID, ProductionEventId: "evt"}, 3)
		return err
	})
	var over *models.OverReturnError
	if !errors.As(err, &over) {
		t.Fatalf("expected *OverReturnError, got %v", err)
	}
	if over.Allowed != 2 || over.Requested != 3 {
		t.Fatalf("unexpected over return %+v", over)
	}
	if got := env.remaining(t, lot.ID); got != 8 {
		t.Fatalf("expected remaining 8, got %d", got)
	}
}

func TestRecordUsageRejectsNonPositive(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lot := env.beadLot(t, "BEADS-10", 10)
	err := env.store.Transaction(ctx, func(tx models.InventoryTx) error {
		_, _, err := RecordUsage(ctx, tx, lot, UsageRef{SkuId: 1}, 0)
		return err
	})
	if !errors.Is(err, models.ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestAnomalousLotIsReportedNotHidden(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lot := env.beadLot(t, "BEADS-5", 5)
	sku := env.sku(t, "BR-1", 1, line(lot.ID, 1))
	env.overConsume(t, lot.ID, 6)

	bal, err := env.engine.RemainingQuantity(ctx, lot.ID)
	if err != nil {
		t.Fatalf("RemainingQuantity: %v", err)
	}
	if bal.Remaining != 0 || !bal.Anomaly || bal.NetUsed != 7 {
		t.Fatalf("expected clamped anomalous balance, got %+v", bal)
	}
	if lots := env.sink.lots(); len(lots) != 1 || lots[0] != lot.ID {
		t.Fatalf("expected one report for lot %d, got %v", lot.ID, lots)
	}

	// Production against the lot fails, and the anomaly is still reported.
	if _, err := env.engine.AdjustSku(ctx, sku.ID, 1, ""); !errors.Is(err, models.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if got := len(env.sink.lots()); got != 2 {
		t.Fatalf("expected the failed action to report the anomaly too, got %d reports", got)
	}
}

func TestLedgerAnomalyQueueKeepsOneOpenRowPerLot(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	queue := NewLedgerAnomalyQueue(env.store, quietLogger())
	env.engine.Alerts = queue
	lot := env.beadLot(t, "BEADS-5", 5)
	env.overConsume(t, lot.ID, 9)

	for i := 0; i < 3; i++ {
		if _, err := env.engine.RemainingQuantity(ctx, lot.ID); err != nil {
			t.Fatalf("RemainingQuantity: %v", err)
		}
	}
	open, err := env.store.ListOpenAnomalies(ctx)
	if err != nil {
		t.Fatalf("ListOpenAnomalies: %v", err)
	}
	if len(open) != 1 || open[0].LotId != lot.ID || open[0].NetUsed != 9 || open[0].DetectedBy != "RemainingQuantity" {
		t.Fatalf("unexpected anomalies %+v", open)
	}
}

func TestListUsageEntriesPagesAndResumes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lot := env.beadLot(t, "BEADS-50", 50)
	sku := env.sku(t, "BR-1", 1, line(lot.ID, 1))
	for i := 0; i < 4; i++ {
		if _, err := env.engine.AdjustSku(ctx, sku.ID, 1, ""); err != nil {
			t.Fatalf("AdjustSku: %v", err)
		}
	}

	var all []*models.MaterialUsageEntry
	var cursor *models.UsageCursor
	pages := 0
	for {
		page, next, err := env.engine.ListUsageEntries(ctx, lot.ID, cursor, 2)
		if err != nil {
			t.Fatalf("ListUsageEntries: %v", err)
		}
		pages++
		all = append(all, page...)
		if next == nil {
			break
		}
		cursor = next
	}
	if len(all) != 5 || pages != 3 {
		t.Fatalf("expected 5 entries in 3 pages, got %d in %d", len(all), pages)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Seq <= all[i-1].Seq {
			t.Fatalf("entries out of order at %d", i)
		}
	}

	var resumed []string
	if err := env.engine.EachUsageEntry(ctx, lot.ID, models.CursorOf(all[1]), func(e *models.MaterialUsageEntry) error {
		resumed = append(resumed, e.ID)
		return nil
	}); err != nil {
		t.Fatalf("EachUsageEntry: %v", err)
	}
	if len(resumed) != 3 || resumed[0] != all[2].ID {
		t.Fatalf("expected to resume after the second entry, got %v", resumed)
	}

	if _, _, err := env.engine.ListUsageEntries(ctx, 404, nil, 10); !errors.Is(err, models.ErrLotNotFound) {
		t.Fatalf("expected ErrLotNotFound, got %v", err)
	}
}
