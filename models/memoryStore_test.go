package models_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/shopspring/decimal"
)

func seedMemoryLot(t *testing.T, store *models.MemoryStore, code string, qty int) *models.PurchaseLot {
	t.Helper()
	input, err := models.NewPurchaseLotFromSpec(code, models.LooseBeadsSpec{Beads: models.Beads(qty), DiameterMm: decimal.NewFromInt(6)}, decimal.RequireFromString("0.1"))
	if err != nil {
		t.Fatalf("input: %v", err)
	}
	lot, err := input.ToPurchaseLot()
	if err != nil {
		t.Fatalf("lot: %v", err)
	}
	if err := store.Transaction(context.Background(), func(tx models.InventoryTx) error {
		return tx.CreatePurchaseLot(context.Background(), lot)
	}); err != nil {
		t.Fatalf("create lot: %v", err)
	}
	return lot
}

func TestMemoryStore_RollbackLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	store := models.NewMemoryStore()
	lot := seedMemoryLot(t, store, "L-1", 10)
	boom := errors.New("boom")

	err := store.Transaction(ctx, func(tx models.InventoryTx) error {
		if _, err := tx.LockPurchaseLots(ctx, []int{lot.ID}); err != nil {
			return err
		}
		if err := tx.AppendUsageEntries(ctx, []*models.MaterialUsageEntry{{LotId: lot.ID, SkuId: 1, QuantityDelta: 4}}); err != nil {
			return err
		}
		// The transaction sees its own write.
		net, err := tx.LotNetUsed(ctx, []int{lot.ID})
		if err != nil {
			return err
		}
		if net[lot.ID] != 4 {
			t.Errorf("expected in-tx net used 4, got %d", net[lot.ID])
		}
		// Other readers do not.
		outside, _ := store.LotNetUsed(ctx, []int{lot.ID})
		if outside[lot.ID] != 0 {
			t.Errorf("expected uncommitted usage to be invisible, got %d", outside[lot.ID])
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the callback error, got %v", err)
	}
	net, _ := store.LotNetUsed(ctx, []int{lot.ID})
	if net[lot.ID] != 0 {
		t.Fatalf("expected rolled back usage to be gone, got %d", net[lot.ID])
	}

	// The lock was released with the rollback.
	if err := store.Transaction(ctx, func(tx models.InventoryTx) error {
		_, err := tx.LockPurchaseLots(ctx, []int{lot.ID})
		return err
	}); err != nil {
		t.Fatalf("expected the lot lock to be free again, got %v", err)
	}
}

func TestMemoryStore_LockWaitTimeoutIsConcurrentModification(t *testing.T) {
	ctx := context.Background()
	store := models.NewMemoryStore()
	store.LockTimeout = 20 * time.Millisecond
	lot := seedMemoryLot(t, store, "L-1", 10)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.Transaction(ctx, func(tx models.InventoryTx) error {
			if _, err := tx.LockPurchaseLots(ctx, []int{lot.ID}); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	err := store.Transaction(ctx, func(tx models.InventoryTx) error {
		_, err := tx.LockPurchaseLots(ctx, []int{lot.ID})
		return err
	})
	close(release)
	if !errors.Is(err, models.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("holder transaction failed: %v", err)
	}
}

func TestMemoryStore_SkuVersionCheckedAtCommit(t *testing.T) {
	ctx := context.Background()
	store := models.NewMemoryStore()
	sku := &models.Sku{Code: "BR-1", TotalQuantity: 1, AvailableQuantity: 1}
	if err := store.Transaction(ctx, func(tx models.InventoryTx) error { return tx.CreateSku(ctx, sku) }); err != nil {
		t.Fatalf("create sku: %v", err)
	}

	first := make(chan struct{})
	second := make(chan error, 1)
	go func() {
		second <- store.Transaction(ctx, func(tx models.InventoryTx) error {
			current, err := tx.GetSku(ctx, sku.ID)
			if err != nil {
				return err
			}
			<-first
			current.AvailableQuantity = 0
			return tx.UpdateSkuCounters(ctx, current, 1)
		})
	}()

	if err := store.Transaction(ctx, func(tx models.InventoryTx) error {
		current, err := tx.GetSku(ctx, sku.ID)
		if err != nil {
			return err
		}
		current.TotalQuantity = 2
		current.AvailableQuantity = 2
		return tx.UpdateSkuCounters(ctx, current, 1)
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	close(first)

	if err := <-second; !errors.Is(err, models.ErrConcurrentModification) {
		t.Fatalf("expected the stale writer to fail, got %v", err)
	}
	got, err := store.GetSku(ctx, sku.ID)
	if err != nil {
		t.Fatalf("get sku: %v", err)
	}
	if got.Version != 2 || got.AvailableQuantity != 2 {
		t.Fatalf("expected version 2 with available 2, got %+v", got)
	}
}

func TestMemoryStore_DuplicateLotCode(t *testing.T) {
	store := models.NewMemoryStore()
	seedMemoryLot(t, store, "L-1", 10)
	lot := &models.PurchaseLot{Code: "L-1", MaterialKind: models.MaterialKindLooseBeads, InitialQuantity: 3}
	err := store.Transaction(context.Background(), func(tx models.InventoryTx) error {
		return tx.CreatePurchaseLot(context.Background(), lot)
	})
	if !errors.Is(err, models.ErrDuplicateLotCode) {
		t.Fatalf("expected ErrDuplicateLotCode, got %v", err)
	}
}

func TestMemoryStore_OneOpenAnomalyPerLot(t *testing.T) {
	ctx := context.Background()
	store := models.NewMemoryStore()
	record := func() bool {
		var created bool
		if err := store.Transaction(ctx, func(tx models.InventoryTx) error {
			var err error
			created, err = tx.RecordAnomaly(ctx, &models.LedgerAnomaly{LotId: 3, InitialQuantity: 5, NetUsed: 6})
			return err
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
		return created
	}
	if !record() {
		t.Fatalf("expected the first anomaly to be recorded")
	}
	if record() {
		t.Fatalf("expected the second anomaly on the same lot to be deduplicated")
	}
	open, _ := store.ListOpenAnomalies(ctx)
	if len(open) != 1 {
		t.Fatalf("expected 1 open anomaly, got %d", len(open))
	}
}

func TestMemoryStore_UsagePagesInAppendOrderDespiteTimestampTies(t *testing.T) {
	ctx := context.Background()
	store := models.NewMemoryStore()
	lot := seedMemoryLot(t, store, "L-1", 10)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	deltas := []int{3, -3, 2, -1, 1}
	for _, d := range deltas {
		// Separate commits stamped with the same instant; ids are random so they cannot order them.
		if err := store.Transaction(ctx, func(tx models.InventoryTx) error {
			return tx.AppendUsageEntries(ctx, []*models.MaterialUsageEntry{{LotId: lot.ID, SkuId: 1, QuantityDelta: d, CreatedAt: at}})
		}); err != nil {
			t.Fatalf("append %d: %v", d, err)
		}
	}

	page, err := store.ListUsageEntries(ctx, lot.ID, nil, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].QuantityDelta != 3 || page[1].QuantityDelta != -3 {
		t.Fatalf("expected the consumption before its return, got %+v", page)
	}
	rest, err := store.ListUsageEntries(ctx, lot.ID, models.CursorOf(page[1]), 0)
	if err != nil {
		t.Fatalf("list rest: %v", err)
	}
	if len(rest) != 3 {
		t.Fatalf("expected 3 remaining entries, got %d", len(rest))
	}
	for i, e := range rest {
		if e.QuantityDelta != deltas[i+2] || e.Seq <= page[1].Seq {
			t.Fatalf("entry %d out of order: %+v", i, e)
		}
	}
}

func TestMemoryStore_CancelledContextNeverBegins(t *testing.T) {
	store := models.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := store.Transaction(ctx, func(tx models.InventoryTx) error {
		called = true
		return nil
	})
	if !errors.Is(err, models.ErrConcurrentModification) || called {
		t.Fatalf("expected ErrConcurrentModification before fn runs, got %v (called=%v)", err, called)
	}
}
