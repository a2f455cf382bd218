package workflow

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/shopspring/decimal"
)

func TestProjectionRefreshIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lot := env.beadLot(t, "BEADS-48", 48)
	env.sku(t, "BR-1", 2, line(lot.ID, 3))

	first, err := env.engine.Projector.Refresh(ctx, []int{lot.ID})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	second, err := env.engine.Projector.Refresh(ctx, []int{lot.ID, lot.ID})
	if err != nil {
		t.Fatalf("Refresh again: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected one row per lot, got %d and %d", len(first), len(second))
	}
	a, _ := first[0].CanonicalBytes()
	b, _ := second[0].CanonicalBytes()
	if !bytes.Equal(a, b) || first[0].Checksum != second[0].Checksum {
		t.Fatalf("expected identical rows:\n%s\n%s", a, b)
	}
	stored, _ := env.store.GetProjection(ctx, lot.ID)
	if stored.Checksum != first[0].Checksum || stored.RemainingQuantity != 42 {
		t.Fatalf("unexpected stored row %+v", stored)
	}
	if !stored.RemainingCost.Equal(decimal.RequireFromString("2.1")) {
		t.Fatalf("expected remaining cost 2.1, got %s", stored.RemainingCost)
	}
}

func TestProjectionSnapshotIsInvalidatedByActions(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lot := env.beadLot(t, "BEADS-10", 10)
	sku := env.sku(t, "BR-1", 1, line(lot.ID, 1))
	kind := models.MaterialKindLooseBeads

	rows, err := env.engine.ProjectionSnapshot(ctx, &kind)
	if err != nil {
		t.Fatalf("ProjectionSnapshot: %v", err)
	}
	if len(rows) != 1 || rows[0].RemainingQuantity != 9 {
		t.Fatalf("unexpected snapshot %+v", rows)
	}
	key := snapshotKey(&kind)
	if !env.cache.has(key) {
		t.Fatalf("expected snapshot cached under %s", key)
	}

	if _, err := env.engine.AdjustSku(ctx, sku.ID, 4, ""); err != nil {
		t.Fatalf("AdjustSku: %v", err)
	}
	if env.cache.has(key) {
		t.Fatalf("expected %s invalidated after the refresh", key)
	}
	rows, err = env.engine.ProjectionSnapshot(ctx, &kind)
	if err != nil {
		t.Fatalf("ProjectionSnapshot: %v", err)
	}
	if rows[0].RemainingQuantity != 5 {
		t.Fatalf("expected remaining 5 in the fresh snapshot, got %d", rows[0].RemainingQuantity)
	}

	other := models.MaterialKindBracelet
	rows, err = env.engine.ProjectionSnapshot(ctx, &other)
	if err != nil {
		t.Fatalf("ProjectionSnapshot: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no bracelet rows, got %d", len(rows))
	}
}

func TestProjectionDriftAndRebuild(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lot := env.beadLot(t, "BEADS-10", 10)
	env.sku(t, "BR-1", 1, line(lot.ID, 2))

	// A lot written without the engine has no projection yet.
	orphan := &models.PurchaseLot{Code: "LEGACY-1", MaterialKind: models.MaterialKindFinishedGood, InitialQuantity: 3, Status: models.LotStatusActive}
	if err := env.store.Transaction(ctx, func(tx models.InventoryTx) error { return tx.CreatePurchaseLot(ctx, orphan) }); err != nil {
		t.Fatalf("create orphan lot: %v", err)
	}
	// Tamper with the stored row of the first lot.
	if err := env.store.Transaction(ctx, func(tx models.InventoryTx) error {
		row, err := tx.GetProjection(ctx, lot.ID)
		if err != nil {
			return err
		}
		row.RemainingQuantity = 10
		row.Checksum, err = row.ComputeChecksum()
		if err != nil {
			return err
		}
		return tx.UpsertProjection(ctx, row)
	}); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	drift, err := env.engine.Projector.Drift(ctx)
	if err != nil {
		t.Fatalf("Drift: %v", err)
	}
	if len(drift) != 2 {
		t.Fatalf("expected 2 drifted rows, got %+v", drift)
	}
	if drift[0].LotId != lot.ID || drift[0].Missing {
		t.Fatalf("expected a stale row for lot %d, got %+v", lot.ID, drift[0])
	}
	if drift[1].LotId != orphan.ID || !drift[1].Missing {
		t.Fatalf("expected a missing row for lot %d, got %+v", orphan.ID, drift[1])
	}

	n, err := env.engine.Projector.RebuildAll(ctx)
	if err != nil {
		t.Fatalf("RebuildAll: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 lots rebuilt, got %d", n)
	}
	drift, err = env.engine.Projector.Drift(ctx)
	if err != nil {
		t.Fatalf("Drift: %v", err)
	}
	if len(drift) != 0 {
		t.Fatalf("expected no drift after rebuild, got %+v", drift)
	}
	row, _ := env.store.GetProjection(ctx, lot.ID)
	if row.RemainingQuantity != 8 {
		t.Fatalf("expected rebuilt remaining 8, got %d", row.RemainingQuantity)
	}
}

func TestProjectionRefreshUnknownLot(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.Projector.Refresh(context.Background(), []int{404}); !errors.Is(err, models.ErrLotNotFound) {
		t.Fatalf("expected ErrLotNotFound, got %v", err)
	}
	rows, err := env.engine.Projector.Refresh(context.Background(), nil)
	if err != nil || rows != nil {
		t.Fatalf("expected a no-op for no lots, got %v %v", rows, err)
	}
}

func TestPubSubRefresherPublishesOrFallsBack(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	lot := &models.PurchaseLot{Code: "LEGACY-1", MaterialKind: models.MaterialKindFinishedGood, InitialQuantity: 3, Status: models.LotStatusActive}
	if err := env.store.Transaction(ctx, func(tx models.InventoryTx) error { return tx.CreatePurchaseLot(ctx, lot) }); err != nil {
		t.Fatalf("create lot: %v", err)
	}

	var published []config.ProjectionRefreshMessage
	refresher := &PubSubRefresher{
		Fallback: env.engine.Projector,
		Logger:   quietLogger(),
		publish: func(ctx context.Context, msg config.ProjectionRefreshMessage) (string, error) {
			published = append(published, msg)
			return "msg-1", nil
		},
	}
	if err := refresher.RequestRefresh(ctx, []int{lot.ID, lot.ID}, "AdjustSku"); err != nil {
		t.Fatalf("RequestRefresh: %v", err)
	}
	if len(published) != 1 || len(published[0].LotIds) != 1 || published[0].Reason != "AdjustSku" {
		t.Fatalf("unexpected published messages %+v", published)
	}
	if row, _ := env.store.GetProjection(ctx, lot.ID); row != nil {
		t.Fatalf("a published refresh must not write in-process")
	}

	// The push consumer applies the message.
	if err := env.engine.Projector.HandleRefreshMessage(ctx, published[0]); err != nil {
		t.Fatalf("HandleRefreshMessage: %v", err)
	}
	if row, _ := env.store.GetProjection(ctx, lot.ID); row == nil || row.UnitLabel != models.UnitLabelPieces {
		t.Fatalf("expected the consumer to write the row, got %+v", row)
	}

	second := &models.PurchaseLot{Code: "LEGACY-2", MaterialKind: models.MaterialKindFinishedGood, InitialQuantity: 1, Status: models.LotStatusActive}
	if err := env.store.Transaction(ctx, func(tx models.InventoryTx) error { return tx.CreatePurchaseLot(ctx, second) }); err != nil {
		t.Fatalf("create lot: %v", err)
	}
	refresher.publish = func(ctx context.Context, msg config.ProjectionRefreshMessage) (string, error) {
		return "", errors.New("pubsub client not ready")
	}
	if err := refresher.RequestRefresh(ctx, []int{second.ID}, "AdjustSku"); err != nil {
		t.Fatalf("expected the fallback to succeed, got %v", err)
	}
	if row, _ := env.store.GetProjection(ctx, second.ID); row == nil {
		t.Fatalf("expected the fallback to refresh in-process")
	}
}

func TestNewEngineDefaultsToSyncRefresh(t *testing.T) {
	t.Setenv("PROJECTION_REFRESH_MODE", "")
	t.Setenv("SKU_REDIS_LOCK", "")
	e := NewEngine(models.NewMemoryStore(), quietLogger())
	if _, ok := e.Refresher.(*Projector); !ok {
		t.Fatalf("expected in-process refresher, got %T", e.Refresher)
	}
	if e.Locker != nil {
		t.Fatalf("expected no redis locker by default")
	}

	t.Setenv("PROJECTION_REFRESH_MODE", "pubsub")
	t.Setenv("SKU_REDIS_LOCK", "true")
	e = NewEngine(models.NewMemoryStore(), quietLogger())
	if _, ok := e.Refresher.(*PubSubRefresher); !ok {
		t.Fatalf("expected pubsub refresher, got %T", e.Refresher)
	}
	if _, ok := e.Locker.(*RedisSkuLocker); !ok {
		t.Fatalf("expected redis locker, got %T", e.Locker)
	}
}
