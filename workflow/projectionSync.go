package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"bitbucket.org/mmdatafocus/material_ledger/models"
	"bitbucket.org/mmdatafocus/material_ledger/utils"
	"github.com/sirupsen/logrus"
)

const (
	projectionSnapshotTTL  = 10 * time.Minute
	projectionRebuildBatch = 100
	projectionCachePrefix  = "MaterialProjection:"
)

// ProjectionRefresher is told, after commit, which lots need their projection recomputed.
type ProjectionRefresher interface {
	RequestRefresh(ctx context.Context, lotIds []int, reason string) error
}

// ProjectionCache holds listing snapshots. A miss or an outage only costs a store read.
type ProjectionCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Remove(ctx context.Context, keys ...string) error
}

type redisProjectionCache struct{}

func (redisProjectionCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	return config.GetRedisObject(ctx, key, dest)
}

func (redisProjectionCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return config.SetRedisObject(ctx, key, value, ttl)
}

func (redisProjectionCache) Remove(ctx context.Context, keys ...string) error {
	return config.RemoveRedisKey(ctx, keys...)
}

// Projector keeps material_projections in step with lots and the ledger.
type Projector struct {
	Store  models.InventoryStore
	Cache  ProjectionCache
	Alerts AnomalySink
	Logger *logrus.Logger
}

func NewProjector(store models.InventoryStore, logger *logrus.Logger) *Projector {
	return &Projector{Store: store, Cache: redisProjectionCache{}, Logger: logger}
}

func (p *Projector) RequestRefresh(ctx context.Context, lotIds []int, reason string) error {
	_, err := p.Refresh(ctx, lotIds)
	return err
}

// Refresh recomputes the rows of lotIds from the lot and the ledger. The lots are locked while
// computing so a concurrent ledger append cannot be overwritten by an older result.
// Rows whose checksum did not change are left alone.
func (p *Projector) Refresh(ctx context.Context, lotIds []int) ([]*models.MaterialProjection, error) {
	ctx, span := tracer.Start(ctx, "workflow.ProjectionRefresh")
	defer span.End()

	ids := utils.SortedUnique(lotIds)
	if len(ids) == 0 {
		return nil, nil
	}
	var (
		rows     []*models.MaterialProjection
		balances []models.LotBalance
		kinds    = map[models.MaterialKind]bool{}
	)
	err := p.Store.Transaction(ctx, func(tx models.InventoryTx) error {
		rows, balances = nil, nil
		lots, err := tx.LockPurchaseLots(ctx, ids)
		if err != nil {
			return err
		}
		nets, err := tx.LotNetUsed(ctx, ids)
		if err != nil {
			return err
		}
		for _, lot := range lots {
			bal := models.BalanceFromNetUsed(lot.ID, lot.InitialQuantity, nets[lot.ID])
			balances = append(balances, bal)
			row, err := models.BuildMaterialProjection(lot, bal)
			if err != nil {
				return err
			}
			rows = append(rows, row)
			existing, err := tx.GetProjection(ctx, lot.ID)
			if err != nil {
				return err
			}
			if existing != nil && !existing.Stale(row) {
				continue
			}
			if err := tx.UpsertProjection(ctx, row); err != nil {
				return err
			}
			kinds[row.MaterialKind] = true
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if p.Alerts != nil {
		for _, bal := range balances {
			var inconsistent *models.InconsistentLedgerError
			if errors.As(bal.Err(), &inconsistent) {
				p.Alerts.Report(ctx, "ProjectionRefresh", inconsistent)
			}
		}
	}
	p.invalidate(ctx, kinds)
	return rows, nil
}

// RebuildAll recomputes every lot's row from scratch and returns how many lots were processed.
func (p *Projector) RebuildAll(ctx context.Context) (int, error) {
	lots, err := p.Store.ListPurchaseLots(ctx, nil)
	if err != nil {
		return 0, err
	}
	ids := make([]int, 0, len(lots))
	for _, lot := range lots {
		ids = append(ids, lot.ID)
	}
	done := 0
	for start := 0; start < len(ids); start += projectionRebuildBatch {
		end := min(start+projectionRebuildBatch, len(ids))
		if _, err := p.Refresh(ctx, ids[start:end]); err != nil {
			return done, err
		}
		done = end
	}
	p.invalidateAll(ctx)
	return done, nil
}

// Snapshot lists projection rows, optionally for one kind, served from the cache when present.
func (p *Projector) Snapshot(ctx context.Context, kind *models.MaterialKind) ([]*models.MaterialProjection, error) {
	key := snapshotKey(kind)
	if p.Cache != nil {
		var cached []*models.MaterialProjection
		found, err := p.Cache.Get(ctx, key, &cached)
		if err != nil {
			config.LogError(p.logger(), "projectionSync.go", "Snapshot", "cache get", key, err)
		} else if found {
			return cached, nil
		}
	}
	rows, err := p.Store.ListProjections(ctx, kind)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*models.MaterialProjection{}
	}
	if p.Cache != nil {
		if err := p.Cache.Set(ctx, key, rows, projectionSnapshotTTL); err != nil {
			config.LogError(p.logger(), "projectionSync.go", "Snapshot", "cache set", key, err)
		}
	}
	return rows, nil
}

// ProjectionDrift is a stored row that no longer matches what the ledger says.
type ProjectionDrift struct {
	LotId          int    `json:"lot_id"`
	StoredChecksum string `json:"stored_checksum,omitempty"`
	FreshChecksum  string `json:"fresh_checksum"`
	Missing        bool   `json:"missing"`
}

// Drift compares every stored row with a fresh build without writing anything.
func (p *Projector) Drift(ctx context.Context) ([]ProjectionDrift, error) {
	lots, err := p.Store.ListPurchaseLots(ctx, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(lots))
	for _, lot := range lots {
		ids = append(ids, lot.ID)
	}
	nets, err := p.Store.LotNetUsed(ctx, ids)
	if err != nil {
		return nil, err
	}
	var drift []ProjectionDrift
	for _, lot := range lots {
		fresh, err := models.BuildMaterialProjection(lot, models.BalanceFromNetUsed(lot.ID, lot.InitialQuantity, nets[lot.ID]))
		if err != nil {
			return nil, err
		}
		stored, err := p.Store.GetProjection(ctx, lot.ID)
		if err != nil {
			return nil, err
		}
		switch {
		case stored == nil:
			drift = append(drift, ProjectionDrift{LotId: lot.ID, FreshChecksum: fresh.Checksum, Missing: true})
		case stored.Stale(fresh):
			drift = append(drift, ProjectionDrift{LotId: lot.ID, StoredChecksum: stored.Checksum, FreshChecksum: fresh.Checksum})
		}
	}
	return drift, nil
}

func (p *Projector) invalidate(ctx context.Context, kinds map[models.MaterialKind]bool) {
	if p.Cache == nil || len(kinds) == 0 {
		return
	}
	keys := []string{snapshotKey(nil)}
	for kind := range kinds {
		k := kind
		keys = append(keys, snapshotKey(&k))
	}
	if err := p.Cache.Remove(ctx, keys...); err != nil {
		config.LogError(p.logger(), "projectionSync.go", "invalidate", "cache remove", keys, err)
	}
}

func (p *Projector) invalidateAll(ctx context.Context) {
	all := map[models.MaterialKind]bool{
		models.MaterialKindLooseBeads:   true,
		models.MaterialKindBracelet:     true,
		models.MaterialKindAccessory:    true,
		models.MaterialKindFinishedGood: true,
	}
	p.invalidate(ctx, all)
}

func (p *Projector) logger() *logrus.Logger {
	if p.Logger == nil {
		return config.GetLogger()
	}
	return p.Logger
}

func snapshotKey(kind *models.MaterialKind) string {
	if kind == nil {
		return projectionCachePrefix + "all"
	}
	return projectionCachePrefix + string(*kind)
}
