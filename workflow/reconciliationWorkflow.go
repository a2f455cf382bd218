package workflow

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ReconciliationReport is a read-only health check of the ledger, the audit chains and the projection.
type ReconciliationReport struct {
	CheckedLots       int                 `json:"checked_lots"`
	CheckedSkus       int                 `json:"checked_skus"`
	Anomalies         []models.LotBalance `json:"anomalies"`
	ProjectionDrift   []ProjectionDrift   `json:"projection_drift"`
	BrokenChains      []ChainBreak        `json:"broken_chains"`
	CounterMismatches []CounterMismatch   `json:"counter_mismatches"`
}

type ChainBreak struct {
	SkuId int    `json:"sku_id"`
	Error string `json:"error"`
}

// CounterMismatch is a SKU whose stored counters differ from its last audit row.
type CounterMismatch struct {
	SkuId           int `json:"sku_id"`
	TotalQuantity   int `json:"total_quantity"`
	LoggedTotal     int `json:"logged_total"`
	Available       int `json:"available_quantity"`
	LoggedAvailable int `json:"logged_available"`
}

func (r *ReconciliationReport) Clean() bool {
	return len(r.Anomalies) == 0 && len(r.ProjectionDrift) == 0 && len(r.BrokenChains) == 0 && len(r.CounterMismatches) == 0
}

// Reconciler scans without modifying the ledger. Anomalies go to Alerts when it is set.
type Reconciler struct {
	Store     models.InventoryStore
	Projector *Projector
	Alerts    AnomalySink
	Logger    *logrus.Logger
}

func (r *Reconciler) Run(ctx context.Context) (*ReconciliationReport, error) {
	ctx, span := tracer.Start(ctx, "workflow.Reconcile")
	defer span.End()

	report := &ReconciliationReport{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.scanLots(gctx, report) })
	g.Go(func() error {
		if r.Projector == nil {
			return nil
		}
		drift, err := r.Projector.Drift(gctx)
		report.ProjectionDrift = drift
		return err
	})
	g.Go(func() error { return r.scanSkus(gctx, report) })
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":              "Reconciler",
			"checked_lots":       report.CheckedLots,
			"checked_skus":       report.CheckedSkus,
			"anomalies":          len(report.Anomalies),
			"projection_drift":   len(report.ProjectionDrift),
			"broken_chains":      len(report.BrokenChains),
			"counter_mismatches": len(report.CounterMismatches),
		}).Info("reconciliation finished")
	}
	return report, nil
}

func (r *Reconciler) scanLots(ctx context.Context, report *ReconciliationReport) error {
	lots, err := r.Store.ListPurchaseLots(ctx, nil)
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(lots))
	for _, lot := range lots {
		ids = append(ids, lot.ID)
	}
	nets, err := r.Store.LotNetUsed(ctx, ids)
	if err != nil {
		return err
	}
	report.CheckedLots = len(lots)
	for _, lot := range lots {
		bal := models.BalanceFromNetUsed(lot.ID, lot.InitialQuantity, nets[lot.ID])
		if !bal.Anomaly {
			continue
		}
		report.Anomalies = append(report.Anomalies, bal)
		var inconsistent *models.InconsistentLedgerError
		if r.Alerts != nil && errors.As(bal.Err(), &inconsistent) {
			r.Alerts.Report(ctx, "Reconciler", inconsistent)
		}
	}
	return nil
}

const skuSnapshotAttempts = 3

func (r *Reconciler) scanSkus(ctx context.Context, report *ReconciliationReport) error {
	skuIds, err := r.Store.ListSkuIds(ctx)
	if err != nil {
		return err
	}
	report.CheckedSkus = len(skuIds)
	for _, id := range skuIds {
		sku, logs, err := r.skuSnapshot(ctx, id)
		if err != nil {
			return err
		}
		if sku == nil {
			if r.Logger != nil {
				r.Logger.WithFields(logrus.Fields{"field": "Reconciler", "sku_id": id}).Warn("sku kept changing during the scan; skipped")
			}
			continue
		}
		if err := models.VerifyLogChain(logs); err != nil {
			report.BrokenChains = append(report.BrokenChains, ChainBreak{SkuId: id, Error: err.Error()})
			continue
		}
		if len(logs) == 0 {
			continue
		}
		last := logs[len(logs)-1]
		if last.TotalAfter != sku.TotalQuantity || last.QuantityAfter != sku.AvailableQuantity {
			report.CounterMismatches = append(report.CounterMismatches, CounterMismatch{
				SkuId:           id,
				TotalQuantity:   sku.TotalQuantity,
				LoggedTotal:     last.TotalAfter,
				Available:       sku.AvailableQuantity,
				LoggedAvailable: last.QuantityAfter,
			})
		}
	}
	return nil
}

// skuSnapshot reads a SKU and its audit rows as of one committed version. Every action bumps the
// version in the same commit as its log row, so an unchanged version around the log read means
// both reads saw the same state. It returns a nil SKU if no stable read was possible.
func (r *Reconciler) skuSnapshot(ctx context.Context, id int) (*models.Sku, []*models.SkuInventoryLog, error) {
	for attempt := 0; attempt < skuSnapshotAttempts; attempt++ {
		before, err := r.Store.GetSku(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		logs, err := r.Store.ListSkuLogs(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		after, err := r.Store.GetSku(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if before.Version == after.Version {
			return after, logs, nil
		}
	}
	return nil, nil, nil
}
