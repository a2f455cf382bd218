package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/sirupsen/logrus"
)

// AnomalySink receives inconsistent-ledger findings. Reporting never fails the caller.
type AnomalySink interface {
	Report(ctx context.Context, detectedBy string, finding *models.InconsistentLedgerError)
}

// LedgerAnomalyQueue logs each finding and keeps one OPEN reconciliation row per lot.
type LedgerAnomalyQueue struct {
	Store  models.InventoryStore
	Logger *logrus.Logger
}

func NewLedgerAnomalyQueue(store models.InventoryStore, logger *logrus.Logger) *LedgerAnomalyQueue {
	return &LedgerAnomalyQueue{Store: store, Logger: logger}
}

func (q *LedgerAnomalyQueue) Report(ctx context.Context, detectedBy string, finding *models.InconsistentLedgerError) {
	q.Logger.WithFields(logrus.Fields{
		"field":            "LedgerAnomalyQueue",
		"lot_id":           finding.LotId,
		"initial_quantity": finding.InitialQuantity,
		"net_used":         finding.NetUsed,
		"detected_by":      detectedBy,
	}).Warn(finding.Error())

	if q.Store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := q.Store.Transaction(ctx, func(tx models.InventoryTx) error {
		_, err := tx.RecordAnomaly(ctx, models.NewLedgerAnomaly(finding, detectedBy))
		return err
	})
	if err != nil {
		config.LogError(q.Logger, "ledgerAnomalyQueue.go", "Report", "RecordAnomaly", finding, err)
	}
}
