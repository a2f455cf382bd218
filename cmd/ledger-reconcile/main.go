package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"bitbucket.org/mmdatafocus/material_ledger/models"
	"bitbucket.org/mmdatafocus/material_ledger/workflow"
)

// ledger-reconcile scans lots, audit chains and projections. It never edits the ledger.
// Exit status is 2 when the report is not clean.
func main() {
	recordAnomalies := flag.Bool("record-anomalies", false, "Queue inconsistent lots in ledger_anomalies")
	rebuildProjections := flag.Bool("rebuild-projections", false, "Recompute drifted projection rows after the scan")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if err := models.InstallLedgerGuard(db); err != nil {
		fmt.Fprintf(os.Stderr, "install ledger guard: %v\n", err)
		os.Exit(1)
	}
	logger := config.GetLogger()
	store := models.NewGormStore(db)
	projector := workflow.NewProjector(store, logger)

	r := &workflow.Reconciler{Store: store, Projector: projector, Logger: logger}
	if *recordAnomalies {
		r.Alerts = workflow.NewLedgerAnomalyQueue(store, logger)
	}

	ctx := context.Background()
	report, err := r.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconcile failed: %v\n", err)
		os.Exit(1)
	}

	if *rebuildProjections && len(report.ProjectionDrift) > 0 {
		ids := make([]int, 0, len(report.ProjectionDrift))
		for _, d := range report.ProjectionDrift {
			ids = append(ids, d.LotId)
		}
		if _, err := projector.Refresh(ctx, ids); err != nil {
			fmt.Fprintf(os.Stderr, "projection refresh failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "refreshed %d drifted projection rows\n", len(ids))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		os.Exit(1)
	}
	if !report.Clean() {
		os.Exit(2)
	}
}
