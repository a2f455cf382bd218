package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"bitbucket.org/mmdatafocus/material_ledger/models"
	"bitbucket.org/mmdatafocus/material_ledger/workflow"
)

func main() {
	lotIDs := flag.String("lot-ids", "", "Optional: comma-separated lot ids (default: every lot)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	config.ConnectRedisWithRetry()

	projector := workflow.NewProjector(models.NewGormStore(db), config.GetLogger())
	ctx := context.Background()

	if strings.TrimSpace(*lotIDs) == "" {
		n, err := projector.RebuildAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rebuild failed after %d lots: %v\n", n, err)
			os.Exit(1)
		}
		fmt.Printf("projection rebuild complete (%d lots)\n", n)
		return
	}

	var ids []int
	for _, part := range strings.Split(*lotIDs, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			fmt.Fprintf(os.Stderr, "invalid lot id %q\n", part)
			os.Exit(1)
		}
		ids = append(ids, id)
	}
	rows, err := projector.Refresh(ctx, ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "refresh failed: %v\n", err)
		os.Exit(1)
	}
	for _, row := range rows {
		fmt.Printf("lot=%d code=%s remaining=%d %s status=%s checksum=%s\n",
			row.LotId, row.Code, row.RemainingQuantity, row.UnitLabel, row.Status, row.Checksum)
	}
}
