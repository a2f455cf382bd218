package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/material_ledger/models"
)

func TestComputeLotBalance_SignedNetUsed(t *testing.T) {
	cases := []struct {
		name      string
		initial   int
		deltas    []int
		remaining int
		netUsed   int
		anomaly   bool
	}{
		{name: "no entries", initial: 48, deltas: nil, remaining: 48, netUsed: 0},
		{name: "consumption only", initial: 48, deltas: []int{1, 2, 3}, remaining: 42, netUsed: 6},
		// Returns are negative consumption; they are not added to a separate "used" total.
		{name: "returns offset usage", initial: 48, deltas: []int{1, 2, 3, -1}, remaining: 43, netUsed: 5},
		{name: "fully used", initial: 10, deltas: []int{4, 6}, remaining: 0, netUsed: 10},
		{name: "over consumed is clamped and flagged", initial: 10, deltas: []int{8, 5}, remaining: 0, netUsed: 13, anomaly: true},
		{name: "more returned than consumed is flagged", initial: 10, deltas: []int{2, -3}, remaining: 11, netUsed: -1, anomaly: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bal := models.ComputeLotBalance(7, tc.initial, tc.deltas)
			if bal.Remaining != tc.remaining {
				t.Fatalf("remaining: expected %d, got %d", tc.remaining, bal.Remaining)
			}
			if bal.NetUsed != tc.netUsed {
				t.Fatalf("net used: expected %d, got %d", tc.netUsed, bal.NetUsed)
			}
			if bal.Anomaly != tc.anomaly {
				t.Fatalf("anomaly: expected %v, got %v", tc.anomaly, bal.Anomaly)
			}
			if bal.Remaining < 0 {
				t.Fatalf("remaining must never be negative, got %d", bal.Remaining)
			}
		})
	}
}

func TestLotBalance_ErrIsTypedInconsistentLedger(t *testing.T) {
	ok := models.BalanceFromNetUsed(1, 10, 4)
	if ok.Err() != nil {
		t.Fatalf("expected no error for a consistent lot, got %v", ok.Err())
	}

	bad := models.BalanceFromNetUsed(2, 10, 12)
	err := bad.Err()
	if !errors.Is(err, models.ErrInconsistentLedger) {
		t.Fatalf("expected ErrInconsistentLedger, got %v", err)
	}
	var typed *models.InconsistentLedgerError
	if !errors.As(err, &typed) {
		t.Fatalf("expected *InconsistentLedgerError, got %T", err)
	}
	if typed.LotId != 2 || typed.NetUsed != 12 || typed.InitialQuantity != 10 {
		t.Fatalf("unexpected error fields: %+v", typed)
	}
}

func TestLotBalance_CanSupply(t *testing.T) {
	bal := models.BalanceFromNetUsed(1, 10, 7)
	if !bal.CanSupply(3) {
		t.Fatalf("expected 3 to be suppliable from remaining %d", bal.Remaining)
	}
	if bal.CanSupply(4) {
		t.Fatalf("expected 4 to exceed remaining %d", bal.Remaining)
	}
	anomalous := models.BalanceFromNetUsed(1, 10, 11)
	if anomalous.CanSupply(1) {
		t.Fatalf("an over-consumed lot must not supply more")
	}
}

func TestTypedErrors_UnwrapToSentinels(t *testing.T) {
	if !errors.Is(&models.InsufficientStockError{LotId: 1}, models.ErrInsufficientStock) {
		t.Fatalf("InsufficientStockError must unwrap to ErrInsufficientStock")
	}
	if !errors.Is(&models.OverReturnError{LotId: 1}, models.ErrOverReturn) {
		t.Fatalf("OverReturnError must unwrap to ErrOverReturn")
	}
	if !errors.Is(models.ConcurrentModificationError("sku %d", 3), models.ErrConcurrentModification) {
		t.Fatalf("ConcurrentModificationError must wrap ErrConcurrentModification")
	}
}
