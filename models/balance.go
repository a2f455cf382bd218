package models

// LotBalance is the derived state of one lot. It is always recomputed from the ledger.
type LotBalance struct {
	LotId           int  `json:"lot_id"`
	InitialQuantity int  `json:"initial_quantity"`
	NetUsed         int  `json:"net_used"`
	Remaining       int  `json:"remaining"`
	Anomaly         bool `json:"anomaly"`
}

// BalanceFromNetUsed applies remaining = max(0, initial - net_used).
// A net above the initial quantity, or below zero, is an anomaly and is flagged rather than hidden.
func BalanceFromNetUsed(lotId, initial, netUsed int) LotBalance {
	return LotBalance{
		LotId:           lotId,
		InitialQuantity: initial,
		NetUsed:         netUsed,
		Remaining:       max(0, initial-netUsed),
		Anomaly:         netUsed > initial || netUsed < 0,
	}
}

// ComputeLotBalance sums the signed deltas. Returns are negative consumption, not a separate total.
func ComputeLotBalance(lotId, initial int, deltas []int) LotBalance {
	net := 0
	for _, d := range deltas {
		net += d
	}
	return BalanceFromNetUsed(lotId, initial, net)
}

// Err returns the anomaly as an *InconsistentLedgerError, or nil.
func (b LotBalance) Err() error {
	if !b.Anomaly {
		return nil
	}
	return &InconsistentLedgerError{LotId: b.LotId, InitialQuantity: b.InitialQuantity, NetUsed: b.NetUsed}
}

// CanSupply reports whether qty more units can be consumed without exceeding the initial quantity.
func (b LotBalance) CanSupply(qty int) bool {
	return qty <= b.Remaining
}
