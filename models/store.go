package models

import (
	"context"
)

// InventoryReader is the read side shared by stores and open transactions.
type InventoryReader interface {
	GetPurchaseLot(ctx context.Context, id int) (*PurchaseLot, error)
	// GetPurchaseLots returns the lots ordered by id; any missing id is ErrLotNotFound.
	GetPurchaseLots(ctx context.Context, ids []int) ([]*PurchaseLot, error)
	ListPurchaseLots(ctx context.Context, kind *MaterialKind) ([]*PurchaseLot, error)
	// LotNetUsed returns Σ quantity_delta per lot, 0 for lots without entries.
	LotNetUsed(ctx context.Context, lotIds []int) (map[int]int, error)
	// ListUsageEntries pages a lot's ledger in append order, strictly after the cursor.
	ListUsageEntries(ctx context.Context, lotId int, after *UsageCursor, limit int) ([]*MaterialUsageEntry, error)
	// SkuLotNetConsumed returns, per lot, what the SKU consumed minus what it returned.
	SkuLotNetConsumed(ctx context.Context, skuId int) (map[int]int, error)

	GetSku(ctx context.Context, id int) (*Sku, error)
	GetSkuByCode(ctx context.Context, code string) (*Sku, error)
	ListSkuIds(ctx context.Context) ([]int, error)
	ListSkuLogs(ctx context.Context, skuId int) ([]*SkuInventoryLog, error)

	GetProjection(ctx context.Context, lotId int) (*MaterialProjection, error)
	ListProjections(ctx context.Context, kind *MaterialKind) ([]*MaterialProjection, error)
	ListOpenAnomalies(ctx context.Context) ([]*LedgerAnomaly, error)
}

// InventoryTx is one atomic unit of work. Nothing written through it is visible to others before commit.
type InventoryTx interface {
	InventoryReader

	CreatePurchaseLot(ctx context.Context, lot *PurchaseLot) error
	// LockPurchaseLots takes row locks in ascending id order and returns the locked lots.
	LockPurchaseLots(ctx context.Context, ids []int) ([]*PurchaseLot, error)
	SetLotStatus(ctx context.Context, lotId int, status LotStatus) error
	AppendUsageEntries(ctx context.Context, entries []*MaterialUsageEntry) error

	CreateSku(ctx context.Context, sku *Sku) error
	// UpdateSkuCounters writes the counters only if the stored version still equals expectedVersion,
	// and bumps sku.Version. A mismatch is ErrConcurrentModification.
	UpdateSkuCounters(ctx context.Context, sku *Sku, expectedVersion int) error
	AppendSkuLog(ctx context.Context, entry *SkuInventoryLog) error

	UpsertProjection(ctx context.Context, p *MaterialProjection) error
	// RecordAnomaly inserts unless the lot already has an OPEN anomaly; reports whether it inserted.
	RecordAnomaly(ctx context.Context, a *LedgerAnomaly) (bool, error)
}

type InventoryStore interface {
	InventoryReader
	// Transaction commits when fn returns nil and rolls back otherwise.
	// Lock acquisition that times out surfaces as ErrConcurrentModification.
	Transaction(ctx context.Context, fn func(tx InventoryTx) error) error
}
