package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/material_ledger/utils"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore keeps the inventory tables in MySQL or Postgres.
type GormStore struct {
	gormReader
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{gormReader{db: db}}
}

// Transaction runs fn at READ COMMITTED. The caller's context bounds only the wait for a
// connection; once begun, the work runs to commit or rollback and row locks are bounded by the
// lock-wait timeout. A cancel before the connection is acquired is ErrConcurrentModification.
func (s *GormStore) Transaction(ctx context.Context, fn func(tx InventoryTx) error) (err error) {
	if ctx.Err() != nil {
		return ConcurrentModificationError("begin transaction: %v", ctx.Err())
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ConcurrentModificationError("acquire connection: %v", err)
		}
		return classifyDBError(err)
	}
	defer conn.Close()

	session := s.db.Session(&gorm.Session{NewDB: true, Context: context.WithoutCancel(ctx)})
	session.Statement.ConnPool = conn
	tx := session.Begin(&sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if tx.Error != nil {
		return classifyDBError(tx.Error)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err = fn(&gormTx{gormReader{db: tx, inTx: true}}); err != nil {
		tx.Rollback()
		return classifyDBError(err)
	}
	if err = tx.Commit().Error; err != nil {
		return classifyDBError(err)
	}
	return nil
}

type gormTx struct {
	gormReader
}

type gormReader struct {
	db   *gorm.DB
	inTx bool
}

// session scopes a statement to ctx. Inside a transaction the caller's cancel is dropped so a
// begun unit of work always reaches commit or rollback.
func (r gormReader) session(ctx context.Context) *gorm.DB {
	if r.inTx {
		ctx = context.WithoutCancel(ctx)
	}
	return r.db.WithContext(ctx)
}

func (r gormReader) GetPurchaseLot(ctx context.Context, id int) (*PurchaseLot, error) {
	var lot PurchaseLot
	if err := r.session(ctx).First(&lot, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: id=%d", ErrLotNotFound, id)
		}
		return nil, err
	}
	return &lot, nil
}

func (r gormReader) GetPurchaseLots(ctx context.Context, ids []int) ([]*PurchaseLot, error) {
	return findLots(r.session(ctx), ids)
}

func findLots(db *gorm.DB, ids []int) ([]*PurchaseLot, error) {
	ids = utils.SortedUnique(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	var lots []*PurchaseLot
	if err := db.Where("id IN ?", ids).Order("id").Find(&lots).Error; err != nil {
		return nil, err
	}
	if err := requireAllLots(ids, lots); err != nil {
		return nil, err
	}
	return lots, nil
}

func (r gormReader) ListPurchaseLots(ctx context.Context, kind *MaterialKind) ([]*PurchaseLot, error) {
	db := r.session(ctx)
	if kind != nil {
		db = db.Where("material_kind = ?", *kind)
	}
	var lots []*PurchaseLot
	err := db.Order("id").Find(&lots).Error
	return lots, err
}

type lotSum struct {
	LotId int
	Net   int
}

func (r gormReader) LotNetUsed(ctx context.Context, lotIds []int) (map[int]int, error) {
	lotIds = utils.SortedUnique(lotIds)
	result := make(map[int]int, len(lotIds))
	if len(lotIds) == 0 {
		return result, nil
	}
	var sums []lotSum
	err := r.session(ctx).Model(&MaterialUsageEntry{}).
		Select("lot_id, COALESCE(SUM(quantity_delta), 0) AS net").
		Where("lot_id IN ?", lotIds).
		Group("lot_id").
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}
	for _, id := range lotIds {
		result[id] = 0
	}
	for _, s := range sums {
		result[s.LotId] = s.Net
	}
	return result, nil
}

func (r gormReader) ListUsageEntries(ctx context.Context, lotId int, after *UsageCursor, limit int) ([]*MaterialUsageEntry, error) {
	db := r.session(ctx).Where("lot_id = ?", lotId)
	if after != nil {
		db = db.Where("seq > ?", after.Seq)
	}
	if limit > 0 {
		db = db.Limit(limit)
	}
	var entries []*MaterialUsageEntry
	err := db.Order("seq ASC").Find(&entries).Error
	return entries, err
}

func (r gormReader) SkuLotNetConsumed(ctx context.Context, skuId int) (map[int]int, error) {
	var sums []lotSum
	err := r.session(ctx).Model(&MaterialUsageEntry{}).
		Select("lot_id, COALESCE(SUM(quantity_delta), 0) AS net").
		Where("sku_id = ?", skuId).
		Group("lot_id").
		Scan(&sums).Error
	if err != nil {
		return nil, err
	}
	result := make(map[int]int, len(sums))
	for _, s := range sums {
		result[s.LotId] = s.Net
	}
	return result, nil
}

func (r gormReader) GetSku(ctx context.Context, id int) (*Sku, error) {
	return r.firstSku(ctx, "id = ?", id)
}

func (r gormReader) GetSkuByCode(ctx context.Context, code string) (*Sku, error) {
	return r.firstSku(ctx, "code = ?", code)
}

func (r gormReader) firstSku(ctx context.Context, query string, arg any) (*Sku, error) {
	var sku Sku
	err := r.session(ctx).
		Preload("MaterialRatios", func(db *gorm.DB) *gorm.DB { return db.Order("lot_id") }).
		Where(query, arg).
		First(&sku).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrSkuNotFound, arg)
		}
		return nil, err
	}
	return &sku, nil
}

func (r gormReader) ListSkuIds(ctx context.Context) ([]int, error) {
	var ids []int
	err := r.session(ctx).Model(&Sku{}).Order("id").Pluck("id", &ids).Error
	return ids, err
}

func (r gormReader) ListSkuLogs(ctx context.Context, skuId int) ([]*SkuInventoryLog, error) {
	var logs []*SkuInventoryLog
	err := r.session(ctx).Where("sku_id = ?", skuId).Order("sequence").Find(&logs).Error
	return logs, err
}

func (r gormReader) GetProjection(ctx context.Context, lotId int) (*MaterialProjection, error) {
	var p MaterialProjection
	if err := r.session(ctx).Where("lot_id = ?", lotId).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (r gormReader) ListProjections(ctx context.Context, kind *MaterialKind) ([]*MaterialProjection, error) {
	db := r.session(ctx)
	if kind != nil {
		db = db.Where("material_kind = ?", *kind)
	}
	var rows []*MaterialProjection
	err := db.Order("lot_id").Find(&rows).Error
	return rows, err
}

func (r gormReader) ListOpenAnomalies(ctx context.Context) ([]*LedgerAnomaly, error) {
	var rows []*LedgerAnomaly
	err := r.session(ctx).Where("status = ?", AnomalyStatusOpen).Order("id").Find(&rows).Error
	return rows, err
}

func (t *gormTx) CreatePurchaseLot(ctx context.Context, lot *PurchaseLot) error {
	if err := t.session(ctx).Create(lot).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateLotCode, lot.Code)
		}
		return err
	}
	return nil
}

func (t *gormTx) LockPurchaseLots(ctx context.Context, ids []int) ([]*PurchaseLot, error) {
	return findLots(t.session(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), ids)
}

func (t *gormTx) SetLotStatus(ctx context.Context, lotId int, status LotStatus) error {
	return t.session(ctx).Model(&PurchaseLot{}).Where("id = ?", lotId).Update("status", status).Error
}

func (t *gormTx) AppendUsageEntries(ctx context.Context, entries []*MaterialUsageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return t.session(ctx).Create(entries).Error
}

func (t *gormTx) CreateSku(ctx context.Context, sku *Sku) error {
	if err := t.session(ctx).Create(sku).Error; err != nil {
		if isDuplicateKey(err) {
			return ConcurrentModificationError("sku %s was created concurrently", sku.Code)
		}
		return err
	}
	return nil
}

func (t *gormTx) UpdateSkuCounters(ctx context.Context, sku *Sku, expectedVersion int) error {
	res := t.session(ctx).Model(&Sku{}).
		Where("id = ? AND version = ?", sku.ID, expectedVersion).
		Updates(map[string]interface{}{
			"total_quantity":     sku.TotalQuantity,
			"available_quantity": sku.AvailableQuantity,
			"version":            expectedVersion + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ConcurrentModificationError("sku %d changed since version %d", sku.ID, expectedVersion)
	}
	sku.Version = expectedVersion + 1
	return nil
}

func (t *gormTx) AppendSkuLog(ctx context.Context, entry *SkuInventoryLog) error {
	if err := t.session(ctx).Create(entry).Error; err != nil {
		if isDuplicateKey(err) {
			return ConcurrentModificationError("sku %d log sequence %d already written", entry.SkuId, entry.Sequence)
		}
		return err
	}
	return nil
}

func (t *gormTx) UpsertProjection(ctx context.Context, p *MaterialProjection) error {
	return t.session(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lot_id"}},
		UpdateAll: true,
	}).Create(p).Error
}

func (t *gormTx) RecordAnomaly(ctx context.Context, a *LedgerAnomaly) (bool, error) {
	var count int64
	err := t.session(ctx).Model(&LedgerAnomaly{}).
		Where("lot_id = ? AND status = ?", a.LotId, AnomalyStatusOpen).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if err := t.session(ctx).Create(a).Error; err != nil {
		return false, err
	}
	return true, nil
}

// classifyDBError maps lock-wait, deadlock and serialization failures to ErrConcurrentModification.
func classifyDBError(err error) error {
	if err == nil || errors.Is(err, ErrConcurrentModification) {
		return err
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213:
			return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
	}
	return err
}

func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func requireAllLots(ids []int, lots []*PurchaseLot) error {
	found := make(map[int]bool, len(lots))
	for _, l := range lots {
		found[l.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			return fmt.Errorf("%w: id=%d", ErrLotNotFound, id)
		}
	}
	return nil
}
