package models

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/utils"
	"github.com/google/uuid"
)

const defaultMemoryLockTimeout = 5 * time.Second

// MemoryStore is an in-process InventoryStore with the same rules as the SQL store:
// lot locks are exclusive until commit or rollback, writes stay private until commit,
// and SKU counters are guarded by a version check at write and again at commit.
type MemoryStore struct {
	// LockTimeout bounds lot lock acquisition; expiry is ErrConcurrentModification.
	LockTimeout time.Duration
	// AfterSkuRead runs after a transaction reads a SKU row. Tests use it to line up races.
	AfterSkuRead func(skuId int)

	mu          sync.RWMutex
	lots        map[int]*PurchaseLot
	usage       []*MaterialUsageEntry
	usageSeq    int64
	skus        map[int]*Sku
	logs        map[int][]*SkuInventoryLog
	projections map[int]*MaterialProjection
	anomalies   []*LedgerAnomaly
	lotLocks    map[int]chan struct{}
	ids         map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		LockTimeout: defaultMemoryLockTimeout,
		lots:        map[int]*PurchaseLot{},
		skus:        map[int]*Sku{},
		logs:        map[int][]*SkuInventoryLog{},
		projections: map[int]*MaterialProjection{},
		lotLocks:    map[int]chan struct{}{},
		ids:         map[string]int{},
	}
}

// Transaction buffers fn's writes and applies them atomically if fn succeeds.
// Like the SQL store, ctx is checked only before the work begins.
func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx InventoryTx) error) error {
	if ctx.Err() != nil {
		return ConcurrentModificationError("begin transaction: %v", ctx.Err())
	}
	tx := &memTx{memView{s: s, p: newMemPending()}}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx.p)
}

func (s *MemoryStore) nextId(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[kind]++
	return s.ids[kind]
}

func (s *MemoryStore) lotLock(id int) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.lotLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.lotLocks[id] = ch
	}
	return ch
}

func (s *MemoryStore) lockTimeout() time.Duration {
	if s.LockTimeout <= 0 {
		return defaultMemoryLockTimeout
	}
	return s.LockTimeout
}

func (s *MemoryStore) commit(p *memPending) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lot := range p.lots {
		for _, existing := range s.lots {
			if existing.Code == lot.Code {
				return fmt.Errorf("%w: %s", ErrDuplicateLotCode, lot.Code)
			}
		}
	}
	for _, sku := range p.newSkus {
		for _, existing := range s.skus {
			if existing.Code == sku.Code {
				return ConcurrentModificationError("sku %s was created concurrently", sku.Code)
			}
		}
	}
	for id, u := range p.skuUpdates {
		current, ok := s.skus[id]
		if !ok || current.Version != u.expected {
			return ConcurrentModificationError("sku %d changed since version %d", id, u.expected)
		}
	}
	for _, l := range p.logs {
		for _, existing := range s.logs[l.SkuId] {
			if existing.Sequence == l.Sequence {
				return ConcurrentModificationError("sku %d log sequence %d already written", l.SkuId, l.Sequence)
			}
		}
	}

	for id, lot := range p.lots {
		s.lots[id] = lot
	}
	for id, status := range p.statuses {
		if lot, ok := s.lots[id]; ok {
			updated := *lot
			updated.Status = status
			updated.UpdatedAt = time.Now()
			s.lots[id] = &updated
		}
	}
	for _, e := range p.usage {
		s.usageSeq++
		e.Seq = s.usageSeq
		s.usage = append(s.usage, e)
	}
	for id, sku := range p.newSkus {
		s.skus[id] = sku
	}
	for id, u := range p.skuUpdates {
		updated := copySku(s.skus[id])
		updated.TotalQuantity = u.total
		updated.AvailableQuantity = u.available
		updated.Version = u.expected + 1
		updated.UpdatedAt = time.Now()
		s.skus[id] = updated
	}
	for _, l := range p.logs {
		s.logs[l.SkuId] = append(s.logs[l.SkuId], l)
	}
	for id, proj := range p.projections {
		s.projections[id] = proj
	}
	for _, a := range p.anomalies {
		if !s.hasOpenAnomalyLocked(a.LotId) {
			s.anomalies = append(s.anomalies, a)
		}
	}
	return nil
}

func (s *MemoryStore) hasOpenAnomalyLocked(lotId int) bool {
	for _, a := range s.anomalies {
		if a.LotId == lotId && a.Status == AnomalyStatusOpen {
			return true
		}
	}
	return false
}

type skuUpdate struct {
	expected  int
	total     int
	available int
}

type memPending struct {
	lots        map[int]*PurchaseLot
	statuses    map[int]LotStatus
	usage       []*MaterialUsageEntry
	usageSeq    int64
	newSkus     map[int]*Sku
	skuUpdates  map[int]skuUpdate
	logs        []*SkuInventoryLog
	projections map[int]*MaterialProjection
	anomalies   []*LedgerAnomaly
	held        map[int]chan struct{}
}

func newMemPending() *memPending {
	return &memPending{
		lots:        map[int]*PurchaseLot{},
		statuses:    map[int]LotStatus{},
		newSkus:     map[int]*Sku{},
		skuUpdates:  map[int]skuUpdate{},
		projections: map[int]*MaterialProjection{},
		held:        map[int]chan struct{}{},
	}
}

// memView reads committed state overlaid with a transaction's pending writes (p may be nil).
type memView struct {
	s *MemoryStore
	p *memPending
}

func (s *MemoryStore) view() memView { return memView{s: s} }

func (v memView) GetPurchaseLot(ctx context.Context, id int) (*PurchaseLot, error) {
	if v.p != nil {
		if lot, ok := v.p.lots[id]; ok {
			return v.withStatus(*lot), nil
		}
	}
	v.s.mu.RLock()
	lot, ok := v.s.lots[id]
	v.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: id=%d", ErrLotNotFound, id)
	}
	return v.withStatus(*lot), nil
}

func (v memView) withStatus(lot PurchaseLot) *PurchaseLot {
	if v.p != nil {
		if status, ok := v.p.statuses[lot.ID]; ok {
			lot.Status = status
		}
	}
	return &lot
}

func (v memView) GetPurchaseLots(ctx context.Context, ids []int) ([]*PurchaseLot, error) {
	ids = utils.SortedUnique(ids)
	lots := make([]*PurchaseLot, 0, len(ids))
	for _, id := range ids {
		lot, err := v.GetPurchaseLot(ctx, id)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, nil
}

func (v memView) ListPurchaseLots(ctx context.Context, kind *MaterialKind) ([]*PurchaseLot, error) {
	v.s.mu.RLock()
	all := make([]PurchaseLot, 0, len(v.s.lots))
	for _, lot := range v.s.lots {
		all = append(all, *lot)
	}
	v.s.mu.RUnlock()
	if v.p != nil {
		for _, lot := range v.p.lots {
			all = append(all, *lot)
		}
	}
	var out []*PurchaseLot
	for _, lot := range all {
		if kind != nil && lot.MaterialKind != *kind {
			continue
		}
		out = append(out, v.withStatus(lot))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v memView) entries() []*MaterialUsageEntry {
	v.s.mu.RLock()
	all := make([]*MaterialUsageEntry, len(v.s.usage))
	copy(all, v.s.usage)
	v.s.mu.RUnlock()
	if v.p != nil {
		all = append(all, v.p.usage...)
	}
	return all
}

func (v memView) LotNetUsed(ctx context.Context, lotIds []int) (map[int]int, error) {
	result := make(map[int]int, len(lotIds))
	for _, id := range lotIds {
		result[id] = 0
	}
	for _, e := range v.entries() {
		if _, ok := result[e.LotId]; ok {
			result[e.LotId] += e.QuantityDelta
		}
	}
	return result, nil
}

func (v memView) ListUsageEntries(ctx context.Context, lotId int, after *UsageCursor, limit int) ([]*MaterialUsageEntry, error) {
	var matched []*MaterialUsageEntry
	for _, e := range v.entries() {
		if e.LotId == lotId && after.After(e) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (v memView) SkuLotNetConsumed(ctx context.Context, skuId int) (map[int]int, error) {
	result := map[int]int{}
	for _, e := range v.entries() {
		if e.SkuId == skuId {
			result[e.LotId] += e.QuantityDelta
		}
	}
	return result, nil
}

func (v memView) GetSku(ctx context.Context, id int) (*Sku, error) {
	sku, err := v.lookupSku(func(s *Sku) bool { return s.ID == id })
	if err != nil {
		return nil, fmt.Errorf("%w: %d", err, id)
	}
	if v.p != nil && v.s.AfterSkuRead != nil {
		v.s.AfterSkuRead(id)
	}
	return sku, nil
}

func (v memView) GetSkuByCode(ctx context.Context, code string) (*Sku, error) {
	sku, err := v.lookupSku(func(s *Sku) bool { return s.Code == code })
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, code)
	}
	return sku, nil
}

func (v memView) lookupSku(match func(*Sku) bool) (*Sku, error) {
	if v.p != nil {
		for _, sku := range v.p.newSkus {
			if match(sku) {
				return copySku(sku), nil
			}
		}
	}
	v.s.mu.RLock()
	var found *Sku
	for _, sku := range v.s.skus {
		if match(sku) {
			found = copySku(sku)
			break
		}
	}
	v.s.mu.RUnlock()
	if found == nil {
		return nil, ErrSkuNotFound
	}
	if v.p != nil {
		if u, ok := v.p.skuUpdates[found.ID]; ok {
			found.TotalQuantity = u.total
			found.AvailableQuantity = u.available
			found.Version = u.expected + 1
		}
	}
	return found, nil
}

func (v memView) ListSkuIds(ctx context.Context) ([]int, error) {
	v.s.mu.RLock()
	ids := make([]int, 0, len(v.s.skus))
	for id := range v.s.skus {
		ids = append(ids, id)
	}
	v.s.mu.RUnlock()
	if v.p != nil {
		for id := range v.p.newSkus {
			ids = append(ids, id)
		}
	}
	return utils.SortedUnique(ids), nil
}

func (v memView) ListSkuLogs(ctx context.Context, skuId int) ([]*SkuInventoryLog, error) {
	v.s.mu.RLock()
	var out []*SkuInventoryLog
	for _, l := range v.s.logs[skuId] {
		cp := *l
		out = append(out, &cp)
	}
	v.s.mu.RUnlock()
	if v.p != nil {
		for _, l := range v.p.logs {
			if l.SkuId == skuId {
				cp := *l
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (v memView) GetProjection(ctx context.Context, lotId int) (*MaterialProjection, error) {
	if v.p != nil {
		if p, ok := v.p.projections[lotId]; ok {
			cp := *p
			return &cp, nil
		}
	}
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	p, ok := v.s.projections[lotId]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (v memView) ListProjections(ctx context.Context, kind *MaterialKind) ([]*MaterialProjection, error) {
	merged := map[int]*MaterialProjection{}
	v.s.mu.RLock()
	for id, p := range v.s.projections {
		merged[id] = p
	}
	v.s.mu.RUnlock()
	if v.p != nil {
		for id, p := range v.p.projections {
			merged[id] = p
		}
	}
	var out []*MaterialProjection
	for _, p := range merged {
		if kind != nil && p.MaterialKind != *kind {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LotId < out[j].LotId })
	return out, nil
}

func (v memView) ListOpenAnomalies(ctx context.Context) ([]*LedgerAnomaly, error) {
	v.s.mu.RLock()
	all := make([]*LedgerAnomaly, len(v.s.anomalies))
	copy(all, v.s.anomalies)
	v.s.mu.RUnlock()
	if v.p != nil {
		all = append(all, v.p.anomalies...)
	}
	var out []*LedgerAnomaly
	for _, a := range all {
		if a.Status == AnomalyStatusOpen {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memTx struct {
	memView
}

func (t *memTx) release() {
	for id, ch := range t.p.held {
		<-ch
		delete(t.p.held, id)
	}
}

func (t *memTx) CreatePurchaseLot(ctx context.Context, lot *PurchaseLot) error {
	all, _ := t.ListPurchaseLots(ctx, nil)
	for _, existing := range all {
		if existing.Code == lot.Code {
			return fmt.Errorf("%w: %s", ErrDuplicateLotCode, lot.Code)
		}
	}
	lot.ID = t.s.nextId("lot")
	now := time.Now()
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = now
	}
	lot.UpdatedAt = now
	cp := *lot
	t.p.lots[lot.ID] = &cp
	return nil
}

func (t *memTx) LockPurchaseLots(ctx context.Context, ids []int) ([]*PurchaseLot, error) {
	ids = utils.SortedUnique(ids)
	for _, id := range ids {
		if _, ok := t.p.lots[id]; ok {
			continue
		}
		if _, held := t.p.held[id]; held {
			continue
		}
		if _, err := t.GetPurchaseLot(ctx, id); err != nil {
			return nil, err
		}
		ch := t.s.lotLock(id)
		select {
		case ch <- struct{}{}:
			t.p.held[id] = ch
		case <-time.After(t.s.lockTimeout()):
			return nil, ConcurrentModificationError("lock wait timeout on lot %d", id)
		}
	}
	return t.GetPurchaseLots(ctx, ids)
}

func (t *memTx) SetLotStatus(ctx context.Context, lotId int, status LotStatus) error {
	if _, err := t.GetPurchaseLot(ctx, lotId); err != nil {
		return err
	}
	t.p.statuses[lotId] = status
	return nil
}

func (t *memTx) AppendUsageEntries(ctx context.Context, entries []*MaterialUsageEntry) error {
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now()
		}
		cp := *e
		t.p.usage = append(t.p.usage, &cp)
	}
	return nil
}

func (t *memTx) CreateSku(ctx context.Context, sku *Sku) error {
	if _, err := t.GetSkuByCode(ctx, sku.Code); err == nil {
		return ConcurrentModificationError("sku %s was created concurrently", sku.Code)
	}
	sku.ID = t.s.nextId("sku")
	if sku.Version == 0 {
		sku.Version = 1
	}
	now := time.Now()
	sku.CreatedAt = now
	sku.UpdatedAt = now
	for i := range sku.MaterialRatios {
		sku.MaterialRatios[i].ID = t.s.nextId("ratio")
		sku.MaterialRatios[i].SkuId = sku.ID
	}
	t.p.newSkus[sku.ID] = copySku(sku)
	return nil
}

func (t *memTx) UpdateSkuCounters(ctx context.Context, sku *Sku, expectedVersion int) error {
	if created, ok := t.p.newSkus[sku.ID]; ok {
		if created.Version != expectedVersion {
			return ConcurrentModificationError("sku %d changed since version %d", sku.ID, expectedVersion)
		}
		created.TotalQuantity = sku.TotalQuantity
		created.AvailableQuantity = sku.AvailableQuantity
		created.Version = expectedVersion + 1
		sku.Version = created.Version
		return nil
	}
	current := expectedVersion
	if u, ok := t.p.skuUpdates[sku.ID]; ok {
		current = u.expected + 1
	} else {
		t.s.mu.RLock()
		committed, ok := t.s.skus[sku.ID]
		if ok {
			current = committed.Version
		}
		t.s.mu.RUnlock()
		if !ok {
			return fmt.Errorf("%w: %d", ErrSkuNotFound, sku.ID)
		}
	}
	if current != expectedVersion {
		return ConcurrentModificationError("sku %d changed since version %d", sku.ID, expectedVersion)
	}
	base := expectedVersion
	if u, ok := t.p.skuUpdates[sku.ID]; ok {
		base = u.expected
	}
	t.p.skuUpdates[sku.ID] = skuUpdate{expected: base, total: sku.TotalQuantity, available: sku.AvailableQuantity}
	sku.Version = expectedVersion + 1
	return nil
}

func (t *memTx) AppendSkuLog(ctx context.Context, entry *SkuInventoryLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	existing, _ := t.ListSkuLogs(ctx, entry.SkuId)
	for _, l := range existing {
		if l.Sequence == entry.Sequence {
			return ConcurrentModificationError("sku %d log sequence %d already written", entry.SkuId, entry.Sequence)
		}
	}
	cp := *entry
	t.p.logs = append(t.p.logs, &cp)
	return nil
}

func (t *memTx) UpsertProjection(ctx context.Context, p *MaterialProjection) error {
	cp := *p
	t.p.projections[p.LotId] = &cp
	return nil
}

func (t *memTx) RecordAnomaly(ctx context.Context, a *LedgerAnomaly) (bool, error) {
	open, _ := t.ListOpenAnomalies(ctx)
	for _, existing := range open {
		if existing.LotId == a.LotId {
			return false, nil
		}
	}
	a.ID = t.s.nextId("anomaly")
	if a.Status == "" {
		a.Status = AnomalyStatusOpen
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	t.p.anomalies = append(t.p.anomalies, &cp)
	return true, nil
}

// The read side of the store outside any transaction sees committed state only.

func (s *MemoryStore) GetPurchaseLot(ctx context.Context, id int) (*PurchaseLot, error) {
	return s.view().GetPurchaseLot(ctx, id)
}

func (s *MemoryStore) GetPurchaseLots(ctx context.Context, ids []int) ([]*PurchaseLot, error) {
	return s.view().GetPurchaseLots(ctx, ids)
}

func (s *MemoryStore) ListPurchaseLots(ctx context.Context, kind *MaterialKind) ([]*PurchaseLot, error) {
	return s.view().ListPurchaseLots(ctx, kind)
}

func (s *MemoryStore) LotNetUsed(ctx context.Context, lotIds []int) (map[int]int, error) {
	return s.view().LotNetUsed(ctx, lotIds)
}

func (s *MemoryStore) ListUsageEntries(ctx context.Context, lotId int, after *UsageCursor, limit int) ([]*MaterialUsageEntry, error) {
	return s.view().ListUsageEntries(ctx, lotId, after, limit)
}

func (s *MemoryStore) SkuLotNetConsumed(ctx context.Context, skuId int) (map[int]int, error) {
	return s.view().SkuLotNetConsumed(ctx, skuId)
}

func (s *MemoryStore) GetSku(ctx context.Context, id int) (*Sku, error) {
	return s.view().GetSku(ctx, id)
}

func (s *MemoryStore) GetSkuByCode(ctx context.Context, code string) (*Sku, error) {
	return s.view().GetSkuByCode(ctx, code)
}

func (s *MemoryStore) ListSkuIds(ctx context.Context) ([]int, error) {
	return s.view().ListSkuIds(ctx)
}

func (s *MemoryStore) ListSkuLogs(ctx context.Context, skuId int) ([]*SkuInventoryLog, error) {
	return s.view().ListSkuLogs(ctx, skuId)
}

func (s *MemoryStore) GetProjection(ctx context.Context, lotId int) (*MaterialProjection, error) {
	return s.view().GetProjection(ctx, lotId)
}

func (s *MemoryStore) ListProjections(ctx context.Context, kind *MaterialKind) ([]*MaterialProjection, error) {
	return s.view().ListProjections(ctx, kind)
}

func (s *MemoryStore) ListOpenAnomalies(ctx context.Context) ([]*LedgerAnomaly, error) {
	return s.view().ListOpenAnomalies(ctx)
}

func copySku(s *Sku) *Sku {
	cp := *s
	cp.MaterialRatios = append([]SkuMaterialRatio(nil), s.MaterialRatios...)
	return &cp
}
