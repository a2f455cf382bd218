package workflow

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// recordingSink collects anomaly reports instead of writing them.
type recordingSink struct {
	mu       sync.Mutex
	findings []*models.InconsistentLedgerError
	by       []string
}

func (s *recordingSink) Report(ctx context.Context, detectedBy string, finding *models.InconsistentLedgerError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, finding)
	s.by = append(s.by, detectedBy)
}

func (s *recordingSink) lots() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.findings))
	for _, f := range s.findings {
		ids = append(ids, f.LotId)
	}
	return ids
}

// mapCache is an in-memory ProjectionCache that stores JSON like the redis one does.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: map[string][]byte{}} }

func (c *mapCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	b, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (c *mapCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.data[key] = b
	c.mu.Unlock()
	return nil
}

func (c *mapCache) Remove(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// stepClock hands out strictly increasing timestamps so ledger order is deterministic.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type testEnv struct {
	engine *Engine
	store  *models.MemoryStore
	sink   *recordingSink
	cache  *mapCache
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := models.NewMemoryStore()
	store.LockTimeout = 2 * time.Second
	logger := quietLogger()
	sink := &recordingSink{}
	cache := newMapCache()
	projector := &Projector{Store: store, Cache: cache, Alerts: sink, Logger: logger}
	clock := &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return &testEnv{
		engine: &Engine{
			Store:     store,
			Logger:    logger,
			Projector: projector,
			Refresher: projector,
			Alerts:    sink,
			Now:       clock.Now,
		},
		store: store,
		sink:  sink,
		cache: cache,
	}
}

func (env *testEnv) beadLot(t *testing.T, code string, beads int) *models.PurchaseLot {
	t.Helper()
	input, err := models.NewPurchaseLotFromSpec(code, models.LooseBeadsSpec{Beads: models.Beads(beads), DiameterMm: decimal.NewFromInt(8)}, decimal.RequireFromString("0.05"))
	if err != nil {
		t.Fatalf("lot input: %v", err)
	}
	lot, err := env.engine.CreatePurchaseLot(context.Background(), input)
	if err != nil {
		t.Fatalf("CreatePurchaseLot(%s): %v", code, err)
	}
	return lot
}

func (env *testEnv) sku(t *testing.T, code string, qty int, recipe ...models.RecipeLine) *models.Sku {
	t.Helper()
	res, err := env.engine.CreateSku(context.Background(), &models.NewSku{Code: code, Quantity: qty, Recipe: recipe}, "")
	if err != nil {
		t.Fatalf("CreateSku(%s): %v", code, err)
	}
	return res.Sku
}

func (env *testEnv) remaining(t *testing.T, lotId int) int {
	t.Helper()
	bal, err := env.engine.RemainingQuantity(context.Background(), lotId)
	if err != nil {
		t.Fatalf("RemainingQuantity(%d): %v", lotId, err)
	}
	return bal.Remaining
}

func (env *testEnv) usageCount(t *testing.T, lotId int) int {
	t.Helper()
	n := 0
	if err := env.engine.EachUsageEntry(context.Background(), lotId, nil, func(*models.MaterialUsageEntry) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("EachUsageEntry(%d): %v", lotId, err)
	}
	return n
}

// overConsume appends a raw entry that bypasses the supply check, as a manual import would.
func (env *testEnv) overConsume(t *testing.T, lotId, qty int) {
	t.Helper()
	ctx := context.Background()
	if err := env.store.Transaction(ctx, func(tx models.InventoryTx) error {
		return tx.AppendUsageEntries(ctx, []*models.MaterialUsageEntry{{LotId: lotId, SkuId: 999, ProductionEventId: "import", QuantityDelta: qty}})
	}); err != nil {
		t.Fatalf("append raw usage: %v", err)
	}
}

func line(lotId, perUnit int) models.RecipeLine {
	return models.RecipeLine{LotId: lotId, QuantityPerUnit: perUnit}
}

func intPtr(v int) *int { return &v }
