package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("material-ledger/workflow")

// Engine runs inventory actions against a store. Each action is one transaction.
type Engine struct {
	Store     models.InventoryStore
	Logger    *logrus.Logger
	Projector *Projector
	// Refresher is told which lots changed after every commit.
	Refresher ProjectionRefresher
	Alerts    AnomalySink
	// Locker is an optional cross-instance lock per SKU; the transaction stays the source of safety.
	Locker SkuLocker
	Now    func() time.Time
}

// NewEngine wires the defaults from config: projection refresh mode, redis snapshot cache, redis SKU lock.
func NewEngine(store models.InventoryStore, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	alerts := NewLedgerAnomalyQueue(store, logger)
	projector := NewProjector(store, logger)
	projector.Alerts = alerts
	e := &Engine{
		Store:     store,
		Logger:    logger,
		Projector: projector,
		Refresher: projector,
		Alerts:    alerts,
		Now:       func() time.Time { return time.Now().UTC() },
	}
	if config.ProjectionRefreshMode() == config.ProjectionRefreshPubSub {
		e.Refresher = NewPubSubRefresher(projector, logger)
	}
	if config.UseSkuRedisLock() {
		e.Locker = NewRedisSkuLocker(logger)
	}
	return e
}

// ActionResult is what one committed action produced.
type ActionResult struct {
	Sku   *models.Sku                  `json:"sku"`
	Log   *models.SkuInventoryLog      `json:"log"`
	Usage []*models.MaterialUsageEntry `json:"usage"`
	// TouchedLots are the lots whose ledger or row changed.
	TouchedLots []int `json:"touched_lots"`

	observed []models.LotBalance
}

func (r *ActionResult) observe(bal models.LotBalance) {
	if bal.Anomaly {
		r.observed = append(r.observed, bal)
	}
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

func (e *Engine) logger() *logrus.Logger {
	if e.Logger == nil {
		return config.GetLogger()
	}
	return e.Logger
}

// execute runs body in one transaction, then reports anomalies (even on failure) and refreshes
// projections of the touched lots (only on success).
func (e *Engine) execute(ctx context.Context, op string, lockKey string, body func(ctx context.Context, tx models.InventoryTx, res *ActionResult) error) (*ActionResult, error) {
	ctx, span := tracer.Start(ctx, "workflow."+op)
	defer span.End()
	span.SetAttributes(attribute.String("inventory.lock_key", lockKey))

	if e.Locker != nil && lockKey != "" {
		unlock := e.Locker.Lock(ctx, lockKey)
		defer unlock()
	}

	res := &ActionResult{}
	err := e.Store.Transaction(ctx, func(tx models.InventoryTx) error {
		return body(ctx, tx, res)
	})
	e.reportAnomalies(context.WithoutCancel(ctx), op, res.observed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !isBusinessError(err) {
			config.LogError(e.logger(), "engine.go", op, "transaction", lockKey, err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.IntSlice("inventory.lot_ids", res.TouchedLots))
	e.requestRefresh(ctx, op, res.TouchedLots)
	return res, nil
}

// isBusinessError reports the typed outcomes callers act on; they are returned, not logged as failures.
func isBusinessError(err error) bool {
	for _, target := range []error{
		models.ErrInsufficientStock, models.ErrOverReturn, models.ErrConcurrentModification,
		models.ErrInsufficientSkuQuantity, models.ErrInvalidQuantity, models.ErrInvalidLotSelection,
		models.ErrPolicyOverride, models.ErrSkuAlreadyExists, models.ErrDuplicateLotCode,
		models.ErrLotNotFound, models.ErrSkuNotFound, models.ErrEmptyRecipe,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (e *Engine) reportAnomalies(ctx context.Context, detectedBy string, balances []models.LotBalance) {
	if e.Alerts == nil {
		return
	}
	for _, bal := range balances {
		var inconsistent *models.InconsistentLedgerError
		if errors.As(bal.Err(), &inconsistent) {
			e.Alerts.Report(ctx, detectedBy, inconsistent)
		}
	}
}

// requestRefresh never fails the action: the projection is a rebuildable cache.
func (e *Engine) requestRefresh(ctx context.Context, op string, lotIds []int) {
	if e.Refresher == nil || len(lotIds) == 0 {
		return
	}
	if err := e.Refresher.RequestRefresh(context.WithoutCancel(ctx), lotIds, op); err != nil {
		config.LogError(e.logger(), "engine.go", op, "projection refresh", lotIds, err)
	}
}

// ProjectionSnapshot lists denormalized lot rows, optionally for one material kind.
func (e *Engine) ProjectionSnapshot(ctx context.Context, kind *models.MaterialKind) ([]*models.MaterialProjection, error) {
	return e.Projector.Snapshot(ctx, kind)
}
