package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"bitbucket.org/mmdatafocus/material_ledger/models"
	"bitbucket.org/mmdatafocus/material_ledger/utils"
	"bitbucket.org/mmdatafocus/material_ledger/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// errorStatus maps typed results to HTTP codes; the body always carries the actionable message.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrConcurrentModification),
		errors.Is(err, models.ErrSkuAlreadyExists),
		errors.Is(err, models.ErrDuplicateLotCode):
		return http.StatusConflict
	case errors.Is(err, models.ErrLotNotFound), errors.Is(err, models.ErrSkuNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientStock),
		errors.Is(err, models.ErrOverReturn),
		errors.Is(err, models.ErrInsufficientSkuQuantity),
		errors.Is(err, models.ErrPolicyOverride),
		errors.Is(err, models.ErrInvalidLotSelection):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

func errorBody(err error) gin.H {
	body := gin.H{"error": err.Error()}
	var short *models.InsufficientStockError
	var over *models.OverReturnError
	switch {
	case errors.As(err, &short):
		body["lot_id"] = short.LotId
		body["lot_code"] = short.LotCode
		body["required"] = short.Required
		body["remaining"] = short.Remaining
	case errors.As(err, &over):
		body["lot_id"] = over.LotId
		body["requested"] = over.Requested
		body["allowed"] = over.Allowed
	}
	return body
}

func respondError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), errorBody(err))
}

func pathId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (a *app) createPurchaseLotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.NewPurchaseLot
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		lot, err := a.engine.Load().CreatePurchaseLot(c.Request.Context(), &req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, lot)
	}
}

func (a *app) remainingQuantityHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		bal, err := a.engine.Load().RemainingQuantity(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"lot_id":       bal.LotId,
			"quantity":     bal.Remaining,
			"anomaly_flag": bal.Anomaly,
			"net_used":     bal.NetUsed,
		})
	}
}

// Usage cursors travel as opaque base64url JSON tokens.
func encodeCursor(cur *models.UsageCursor) string {
	if cur == nil {
		return ""
	}
	b, _ := json.Marshal(cur)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(token string) (*models.UsageCursor, error) {
	if token == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var cur models.UsageCursor
	if err := json.Unmarshal(b, &cur); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &cur, nil
}

func (a *app) listUsageEntriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		after, err := decodeCursor(c.Query("cursor"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		entries, next, err := a.engine.Load().ListUsageEntries(c.Request.Context(), id, after, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		if entries == nil {
			entries = []*models.MaterialUsageEntry{}
		}
		c.JSON(http.StatusOK, gin.H{"entries": entries, "next_cursor": encodeCursor(next)})
	}
}

func (a *app) applyInventoryActionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.InventoryActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
			return
		}
		engine := a.engine.Load()
		entry, err := workflow.WithConcurrentRetry(c.Request.Context(), a.logger, func(ctx context.Context) (*models.SkuInventoryLog, error) {
			return engine.Apply(ctx, req)
		})
		if err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"log": entry, "correlation_id": cid})
	}
}

func (a *app) listSkuLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathId(c)
		if !ok {
			return
		}
		engine := a.engine.Load()
		if _, err := engine.Store.GetSku(c.Request.Context(), id); err != nil {
			respondError(c, err)
			return
		}
		logs, err := engine.Store.ListSkuLogs(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		if logs == nil {
			logs = []*models.SkuInventoryLog{}
		}
		c.JSON(http.StatusOK, gin.H{"logs": logs})
	}
}

func (a *app) projectionSnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var kind *models.MaterialKind
		if raw := c.Query("material_kind"); raw != "" {
			k, err := models.ParseMaterialKind(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			kind = &k
		}
		rows, err := a.engine.Load().ProjectionSnapshot(c.Request.Context(), kind)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	}
}

func (a *app) rebuildProjectionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := a.engine.Load().Projector.RebuildAll(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rebuilt_lots": n})
	}
}

func (a *app) reconciliationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		engine := a.engine.Load()
		r := &workflow.Reconciler{Store: engine.Store, Projector: engine.Projector, Logger: a.logger}
		report, err := r.Run(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// projectionRefreshPubSubHandler consumes the push subscription of the refresh topic.
// Malformed messages are acked so they do not retry forever; refresh failures are nacked.
func (a *app) projectionRefreshPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := a.logger

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "inventoryHandlers.go", "projectionRefreshPubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "inventoryHandlers.go", "projectionRefreshPubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		var m config.ProjectionRefreshMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "inventoryHandlers.go", "projectionRefreshPubSubHandler", "Unmarshal pubsub message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}
		if len(m.LotIds) == 0 {
			config.LogError(logger, "inventoryHandlers.go", "projectionRefreshPubSubHandler", "Invalid pubsub message", m, fmt.Errorf("lot_ids required"))
			c.Status(http.StatusNoContent)
			return
		}
		if m.CorrelationId == "" {
			m.CorrelationId = msg.Message.ID
		}

		if err := a.engine.Load().Projector.HandleRefreshMessage(c.Request.Context(), m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "projectionRefreshPubSubHandler",
				"lot_ids":        m.LotIds,
				"message_id":     msg.Message.ID,
				"correlation_id": m.CorrelationId,
			}).Error("projection refresh failed: " + err.Error())
			if errors.Is(err, models.ErrLotNotFound) {
				c.Status(http.StatusNoContent)
				return
			}
			// Non-2xx tells Pub/Sub to retry.
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
