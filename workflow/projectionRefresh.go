package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"bitbucket.org/mmdatafocus/material_ledger/utils"
	"github.com/sirupsen/logrus"
)

// PubSubRefresher publishes refresh requests so projection work leaves the request path.
// If publishing fails the lots are refreshed in-process instead.
type PubSubRefresher struct {
	Fallback *Projector
	Logger   *logrus.Logger
	publish  func(ctx context.Context, msg config.ProjectionRefreshMessage) (string, error)
}

func NewPubSubRefresher(fallback *Projector, logger *logrus.Logger) *PubSubRefresher {
	return &PubSubRefresher{Fallback: fallback, Logger: logger, publish: config.PublishProjectionRefresh}
}

func (r *PubSubRefresher) RequestRefresh(ctx context.Context, lotIds []int, reason string) error {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	msg := config.ProjectionRefreshMessage{
		LotIds:        utils.SortedUnique(lotIds),
		Reason:        reason,
		RequestedAt:   time.Now().UTC(),
		CorrelationId: cid,
	}
	messageId, err := r.publish(ctx, msg)
	if err == nil {
		r.Logger.WithFields(logrus.Fields{
			"field":          "PubSubRefresher",
			"lot_ids":        msg.LotIds,
			"message_id":     messageId,
			"correlation_id": cid,
		}).Debug("projection refresh published")
		return nil
	}
	r.Logger.WithFields(logrus.Fields{
		"field":   "PubSubRefresher",
		"lot_ids": msg.LotIds,
	}).Warn("projection refresh publish failed; refreshing in-process: " + err.Error())
	if r.Fallback == nil {
		return err
	}
	return r.Fallback.RequestRefresh(ctx, lotIds, reason)
}

// HandleRefreshMessage is the consumer side of a published request.
func (p *Projector) HandleRefreshMessage(ctx context.Context, msg config.ProjectionRefreshMessage) error {
	if msg.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
	}
	_, err := p.Refresh(ctx, msg.LotIds)
	return err
}
