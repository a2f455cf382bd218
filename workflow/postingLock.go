package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/material_ledger/config"
	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const skuLockTTL = 30 * time.Second

// SkuLocker narrows contention on one SKU across instances. Lock never fails: when the lock
// cannot be had the action proceeds and the transaction's version check decides.
type SkuLocker interface {
	Lock(ctx context.Context, key string) (unlock func())
}

type RedisSkuLocker struct {
	Logger *logrus.Logger
	client func() *redislock.Client
}

func NewRedisSkuLocker(logger *logrus.Logger) *RedisSkuLocker {
	return &RedisSkuLocker{Logger: logger, client: config.GetRedisLock}
}

func (l *RedisSkuLocker) Lock(ctx context.Context, key string) func() {
	noop := func() {}
	client := l.client()
	if client == nil {
		l.Logger.WithFields(logrus.Fields{
			"field": "RedisSkuLocker",
			"key":   key,
		}).Warn("redis lock not ready; proceeding without redis lock")
		return noop
	}
	lock, err := client.Obtain(ctx, "lock:"+key, skuLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 20),
	})
	if err != nil {
		msg := "error obtaining redis lock; proceeding without redis lock: " + err.Error()
		if errors.Is(err, redislock.ErrNotObtained) {
			msg = "could not obtain redis lock; proceeding without redis lock"
		}
		l.Logger.WithFields(logrus.Fields{
			"field": "RedisSkuLocker",
			"key":   key,
		}).Warn(msg)
		return noop
	}
	return func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			l.Logger.WithFields(logrus.Fields{
				"field": "RedisSkuLocker",
				"key":   key,
			}).Warn("failed to release redis lock: " + releaseErr.Error())
		}
	}
}

// WithConcurrentRetry runs fn and, on ErrConcurrentModification, runs it exactly once more.
// A second conflict is returned to the caller.
func WithConcurrentRetry[T any](ctx context.Context, logger *logrus.Logger, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil || !errors.Is(err, models.ErrConcurrentModification) {
		return out, err
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{"field": "WithConcurrentRetry"}).Info("retrying after concurrent modification: " + err.Error())
	}
	return fn(ctx)
}
