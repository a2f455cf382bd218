package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bitbucket.org/mmdatafocus/material_ledger/models"
	"github.com/bsm/redislock"
)

func TestWithConcurrentRetry(t *testing.T) {
	ctx := context.Background()
	conflict := models.ConcurrentModificationError("sku %d changed since version %d", 1, 3)

	calls := 0
	out, err := WithConcurrentRetry(ctx, quietLogger(), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", conflict
		}
		return "ok", nil
	})
	if err != nil || out != "ok" || calls != 2 {
		t.Fatalf("expected success on the retry, got out=%q err=%v calls=%d", out, err, calls)
	}

	calls = 0
	_, err = WithConcurrentRetry(ctx, quietLogger(), func(context.Context) (string, error) {
		calls++
		return "", fmt.Errorf("wrapped: %w", conflict)
	})
	if !errors.Is(err, models.ErrConcurrentModification) || calls != 2 {
		t.Fatalf("expected exactly one retry, got err=%v calls=%d", err, calls)
	}

	calls = 0
	_, err = WithConcurrentRetry(ctx, nil, func(context.Context) (string, error) {
		calls++
		return "", models.ErrInsufficientStock
	})
	if !errors.Is(err, models.ErrInsufficientStock) || calls != 1 {
		t.Fatalf("business errors must not be retried, got err=%v calls=%d", err, calls)
	}
}

func TestRedisSkuLockerWithoutRedisIsANoop(t *testing.T) {
	locker := &RedisSkuLocker{Logger: quietLogger(), client: func() *redislock.Client { return nil }}
	unlock := locker.Lock(context.Background(), skuLockKey(1))
	if unlock == nil {
		t.Fatalf("expected an unlock func")
	}
	unlock()
}
