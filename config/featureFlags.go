package config

import (
	"os"
	"strings"
)

const (
	ProjectionRefreshSync   = "sync"
	ProjectionRefreshPubSub = "pubsub"
)

// ProjectionRefreshMode decides how material projections are refreshed after a commit.
//
// Set via env:
// - PROJECTION_REFRESH_MODE=sync   (default, refresh in-process right after commit)
// - PROJECTION_REFRESH_MODE=pubsub (publish a refresh request; the push endpoint recomputes)
func ProjectionRefreshMode() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("PROJECTION_REFRESH_MODE")))
	if v == ProjectionRefreshPubSub {
		return ProjectionRefreshPubSub
	}
	return ProjectionRefreshSync
}

// UseSkuRedisLock enables the best-effort per-SKU redis lock in front of each inventory action.
// Correctness never depends on it; the DB transaction serializes regardless.
//
// Set via env:
// - SKU_REDIS_LOCK=true
func UseSkuRedisLock() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SKU_REDIS_LOCK")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
