package state

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/workflow-orchestrator/internal/model"
)

const workflowCacheTTL = 10 * time.Minute

// RedisCache is the best-effort cache tier consulted only on a memory read
// miss. Every operation swallows its own errors and logs them — a cache
// failure must never fail the caller's mutation or read.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache dials addr. Connectivity is not verified here; the first
// failing operation logs and is ignored, matching the tier's best-effort
// contract.
func NewRedisCache(addr, prefix string) *RedisCache {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if prefix == "" {
		prefix = "orch:workflow:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) key(id string) string { return c.prefix + id }

func (c *RedisCache) GetWorkflow(ctx context.Context, id string) (model.Workflow, bool) {
	data, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("cache get failed", "id", id, "error", err)
		}
		return model.Workflow{}, false
	}
	var wf model.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		slog.Warn("cache decode failed", "id", id, "error", err)
		return model.Workflow{}, false
	}
	return wf, true
}

func (c *RedisCache) SetWorkflow(ctx context.Context, wf model.Workflow) {
	data, err := json.Marshal(wf)
	if err != nil {
		slog.Warn("cache encode failed", "id", wf.ID, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, c.key(wf.ID), data, workflowCacheTTL).Err(); err != nil {
		slog.Warn("cache set failed", "id", wf.ID, "error", err)
	}
}

func (c *RedisCache) DropWorkflow(ctx context.Context, id string) {
	if err := c.rdb.Del(ctx, c.key(id)).Err(); err != nil {
		slog.Warn("cache delete failed", "id", id, "error", err)
	}
}

func (c *RedisCache) Close() error { return c.rdb.Close() }
