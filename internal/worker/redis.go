package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"certmailer/internal/redis"
)

const (
	redisProgressChannel = "batch:progress"
	redisStateTTL        = 30 * time.Minute
	redisCallTimeout     = 2 * time.Second
)

// progressCache mirrors job snapshots into redis so other instances and
// reconnecting clients can read progress. All methods tolerate a nil client.
type progressCache struct {
	client *redis.Client
	logger *zap.Logger
}

func newProgressCache(client *redis.Client, logger *zap.Logger) *progressCache {
	return &progressCache{client: client, logger: logger}
}

func progressKey(id string) string {
	return fmt.Sprintf("batch:snapshot:%s", id)
}

func (r *progressCache) store(snap Snapshot) {
	if r == nil || r.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	if err := r.client.SetJSON(ctx, progressKey(snap.ID), snap, redisStateTTL); err != nil {
		r.logger.Warn("cache batch snapshot", zap.String("job_id", snap.ID), zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, redisProgressChannel, snap.ID); err != nil {
		r.logger.Debug("publish batch progress", zap.String("job_id", snap.ID), zap.Error(err))
	}
}

func (r *progressCache) load(id string) (Snapshot, bool) {
	if r == nil || r.client == nil {
		return Snapshot{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisCallTimeout)
	defer cancel()
	var snap Snapshot
	if err := r.client.GetJSON(ctx, progressKey(id), &snap); err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.logger.Warn("load batch snapshot", zap.String("job_id", id), zap.Error(err))
		}
		return Snapshot{}, false
	}
	return snap, true
}
