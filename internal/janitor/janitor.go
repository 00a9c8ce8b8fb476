// Package janitor periodically expires snapshots whose updatedAt has
// fallen behind the configured retention window.
package janitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kasha/gateway/internal/metrics"
	redisutil "github.com/kasha/gateway/internal/redisutil"
	"github.com/kasha/gateway/internal/snapshot"
)

const leaseKey = "kasha:janitor:lease"

// Janitor runs store.ExpireBefore on an interval, using a Redis lease so
// only one gateway instance in a fleet performs the sweep at a time.
type Janitor struct {
	store       *snapshot.Store
	redis       *redisutil.Client
	logger      *zap.Logger
	removeAfter time.Duration
	interval    time.Duration
	instanceID  string
	metrics     *metrics.Metrics

	now func() time.Time
}

// WithMetrics attaches a Metrics collector. Optional.
func (j *Janitor) WithMetrics(m *metrics.Metrics) *Janitor {
	j.metrics = m
	return j
}

// New wires a Janitor. removeAfter is spec.md's cache.removeAfter;
// interval controls how often the sweep runs (the lease TTL is nine
// tenths of it, so a dead leader's lease expires before the next tick).
func New(store *snapshot.Store, redis *redisutil.Client, logger *zap.Logger, removeAfter, interval time.Duration, instanceID string) *Janitor {
	return &Janitor{
		store:       store,
		redis:       redis,
		logger:      logger,
		removeAfter: removeAfter,
		interval:    interval,
		instanceID:  instanceID,
		now:         time.Now,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	acquired, err := j.redis.SetNX(ctx, leaseKey, j.instanceID, j.interval*9/10)
	if err != nil {
		j.logger.Warn("janitor: failed to acquire lease", zap.Error(err))
		return
	}
	if !acquired {
		return
	}

	cutoff := j.now().Add(-j.removeAfter)
	n, err := j.store.ExpireBefore(ctx, cutoff)
	if err != nil {
		j.logger.Warn("janitor: expire sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("janitor: expired snapshots", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	if j.metrics != nil {
		j.metrics.AddExpired(n)
	}
}
