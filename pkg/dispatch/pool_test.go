package dispatch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/preflight-health/preflight/pkg/bus"
	"github.com/preflight-health/preflight/pkg/planner"
)

func newTestPool(t *testing.T, h *harness) *WorkerPool {
	t.Helper()
	return NewWorkerPool("pod", h.client, h.store, planner.NewClient(h.cfg), h.cfg, h.redisCfg)
}

func TestWorkerPoolProcessesPublishedWork(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	ctx := context.Background()

	pool := newTestPool(t, h)
	h.publish(t, "req-a")

	require.NoError(t, pool.Start(ctx))
	require.NoError(t, pool.Start(ctx), "duplicate Start must be a no-op")
	defer pool.Stop()

	require.Eventually(t, func() bool {
		return len(h.recorder.hits()) == 1
	}, 2*time.Second, 10*time.Millisecond, "worker should deliver the message to the planner")

	require.Eventually(t, func() bool {
		res, err := h.client.XPending(ctx, h.redisCfg.WorkTopic, h.redisCfg.ConsumerGroup).Result()
		return err == nil && res.Count == 0
	}, 2*time.Second, 10*time.Millisecond, "entry should be acked")

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.RedisReachable)
	assert.Equal(t, "pod", health.PodID)
	assert.Equal(t, 1, health.TotalWorkers)
	require.Len(t, health.WorkerStats, 1)
}

func TestWorkerPoolReclaimsStalePendingEntries(t *testing.T) {
	h := newHarness(t, http.StatusOK)
	ctx := context.Background()

	// Simulate a consumer that died mid-flight: delivered, never acked.
	dead := bus.NewReader(h.client, h.redisCfg.WorkTopic, h.redisCfg.ConsumerGroup, "dead-w0")
	require.NoError(t, dead.EnsureGroup(ctx))
	h.publish(t, "req-a")
	msgs, err := dead.Fetch(ctx, 1, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	pool := newTestPool(t, h)
	pool.config.ReclaimMinIdle = 0

	reader := bus.NewReader(h.client, h.redisCfg.WorkTopic, h.redisCfg.ConsumerGroup, "pod-reclaim")
	worker := NewWorker(reader.Consumer(), reader, h.store, planner.NewClient(h.cfg), h.cfg, pool.flow)

	next := pool.reclaimOnce(ctx, worker, reader, "0-0")
	assert.NotEmpty(t, next)

	assert.Len(t, h.recorder.hits(), 1, "reclaimed entry should reach the planner")
	assert.Zero(t, h.pendingCount(t))

	health := pool.Health()
	assert.Equal(t, 1, health.EntriesReclaimed)
	assert.False(t, health.LastReclaimScan.IsZero())
}
