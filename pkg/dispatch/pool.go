package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/preflight-health/preflight/pkg/bus"
	"github.com/preflight-health/preflight/pkg/cache"
	"github.com/preflight-health/preflight/pkg/config"
)

// reclaimState tracks the background reclaim loop for health reporting.
type reclaimState struct {
	mu        sync.Mutex
	lastScan  time.Time
	reclaimed int
}

// WorkerPool manages the dispatch workers and the stale-entry reclaim loop.
type WorkerPool struct {
	podID    string
	client   redis.UniversalClient
	store    cache.Cache
	planner  PlannerClient
	config   *config.DispatchConfig
	redisCfg *config.RedisConfig
	flow     *Flow
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	reclaim reclaimState
}

// NewWorkerPool creates a new dispatch worker pool.
func NewWorkerPool(podID string, client redis.UniversalClient, store cache.Cache, plannerClient PlannerClient, dispatchCfg *config.DispatchConfig, redisCfg *config.RedisConfig) *WorkerPool {
	if client == nil {
		panic("NewWorkerPool: client must not be nil")
	}
	if store == nil {
		panic("NewWorkerPool: store must not be nil")
	}
	if plannerClient == nil {
		panic("NewWorkerPool: planner client must not be nil")
	}
	if dispatchCfg == nil || redisCfg == nil {
		panic("NewWorkerPool: configuration must not be nil")
	}
	return &WorkerPool{
		podID:    podID,
		client:   client,
		store:    store,
		planner:  plannerClient,
		config:   dispatchCfg,
		redisCfg: redisCfg,
		flow:     NewFlow(dispatchCfg.MaxOutstandingMessages, dispatchCfg.MaxOutstandingBytes),
		workers:  make([]*Worker, 0, dispatchCfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// consumerName builds a group-unique consumer name. The namespace keeps
// replicas from different projects apart when they share a Redis.
func (p *WorkerPool) consumerName(suffix string) string {
	base := p.podID
	if ns := p.redisCfg.ConsumerNamespace; ns != "" {
		base = ns + "-" + base
	}
	return base + "-" + suffix
}

// Start creates the consumer group, spawns the workers, and starts the
// reclaim loop. It is safe to call multiple times; subsequent calls are
// no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting dispatch worker pool",
		"pod_id", p.podID,
		"worker_count", p.config.WorkerCount,
		"topic", p.redisCfg.WorkTopic,
		"group", p.redisCfg.ConsumerGroup)

	setup := bus.NewReader(p.client, p.redisCfg.WorkTopic, p.redisCfg.ConsumerGroup, p.consumerName("setup"))
	if err := setup.EnsureGroup(ctx); err != nil {
		return err
	}

	for i := 0; i < p.config.WorkerCount; i++ {
		reader := bus.NewReader(p.client, p.redisCfg.WorkTopic, p.redisCfg.ConsumerGroup,
			p.consumerName(fmt.Sprintf("w%d", i)))
		worker := NewWorker(reader.Consumer(), reader, p.store, p.planner, p.config, p.flow)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runReclaimLoop(ctx)
	}()

	slog.Info("Dispatch worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current entries.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping dispatch worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Dispatch worker pool stopped gracefully")
}

// runReclaimLoop periodically transfers stale pending entries to this pod
// and runs them through the normal processing path. Dedup keys make the
// rerun harmless when the original worker did finish the side effect.
func (p *WorkerPool) runReclaimLoop(ctx context.Context) {
	reader := bus.NewReader(p.client, p.redisCfg.WorkTopic, p.redisCfg.ConsumerGroup, p.consumerName("reclaim"))
	worker := NewWorker(reader.Consumer(), reader, p.store, p.planner, p.config, p.flow)

	ticker := time.NewTicker(p.config.ReclaimInterval)
	defer ticker.Stop()

	cursor := "0-0"
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cursor = p.reclaimOnce(ctx, worker, reader, cursor)
		}
	}
}

// reclaimOnce runs one reclaim scan and returns the next cursor.
func (p *WorkerPool) reclaimOnce(ctx context.Context, worker *Worker, reader *bus.Reader, cursor string) string {
	msgs, next, err := reader.Reclaim(ctx, p.config.ReclaimMinIdle, cursor, int64(p.config.WorkerCount))

	p.reclaim.mu.Lock()
	p.reclaim.lastScan = time.Now()
	p.reclaim.mu.Unlock()

	if err != nil {
		slog.Warn("Reclaim scan failed", "error", err)
		return cursor
	}

	for _, msg := range msgs {
		size := int64(msg.Size())
		p.flow.Add(size)
		if err := worker.process(ctx, msg); err != nil {
			slog.Warn("Failed to process reclaimed entry",
				"req_id", msg.ReqID, "entry_id", msg.ID, "error", err)
		}
		p.flow.Done(size)

		p.reclaim.mu.Lock()
		p.reclaim.reclaimed++
		p.reclaim.mu.Unlock()
	}

	if len(msgs) > 0 {
		slog.Info("Reclaimed stale pending entries", "count", len(msgs))
	}
	return next
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	reachable := true
	var redisErr string
	var pending int64
	res, err := p.client.XPending(ctx, p.redisCfg.WorkTopic, p.redisCfg.ConsumerGroup).Result()
	if err != nil {
		// A missing group just means nothing was consumed yet.
		if !strings.Contains(err.Error(), "NOGROUP") {
			reachable = false
			redisErr = fmt.Sprintf("pending query failed: %v", err)
		}
	} else {
		pending = res.Count
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	outstandingMsgs, outstandingBytes := p.flow.Outstanding()

	p.reclaim.mu.Lock()
	lastScan := p.reclaim.lastScan
	reclaimed := p.reclaim.reclaimed
	p.reclaim.mu.Unlock()

	return &PoolHealth{
		IsHealthy:           len(p.workers) > 0 && reachable,
		RedisReachable:      reachable,
		RedisError:          redisErr,
		PodID:               p.podID,
		ActiveWorkers:       activeWorkers,
		TotalWorkers:        len(p.workers),
		PendingEntries:      pending,
		OutstandingMessages: outstandingMsgs,
		OutstandingBytes:    outstandingBytes,
		WorkerStats:         workerStats,
		LastReclaimScan:     lastScan,
		EntriesReclaimed:    reclaimed,
	}
}
