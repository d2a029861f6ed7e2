package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/preflight-health/preflight/pkg/bus"
	"github.com/preflight-health/preflight/pkg/cache"
	"github.com/preflight-health/preflight/pkg/config"
	"github.com/preflight-health/preflight/pkg/models"
	"github.com/preflight-health/preflight/pkg/planner"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single consumer that polls the work topic and walks each
// delivered entry through decode, dedup, inflight claim, planner POST, and
// ack.
type Worker struct {
	id       string
	reader   *bus.Reader
	store    cache.Cache
	planner  PlannerClient
	config   *config.DispatchConfig
	flow     *Flow
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu                sync.RWMutex
	status            WorkerStatus
	currentReqID      string
	messagesProcessed int
	lastActivity      time.Time
}

// NewWorker creates a new dispatch worker reading as one named consumer.
func NewWorker(id string, reader *bus.Reader, store cache.Cache, plannerClient PlannerClient, cfg *config.DispatchConfig, flow *Flow) *Worker {
	return &Worker{
		id:           id,
		reader:       reader,
		store:        store,
		planner:      plannerClient,
		config:       cfg,
		flow:         flow,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                w.id,
		Status:            string(w.status),
		CurrentReqID:      w.currentReqID,
		MessagesProcessed: w.messagesProcessed,
		LastActivity:      w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Dispatch worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoMessages) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing message", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks the flow budget, fetches one entry, and processes it.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Best-effort budget check; concurrent workers may overshoot by one
	// entry each, bounded by WorkerCount and mitigated by poll jitter.
	if w.flow.AtCapacity() {
		return ErrAtCapacity
	}

	msgs, err := w.reader.Fetch(ctx, 1, -1)
	if err != nil {
		return fmt.Errorf("fetching work: %w", err)
	}
	if len(msgs) == 0 {
		return ErrNoMessages
	}
	msg := msgs[0]

	size := int64(msg.Size())
	w.flow.Add(size)
	defer w.flow.Done(size)

	w.setStatus(WorkerStatusWorking, msg.ReqID)
	defer w.setStatus(WorkerStatusIdle, "")

	if err := w.process(ctx, msg); err != nil {
		return err
	}

	w.mu.Lock()
	w.messagesProcessed++
	w.mu.Unlock()
	return nil
}

// process walks one entry through the dedup state machine. Errors returned
// here leave the entry pending; everything else ends in an ack.
func (w *Worker) process(ctx context.Context, msg bus.Message) error {
	log := slog.With("worker_id", w.id, "req_id", msg.ReqID, "entry_id", msg.ID)

	work, err := decodeWork(msg.Data)
	if err != nil {
		log.Error("Malformed message, acking to drop", "error", err)
		return w.reader.Ack(ctx, msg.ID)
	}

	// 1. Fast-path dedup: already processed means ack and skip.
	processed, err := w.store.Exists(ctx, processedKey(msg.ReqID))
	if err != nil {
		return err
	}
	if processed {
		log.Info("Duplicate detected, acking")
		return w.reader.Ack(ctx, msg.ID)
	}

	// 2. Claim the inflight lock so only one worker performs the side
	// effect. A lost claim means another worker is on it right now.
	claimed, err := w.store.SetIfAbsent(ctx, inflightKey(msg.ReqID), "1", w.config.InflightTTL)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("Another worker holds the inflight claim, acking")
		return w.reader.Ack(ctx, msg.ID)
	}
	defer w.releaseInflight(msg.ReqID)

	// 3. Perform the side effect and mark processed only on success.
	status, err := w.planner.Post(ctx, planner.Dispatch{
		RequestID:   work.RequestID,
		PatientData: work.Payload,
		BatchID:     work.BatchID,
	})
	if err == nil && status >= 200 && status < 300 {
		if err := w.store.Set(ctx, processedKey(msg.ReqID), "processed", w.config.DedupTTL); err != nil {
			log.Warn("Failed to record processed marker", "error", err)
		}
		log.Info("Planner success, processed and acked")
		return w.reader.Ack(ctx, msg.ID)
	}

	if err != nil {
		log.Error("Planner dispatch failed", "error", err)
	}
	if w.config.AckOnFailure {
		log.Warn("Planner did not succeed, acking anyway", "status", status)
		return w.reader.Ack(ctx, msg.ID)
	}
	log.Warn("Planner did not succeed, leaving entry pending for reclaim", "status", status)
	return nil
}

// releaseInflight drops the claim on all exits. Uses a background context so
// the lock never outlives a cancelled poll by its full TTL.
func (w *Worker) releaseInflight(reqID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.Delete(ctx, inflightKey(reqID)); err != nil {
		slog.Warn("Failed to release inflight claim", "req_id", reqID, "error", err)
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, reqID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentReqID = reqID
	w.lastActivity = time.Now()
}

func processedKey(id string) string { return "processed:" + id }
func inflightKey(id string) string  { return "inflight:" + id }

// decodeWork strips an optional UTF-8 BOM and decodes a work message body.
func decodeWork(data []byte) (models.WorkMessage, error) {
	var work models.WorkMessage
	raw := bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if len(raw) == 0 {
		return work, fmt.Errorf("empty message body")
	}
	if err := json.Unmarshal(raw, &work); err != nil {
		return work, fmt.Errorf("invalid message body: %w", err)
	}
	return work, nil
}
