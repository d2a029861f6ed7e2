// Package dispatch consumes the work topic and forwards each request to the
// planner at most once, using the dedup and inflight keys in Redis.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/preflight-health/preflight/pkg/planner"
)

// Sentinel errors for the worker poll loop.
var (
	// ErrNoMessages indicates the topic had nothing new to deliver.
	ErrNoMessages = errors.New("no messages available")

	// ErrAtCapacity indicates the outstanding message or byte budget is
	// exhausted.
	ErrAtCapacity = errors.New("at capacity")
)

// PlannerClient posts one dispatch and returns the HTTP status code.
type PlannerClient interface {
	Post(ctx context.Context, d planner.Dispatch) (int, error)
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy           bool           `json:"is_healthy"`
	RedisReachable      bool           `json:"redis_reachable"`
	RedisError          string         `json:"redis_error,omitempty"`
	PodID               string         `json:"pod_id"`
	ActiveWorkers       int            `json:"active_workers"`
	TotalWorkers        int            `json:"total_workers"`
	PendingEntries      int64          `json:"pending_entries"`
	OutstandingMessages int            `json:"outstanding_messages"`
	OutstandingBytes    int64          `json:"outstanding_bytes"`
	WorkerStats         []WorkerHealth `json:"worker_stats"`
	LastReclaimScan     time.Time      `json:"last_reclaim_scan"`
	EntriesReclaimed    int            `json:"entries_reclaimed"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"` // "idle" or "working"
	CurrentReqID      string    `json:"current_req_id,omitempty"`
	MessagesProcessed int       `json:"messages_processed"`
	LastActivity      time.Time `json:"last_activity"`
}
