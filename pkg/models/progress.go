package models

import (
	"encoding/json"
	"time"
)

// RequestProgress is the latest known status of a request.
type RequestProgress struct {
	RequestID string        `json:"request_id"`
	Status    RequestStatus `json:"status"`
	Remarks   string        `json:"remarks,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ManualAction records a human intervention surfaced by the agent.
type ManualAction struct {
	ActionID    string          `json:"action_id"`
	RequestID   string          `json:"request_id"`
	ActionType  string          `json:"action_type"`
	Status      ActionStatus    `json:"action_status"`
	Reason      string          `json:"reason,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	ActionedAt  *time.Time      `json:"actioned_at,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// RequestSummary is one row of GET /prior-auths/requests: request fields
// joined with its progress, status already mapped for the UI.
type RequestSummary struct {
	RequestID      string    `json:"request_id"`
	BatchID        string    `json:"batch_id"`
	SequenceNo     int       `json:"sequence_no"`
	Vendor         string    `json:"vendor"`
	PatientName    string    `json:"patient_name,omitempty"`
	Status         string    `json:"status"`
	Remarks        string    `json:"remarks,omitempty"`
	PendingActions int       `json:"pending_actions"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"last_updated"`
}

// RequestDetail is a request with its progress and manual actions.
type RequestDetail struct {
	Request  Request         `json:"request"`
	Progress RequestProgress `json:"progress"`
	Actions  []ManualAction  `json:"manual_actions"`
}

// ProgressFilters narrows ListRecent results.
type ProgressFilters struct {
	BatchID string
	Vendor  string
	Status  RequestStatus
	Limit   int
}

// StatusUpdate is the body of PUT /prior-auths/requests/:id/status.
type StatusUpdate struct {
	Status  RequestStatus `json:"status" binding:"required"`
	Remarks string        `json:"remarks,omitempty"`
}

// DashboardStats is the aggregate view over a trailing window.
type DashboardStats struct {
	WindowDays     int            `json:"window_days"`
	TotalRequests  int            `json:"total_requests"`
	StatusCounts   map[string]int `json:"status_counts"`
	PayerCounts    map[string]int `json:"requests_per_payer"`
	PendingActions int            `json:"pending_actions"`
}
