package models

import (
	"encoding/json"
	"time"
)

// Batch is one submitted collection of prior-authorization requests.
type Batch struct {
	BatchID      string         `json:"batch_id"`
	CreatedAt    time.Time      `json:"created_at"`
	RequestCount int            `json:"request_count"`
	VendorCounts map[string]int `json:"vendor_counts"`
	Status       BatchStatus    `json:"status"`
}

// Request is a single prior-authorization item within a batch.
type Request struct {
	RequestID     string          `json:"request_id"`
	BatchID       string          `json:"batch_id"`
	SequenceNo    int             `json:"sequence_no"`
	Vendor        string          `json:"vendor"`
	AgentType     string          `json:"agent_type"`
	PatientName   string          `json:"patient_name,omitempty"`
	DOB           string          `json:"dob,omitempty"`
	AppointmentID string          `json:"appointment_id,omitempty"`
	PersonNo      string          `json:"person_no,omitempty"`
	DateOfService string          `json:"date_of_service,omitempty"`
	VisitReason   string          `json:"visit_reason,omitempty"`
	Specialty     string          `json:"specialty,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
}

// IngestRequest is the body of POST /prior-auths.
type IngestRequest struct {
	PatientRecords []map[string]any `json:"patient_records"`
}

// IngestResponse is returned after a batch is accepted and published.
type IngestResponse struct {
	BatchID          string         `json:"batch_id"`
	TotalRequests    int            `json:"total_requests"`
	RequestsPerPayer map[string]int `json:"requests_per_payer"`
}

// BatchStatusResponse is the rollup returned by GET /prior-auths/:batch_id.
type BatchStatusResponse struct {
	Batch        Batch          `json:"batch"`
	StatusCounts map[string]int `json:"status_counts"`
}

// WorkMessage is the body published to the work topic, one per request.
type WorkMessage struct {
	BatchID    string          `json:"batch_id"`
	SequenceNo int             `json:"sequence_no"`
	RequestID  string          `json:"request_id"`
	TotalCount int             `json:"total_count"`
	Vendor     string          `json:"vendor"`
	Payload    json.RawMessage `json:"payload"`
}

// AgentTypePriorAuth is the agent_type attribute stamped on every work message.
const AgentTypePriorAuth = "prior_auth"
