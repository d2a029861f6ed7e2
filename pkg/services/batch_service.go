package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/preflight-health/preflight/pkg/database"
	"github.com/preflight-health/preflight/pkg/models"
)

// WorkPublisher publishes one batch of work messages and returns only after
// the broker has acknowledged every message.
type WorkPublisher interface {
	PublishBatch(ctx context.Context, msgs []models.WorkMessage) error
}

// BatchService handles batch ingestion: identifier assignment, per-request
// rows, progress seeding, and ordered publish to the work topic.
type BatchService struct {
	client    *database.Client
	publisher WorkPublisher
}

// NewBatchService creates a new BatchService.
func NewBatchService(client *database.Client, publisher WorkPublisher) *BatchService {
	if client == nil {
		panic("NewBatchService: client must not be nil")
	}
	if publisher == nil {
		panic("NewBatchService: publisher must not be nil")
	}
	return &BatchService{
		client:    client,
		publisher: publisher,
	}
}

// Ingest accepts a batch of patient records, persists one Request and one
// RequestProgress row per record, and publishes one work message per record
// in input order. The batch is committed as Published only after the broker
// acknowledges every message; on any publish failure the batch is marked
// PublishFailed and already-published messages are left to the consumer's
// dedup layer.
func (s *BatchService) Ingest(ctx context.Context, input models.IngestRequest) (*models.IngestResponse, error) {
	if len(input.PatientRecords) == 0 {
		return nil, ErrEmptyBatch
	}

	batchID := uuid.New().String()
	total := len(input.PatientRecords)

	vendorCounts := make(map[string]int)
	vendors := make([]string, total)
	for i, record := range input.PatientRecords {
		vendor := ExtractVendor(record)
		vendors[i] = vendor
		vendorCounts[vendor]++
	}

	messages, err := s.writeBatchRows(ctx, batchID, input.PatientRecords, vendors, vendorCounts)
	if err != nil {
		return nil, err
	}

	if err := s.publisher.PublishBatch(ctx, messages); err != nil {
		slog.Error("Batch publish failed", "batch_id", batchID, "error", err)
		s.markBatch(batchID, models.BatchStatusPublishFailed, false)
		return nil, fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}

	s.markBatch(batchID, models.BatchStatusPublished, true)

	slog.Info("Batch published",
		"batch_id", batchID,
		"total_requests", total,
		"vendors", vendorCounts)

	return &models.IngestResponse{
		BatchID:          batchID,
		TotalRequests:    total,
		RequestsPerPayer: vendorCounts,
	}, nil
}

// writeBatchRows persists the batch, request, progress, and seeded manual
// action rows in one transaction and returns the work messages to publish.
func (s *BatchService) writeBatchRows(
	ctx context.Context,
	batchID string,
	records []map[string]any,
	vendors []string,
	vendorCounts map[string]int,
) ([]models.WorkMessage, error) {
	countsJSON, err := json.Marshal(vendorCounts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vendor counts: %w", err)
	}

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO batches (id, status, request_count, vendor_counts)
		 VALUES ($1, $2, $3, $4::jsonb)`,
		batchID, models.BatchStatusPendingPublish, len(records), countsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	messages := make([]models.WorkMessage, 0, len(records))
	for i, record := range records {
		requestID := uuid.New().String()
		sequenceNo := i + 1

		payload, err := json.Marshal(record)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload %d: %w", sequenceNo, err)
		}

		patientName := strings.TrimSpace(
			stringField(record, "patientfirstname") + " " + stringField(record, "patientlastname"))

		_, err = tx.ExecContext(ctx,
			`INSERT INTO requests (id, batch_id, sequence_no, vendor, agent_type,
			                       patient_name, dob, appointment_id, person_no,
			                       date_of_service, visit_reason, specialty, payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb)`,
			requestID, batchID, sequenceNo, vendors[i], models.AgentTypePriorAuth,
			patientName,
			stringField(record, "patientdateofbirth"),
			stringField(record, "appointmentid"),
			stringField(record, "personnumber"),
			stringField(record, "appointmentdate"),
			"Office Visit",
			stringField(record, "clientspecialty"),
			payload)
		if err != nil {
			return nil, fmt.Errorf("failed to create request %d: %w", sequenceNo, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO request_progress (request_id, status, remarks)
			 VALUES ($1, $2, $3)`,
			requestID, models.RequestStatusCreated,
			fmt.Sprintf("Request created in batch %s", batchID))
		if err != nil {
			return nil, fmt.Errorf("failed to create progress row %d: %w", sequenceNo, err)
		}

		// Every portal run ends in an OTP challenge, so the action is
		// seeded up front and completed when the operator supplies it.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO manual_actions (id, request_id, action_type, reason, status)
			 VALUES ($1, $2, $3, $4, $5)`,
			uuid.New().String(), requestID, "MFA", "OTP Required", models.ActionStatusPending)
		if err != nil {
			return nil, fmt.Errorf("failed to seed manual action %d: %w", sequenceNo, err)
		}

		messages = append(messages, models.WorkMessage{
			BatchID:    batchID,
			SequenceNo: sequenceNo,
			RequestID:  requestID,
			TotalCount: len(records),
			Vendor:     vendors[i],
			Payload:    payload,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch rows: %w", err)
	}

	return messages, nil
}

// markBatch records the publish outcome. Uses a background context so the
// outcome is persisted even when the submitting request has gone away.
func (s *BatchService) markBatch(batchID string, status models.BatchStatus, stampPublished bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.client.DB().ExecContext(ctx,
		`UPDATE batches SET status = $2, updated_at = now() WHERE id = $1`,
		batchID, status)
	if err != nil {
		slog.Error("Failed to update batch status",
			"batch_id", batchID, "status", status, "error", err)
		return
	}

	if stampPublished {
		_, err = s.client.DB().ExecContext(ctx,
			`UPDATE requests SET published_at = now() WHERE batch_id = $1`, batchID)
		if err != nil {
			slog.Error("Failed to stamp published_at", "batch_id", batchID, "error", err)
		}
	}
}

// GetBatchStatus returns the batch rollup with request counts grouped by
// UI status label.
func (s *BatchService) GetBatchStatus(ctx context.Context, batchID string) (*models.BatchStatusResponse, error) {
	var (
		batch      models.Batch
		countsJSON []byte
	)
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT id, status, request_count, vendor_counts, created_at
		 FROM batches WHERE id = $1`, batchID).
		Scan(&batch.BatchID, &batch.Status, &batch.RequestCount, &countsJSON, &batch.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load batch %s: %w", batchID, err)
	}

	if err := json.Unmarshal(countsJSON, &batch.VendorCounts); err != nil {
		return nil, fmt.Errorf("failed to decode vendor counts: %w", err)
	}

	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT rp.status, COUNT(*)
		 FROM request_progress rp
		 JOIN requests r ON r.id = rp.request_id
		 WHERE r.batch_id = $1
		 GROUP BY rp.status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count request statuses: %w", err)
	}
	defer rows.Close()

	statusCounts := make(map[string]int)
	for rows.Next() {
		var (
			status models.RequestStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		statusCounts[models.MapStatusForFrontend(status)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}

	return &models.BatchStatusResponse{
		Batch:        batch,
		StatusCounts: statusCounts,
	}, nil
}

// stringField returns the trimmed string form of a payload field, or "" when
// the field is absent or null.
func stringField(record map[string]any, key string) string {
	v, ok := record[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
