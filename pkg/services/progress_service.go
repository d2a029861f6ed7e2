package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/preflight-health/preflight/pkg/database"
	"github.com/preflight-health/preflight/pkg/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500

	defaultStatsWindowDays = 30
)

// ProgressService owns per-request progress rows and manual actions.
// Internal statuses are stored verbatim; translation to UI labels happens
// only when rows leave through ListRecent or the stats rollup.
type ProgressService struct {
	client *database.Client
}

// NewProgressService creates a new ProgressService.
func NewProgressService(client *database.Client) *ProgressService {
	if client == nil {
		panic("NewProgressService: client must not be nil")
	}
	return &ProgressService{client: client}
}

// UpsertProgress writes the latest status for a request, creating the row if
// the seed is missing. Empty remarks keep the previous remarks so a bare
// status flip does not erase the last step description.
func (s *ProgressService) UpsertProgress(ctx context.Context, requestID string, update models.StatusUpdate) (*models.RequestProgress, error) {
	if !models.ValidRequestStatus(update.Status) {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", update.Status))
	}

	var progress models.RequestProgress
	err := s.client.DB().QueryRowContext(ctx,
		`INSERT INTO request_progress (request_id, status, remarks)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (request_id) DO UPDATE SET
		     status     = EXCLUDED.status,
		     remarks    = CASE WHEN EXCLUDED.remarks = ''
		                       THEN request_progress.remarks
		                       ELSE EXCLUDED.remarks END,
		     updated_at = now()
		 RETURNING request_id, status, remarks, created_at, updated_at`,
		requestID, update.Status, update.Remarks).
		Scan(&progress.RequestID, &progress.Status, &progress.Remarks,
			&progress.CreatedAt, &progress.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to upsert progress for %s: %w", requestID, err)
	}
	return &progress, nil
}

// GetProgress returns the stored progress row with its internal status
// untranslated.
func (s *ProgressService) GetProgress(ctx context.Context, requestID string) (*models.RequestProgress, error) {
	var progress models.RequestProgress
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT request_id, status, remarks, created_at, updated_at
		 FROM request_progress WHERE request_id = $1`, requestID).
		Scan(&progress.RequestID, &progress.Status, &progress.Remarks,
			&progress.CreatedAt, &progress.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load progress for %s: %w", requestID, err)
	}
	return &progress, nil
}

// ListRecent returns dashboard rows ordered by most recent update, statuses
// mapped to UI labels.
func (s *ProgressService) ListRecent(ctx context.Context, filters models.ProgressFilters) ([]models.RequestSummary, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var (
		conds []string
		args  []any
	)
	if filters.BatchID != "" {
		args = append(args, filters.BatchID)
		conds = append(conds, "r.batch_id = $"+strconv.Itoa(len(args)))
	}
	if filters.Vendor != "" {
		args = append(args, NormalizeVendor(filters.Vendor))
		conds = append(conds, "r.vendor = $"+strconv.Itoa(len(args)))
	}
	if filters.Status != "" {
		if !models.ValidRequestStatus(filters.Status) {
			return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", filters.Status))
		}
		args = append(args, filters.Status)
		conds = append(conds, "rp.status = $"+strconv.Itoa(len(args)))
	}

	query := `SELECT r.id, r.batch_id, r.sequence_no, r.vendor, r.patient_name,
	                 rp.status, rp.remarks, r.created_at, rp.updated_at,
	                 (SELECT COUNT(*) FROM manual_actions ma
	                  WHERE ma.request_id = r.id AND ma.status = 'pending')
	          FROM requests r
	          JOIN request_progress rp ON rp.request_id = r.id`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += " ORDER BY rp.updated_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.RequestSummary, 0, limit)
	for rows.Next() {
		var (
			row    models.RequestSummary
			status models.RequestStatus
		)
		err := rows.Scan(&row.RequestID, &row.BatchID, &row.SequenceNo, &row.Vendor,
			&row.PatientName, &status, &row.Remarks, &row.CreatedAt, &row.UpdatedAt,
			&row.PendingActions)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		row.Status = models.MapStatusForFrontend(status)
		summaries = append(summaries, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read request rows: %w", err)
	}
	return summaries, nil
}

// GetRequestDetail returns the request with its progress row and every
// manual action, oldest first.
func (s *ProgressService) GetRequestDetail(ctx context.Context, requestID string) (*models.RequestDetail, error) {
	var detail models.RequestDetail
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT r.id, r.batch_id, r.sequence_no, r.vendor, r.agent_type,
		        r.patient_name, r.dob, r.appointment_id, r.person_no,
		        r.date_of_service, r.visit_reason, r.specialty, r.payload,
		        r.created_at, r.published_at,
		        rp.status, rp.remarks, rp.created_at, rp.updated_at
		 FROM requests r
		 JOIN request_progress rp ON rp.request_id = r.id
		 WHERE r.id = $1`, requestID).
		Scan(&detail.Request.RequestID, &detail.Request.BatchID, &detail.Request.SequenceNo,
			&detail.Request.Vendor, &detail.Request.AgentType, &detail.Request.PatientName,
			&detail.Request.DOB, &detail.Request.AppointmentID, &detail.Request.PersonNo,
			&detail.Request.DateOfService, &detail.Request.VisitReason, &detail.Request.Specialty,
			&detail.Request.Payload, &detail.Request.CreatedAt, &detail.Request.PublishedAt,
			&detail.Progress.Status, &detail.Progress.Remarks,
			&detail.Progress.CreatedAt, &detail.Progress.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	detail.Progress.RequestID = detail.Request.RequestID

	actions, err := s.listActions(ctx, requestID)
	if err != nil {
		return nil, err
	}
	detail.Actions = actions
	return &detail, nil
}

func (s *ProgressService) listActions(ctx context.Context, requestID string) ([]models.ManualAction, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT id, request_id, action_type, reason, status, metadata, requested_at, actioned_at
		 FROM manual_actions WHERE request_id = $1 ORDER BY requested_at`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions for %s: %w", requestID, err)
	}
	defer rows.Close()

	actions := make([]models.ManualAction, 0, 1)
	for rows.Next() {
		var (
			action   models.ManualAction
			metadata []byte
		)
		err := rows.Scan(&action.ActionID, &action.RequestID, &action.ActionType,
			&action.Reason, &action.Status, &metadata, &action.RequestedAt, &action.ActionedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action row: %w", err)
		}
		action.Metadata = metadata
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read action rows: %w", err)
	}
	return actions, nil
}

// CreateAction records a new pending manual action against a request.
func (s *ProgressService) CreateAction(ctx context.Context, requestID, actionType, reason string, metadata json.RawMessage) (*models.ManualAction, error) {
	if actionType == "" {
		return nil, NewValidationError("action_type", "action_type is required")
	}

	action := models.ManualAction{
		ActionID:   uuid.New().String(),
		RequestID:  requestID,
		ActionType: actionType,
		Reason:     reason,
		Status:     models.ActionStatusPending,
		Metadata:   metadata,
	}
	err := s.client.DB().QueryRowContext(ctx,
		`INSERT INTO manual_actions (id, request_id, action_type, reason, status, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING requested_at`,
		action.ActionID, requestID, actionType, reason, action.Status, nullableJSON(metadata)).
		Scan(&action.RequestedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to create action for %s: %w", requestID, err)
	}
	return &action, nil
}

// MarkActionCompleted flips a manual action to completed. Completing an
// already completed action keeps the original actioned_at, so retries are
// harmless.
func (s *ProgressService) MarkActionCompleted(ctx context.Context, actionID string, metadata json.RawMessage) (*models.ManualAction, error) {
	var (
		action models.ManualAction
		stored []byte
	)
	err := s.client.DB().QueryRowContext(ctx,
		`UPDATE manual_actions SET
		     status      = $2,
		     actioned_at = COALESCE(actioned_at, now()),
		     metadata    = COALESCE($3, metadata)
		 WHERE id = $1
		 RETURNING id, request_id, action_type, reason, status, metadata, requested_at, actioned_at`,
		actionID, models.ActionStatusCompleted, nullableJSON(metadata)).
		Scan(&action.ActionID, &action.RequestID, &action.ActionType, &action.Reason,
			&action.Status, &stored, &action.RequestedAt, &action.ActionedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to complete action %s: %w", actionID, err)
	}
	action.Metadata = stored
	return &action, nil
}

// AggregateStats rolls up requests created inside the trailing window:
// totals by UI status label, per-payer counts, and the pending manual-action
// queue depth.
func (s *ProgressService) AggregateStats(ctx context.Context, windowDays int) (*models.DashboardStats, error) {
	if windowDays <= 0 {
		windowDays = defaultStatsWindowDays
	}

	stats := &models.DashboardStats{
		WindowDays:   windowDays,
		StatusCounts: make(map[string]int),
		PayerCounts:  make(map[string]int),
	}

	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT rp.status, COUNT(*)
		 FROM request_progress rp
		 JOIN requests r ON r.id = rp.request_id
		 WHERE r.created_at >= now() - make_interval(days => $1)
		 GROUP BY rp.status`, windowDays)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status models.RequestStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		stats.StatusCounts[models.MapStatusForFrontend(status)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}

	payerRows, err := s.client.DB().QueryContext(ctx,
		`SELECT vendor, COUNT(*)
		 FROM requests
		 WHERE created_at >= now() - make_interval(days => $1)
		 GROUP BY vendor`, windowDays)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate payers: %w", err)
	}
	defer payerRows.Close()
	for payerRows.Next() {
		var (
			vendor string
			n      int
		)
		if err := payerRows.Scan(&vendor, &n); err != nil {
			return nil, fmt.Errorf("failed to scan payer count: %w", err)
		}
		stats.PayerCounts[vendor] = n
		stats.TotalRequests += n
	}
	if err := payerRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payer counts: %w", err)
	}

	err = s.client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*)
		 FROM manual_actions ma
		 JOIN requests r ON r.id = ma.request_id
		 WHERE ma.status = 'pending'
		   AND r.created_at >= now() - make_interval(days => $1)`, windowDays).
		Scan(&stats.PendingActions)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending actions: %w", err)
	}

	return stats, nil
}

// isForeignKeyViolation reports whether err is a Postgres foreign key
// violation, which the services surface as ErrNotFound for the missing
// parent row.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// nullableJSON converts empty metadata to SQL NULL so COALESCE defaults
// apply.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
