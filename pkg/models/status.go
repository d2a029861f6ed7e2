package models

// BatchStatus tracks a batch through the publish pipeline.
type BatchStatus string

// Batch status values.
const (
	BatchStatusPendingPublish BatchStatus = "pending_publish"
	BatchStatusPublished      BatchStatus = "published"
	BatchStatusPublishFailed  BatchStatus = "publish_failed"
	BatchStatusCommitted      BatchStatus = "committed"
)

// RequestStatus is the internal progress status of a single request.
type RequestStatus string

// Request status values as written to the progress store.
const (
	RequestStatusCreated            RequestStatus = "created"
	RequestStatusQueued             RequestStatus = "queued"
	RequestStatusInProgress         RequestStatus = "in_progress"
	RequestStatusProcessing         RequestStatus = "processing"
	RequestStatusUserActionRequired RequestStatus = "user_action_required"
	RequestStatusActionNeeded       RequestStatus = "action_needed"
	RequestStatusCompleted          RequestStatus = "completed"
	RequestStatusSucceeded          RequestStatus = "succeeded"
	RequestStatusFailed             RequestStatus = "failed"
)

// ValidRequestStatus reports whether s is one of the known internal statuses.
func ValidRequestStatus(s RequestStatus) bool {
	switch s {
	case RequestStatusCreated, RequestStatusQueued, RequestStatusInProgress,
		RequestStatusProcessing, RequestStatusUserActionRequired,
		RequestStatusActionNeeded, RequestStatusCompleted,
		RequestStatusSucceeded, RequestStatusFailed:
		return true
	}
	return false
}

// MapStatusForFrontend translates an internal status to the label the UI
// renders. This is the single read-boundary transform; internal statuses are
// stored verbatim and never rewritten.
func MapStatusForFrontend(s RequestStatus) string {
	switch s {
	case RequestStatusInProgress, RequestStatusProcessing:
		return "running"
	case RequestStatusCreated:
		return "queued"
	case RequestStatusUserActionRequired, RequestStatusActionNeeded:
		return "manual-action"
	case RequestStatusCompleted, RequestStatusSucceeded:
		return "completed"
	case RequestStatusFailed:
		return "failed"
	default:
		return string(s)
	}
}

// ActionStatus tracks a manual action through its lifecycle.
type ActionStatus string

// Manual action status values.
const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusCompleted ActionStatus = "completed"
)
