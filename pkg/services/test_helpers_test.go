package services

import (
	"context"
	"sync"

	"github.com/preflight-health/preflight/pkg/models"
)

// fakePublisher records published batches and can be told to fail.
type fakePublisher struct {
	mu      sync.Mutex
	batches [][]models.WorkMessage
	err     error
}

func (f *fakePublisher) PublishBatch(_ context.Context, msgs []models.WorkMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	batch := make([]models.WorkMessage, len(msgs))
	copy(batch, msgs)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakePublisher) lastBatch() []models.WorkMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil
	}
	return f.batches[len(f.batches)-1]
}

// patientRecord builds a minimal ingest record in the upstream EHR shape.
func patientRecord(first, last, vendor string) map[string]any {
	record := map[string]any{
		"patientfirstname":   first,
		"patientlastname":    last,
		"patientdateofbirth": "1984-03-12",
		"appointmentid":      "APPT-1001",
		"personnumber":       "P-556",
		"appointmentdate":    "2025-09-02",
		"clientspecialty":    "Cardiology",
	}
	if vendor != "" {
		record["vendorname"] = vendor
	}
	return record
}
