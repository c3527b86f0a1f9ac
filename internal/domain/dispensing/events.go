package dispensing

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event emitted by the orchestrator.
type EventType string

const (
	EventDispensingCompleted EventType = "DispensingCompleted"
	EventLowStockAlert       EventType = "LowStockAlert"
	EventPDMPReportRequired  EventType = "PDMPReportRequired"
)

// Event is a domain event destined for the outbox. Payload is the serialized
// event data; Key is the Kafka partition key.
type Event struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	Key         string          `json:"key"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// NewEvent creates an event with a serialized payload.
func NewEvent(eventType EventType, aggregateID, key string, data interface{}, at time.Time) (*Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Key:         key,
		OccurredAt:  at,
	}, nil
}

// DispensingCompletedData is the payload for EventDispensingCompleted.
type DispensingCompletedData struct {
	DispensingID   string    `json:"dispensing_id"`
	PrescriptionID string    `json:"prescription_id"`
	PatientID      string    `json:"patient_id"`
	PharmacyID     string    `json:"pharmacy_id"`
	MedicationName string    `json:"medication_name"`
	Quantity       int       `json:"quantity"`
	DispensedAt    time.Time `json:"dispensed_at"`
}

// PDMPReportRequiredData is the payload for EventPDMPReportRequired. The
// external reporting collaborator consumes it and later confirms submission.
type PDMPReportRequiredData struct {
	ControlledSubstanceLogID string `json:"controlled_substance_log_id"`
	DispensingID             string `json:"dispensing_id"`
	PharmacyID               string `json:"pharmacy_id"`
	Schedule                 string `json:"schedule"`
}
