// Package queue publishes coordinator domain events to RabbitMQ and hosts
// the consumer that records stock alerts.
package queue

import "time"

// Queue names.  Each event type goes to its own durable queue through the
// default exchange.
const (
	QueueSessionStarted         = "chair.session.started"
	QueueSessionFinished        = "chair.session.finished"
	QueueMedicationAdministered = "medication.administered"
	QueueStockLow               = "medication.stock.low"
)

// Event is a message payload that knows its destination queue.
type Event interface {
	Queue() string
}

// SessionStartedEvent is published after a patient is assigned to a chair.
type SessionStartedEvent struct {
	SessionID string    `json:"session_id"`
	ChairID   string    `json:"chair_id"`
	ChairName string    `json:"chair_name"`
	PatientID string    `json:"patient_id"`
	StartedAt time.Time `json:"started_at"`
}

func (SessionStartedEvent) Queue() string { return QueueSessionStarted }

// SessionFinishedEvent is published after a chair is released.
type SessionFinishedEvent struct {
	SessionID       string    `json:"session_id"`
	ChairID         string    `json:"chair_id"`
	PatientID       string    `json:"patient_id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

func (SessionFinishedEvent) Queue() string { return QueueSessionFinished }

// MedicationAdministeredEvent is published for every recorded dose.
type MedicationAdministeredEvent struct {
	RecordID       string    `json:"record_id"`
	SessionID      string    `json:"session_id"`
	ChairID        string    `json:"chair_id"`
	MedicationID   string    `json:"medication_id"`
	MedicationName string    `json:"medication_name"`
	Amount         int       `json:"amount"`
	StockRemaining int       `json:"stock_remaining"`
	AdministeredAt time.Time `json:"administered_at"`
}

func (MedicationAdministeredEvent) Queue() string { return QueueMedicationAdministered }

// StockLowEvent is published when a dose leaves a medication at or below
// its minimum stock.
type StockLowEvent struct {
	MedicationID   string    `json:"medication_id"`
	MedicationName string    `json:"medication_name"`
	Quantity       int       `json:"quantity"`
	MinimumStock   int       `json:"minimum_stock"`
	Unit           string    `json:"unit"`
	DetectedAt     time.Time `json:"detected_at"`
}

func (StockLowEvent) Queue() string { return QueueStockLow }
