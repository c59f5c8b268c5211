package model

import "time"

// AdministrationRecord is one dose given during a session.
type AdministrationRecord struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId"`
	MedicationID string    `json:"medicationId"`
	Amount       int       `json:"amountAdministered"`
	Timestamp    time.Time `json:"timestamp"`
}

// AdministeredItem is an AdministrationRecord joined with the medication
// name, as listed for a chair's active session.
type AdministeredItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Amount    int       `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}
