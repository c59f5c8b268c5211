package model

// MedicationItem is a stock-tracked medication.  Quantity never drops
// below zero; each decrement is paired with one AdministrationRecord.
type MedicationItem struct {
	ID           string `json:"id"`           // medications.id
	Name         string `json:"name"`         // medications.name
	Quantity     int    `json:"quantity"`     // medications.quantity, units on hand
	Unit         string `json:"unit"`         // medications.unit
	MinimumStock int    `json:"minimumStock"` // medications.minimum_stock, alert threshold
	IsActive     bool   `json:"isActive"`     // medications.is_active
}

// LowStock reports whether the item is at or below its alert threshold.
func (m MedicationItem) LowStock() bool { return m.Quantity <= m.MinimumStock }
