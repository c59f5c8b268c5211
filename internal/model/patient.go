package model

// PatientStatus is the clinical state of a patient as seen by the chair
// coordinator.
type PatientStatus string

const (
	PatientActive      PatientStatus = "active"
	PatientInactive    PatientStatus = "inactive"
	PatientInTreatment PatientStatus = "in_treatment"
)

// Patient is the subset of the patient record the coordinator needs.
// Demographics live in the patient registry.
type Patient struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status PatientStatus `json:"status"`
}
