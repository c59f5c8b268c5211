package model

import "time"

// SessionStatus is the lifecycle state of a chair session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionFinished SessionStatus = "finished"
)

// Session records one patient's occupancy of one chair.  It is created
// active by an assignment and finished exactly once by a release; a
// finished session is never modified again.
//
// EndTime is nil while the session is active.
type Session struct {
	ID        string        `json:"id"`
	ChairID   string        `json:"chairId"`
	PatientID string        `json:"patientId"`
	StartTime time.Time     `json:"startTime"`
	EndTime   *time.Time    `json:"endTime"`
	Status    SessionStatus `json:"status"`
	Notes     string        `json:"notes"`
}

// IsActive reports whether the session still occupies its chair.
func (s *Session) IsActive() bool { return s != nil && s.Status == SessionActive }
