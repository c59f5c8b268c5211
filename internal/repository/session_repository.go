package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
)

// SessionRepo is the ledger of chair sessions.  A chair or a patient has
// at most one active session; the schema backs this with unique indexes
// that only cover active rows.
type SessionRepo struct {
	base
}

// NewSessionRepo returns a SessionRepo bound to the store.
func NewSessionRepo(store *database.Store) *SessionRepo { return &SessionRepo{base: newBase(store)} }

const sessionColumns = `SELECT id, chair_id, patient_id, start_time, end_time, status, notes FROM chair_sessions`

// CreateTx inserts a new session row.
func (r *SessionRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *model.Session) error {
	var end any
	if s.EndTime != nil {
		end = utc(*s.EndTime)
	}
	_, err := tx.ExecContext(ctx, r.q(
		`INSERT INTO chair_sessions (id, chair_id, patient_id, start_time, end_time, status, notes) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.ChairID, s.PatientID, utc(s.StartTime), end, string(s.Status), s.Notes,
	)
	return err
}

// FindActiveByChairTx locks and returns the chair's active session, or
// nil when the chair has none.
func (r *SessionRepo) FindActiveByChairTx(ctx context.Context, tx *sql.Tx, chairID string) (*model.Session, error) {
	return r.findActive(ctx, tx, r.locking(sessionColumns+` WHERE chair_id = ? AND status = ?`), chairID)
}

// FindActiveByPatientTx locks and returns the patient's active session,
// or nil when there is none.
func (r *SessionRepo) FindActiveByPatientTx(ctx context.Context, tx *sql.Tx, patientID string) (*model.Session, error) {
	return r.findActive(ctx, tx, r.locking(sessionColumns+` WHERE patient_id = ? AND status = ?`), patientID)
}

// FindActiveByChair is the non-locking variant used by read endpoints.
func (r *SessionRepo) FindActiveByChair(ctx context.Context, chairID string) (*model.Session, error) {
	return r.findActive(ctx, r.db, r.q(sessionColumns+` WHERE chair_id = ? AND status = ?`), chairID)
}

// FindByID returns any session, active or finished.
func (r *SessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, r.q(sessionColumns+` WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// FinishTx closes an active session.  Only active rows are updated, so a
// finished session can never be rewritten; ErrNotFound means the session
// was not active.
func (r *SessionRepo) FinishTx(ctx context.Context, tx *sql.Tx, id string, endTime time.Time, notes string) error {
	res, err := tx.ExecContext(ctx, r.q(
		`UPDATE chair_sessions SET end_time = ?, status = ?, notes = ? WHERE id = ? AND status = ?`),
		utc(endTime), string(model.SessionFinished), notes, id, string(model.SessionActive),
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *SessionRepo) findActive(ctx context.Context, q dbtx, query, key string) (*model.Session, error) {
	s, err := scanSession(q.QueryRowContext(ctx, query, key, string(model.SessionActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func scanSession(row *sql.Row) (*model.Session, error) {
	var (
		s      model.Session
		end    sql.NullTime
		status string
	)
	if err := row.Scan(&s.ID, &s.ChairID, &s.PatientID, &s.StartTime, &end, &status, &s.Notes); err != nil {
		return nil, err
	}
	s.StartTime = s.StartTime.UTC()
	if end.Valid {
		t := end.Time.UTC()
		s.EndTime = &t
	}
	s.Status = model.SessionStatus(status)
	return &s, nil
}
