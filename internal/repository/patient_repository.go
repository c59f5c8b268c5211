package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
)

// PatientRepo reads and updates the status of patients.  The rest of the
// patient record is owned by the patient registry.
type PatientRepo struct {
	base
}

func NewPatientRepo(store *database.Store) *PatientRepo { return &PatientRepo{base: newBase(store)} }

const patientColumns = `SELECT id, full_name, status FROM patients`

// Create inserts a patient (seeding and tests).
func (r *PatientRepo) Create(ctx context.Context, p *model.Patient) error {
	if p.Status == "" {
		p.Status = model.PatientActive
	}
	_, err := r.db.ExecContext(ctx, r.q(`INSERT INTO patients (id, full_name, status) VALUES (?, ?, ?)`),
		p.ID, p.Name, string(p.Status))
	return err
}

func (r *PatientRepo) FindByID(ctx context.Context, id string) (*model.Patient, error) {
	return scanPatient(r.db.QueryRowContext(ctx, r.q(patientColumns+` WHERE id = ?`), id))
}

// FindByIDTx locks and returns the patient.
func (r *PatientRepo) FindByIDTx(ctx context.Context, tx *sql.Tx, id string) (*model.Patient, error) {
	return scanPatient(tx.QueryRowContext(ctx, r.locking(patientColumns+` WHERE id = ?`), id))
}

func (r *PatientRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id string, status model.PatientStatus, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE patients SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), utc(now), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func scanPatient(row *sql.Row) (*model.Patient, error) {
	var (
		p      model.Patient
		status string
	)
	if err := row.Scan(&p.ID, &p.Name, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = model.PatientStatus(status)
	return &p, nil
}
