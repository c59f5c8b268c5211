package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
)

// AdministrationRepo is the append-only log of doses given in sessions.
type AdministrationRepo struct {
	base
}

// NewAdministrationRepo returns an AdministrationRepo bound to the store.
func NewAdministrationRepo(store *database.Store) *AdministrationRepo {
	return &AdministrationRepo{base: newBase(store)}
}

// CreateTx appends a record.  It must share the transaction that
// decremented the medication's stock.
func (r *AdministrationRepo) CreateTx(ctx context.Context, tx *sql.Tx, rec *model.AdministrationRecord) error {
	_, err := tx.ExecContext(ctx, r.q(
		`INSERT INTO session_medications (id, session_id, medication_id, amount, administered_at) VALUES (?, ?, ?, ?, ?)`),
		rec.ID, rec.SessionID, rec.MedicationID, rec.Amount, utc(rec.Timestamp),
	)
	return err
}

// ListBySession returns the session's records joined with medication
// names, oldest first.
func (r *AdministrationRepo) ListBySession(ctx context.Context, sessionID string) ([]model.AdministeredItem, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT sm.id, m.name, sm.amount, sm.administered_at
		FROM session_medications sm
		JOIN medications m ON m.id = sm.medication_id
		WHERE sm.session_id = ?
		ORDER BY sm.administered_at ASC, sm.id ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.AdministeredItem{}
	for rows.Next() {
		var it model.AdministeredItem
		if err := rows.Scan(&it.ID, &it.Name, &it.Amount, &it.Timestamp); err != nil {
			return nil, err
		}
		it.Timestamp = it.Timestamp.UTC()
		items = append(items, it)
	}
	return items, rows.Err()
}

// CountBySession returns how many doses were recorded for a session.
func (r *AdministrationRepo) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM session_medications WHERE session_id = ?`), sessionID).Scan(&n)
	return n, err
}
