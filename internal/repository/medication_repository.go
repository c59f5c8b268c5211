package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
)

// MedicationRepo manages medication stock levels.
type MedicationRepo struct {
	base
}

// NewMedicationRepo returns a MedicationRepo bound to the store.
func NewMedicationRepo(store *database.Store) *MedicationRepo {
	return &MedicationRepo{base: newBase(store)}
}

const medicationColumns = `SELECT id, name, quantity, unit, minimum_stock, is_active FROM medications`

// Create inserts a medication item (seeding and tests).
func (r *MedicationRepo) Create(ctx context.Context, m *model.MedicationItem) error {
	if m.Unit == "" {
		m.Unit = "units"
	}
	_, err := r.db.ExecContext(ctx, r.q(
		`INSERT INTO medications (id, name, quantity, unit, minimum_stock, is_active) VALUES (?, ?, ?, ?, ?, ?)`),
		m.ID, m.Name, m.Quantity, m.Unit, m.MinimumStock, m.IsActive,
	)
	return err
}

func (r *MedicationRepo) FindByID(ctx context.Context, id string) (*model.MedicationItem, error) {
	return scanMedication(r.db.QueryRowContext(ctx, r.q(medicationColumns+` WHERE id = ?`), id))
}

// FindByIDTx locks the medication row so the stock check and the
// decrement that follows see the same quantity.
func (r *MedicationRepo) FindByIDTx(ctx context.Context, tx *sql.Tx, id string) (*model.MedicationItem, error) {
	return scanMedication(tx.QueryRowContext(ctx, r.locking(medicationColumns+` WHERE id = ?`), id))
}

// UpdateQuantityTx stores the new on-hand quantity.
func (r *MedicationRepo) UpdateQuantityTx(ctx context.Context, tx *sql.Tx, id string, quantity int, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE medications SET quantity = ?, updated_at = ? WHERE id = ?`),
		quantity, utc(now), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ListLowStock returns active items whose quantity is at or below their
// minimum stock, ordered by name.
func (r *MedicationRepo) ListLowStock(ctx context.Context) ([]model.MedicationItem, error) {
	rows, err := r.db.QueryContext(ctx, r.q(
		medicationColumns+` WHERE is_active = ? AND quantity <= minimum_stock ORDER BY name, id`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []model.MedicationItem{}
	for rows.Next() {
		var m model.MedicationItem
		if err := rows.Scan(&m.ID, &m.Name, &m.Quantity, &m.Unit, &m.MinimumStock, &m.IsActive); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func scanMedication(row *sql.Row) (*model.MedicationItem, error) {
	var m model.MedicationItem
	if err := row.Scan(&m.ID, &m.Name, &m.Quantity, &m.Unit, &m.MinimumStock, &m.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}
