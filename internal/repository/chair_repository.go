package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
	"github.com/iliyamo/infusion-chair-coordinator/internal/model"
)

// ChairRepo provides access to the chairs table.  Chair creation belongs
// to the chair catalog; Create exists for seeding and tests.
type ChairRepo struct {
	base
}

// NewChairRepo returns a ChairRepo bound to the store.
func NewChairRepo(store *database.Store) *ChairRepo { return &ChairRepo{base: newBase(store)} }

const chairColumns = `SELECT id, number, name, location, status, is_active FROM chairs`

// Create inserts a chair.  An empty status defaults to available.
func (r *ChairRepo) Create(ctx context.Context, c *model.Chair) error {
	if c.Status == "" {
		c.Status = model.ChairAvailable
	}
	if !c.Status.Valid() {
		return fmt.Errorf("chair %s: unknown status %q", c.ID, c.Status)
	}
	_, err := r.db.ExecContext(ctx, r.q(
		`INSERT INTO chairs (id, number, name, location, status, is_active) VALUES (?, ?, ?, ?, ?, ?)`),
		c.ID, c.Number, c.Name, c.Location, string(c.Status), c.IsActive,
	)
	return err
}

// FindByID returns the chair without locking it.
func (r *ChairRepo) FindByID(ctx context.Context, id string) (*model.Chair, error) {
	return scanChair(r.db.QueryRowContext(ctx, r.q(chairColumns+` WHERE id = ?`), id))
}

// FindByIDTx locks and returns the chair.  Chairs are always locked first
// so concurrent coordinator operations take locks in the same order.
func (r *ChairRepo) FindByIDTx(ctx context.Context, tx *sql.Tx, id string) (*model.Chair, error) {
	return scanChair(tx.QueryRowContext(ctx, r.locking(chairColumns+` WHERE id = ?`), id))
}

// UpdateStatusTx stores a new occupancy status for the chair.
func (r *ChairRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id string, status model.ChairStatus, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("chair %s: unknown status %q", id, status)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE chairs SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), utc(now), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func scanChair(row *sql.Row) (*model.Chair, error) {
	var (
		c      model.Chair
		status string
	)
	if err := row.Scan(&c.ID, &c.Number, &c.Name, &c.Location, &status, &c.IsActive); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = model.ChairStatus(status)
	return &c, nil
}
