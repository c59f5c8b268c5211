// Package repository holds the SQL data access for chairs, patients,
// medications, chair sessions and administration records.  Methods with a
// Tx suffix run inside a caller-owned transaction and take row locks where
// the dialect supports them; the caller commits or rolls back.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/infusion-chair-coordinator/internal/database"
)

// ErrNotFound is returned when a lookup by primary key matches no row, or
// when a conditional update finds nothing to change.
var ErrNotFound = errors.New("not found")

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// base carries the handle and dialect shared by every repository.
type base struct {
	db      *sql.DB
	dialect database.Dialect
}

func newBase(store *database.Store) base {
	return base{db: store.DB, dialect: store.Dialect}
}

func (b base) q(query string) string { return b.dialect.Rebind(query) }

// locking appends the dialect's row-lock clause to a SELECT.
func (b base) locking(query string) string { return b.q(query + b.dialect.ForUpdate()) }

// utc normalises timestamps before they are written so every dialect
// stores the same wall clock.
func utc(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

// expectOne turns a zero-row update into ErrNotFound.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
