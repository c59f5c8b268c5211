package database

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsRetryable reports whether err is a transient lock failure after which
// the whole transaction may be re-run: MySQL deadlock (1213) and lock wait
// timeout (1205), Postgres serialization failure (40001) and deadlock
// (40P01), SQLite BUSY/LOCKED.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

// IsUniqueViolation reports whether err was raised by a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// extended result codes disabled
			return strings.Contains(liteErr.Error(), "UNIQUE constraint failed")
		}
		return false
	}
	return false
}

// UniqueViolationOn reports whether err is a unique violation of index.
// SQLite names the indexed columns instead of the index, so there column
// ("table.column") is compared against the reported column list.
func UniqueViolationOn(err error, index, column string) bool {
	if !IsUniqueViolation(err) {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// Duplicate entry '<value>' for key '[table.]<index>'
		i := strings.LastIndex(myErr.Message, "for key ")
		if i < 0 {
			return false
		}
		key := strings.Trim(myErr.Message[i+len("for key "):], "'` ")
		return key == index || strings.HasSuffix(key, "."+index)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName == index
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		msg := liteErr.Error()
		const marker = "UNIQUE constraint failed: "
		i := strings.Index(msg, marker)
		if i < 0 {
			return false
		}
		cols := msg[i+len(marker):]
		if j := strings.Index(cols, " ("); j >= 0 {
			cols = cols[:j]
		}
		for _, c := range strings.Split(cols, ",") {
			if strings.TrimSpace(c) == column {
				return true
			}
		}
	}
	return false
}
