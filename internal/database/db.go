package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"  // MySQL driver (default)
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver
)

// Options describes how to reach the database.  URL, when set, is used
// verbatim as the DSN for Postgres and as the file path for SQLite.
type Options struct {
	Dialect      Dialect
	User         string
	Pass         string
	Host         string
	Port         string
	Name         string
	URL          string
	MaxOpenConns int
}

// Store bundles the connection pool with its dialect so repositories and
// the coordinator can share one handle.
type Store struct {
	DB      *sql.DB
	Dialect Dialect
}

// Open connects to the configured database and verifies the connection.
func Open(opts Options) (*Store, error) {
	dsn, err := opts.dsn()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(opts.Dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Dialect, err)
	}

	// Pool settings
	if opts.Dialect == SQLite {
		// one connection: a single writer, and an in-memory database must
		// not be split across connections
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 25
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Dialect, err)
	}
	return &Store{DB: db, Dialect: opts.Dialect}, nil
}

// OpenSQLite opens a SQLite database at path (":memory:" for a private
// in-memory database).
func OpenSQLite(path string) (*Store, error) {
	return Open(Options{Dialect: SQLite, URL: path})
}

// Close releases the pool.
func (s *Store) Close() error { return s.DB.Close() }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func (o Options) dsn() (string, error) {
	switch o.Dialect {
	case MySQL:
		auth := o.User
		if o.Pass != "" {
			auth = fmt.Sprintf("%s:%s", o.User, o.Pass)
		}
		// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
		return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
			auth, o.Host, o.Port, o.Name), nil
	case Postgres:
		if o.URL != "" {
			return o.URL, nil
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(o.User, o.Pass),
			Host:     o.Host + ":" + o.Port,
			Path:     "/" + o.Name,
			RawQuery: "sslmode=disable",
		}
		return u.String(), nil
	case SQLite:
		path := o.URL
		if path == "" {
			path = o.Name
		}
		if path == "" {
			return "", fmt.Errorf("sqlite: database path is required")
		}
		params := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite&_txlock=immediate"
		if path == ":memory:" {
			return "file::memory:?" + params, nil
		}
		path = strings.TrimPrefix(path, "file:")
		return "file:" + path + "?" + params, nil
	}
	return "", fmt.Errorf("unsupported dialect %q", o.Dialect)
}
