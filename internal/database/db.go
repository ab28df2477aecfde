package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"   // Postgres driver
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrPersistence marks any failure of the underlying storage engine
var ErrPersistence = errors.New("persistence failure")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// DB wraps the database connection. SQLite is the default engine, a
// postgres:// DSN selects Postgres.
type DB struct {
	db      *sql.DB
	dialect dialect
}

// Open opens the database named by dsn and applies the schema.
// Accepted forms: "postgres://...", "postgresql://...", "sqlite:path", or a bare file path.
func Open(dsn string) (*DB, error) {
	var (
		conn *sql.DB
		d    dialect
		err  error
	)

	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		d = dialectPostgres
		conn, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
	default:
		d = dialectSQLite
		path := strings.TrimPrefix(dsn, "sqlite:")
		conn, err = sql.Open("sqlite", fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		conn.SetMaxOpenConns(1) // SQLite works best with a single writer
		conn.SetMaxIdleConns(1)
	}
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if d == dialectSQLite {
		// Ensure foreign keys are enabled (redundant with DSN but ensures it's set)
		if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	db := &DB{db: conn, dialect: d}
	if err := db.Init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Init creates all tables and indexes
func (d *DB) Init() error {
	if _, err := d.db.Exec(schemaFor(d.dialect)); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Health checks if the database connection is healthy
func (d *DB) Health(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// rebind rewrites ? placeholders into $n for Postgres
func (d *DB) rebind(query string) string {
	if d.dialect != dialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.rebind(query), args...)
}

// fail wraps a storage error so callers can match ErrPersistence
func fail(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrPersistence, op, err)
}

func unixOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0)
	return &t
}
