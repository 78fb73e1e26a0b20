package counter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

func (d Dialect) driver() (string, error) {
	switch d {
	case Postgres:
		return "pgx", nil
	case SQLite:
		return "sqlite3", nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", d)
	}
}

// A swept row between our failed insert and the update is retried this many
// times before giving up.
const maxCreateAttempts = 3

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type sqlQueries struct {
	schema []string
	insert string
	update string
	sweep  string
}

func buildQueries(d Dialect, table string) sqlQueries {
	q := sqlQueries{
		schema: []string{
			`CREATE TABLE IF NOT EXISTS ` + table + ` (
				bucket_key  TEXT PRIMARY KEY,
				count       BIGINT NOT NULL,
				limit_value BIGINT NOT NULL,
				plan        TEXT NOT NULL,
				action      TEXT NOT NULL,
				expires_at  BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS ` + table + `_expires_at ON ` + table + ` (expires_at)`,
		},
		insert: `INSERT INTO ` + table + ` (bucket_key, count, limit_value, plan, action, expires_at)
			VALUES (?, 1, ?, ?, ?, ?)`,
		update: `UPDATE ` + table + `
			SET count = count + 1, limit_value = ?, plan = ?, action = ?, expires_at = ?
			WHERE bucket_key = ?
			RETURNING count`,
		sweep: `DELETE FROM ` + table + ` WHERE expires_at < ?`,
	}
	q.insert = rebind(d, q.insert)
	q.update = rebind(d, q.update)
	q.sweep = rebind(d, q.sweep)
	return q
}

// rebind rewrites ? placeholders to $n for Postgres.
func rebind(d Dialect, query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore keeps counters in a relational table. Neither target offers a
// portable atomic upsert-and-return, so increments use insert-first and fall
// back to an in-place increment when the insert hits the primary key. A row
// is therefore never visible with count 0.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	q       sqlQueries
}

// OpenSQLStore opens dsn with the driver for dialect and creates the table.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn, table string) (*SQLStore, error) {
	drv, err := dialect.driver()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(drv, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(db, dialect, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLStore(db *sql.DB, dialect Dialect, table string) (*SQLStore, error) {
	if _, err := dialect.driver(); err != nil {
		return nil, err
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SQLStore{db: db, dialect: dialect, q: buildQueries(dialect, table)}, nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.q.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) IncrementAndCheck(ctx context.Context, req Request) (int64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	key := req.Key.String()
	exp := req.ExpiresAt().UnixMilli()

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		_, err := s.db.ExecContext(ctx, s.q.insert, key, req.Limit, req.Plan, req.Key.Action, exp)
		if err == nil {
			return 1, nil
		}
		if !isUniqueViolation(err) {
			return 0, fmt.Errorf("insert counter %s: %w", key, err)
		}

		var count int64
		err = s.db.QueryRowContext(ctx, s.q.update, req.Limit, req.Plan, req.Key.Action, exp, key).Scan(&count)
		if err == nil {
			return count, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("increment counter %s: %w", key, err)
		}
	}
	return 0, fmt.Errorf("increment counter %s: row vanished %d times", key, maxCreateAttempts)
}

// Sweep deletes rows that expired before now and returns how many it removed.
func (s *SQLStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q.sweep, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep counters: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Name() string { return string(s.dialect) }

func (s *SQLStore) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
