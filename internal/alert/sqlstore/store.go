// Package sqlstore persists alerts in a SQL table keyed by dispatch key.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"postureguard/internal/alert"
)

//go:embed schema.sql
var schemaSQL string

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

type Store struct {
	db     *sql.DB
	driver string
}

// Open connects with driver (sqlite3 or postgres) and creates the table.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if driver == DriverSQLite && !strings.Contains(dsn, "?") && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		dsn = "file:" + dsn + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	s, err := New(db, driver)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without touching the schema.
func New(db *sql.DB, driver string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	return &Store{db: db, driver: driver}, nil
}

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("sqlstore: init schema: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return "sql" }

// Deliver inserts the alert. An existing row with the same key is never
// replaced; the insert fails with alert.ErrDuplicateKey instead.
func (s *Store) Deliver(ctx context.Context, p alert.Payload) error {
	doc, err := p.JSON()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(insertAlertSQL),
		p.Key, p.Timestamp, p.Status, p.InstanceID, p.ReferenceSensor, string(doc))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", alert.ErrDuplicateKey, p.Key)
		}
		return fmt.Errorf("sqlstore: insert alert: %w", err)
	}
	return nil
}

const insertAlertSQL = `
INSERT INTO posture_alerts (alert_key, alerted_at, status, instance_id, reference_sensor, payload)
VALUES (?, ?, ?, ?, ?, ?)`

const recentAlertsSQL = `
SELECT payload FROM posture_alerts
ORDER BY alerted_at DESC, alert_key DESC
LIMIT ?`

// Recent returns up to n alerts, newest first.
func (s *Store) Recent(ctx context.Context, n int) (out []alert.Payload, err error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(recentAlertsSQL), n)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query alerts: %w", err)
	}
	defer func() {
		if cErr := rows.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("sqlstore: closing rows: %w", cErr)
		}
	}()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlstore: scan alert: %w", err)
		}
		var p alert.Payload
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("sqlstore: decode alert: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: iterate alerts: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $N for postgres.
func (s *Store) rebind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
}
