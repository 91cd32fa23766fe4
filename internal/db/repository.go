package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Repository persists Alert records. Each row keeps the searchable columns next to the
// full JSON document; writes are guarded by a version compare-and-set.
type Repository struct {
	db     *sql.DB
	driver string
}

func NewRepository(driver, dsn string) (*Repository, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported alert db driver %q", driver)
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert db: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer; serialize through one connection.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping alert db: %w", err)
	}

	repo := NewRepositoryWithDB(conn, driver)
	if err := repo.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create alert schema: %w", err)
	}
	return repo, nil
}

// NewRepositoryWithDB wraps an existing handle without touching the schema.
func NewRepositoryWithDB(conn *sql.DB, driver string) *Repository {
	return &Repository{db: conn, driver: driver}
}

func (r *Repository) initSchema() error {
	createAlertsTable := `
    CREATE TABLE IF NOT EXISTS alerts (
        id TEXT PRIMARY KEY,
        patient_id TEXT NOT NULL,
        metric TEXT NOT NULL,
        status TEXT NOT NULL,
        version BIGINT NOT NULL,
        updated_at TEXT NOT NULL,
        payload TEXT NOT NULL
    );`
	if _, err := r.db.Exec(createAlertsTable); err != nil {
		return err
	}
	_, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status)`)
	return err
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (r *Repository) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// Save inserts the alert when expectedVersion is zero, otherwise updates it only if the
// stored version still equals expectedVersion.
func (r *Repository) Save(ctx context.Context, alert *Alert, expectedVersion int64) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
	}
	updatedAt := alert.UpdatedAt.UTC().Format(time.RFC3339Nano)

	if expectedVersion == 0 {
		query := r.rebind(`INSERT INTO alerts (id, patient_id, metric, status, version, updated_at, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if _, err := r.db.ExecContext(ctx, query, alert.ID, alert.PatientID, alert.Metric, string(alert.Status), alert.Version, updatedAt, string(payload)); err != nil {
			return fmt.Errorf("failed to insert alert %s: %w", alert.ID, err)
		}
		return nil
	}

	query := r.rebind(`UPDATE alerts SET status = ?, version = ?, updated_at = ?, payload = ? WHERE id = ? AND version = ?`)
	res, err := r.db.ExecContext(ctx, query, string(alert.Status), alert.Version, updatedAt, string(payload), alert.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for alert %s: %w", alert.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("alert %s at version %d: %w", alert.ID, expectedVersion, ErrVersionConflict)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Alert, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM alerts WHERE id = ?`), id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %s: %w", id, err)
	}
	var alert Alert
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return nil, fmt.Errorf("failed to decode alert %s: %w", id, err)
	}
	return &alert, nil
}

// ListOpen returns every New or Acknowledged alert, oldest update first.
func (r *Repository) ListOpen(ctx context.Context) ([]*Alert, error) {
	query := r.rebind(`SELECT payload FROM alerts WHERE status IN (?, ?) ORDER BY updated_at`)
	rows, err := r.db.QueryContext(ctx, query, string(StatusNew), string(StatusAcknowledged))
	if err != nil {
		return nil, fmt.Errorf("failed to list open alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var alert Alert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return nil, fmt.Errorf("failed to decode stored alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}
	return alerts, rows.Err()
}

func (r *Repository) Close() error {
	return r.db.Close()
}
