// Package storage provides SQLite-backed persistence for anomaly flags and composite alerts.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/flowwatch/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
// Rolling tracker state is never written here; it is rebuilt from the live feed after a restart.
type Storage struct {
	db        *sql.DB
	maxAlerts int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/flowwatch/data.db.
func New(maxAlerts int, dbPath string) (*Storage, error) {
	if maxAlerts < 1 {
		return nil, fmt.Errorf("max alerts must be at least 1, got %d", maxAlerts)
	}
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "flowwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxAlerts: maxAlerts}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Storage) Ping() error {
	return s.db.Ping()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS flags (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol       TEXT NOT NULL,
			detected_at  INTEGER NOT NULL,
			source       TEXT,
			anomaly_type TEXT NOT NULL,
			severity     REAL NOT NULL,
			details      TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id               TEXT PRIMARY KEY,
			symbol           TEXT NOT NULL,
			detected_at      INTEGER NOT NULL,
			time_span        INTEGER NOT NULL,
			anomaly_types    TEXT NOT NULL,
			members          TEXT NOT NULL,
			avg_severity     REAL NOT NULL,
			conviction_score REAL NOT NULL,
			conviction       TEXT NOT NULL,
			narrative_tag    TEXT NOT NULL,
			notified         INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flags_symbol_time ON flags(symbol, detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_detected_at ON alerts(detected_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_score ON alerts(conviction_score DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddFlags writes a cycle's flags in a single transaction.
func (s *Storage) AddFlags(flags []models.AnomalyFlag) error {
	if len(flags) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO flags (symbol, detected_at, source, anomaly_type, severity, details)
		VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare flag insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range flags {
		details, err := json.Marshal(f.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal flag details: %w", err)
		}
		if _, err := stmt.Exec(f.Symbol, f.Timestamp.UnixNano(), f.Source, string(f.Type), f.Severity, string(details)); err != nil {
			return fmt.Errorf("failed to insert flag: %w", err)
		}
	}
	return tx.Commit()
}

// GetRecentFlags returns flags detected at or after since, newest first. An empty symbol matches all.
func (s *Storage) GetRecentFlags(symbol string, since time.Time, limit int) ([]models.AnomalyFlag, error) {
	query := `SELECT symbol, detected_at, source, anomaly_type, severity, details FROM flags WHERE detected_at >= ?`
	args := []any{unixNano(since)}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()

	flags := []models.AnomalyFlag{}
	for rows.Next() {
		var f models.AnomalyFlag
		var detectedAt int64
		var source sql.NullString
		var anomalyType, details string
		if err := rows.Scan(&f.Symbol, &detectedAt, &source, &anomalyType, &f.Severity, &details); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &f.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flag details: %w", err)
		}
		f.Timestamp = time.Unix(0, detectedAt).UTC()
		f.Source = source.String
		f.Type = models.AnomalyType(anomalyType)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// RotateFlags deletes flags detected before cutoff and returns how many were removed.
func (s *Storage) RotateFlags(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM flags WHERE detected_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to rotate flags: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// AddAlert persists a composite alert, assigning it an ID when it has none.
// The alert cap is enforced in the same transaction.
func (s *Storage) AddAlert(alert *models.CompositeAlert) error {
	if alert.Symbol == "" {
		return errors.New("invalid alert: symbol must not be empty")
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	types, err := json.Marshal(alert.AnomalyTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal anomaly types: %w", err)
	}
	members, err := json.Marshal(alert.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal alert members: %w", err)
	}
	conviction, err := json.Marshal(alert.Conviction)
	if err != nil {
		return fmt.Errorf("failed to marshal conviction breakdown: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO alerts
			(id, symbol, detected_at, time_span, anomaly_types, members,
			 avg_severity, conviction_score, conviction, narrative_tag, notified)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		alert.ID, alert.Symbol, alert.Timestamp.UnixNano(), int64(alert.TimeSpan),
		string(types), string(members),
		alert.AvgSeverity, alert.ConvictionScore, string(conviction), alert.NarrativeTag,
		boolToInt(alert.Notified),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	if err := rotateAlerts(tx, s.maxAlerts); err != nil {
		return err
	}
	return tx.Commit()
}

const alertCols = `id, symbol, detected_at, time_span, anomaly_types, members,
	avg_severity, conviction_score, conviction, narrative_tag, notified`

// GetAlert returns one alert by ID.
func (s *Storage) GetAlert(id string) (*models.CompositeAlert, error) {
	row := s.db.QueryRow(`SELECT `+alertCols+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// GetTopAlerts returns the k alerts with the highest conviction.
func (s *Storage) GetTopAlerts(k int) ([]models.CompositeAlert, error) {
	return s.queryAlerts(`SELECT `+alertCols+` FROM alerts
		ORDER BY conviction_score DESC, detected_at DESC LIMIT ?`, k)
}

// GetRecentAlerts returns alerts detected at or after since, newest first.
func (s *Storage) GetRecentAlerts(since time.Time, limit int) ([]models.CompositeAlert, error) {
	return s.queryAlerts(`SELECT `+alertCols+` FROM alerts
		WHERE detected_at >= ? ORDER BY detected_at DESC, conviction_score DESC LIMIT ?`,
		unixNano(since), limit)
}

// MarkNotified flags the given alerts as delivered.
func (s *Storage) MarkNotified(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.Exec(`UPDATE alerts SET notified = 1 WHERE id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to mark alerts notified: %w", err)
	}
	return nil
}

// RotateAlerts keeps at most maxAlerts newest alerts by detection time.
func (s *Storage) RotateAlerts() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := rotateAlerts(tx, s.maxAlerts); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) ClearAlerts() error {
	if _, err := s.db.Exec(`DELETE FROM alerts`); err != nil {
		return fmt.Errorf("failed to clear alerts: %w", err)
	}
	return nil
}

func rotateAlerts(tx *sql.Tx, maxAlerts int) error {
	if _, err := tx.Exec(`
		DELETE FROM alerts WHERE id NOT IN (
			SELECT id FROM alerts ORDER BY detected_at DESC, conviction_score DESC LIMIT ?
		)`, maxAlerts); err != nil {
		return fmt.Errorf("failed to enforce alert cap: %w", err)
	}
	return nil
}

func (s *Storage) queryAlerts(query string, args ...any) ([]models.CompositeAlert, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []models.CompositeAlert{}
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func scanAlert(scan func(...any) error) (*models.CompositeAlert, error) {
	var a models.CompositeAlert
	var detectedAt, timeSpan int64
	var types, members, conviction string
	var notified int
	err := scan(
		&a.ID, &a.Symbol, &detectedAt, &timeSpan, &types, &members,
		&a.AvgSeverity, &a.ConvictionScore, &conviction, &a.NarrativeTag, &notified,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(types), &a.AnomalyTypes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anomaly types: %w", err)
	}
	if err := json.Unmarshal([]byte(members), &a.Members); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert members: %w", err)
	}
	if err := json.Unmarshal([]byte(conviction), &a.Conviction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conviction breakdown: %w", err)
	}
	a.Timestamp = time.Unix(0, detectedAt).UTC()
	a.TimeSpan = time.Duration(timeSpan)
	a.Notified = notified != 0
	return &a, nil
}

// unixNano maps the zero time to the smallest stored value so it matches everything.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
