// Package store is the Durable Store sink and the Query Interface's backing
// read path: one SQLite database with three tables for telemetry records,
// alert events, and status snapshots.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/srg/dalybms/internal/telemetry"
)

// ErrAlertNotFound is returned by Acknowledge when id does not match any row.
var ErrAlertNotFound = errors.New("store: alert not found")

const schema = `
CREATE TABLE IF NOT EXISTS battery_data (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	total_voltage REAL,
	current REAL,
	power REAL,
	soc REAL,
	temperature REAL,
	status TEXT,
	cells TEXT,
	temperatures TEXT,
	connection_status TEXT
);
CREATE INDEX IF NOT EXISTS idx_battery_data_timestamp ON battery_data(timestamp);

CREATE TABLE IF NOT EXISTS battery_alerts (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	type TEXT,
	severity TEXT,
	message TEXT,
	value REAL,
	threshold REAL,
	cell INTEGER,
	acknowledged BOOLEAN DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_battery_alerts_timestamp ON battery_alerts(timestamp);

CREATE TABLE IF NOT EXISTS system_status (
	id TEXT PRIMARY KEY,
	timestamp DATETIME NOT NULL,
	connected BOOLEAN,
	last_read DATETIME,
	read_count INTEGER,
	error_count INTEGER,
	uptime REAL
);
CREATE INDEX IF NOT EXISTS idx_system_status_timestamp ON system_status(timestamp);
`

// Store wraps a sqlx-managed SQLite connection pool. Each operation is its
// own transaction; there are no multi-statement transactions in the core.
type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// Open connects to dataSourceName (a sqlite3 DSN, e.g. "./bms.db") and
// ensures the schema exists. SQLite does not multithread writes well, so
// the pool is pinned to a single connection, matching the driver's own
// serialization guidance.
func Open(dataSourceName string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable, for the health endpoint.
func (s *Store) Ping(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// InsertRecord appends one telemetry row. Cell and temperature vectors are
// serialized to JSON text.
func (s *Store) InsertRecord(ctx context.Context, rec telemetry.Record) error {
	cellsJSON, err := json.Marshal(rec.Cells)
	if err != nil {
		return fmt.Errorf("store: marshal cells: %w", err)
	}
	tempsJSON, err := json.Marshal(rec.Temperatures)
	if err != nil {
		return fmt.Errorf("store: marshal temperatures: %w", err)
	}

	q := sq.Insert("battery_data").
		Columns("id", "timestamp", "total_voltage", "current", "power", "soc", "temperature", "status", "cells", "temperatures", "connection_status").
		Values(uuid.New().String(), rec.Timestamp, rec.Voltage, rec.Current, rec.Power, rec.SOC, rec.Temperature, string(rec.Status), string(cellsJSON), string(tempsJSON), string(rec.Link))

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("store: build insert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// InsertAlert appends one alert row, assigning an id if the event lacks one.
func (s *Store) InsertAlert(ctx context.Context, ev telemetry.AlertEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	q := sq.Insert("battery_alerts").
		Columns("id", "timestamp", "type", "severity", "message", "value", "threshold", "cell", "acknowledged").
		Values(ev.ID, ev.Timestamp, string(ev.Kind), string(ev.Severity), ev.Message, ev.Value, ev.Threshold, ev.CellIndex, ev.Acknowledged)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("store: build insert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// InsertStatus appends one status snapshot row.
func (s *Store) InsertStatus(ctx context.Context, rec telemetry.StatusRecord) error {
	q := sq.Insert("system_status").
		Columns("id", "timestamp", "connected", "last_read", "read_count", "error_count", "uptime").
		Values(uuid.New().String(), rec.Timestamp, rec.LinkUp, rec.LastAcquisition, rec.ReadsOK, rec.ReadsErr, rec.UptimeSeconds)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("store: build insert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// LatestRecord returns the newest telemetry row, or telemetry.Zero() if the
// table is empty.
func (s *Store) LatestRecord(ctx context.Context) (telemetry.Record, error) {
	query, args, err := sq.Select("timestamp", "total_voltage", "current", "power", "soc", "temperature", "status", "cells", "temperatures", "connection_status").
		From("battery_data").OrderBy("timestamp DESC").Limit(1).ToSql()
	if err != nil {
		return telemetry.Zero(), err
	}

	var row batteryDataRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.Zero(), nil
	}
	if err != nil {
		return telemetry.Zero(), err
	}
	return row.toRecord(), nil
}

// History returns every telemetry row since now-window, newest first,
// capped at 1000 rows.
func (s *Store) History(ctx context.Context, since time.Time) ([]telemetry.Record, error) {
	query, args, err := sq.Select("timestamp", "total_voltage", "current", "power", "soc", "temperature", "status", "cells", "temperatures", "connection_status").
		From("battery_data").Where(sq.GtOrEq{"timestamp": since}).OrderBy("timestamp DESC").Limit(1000).ToSql()
	if err != nil {
		return nil, err
	}

	var rows []batteryDataRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	records := make([]telemetry.Record, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toRecord())
	}
	return records, nil
}

// UnacknowledgedAlerts returns up to limit unacknowledged alerts, newest first.
func (s *Store) UnacknowledgedAlerts(ctx context.Context, limit int) ([]telemetry.AlertEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query, args, err := sq.Select("id", "timestamp", "type", "severity", "message", "value", "threshold", "cell", "acknowledged").
		From("battery_alerts").Where(sq.Eq{"acknowledged": false}).OrderBy("timestamp DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}

	var alerts []telemetry.AlertEvent
	if err := s.db.SelectContext(ctx, &alerts, query, args...); err != nil {
		return nil, err
	}
	return alerts, nil
}

// Acknowledge marks alert id as acknowledged. Idempotent: acknowledging an
// already-acknowledged alert succeeds without changing state. Returns
// ErrAlertNotFound if id does not exist.
func (s *Store) Acknowledge(ctx context.Context, id string) error {
	query, args, err := sq.Select("id").From("battery_alerts").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	var found string
	if err := s.db.GetContext(ctx, &found, query, args...); errors.Is(err, sql.ErrNoRows) {
		return ErrAlertNotFound
	} else if err != nil {
		return err
	}

	upd, uargs, err := sq.Update("battery_alerts").Set("acknowledged", true).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upd, uargs...)
	return err
}

type batteryDataRow struct {
	Timestamp        time.Time `db:"timestamp"`
	TotalVoltage     *float64  `db:"total_voltage"`
	Current          *float64  `db:"current"`
	Power            *float64  `db:"power"`
	SOC              *float64  `db:"soc"`
	Temperature      *float64  `db:"temperature"`
	Status           string    `db:"status"`
	Cells            string    `db:"cells"`
	Temperatures     string    `db:"temperatures"`
	ConnectionStatus string    `db:"connection_status"`
}

func (r batteryDataRow) toRecord() telemetry.Record {
	rec := telemetry.Record{
		Timestamp:   r.Timestamp,
		Voltage:     r.TotalVoltage,
		Current:     r.Current,
		Power:       r.Power,
		SOC:         r.SOC,
		Temperature: r.Temperature,
		Status:      telemetry.Health(r.Status),
		Link:        telemetry.LinkStatus(r.ConnectionStatus),
	}
	_ = json.Unmarshal([]byte(r.Cells), &rec.Cells)
	_ = json.Unmarshal([]byte(r.Temperatures), &rec.Temperatures)
	return rec
}
