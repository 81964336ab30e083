// Package storage provides orchestration.SensorReadingCRUD implementations:
// PostgresReadingStore for production use and MemoryReadingStore for tests
// and the zero-dependency demo path.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/smartmaint/backbone/core"
	"github.com/smartmaint/backbone/orchestration"
)

// sensorReadingRow mirrors the sensor_readings table sqlx scans into; tags
// match column names directly rather than reusing SensorReading's json tags,
// since the wire shape and the storage shape are allowed to diverge.
type sensorReadingRow struct {
	SensorID  string    `db:"sensor_id"`
	Value     float64   `db:"value"`
	Timestamp time.Time `db:"timestamp"`
	Type      string    `db:"sensor_type"`
	Unit      string    `db:"unit"`
	Quality   float64   `db:"quality"`
}

// PostgresReadingStore persists and serves SensorReading history from a
// postgres-compatible database, connected via lib/pq and queried through
// sqlx for struct scanning.
type PostgresReadingStore struct {
	db *sqlx.DB
}

// NewPostgresReadingStore opens (but does not migrate) the connection. DSN
// follows postgres's standard URL or keyword/value form.
func NewPostgresReadingStore(dsn string) (*PostgresReadingStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, core.NewError("storage.NewPostgresReadingStore", core.KindServiceUnavailable, "", err)
	}
	return &PostgresReadingStore{db: db}, nil
}

// EnsureSchema creates the sensor_readings table and its supporting index
// if they don't already exist — migrations are expected to own this in a
// real deployment, but a backbone with no migration tool yet needs
// somewhere to create its own table for local/dev use.
func (s *PostgresReadingStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sensor_readings (
			id          BIGSERIAL PRIMARY KEY,
			sensor_id   TEXT NOT NULL,
			value       DOUBLE PRECISION NOT NULL,
			timestamp   TIMESTAMPTZ NOT NULL,
			sensor_type TEXT NOT NULL DEFAULT '',
			unit        TEXT NOT NULL DEFAULT '',
			quality     DOUBLE PRECISION NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sensor_readings_sensor_ts
			ON sensor_readings (sensor_id, timestamp DESC);
	`)
	if err != nil {
		return core.NewError("storage.EnsureSchema", core.KindServiceUnavailable, "", err)
	}
	return nil
}

// Insert records a new reading. Not part of SensorReadingCRUD (which this
// backbone only reads through). The ingestion router does not call it:
// readings accepted over HTTP are published to the bus, not stored.
func (s *PostgresReadingStore) Insert(ctx context.Context, reading orchestration.SensorReading) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sensor_readings (sensor_id, value, timestamp, sensor_type, unit, quality)
		VALUES (:sensor_id, :value, :timestamp, :sensor_type, :unit, :quality)
	`, sensorReadingRow{
		SensorID:  reading.SensorID,
		Value:     reading.Value,
		Timestamp: reading.Timestamp,
		Type:      string(reading.Type),
		Unit:      reading.Unit,
		Quality:   reading.Quality,
	})
	if err != nil {
		return core.NewError("storage.Insert", core.KindServiceUnavailable, reading.SensorID, err)
	}
	return nil
}

// GetBySensorID implements orchestration.SensorReadingCRUD: the most recent
// limit readings for sensorID, optionally bounded to those strictly before
// a given timestamp, ordered oldest-first (the order ValidationAgent and
// PredictionAgent both expect for their trend/stability math).
func (s *PostgresReadingStore) GetBySensorID(ctx context.Context, sensorID string, limit int, before *time.Time) ([]orchestration.SensorReading, error) {
	query := `
		SELECT sensor_id, value, timestamp, sensor_type, unit, quality
		FROM sensor_readings
		WHERE sensor_id = $1
	`
	args := []interface{}{sensorID}
	if before != nil {
		query += fmt.Sprintf(" AND timestamp < $%d", len(args)+1)
		args = append(args, *before)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	var rows []sensorReadingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, core.NewError("storage.GetBySensorID", core.KindServiceUnavailable, sensorID, err)
	}

	out := make([]orchestration.SensorReading, len(rows))
	for i, r := range rows {
		out[i] = orchestration.SensorReading{
			SensorID:  r.SensorID,
			Value:     r.Value,
			Timestamp: r.Timestamp,
			Type:      orchestration.SensorType(r.Type),
			Unit:      r.Unit,
			Quality:   r.Quality,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Close releases the underlying connection pool.
func (s *PostgresReadingStore) Close() error {
	return s.db.Close()
}

// MemoryReadingStore is an in-process SensorReadingCRUD + writer used by
// tests and the dependency-free demo entrypoint. Safe for concurrent use.
type MemoryReadingStore struct {
	mu       sync.RWMutex
	readings map[string][]orchestration.SensorReading
}

// NewMemoryReadingStore returns an empty store.
func NewMemoryReadingStore() *MemoryReadingStore {
	return &MemoryReadingStore{readings: make(map[string][]orchestration.SensorReading)}
}

// Insert appends reading to its sensor's history, keeping the slice sorted
// by timestamp so GetBySensorID never has to re-sort.
func (m *MemoryReadingStore) Insert(ctx context.Context, reading orchestration.SensorReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.readings[reading.SensorID]
	history = append(history, reading)
	sort.Slice(history, func(i, j int) bool { return history[i].Timestamp.Before(history[j].Timestamp) })
	m.readings[reading.SensorID] = history
	return nil
}

// GetBySensorID implements orchestration.SensorReadingCRUD.
func (m *MemoryReadingStore) GetBySensorID(ctx context.Context, sensorID string, limit int, before *time.Time) ([]orchestration.SensorReading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.readings[sensorID]
	filtered := make([]orchestration.SensorReading, 0, len(history))
	for _, r := range history {
		if before != nil && !r.Timestamp.Before(*before) {
			continue
		}
		filtered = append(filtered, r)
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]orchestration.SensorReading, len(filtered))
	copy(out, filtered)
	return out, nil
}
