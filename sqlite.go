package opmon

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteFacility stores every field of every entry as one row
type SQLiteFacility struct {
	db  *sql.DB
	log *zap.Logger
}

// StoredValue is one row read back from a SQLiteFacility
type StoredValue struct {
	Time        time.Time
	Origin      string
	Label       string
	Measurement string
	Field       string
	Kind        Kind
	Value       string
}

// NewSQLiteFacility opens (or creates) the database at path and creates the
// entries table if it does not exist. ":memory:" opens a private in-memory
// database.
func NewSQLiteFacility(path string, log *zap.Logger) (*SQLiteFacility, error) {
	if log == nil {
		log = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// a second connection to ":memory:" would see a different database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteFacility{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteFacility) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS opmon_entries (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    ts          INTEGER NOT NULL,
    origin      TEXT NOT NULL,
    label       TEXT NOT NULL,
    measurement TEXT NOT NULL,
    field       TEXT NOT NULL,
    kind        INTEGER NOT NULL,
    value       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opmon_entries_origin_ts ON opmon_entries(origin, ts);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("create entries table: %w", err)
	}
	s.log.Debug("SQLite migration applied")
	return nil
}

// Publish implements Facility. All fields of the entry are written in a
// single transaction.
func (s *SQLiteFacility) Publish(e Entry) error {
	if err := s.save(context.Background(), e); err != nil {
		s.log.Warn("Failed to store entry",
			zap.String("origin", e.Origin), zap.String("measurement", e.MeasurementType), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrPublishFailure, err)
	}
	s.log.Debug("Entry stored",
		zap.String("origin", e.Origin), zap.Int("fields", len(e.Data)))
	return nil
}

func (s *SQLiteFacility) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil {
		s.log.Error("Failed to roll back entry", zap.Error(err))
	}
}

func (s *SQLiteFacility) save(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO opmon_entries (ts, origin, label, measurement, field, kind, value) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		s.rollback(tx)
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	names := make([]string, 0, len(e.Data))
	for name := range e.Data {
		names = append(names, name)
	}
	sort.Strings(names)

	ts := e.Time.UTC().UnixNano()
	for _, name := range names {
		v := e.Data[name]
		if _, err := stmt.ExecContext(ctx, ts, e.Origin, e.Label, e.MeasurementType, name, int(v.Kind()), v.String()); err != nil {
			s.rollback(tx)
			return fmt.Errorf("exec insert for %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Query returns the rows stored for origin, oldest first.
// An empty origin returns every row.
func (s *SQLiteFacility) Query(ctx context.Context, origin string) ([]StoredValue, error) {
	q := `SELECT ts, origin, label, measurement, field, kind, value FROM opmon_entries`
	var args []any
	if origin != "" {
		q += ` WHERE origin = ?`
		args = append(args, origin)
	}
	q += ` ORDER BY ts, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.log.Error("Failed to query entries", zap.String("origin", origin), zap.Error(err))
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []StoredValue
	for rows.Next() {
		var (
			sv   StoredValue
			ts   int64
			kind int
		)
		if err := rows.Scan(&ts, &sv.Origin, &sv.Label, &sv.Measurement, &sv.Field, &kind, &sv.Value); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		sv.Time = time.Unix(0, ts).UTC()
		sv.Kind = Kind(kind)
		out = append(out, sv)
	}
	return out, rows.Err()
}

// Close shuts down the database connection
func (s *SQLiteFacility) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite db: %w", err)
	}
	s.log.Info("SQLite facility closed")
	return nil
}
