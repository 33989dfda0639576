package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// SQLLog keeps readings and alert events in two append-only tables.
type SQLLog struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.Logger
}

// OpenSQLite apre (o crea) il file e applica WAL + busy timeout.
func OpenSQLite(path string) (*sql.DB, error) {
	uri := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open(string(DialectSQLite), uri)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open(string(DialectPostgres), dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres db: %w", err)
	}
	return db, nil
}

func NewSQLLog(db *sql.DB, dialect Dialect, logger *zap.Logger) *SQLLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLLog{db: db, dialect: dialect, log: logger}
}

func (s *SQLLog) schema() []string {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id ` + id + `,
			sensor_type TEXT NOT NULL,
			ts_ms BIGINT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT NOT NULL,
			seq BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_sensor_ts ON readings(sensor_type, ts_ms, seq)`,
		`CREATE TABLE IF NOT EXISTS alert_events (
			id ` + id + `,
			alert_id TEXT NOT NULL,
			sensor_type TEXT NOT NULL,
			condition TEXT NOT NULL,
			kind TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			ts_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_ts ON alert_events(ts_ms)`,
	}
}

// Migrate creates tables and indexes if missing.
func (s *SQLLog) Migrate(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.log.Info("persistence schema ready", zap.String("dialect", string(s.dialect)))
	return nil
}

// rebind converte i placeholder "?" in "$n" per postgres.
func (s *SQLLog) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func (s *SQLLog) AppendReadings(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	q := s.rebind(`INSERT INTO readings (sensor_type, ts_ms, value, unit, seq) VALUES (?, ?, ?, ?, ?)`)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range readings {
			if _, err := tx.ExecContext(ctx, q,
				string(r.SensorType), r.Timestamp.UTC().UnixMilli(), r.Value, r.Unit, int64(r.Sequence)); err != nil {
				return fmt.Errorf("insert reading %s#%d: %w", r.SensorType, r.Sequence, err)
			}
		}
		return nil
	})
}

func (s *SQLLog) AppendAlertEvents(ctx context.Context, events []AlertEvent) error {
	if len(events) == 0 {
		return nil
	}
	q := s.rebind(`INSERT INTO alert_events (alert_id, sensor_type, condition, kind, value, ts_ms) VALUES (?, ?, ?, ?, ?, ?)`)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range events {
			if _, err := tx.ExecContext(ctx, q,
				e.AlertID, string(e.SensorType), string(e.Condition), string(e.Kind), e.Value, e.Timestamp.UTC().UnixMilli()); err != nil {
				return fmt.Errorf("insert alert event %s: %w", e.AlertID, err)
			}
		}
		return nil
	})
}

func (s *SQLLog) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLLog) ReadingsRange(ctx context.Context, sensor model.SensorType, since, until time.Time, limit int) ([]model.Reading, error) {
	if limit <= 0 {
		limit = 20000
	}
	q := s.rebind(`
		SELECT sensor_type, ts_ms, value, unit, seq
		FROM readings
		WHERE sensor_type = ? AND ts_ms >= ? AND ts_ms <= ?
		ORDER BY ts_ms DESC, seq DESC
		LIMIT ?`)
	rows, err := s.db.QueryContext(ctx, q, string(sensor), since.UTC().UnixMilli(), until.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	out := []model.Reading{}
	for rows.Next() {
		var (
			r    model.Reading
			st   string
			tsMs int64
			seq  int64
		)
		if err := rows.Scan(&st, &tsMs, &r.Value, &r.Unit, &seq); err != nil {
			return nil, err
		}
		r.SensorType = model.SensorType(st)
		r.Timestamp = time.UnixMilli(tsMs).UTC()
		r.Sequence = uint64(seq)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func (s *SQLLog) MaxSequence(ctx context.Context) (uint64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM readings`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return uint64(seq), nil
}

// Prune deletes rows older than before in batches of 500; returns the total removed.
func (s *SQLLog) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	cut := before.UTC().UnixMilli()
	for _, table := range []string{"readings", "alert_events"} {
		q := s.rebind(`DELETE FROM ` + table + ` WHERE id IN (SELECT id FROM ` + table + ` WHERE ts_ms < ? LIMIT 500)`)
		for {
			res, err := s.db.ExecContext(ctx, q, cut)
			if err != nil {
				return total, fmt.Errorf("prune %s: %w", table, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return total, err
			}
			total += n
			if n == 0 {
				break
			}
		}
	}
	return total, nil
}

func (s *SQLLog) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLLog) Close() error { return s.db.Close() }
