package persistence

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
)

const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendInflux   = "influx"
)

type BackendConfig struct {
	Backend     string
	SQLitePath  string
	PostgresDSN string
	Influx      InfluxConfig
}

// OpenLog opens the configured backend and, for SQL backends, applies the
// schema. BackendNone returns a nil Log.
func OpenLog(ctx context.Context, cfg BackendConfig, logger *zap.Logger) (Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendNone:
		return nil, nil

	case BackendSQLite:
		if cfg.SQLitePath == "" {
			return nil, &entities.ConfigurationError{Field: "DB_PATH", Reason: "required for the sqlite backend"}
		}
		db, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, NewSQLLog(db, DialectSQLite, logger))

	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, &entities.ConfigurationError{Field: "POSTGRES_DSN", Reason: "required for the postgres backend"}
		}
		db, err := OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, NewSQLLog(db, DialectPostgres, logger))

	case BackendInflux:
		l, err := NewInfluxLog(cfg.Influx, logger)
		if err != nil {
			return nil, err
		}
		return l, nil

	default:
		return nil, &entities.ConfigurationError{
			Field:  "PERSISTENCE_BACKEND",
			Reason: fmt.Sprintf("unknown backend %q (none, sqlite, postgres, influx)", cfg.Backend),
		}
	}
}

func migrated(ctx context.Context, l *SQLLog) (Log, error) {
	if err := l.Migrate(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}
