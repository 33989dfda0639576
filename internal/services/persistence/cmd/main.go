// agrilog: manutenzione del log persistente (migrate, prune, ping, dump).
//
//	agrilog migrate
//	agrilog prune -older-than 720h
//	agrilog ping
//	agrilog dump -sensor soil_moisture -hours 24
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/persistence"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/logger"
)

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func backendConfig() persistence.BackendConfig {
	return persistence.BackendConfig{
		Backend:     env("PERSISTENCE_BACKEND", persistence.BackendSQLite),
		SQLitePath:  env("DB_PATH", "agrimonitor.db"),
		PostgresDSN: env("POSTGRES_DSN", ""),
		Influx: persistence.InfluxConfig{
			URL:               env("INFLUX_URL", "http://localhost:8086"),
			Token:             env("INFLUX_TOKEN", ""),
			Org:               env("INFLUX_ORG", "agri"),
			Bucket:            env("INFLUX_BUCKET", "agrimonitor"),
			MeasurementPrefix: env("INFLUX_MEASUREMENT_PREFIX", ""),
		},
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agrilog migrate|prune|ping|dump [flags]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	log, err := logger.NewLogger(env("LOG_LEVEL", "info"), "console", "agrilog")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cfg := backendConfig()
	// OpenLog applica già le migrazioni su sqlite/postgres
	plog, err := persistence.OpenLog(ctx, cfg, log)
	if err != nil {
		log.Fatal("open log", zap.String("backend", cfg.Backend), zap.Error(err))
	}
	if plog == nil {
		log.Fatal("persistence disabled", zap.String("backend", cfg.Backend))
	}
	defer plog.Close()

	if err := runCommand(ctx, os.Args[1], os.Args[2:], plog, log); err != nil {
		log.Fatal(os.Args[1]+" failed", zap.Error(err))
	}
}

func runCommand(ctx context.Context, name string, args []string, plog persistence.Log, log *zap.Logger) error {
	switch name {
	case "migrate":
		log.Info("schema up to date")
		return nil

	case "ping":
		if err := plog.Ping(ctx); err != nil {
			return err
		}
		log.Info("log reachable")
		return nil

	case "prune":
		fs := flag.NewFlagSet("prune", flag.ExitOnError)
		olderThan := fs.Duration("older-than", 30*24*time.Hour, "remove rows older than this")
		_ = fs.Parse(args)
		if *olderThan <= 0 {
			return errors.New("-older-than must be positive")
		}
		pr, ok := plog.(persistence.Pruner)
		if !ok {
			return errors.New("backend manages its own retention")
		}
		n, err := pr.Prune(ctx, time.Now().UTC().Add(-*olderThan))
		if err != nil {
			return err
		}
		log.Info("pruned", zap.Int64("rows", n), zap.Duration("older_than", *olderThan))
		return nil

	case "dump":
		fs := flag.NewFlagSet("dump", flag.ExitOnError)
		sensor := fs.String("sensor", "", "sensor type")
		hours := fs.Int("hours", 24, "window size in hours")
		limit := fs.Int("limit", 0, "max rows, 0 = all")
		_ = fs.Parse(args)
		if *sensor == "" || *hours <= 0 {
			return errors.New("-sensor is required and -hours must be positive")
		}
		until := time.Now().UTC()
		rs, err := plog.ReadingsRange(ctx, model.SensorType(*sensor), until.Add(-time.Duration(*hours)*time.Hour), until, *limit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		for _, r := range rs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	}
	usage()
	return nil
}
