package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/persistence"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/rabbitmq"
)

type Config struct {
	HTTPPort string
	GRPCPort string

	LogLevel  string
	LogFormat string

	// farm
	SensorsConfigPath string
	TickInterval      time.Duration
	Seed              int64
	Timezone          string
	HistoryMaxPoints  int
	HistoryMaxAge     time.Duration
	AlertHistoryLimit int
	AlertRetention    time.Duration
	HubQueueSize      int
	MaxBackfill       int
	AllowedOrigins    []string

	// persistence
	Persistence     persistence.BackendConfig
	PersistQueue    int
	CleanupInterval time.Duration
	LogRetention    time.Duration

	// redis (opzionale)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisTTL      time.Duration

	// mqtt (opzionale)
	MQTTEnabled         bool
	Rabbit              rabbitmq.RabbitMQConfig
	AggregationInterval time.Duration
	DedupTTL            time.Duration

	// breaker sulle letture dal log
	CBFails    int
	CBOpenMs   int
	CBInterval int

	ShutdownGrace time.Duration
}

func getenv(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return d
}

func getenvBool(k string, d bool) bool {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return d
}

// getenvDuration accetta "30s", "5m" oppure un intero in secondi.
func getenvDuration(k string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return d
}

func getenvList(k, d string) []string {
	var out []string
	for _, p := range strings.Split(getenv(k, d), ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func loadConfig() (Config, error) {
	cfg := Config{
		HTTPPort: getenv("PORT", "8080"),
		GRPCPort: getenv("GRPC_PORT", "9090"),

		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),

		SensorsConfigPath: getenv("SENSORS_CONFIG_PATH", ""),
		TickInterval:      getenvDuration("TICK_INTERVAL", 30*time.Second),
		Seed:              int64(getenvInt("SIM_SEED", 0)),
		Timezone:          getenv("FARM_TIMEZONE", "UTC"),
		HistoryMaxPoints:  getenvInt("HISTORY_MAX_POINTS", 20000),
		HistoryMaxAge:     getenvDuration("HISTORY_MAX_AGE", 7*24*time.Hour),
		AlertHistoryLimit: getenvInt("ALERT_HISTORY_LIMIT", 1000),
		AlertRetention:    getenvDuration("ALERT_RETENTION", 7*24*time.Hour),
		HubQueueSize:      getenvInt("STREAM_QUEUE_SIZE", 256),
		MaxBackfill:       getenvInt("STREAM_MAX_BACKFILL", 500),
		AllowedOrigins:    getenvList("CORS_ALLOWED_ORIGINS", "*"),

		Persistence: persistence.BackendConfig{
			Backend:     getenv("PERSISTENCE_BACKEND", persistence.BackendSQLite),
			SQLitePath:  getenv("DB_PATH", "agrimonitor.db"),
			PostgresDSN: getenv("POSTGRES_DSN", ""),
			Influx: persistence.InfluxConfig{
				URL:               getenv("INFLUX_URL", "http://localhost:8086"),
				Token:             getenv("INFLUX_TOKEN", ""),
				Org:               getenv("INFLUX_ORG", "agri"),
				Bucket:            getenv("INFLUX_BUCKET", "agrimonitor"),
				MeasurementPrefix: getenv("INFLUX_MEASUREMENT_PREFIX", ""),
			},
		},
		PersistQueue:    getenvInt("PERSIST_QUEUE_SIZE", 256),
		CleanupInterval: getenvDuration("CLEANUP_INTERVAL", time.Hour),
		LogRetention:    getenvDuration("LOG_RETENTION", 30*24*time.Hour),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),
		RedisPrefix:   getenv("REDIS_PREFIX", "agri"),
		RedisTTL:      getenvDuration("REDIS_TTL", 24*time.Hour),

		MQTTEnabled: getenvBool("MQTT_ENABLED", false),
		Rabbit: rabbitmq.RabbitMQConfig{
			Host:     getenv("RABBITMQ_HOST", "localhost"),
			Port:     getenvInt("RABBITMQ_PORT", 1883),
			User:     getenv("RABBITMQ_USER", "guest"),
			Password: getenv("RABBITMQ_PASSWORD", "guest"),
			ClientID: getenv("MQTT_CLIENT_ID", "agrimonitor"),
		},
		AggregationInterval: getenvDuration("AGGREGATION_INTERVAL", 5*time.Minute),
		DedupTTL:            getenvDuration("DEDUP_TTL", 10*time.Minute),

		CBFails:    getenvInt("CB_LOG_FAILS", 3),
		CBOpenMs:   getenvInt("CB_LOG_OPEN_MS", 15000),
		CBInterval: getenvInt("CB_LOG_INTERVAL_MS", 60000),

		ShutdownGrace: getenvDuration("SHUTDOWN_GRACE", 5*time.Second),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	bad := func(field, reason string) error {
		return &entities.ConfigurationError{Field: field, Reason: reason}
	}
	switch {
	case c.TickInterval <= 0:
		return bad("TICK_INTERVAL", "must be positive")
	case c.HistoryMaxPoints <= 0:
		return bad("HISTORY_MAX_POINTS", "must be positive")
	case c.HistoryMaxAge <= 0:
		return bad("HISTORY_MAX_AGE", "must be positive")
	case c.HubQueueSize <= 0:
		return bad("STREAM_QUEUE_SIZE", "must be positive")
	case c.CBFails <= 0:
		return bad("CB_LOG_FAILS", "must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return bad("FARM_TIMEZONE", fmt.Sprintf("unknown zone %q", c.Timezone))
	}
	return nil
}
